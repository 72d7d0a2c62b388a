// Package api hosts the read-only HTTP status server. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status, /v1/workers, /v1/supervisor for the live run view.
//   - GET /v1/analytics for dashboard totals.
//   - GET /v1/results for recorded application results, filterable by outcome.
package api

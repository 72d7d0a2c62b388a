package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/apply"
	"github.com/JakeFAU/autoapply/internal/reporter"
)

const (
	defaultResultLimit = 100
	maxResultLimit     = 1000
)

// Summarizer builds the live run summary.
type Summarizer interface {
	Snapshot() reporter.Summary
}

// ResultLister returns recorded application results in record order.
type ResultLister interface {
	Results() []apply.ApplicationResult
}

// StatusHandler exposes read-only run status endpoints.
type StatusHandler struct {
	summary Summarizer
	results ResultLister
	logger  *zap.Logger
}

// NewStatusHandler wires the views. results may be nil.
func NewStatusHandler(summary Summarizer, results ResultLister, logger *zap.Logger) *StatusHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusHandler{summary: summary, results: results, logger: logger}
}

// Status handles GET /v1/status and returns the full run summary.
func (h *StatusHandler) Status(w http.ResponseWriter, _ *http.Request) {
	if h.summary == nil {
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, h.summary.Snapshot())
}

// Workers handles GET /v1/workers.
func (h *StatusHandler) Workers(w http.ResponseWriter, _ *http.Request) {
	if h.summary == nil {
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	s := h.summary.Snapshot()
	workers := s.Workers
	if workers == nil {
		workers = []apply.WorkerState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_workers": s.ActiveWorkers,
		"workers":        workers,
	})
}

// Supervisor handles GET /v1/supervisor.
func (h *StatusHandler) Supervisor(w http.ResponseWriter, _ *http.Request) {
	if h.summary == nil {
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	s := h.summary.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"dependents":         s.Dependents,
		"total_restarts":     s.TotalRestarts,
		"permanently_failed": s.PermanentlyFailed,
	})
}

// Analytics handles GET /v1/analytics.
func (h *StatusHandler) Analytics(w http.ResponseWriter, _ *http.Request) {
	if h.summary == nil {
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, h.summary.Snapshot().Analytics())
}

// Results handles GET /v1/results?outcome=&limit=&offset=. It returns
// {"results": [...], "total": N} where total counts matches before paging.
func (h *StatusHandler) Results(w http.ResponseWriter, r *http.Request) {
	if h.results == nil {
		writeError(w, http.StatusServiceUnavailable, "results unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultResultLimit, maxResultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var filter apply.Outcome
	if raw := strings.TrimSpace(r.URL.Query().Get("outcome")); raw != "" {
		filter, err = parseOutcome(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	all := h.results.Results()
	matched := make([]apply.ApplicationResult, 0, len(all))
	for _, res := range all {
		if filter == "" || res.Outcome == filter {
			matched = append(matched, res)
		}
	}
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"results": matched[offset:end],
		"total":   total,
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseOutcome(input string) (apply.Outcome, error) {
	switch strings.ToLower(input) {
	case "success", "applied":
		return apply.OutcomeSuccess, nil
	case "already_processed", "already_applied":
		return apply.OutcomeAlreadyProcessed, nil
	case "transient_failure", "transient":
		return apply.OutcomeTransientFailure, nil
	case "permanent_failure", "permanent", "failed":
		return apply.OutcomePermanentFailure, nil
	default:
		return "", errors.New("invalid outcome")
	}
}

package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/autoapply/internal/config"
	"github.com/JakeFAU/autoapply/internal/metrics"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	metrics.Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/items/42", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	require.True(t, hasSeries(families, "http_requests_total", "code", "418"))
	require.True(t, hasSeries(families, "http_request_duration_seconds", "route", "/v1/items/{id}"))
}

func TestMiddlewareStartsServerSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	metrics.Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/results", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/results", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	r.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	require.Equal(t, "GET /v1/results", span.Name())
	require.Equal(t, trace.SpanKindServer, span.SpanKind())
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", span.SpanContext().TraceID().String())
	require.Equal(t, codes.Error, span.Status().Code)
	require.Contains(t, span.Attributes(), attribute.String("http.route", "/v1/results"))
}

func hasSeries(families []*dto.MetricFamily, name, label, value string) bool {
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return true
				}
			}
		}
	}
	return false
}

func TestInitTracerProviderWithoutEndpoint(t *testing.T) {
	tp, shutdown, err := InitTracerProvider(context.Background(), config.TelemetryConfig{SampleRatio: 1}, nil)
	require.NoError(t, err)
	require.NotNil(t, tp)
	t.Cleanup(func() { require.NoError(t, shutdown(context.Background())) })

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	require.True(t, span.SpanContext().IsValid())
	require.True(t, span.SpanContext().IsSampled())
	span.End()
}

func TestInitTracerProviderWithEndpoint(t *testing.T) {
	tp, shutdown, err := InitTracerProvider(context.Background(), config.TelemetryConfig{
		ServiceName:  "autoapply-test",
		OTLPEndpoint: "127.0.0.1:4318",
		Insecure:     true,
		SampleRatio:  0,
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, tp)

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	require.False(t, span.SpanContext().IsSampled())
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}

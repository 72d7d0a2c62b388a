package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, applicationsTotal)
	require.NotNil(t, claimsTotal)
	require.NotNil(t, supervisorState)
	require.NotNil(t, httpRequestsTotal)
}

func TestObserveApplication(t *testing.T) {
	Init()
	before := testutil.ToFloat64(applicationsTotal.WithLabelValues("success"))
	ObserveApplication("success")
	ObserveApplication("success")
	require.InDelta(t, before+2, testutil.ToFloat64(applicationsTotal.WithLabelValues("success")), 0.001)
}

func TestObserveClaim(t *testing.T) {
	Init()
	won := testutil.ToFloat64(claimsTotal.WithLabelValues("won"))
	lost := testutil.ToFloat64(claimsTotal.WithLabelValues("lost"))
	ObserveClaim(true)
	ObserveClaim(false)
	ObserveClaim(false)
	require.InDelta(t, won+1, testutil.ToFloat64(claimsTotal.WithLabelValues("won")), 0.001)
	require.InDelta(t, lost+2, testutil.ToFloat64(claimsTotal.WithLabelValues("lost")), 0.001)
}

func TestSetSupervisorStateClearsPrevious(t *testing.T) {
	Init()
	SetSupervisorState("job-source", "", "starting")
	SetSupervisorState("job-source", "starting", "healthy")

	require.InDelta(t, 0, testutil.ToFloat64(supervisorState.WithLabelValues("job-source", "starting")), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(supervisorState.WithLabelValues("job-source", "healthy")), 0.001)
}

func TestObserveLedgerFlush(t *testing.T) {
	Init()
	ok := testutil.ToFloat64(ledgerFlushesTotal.WithLabelValues("ok"))
	bad := testutil.ToFloat64(ledgerFlushesTotal.WithLabelValues("error"))
	ObserveLedgerFlush(nil)
	ObserveLedgerFlush(errors.New("disk full"))
	require.InDelta(t, ok+1, testutil.ToFloat64(ledgerFlushesTotal.WithLabelValues("ok")), 0.001)
	require.InDelta(t, bad+1, testutil.ToFloat64(ledgerFlushesTotal.WithLabelValues("error")), 0.001)
}

func TestObserveBackoff(t *testing.T) {
	Init()
	ObserveBackoff("apply", 3*time.Second)
	require.Positive(t, testutil.CollectAndCount(backoffDelaySeconds))
}

func TestHandlerServesMetrics(t *testing.T) {
	Init()
	ObserveApplyAttempt()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "autoapply_apply_attempts_total")
}

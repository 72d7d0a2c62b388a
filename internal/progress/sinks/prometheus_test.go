package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/autoapply/internal/apply"
	"github.com/JakeFAU/autoapply/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageWorkerStart, WorkerID: "w-1"},
		{RunID: runID, TS: now, Stage: progress.StageWorkerStart, WorkerID: "w-1"},
		{RunID: runID, TS: now, Stage: progress.StageWorkerStart, WorkerID: "w-2"},
		{RunID: runID, TS: now, Stage: progress.StageCycleStart, WorkerID: "w-1", Cycle: 1},
		{
			RunID:  runID,
			TS:     now,
			Stage:  progress.StageApplyDone,
			Result: &apply.ApplicationResult{WorkItemID: "job-1", Outcome: apply.OutcomeSuccess, Attempts: 1},
			Dur:    300 * time.Millisecond,
		},
		{RunID: runID, TS: now, Stage: progress.StageWorkerExit, WorkerID: "w-1"},
		{RunID: runID, TS: now, Stage: progress.StageDependent, Dependent: "job-source", State: "healthy"},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.cyclesTotal.WithLabelValues("w-1")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.exitsTotal.WithLabelValues("stopped")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.workersRunning), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.dependentEvents.WithLabelValues("job-source", "healthy")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.applyDuration, "autoapply_apply_duration_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.ErrorContains(t, err, "register progress collector")
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/apply"
)

func result(id string, outcome apply.Outcome, attempts int) apply.ApplicationResult {
	return apply.ApplicationResult{
		WorkItemID: id,
		WorkerID:   "w-1",
		Outcome:    outcome,
		Attempts:   attempts,
		Timestamp:  time.Now().UTC(),
	}
}

func TestTryClaimOnlyOneWinner(t *testing.T) {
	t.Parallel()

	l := New(zap.NewNop())
	const (
		claimants = 16
		items     = 200
	)

	successes := make([]int, items)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for c := 0; c < claimants; c++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < items; i++ {
				id := fmt.Sprintf("job-%d", i)
				if !l.TryClaim(id) {
					assert.NoError(t, l.RecordOutcome(result(id, apply.OutcomeAlreadyProcessed, 0)))
					continue
				}
				r := result(id, apply.OutcomeSuccess, 1)
				r.WorkerID = fmt.Sprintf("w-%d", worker)
				assert.NoError(t, l.RecordOutcome(r))
				mu.Lock()
				successes[i]++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	for i, n := range successes {
		require.Equalf(t, 1, n, "job-%d", i)
	}
	snap := l.Snapshot()
	require.Equal(t, items, snap.Successes)
	require.Equal(t, items, snap.ProcessedCount)
	require.Equal(t, items, snap.Attempts)
	require.Equal(t, items*(claimants-1), snap.Skipped)
	require.Zero(t, snap.AlreadyProcessed)
	require.Zero(t, snap.InFlight)
	require.Len(t, l.Results(), items)
}

func TestReofferedItemResolvesToAlreadyProcessed(t *testing.T) {
	t.Parallel()

	l := New(nil)
	require.True(t, l.TryClaim("job-1"))
	require.NoError(t, l.RecordOutcome(result("job-1", apply.OutcomeSuccess, 1)))

	require.False(t, l.TryClaim("job-1"))
	require.NoError(t, l.RecordOutcome(result("job-1", apply.OutcomeAlreadyProcessed, 0)))

	snap := l.Snapshot()
	require.Equal(t, 1, snap.Successes)
	require.Equal(t, 1, snap.Skipped)
	require.Zero(t, snap.AlreadyProcessed)
	require.Equal(t, 1, snap.ProcessedCount)
	require.True(t, l.Processed("job-1"))
	require.Len(t, l.Results(), 1, "lost claims stay out of the result log")
}

func TestSourceAlreadyAppliedIsRecorded(t *testing.T) {
	t.Parallel()

	l := New(nil)
	require.True(t, l.TryClaim("job-1"))
	require.NoError(t, l.RecordOutcome(result("job-1", apply.OutcomeAlreadyProcessed, 1)))

	snap := l.Snapshot()
	require.Equal(t, 1, snap.AlreadyProcessed)
	require.Zero(t, snap.Skipped)
	require.True(t, l.Processed("job-1"))
	require.Len(t, l.Results(), 1)
}

func TestRepeatedLostClaimsKeepLogBounded(t *testing.T) {
	t.Parallel()

	l := New(nil)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("held-%d", i)
		require.True(t, l.TryClaim(id))
		require.NoError(t, l.RecordOutcome(result(id, apply.OutcomeSuccess, 1)))
	}
	for round := 0; round < 1000; round++ {
		for i := 0; i < 10; i++ {
			id := fmt.Sprintf("held-%d", i)
			require.False(t, l.TryClaim(id))
			require.NoError(t, l.RecordOutcome(result(id, apply.OutcomeAlreadyProcessed, 0)))
		}
	}

	snap := l.Snapshot()
	require.Equal(t, 10000, snap.Skipped)
	require.Zero(t, snap.AlreadyProcessed)
	require.Equal(t, 10, snap.ProcessedCount)
	require.Len(t, l.Results(), 10)
}

func TestRetentionTrimsInMemoryLog(t *testing.T) {
	t.Parallel()

	l := New(nil, WithRetention(8))
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("job-%d", i)
		require.True(t, l.TryClaim(id))
		require.NoError(t, l.RecordOutcome(result(id, apply.OutcomeSuccess, 1)))
	}

	out := l.Results()
	require.LessOrEqual(t, len(out), 10)
	require.GreaterOrEqual(t, len(out), 8)
	require.Equal(t, "job-49", out[len(out)-1].WorkItemID)
	require.Equal(t, 50, l.Snapshot().Successes, "counters are not trimmed")
	require.True(t, l.Processed("job-0"))
}

func TestRetentionKeepsUnflushedResults(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	l, err := Open(context.Background(), store, nil, WithRetention(4))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("job-%d", i)
		require.True(t, l.TryClaim(id))
		require.NoError(t, l.RecordOutcome(result(id, apply.OutcomeSuccess, 1)))
	}
	require.Len(t, l.Results(), 20, "nothing is dropped before it is flushed")
	require.Equal(t, 20, l.Snapshot().Pending)

	require.NoError(t, l.Flush(context.Background()))
	require.Equal(t, 20, store.count())
	require.Len(t, l.Results(), 4)
	require.Zero(t, l.Snapshot().Pending)

	require.True(t, l.TryClaim("job-20"))
	require.NoError(t, l.RecordOutcome(result("job-20", apply.OutcomeSuccess, 1)))
	require.Equal(t, 1, l.Snapshot().Pending)
	require.NoError(t, l.Flush(context.Background()))
	require.Equal(t, 21, store.count())
	require.Equal(t, "job-20", l.Results()[len(l.Results())-1].WorkItemID)
}

func TestTransientFailureReleasesClaim(t *testing.T) {
	t.Parallel()

	l := New(nil)
	require.True(t, l.TryClaim("x"))
	require.NoError(t, l.RecordOutcome(result("x", apply.OutcomeTransientFailure, 2)))
	require.False(t, l.Processed("x"))

	require.True(t, l.TryClaim("x"), "released item can be claimed again")
	require.NoError(t, l.RecordOutcome(result("x", apply.OutcomeSuccess, 1)))

	snap := l.Snapshot()
	require.Equal(t, 1, snap.Successes)
	require.Equal(t, 3, snap.Attempts)
	require.Equal(t, 1, snap.Failures)
	require.Equal(t, 1, snap.TransientFailures)
	require.Equal(t, 1, snap.ProcessedCount)
}

func TestPermanentFailureKeepsClaim(t *testing.T) {
	t.Parallel()

	l := New(nil)
	require.True(t, l.TryClaim("closed"))
	require.NoError(t, l.RecordOutcome(result("closed", apply.OutcomePermanentFailure, 1)))
	require.False(t, l.TryClaim("closed"))

	snap := l.Snapshot()
	require.Equal(t, 1, snap.PermanentFailures)
	require.Equal(t, 1, snap.Failures)
	require.Equal(t, 1, snap.ProcessedCount)
}

func TestRecordOutcomeRequiresClaim(t *testing.T) {
	t.Parallel()

	l := New(nil)
	err := l.RecordOutcome(result("ghost", apply.OutcomeSuccess, 1))
	require.ErrorIs(t, err, ErrNotClaimed)

	require.True(t, l.TryClaim("job"))
	require.NoError(t, l.RecordOutcome(result("job", apply.OutcomeSuccess, 1)))
	err = l.RecordOutcome(result("job", apply.OutcomeSuccess, 1))
	require.ErrorIs(t, err, ErrAlreadyRecorded)

	require.Equal(t, 1, l.Snapshot().Successes)
}

func TestRecordOutcomeRejectsInvalid(t *testing.T) {
	t.Parallel()

	l := New(nil)
	require.ErrorIs(t, l.RecordOutcome(result("", apply.OutcomeSuccess, 1)), ErrInvalidResult)
	require.ErrorIs(t, l.RecordOutcome(result("a", apply.Outcome("weird"), 1)), ErrInvalidResult)
	require.ErrorIs(t, l.RecordOutcome(result("a", apply.OutcomeSuccess, -1)), ErrInvalidResult)
}

func TestReleaseOnlyDropsOpenClaims(t *testing.T) {
	t.Parallel()

	l := New(nil)
	require.True(t, l.TryClaim("a"))
	l.Release("a")
	require.Zero(t, l.Snapshot().InFlight)
	require.True(t, l.TryClaim("a"))
	require.NoError(t, l.RecordOutcome(result("a", apply.OutcomeSuccess, 1)))
	l.Release("a")
	require.True(t, l.Processed("a"))
	l.Release("unknown")
}

func TestResultsIsACopy(t *testing.T) {
	t.Parallel()

	l := New(nil)
	require.True(t, l.TryClaim("a"))
	require.NoError(t, l.RecordOutcome(result("a", apply.OutcomeSuccess, 1)))
	out := l.Results()
	out[0].Outcome = apply.OutcomePermanentFailure
	require.Equal(t, apply.OutcomeSuccess, l.Results()[0].Outcome)
}

type fakeStore struct {
	mu        sync.Mutex
	processed []string
	appended  []apply.ApplicationResult
	loadErr   error
	appendErr error
	closed    bool
}

func (s *fakeStore) LoadProcessed(context.Context) ([]string, error) {
	return s.processed, s.loadErr
}

func (s *fakeStore) AppendResults(_ context.Context, results []apply.ApplicationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.appended = append(s.appended, results...)
	return nil
}

func (s *fakeStore) Close() error {
	s.closed = true
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.appended)
}

func TestOpenPreloadsProcessed(t *testing.T) {
	t.Parallel()

	store := &fakeStore{processed: []string{"old-1", "old-2"}}
	l, err := Open(context.Background(), store, zap.NewNop())
	require.NoError(t, err)
	require.False(t, l.TryClaim("old-1"))
	require.True(t, l.TryClaim("new-1"))
	require.Equal(t, 2, l.Snapshot().ProcessedCount)
}

func TestOpenPropagatesLoadError(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), &fakeStore{loadErr: errors.New("offline")}, nil)
	require.ErrorContains(t, err, "load processed ids: offline")
}

func TestFlushWritesOnlyNewResults(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	l, err := Open(context.Background(), store, nil)
	require.NoError(t, err)

	require.True(t, l.TryClaim("a"))
	require.NoError(t, l.RecordOutcome(result("a", apply.OutcomeSuccess, 1)))
	require.Equal(t, 1, l.Snapshot().Pending)
	require.NoError(t, l.Flush(context.Background()))
	require.Equal(t, 1, store.count())
	require.Zero(t, l.Snapshot().Pending)

	require.NoError(t, l.Flush(context.Background()))
	require.Equal(t, 1, store.count())

	require.True(t, l.TryClaim("b"))
	require.NoError(t, l.RecordOutcome(result("b", apply.OutcomePermanentFailure, 1)))
	require.NoError(t, l.Close(context.Background()))
	require.Equal(t, 2, store.count())
	require.True(t, store.closed)
}

func TestFlushErrorKeepsResultsPending(t *testing.T) {
	t.Parallel()

	store := &fakeStore{appendErr: errors.New("write failed")}
	l, err := Open(context.Background(), store, nil)
	require.NoError(t, err)
	require.True(t, l.TryClaim("a"))
	require.NoError(t, l.RecordOutcome(result("a", apply.OutcomeSuccess, 1)))

	require.ErrorContains(t, l.Flush(context.Background()), "write failed")
	require.Equal(t, 1, l.Snapshot().Pending)

	store.mu.Lock()
	store.appendErr = nil
	store.mu.Unlock()
	require.NoError(t, l.Flush(context.Background()))
	require.Zero(t, l.Snapshot().Pending)
}

func TestRunFlusherFlushesOnTickAndExit(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	l, err := Open(context.Background(), store, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.RunFlusher(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.True(t, l.TryClaim("a"))
	require.NoError(t, l.RecordOutcome(result("a", apply.OutcomeSuccess, 1)))
	require.Eventually(t, func() bool { return store.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.True(t, l.TryClaim("b"))
	require.NoError(t, l.RecordOutcome(result("b", apply.OutcomeSuccess, 1)))
	cancel()
	<-done
	require.Equal(t, 2, store.count())
}

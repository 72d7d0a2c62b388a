package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/apply"
	"github.com/JakeFAU/autoapply/internal/backoff"
	"github.com/JakeFAU/autoapply/internal/jobsource/memory"
	"github.com/JakeFAU/autoapply/internal/ledger"
	"github.com/JakeFAU/autoapply/internal/supervisor"
	"github.com/JakeFAU/autoapply/internal/worker"
)

type stubRunner struct {
	id          string
	ignoreStop  bool
	err         error
	mu          sync.Mutex
	state       apply.WorkerState
	startedAt   time.Time
	interrupted bool
	complete    bool
}

func (r *stubRunner) Run(ctx context.Context, stop <-chan struct{}) error {
	r.mu.Lock()
	r.startedAt = time.Now()
	r.state = apply.WorkerState{WorkerID: r.id, Status: apply.WorkerApplying}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.state.Status = apply.WorkerStopped
		r.mu.Unlock()
	}()
	if r.err != nil {
		return r.err
	}
	if r.complete {
		return nil
	}
	if r.ignoreStop {
		<-ctx.Done()
		r.mu.Lock()
		r.interrupted = true
		r.mu.Unlock()
		return nil
	}
	select {
	case <-stop:
	case <-ctx.Done():
	}
	return nil
}

func (r *stubRunner) Snapshot() apply.WorkerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

type stubFactory struct {
	mu      sync.Mutex
	runners []*stubRunner
	build   func(id string) *stubRunner
}

func (f *stubFactory) New(id string) (Runner, error) {
	r := &stubRunner{id: id}
	if f.build != nil {
		r = f.build(id)
	}
	f.mu.Lock()
	f.runners = append(f.runners, r)
	f.mu.Unlock()
	return r, nil
}

func (f *stubFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runners)
}

func TestPoolScenarioTenItemsThreeWorkers(t *testing.T) {
	t.Parallel()

	items := make([]apply.WorkItem, 10)
	for i := range items {
		items[i] = apply.WorkItem{ID: fmt.Sprintf("job-%02d", i), Title: "Engineer", Organization: "Acme"}
	}
	src := memory.New(items...)
	ldg := ledger.New(zap.NewNop())
	sched := backoff.New(backoff.Config{
		Apply: backoff.Range{Min: time.Millisecond, Max: 3 * time.Millisecond},
		Batch: backoff.Range{Min: time.Millisecond, Max: 3 * time.Millisecond},
		Idle:  backoff.Range{Min: 5 * time.Millisecond, Max: 5 * time.Millisecond},
		Cycle: backoff.Range{Min: 5 * time.Millisecond, Max: 5 * time.Millisecond},
	})
	factory := func(id string) (Runner, error) {
		return worker.New(id, src, ldg, sched, nil, nil, nil, nil, worker.Config{PerCycleCap: 5, BatchSize: 10}, zap.NewNop()), nil
	}

	p := New(Config{Workers: 3, StartStagger: time.Millisecond, ShutdownTimeout: time.Second}, factory, ldg, zap.NewNop())
	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool {
		return ldg.Snapshot().ProcessedCount == 10
	}, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop(context.Background()))

	snap := ldg.Snapshot()
	require.Equal(t, 10, snap.Successes)
	require.GreaterOrEqual(t, snap.Attempts, 10)
	require.Equal(t, 10, snap.ProcessedCount)
	for _, item := range items {
		require.Equal(t, 1, src.Applications(item.ID), item.ID)
	}
	require.Len(t, p.Workers(), 3)
	require.Zero(t, p.LiveWorkers())
}

func TestPoolStaggersStarts(t *testing.T) {
	t.Parallel()

	f := &stubFactory{}
	p := New(Config{Workers: 3, StartStagger: 30 * time.Millisecond}, f.New, nil, nil)
	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return p.LiveWorkers() == 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop(context.Background()))

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 1; i < len(f.runners); i++ {
		gap := f.runners[i].startedAt.Sub(f.runners[i-1].startedAt)
		require.GreaterOrEqual(t, gap, 25*time.Millisecond)
	}
}

func TestPoolStartTwiceFails(t *testing.T) {
	t.Parallel()

	f := &stubFactory{}
	p := New(Config{Workers: 1}, f.New, nil, nil)
	require.NoError(t, p.Start(context.Background()))
	require.ErrorIs(t, p.Start(context.Background()), ErrAlreadyRunning)
	require.NoError(t, p.Stop(context.Background()))
}

func TestPoolStopIsGraceful(t *testing.T) {
	t.Parallel()

	f := &stubFactory{}
	p := New(Config{Workers: 4}, f.New, nil, nil)
	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return p.LiveWorkers() == 4 }, time.Second, 5*time.Millisecond)
	require.True(t, p.IsAlive())
	require.True(t, p.Health(context.Background()).Up)

	require.NoError(t, p.Stop(context.Background()))
	require.False(t, p.IsAlive())
	require.Zero(t, p.LiveWorkers())
	for _, state := range p.Workers() {
		require.Equal(t, apply.WorkerStopped, state.Status)
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("done channel not closed after stop")
	}
}

func TestPoolStopForceTerminatesLaggards(t *testing.T) {
	t.Parallel()

	f := &stubFactory{build: func(id string) *stubRunner {
		return &stubRunner{id: id, ignoreStop: id == "worker-2"}
	}}
	timeout := 50 * time.Millisecond
	p := New(Config{Workers: 2, ShutdownTimeout: timeout, ForceGrace: 200 * time.Millisecond}, f.New, nil, zap.NewNop())
	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return p.LiveWorkers() == 2 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	err := p.Stop(context.Background())
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrShutdownTimeout)
	require.GreaterOrEqual(t, elapsed, timeout)
	require.Less(t, elapsed, timeout+200*time.Millisecond)
	f.mu.Lock()
	require.True(t, f.runners[1].interrupted)
	f.mu.Unlock()
	require.False(t, p.IsAlive())
}

func TestPoolStopWithoutStart(t *testing.T) {
	t.Parallel()

	p := New(Config{}, (&stubFactory{}).New, nil, nil)
	require.NoError(t, p.Stop(context.Background()))
	require.False(t, p.IsAlive())
	require.Nil(t, p.Workers())
}

func TestPoolRestartLaunchesFreshWorkers(t *testing.T) {
	t.Parallel()

	f := &stubFactory{}
	p := New(Config{Workers: 2}, f.New, nil, nil)
	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return p.LiveWorkers() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Restart(context.Background()))
	require.Eventually(t, func() bool { return p.LiveWorkers() == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 4, f.count())
	require.NoError(t, p.Stop(context.Background()))
}

func TestPoolDiesWhenAllWorkersExit(t *testing.T) {
	t.Parallel()

	f := &stubFactory{build: func(id string) *stubRunner {
		return &stubRunner{id: id, err: worker.ErrAuthExhausted}
	}}
	p := New(Config{Workers: 2, IsFatal: worker.IsFatal}, f.New, nil, zap.NewNop())
	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool { return !p.IsAlive() }, time.Second, 5*time.Millisecond)
	require.False(t, p.Health(context.Background()).Up)
	select {
	case err := <-p.Fatal():
		t.Fatalf("unexpected fatal error %v", err)
	default:
	}
}

func TestPoolReportsFatalWorkerError(t *testing.T) {
	t.Parallel()

	boom := fmt.Errorf("%w: out of memory", worker.ErrLedger)
	f := &stubFactory{build: func(id string) *stubRunner {
		return &stubRunner{id: id, err: boom}
	}}
	p := New(Config{Workers: 1, IsFatal: worker.IsFatal}, f.New, nil, nil)
	require.NoError(t, p.Start(context.Background()))

	select {
	case err := <-p.Fatal():
		require.True(t, errors.Is(err, worker.ErrLedger))
		require.ErrorContains(t, err, "worker-1")
	case <-time.After(time.Second):
		t.Fatal("expected fatal error")
	}
}

type fixedCounter struct {
	mu        sync.Mutex
	successes int
	reads     int
}

func (c *fixedCounter) Snapshot() ledger.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	return ledger.Snapshot{Successes: c.successes}
}

func (c *fixedCounter) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func TestPoolFinishesAtTargetSuccesses(t *testing.T) {
	t.Parallel()

	counter := &fixedCounter{}
	p := New(Config{Workers: 1, TargetSuccesses: 5, CheckInterval: 5 * time.Millisecond}, (&stubFactory{}).New, counter, nil)
	require.NoError(t, p.Start(context.Background()))

	counter.mu.Lock()
	counter.successes = 5
	counter.mu.Unlock()

	select {
	case <-p.Finished():
	case <-time.After(time.Second):
		t.Fatal("pool did not finish at target")
	}
	require.Contains(t, p.FinishReason(), "target of 5")
	require.ErrorIs(t, p.Restart(context.Background()), ErrFinished)
	require.NoError(t, p.Stop(context.Background()))
}

func TestPoolFinishesAtMaxRuntime(t *testing.T) {
	t.Parallel()

	p := New(Config{Workers: 1, MaxRuntime: 20 * time.Millisecond}, (&stubFactory{}).New, nil, nil)
	require.NoError(t, p.Start(context.Background()))
	select {
	case <-p.Finished():
	case <-time.After(time.Second):
		t.Fatal("pool did not finish at max runtime")
	}
	require.Contains(t, p.FinishReason(), "max runtime")
	require.NoError(t, p.Stop(context.Background()))
}

func TestPoolGoalWatcherExitsOnStop(t *testing.T) {
	t.Parallel()

	counter := &fixedCounter{}
	p := New(Config{Workers: 1, TargetSuccesses: 100, CheckInterval: 2 * time.Millisecond}, (&stubFactory{}).New, counter, nil)
	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return counter.readCount() > 0 }, time.Second, 2*time.Millisecond)

	require.NoError(t, p.Stop(context.Background()))
	time.Sleep(10 * time.Millisecond)
	reads := counter.readCount()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, reads, counter.readCount(), "goals are no longer polled after stop")

	select {
	case <-p.Finished():
		t.Fatal("stopping before the goal must not finish the run")
	default:
	}
}

func TestPoolFinishesWhenWorkersCompleteTheirCycles(t *testing.T) {
	t.Parallel()

	src := memory.New(apply.WorkItem{ID: "job-1", Title: "Engineer", Organization: "Acme"})
	ldg := ledger.New(nil)
	factory := func(id string) (Runner, error) {
		return worker.New(id, src, ldg, backoff.New(backoff.Config{}), nil, nil, nil, nil,
			worker.Config{PerCycleCap: 1, MaxCycles: 1}, nil), nil
	}
	p := New(Config{Workers: 1}, factory, ldg, nil)

	clock := &stepClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	sup := supervisor.New(supervisor.Config{Threshold: 3}, clock, nil, [16]byte{}, nil)
	sup.Add(p)
	sup.StartAll(context.Background())

	select {
	case <-p.Finished():
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not finish after the last cycle")
	}
	require.Contains(t, p.FinishReason(), "completed its cycles")
	require.True(t, p.Completed())
	require.Eventually(t, func() bool { return !p.IsAlive() }, time.Second, 5*time.Millisecond)

	clock.advance(time.Minute)
	require.NoError(t, sup.CheckOnce(context.Background()))
	rec := sup.Snapshots()[0]
	require.Equal(t, supervisor.StateCompleted, rec.State)
	require.Zero(t, rec.RestartCount)
	require.Equal(t, 1, ldg.Snapshot().Successes)
	require.ErrorIs(t, p.Restart(context.Background()), ErrFinished)
}

func TestPoolFailedWorkerDoesNotCompleteTheRun(t *testing.T) {
	t.Parallel()

	f := &stubFactory{build: func(id string) *stubRunner {
		if id == "worker-2" {
			return &stubRunner{id: id, err: worker.ErrAuthExhausted}
		}
		return &stubRunner{id: id, complete: true}
	}}
	p := New(Config{Workers: 2}, f.New, nil, nil)
	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool { return !p.IsAlive() }, time.Second, 5*time.Millisecond)
	require.False(t, p.Completed())
	require.NoError(t, p.Restart(context.Background()))
	require.NoError(t, p.Stop(context.Background()))
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

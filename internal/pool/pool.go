// Package pool runs a set of workers concurrently and coordinates their shutdown.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/apply"
	"github.com/JakeFAU/autoapply/internal/ledger"
	"github.com/JakeFAU/autoapply/internal/metrics"
)

var (
	// ErrShutdownTimeout is returned by Stop when workers had to be force-terminated.
	ErrShutdownTimeout = errors.New("workers did not stop before the shutdown timeout")
	// ErrAlreadyRunning is returned by Start on a running pool.
	ErrAlreadyRunning = errors.New("pool already running")
	// ErrFinished is returned by Start and Restart once the run has finished.
	ErrFinished = errors.New("pool finished")
)

// Runner is one pool member.
type Runner interface {
	Run(ctx context.Context, stop <-chan struct{}) error
	Snapshot() apply.WorkerState
}

// Factory builds the runner for worker id.
type Factory func(id string) (Runner, error)

// Counter exposes ledger totals for the run goals.
type Counter interface {
	Snapshot() ledger.Snapshot
}

// Config controls pool behavior.
type Config struct {
	Workers int
	// StartStagger delays each worker launch after the first.
	StartStagger time.Duration
	// ShutdownTimeout bounds how long Stop waits before force-terminating workers.
	ShutdownTimeout time.Duration
	// ForceGrace is how long Stop waits for force-terminated workers to return.
	ForceGrace time.Duration
	// TargetSuccesses stops the pool once the ledger counts that many successes.
	TargetSuccesses int
	// MaxRuntime stops the pool after this wall-clock budget.
	MaxRuntime time.Duration
	// CheckInterval is how often the run goals are evaluated.
	CheckInterval time.Duration
	// IsFatal classifies worker errors that must stop the orchestrator.
	IsFatal func(error) bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.StartStagger < 0 {
		c.StartStagger = 0
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.ForceGrace <= 0 {
		c.ForceGrace = time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	return c
}

// Pool owns the worker goroutines of one run at a time.
type Pool struct {
	cfg     Config
	factory Factory
	counter Counter
	logger  *zap.Logger

	mu        sync.Mutex
	current   *generation
	finished  chan struct{}
	finishMu  sync.Once
	reason    string
	fatal     chan error
	startedAt time.Time
}

type generation struct {
	stop     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup

	// clean counts workers that returned nil on their own.
	clean atomic.Int32

	mu    sync.Mutex
	slots []*slot
}

type slot struct {
	id     string
	runner Runner
	done   chan struct{}
}

// New creates a Pool. counter may be nil when no run goals are configured.
func New(cfg Config, factory Factory, counter Counter, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:      cfg.withDefaults(),
		factory:  factory,
		counter:  counter,
		logger:   logger,
		finished: make(chan struct{}),
		fatal:    make(chan error, 1),
	}
}

// Name identifies the pool to the supervisor.
func (p *Pool) Name() string { return "worker-pool" }

// Essential reports that losing the pool ends the run.
func (p *Pool) Essential() bool { return true }

// Start launches the workers, staggering each start. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isFinished() {
		return ErrFinished
	}
	if p.current != nil && !closed(p.current.done) {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	gen := &generation{
		stop:   make(chan struct{}),
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.current = gen
	if p.startedAt.IsZero() {
		p.startedAt = time.Now()
	}
	go p.watchGoals(gen, p.startedAt)

	gen.wg.Add(1)
	go p.launch(gen)
	go func() {
		gen.wg.Wait()
		cancel()
		if !closed(gen.stop) && int(gen.clean.Load()) == p.cfg.Workers {
			p.finish("every worker completed its cycles")
		}
		close(gen.done)
	}()
	p.logger.Info("worker pool started", zap.Int("workers", p.cfg.Workers), zap.Duration("stagger", p.cfg.StartStagger))
	return nil
}

func (p *Pool) launch(gen *generation) {
	defer gen.wg.Done()
	for i := 0; i < p.cfg.Workers; i++ {
		if i > 0 && p.cfg.StartStagger > 0 {
			timer := time.NewTimer(p.cfg.StartStagger)
			select {
			case <-timer.C:
			case <-gen.stop:
				timer.Stop()
				return
			}
		}
		select {
		case <-gen.stop:
			return
		default:
		}

		id := fmt.Sprintf("worker-%d", i+1)
		runner, err := p.factory(id)
		if err != nil {
			p.logger.Error("build worker failed", zap.String("worker_id", id), zap.Error(err))
			continue
		}
		s := &slot{id: id, runner: runner, done: make(chan struct{})}
		gen.mu.Lock()
		gen.slots = append(gen.slots, s)
		gen.mu.Unlock()

		gen.wg.Add(1)
		go p.runSlot(gen, s)
	}
}

func (p *Pool) runSlot(gen *generation, s *slot) {
	defer gen.wg.Done()
	defer close(s.done)
	err := s.runner.Run(gen.ctx, gen.stop)
	if err == nil {
		if !closed(gen.stop) {
			gen.clean.Add(1)
		}
		return
	}
	if p.cfg.IsFatal != nil && p.cfg.IsFatal(err) {
		p.logger.Error("worker hit a fatal error", zap.String("worker_id", s.id), zap.Error(err))
		select {
		case p.fatal <- fmt.Errorf("worker %s: %w", s.id, err):
		default:
		}
		return
	}
	p.logger.Warn("worker exited", zap.String("worker_id", s.id), zap.Error(err))
}

// Stop signals every worker to stop and waits up to ShutdownTimeout. Workers still
// running after that have their context canceled, are logged, and counted; Stop then
// returns ErrShutdownTimeout.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	gen := p.current
	p.mu.Unlock()
	if gen == nil {
		return nil
	}
	gen.stopOnce.Do(func() { close(gen.stop) })

	timer := time.NewTimer(p.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-gen.done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		gen.cancel()
		return fmt.Errorf("pool stop: %w", ctx.Err())
	case <-timer.C:
	}

	for _, s := range gen.snapshotSlots() {
		if closed(s.done) {
			continue
		}
		state := s.runner.Snapshot()
		p.logger.Error("worker missed shutdown deadline, force-terminating",
			zap.String("worker_id", s.id),
			zap.String("status", string(state.Status)),
			zap.Duration("timeout", p.cfg.ShutdownTimeout),
		)
		metrics.ObserveForcedTermination()
	}
	gen.cancel()

	grace := time.NewTimer(p.cfg.ForceGrace)
	defer grace.Stop()
	select {
	case <-gen.done:
	case <-grace.C:
		p.logger.Error("force-terminated workers are still running; abandoning them")
	}
	return ErrShutdownTimeout
}

// Restart stops the current workers and launches a fresh set.
func (p *Pool) Restart(ctx context.Context) error {
	if p.isFinished() {
		return ErrFinished
	}
	if err := p.Stop(ctx); err != nil && !errors.Is(err, ErrShutdownTimeout) {
		return fmt.Errorf("restart pool: %w", err)
	}
	return p.Start(ctx)
}

// Completed reports whether the run has finished, so the pool must not be restarted.
func (p *Pool) Completed() bool {
	return p.isFinished()
}

// IsAlive reports whether at least one worker is running or still being launched.
func (p *Pool) IsAlive() bool {
	p.mu.Lock()
	gen := p.current
	p.mu.Unlock()
	return gen != nil && !closed(gen.done)
}

// Health reports live versus configured workers.
func (p *Pool) Health(context.Context) apply.HealthStatus {
	live := p.LiveWorkers()
	return apply.HealthStatus{
		Up:     live > 0 || p.IsAlive(),
		Detail: fmt.Sprintf("%d/%d workers live", live, p.cfg.Workers),
	}
}

// LiveWorkers counts workers that have not returned.
func (p *Pool) LiveWorkers() int {
	p.mu.Lock()
	gen := p.current
	p.mu.Unlock()
	if gen == nil {
		return 0
	}
	n := 0
	for _, s := range gen.snapshotSlots() {
		if !closed(s.done) {
			n++
		}
	}
	return n
}

// Workers returns a snapshot of every worker in the current run.
func (p *Pool) Workers() []apply.WorkerState {
	p.mu.Lock()
	gen := p.current
	p.mu.Unlock()
	if gen == nil {
		return nil
	}
	slots := gen.snapshotSlots()
	out := make([]apply.WorkerState, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.runner.Snapshot())
	}
	return out
}

// Done is closed when every worker of the current run has returned.
func (p *Pool) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.current.done
}

// Finished is closed once a run goal (target successes or max runtime) is met or
// every worker has completed its cycles.
func (p *Pool) Finished() <-chan struct{} {
	return p.finished
}

// FinishReason describes why Finished was closed.
func (p *Pool) FinishReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// Fatal delivers the first fatal worker error.
func (p *Pool) Fatal() <-chan error {
	return p.fatal
}

// watchGoals evaluates the run goals for one generation. The runtime budget is
// measured from the first start, so restarts do not extend it.
func (p *Pool) watchGoals(gen *generation, startedAt time.Time) {
	if p.cfg.TargetSuccesses <= 0 && p.cfg.MaxRuntime <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()
	var deadline <-chan time.Time
	if p.cfg.MaxRuntime > 0 {
		timer := time.NewTimer(max(p.cfg.MaxRuntime-time.Since(startedAt), 0))
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		select {
		case <-gen.stop:
			return
		case <-gen.done:
			return
		case <-p.finished:
			return
		case <-deadline:
			p.finish(fmt.Sprintf("max runtime %s reached", p.cfg.MaxRuntime))
			return
		case <-ticker.C:
			if p.cfg.TargetSuccesses > 0 && p.counter != nil {
				if n := p.counter.Snapshot().Successes; n >= p.cfg.TargetSuccesses {
					p.finish(fmt.Sprintf("target of %d successful applications reached", p.cfg.TargetSuccesses))
					return
				}
			}
		}
	}
}

func (p *Pool) finish(reason string) {
	p.finishMu.Do(func() {
		p.mu.Lock()
		p.reason = reason
		p.mu.Unlock()
		p.logger.Info("run finished", zap.String("reason", reason))
		close(p.finished)
	})
}

func (p *Pool) isFinished() bool {
	return closed(p.finished)
}

func (g *generation) snapshotSlots() []*slot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*slot(nil), g.slots...)
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

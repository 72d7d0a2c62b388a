// Package worker implements the discover/apply loop run by each pool member.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/apply"
	"github.com/JakeFAU/autoapply/internal/backoff"
	"github.com/JakeFAU/autoapply/internal/ledger"
	"github.com/JakeFAU/autoapply/internal/metrics"
	"github.com/JakeFAU/autoapply/internal/progress"
)

var (
	// ErrAuthExhausted is returned from Run when authentication keeps failing.
	ErrAuthExhausted = errors.New("authentication retries exhausted")
	// ErrLedger wraps ledger failures; they stop the whole orchestrator.
	ErrLedger = errors.New("ledger failure")

	errStopped = errors.New("worker stopped")
)

// IsFatal reports whether err from Run should stop the orchestrator.
func IsFatal(err error) bool {
	return errors.Is(err, ErrLedger)
}

// Ledger is the subset of the shared ledger a worker needs.
type Ledger interface {
	TryClaim(id string) bool
	Release(id string)
	RecordOutcome(result apply.ApplicationResult) error
}

// Limiter bounds the aggregate request rate across workers.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Config controls Worker behavior.
type Config struct {
	Credentials apply.Credentials
	// BatchSize is the fetch limit per batch (at most 50).
	BatchSize int
	// PerCycleCap is the number of applications issued before the worker yields.
	PerCycleCap int
	// AuthRetries bounds authentication attempts per login.
	AuthRetries int
	// FetchRetries bounds transport retries of a fetch before the batch is skipped.
	FetchRetries int
	// MaxCycles stops the worker after that many cycles; zero means unlimited.
	MaxCycles int
	// SessionRefreshSkew re-authenticates this long before a session expires.
	SessionRefreshSkew time.Duration
	// RunID tags emitted progress events.
	RunID [16]byte
}

const maxBatchSize = 50

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchSize > maxBatchSize {
		c.BatchSize = maxBatchSize
	}
	if c.PerCycleCap <= 0 {
		c.PerCycleCap = 20
	}
	if c.AuthRetries <= 0 {
		c.AuthRetries = 3
	}
	if c.FetchRetries < 0 {
		c.FetchRetries = 0
	}
	if c.SessionRefreshSkew <= 0 {
		c.SessionRefreshSkew = 30 * time.Second
	}
	return c
}

// Worker authenticates, fetches batches, and applies to every unclaimed item.
type Worker struct {
	id        string
	source    apply.Source
	ledger    Ledger
	scheduler *backoff.Scheduler
	limiter   Limiter
	emitter   progress.Emitter
	clock     apply.Clock
	ids       apply.IDGenerator
	cfg       Config
	logger    *zap.Logger

	mu    sync.Mutex
	state apply.WorkerState

	session apply.Session
	streak  backoff.Streak
}

// New constructs a Worker. limiter, emitter, clock, and ids may be nil.
func New(
	id string,
	source apply.Source,
	ldg Ledger,
	scheduler *backoff.Scheduler,
	limiter Limiter,
	emitter progress.Emitter,
	clock apply.Clock,
	ids apply.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.Discard
	}
	if clock == nil {
		clock = utcClock{}
	}
	if scheduler == nil {
		scheduler = backoff.New(backoff.DefaultConfig())
	}
	return &Worker{
		id:        id,
		source:    source,
		ledger:    ldg,
		scheduler: scheduler,
		limiter:   limiter,
		emitter:   emitter,
		clock:     clock,
		ids:       ids,
		cfg:       cfg.withDefaults(),
		logger:    logger.With(zap.String("worker_id", id)),
		state:     apply.WorkerState{WorkerID: id, Status: apply.WorkerIdle},
	}
}

// ID returns the worker identifier.
func (w *Worker) ID() string {
	return w.id
}

// Snapshot returns a copy of the worker state.
func (w *Worker) Snapshot() apply.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Run loops over cycles until stop is closed or ctx is canceled, returning nil.
// It returns ErrAuthExhausted when login keeps failing and an ErrLedger error when
// the ledger rejects a result.
func (w *Worker) Run(ctx context.Context, stop <-chan struct{}) error {
	started := w.clock.Now()
	w.mu.Lock()
	w.state.StartedAt = started
	w.state.Status = apply.WorkerIdle
	w.state.LastError = ""
	w.mu.Unlock()

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	w.emit(progress.Event{Stage: progress.StageWorkerStart})
	w.logger.Info("worker started")

	err := w.loop(ctx, stop)

	note := ""
	w.mu.Lock()
	w.state.Status = apply.WorkerStopped
	if err != nil {
		note = err.Error()
		w.state.LastError = note
	}
	w.mu.Unlock()
	w.emit(progress.Event{Stage: progress.StageWorkerExit, Dur: w.clock.Now().Sub(started), Note: note})

	if err != nil {
		w.logger.Error("worker exited", zap.Error(err))
		return err
	}
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context, stop <-chan struct{}) error {
	for cycle := 1; w.cfg.MaxCycles == 0 || cycle <= w.cfg.MaxCycles; cycle++ {
		if stopRequested(ctx, stop) {
			return nil
		}
		w.mu.Lock()
		w.state.Cycle = cycle
		w.state.ApplicationsThisCycle = 0
		w.mu.Unlock()
		w.emit(progress.Event{Stage: progress.StageCycleStart, Cycle: cycle})

		err := w.runCycle(ctx, stop)
		if errors.Is(err, errStopped) {
			return nil
		}
		if err != nil {
			return err
		}
		w.logger.Info("cycle cap reached", zap.Int("cycle", cycle), zap.Int("cap", w.cfg.PerCycleCap))
		if w.cfg.MaxCycles > 0 && cycle == w.cfg.MaxCycles {
			return nil
		}
		if err := w.pause(ctx, stop, backoff.KindCycle, 0); err != nil {
			return nil
		}
	}
	return nil
}

// runCycle returns nil once the per-cycle cap is reached.
func (w *Worker) runCycle(ctx context.Context, stop <-chan struct{}) error {
	if err := w.authenticate(ctx, stop); err != nil {
		return err
	}
	for w.appliedThisCycle() < w.cfg.PerCycleCap {
		items, err := w.fetch(ctx, stop)
		switch {
		case errors.Is(err, errStopped):
			return err
		case apply.IsAuth(err):
			w.logger.Warn("session rejected during fetch", zap.Error(err))
			if err := w.authenticate(ctx, stop); err != nil {
				return err
			}
			continue
		case err != nil:
			w.logger.Warn("fetch failed, skipping batch", zap.Error(err))
			if err := w.pause(ctx, stop, backoff.KindBatch, 0); err != nil {
				return err
			}
			continue
		}

		if len(items) == 0 {
			w.logger.Debug("no work items available")
			if err := w.pause(ctx, stop, backoff.KindIdle, 0); err != nil {
				return err
			}
			continue
		}

		applied, err := w.processBatch(ctx, stop, items)
		if err != nil {
			return err
		}
		if w.appliedThisCycle() >= w.cfg.PerCycleCap {
			return nil
		}
		kind := backoff.KindBatch
		if applied == 0 {
			// Everything offered was already held; wait for new postings.
			w.logger.Debug("batch held no new work items", zap.Int("items", len(items)))
			kind = backoff.KindIdle
		}
		if err := w.pause(ctx, stop, kind, 0); err != nil {
			return err
		}
	}
	return nil
}

// processBatch returns the number of items it claimed and applied to.
func (w *Worker) processBatch(ctx context.Context, stop <-chan struct{}, items []apply.WorkItem) (int, error) {
	applied := 0
	for _, item := range items {
		if w.appliedThisCycle() >= w.cfg.PerCycleCap {
			return applied, nil
		}
		if stopRequested(ctx, stop) {
			return applied, errStopped
		}
		if !w.ledger.TryClaim(item.ID) {
			if err := w.skip(item.ID); err != nil {
				return applied, err
			}
			continue
		}
		if applied > 0 {
			if err := w.pause(ctx, stop, backoff.KindApply, 0); err != nil {
				w.ledger.Release(item.ID)
				return applied, err
			}
		}
		reauth, err := w.applyClaimed(ctx, stop, item)
		if err != nil {
			return applied, err
		}
		applied++
		if reauth {
			if err := w.authenticate(ctx, stop); err != nil {
				return applied, err
			}
		}
	}
	return applied, nil
}

// skip notes an item whose claim is held elsewhere. It emits no progress event.
func (w *Worker) skip(id string) error {
	result := apply.ApplicationResult{
		WorkItemID: id,
		WorkerID:   w.id,
		Outcome:    apply.OutcomeAlreadyProcessed,
		Timestamp:  w.clock.Now(),
	}
	if err := w.ledger.RecordOutcome(result); err != nil {
		return fmt.Errorf("%w: skip %s: %w", ErrLedger, id, err)
	}
	return nil
}

// applyClaimed applies to a claimed item with at most one transport retry and
// records exactly one result for the claim. reauth is true when the session was rejected.
func (w *Worker) applyClaimed(ctx context.Context, stop <-chan struct{}, item apply.WorkItem) (reauth bool, err error) {
	w.setStatus(apply.WorkerApplying)
	start := w.clock.Now()
	attempts := 0
	var lastErr error
	for attempts < 2 {
		if attempts > 0 {
			if err := w.pause(ctx, stop, backoff.KindTransient, w.streak.Count()); err != nil {
				return false, w.abandon(item.ID, attempts, lastErr, start)
			}
			w.setStatus(apply.WorkerApplying)
		}
		if err := w.ensureSession(ctx, stop); err != nil {
			if attempts == 0 {
				w.ledger.Release(item.ID)
				return false, err
			}
			if errors.Is(err, errStopped) {
				return false, w.abandon(item.ID, attempts, lastErr, start)
			}
			if rerr := w.record(item.ID, apply.OutcomeTransientFailure, attempts, errText(lastErr), w.clock.Now().Sub(start)); rerr != nil {
				return false, rerr
			}
			return false, err
		}
		if err := w.wait(ctx, stop, "apply"); err != nil {
			if attempts == 0 {
				w.ledger.Release(item.ID)
				return false, errStopped
			}
			return false, w.abandon(item.ID, attempts, lastErr, start)
		}

		attempts++
		metrics.ObserveApplyAttempt()
		status, applyErr := w.source.Apply(ctx, w.session, item.ID)
		dur := w.clock.Now().Sub(start)
		switch {
		case applyErr == nil:
			w.streak.Success()
			metrics.ObserveSourceRequest("apply", string(status))
			return false, w.recordStatus(item, status, attempts, dur)
		case ctx.Err() != nil:
			return false, w.abandon(item.ID, attempts, applyErr, start)
		case apply.IsAuth(applyErr):
			metrics.ObserveSourceRequest("apply", "auth_error")
			w.session = apply.Session{}
			return true, w.record(item.ID, apply.OutcomeTransientFailure, attempts, applyErr.Error(), dur)
		case apply.IsValidation(applyErr):
			metrics.ObserveSourceRequest("apply", "validation_error")
			w.logger.Error("application rejected", zap.String("work_item_id", item.ID), zap.Error(applyErr))
			return false, w.record(item.ID, apply.OutcomePermanentFailure, attempts, applyErr.Error(), dur)
		default:
			metrics.ObserveSourceRequest("apply", "transport_error")
			w.streak.Failure()
			lastErr = applyErr
			w.logger.Debug("apply failed", zap.String("work_item_id", item.ID), zap.Int("attempt", attempts), zap.Error(applyErr))
		}
	}
	w.logger.Warn("apply deferred after retry", zap.String("work_item_id", item.ID), zap.Error(lastErr))
	return false, w.record(item.ID, apply.OutcomeTransientFailure, attempts, errText(lastErr), w.clock.Now().Sub(start))
}

// abandon records a claim interrupted by shutdown and reports the stop.
func (w *Worker) abandon(id string, attempts int, cause error, start time.Time) error {
	detail := "interrupted by shutdown"
	if cause != nil {
		detail = fmt.Sprintf("%s: %v", detail, cause)
	}
	if err := w.record(id, apply.OutcomeTransientFailure, attempts, detail, w.clock.Now().Sub(start)); err != nil {
		return err
	}
	return errStopped
}

func (w *Worker) recordStatus(item apply.WorkItem, status apply.ApplyStatus, attempts int, dur time.Duration) error {
	switch status {
	case apply.ApplySuccess:
		w.logger.Info("applied", zap.String("work_item_id", item.ID), zap.String("title", item.Title),
			zap.String("organization", item.Organization))
		return w.record(item.ID, apply.OutcomeSuccess, attempts, "", dur)
	case apply.ApplyAlreadyApplied:
		return w.record(item.ID, apply.OutcomeAlreadyProcessed, attempts, "already applied", dur)
	default:
		w.logger.Error("application rejected", zap.String("work_item_id", item.ID), zap.String("status", string(status)))
		return w.record(item.ID, apply.OutcomePermanentFailure, attempts, string(status), dur)
	}
}

func (w *Worker) record(id string, outcome apply.Outcome, attempts int, detail string, dur time.Duration) error {
	result := apply.ApplicationResult{
		ID:         w.newID(),
		WorkItemID: id,
		WorkerID:   w.id,
		Outcome:    outcome,
		Attempts:   attempts,
		Detail:     detail,
		Timestamp:  w.clock.Now(),
	}
	if err := w.ledger.RecordOutcome(result); err != nil {
		return fmt.Errorf("%w: record %s for %s: %w", ErrLedger, outcome, id, err)
	}
	if attempts > 0 {
		w.mu.Lock()
		w.state.ApplicationsThisCycle++
		w.state.ApplicationsTotal++
		w.mu.Unlock()
	}
	w.emit(progress.Event{Stage: progress.StageApplyDone, Result: &result, Dur: dur})
	return nil
}

func (w *Worker) authenticate(ctx context.Context, stop <-chan struct{}) error {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.AuthRetries; attempt++ {
		if stopRequested(ctx, stop) {
			return errStopped
		}
		if err := w.wait(ctx, stop, "auth"); err != nil {
			return errStopped
		}
		session, err := w.source.Authenticate(ctx, w.cfg.Credentials)
		if err == nil {
			metrics.ObserveSourceRequest("auth", "ok")
			w.session = session
			w.streak.Success()
			w.logger.Debug("authenticated", zap.Time("expires_at", session.ExpiresAt))
			return nil
		}
		if ctx.Err() != nil {
			return errStopped
		}
		metrics.ObserveSourceRequest("auth", "error")
		lastErr = err
		w.logger.Error("authentication failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < w.cfg.AuthRetries {
			if err := w.pause(ctx, stop, backoff.KindTransient, w.streak.Failure()); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrAuthExhausted, w.cfg.AuthRetries, lastErr)
}

// ensureSession re-authenticates when there is no session or it is about to expire.
func (w *Worker) ensureSession(ctx context.Context, stop <-chan struct{}) error {
	if w.session.Token != "" && !w.session.Expired(w.clock.Now(), w.cfg.SessionRefreshSkew) {
		return nil
	}
	w.logger.Debug("refreshing session")
	return w.authenticate(ctx, stop)
}

func (w *Worker) fetch(ctx context.Context, stop <-chan struct{}) ([]apply.WorkItem, error) {
	for attempt := 0; ; attempt++ {
		if stopRequested(ctx, stop) {
			return nil, errStopped
		}
		if err := w.ensureSession(ctx, stop); err != nil {
			return nil, err
		}
		w.setStatus(apply.WorkerFetching)
		if err := w.wait(ctx, stop, "fetch"); err != nil {
			return nil, errStopped
		}
		items, err := w.source.FetchWorkItems(ctx, w.session, w.cfg.BatchSize)
		if err == nil {
			metrics.ObserveSourceRequest("fetch", "ok")
			w.streak.Success()
			if len(items) > w.cfg.BatchSize {
				items = items[:w.cfg.BatchSize]
			}
			return items, nil
		}
		if ctx.Err() != nil {
			return nil, errStopped
		}
		if apply.IsAuth(err) {
			metrics.ObserveSourceRequest("fetch", "auth_error")
			w.session = apply.Session{}
			return nil, fmt.Errorf("fetch work items: %w", err)
		}
		metrics.ObserveSourceRequest("fetch", "transport_error")
		failures := w.streak.Failure()
		if attempt >= w.cfg.FetchRetries {
			return nil, fmt.Errorf("fetch work items after %d attempts: %w", attempt+1, err)
		}
		w.logger.Debug("fetch failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		if err := w.pause(ctx, stop, backoff.KindTransient, failures); err != nil {
			return nil, err
		}
	}
}

// pause sleeps for a scheduled delay, returning errStopped if interrupted.
func (w *Worker) pause(ctx context.Context, stop <-chan struct{}, kind backoff.Kind, failures int) error {
	d := w.scheduler.DelayAfter(kind, failures)
	w.setStatus(apply.WorkerBackoff)
	defer w.setStatus(apply.WorkerIdle)
	if d <= 0 {
		if stopRequested(ctx, stop) {
			return errStopped
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-stop:
		return errStopped
	case <-ctx.Done():
		return errStopped
	}
}

// wait takes a rate limiter slot for key. It returns errStopped if stop closes
// while waiting or before the slot is used.
func (w *Worker) wait(ctx context.Context, stop <-chan struct{}, key string) error {
	if w.limiter != nil {
		waitCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-stop:
				cancel()
			case <-waitCtx.Done():
			}
		}()
		if err := w.limiter.Wait(waitCtx, key); err != nil {
			if stopRequested(ctx, stop) {
				return errStopped
			}
			return fmt.Errorf("wait for %s slot: %w", key, err)
		}
	}
	if stopRequested(ctx, stop) {
		return errStopped
	}
	return nil
}

func (w *Worker) appliedThisCycle() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.ApplicationsThisCycle
}

func (w *Worker) setStatus(status apply.WorkerStatus) {
	w.mu.Lock()
	w.state.Status = status
	w.mu.Unlock()
}

func (w *Worker) emit(evt progress.Event) {
	evt.RunID = w.cfg.RunID
	evt.TS = w.clock.Now()
	evt.WorkerID = w.id
	if evt.Cycle == 0 {
		evt.Cycle = w.Snapshot().Cycle
	}
	w.emitter.Emit(evt)
}

func (w *Worker) newID() string {
	if w.ids == nil {
		return ""
	}
	id, err := w.ids.NewID()
	if err != nil {
		w.logger.Warn("result id generation failed", zap.Error(err))
		return ""
	}
	return id
}

func stopRequested(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

var _ Ledger = (*ledger.Ledger)(nil)

// Package ledger is the shared record of claimed work items and aggregate outcome counters.
//
// Every worker goes through TryClaim before applying, so the ledger is the one place that
// decides who processes an identifier. All mutation happens under a single mutex.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/apply"
	"github.com/JakeFAU/autoapply/internal/metrics"
)

var (
	// ErrNotClaimed is returned when an outcome is recorded for an identifier nobody holds.
	ErrNotClaimed = errors.New("work item not claimed")
	// ErrAlreadyRecorded is returned when a claim already has its terminal outcome.
	ErrAlreadyRecorded = errors.New("outcome already recorded")
	// ErrInvalidResult is returned for results with an unknown outcome or missing identifier.
	ErrInvalidResult = errors.New("invalid application result")
)

// Store persists results and restores the processed set after a restart.
type Store interface {
	LoadProcessed(ctx context.Context) ([]string, error)
	AppendResults(ctx context.Context, results []apply.ApplicationResult) error
	Close() error
}

// Snapshot is a point-in-time copy of the ledger counters. Skipped counts offered
// items whose claim was already held; they never reach the result log.
type Snapshot struct {
	Attempts          int `json:"attempts"`
	Successes         int `json:"successes"`
	Failures          int `json:"failures"`
	TransientFailures int `json:"transient_failures"`
	PermanentFailures int `json:"permanent_failures"`
	AlreadyProcessed  int `json:"already_processed"`
	Skipped           int `json:"skipped"`
	ProcessedCount    int `json:"processed_count"`
	InFlight          int `json:"in_flight"`
	Pending           int `json:"pending_flush"`
}

// DefaultRetention is how many results the in-memory log keeps by default.
const DefaultRetention = 10000

// Option configures a Ledger.
type Option func(*Ledger)

// WithRetention caps the in-memory result log at n entries. With a store, only
// flushed results are dropped.
func WithRetention(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.retain = n
		}
	}
}

type claimState uint8

const (
	claimed claimState = iota + 1
	recorded
)

// Ledger tracks claims, outcomes, and the append-only result log.
type Ledger struct {
	mu        sync.Mutex
	processed map[string]claimState
	snap      Snapshot
	results   []apply.ApplicationResult
	flushed   int
	retain    int

	flushMu sync.Mutex
	store   Store
	logger  *zap.Logger
}

// New returns an in-memory ledger.
func New(logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		processed: make(map[string]claimState),
		retain:    DefaultRetention,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open returns a ledger backed by store, preloaded with the identifiers it already processed.
func Open(ctx context.Context, store Store, logger *zap.Logger, opts ...Option) (*Ledger, error) {
	l := New(logger, opts...)
	if store == nil {
		return l, nil
	}
	ids, err := store.LoadProcessed(ctx)
	if err != nil {
		return nil, fmt.Errorf("load processed ids: %w", err)
	}
	for _, id := range ids {
		l.processed[id] = recorded
	}
	l.snap.ProcessedCount = len(l.processed)
	l.store = store
	l.logger.Info("ledger restored", zap.Int("processed", len(ids)))
	return l, nil
}

// TryClaim atomically marks id as owned by the caller. Exactly one concurrent caller wins.
func (l *Ledger) TryClaim(id string) bool {
	l.mu.Lock()
	_, taken := l.processed[id]
	if !taken {
		l.processed[id] = claimed
		l.snap.InFlight++
	}
	l.mu.Unlock()
	metrics.ObserveClaim(!taken)
	return !taken
}

// Release drops an unrecorded claim so the item can be claimed again later.
// Releasing a recorded or unknown identifier is a no-op.
func (l *Ledger) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.processed[id] == claimed {
		delete(l.processed, id)
		l.snap.InFlight--
	}
}

// RecordOutcome appends result and updates the counters.
//
// A lost claim (AlreadyProcessed with zero attempts) needs no claim and only bumps
// Skipped; it is not appended to the log. Every other result must come from the
// holder of an unrecorded claim. TransientFailure releases the claim; all other
// outcomes keep the identifier in the processed set.
func (l *Ledger) RecordOutcome(result apply.ApplicationResult) error {
	if result.WorkItemID == "" || !result.Outcome.Valid() || result.Attempts < 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidResult, result)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if result.LostClaim() {
		l.snap.Skipped++
		return nil
	}
	switch l.processed[result.WorkItemID] {
	case claimed:
	case recorded:
		return fmt.Errorf("%w: %s", ErrAlreadyRecorded, result.WorkItemID)
	default:
		return fmt.Errorf("%w: %s", ErrNotClaimed, result.WorkItemID)
	}

	l.snap.Attempts += result.Attempts
	switch result.Outcome {
	case apply.OutcomeSuccess:
		l.snap.Successes++
		l.settle(result.WorkItemID)
	case apply.OutcomePermanentFailure:
		l.snap.Failures++
		l.snap.PermanentFailures++
		l.settle(result.WorkItemID)
	case apply.OutcomeAlreadyProcessed:
		l.snap.AlreadyProcessed++
		l.settle(result.WorkItemID)
	case apply.OutcomeTransientFailure:
		l.snap.Failures++
		l.snap.TransientFailures++
		delete(l.processed, result.WorkItemID)
		l.snap.InFlight--
	}

	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}
	l.results = append(l.results, result)
	if l.store == nil {
		l.trimLocked()
	}
	metrics.ObserveApplication(string(result.Outcome))
	return nil
}

// trimLocked drops the oldest results beyond the retention cap, never touching
// results that still wait for a flush. It only runs once the log is a quarter
// over the cap.
func (l *Ledger) trimLocked() {
	if len(l.results) <= l.retain+l.retain/4 {
		return
	}
	excess := len(l.results) - l.retain
	if l.store != nil {
		excess = min(excess, l.flushed)
	}
	if excess <= 0 {
		return
	}
	kept := make([]apply.ApplicationResult, len(l.results)-excess)
	copy(kept, l.results[excess:])
	l.results = kept
	if l.store != nil {
		l.flushed -= excess
	}
}

func (l *Ledger) settle(id string) {
	l.processed[id] = recorded
	l.snap.InFlight--
	l.snap.ProcessedCount++
}

// Snapshot returns the current counters.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.snap
	if l.store != nil {
		s.Pending = len(l.results) - l.flushed
	}
	return s
}

// Results returns a copy of the retained result log, oldest first.
func (l *Ledger) Results() []apply.ApplicationResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]apply.ApplicationResult, len(l.results))
	copy(out, l.results)
	return out
}

// Processed reports whether id has a recorded terminal outcome.
func (l *Ledger) Processed(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processed[id] == recorded
}

// Flush writes results recorded since the last flush to the store.
func (l *Ledger) Flush(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	batch := make([]apply.ApplicationResult, len(l.results)-l.flushed)
	copy(batch, l.results[l.flushed:])
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	err := l.store.AppendResults(ctx, batch)
	metrics.ObserveLedgerFlush(err)
	if err != nil {
		return fmt.Errorf("append results: %w", err)
	}

	l.mu.Lock()
	l.flushed += len(batch)
	l.trimLocked()
	l.mu.Unlock()
	l.logger.Debug("ledger flushed", zap.Int("results", len(batch)))
	return nil
}

// RunFlusher flushes on every tick until ctx is done, then flushes one last time.
func (l *Ledger) RunFlusher(ctx context.Context, interval time.Duration) {
	if l.store == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := l.Flush(finalCtx); err != nil {
				l.logger.Error("final ledger flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := l.Flush(ctx); err != nil {
				l.logger.Warn("ledger flush failed", zap.Error(err))
			}
		}
	}
}

// Close flushes pending results and closes the store.
func (l *Ledger) Close(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	flushErr := l.Flush(ctx)
	if err := l.store.Close(); err != nil {
		return fmt.Errorf("close ledger store: %w", err)
	}
	return flushErr
}

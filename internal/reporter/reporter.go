package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/apply"
	"github.com/JakeFAU/autoapply/internal/ledger"
	"github.com/JakeFAU/autoapply/internal/supervisor"
)

// LedgerView reads ledger totals.
type LedgerView interface {
	Snapshot() ledger.Snapshot
}

// SupervisorView reads dependent records.
type SupervisorView interface {
	Snapshots() []supervisor.Record
}

// WorkerView reads worker states.
type WorkerView interface {
	Workers() []apply.WorkerState
}

// Config controls the status stream.
type Config struct {
	Interval      time.Duration `mapstructure:"interval"`
	ArchivePrefix string        `mapstructure:"archive_prefix"`
	RunID         string        `mapstructure:"-"`
}

// Reporter renders summaries on an interval. Any view may be nil.
type Reporter struct {
	cfg        Config
	ledger     LedgerView
	supervisor SupervisorView
	workers    WorkerView
	out        io.Writer
	archive    apply.BlobStore
	clock      apply.Clock
	logger     *zap.Logger
	startedAt  time.Time

	mu   sync.Mutex
	last Summary
}

// New builds a Reporter. out and archive may be nil.
func New(cfg Config, l LedgerView, s SupervisorView, w WorkerView, out io.Writer, archive apply.BlobStore, clock apply.Clock, logger *zap.Logger) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "reports"
	}
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		cfg:        cfg,
		ledger:     l,
		supervisor: s,
		workers:    w,
		out:        out,
		archive:    archive,
		clock:      clock,
		logger:     logger.Named("reporter"),
		startedAt:  clock.Now(),
	}
}

// StartedAt is the run start used for elapsed time.
func (r *Reporter) StartedAt() time.Time { return r.startedAt }

// Snapshot builds a fresh Summary without writing it anywhere.
func (r *Reporter) Snapshot() Summary {
	var (
		snap    ledger.Snapshot
		deps    []supervisor.Record
		workers []apply.WorkerState
	)
	if r.ledger != nil {
		snap = r.ledger.Snapshot()
	}
	if r.supervisor != nil {
		deps = r.supervisor.Snapshots()
	}
	if r.workers != nil {
		workers = r.workers.Workers()
	}
	s := Report(snap, deps, workers, r.startedAt, r.clock.Now())
	s.RunID = r.cfg.RunID
	return s
}

// Last returns the most recently emitted Summary.
func (r *Reporter) Last() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Run emits a summary every Interval until ctx ends. Callers emit the final
// summary with Emit once the pool has stopped.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Emit(ctx, false)
		}
	}
}

// Emit renders one summary to the writer, the log, and the archive.
func (r *Reporter) Emit(ctx context.Context, final bool) Summary {
	s := r.Snapshot()
	s.Final = final
	r.mu.Lock()
	r.last = s
	r.mu.Unlock()

	if r.out != nil {
		if _, err := fmt.Fprintln(r.out, s.Render()); err != nil {
			r.logger.Warn("write status failed", zap.Error(err))
		}
	}
	fields := []zap.Field{
		zap.Bool("final", final),
		zap.Duration("elapsed", s.Elapsed),
		zap.Int("applications_this_cycle", s.ApplicationsThisCycle),
		zap.Int("applications_total", s.ApplicationsTotal),
		zap.Int("successes", s.Ledger.Successes),
		zap.Int("already_processed", s.Ledger.AlreadyProcessed),
		zap.Int("skipped", s.Ledger.Skipped),
		zap.Int("failures", s.Ledger.Failures),
		zap.Float64("success_rate", s.SuccessRate),
		zap.Float64("throughput_per_minute", s.ThroughputPerMinute),
		zap.Int("active_workers", s.ActiveWorkers),
		zap.Int("restarts", s.TotalRestarts),
	}
	if len(s.PermanentlyFailed) > 0 {
		r.logger.Error("run status", append(fields, zap.Bool("alert", true), zap.Strings("permanently_failed", s.PermanentlyFailed))...)
	} else {
		r.logger.Info("run status", fields...)
	}

	if r.archive != nil {
		if uri, err := r.store(ctx, s); err != nil {
			r.logger.Warn("archive status failed", zap.Error(err))
		} else {
			r.logger.Debug("status archived", zap.String("uri", uri))
		}
	}
	return s
}

func (r *Reporter) store(ctx context.Context, s Summary) (string, error) {
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}
	run := s.RunID
	if run == "" {
		run = "default"
	}
	name := s.GeneratedAt.UTC().Format("20060102T150405Z")
	if s.Final {
		name = "final"
	}
	key := path.Join(r.cfg.ArchivePrefix, run, name+".json")
	uri, err := r.archive.PutObject(ctx, key, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return uri, nil
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

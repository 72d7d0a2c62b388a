// Package supervisor health-checks managed dependents and restarts them under a
// bounded restart policy.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/apply"
	"github.com/JakeFAU/autoapply/internal/metrics"
	"github.com/JakeFAU/autoapply/internal/progress"
)

// ErrEssentialFailed is surfaced when an essential dependent is permanently failed.
var ErrEssentialFailed = errors.New("essential dependent permanently failed")

// ManagedProcess is one supervised dependent.
type ManagedProcess interface {
	Name() string
	Essential() bool
	Start(ctx context.Context) error
	IsAlive() bool
	Health(ctx context.Context) apply.HealthStatus
	Restart(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Completer is implemented by dependents that can end on purpose. A completed
// dependent is neither probed nor restarted again.
type Completer interface {
	Completed() bool
}

// Handler is implemented by dependents with an OS-level handle such as a pid.
type Handler interface {
	Handle() string
}

// State is the lifecycle state of a dependent.
type State string

// Dependent states.
const (
	StateStarting          State = "starting"
	StateHealthy           State = "healthy"
	StateUnhealthy         State = "unhealthy"
	StateRestarting        State = "restarting"
	StatePermanentlyFailed State = "permanently_failed"
	StateCompleted         State = "completed"
)

// Record is the supervisor's view of one dependent.
type Record struct {
	Name                      string    `json:"name"`
	Handle                    string    `json:"handle,omitempty"`
	Essential                 bool      `json:"essential"`
	State                     State     `json:"state"`
	StartedAt                 time.Time `json:"started_at"`
	RestartCount              int       `json:"restart_count"`
	ConsecutiveFailedRestarts int       `json:"consecutive_failed_restarts"`
	LastRestartAt             time.Time `json:"last_restart_at,omitempty"`
	LastHealthCheck           time.Time `json:"last_health_check,omitempty"`
	LastStatus                string    `json:"last_status,omitempty"`
	LastError                 string    `json:"last_error,omitempty"`
}

// Config controls the restart policy.
type Config struct {
	// Interval is the probe period used by Watch.
	Interval time.Duration `mapstructure:"interval"`
	// Threshold is the number of consecutive failed restarts that marks a dependent permanently failed.
	Threshold int `mapstructure:"threshold"`
	// Cooldown is the minimum spacing between two restarts of one dependent.
	Cooldown time.Duration `mapstructure:"cooldown"`
	// StartupGrace is how long a freshly started dependent may stay unhealthy without penalty.
	StartupGrace time.Duration `mapstructure:"startup_grace"`
	// ProbeTimeout bounds each health request.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// DefaultConfig returns the production restart policy.
func DefaultConfig() Config {
	return Config{
		Interval:     60 * time.Second,
		Threshold:    3,
		Cooldown:     2 * time.Minute,
		StartupGrace: 15 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// Validate rejects unusable policies.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("supervisor interval must be positive")
	}
	if c.Threshold < 1 {
		return errors.New("supervisor threshold must be at least 1")
	}
	if c.Cooldown < 0 || c.StartupGrace < 0 || c.ProbeTimeout < 0 {
		return errors.New("supervisor durations must be >= 0")
	}
	return nil
}

type entry struct {
	proc          ManagedProcess
	rec           Record
	pendingVerify bool
}

// Supervisor owns the dependent table. Only its own goroutine mutates records.
type Supervisor struct {
	cfg     Config
	clock   apply.Clock
	emitter progress.Emitter
	runID   [16]byte
	logger  *zap.Logger

	checkMu sync.Mutex
	mu      sync.RWMutex
	entries []*entry
	fatal   chan error
}

// New builds a Supervisor. clock and emitter may be nil.
func New(cfg Config, clock apply.Clock, emitter progress.Emitter, runID [16]byte, logger *zap.Logger) *Supervisor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if clock == nil {
		clock = wallClock{}
	}
	if emitter == nil {
		emitter = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:     cfg,
		clock:   clock,
		emitter: emitter,
		runID:   runID,
		logger:  logger.Named("supervisor"),
		fatal:   make(chan error, 1),
	}
}

// Add registers dependents without starting them.
func (s *Supervisor) Add(dependents ...ManagedProcess) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range dependents {
		s.entries = append(s.entries, &entry{
			proc: d,
			rec: Record{
				Name:      d.Name(),
				Essential: d.Essential(),
				State:     StateStarting,
				StartedAt: now,
			},
		})
	}
}

// StartAll starts registered dependents in order. A dependent that fails to start
// is left to the probe loop.
func (s *Supervisor) StartAll(ctx context.Context) {
	for _, e := range s.snapshotEntries() {
		s.setState(e, StateStarting, "")
		if e.proc.IsAlive() {
			continue
		}
		if err := e.proc.Start(ctx); err != nil {
			s.logger.Error("dependent failed to start", zap.String("dependent", e.rec.Name), zap.Error(err))
			s.update(e, func(r *Record) { r.LastError = err.Error() })
			continue
		}
		s.update(e, func(r *Record) {
			r.StartedAt = s.clock.Now()
			r.Handle = handleOf(e.proc)
		})
		s.logger.Info("dependent started", zap.String("dependent", e.rec.Name))
	}
}

// Watch registers and starts dependents, then probes them every interval until ctx ends.
// It returns ErrEssentialFailed once an essential dependent is permanently failed.
func (s *Supervisor) Watch(ctx context.Context, dependents []ManagedProcess, interval time.Duration) error {
	if interval <= 0 {
		interval = s.cfg.Interval
	}
	s.Add(dependents...)
	s.StartAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.CheckOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// CheckOnce probes every dependent once and applies the restart policy.
func (s *Supervisor) CheckOnce(ctx context.Context) error {
	s.checkMu.Lock()
	defer s.checkMu.Unlock()

	var fatal error
	for _, e := range s.snapshotEntries() {
		if err := s.check(ctx, e); err != nil && fatal == nil {
			fatal = err
		}
	}
	return fatal
}

func (s *Supervisor) check(ctx context.Context, e *entry) error {
	rec := s.record(e)
	if rec.State == StatePermanentlyFailed || rec.State == StateCompleted {
		return nil
	}
	if c, ok := e.proc.(Completer); ok && c.Completed() {
		e.pendingVerify = false
		s.update(e, func(r *Record) {
			r.LastHealthCheck = s.clock.Now()
			r.LastStatus = "completed"
		})
		s.setState(e, StateCompleted, "completed")
		s.logger.Info("dependent completed", zap.String("dependent", rec.Name))
		return nil
	}

	healthy, detail := s.probe(ctx, e.proc)
	now := s.clock.Now()
	s.update(e, func(r *Record) {
		r.LastHealthCheck = now
		r.LastStatus = detail
	})

	if healthy {
		s.update(e, func(r *Record) {
			r.ConsecutiveFailedRestarts = 0
			r.LastError = ""
		})
		e.pendingVerify = false
		s.setState(e, StateHealthy, detail)
		return nil
	}

	if rec.State == StateStarting && now.Sub(rec.StartedAt) < s.cfg.StartupGrace {
		s.logger.Debug("dependent still in startup grace", zap.String("dependent", rec.Name), zap.String("status", detail))
		return nil
	}

	if e.pendingVerify {
		e.pendingVerify = false
		if s.countFailedRestart(e, "unhealthy after restart: "+detail) {
			return s.fail(e)
		}
	}
	if rec.State != StateUnhealthy {
		s.logger.Warn("dependent unhealthy",
			zap.String("dependent", rec.Name),
			zap.String("before", string(rec.State)),
			zap.String("status", detail),
		)
	}
	s.setState(e, StateUnhealthy, detail)

	rec = s.record(e)
	if !rec.LastRestartAt.IsZero() && now.Sub(rec.LastRestartAt) < s.cfg.Cooldown {
		s.logger.Debug("restart suppressed by cooldown",
			zap.String("dependent", rec.Name),
			zap.Duration("remaining", s.cfg.Cooldown-now.Sub(rec.LastRestartAt)),
		)
		return nil
	}
	return s.restart(ctx, e, now)
}

func (s *Supervisor) restart(ctx context.Context, e *entry, now time.Time) error {
	s.setState(e, StateRestarting, "")
	err := e.proc.Restart(ctx)
	metrics.ObserveRestart(e.rec.Name)
	s.update(e, func(r *Record) {
		r.RestartCount++
		r.LastRestartAt = now
	})

	if err != nil {
		s.logger.Error("dependent restart failed", zap.String("dependent", e.rec.Name), zap.Error(err))
		if s.countFailedRestart(e, err.Error()) {
			return s.fail(e)
		}
		s.setState(e, StateUnhealthy, err.Error())
		return nil
	}

	e.pendingVerify = true
	s.update(e, func(r *Record) {
		r.StartedAt = s.clock.Now()
		r.Handle = handleOf(e.proc)
	})
	rec := s.record(e)
	s.logger.Info("dependent restarted",
		zap.String("dependent", rec.Name),
		zap.String("before", string(StateUnhealthy)),
		zap.String("after", string(StateStarting)),
		zap.Int("restart_count", rec.RestartCount),
	)
	s.setState(e, StateStarting, "")
	return nil
}

// countFailedRestart reports whether the threshold was reached.
func (s *Supervisor) countFailedRestart(e *entry, reason string) bool {
	var n int
	s.update(e, func(r *Record) {
		r.ConsecutiveFailedRestarts++
		r.LastError = reason
		n = r.ConsecutiveFailedRestarts
	})
	return n >= s.cfg.Threshold
}

func (s *Supervisor) fail(e *entry) error {
	rec := s.record(e)
	s.setState(e, StatePermanentlyFailed, rec.LastError)
	s.logger.Error("dependent permanently failed",
		zap.Bool("alert", true),
		zap.String("dependent", rec.Name),
		zap.Bool("essential", rec.Essential),
		zap.Int("restart_count", rec.RestartCount),
		zap.String("last_error", rec.LastError),
	)
	if !rec.Essential {
		return nil
	}
	err := fmt.Errorf("%s: %w", rec.Name, ErrEssentialFailed)
	select {
	case s.fatal <- err:
	default:
	}
	return err
}

func (s *Supervisor) probe(ctx context.Context, p ManagedProcess) (bool, string) {
	if !p.IsAlive() {
		return false, "not running"
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	h := p.Health(probeCtx)
	if h.Detail == "" {
		if h.Up {
			h.Detail = "up"
		} else {
			h.Detail = "down"
		}
	}
	return h.Up, h.Detail
}

// Snapshots returns a copy of every record in registration order.
func (s *Supervisor) Snapshots() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.rec)
	}
	return out
}

// Fatal delivers the first essential dependent failure.
func (s *Supervisor) Fatal() <-chan error {
	return s.fatal
}

// StopAll stops dependents in reverse registration order.
func (s *Supervisor) StopAll(ctx context.Context) error {
	entries := s.snapshotEntries()
	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		p := entries[i].proc
		if err := p.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) setState(e *entry, state State, note string) {
	var previous State
	s.update(e, func(r *Record) {
		previous = r.State
		r.State = state
	})
	metrics.SetSupervisorState(e.rec.Name, string(previous), string(state))
	if previous == state {
		return
	}
	s.emitter.Emit(progress.Event{
		RunID:     s.runID,
		TS:        s.clock.Now(),
		Stage:     progress.StageDependent,
		Dependent: e.rec.Name,
		State:     string(state),
		Note:      note,
	})
}

func (s *Supervisor) update(e *entry, fn func(*Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&e.rec)
}

func (s *Supervisor) record(e *entry) Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return e.rec
}

func (s *Supervisor) snapshotEntries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*entry(nil), s.entries...)
}

func handleOf(p ManagedProcess) string {
	if h, ok := p.(Handler); ok {
		return h.Handle()
	}
	return ""
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

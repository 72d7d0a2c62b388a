// Package backoff computes the randomized waits that pace calls to the job source.
package backoff

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/autoapply/internal/metrics"
)

// Kind identifies which pause a caller is about to take.
type Kind string

// Delay kinds.
const (
	KindApply     Kind = "apply"
	KindBatch     Kind = "batch"
	KindIdle      Kind = "idle"
	KindCycle     Kind = "cycle"
	KindTransient Kind = "transient"
)

// Range is an inclusive [Min, Max] duration window.
type Range struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// Validate checks the window is well formed.
func (r Range) Validate() error {
	if r.Min < 0 {
		return fmt.Errorf("min must be >= 0")
	}
	if r.Max < r.Min {
		return fmt.Errorf("max %s must be >= min %s", r.Max, r.Min)
	}
	return nil
}

// Config sets the window for each kind.
type Config struct {
	Apply     Range `mapstructure:"apply"`
	Batch     Range `mapstructure:"batch"`
	Idle      Range `mapstructure:"idle"`
	Cycle     Range `mapstructure:"cycle"`
	Transient Range `mapstructure:"transient"`
	// TransientCap bounds the widened transient window.
	TransientCap time.Duration `mapstructure:"transient_cap"`
}

// DefaultConfig returns the pacing used by the unattended runner.
func DefaultConfig() Config {
	return Config{
		Apply:        Range{Min: 2 * time.Second, Max: 5 * time.Second},
		Batch:        Range{Min: 10 * time.Second, Max: 20 * time.Second},
		Idle:         Range{Min: 30 * time.Second, Max: 30 * time.Second},
		Cycle:        Range{Min: 300 * time.Second, Max: 600 * time.Second},
		Transient:    Range{Min: 10 * time.Second, Max: 20 * time.Second},
		TransientCap: 2 * time.Minute,
	}
}

// Validate checks every window.
func (c Config) Validate() error {
	for kind, r := range c.ranges() {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("backoff.%s: %w", kind, err)
		}
	}
	if c.TransientCap > 0 && c.TransientCap < c.Transient.Min {
		return fmt.Errorf("backoff.transient_cap must be >= backoff.transient.min")
	}
	return nil
}

func (c Config) ranges() map[Kind]Range {
	return map[Kind]Range{
		KindApply:     c.Apply,
		KindBatch:     c.Batch,
		KindIdle:      c.Idle,
		KindCycle:     c.Cycle,
		KindTransient: c.Transient,
	}
}

// Scheduler hands out delays. It holds no mutable state and is safe for concurrent use.
type Scheduler struct {
	cfg    Config
	jitter func(limit time.Duration) time.Duration
}

// New builds a Scheduler.
func New(cfg Config) *Scheduler {
	return &Scheduler{cfg: cfg, jitter: randomJitter}
}

// Config returns the configured windows.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Delay returns a random duration inside the window for kind.
func (s *Scheduler) Delay(kind Kind) time.Duration {
	return s.DelayAfter(kind, 0)
}

// DelayAfter is Delay for a caller that has seen failures consecutive failures.
// Only KindTransient widens: the window doubles per failure beyond the first, up to TransientCap.
func (s *Scheduler) DelayAfter(kind Kind, failures int) time.Duration {
	r := s.Window(kind, failures)
	d := r.Min
	if r.Max > r.Min {
		d += s.jitter(r.Max - r.Min + 1)
	}
	metrics.ObserveBackoff(string(kind), d)
	return d
}

// Window returns the effective range DelayAfter draws from.
func (s *Scheduler) Window(kind Kind, failures int) Range {
	r, ok := s.cfg.ranges()[kind]
	if !ok {
		return Range{}
	}
	if kind != KindTransient || failures <= 1 {
		return r
	}
	factor := math.Pow(2, float64(failures-1))
	r.Min = scale(r.Min, factor)
	r.Max = scale(r.Max, factor)
	if limit := s.cfg.TransientCap; limit > 0 {
		if r.Max > limit {
			r.Max = limit
		}
		if r.Min > limit {
			r.Min = limit
		}
	}
	return r
}

func scale(d time.Duration, factor float64) time.Duration {
	v := float64(d) * factor
	if v > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(v)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Streak counts one caller's consecutive failures. It is not safe for concurrent use.
type Streak struct {
	n int
}

// Failure records a failure and returns the new streak length.
func (s *Streak) Failure() int {
	s.n++
	return s.n
}

// Success resets the streak.
func (s *Streak) Success() {
	s.n = 0
}

// Count returns the current streak length.
func (s *Streak) Count() int {
	return s.n
}

package supervisor

import (
	"context"
	"sync/atomic"

	"github.com/JakeFAU/autoapply/internal/apply"
)

// Checker is anything with an application-level health check, such as a job source.
type Checker interface {
	Health(ctx context.Context) apply.HealthStatus
}

// HealthProbeProcess supervises an external service the orchestrator does not own.
// It is alive once started; Restart runs the optional reconnect hook.
type HealthProbeProcess struct {
	name      string
	essential bool
	checker   Checker
	reconnect func(ctx context.Context) error
	started   atomic.Bool
}

// NewHealthProbeProcess wraps checker. reconnect may be nil.
func NewHealthProbeProcess(name string, essential bool, checker Checker, reconnect func(ctx context.Context) error) *HealthProbeProcess {
	return &HealthProbeProcess{name: name, essential: essential, checker: checker, reconnect: reconnect}
}

// Name returns the dependent name.
func (p *HealthProbeProcess) Name() string { return p.name }

// Essential reports whether losing the service ends the run.
func (p *HealthProbeProcess) Essential() bool { return p.essential }

// Start marks the probe active.
func (p *HealthProbeProcess) Start(context.Context) error {
	p.started.Store(true)
	return nil
}

// IsAlive reports whether Start was called and Stop was not.
func (p *HealthProbeProcess) IsAlive() bool { return p.started.Load() }

// Health delegates to the checker.
func (p *HealthProbeProcess) Health(ctx context.Context) apply.HealthStatus {
	return p.checker.Health(ctx)
}

// Restart runs the reconnect hook.
func (p *HealthProbeProcess) Restart(ctx context.Context) error {
	p.started.Store(true)
	if p.reconnect == nil {
		return nil
	}
	return p.reconnect(ctx)
}

// Stop marks the probe inactive.
func (p *HealthProbeProcess) Stop(context.Context) error {
	p.started.Store(false)
	return nil
}

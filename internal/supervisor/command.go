package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/apply"
)

// CommandConfig describes a child process owned by the orchestrator.
type CommandConfig struct {
	Name      string        `mapstructure:"name"`
	Path      string        `mapstructure:"path"`
	Args      []string      `mapstructure:"args"`
	Dir       string        `mapstructure:"dir"`
	Env       []string      `mapstructure:"env"`
	HealthURL string        `mapstructure:"health_url"`
	StopGrace time.Duration `mapstructure:"stop_grace"`
	Essential bool          `mapstructure:"essential"`
}

// CommandProcess runs an OS child process, such as a local job board server.
type CommandProcess struct {
	cfg    CommandConfig
	client *http.Client
	logger *zap.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
}

// NewCommandProcess builds a CommandProcess. client may be nil.
func NewCommandProcess(cfg CommandConfig, client *http.Client, logger *zap.Logger) *CommandProcess {
	if cfg.Name == "" {
		cfg.Name = cfg.Path
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandProcess{cfg: cfg, client: client, logger: logger.Named("process").With(zap.String("dependent", cfg.Name))}
}

// Name returns the configured name.
func (p *CommandProcess) Name() string { return p.cfg.Name }

// Essential reports the configured essential flag.
func (p *CommandProcess) Essential() bool { return p.cfg.Essential }

// Handle returns the pid of the running child.
func (p *CommandProcess) Handle() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return ""
	}
	return fmt.Sprintf("pid:%d", p.cmd.Process.Pid)
}

// Start launches the child. The child outlives ctx; use Stop to end it.
func (p *CommandProcess) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && !closed(p.exited) {
		return nil
	}

	cmd := exec.Command(p.cfg.Path, p.cfg.Args...) //nolint:gosec // operator-configured command
	cmd.Dir = p.cfg.Dir
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	out := zap.NewStdLog(p.logger).Writer()
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = p.cfg.StopGrace
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.cfg.Name, err)
	}

	exited := make(chan struct{})
	p.cmd = cmd
	p.exited = exited
	p.err = nil
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(exited)
		p.logger.Info("child process exited", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
	}()
	p.logger.Info("child process started", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// IsAlive reports whether the child is running.
func (p *CommandProcess) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil && !closed(p.exited)
}

// Health probes HealthURL, or reports liveness when none is configured.
func (p *CommandProcess) Health(ctx context.Context) apply.HealthStatus {
	if !p.IsAlive() {
		p.mu.Lock()
		err := p.err
		p.mu.Unlock()
		if err != nil {
			return apply.HealthStatus{Up: false, Detail: "exited: " + err.Error()}
		}
		return apply.HealthStatus{Up: false, Detail: "not running"}
	}
	if p.cfg.HealthURL == "" {
		return apply.HealthStatus{Up: true, Detail: "running"}
	}
	return probeURL(ctx, p.client, p.cfg.HealthURL)
}

// Restart stops and relaunches the child.
func (p *CommandProcess) Restart(ctx context.Context) error {
	if err := p.Stop(ctx); err != nil {
		return err
	}
	return p.Start(ctx)
}

// Stop sends SIGTERM and kills the child if it has not exited after StopGrace.
func (p *CommandProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd, exited := p.cmd, p.exited
	p.mu.Unlock()
	if cmd == nil || closed(exited) {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("terminate failed, killing", zap.Error(err))
		return p.kill(cmd, exited)
	}
	timer := time.NewTimer(p.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-timer.C:
		p.logger.Warn("child ignored terminate, killing", zap.Duration("grace", p.cfg.StopGrace))
	case <-ctx.Done():
	}
	return p.kill(cmd, exited)
}

func (p *CommandProcess) kill(cmd *exec.Cmd, exited <-chan struct{}) error {
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", p.cfg.Name, err)
	}
	<-exited
	return nil
}

func probeURL(ctx context.Context, client *http.Client, url string) apply.HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apply.HealthStatus{Up: false, Detail: err.Error()}
	}
	resp, err := client.Do(req)
	if err != nil {
		return apply.HealthStatus{Up: false, Detail: err.Error()}
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apply.HealthStatus{Up: false, Detail: fmt.Sprintf("health status %d", resp.StatusCode)}
	}
	return apply.HealthStatus{Up: true, Detail: fmt.Sprintf("health status %d", resp.StatusCode)}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Package browser supervises the browser session the job board UI runs in.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/apply"
)

// Config controls the browser dependent.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// Headless runs Chrome without a window; false shows the UI in the foreground.
	Headless          bool          `mapstructure:"headless"`
	ExecPath          string        `mapstructure:"exec_path"`
	StartURL          string        `mapstructure:"start_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	Essential         bool          `mapstructure:"essential"`
}

// Process is a Chrome instance driven over the DevTools protocol.
type Process struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	allocCancel context.CancelFunc
	taskCtx     context.Context
	taskCancel  context.CancelFunc
	meta        *documentMeta
	detached    atomic.Bool
}

// New builds a Process. Nothing is launched until Start.
func New(cfg Config, logger *zap.Logger) *Process {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Process{cfg: cfg, logger: logger.Named("browser")}
}

// Name identifies the dependent.
func (p *Process) Name() string { return "browser" }

// Essential reports the configured flag.
func (p *Process) Essential() bool { return p.cfg.Essential }

// Start launches Chrome and opens StartURL when set. The browser outlives ctx.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.taskCtx != nil && p.taskCtx.Err() == nil && !p.detached.Load() {
		return nil
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocatorOptions(p.cfg)...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(p.logger.Sugar().Debugf))
	meta := &documentMeta{}
	p.detached.Store(false)
	chromedp.ListenTarget(taskCtx, func(ev any) {
		switch e := ev.(type) {
		case *inspector.EventDetached:
			p.logger.Warn("browser target detached", zap.String("reason", e.Reason.String()))
			p.detached.Store(true)
		case *inspector.EventTargetCrashed:
			p.logger.Warn("browser target crashed")
			p.detached.Store(true)
		case *network.EventResponseReceived:
			meta.capture(e)
		}
	})

	runCtx, cancel := context.WithTimeout(taskCtx, p.cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(runCtx, p.setup()...); err != nil {
		taskCancel()
		allocCancel()
		return fmt.Errorf("launch browser: %w", err)
	}

	p.allocCancel = allocCancel
	p.taskCtx = taskCtx
	p.taskCancel = taskCancel
	p.meta = meta
	p.logger.Info("browser started", zap.Bool("headless", p.cfg.Headless), zap.String("start_url", p.cfg.StartURL))
	return nil
}

func (p *Process) setup() []chromedp.Action {
	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := network.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable network domain: %w", err)
			}
			if p.cfg.UserAgent != "" {
				if err := emulation.SetUserAgentOverride(p.cfg.UserAgent).Do(ctx); err != nil {
					return fmt.Errorf("set user-agent: %w", err)
				}
			}
			return nil
		}),
	}
	if p.cfg.StartURL != "" {
		actions = append(actions,
			chromedp.Navigate(p.cfg.StartURL),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)
	}
	return actions
}

// IsAlive reports whether the browser context is open and its target attached.
func (p *Process) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.taskCtx != nil && p.taskCtx.Err() == nil && !p.detached.Load()
}

// Health asks the browser for its version and the page for its ready state.
func (p *Process) Health(ctx context.Context) apply.HealthStatus {
	p.mu.Lock()
	taskCtx, meta := p.taskCtx, p.meta
	p.mu.Unlock()
	if taskCtx == nil || taskCtx.Err() != nil {
		return apply.HealthStatus{Up: false, Detail: "browser not running"}
	}

	probeCtx, cancel := context.WithCancel(taskCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var (
		product    string
		readyState string
	)
	err := chromedp.Run(probeCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, prod, _, _, _, err := cdpbrowser.GetVersion().Do(ctx)
			product = prod
			return err
		}),
		chromedp.Evaluate("document.readyState", &readyState),
	)
	if err != nil {
		return apply.HealthStatus{Up: false, Detail: fmt.Sprintf("browser probe: %v", err)}
	}
	detail := fmt.Sprintf("%s ready=%s", product, readyState)
	if status, url := meta.snapshot(); status != 0 {
		detail += fmt.Sprintf(" last_document=%d %s", status, url)
		if status >= 500 {
			return apply.HealthStatus{Up: false, Detail: detail}
		}
	}
	return apply.HealthStatus{Up: true, Detail: detail}
}

// Restart closes the browser and launches a new one.
func (p *Process) Restart(ctx context.Context) error {
	if err := p.Stop(ctx); err != nil {
		return err
	}
	return p.Start(ctx)
}

// Stop closes the browser gracefully, then tears down the allocator.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	taskCtx, taskCancel, allocCancel := p.taskCtx, p.taskCancel, p.allocCancel
	p.taskCtx, p.taskCancel, p.allocCancel, p.meta = nil, nil, nil, nil
	p.mu.Unlock()
	if taskCtx == nil {
		return nil
	}

	var err error
	if taskCtx.Err() == nil {
		cancelCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(taskCtx) }()
		select {
		case err = <-done:
		case <-cancelCtx.Done():
			err = cancelCtx.Err()
		}
	}
	taskCancel()
	allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	p.logger.Info("browser stopped")
	return nil
}

// allocatorFlags returns the Chrome flags layered on the chromedp defaults.
func allocatorFlags(cfg Config) map[string]any {
	flags := map[string]any{
		"disable-gpu":       true,
		"hide-scrollbars":   true,
		"enable-automation": false,
	}
	if cfg.Headless {
		flags["headless"] = "new"
	} else {
		flags["headless"] = false
		flags["hide-scrollbars"] = false
	}
	return flags
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range allocatorFlags(cfg) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// documentMeta keeps the status of the most recent top-level document.
type documentMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func (m *documentMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *documentMeta) snapshot() (int, string) {
	if m == nil {
		return 0, ""
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.url
}

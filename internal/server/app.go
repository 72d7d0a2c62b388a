// Package server builds the application graph and runs it until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/api"
	"github.com/JakeFAU/autoapply/internal/apply"
	"github.com/JakeFAU/autoapply/internal/backoff"
	"github.com/JakeFAU/autoapply/internal/browser"
	"github.com/JakeFAU/autoapply/internal/clock/system"
	"github.com/JakeFAU/autoapply/internal/config"
	"github.com/JakeFAU/autoapply/internal/id/uuid"
	"github.com/JakeFAU/autoapply/internal/jobsource"
	"github.com/JakeFAU/autoapply/internal/jobsource/httpsource"
	memorysource "github.com/JakeFAU/autoapply/internal/jobsource/memory"
	"github.com/JakeFAU/autoapply/internal/ledger"
	"github.com/JakeFAU/autoapply/internal/logging"
	"github.com/JakeFAU/autoapply/internal/metrics"
	"github.com/JakeFAU/autoapply/internal/policy/ratelimit"
	"github.com/JakeFAU/autoapply/internal/pool"
	"github.com/JakeFAU/autoapply/internal/progress"
	progresssinks "github.com/JakeFAU/autoapply/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/autoapply/internal/publisher/memory"
	natspublisher "github.com/JakeFAU/autoapply/internal/publisher/nats"
	gcppublisher "github.com/JakeFAU/autoapply/internal/publisher/pubsub"
	"github.com/JakeFAU/autoapply/internal/reporter"
	badgerstore "github.com/JakeFAU/autoapply/internal/storage/badger"
	gcsstorage "github.com/JakeFAU/autoapply/internal/storage/gcs"
	localstorage "github.com/JakeFAU/autoapply/internal/storage/local"
	memorystorage "github.com/JakeFAU/autoapply/internal/storage/memory"
	pgstore "github.com/JakeFAU/autoapply/internal/storage/postgres"
	"github.com/JakeFAU/autoapply/internal/supervisor"
	"github.com/JakeFAU/autoapply/internal/telemetry"
	"github.com/JakeFAU/autoapply/internal/worker"
)

const (
	sourceDependent = "job-source"
	closeTimeout    = 15 * time.Second
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	out    io.Writer
	runID  [16]byte

	source      apply.Source
	ledger      *ledger.Ledger
	progressHub *progress.Hub
	publisher   apply.Publisher
	archive     apply.BlobStore
	supervisor  *supervisor.Supervisor
	pool        *pool.Pool
	reporter    *reporter.Reporter
	apiServer   *api.Server
	dependents  []supervisor.ManagedProcess

	closers        []namedCloser
	tracerShutdown telemetry.ShutdownFunc
	closed         bool
}

type namedCloser struct {
	name  string
	close func() error
}

// Option customizes Build.
type Option func(*App)

// WithLogger replaces the logger built from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithOutput redirects the human-readable status stream (stdout by default).
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithSource replaces the configured job source.
func WithSource(src apply.Source) Option {
	return func(a *App) { a.source = src }
}

// WithPublisher replaces the configured result publisher.
func WithPublisher(p apply.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithArchive replaces the configured report archive.
func WithArchive(b apply.BlobStore) Option {
	return func(a *App) { a.archive = b }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	app := &App{cfg: cfg, out: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		app.logger = logger
		zap.ReplaceGlobals(logger)
	}
	metrics.Init()

	if err := app.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		_ = app.Close(closeCtx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	_, a.tracerShutdown, err = telemetry.InitTracerProvider(ctx, a.cfg.Telemetry, a.logger)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}

	ids := uuid.NewUUIDGenerator()
	a.runID, err = ids.NewRunID()
	if err != nil {
		return err
	}
	runID := uuid.FormatRunID(a.runID)
	a.logger = a.logger.With(zap.String("run_id", runID))
	a.logger.Info("building application dependencies",
		zap.String("source", a.cfg.Source.Kind),
		zap.Int("workers", a.cfg.Pool.Workers),
		zap.Int("per_cycle_cap", a.cfg.Worker.PerCycleCap),
		zap.Int("batch_size", a.cfg.Worker.BatchSize),
		zap.String("ledger_store", a.cfg.Ledger.Store),
		zap.String("publisher", a.cfg.Publisher.Kind),
		zap.String("archive", a.cfg.Archive.Kind),
		zap.Bool("browser", a.cfg.Browser.Enabled),
	)

	if err := a.setupSource(); err != nil {
		return err
	}
	if err := a.setupLedger(ctx); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	if err := a.setupArchive(ctx); err != nil {
		return err
	}
	if err := a.setupProgress(); err != nil {
		return err
	}

	clock := system.New()
	a.supervisor = supervisor.New(a.cfg.Supervisor, clock, a.progressHub, a.runID, a.logger)
	a.pool = a.setupPool(clock, ids)
	a.dependents = a.setupDependents()

	a.reporter = reporter.New(reporter.Config{
		Interval:      a.cfg.Reporter.Interval,
		ArchivePrefix: a.cfg.Reporter.ArchivePrefix,
		RunID:         runID,
	}, a.ledger, a.supervisor, a.pool, a.out, a.archive, clock, a.logger)

	if a.cfg.API.Enabled {
		a.apiServer = api.NewServer(
			api.NewStatusHandler(a.reporter, a.ledger, a.logger),
			a.ready,
			a.logger,
		)
	}
	return nil
}

func (a *App) setupSource() error {
	if a.source == nil {
		switch a.cfg.Source.Kind {
		case config.SourceMemory:
			a.logger.Warn("using in-memory job source; no real applications will be submitted",
				zap.Int("demo_items", a.cfg.Source.DemoItems))
			a.source = memorysource.Demo(a.cfg.Source.DemoItems)
		default:
			src, err := httpsource.New(a.cfg.Source.HTTP, nil, a.logger)
			if err != nil {
				return fmt.Errorf("job source init failed: %w", err)
			}
			a.logger.Info("using http job source", zap.String("base_url", a.cfg.Source.HTTP.BaseURL))
			a.source = src
		}
	}
	if a.cfg.Filter.Enabled() {
		a.source = jobsource.NewFilter(a.source, a.cfg.Filter)
		a.logger.Info("job filter enabled",
			zap.Float64("min_match_score", a.cfg.Filter.MinMatchScore),
			zap.Strings("exclude_keywords", a.cfg.Filter.ExcludeKeywords),
		)
	}
	return nil
}

func (a *App) setupLedger(ctx context.Context) error {
	var store ledger.Store
	switch a.cfg.Ledger.Store {
	case config.StorePostgres:
		pg, err := pgstore.NewLedgerStore(ctx, a.cfg.Ledger.Postgres)
		if err != nil {
			return fmt.Errorf("postgres ledger store init failed: %w", err)
		}
		a.logger.Info("postgres ledger store initialized", zap.String("table", a.cfg.Ledger.Postgres.Table))
		store = pg
	case config.StoreBadger:
		bs, err := badgerstore.Open(a.cfg.Ledger.Badger)
		if err != nil {
			return fmt.Errorf("badger ledger store init failed: %w", err)
		}
		a.logger.Info("badger ledger store initialized", zap.String("dir", a.cfg.Ledger.Badger.Dir))
		store = bs
	default:
		a.logger.Warn("no ledger store configured; processed identifiers will not survive a restart")
	}
	l, err := ledger.Open(ctx, store, a.logger.Named("ledger"), ledger.WithRetention(a.cfg.Ledger.RetainResults))
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return fmt.Errorf("ledger init failed: %w", err)
	}
	a.ledger = l
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.publisher != nil {
		return nil
	}
	topic := a.cfg.Publisher.Topic
	switch a.cfg.Publisher.Kind {
	case config.PublisherMemory:
		a.publisher = memorypublisher.New()
	case config.PublisherPubSub:
		pcfg := a.cfg.Publisher.PubSub
		if pcfg.Topic == "" {
			pcfg.Topic = topic
		}
		p, err := gcppublisher.New(ctx, pcfg)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", pcfg.ProjectID),
			zap.String("topic", pcfg.Topic),
		)
		a.publisher = p
		a.closers = append(a.closers, namedCloser{"pubsub publisher", p.Close})
	case config.PublisherNATS:
		ncfg := a.cfg.Publisher.NATS
		if ncfg.Subject == "" {
			ncfg.Subject = topic
		}
		p, err := natspublisher.Connect(ncfg, a.logger)
		if err != nil {
			return fmt.Errorf("nats publisher init failed: %w", err)
		}
		a.logger.Info("NATS publisher initialized", zap.String("url", ncfg.URL), zap.String("subject", ncfg.Subject))
		a.publisher = p
		a.closers = append(a.closers, namedCloser{"nats publisher", p.Close})
	default:
		a.logger.Debug("result publishing disabled")
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	if a.archive != nil {
		return nil
	}
	switch a.cfg.Archive.Kind {
	case config.ArchiveLocal:
		store, err := localstorage.New(a.cfg.Archive.Local)
		if err != nil {
			return fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving reports locally", zap.String("path", a.cfg.Archive.Local.BaseDir))
		a.archive = store
	case config.ArchiveGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstorage.New(client, a.cfg.Archive.GCS)
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.logger.Info("archiving reports to GCS", zap.String("bucket", a.cfg.Archive.GCS.Bucket))
		a.archive = store
		a.closers = append(a.closers, namedCloser{"gcs client", store.Close})
	case config.ArchiveMemory:
		a.archive = memorystorage.NewBlobStore()
	default:
		a.logger.Debug("report archiving disabled")
	}
	return nil
}

func (a *App) setupProgress() error {
	sinkList := []progress.Sink{progresssinks.NewLogSink(a.logger.Named("progress_log"))}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		a.logger.Warn("prometheus progress sink unavailable", zap.Error(err))
	} else {
		sinkList = append(sinkList, promSink)
	}
	if a.publisher != nil {
		sinkList = append(sinkList, progresssinks.NewPublishSink(a.publisher, a.cfg.Publisher.Topic, a.logger.Named("progress_publish")))
	}
	hubCfg := progress.Config{
		BufferSize:     1024,
		MaxBatchEvents: 64,
		MaxBatchWait:   500 * time.Millisecond,
		SinkTimeout:    5 * time.Second,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Debug("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

func (a *App) setupPool(clock apply.Clock, ids apply.IDGenerator) *pool.Pool {
	scheduler := backoff.New(a.cfg.Backoff)
	limiter := ratelimit.New(a.cfg.RateLimit)
	workerCfg := worker.Config{
		Credentials:        a.cfg.Credentials,
		BatchSize:          a.cfg.Worker.BatchSize,
		PerCycleCap:        a.cfg.Worker.PerCycleCap,
		AuthRetries:        a.cfg.Worker.AuthRetries,
		FetchRetries:       a.cfg.Worker.FetchRetries,
		MaxCycles:          a.cfg.Worker.MaxCycles,
		SessionRefreshSkew: a.cfg.Worker.SessionRefreshSkew,
		RunID:              a.runID,
	}
	workerLogger := a.logger.Named("worker")
	factory := func(id string) (pool.Runner, error) {
		return worker.New(id, a.source, a.ledger, scheduler, limiter, a.progressHub, clock, ids, workerCfg, workerLogger), nil
	}
	return pool.New(pool.Config{
		Workers:         a.cfg.Pool.Workers,
		StartStagger:    a.cfg.Pool.StartStagger,
		ShutdownTimeout: a.cfg.Pool.ShutdownTimeout,
		TargetSuccesses: a.cfg.Pool.TargetSuccesses,
		MaxRuntime:      a.cfg.Pool.MaxRuntime,
		CheckInterval:   a.cfg.Pool.CheckInterval,
		IsFatal:         worker.IsFatal,
	}, factory, a.ledger, a.logger.Named("pool"))
}

// setupDependents orders dependents so that child processes and the browser are up before workers start.
func (a *App) setupDependents() []supervisor.ManagedProcess {
	var deps []supervisor.ManagedProcess
	probeClient := &http.Client{Timeout: a.cfg.Supervisor.ProbeTimeout}
	for _, pc := range a.cfg.Processes {
		deps = append(deps, supervisor.NewCommandProcess(pc, probeClient, a.logger))
	}
	if a.cfg.Browser.Enabled {
		deps = append(deps, browser.New(a.cfg.Browser, a.logger))
	}
	deps = append(deps, supervisor.NewHealthProbeProcess(sourceDependent, a.cfg.Source.Essential, a.source, nil))
	deps = append(deps, a.pool)
	return deps
}

// ready reports whether the run can make progress.
func (a *App) ready(context.Context) error {
	if !a.pool.IsAlive() {
		return errors.New("worker pool not alive")
	}
	for _, rec := range a.supervisor.Snapshots() {
		if rec.Essential && rec.State == supervisor.StatePermanentlyFailed {
			return fmt.Errorf("%w: %s", supervisor.ErrEssentialFailed, rec.Name)
		}
	}
	return nil
}

// Run starts the application and blocks until a signal, a run goal, or a fatal error.
// It returns the fatal error, if any, after shutting everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bgCtx, cancelBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBackground()
	flusherDone := make(chan struct{})
	go func() {
		defer close(flusherDone)
		a.ledger.RunFlusher(bgCtx, a.cfg.Ledger.FlushInterval)
	}()
	go a.reporter.Run(bgCtx)

	srv, err := a.startHTTP(stop)
	if err != nil {
		cancelBackground()
		<-flusherDone
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		_ = a.Close(closeCtx)
		return err
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- a.supervisor.Watch(watchCtx, a.dependents, a.cfg.Supervisor.Interval)
	}()
	a.logger.Info("application started")

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated", zap.String("reason", "signal"))
	case <-a.pool.Finished():
		a.logger.Info("shutdown initiated", zap.String("reason", a.pool.FinishReason()))
	case err := <-a.pool.Fatal():
		a.logger.Error("shutdown initiated", zap.String("reason", "fatal worker error"), zap.Error(err))
		runErr = err
	case err := <-watchErr:
		if err != nil {
			a.logger.Error("shutdown initiated", zap.String("reason", "essential dependent failed"), zap.Bool("alert", true), zap.Error(err))
			runErr = err
		}
	}
	cancelWatch()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Pool.ShutdownTimeout+closeTimeout)
	defer cancel()

	if err := a.pool.Stop(shutdownCtx); err != nil {
		a.logger.Error("worker pool stop failed", zap.Error(err))
	}
	if err := a.supervisor.StopAll(shutdownCtx); err != nil {
		a.logger.Warn("dependent stop failed", zap.Error(err))
	}

	cancelBackground()
	<-flusherDone
	a.reporter.Emit(shutdownCtx, true)

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	if err := a.Close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (a *App) startHTTP(onFailure context.CancelFunc) (*http.Server, error) {
	if a.apiServer == nil {
		return nil, nil
	}
	addr := net.JoinHostPort("", strconv.Itoa(a.cfg.API.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.API.ReadHeaderTimeout,
	}
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			onFailure()
		}
	}()
	return srv, nil
}

// Ledger exposes the shared ledger for callers that inspect a finished run.
func (a *App) Ledger() *ledger.Ledger { return a.ledger }

// Summary returns the last emitted run summary.
func (a *App) Summary() reporter.Summary { return a.reporter.Last() }

// Close flushes the ledger and shuts down infrastructure and observability.
// Calls after the first are no-ops.
func (a *App) Close(ctx context.Context) error {
	if a.closed {
		return nil
	}
	a.closed = true
	var errs []error
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.progressHub = nil
	}
	if a.ledger != nil {
		if err := a.ledger.Close(ctx); err != nil {
			a.logger.Error("ledger close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn(c.name+" close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
	_ = a.logger.Sync()
}

// Package config loads and validates autoapply configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/autoapply/internal/apply"
	"github.com/JakeFAU/autoapply/internal/backoff"
	"github.com/JakeFAU/autoapply/internal/browser"
	"github.com/JakeFAU/autoapply/internal/jobsource"
	"github.com/JakeFAU/autoapply/internal/jobsource/httpsource"
	"github.com/JakeFAU/autoapply/internal/logging"
	"github.com/JakeFAU/autoapply/internal/policy/ratelimit"
	"github.com/JakeFAU/autoapply/internal/publisher/nats"
	"github.com/JakeFAU/autoapply/internal/publisher/pubsub"
	"github.com/JakeFAU/autoapply/internal/reporter"
	"github.com/JakeFAU/autoapply/internal/storage/badger"
	"github.com/JakeFAU/autoapply/internal/storage/gcs"
	"github.com/JakeFAU/autoapply/internal/storage/local"
	"github.com/JakeFAU/autoapply/internal/storage/postgres"
	"github.com/JakeFAU/autoapply/internal/supervisor"
)

// EnvPrefix namespaces environment overrides, e.g. AUTOAPPLY_POOL_WORKERS=5.
const EnvPrefix = "AUTOAPPLY"

// Source kinds.
const (
	SourceHTTP   = "http"
	SourceMemory = "memory"
)

// Ledger store kinds.
const (
	StoreNone     = "none"
	StorePostgres = "postgres"
	StoreBadger   = "badger"
)

// Publisher kinds.
const (
	PublisherNone   = "none"
	PublisherMemory = "memory"
	PublisherPubSub = "pubsub"
	PublisherNATS   = "nats"
)

// Archive kinds.
const (
	ArchiveNone   = "none"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
	ArchiveMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Credentials apply.Credentials          `mapstructure:"credentials"`
	Pool        PoolConfig                 `mapstructure:"pool"`
	Worker      WorkerConfig               `mapstructure:"worker"`
	Backoff     backoff.Config             `mapstructure:"backoff"`
	Supervisor  supervisor.Config          `mapstructure:"supervisor"`
	Reporter    reporter.Config            `mapstructure:"reporter"`
	Source      SourceConfig               `mapstructure:"source"`
	Filter      jobsource.FilterConfig     `mapstructure:"filter"`
	RateLimit   ratelimit.Config           `mapstructure:"ratelimit"`
	Ledger      LedgerConfig               `mapstructure:"ledger"`
	Publisher   PublisherConfig            `mapstructure:"publisher"`
	Archive     ArchiveConfig              `mapstructure:"archive"`
	Browser     browser.Config             `mapstructure:"browser"`
	Processes   []supervisor.CommandConfig `mapstructure:"processes"`
	API         APIConfig                  `mapstructure:"api"`
	Telemetry   TelemetryConfig            `mapstructure:"telemetry"`
	Logging     logging.Config             `mapstructure:"logging"`
}

// PoolConfig governs the orchestrator.
type PoolConfig struct {
	Workers         int           `mapstructure:"workers"`
	StartStagger    time.Duration `mapstructure:"start_stagger"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TargetSuccesses int           `mapstructure:"target_successes"`
	MaxRuntime      time.Duration `mapstructure:"max_runtime"`
	CheckInterval   time.Duration `mapstructure:"check_interval"`
}

// WorkerConfig governs each worker's discover/apply loop.
type WorkerConfig struct {
	BatchSize          int           `mapstructure:"batch_size"`
	PerCycleCap        int           `mapstructure:"per_cycle_cap"`
	AuthRetries        int           `mapstructure:"auth_retries"`
	FetchRetries       int           `mapstructure:"fetch_retries"`
	MaxCycles          int           `mapstructure:"max_cycles"`
	SessionRefreshSkew time.Duration `mapstructure:"session_refresh_skew"`
}

// SourceConfig selects the job source.
type SourceConfig struct {
	Kind string            `mapstructure:"kind"`
	HTTP httpsource.Config `mapstructure:"http"`
	// DemoItems is the number of generated postings served by the memory source.
	DemoItems int `mapstructure:"demo_items"`
	// Essential marks the source as a dependent whose permanent failure ends the run.
	Essential bool `mapstructure:"essential"`
}

// LedgerConfig selects the durable store behind the ledger.
type LedgerConfig struct {
	Store         string          `mapstructure:"store"`
	FlushInterval time.Duration   `mapstructure:"flush_interval"`
	RetainResults int             `mapstructure:"retain_results"`
	Postgres      postgres.Config `mapstructure:"postgres"`
	Badger        badger.Config   `mapstructure:"badger"`
}

// PublisherConfig selects where application results are published.
type PublisherConfig struct {
	Kind   string        `mapstructure:"kind"`
	Topic  string        `mapstructure:"topic"`
	PubSub pubsub.Config `mapstructure:"pubsub"`
	NATS   nats.Config   `mapstructure:"nats"`
}

// ArchiveConfig selects where status reports are archived.
type ArchiveConfig struct {
	Kind  string       `mapstructure:"kind"`
	Local local.Config `mapstructure:"local"`
	GCS   gcs.Config   `mapstructure:"gcs"`
}

// APIConfig controls the read-only status server.
type APIConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// TelemetryConfig controls tracing export.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	// OTLPEndpoint is host:port of an OTLP/HTTP collector; empty disables export.
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}


// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-supplied Viper, so CLI flags bound to v take precedence.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// SetDefaults registers every known key so environment overrides resolve.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("credentials.email", "")
	v.SetDefault("credentials.password", "")

	v.SetDefault("pool.workers", 3)
	v.SetDefault("pool.start_stagger", "2s")
	v.SetDefault("pool.shutdown_timeout", "30s")
	v.SetDefault("pool.target_successes", 0)
	v.SetDefault("pool.max_runtime", "0s")
	v.SetDefault("pool.check_interval", "5s")

	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.per_cycle_cap", 20)
	v.SetDefault("worker.auth_retries", 3)
	v.SetDefault("worker.fetch_retries", 2)
	v.SetDefault("worker.max_cycles", 0)
	v.SetDefault("worker.session_refresh_skew", "30s")

	b := backoff.DefaultConfig()
	setRange(v, "backoff.apply", b.Apply)
	setRange(v, "backoff.batch", b.Batch)
	setRange(v, "backoff.idle", b.Idle)
	setRange(v, "backoff.cycle", b.Cycle)
	setRange(v, "backoff.transient", b.Transient)
	v.SetDefault("backoff.transient_cap", b.TransientCap.String())

	s := supervisor.DefaultConfig()
	v.SetDefault("supervisor.interval", s.Interval.String())
	v.SetDefault("supervisor.threshold", s.Threshold)
	v.SetDefault("supervisor.cooldown", s.Cooldown.String())
	v.SetDefault("supervisor.startup_grace", s.StartupGrace.String())
	v.SetDefault("supervisor.probe_timeout", s.ProbeTimeout.String())

	v.SetDefault("reporter.interval", "1m")
	v.SetDefault("reporter.archive_prefix", "reports")

	v.SetDefault("source.kind", SourceHTTP)
	v.SetDefault("source.http.base_url", "http://localhost:8080")
	v.SetDefault("source.http.health_path", "/")
	v.SetDefault("source.http.timeout", "30s")
	v.SetDefault("source.http.user_agent", "autoapply/1.0")
	v.SetDefault("source.demo_items", 100)
	v.SetDefault("source.essential", false)

	v.SetDefault("filter.min_match_score", 70)
	v.SetDefault("filter.exclude_keywords", []string{"intern", "unpaid"})

	v.SetDefault("ratelimit.rps", 1.0)
	v.SetDefault("ratelimit.burst", 3)

	v.SetDefault("ledger.store", StoreNone)
	v.SetDefault("ledger.flush_interval", "10s")
	v.SetDefault("ledger.retain_results", 10000)
	v.SetDefault("ledger.postgres.dsn", "")
	v.SetDefault("ledger.postgres.table", "application_results")
	v.SetDefault("ledger.postgres.max_conns", 4)
	v.SetDefault("ledger.postgres.min_conns", 0)
	v.SetDefault("ledger.postgres.max_conn_lifetime", "30m")
	v.SetDefault("ledger.postgres.auto_migrate", true)
	v.SetDefault("ledger.badger.dir", "data/ledger")
	v.SetDefault("ledger.badger.in_memory", false)
	v.SetDefault("ledger.badger.sync_writes", true)

	v.SetDefault("publisher.kind", PublisherNone)
	v.SetDefault("publisher.topic", "application-results")
	v.SetDefault("publisher.pubsub.project_id", "")
	v.SetDefault("publisher.pubsub.topic", "")
	v.SetDefault("publisher.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("publisher.nats.subject", "")
	v.SetDefault("publisher.nats.name", "autoapply")

	v.SetDefault("archive.kind", ArchiveNone)
	v.SetDefault("archive.local.base_dir", "data/reports")
	v.SetDefault("archive.gcs.bucket", "")
	v.SetDefault("archive.gcs.prefix", "")

	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.start_url", "about:blank")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.essential", false)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", 8090)
	v.SetDefault("api.read_header_timeout", "5s")

	v.SetDefault("telemetry.service_name", "autoapply")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.encoding", "")
}

func setRange(v *viper.Viper, key string, r backoff.Range) {
	v.SetDefault(key+".min", r.Min.String())
	v.SetDefault(key+".max", r.Max.String())
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Pool.Workers <= 0 {
		errs = append(errs, fmt.Errorf("pool.workers must be > 0"))
	}
	if c.Pool.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pool.shutdown_timeout must be > 0"))
	}
	if c.Pool.TargetSuccesses < 0 {
		errs = append(errs, fmt.Errorf("pool.target_successes must be >= 0"))
	}
	if c.Worker.BatchSize <= 0 || c.Worker.BatchSize > 50 {
		errs = append(errs, fmt.Errorf("worker.batch_size must be between 1 and 50"))
	}
	if c.Worker.PerCycleCap <= 0 {
		errs = append(errs, fmt.Errorf("worker.per_cycle_cap must be > 0"))
	}
	if err := c.Backoff.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Supervisor.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Reporter.Interval <= 0 {
		errs = append(errs, fmt.Errorf("reporter.interval must be > 0"))
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, fmt.Errorf("ratelimit.rps must be >= 0"))
	}

	switch c.Source.Kind {
	case SourceHTTP:
		if c.Source.HTTP.BaseURL == "" {
			errs = append(errs, fmt.Errorf("source.http.base_url must be set for the http source"))
		}
		if c.Credentials.Email == "" || c.Credentials.Password == "" {
			errs = append(errs, fmt.Errorf("credentials.email and credentials.password must be set for the http source"))
		}
	case SourceMemory:
		if c.Source.DemoItems < 0 {
			errs = append(errs, fmt.Errorf("source.demo_items must be >= 0"))
		}
	default:
		errs = append(errs, fmt.Errorf("source.kind %q is not one of http, memory", c.Source.Kind))
	}

	if c.Ledger.RetainResults < 0 {
		errs = append(errs, fmt.Errorf("ledger.retain_results must be >= 0"))
	}
	switch c.Ledger.Store {
	case StoreNone, "":
	case StorePostgres:
		if c.Ledger.Postgres.DSN == "" {
			errs = append(errs, fmt.Errorf("ledger.postgres.dsn must be set for the postgres store"))
		}
	case StoreBadger:
		if c.Ledger.Badger.Dir == "" && !c.Ledger.Badger.InMemory {
			errs = append(errs, fmt.Errorf("ledger.badger.dir must be set for the badger store"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.store %q is not one of none, postgres, badger", c.Ledger.Store))
	}

	switch c.Publisher.Kind {
	case PublisherNone, PublisherMemory, "":
	case PublisherPubSub:
		if c.Publisher.PubSub.ProjectID == "" {
			errs = append(errs, fmt.Errorf("publisher.pubsub.project_id must be set for the pubsub publisher"))
		}
	case PublisherNATS:
		if c.Publisher.NATS.URL == "" {
			errs = append(errs, fmt.Errorf("publisher.nats.url must be set for the nats publisher"))
		}
	default:
		errs = append(errs, fmt.Errorf("publisher.kind %q is not one of none, memory, pubsub, nats", c.Publisher.Kind))
	}

	switch c.Archive.Kind {
	case ArchiveNone, ArchiveMemory, "":
	case ArchiveLocal:
		if c.Archive.Local.BaseDir == "" {
			errs = append(errs, fmt.Errorf("archive.local.base_dir must be set for the local archive"))
		}
	case ArchiveGCS:
		if c.Archive.GCS.Bucket == "" {
			errs = append(errs, fmt.Errorf("archive.gcs.bucket must be set for the gcs archive"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.kind %q is not one of none, memory, local, gcs", c.Archive.Kind))
	}

	for i, p := range c.Processes {
		if p.Name == "" || p.Path == "" {
			errs = append(errs, fmt.Errorf("processes[%d] needs a name and a path", i))
		}
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		errs = append(errs, fmt.Errorf("api.port must be between 1 and 65535"))
	}
	switch c.Logging.Encoding {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.encoding %q is not one of json, console", c.Logging.Encoding))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

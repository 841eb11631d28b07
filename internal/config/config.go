package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Allocation  AllocationConfig  `yaml:"allocation" mapstructure:"allocation"`
	Demand      DemandConfig      `yaml:"demand" mapstructure:"demand"`
	Dispatch    DispatchConfig    `yaml:"dispatch" mapstructure:"dispatch"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit" mapstructure:"ratelimit"`
	Marketplace MarketplaceConfig `yaml:"marketplace" mapstructure:"marketplace"`
	Audit       AuditConfig       `yaml:"audit" mapstructure:"audit"`
	Import      ImportConfig      `yaml:"import" mapstructure:"import"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// AllocationConfig tunes scoring and the apply protocol.
type AllocationConfig struct {
	MaxBonus          float64       `yaml:"max_bonus" mapstructure:"max_bonus"`
	SpanPct           float64       `yaml:"span_pct" mapstructure:"span_pct"`
	DiminishingFactor float64       `yaml:"diminishing_factor" mapstructure:"diminishing_factor"`
	StaleAfter        time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
	ApplyTimeout      time.Duration `yaml:"apply_timeout" mapstructure:"apply_timeout"`
	LargeThreshold    int           `yaml:"large_threshold" mapstructure:"large_threshold"`
	Reverify          bool          `yaml:"reverify" mapstructure:"reverify"`
	TrackerLimit      int           `yaml:"tracker_limit" mapstructure:"tracker_limit"`
	MinMarginPct      float64       `yaml:"min_margin_pct" mapstructure:"min_margin_pct"`
	TargetMarginPct   float64       `yaml:"target_margin_pct" mapstructure:"target_margin_pct"`
	BufferUnits       int           `yaml:"buffer_units" mapstructure:"buffer_units"`
	MinBomCount       int           `yaml:"min_bom_count" mapstructure:"min_bom_count"`
	DefaultLocation   string        `yaml:"default_location" mapstructure:"default_location"`
}

// DemandConfig configures the demand model and blender.
type DemandConfig struct {
	ModelPath           string  `yaml:"model_path" mapstructure:"model_path"`
	Lambda              float64 `yaml:"lambda" mapstructure:"lambda"`
	TrustedUnits30d     int     `yaml:"trusted_units_30d" mapstructure:"trusted_units_30d"`
	ModelConfidence     float64 `yaml:"model_confidence" mapstructure:"model_confidence"`
	FallbackUnitsPerDay float64 `yaml:"fallback_units_per_day" mapstructure:"fallback_units_per_day"`
}

// DispatchConfig configures the update worker pool.
type DispatchConfig struct {
	Workers     int           `yaml:"workers" mapstructure:"workers"`
	MinInterval time.Duration `yaml:"min_interval" mapstructure:"min_interval"`
	Retry       RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Circuit     CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// RetryConfig configures retry behavior for marketplace calls.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter         float64       `yaml:"jitter" mapstructure:"jitter"`
}

// CircuitConfig configures the per-category circuit breaker.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
}

// LimitConfig is the token bucket of one API category.
type LimitConfig struct {
	Rate  float64 `yaml:"rate" mapstructure:"rate"`
	Burst int     `yaml:"burst" mapstructure:"burst"`
}

// RateLimitConfig configures the durable token buckets.
type RateLimitConfig struct {
	Backend   string                 `yaml:"backend" mapstructure:"backend"`
	PebbleDir string                 `yaml:"pebble_dir" mapstructure:"pebble_dir"`
	CacheTTL  time.Duration          `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	Default   LimitConfig            `yaml:"default" mapstructure:"default"`
	Limits    map[string]LimitConfig `yaml:"limits" mapstructure:"limits"`
}

// MarketplaceConfig holds marketplace API credentials.
type MarketplaceConfig struct {
	BaseURL  string        `yaml:"base_url" mapstructure:"base_url"`
	Token    string        `yaml:"token" mapstructure:"token"`
	SellerID string        `yaml:"seller_id" mapstructure:"seller_id"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// AuditConfig selects where applied allocations are published.
type AuditConfig struct {
	Sink         string        `yaml:"sink" mapstructure:"sink"`
	KafkaBrokers string        `yaml:"kafka_brokers" mapstructure:"kafka_brokers"`
	KafkaTopic   string        `yaml:"kafka_topic" mapstructure:"kafka_topic"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// ImportConfig configures catalog import.
type ImportConfig struct {
	FeePct float64 `yaml:"fee_pct" mapstructure:"fee_pct"`
}

// Load reads configuration from ./config.yaml (optional), environment, and defaults.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. A named file must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.SetConfigType("yaml")

	// Environment
	v.SetEnvPrefix("STOCKPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("allocation.max_bonus", 0.20)
	v.SetDefault("allocation.span_pct", 20.0)
	v.SetDefault("allocation.diminishing_factor", 0.8)
	v.SetDefault("allocation.stale_after", 5*time.Minute)
	v.SetDefault("allocation.apply_timeout", 2*time.Minute)
	v.SetDefault("allocation.large_threshold", 100)
	v.SetDefault("allocation.reverify", true)
	v.SetDefault("allocation.tracker_limit", 1000)
	v.SetDefault("allocation.min_margin_pct", 10.0)
	v.SetDefault("allocation.target_margin_pct", 20.0)
	v.SetDefault("allocation.buffer_units", 1)
	v.SetDefault("allocation.min_bom_count", 2)
	v.SetDefault("allocation.default_location", "")
	v.SetDefault("demand.model_path", "")
	v.SetDefault("demand.lambda", 1.0)
	v.SetDefault("demand.trusted_units_30d", 10)
	v.SetDefault("demand.model_confidence", 0.5)
	v.SetDefault("demand.fallback_units_per_day", 0.1)
	v.SetDefault("dispatch.workers", 3)
	v.SetDefault("dispatch.min_interval", 200*time.Millisecond)
	v.SetDefault("dispatch.retry.max_attempts", 4)
	v.SetDefault("dispatch.retry.initial_backoff", 500*time.Millisecond)
	v.SetDefault("dispatch.retry.max_backoff", 30*time.Second)
	v.SetDefault("dispatch.retry.multiplier", 2.0)
	v.SetDefault("dispatch.retry.jitter", 0.25)
	v.SetDefault("dispatch.circuit.failure_threshold", 5)
	v.SetDefault("dispatch.circuit.reset_timeout", 30*time.Second)
	v.SetDefault("ratelimit.backend", "store")
	v.SetDefault("ratelimit.pebble_dir", "data/ratelimit")
	v.SetDefault("ratelimit.cache_ttl", 30*time.Second)
	v.SetDefault("ratelimit.default.rate", 1.0)
	v.SetDefault("ratelimit.default.burst", 5)
	v.SetDefault("marketplace.base_url", "https://sellingpartnerapi.example.com")
	v.SetDefault("marketplace.token", "")
	v.SetDefault("marketplace.seller_id", "")
	v.SetDefault("marketplace.timeout", 20*time.Second)
	v.SetDefault("audit.sink", "log")
	v.SetDefault("audit.kafka_brokers", "")
	v.SetDefault("audit.kafka_topic", "stockpool.audit")
	v.SetDefault("audit.timeout", 10*time.Second)
	v.SetDefault("import.fee_pct", 15.0)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings the given command mode depends on.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required (sqlite file path)")
		}
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}

	a := c.Allocation
	if a.MaxBonus < 0 {
		errs = append(errs, "allocation.max_bonus must be >= 0")
	}
	if a.SpanPct <= 0 {
		errs = append(errs, "allocation.span_pct must be > 0")
	}
	if a.DiminishingFactor <= 0 || a.DiminishingFactor > 1 {
		errs = append(errs, "allocation.diminishing_factor must be in (0,1]")
	}
	if a.MinMarginPct < 0 || a.MinMarginPct > 100 || a.TargetMarginPct < a.MinMarginPct || a.TargetMarginPct > 100 {
		errs = append(errs, "allocation margins must satisfy 0 <= min_margin_pct <= target_margin_pct <= 100")
	}
	if a.BufferUnits < 1 {
		errs = append(errs, "allocation.buffer_units must be >= 1")
	}

	d := c.Dispatch
	if d.Workers < 1 || d.Workers > 32 {
		errs = append(errs, "dispatch.workers must be between 1 and 32")
	}
	if d.Retry.Jitter < 0 || d.Retry.Jitter >= 1 {
		errs = append(errs, "dispatch.retry.jitter must be in [0,1)")
	}

	switch c.RateLimit.Backend {
	case "store", "memory":
	case "pebble":
		if c.RateLimit.PebbleDir == "" {
			errs = append(errs, "ratelimit.pebble_dir is required for the pebble backend")
		}
	default:
		errs = append(errs, "ratelimit.backend must be store, pebble or memory")
	}
	for category, l := range c.RateLimit.Limits {
		if l.Rate <= 0 || l.Burst < 1 {
			errs = append(errs, "ratelimit.limits."+category+" needs rate > 0 and burst >= 1")
		}
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.applyErrors()...)
	case "apply":
		errs = append(errs, c.applyErrors()...)
	case "import":
		if c.Import.FeePct < 0 || c.Import.FeePct >= 100 {
			errs = append(errs, "import.fee_pct must be in [0,100)")
		}
	case "train":
		if c.Demand.ModelPath == "" {
			errs = append(errs, "demand.model_path is required")
		}
		if c.Demand.Lambda < 0 {
			errs = append(errs, "demand.lambda must be >= 0")
		}
	case "preview", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) applyErrors() []string {
	var errs []string
	if c.Marketplace.Token == "" {
		errs = append(errs, "marketplace.token is required")
	}
	switch c.Audit.Sink {
	case "log", "none":
	case "kafka":
		if c.Audit.KafkaBrokers == "" {
			errs = append(errs, "audit.kafka_brokers is required for the kafka sink")
		}
	default:
		errs = append(errs, "audit.sink must be log, kafka or none")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

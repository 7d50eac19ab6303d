// Package config loads engine configuration from the environment, with
// sane defaults for local development against the in-memory store.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/apphub/apphub/internal/core"
)

const envPrefix = "APPHUB"

// Config is the fully resolved engine configuration.
type Config struct {
	// DatabaseURL is the Postgres DSN. Empty selects the in-memory store.
	DatabaseURL string

	Events       Events
	Analytics    Analytics
	Sampling     Sampling
	Bundles      Bundles
	Orchestrator Orchestrator
	Scheduler    Scheduler
	Server       Server

	// OperatorTokens authorize operator-plane calls. Resolved from
	// APPHUB_OPERATOR_TOKENS (comma separated) or, when set,
	// APPHUB_OPERATOR_TOKENS_PATH (one token per line).
	OperatorTokens []string

	Debug     bool
	LogFormat string
}

// Events selects how published events are delivered to subscribers.
type Events struct {
	// Mode is "inline" (in-process fan-out only) or "redis" (mirror every
	// event to a Redis channel as well).
	Mode    string
	Channel string

	// RedisURL is required when Mode is "redis".
	RedisURL string
}

type Analytics struct {
	// Interval <= 0 disables the snapshot task.
	Interval time.Duration
	Window   time.Duration
	Bucket   time.Duration
}

// Sampling bounds the retained event sample used by trigger debugging.
type Sampling struct {
	TTL               time.Duration
	OverflowThreshold int
}

type Bundles struct {
	// MaxSize caps an uploaded job bundle archive in bytes.
	MaxSize int64

	// Storage selects the artifact backend, "local" or "s3".
	Storage string

	// Dir is where the local artifact store keeps bundle archives.
	Dir string

	// SigningSecret signs artifact download tokens. Empty disables the
	// download endpoint.
	SigningSecret string

	// S3 settings, required when Storage is "s3".
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool
}

type Orchestrator struct {
	Concurrency      int
	HeartbeatTimeout time.Duration
}

type Scheduler struct {
	TickInterval time.Duration
	AutoInterval time.Duration
}

type Server struct {
	Host string
	Port int
}

// Loader resolves a Config from environment variables.
type Loader struct {
	viper *viper.Viper
}

type LoaderOption func(*Loader)

func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{viper: viper.New()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the environment, applies defaults and validates the result.
func (l *Loader) Load() (*Config, error) {
	l.setupEnv()
	l.setDefaults()

	var def definition
	if err := l.viper.Unmarshal(&def); err != nil {
		return nil, core.WrapError(core.KindValidation, err, "failed to parse configuration")
	}

	cfg, err := buildConfig(def)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// definition mirrors the raw environment before durations and token lists
// are resolved.
type definition struct {
	DatabaseURL string `mapstructure:"databaseUrl"`
	RedisURL    string `mapstructure:"redisUrl"`

	EventsMode    string `mapstructure:"eventsMode"`
	EventsChannel string `mapstructure:"eventsChannel"`

	AnalyticsIntervalMs int  `mapstructure:"analyticsIntervalMs"`
	DisableAnalytics    bool `mapstructure:"disableAnalytics"`
	AnalyticsWindowMs   int  `mapstructure:"analyticsWindowMs"`
	AnalyticsBucketMs   int  `mapstructure:"analyticsBucketMs"`

	EventSamplingTTLMs             int `mapstructure:"eventSamplingTtlMs"`
	EventSamplingOverflowThreshold int `mapstructure:"eventSamplingOverflowThreshold"`

	JobBundleMaxSize     int64  `mapstructure:"jobBundleMaxSize"`
	JobBundleStorage     string `mapstructure:"jobBundleStorage"`
	JobBundleDir         string `mapstructure:"jobBundleDir"`
	JobBundleSigningKey  string `mapstructure:"jobBundleSigningSecret"`
	JobBundleS3Endpoint  string `mapstructure:"jobBundleS3Endpoint"`
	JobBundleS3Bucket    string `mapstructure:"jobBundleS3Bucket"`
	JobBundleS3AccessKey string `mapstructure:"jobBundleS3AccessKey"`
	JobBundleS3SecretKey string `mapstructure:"jobBundleS3SecretKey"`
	JobBundleS3Region    string `mapstructure:"jobBundleS3Region"`
	JobBundleS3UseSSL    bool   `mapstructure:"jobBundleS3UseSsl"`

	RunConcurrency     int `mapstructure:"runConcurrency"`
	HeartbeatTimeoutMs int `mapstructure:"heartbeatTimeoutMs"`

	SchedulerTickMs int `mapstructure:"schedulerTickMs"`
	AutoTickMs      int `mapstructure:"autoTickMs"`

	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	OperatorTokens     string `mapstructure:"operatorTokens"`
	OperatorTokensPath string `mapstructure:"operatorTokensPath"`

	Debug     bool   `mapstructure:"debug"`
	LogFormat string `mapstructure:"logFormat"`
}

func (l *Loader) setupEnv() {
	l.viper.SetEnvPrefix(envPrefix)
	l.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.viper.AutomaticEnv()

	l.bindEnv("databaseUrl", "DATABASE_URL")
	l.bindEnv("redisUrl", "REDIS_URL")
	l.bindEnv("eventsMode", "EVENTS_MODE")
	l.bindEnv("eventsChannel", "EVENTS_CHANNEL")
	l.bindEnv("analyticsIntervalMs", "ANALYTICS_INTERVAL_MS")
	l.bindEnv("disableAnalytics", "DISABLE_ANALYTICS")
	l.bindEnv("analyticsWindowMs", "ANALYTICS_WINDOW_MS")
	l.bindEnv("analyticsBucketMs", "ANALYTICS_BUCKET_MS")
	l.bindEnv("eventSamplingTtlMs", "EVENT_SAMPLING_TTL_MS")
	l.bindEnv("eventSamplingOverflowThreshold", "EVENT_SAMPLING_OVERFLOW_THRESHOLD")
	l.bindEnv("jobBundleMaxSize", "JOB_BUNDLE_MAX_SIZE")
	l.bindEnv("jobBundleStorage", "JOB_BUNDLE_STORAGE")
	l.bindEnv("jobBundleDir", "JOB_BUNDLE_DIR")
	l.bindEnv("jobBundleSigningSecret", "JOB_BUNDLE_SIGNING_SECRET")
	l.bindEnv("jobBundleS3Endpoint", "JOB_BUNDLE_S3_ENDPOINT")
	l.bindEnv("jobBundleS3Bucket", "JOB_BUNDLE_S3_BUCKET")
	l.bindEnv("jobBundleS3AccessKey", "JOB_BUNDLE_S3_ACCESS_KEY")
	l.bindEnv("jobBundleS3SecretKey", "JOB_BUNDLE_S3_SECRET_KEY")
	l.bindEnv("jobBundleS3Region", "JOB_BUNDLE_S3_REGION")
	l.bindEnv("jobBundleS3UseSsl", "JOB_BUNDLE_S3_USE_SSL")
	l.bindEnv("runConcurrency", "RUN_CONCURRENCY")
	l.bindEnv("heartbeatTimeoutMs", "HEARTBEAT_TIMEOUT_MS")
	l.bindEnv("schedulerTickMs", "SCHEDULER_TICK_MS")
	l.bindEnv("autoTickMs", "AUTO_TICK_MS")
	l.bindEnv("host", "HOST")
	l.bindEnv("port", "PORT")
	l.bindEnv("operatorTokens", "OPERATOR_TOKENS")
	l.bindEnv("operatorTokensPath", "OPERATOR_TOKENS_PATH")
	l.bindEnv("debug", "DEBUG")
	l.bindEnv("logFormat", "LOG_FORMAT")

	// DSNs and sampling knobs are conventionally unprefixed.
	_ = l.viper.BindEnv("databaseUrl", "DATABASE_URL")
	_ = l.viper.BindEnv("redisUrl", "REDIS_URL")
	_ = l.viper.BindEnv("eventSamplingTtlMs", "EVENT_SAMPLING_TTL_MS")
	_ = l.viper.BindEnv("eventSamplingOverflowThreshold", "EVENT_SAMPLING_OVERFLOW_THRESHOLD")
}

// bindEnv binds a key to its APPHUB_-prefixed environment variable.
func (l *Loader) bindEnv(key, env string) {
	_ = l.viper.BindEnv(key, envPrefix+"_"+env)
}

func (l *Loader) setDefaults() {
	l.viper.SetDefault("eventsMode", "inline")
	l.viper.SetDefault("eventsChannel", "apphub:events")

	l.viper.SetDefault("analyticsIntervalMs", 30000)
	l.viper.SetDefault("analyticsWindowMs", int((7 * 24 * time.Hour).Milliseconds()))
	l.viper.SetDefault("analyticsBucketMs", int(time.Hour.Milliseconds()))

	l.viper.SetDefault("eventSamplingTtlMs", int((30 * 24 * time.Hour).Milliseconds()))
	l.viper.SetDefault("eventSamplingOverflowThreshold", 50000)

	l.viper.SetDefault("jobBundleMaxSize", int64(16*1024*1024))
	l.viper.SetDefault("jobBundleStorage", "local")
	l.viper.SetDefault("jobBundleDir", "data/bundles")
	l.viper.SetDefault("jobBundleS3UseSsl", true)

	l.viper.SetDefault("runConcurrency", 4)
	l.viper.SetDefault("heartbeatTimeoutMs", 120000)

	l.viper.SetDefault("schedulerTickMs", 15000)
	l.viper.SetDefault("autoTickMs", 60000)

	l.viper.SetDefault("host", "127.0.0.1")
	l.viper.SetDefault("port", 8620)

	l.viper.SetDefault("logFormat", "text")
}

func buildConfig(def definition) (*Config, error) {
	cfg := &Config{
		DatabaseURL: def.DatabaseURL,
		Events: Events{
			Mode:     strings.ToLower(strings.TrimSpace(def.EventsMode)),
			Channel:  def.EventsChannel,
			RedisURL: def.RedisURL,
		},
		Analytics: Analytics{
			Interval: time.Duration(def.AnalyticsIntervalMs) * time.Millisecond,
			Window:   time.Duration(def.AnalyticsWindowMs) * time.Millisecond,
			Bucket:   time.Duration(def.AnalyticsBucketMs) * time.Millisecond,
		},
		Sampling: Sampling{
			TTL:               time.Duration(def.EventSamplingTTLMs) * time.Millisecond,
			OverflowThreshold: def.EventSamplingOverflowThreshold,
		},
		Bundles: Bundles{
			MaxSize:       def.JobBundleMaxSize,
			Storage:       strings.ToLower(strings.TrimSpace(def.JobBundleStorage)),
			Dir:           def.JobBundleDir,
			SigningSecret: def.JobBundleSigningKey,
			S3Endpoint:    def.JobBundleS3Endpoint,
			S3Bucket:      def.JobBundleS3Bucket,
			S3AccessKey:   def.JobBundleS3AccessKey,
			S3SecretKey:   def.JobBundleS3SecretKey,
			S3Region:      def.JobBundleS3Region,
			S3UseSSL:      def.JobBundleS3UseSSL,
		},
		Orchestrator: Orchestrator{
			Concurrency:      def.RunConcurrency,
			HeartbeatTimeout: time.Duration(def.HeartbeatTimeoutMs) * time.Millisecond,
		},
		Scheduler: Scheduler{
			TickInterval: time.Duration(def.SchedulerTickMs) * time.Millisecond,
			AutoInterval: time.Duration(def.AutoTickMs) * time.Millisecond,
		},
		Server:    Server{Host: def.Host, Port: def.Port},
		Debug:     def.Debug,
		LogFormat: def.LogFormat,
	}

	if def.DisableAnalytics {
		cfg.Analytics.Interval = 0
	}

	tokens, err := resolveOperatorTokens(def.OperatorTokens, def.OperatorTokensPath)
	if err != nil {
		return nil, err
	}
	cfg.OperatorTokens = tokens
	return cfg, nil
}

// resolveOperatorTokens prefers the token file over the inline list.
func resolveOperatorTokens(inline, path string) ([]string, error) {
	raw := inline
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, core.WrapError(core.KindValidation, err, "failed to read operator token file %s", path)
		}
		raw = strings.ReplaceAll(string(data), "\n", ",")
	}

	var tokens []string
	for _, token := range strings.Split(raw, ",") {
		if token = strings.TrimSpace(token); token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

func validate(cfg *Config) error {
	switch cfg.Events.Mode {
	case "inline":
	case "redis":
		if cfg.Events.RedisURL == "" {
			return core.ValidationErr("events mode %q requires REDIS_URL", cfg.Events.Mode)
		}
	default:
		return core.ValidationErr("unknown events mode %q, expected inline or redis", cfg.Events.Mode)
	}
	if cfg.Events.Channel == "" {
		return core.ValidationErr("events channel must not be empty")
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return core.ValidationErr("invalid server port %d", cfg.Server.Port)
	}
	if cfg.Bundles.MaxSize <= 0 {
		return core.ValidationErr("job bundle max size must be positive, got %d", cfg.Bundles.MaxSize)
	}
	switch cfg.Bundles.Storage {
	case "local":
	case "s3":
		if cfg.Bundles.S3Endpoint == "" || cfg.Bundles.S3Bucket == "" {
			return core.ValidationErr("job bundle storage %q requires an S3 endpoint and bucket", cfg.Bundles.Storage)
		}
	default:
		return core.ValidationErr("unknown job bundle storage %q, expected local or s3", cfg.Bundles.Storage)
	}
	if cfg.Orchestrator.Concurrency <= 0 {
		return core.ValidationErr("run concurrency must be positive, got %d", cfg.Orchestrator.Concurrency)
	}
	if cfg.Sampling.OverflowThreshold <= 0 {
		return core.ValidationErr("event sampling overflow threshold must be positive, got %d", cfg.Sampling.OverflowThreshold)
	}
	return nil
}

// Load resolves the configuration with default loader options.
func Load() (*Config, error) {
	return NewLoader().Load()
}

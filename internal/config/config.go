package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"arc-framework/starrynight/internal/subsystems"
)

// Config is the root configuration for starrynight.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Sinks     SinksConfig     `mapstructure:"sinks"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// StartupAttempts bounds the bootstrap runs the server makes at startup.
	StartupAttempts   int           `mapstructure:"startup_attempts"`
	StartupRetryDelay time.Duration `mapstructure:"startup_retry_delay"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	ServiceName  string `mapstructure:"service_name"`
	LogLevel     string `mapstructure:"log_level"`
	// TraceSampleRatio is the fraction of bootstrap traces exported.
	TraceSampleRatio     float64       `mapstructure:"trace_sample_ratio"`
	MetricExportInterval time.Duration `mapstructure:"metric_export_interval"`
	// LogFile, when set, receives a copy of every log record.
	LogFile string `mapstructure:"log_file"`
}

// BootstrapConfig drives the orchestrator and the health monitor.
type BootstrapConfig struct {
	Mode                         string                `mapstructure:"mode"`
	EnablePerformanceMonitoring  bool                  `mapstructure:"enable_performance_monitoring"`
	EnableDependencyInjection    bool                  `mapstructure:"enable_dependency_injection"`
	EnableSystemHealthMonitoring bool                  `mapstructure:"enable_system_health_monitoring"`
	SystemReadinessTimeout       time.Duration         `mapstructure:"system_readiness_timeout"`
	PhaseTransitionTimeout       time.Duration         `mapstructure:"phase_transition_timeout"`
	HealthInterval               time.Duration         `mapstructure:"health_interval"`
	PerformanceThresholds        PerformanceThresholds `mapstructure:"performance_thresholds"`
}

type PerformanceThresholds struct {
	MaxInitTime   time.Duration `mapstructure:"max_init_time"`
	MaxMemoryMB   float64       `mapstructure:"max_memory_mb"`
	MaxCPUPercent float64       `mapstructure:"max_cpu_percent"`
}

// SinksConfig lists the destinations of health aggregates.
type SinksConfig struct {
	NATS  NATSConfig  `mapstructure:"nats"`
	Redis RedisConfig `mapstructure:"redis"`
}

type NATSConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	URL              string `mapstructure:"url"`
	SubjectPrefix    string `mapstructure:"subject_prefix"`
	ProvisionStreams bool   `mapstructure:"provision_streams"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Key      string        `mapstructure:"key"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Load reads config from the optional YAML file at path, then overlays
// environment variables with the STARRYNIGHT_ prefix
// (e.g. STARRYNIGHT_BOOTSTRAP_MODE).
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("STARRYNIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate rejects unknown modes, non-positive timeouts and sink settings
// that cannot work.
func (c *Config) Validate() error {
	var errs []error

	if _, err := subsystems.ParseMode(c.Bootstrap.Mode); err != nil {
		errs = append(errs, err)
	}
	b := c.Bootstrap
	if b.SystemReadinessTimeout <= 0 {
		errs = append(errs, errors.New("bootstrap.system_readiness_timeout must be positive"))
	}
	if b.PhaseTransitionTimeout <= 0 {
		errs = append(errs, errors.New("bootstrap.phase_transition_timeout must be positive"))
	}
	if b.HealthInterval <= 0 {
		errs = append(errs, errors.New("bootstrap.health_interval must be positive"))
	}
	if p := b.PerformanceThresholds.MaxCPUPercent; p < 0 || p > 100 {
		errs = append(errs, fmt.Errorf("bootstrap.performance_thresholds.max_cpu_percent %v out of range [0, 100]", p))
	}
	if r := c.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v out of range [0, 1]", r))
	}
	if c.Sinks.NATS.Enabled && c.Sinks.NATS.URL == "" {
		errs = append(errs, errors.New("sinks.nats.url is required when the NATS sink is enabled"))
	}
	if c.Sinks.Redis.Enabled && c.Sinks.Redis.Key == "" {
		errs = append(errs, errors.New("sinks.redis.key is required when the Redis sink is enabled"))
	}
	return errors.Join(errs...)
}

// Profile returns the mode profile with the configured CPU ceiling applied.
// Call after Validate.
func (b BootstrapConfig) Profile() subsystems.ModeProfile {
	mode, err := subsystems.ParseMode(b.Mode)
	if err != nil {
		mode = subsystems.ModeProgressive
	}
	return subsystems.ProfileFor(mode).ApplyCPUCeiling(b.PerformanceThresholds.MaxCPUPercent)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.startup_attempts", 3)
	v.SetDefault("server.startup_retry_delay", 2*time.Second)

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("telemetry.service_name", "starrynight")
	v.SetDefault("telemetry.log_level", "info")
	v.SetDefault("telemetry.trace_sample_ratio", 1.0)
	v.SetDefault("telemetry.metric_export_interval", 10*time.Second)

	v.SetDefault("bootstrap.mode", string(subsystems.ModeProgressive))
	v.SetDefault("bootstrap.enable_performance_monitoring", true)
	v.SetDefault("bootstrap.enable_dependency_injection", true)
	v.SetDefault("bootstrap.enable_system_health_monitoring", true)
	v.SetDefault("bootstrap.system_readiness_timeout", 5*time.Second)
	v.SetDefault("bootstrap.phase_transition_timeout", 10*time.Second)
	v.SetDefault("bootstrap.health_interval", 30*time.Second)
	v.SetDefault("bootstrap.performance_thresholds.max_init_time", 500*time.Millisecond)
	v.SetDefault("bootstrap.performance_thresholds.max_memory_mb", 50.0)
	v.SetDefault("bootstrap.performance_thresholds.max_cpu_percent", 90.0)

	v.SetDefault("sinks.nats.enabled", false)
	v.SetDefault("sinks.nats.url", "nats://localhost:4222")
	v.SetDefault("sinks.nats.subject_prefix", "starrynight")
	v.SetDefault("sinks.nats.provision_streams", true)

	v.SetDefault("sinks.redis.enabled", false)
	v.SetDefault("sinks.redis.host", "localhost")
	v.SetDefault("sinks.redis.port", 6379)
	v.SetDefault("sinks.redis.db", 0)
	v.SetDefault("sinks.redis.key", "starrynight:health:last")
	v.SetDefault("sinks.redis.ttl", 10*time.Minute)
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultPath is where commands look for the configuration file.
const DefaultPath = "/etc/kbudget/config.yaml"

// Config holds the complete application configuration
type Config struct {
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Enforcement EnforcementConfig `mapstructure:"enforcement"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Restriction RestrictionConfig `mapstructure:"restriction"`
	Events      EventsConfig      `mapstructure:"events"`
	API         APIConfig         `mapstructure:"api"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Resources   []ResourceConfig  `mapstructure:"resources"`
}

// StorageConfig selects and configures the shared key/value store
type StorageConfig struct {
	Type        string      `mapstructure:"type"` // sqlite, redis, bolt or memory
	Path        string      `mapstructure:"path"`
	LockTimeout string      `mapstructure:"lock_timeout"`
	Redis       RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MonitorConfig configures the short-lived usage monitor invocations
type MonitorConfig struct {
	TickMinutes int    `mapstructure:"tick_minutes"`
	LogLevel    string `mapstructure:"log_level"`
}

// EnforcementConfig configures the daemon's reconciliation and overrides
type EnforcementConfig struct {
	ReconcileInterval      string `mapstructure:"reconcile_interval"`
	DailyResetTime         string `mapstructure:"daily_reset_time"`
	MaxOverrideMinutes     int    `mapstructure:"max_override_minutes"`
	DefaultOverrideMinutes int    `mapstructure:"default_override_minutes"`
	WatchStore             bool   `mapstructure:"watch_store"`
}

// PolicyConfig selects the decision evaluator
type PolicyConfig struct {
	Engine       string `mapstructure:"engine"` // builtin or opa
	OPAPolicyDir string `mapstructure:"opa_policy_dir"`
}

// RestrictionConfig selects how a restriction is enforced on the device
type RestrictionConfig struct {
	Mechanism string    `mapstructure:"mechanism"` // none, log or dns
	DNS       DNSConfig `mapstructure:"dns"`
}

// DNSConfig configures the sinkhole DNS server
type DNSConfig struct {
	Listen          string   `mapstructure:"listen"`
	UpstreamServers []string `mapstructure:"upstream_servers"`
	BlockTTL        uint32   `mapstructure:"block_ttl"`
	UpstreamTimeout string   `mapstructure:"upstream_timeout"`
	CacheSize       int      `mapstructure:"cache_size"`
}

// EventsConfig configures best-effort notifications
type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url"` // empty disables publishing
}

// APIConfig configures the presentation and control API
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ResourceConfig names one managed app or site
type ResourceConfig struct {
	Name         string   `mapstructure:"name"`
	Domains      []string `mapstructure:"domains"`
	DailyMinutes int      `mapstructure:"daily_minutes"`
	Selected     bool     `mapstructure:"selected"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KBUDGET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration produced by defaults alone.
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.path", "/var/lib/kbudget/kbudget.db")
	v.SetDefault("storage.lock_timeout", "2s")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "kbudget:")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("monitor.tick_minutes", 1)
	v.SetDefault("monitor.log_level", "warn")

	v.SetDefault("enforcement.reconcile_interval", "1m")
	v.SetDefault("enforcement.daily_reset_time", "00:00")
	v.SetDefault("enforcement.max_override_minutes", 60)
	v.SetDefault("enforcement.default_override_minutes", 15)
	v.SetDefault("enforcement.watch_store", true)

	v.SetDefault("policy.engine", "builtin")
	v.SetDefault("policy.opa_policy_dir", "")

	v.SetDefault("restriction.mechanism", "log")
	v.SetDefault("restriction.dns.listen", "127.0.0.1:5353")
	v.SetDefault("restriction.dns.upstream_servers", []string{"1.1.1.1:53", "8.8.8.8:53"})
	v.SetDefault("restriction.dns.block_ttl", 60)
	v.SetDefault("restriction.dns.upstream_timeout", "5s")
	v.SetDefault("restriction.dns.cache_size", 1024)

	v.SetDefault("events.nats_url", "")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:7480")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "127.0.0.1:9480")
}

// ValidKeys returns every configuration key Load understands. Resource
// entries are a list, so only the top-level "resources" key is listed.
func ValidKeys() map[string]bool {
	keys := map[string]bool{
		"storage.type":                 true,
		"storage.path":                 true,
		"storage.lock_timeout":         true,
		"storage.redis.host":           true,
		"storage.redis.port":           true,
		"storage.redis.password":       true,
		"storage.redis.db":             true,
		"storage.redis.pool_size":      true,
		"storage.redis.min_idle_conns": true,
		"storage.redis.dial_timeout":   true,
		"storage.redis.read_timeout":   true,
		"storage.redis.write_timeout":  true,
		"storage.redis.key_prefix":     true,

		"logging.level":  true,
		"logging.format": true,

		"monitor.tick_minutes": true,
		"monitor.log_level":    true,

		"enforcement.reconcile_interval":       true,
		"enforcement.daily_reset_time":         true,
		"enforcement.max_override_minutes":     true,
		"enforcement.default_override_minutes": true,
		"enforcement.watch_store":              true,

		"policy.engine":         true,
		"policy.opa_policy_dir": true,

		"restriction.mechanism":            true,
		"restriction.dns.listen":           true,
		"restriction.dns.upstream_servers": true,
		"restriction.dns.block_ttl":        true,
		"restriction.dns.upstream_timeout": true,
		"restriction.dns.cache_size":       true,

		"events.nats_url": true,

		"api.enabled": true,
		"api.listen":  true,

		"metrics.enabled": true,
		"metrics.listen":  true,

		"resources": true,
	}
	return keys
}

// ReconcileEvery returns the parsed periodic reconciliation interval.
func (c EnforcementConfig) ReconcileEvery() time.Duration {
	d, err := time.ParseDuration(c.ReconcileInterval)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// validate validates the configuration
func validate(cfg *Config) error {
	switch cfg.Storage.Type {
	case "sqlite", "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for %s storage", cfg.Storage.Type)
		}
	case "redis", "memory":
	case "":
		cfg.Storage.Type = "sqlite"
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	if _, err := time.ParseDuration(cfg.Storage.LockTimeout); err != nil {
		return fmt.Errorf("invalid storage lock_timeout: %w", err)
	}

	if cfg.Monitor.TickMinutes < 1 {
		return fmt.Errorf("monitor tick_minutes must be at least 1, got %d", cfg.Monitor.TickMinutes)
	}

	if d, err := time.ParseDuration(cfg.Enforcement.ReconcileInterval); err != nil || d <= 0 {
		return fmt.Errorf("invalid reconcile_interval: %q", cfg.Enforcement.ReconcileInterval)
	}
	if _, err := time.Parse("15:04", cfg.Enforcement.DailyResetTime); err != nil {
		return fmt.Errorf("invalid daily_reset_time %q (expected HH:MM)", cfg.Enforcement.DailyResetTime)
	}
	if cfg.Enforcement.MaxOverrideMinutes < 1 {
		return fmt.Errorf("max_override_minutes must be at least 1, got %d", cfg.Enforcement.MaxOverrideMinutes)
	}
	if cfg.Enforcement.DefaultOverrideMinutes < 1 || cfg.Enforcement.DefaultOverrideMinutes > cfg.Enforcement.MaxOverrideMinutes {
		return fmt.Errorf("default_override_minutes must be between 1 and %d, got %d",
			cfg.Enforcement.MaxOverrideMinutes, cfg.Enforcement.DefaultOverrideMinutes)
	}

	switch cfg.Policy.Engine {
	case "builtin", "opa":
	default:
		return fmt.Errorf("unsupported policy engine: %s", cfg.Policy.Engine)
	}

	switch cfg.Restriction.Mechanism {
	case "none", "log":
	case "dns":
		if len(cfg.Restriction.DNS.UpstreamServers) == 0 {
			return fmt.Errorf("at least one upstream DNS server is required")
		}
	default:
		return fmt.Errorf("unsupported restriction mechanism: %s", cfg.Restriction.Mechanism)
	}

	seen := make(map[string]bool, len(cfg.Resources))
	for i, res := range cfg.Resources {
		name := strings.ToLower(strings.TrimSpace(res.Name))
		if name == "" {
			return fmt.Errorf("resource %d has no name", i)
		}
		if seen[name] {
			return fmt.Errorf("duplicate resource: %s", res.Name)
		}
		seen[name] = true
		if res.DailyMinutes < 0 {
			return fmt.Errorf("resource %s: daily_minutes cannot be negative", res.Name)
		}
	}

	return nil
}

func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	// SetConfigFile with a missing path reports a plain fs error.
	return errors.Is(err, fs.ErrNotExist)
}

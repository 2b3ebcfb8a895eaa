// Package config loads query-proxy configuration from a file and
// QUERYCACHE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/Sternrassler/querycache/pkg/logging"
)

// EnvPrefix is the prefix of every environment override,
// e.g. QUERYCACHE_REDIS_ADDR for redis.addr.
const EnvPrefix = "QUERYCACHE"

// Config is the full proxy configuration.
type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Upstream  UpstreamConfig `mapstructure:"upstream"`
	Cache     CacheConfig    `mapstructure:"cache"`
	Redis     RedisConfig    `mapstructure:"redis"`
	Log       LogConfig      `mapstructure:"log"`
	Resources []string       `mapstructure:"resources"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// UpstreamConfig configures the remote API the proxy reads through.
type UpstreamConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	// MaxValidators bounds the ETag/Last-Modified validators kept for
	// conditional revalidation; negative disables them.
	MaxValidators  int           `mapstructure:"max_validators"`
}

// CacheConfig configures the in-memory store and coordinators.
type CacheConfig struct {
	DefaultTTL           time.Duration `mapstructure:"default_ttl"`
	ListTTL              time.Duration `mapstructure:"list_ttl"`
	JanitorInterval      time.Duration `mapstructure:"janitor_interval"`
	PageSize             int           `mapstructure:"page_size"`
	PrefetchPages        int           `mapstructure:"prefetch_pages"`
	StaleWhileRevalidate bool          `mapstructure:"stale_while_revalidate"`
	CoalesceFetches      bool          `mapstructure:"coalesce_fetches"`
	DiscardSuperseded    bool          `mapstructure:"discard_superseded"`
}

// RedisConfig configures the optional shared second-level cache.
type RedisConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	KeyPrefix      string        `mapstructure:"key_prefix"`
	StaleRetention time.Duration `mapstructure:"stale_retention"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Upstream: UpstreamConfig{
			UserAgent:      "querycache-proxy/1.0",
			Timeout:        30 * time.Second,
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxValidators:  1024,
		},
		Cache: CacheConfig{
			DefaultTTL:           5 * time.Minute,
			ListTTL:              2 * time.Minute,
			JanitorInterval:      time.Minute,
			PageSize:             20,
			PrefetchPages:        0,
			StaleWhileRevalidate: true,
			CoalesceFetches:      true,
			DiscardSuperseded:    false,
		},
		Redis: RedisConfig{
			Enabled:        false,
			Addr:           "localhost:6379",
			KeyPrefix:      "querycache:",
			StaleRetention: 10 * time.Minute,
			Timeout:        500 * time.Millisecond,
		},
		Log: LogConfig{
			Level: string(logging.LevelInfo),
		},
	}
}

// Validate checks the configuration for values the proxy cannot run with.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	} else if u, err := url.Parse(c.Upstream.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("upstream.base_url must be an http(s) url (got %q)", c.Upstream.BaseURL))
	}
	if c.Upstream.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("upstream.max_attempts must be >= 1 (got %d)", c.Upstream.MaxAttempts))
	}
	if c.Cache.DefaultTTL <= 0 {
		errs = append(errs, errors.New("cache.default_ttl must be positive"))
	}
	if c.Cache.ListTTL <= 0 {
		errs = append(errs, errors.New("cache.list_ttl must be positive"))
	}
	if c.Cache.PageSize < 1 || c.Cache.PageSize > 1000 {
		errs = append(errs, fmt.Errorf("cache.page_size must be in [1, 1000] (got %d)", c.Cache.PageSize))
	}
	if c.Cache.PrefetchPages < 0 {
		errs = append(errs, errors.New("cache.prefetch_pages must not be negative"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error", "disabled", "off", "none":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not a known level", c.Log.Level))
	}

	return errors.Join(errs...)
}

// AllowsResource reports whether the proxy may serve resource.
// An empty Resources list allows every resource.
func (c Config) AllowsResource(resource string) bool {
	if len(c.Resources) == 0 {
		return true
	}
	for _, r := range c.Resources {
		if r == resource {
			return true
		}
	}
	return false
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (Config, error) {
	return NewLoader(path).Load()
}

// Loader reads and watches one configuration source.
type Loader struct {
	path   string
	v      *viper.Viper
	logger zerolog.Logger

	mu sync.Mutex
}

// NewLoader creates a loader for path. An empty path searches for
// querycache.{yaml,toml,json} in ./configs and the working directory and
// falls back to defaults and environment when none exists.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("querycache")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	return &Loader{
		path:   path,
		v:      v,
		logger: logging.NewLogger("config"),
	}
}

// Load reads the file, applies the environment and validates the result.
func (l *Loader) Load() (Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.path == "" && errors.As(err, &notFound) {
			l.logger.Debug().Msg("No config file found, using defaults and environment")
		} else {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		l.logger.Info().Str("path", l.v.ConfigFileUsed()).Msg("Using config file")
	}

	return l.decode()
}

// Watch reloads the configuration whenever the file changes and passes
// every valid result to onChange. Invalid reloads are logged and skipped.
func (l *Loader) Watch(onChange func(Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()

		if err != nil {
			l.logger.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid config change")
			return
		}
		l.logger.Info().Str("file", e.Name).Msg("Config reloaded")
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides are applied
// even when the file does not mention them.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("upstream.base_url", d.Upstream.BaseURL)
	v.SetDefault("upstream.user_agent", d.Upstream.UserAgent)
	v.SetDefault("upstream.timeout", d.Upstream.Timeout)
	v.SetDefault("upstream.max_attempts", d.Upstream.MaxAttempts)
	v.SetDefault("upstream.initial_backoff", d.Upstream.InitialBackoff)
	v.SetDefault("upstream.max_validators", d.Upstream.MaxValidators)

	v.SetDefault("cache.default_ttl", d.Cache.DefaultTTL)
	v.SetDefault("cache.list_ttl", d.Cache.ListTTL)
	v.SetDefault("cache.janitor_interval", d.Cache.JanitorInterval)
	v.SetDefault("cache.page_size", d.Cache.PageSize)
	v.SetDefault("cache.prefetch_pages", d.Cache.PrefetchPages)
	v.SetDefault("cache.stale_while_revalidate", d.Cache.StaleWhileRevalidate)
	v.SetDefault("cache.coalesce_fetches", d.Cache.CoalesceFetches)
	v.SetDefault("cache.discard_superseded", d.Cache.DiscardSuperseded)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)
	v.SetDefault("redis.stale_retention", d.Redis.StaleRetention)
	v.SetDefault("redis.timeout", d.Redis.Timeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)

	v.SetDefault("resources", d.Resources)
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar names a YAML config file to load before the environment.
const ConfigPathEnvVar = "CONFIG_PATH"

// EnvPrefix prefixes every environment override. Nested keys are separated
// by a double underscore: PLEBBIT_FEEDS_FETCH__RPC_URL sets fetch.rpc_url.
const EnvPrefix = "PLEBBIT_FEEDS_"

// DefaultConfigPaths are tried in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/plebbit-feeds/config.yaml",
}

// Transports and cache backends.
const (
	TransportRPC     = "rpc"
	TransportGateway = "gateway"

	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Config holds all configuration for the application.
type Config struct {
	// Port is the HTTP server port.
	Port int `koanf:"port"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	Fetch FetchConfig `koanf:"fetch"`
	Cache CacheConfig `koanf:"cache"`
	Feeds FeedsConfig `koanf:"feeds"`
}

// FetchConfig selects how content is fetched.
type FetchConfig struct {
	// Transport is "rpc" (plebbit RPC websocket) or "gateway" (IPFS HTTP gateway).
	Transport  string `koanf:"transport"`
	RPCURL     string `koanf:"rpc_url"`
	GatewayURL string `koanf:"gateway_url"`

	// Timeout bounds a single gateway request.
	Timeout time.Duration `koanf:"timeout"`

	// BreakerTimeout is how long an open circuit waits before probing again.
	BreakerTimeout time.Duration `koanf:"breaker_timeout"`

	RetryInitialInterval time.Duration `koanf:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `koanf:"retry_max_interval"`
}

// CacheConfig selects where page caches live.
type CacheConfig struct {
	Backend string `koanf:"backend"`

	// Path is the sqlite file or the badger directory.
	Path string `koanf:"path"`

	// PageSize bounds the page and source caches, AuthorSize the author
	// comment cache. Each cache keeps up to about twice its size.
	PageSize   int `koanf:"page_size"`
	AuthorSize int `koanf:"author_size"`
}

// FeedsConfig tunes feed windowing and lists feeds to register at startup.
type FeedsConfig struct {
	PageSize        int           `koanf:"page_size"`
	RefillThreshold int           `koanf:"refill_threshold"`
	Debounce        time.Duration `koanf:"debounce"`

	// SortType and Communities describe the feed registered at startup.
	// No feed is registered when Communities is empty.
	SortType    string   `koanf:"sort_type"`
	Communities []string `koanf:"communities"`
}

func defaultConfig() Config {
	return Config{
		Port:     3000,
		LogLevel: "info",
		Fetch: FetchConfig{
			Transport:            TransportRPC,
			RPCURL:               "ws://localhost:9138",
			GatewayURL:           "https://ipfs.io",
			Timeout:              30 * time.Second,
			BreakerTimeout:       30 * time.Second,
			RetryInitialInterval: time.Second,
			RetryMaxInterval:     time.Minute,
		},
		Cache: CacheConfig{
			Backend:    BackendMemory,
			Path:       "plebbit-feeds.db",
			PageSize:   500,
			AuthorSize: 10000,
		},
		Feeds: FeedsConfig{
			PageSize:        25,
			RefillThreshold: 50,
			Debounce:        100 * time.Millisecond,
			SortType:        "hot",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// PLEBBIT_FEEDS_* environment variables, in increasing precedence.
func Load() (*Config, error) {
	return load(findConfigFile())
}

func load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := splitList(k, "feeds.communities"); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// splitList turns a comma separated string (as set from the environment)
// into a list.
func splitList(k *koanf.Koanf, path string) error {
	s, ok := k.Get(path).(string)
	if !ok {
		return nil
	}
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if err := k.Set(path, items); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 1 and 65535, got %d", c.Port))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}

	switch c.Fetch.Transport {
	case TransportRPC:
		if c.Fetch.RPCURL == "" {
			errs = append(errs, errors.New("fetch.rpc_url is required for the rpc transport"))
		}
	case TransportGateway:
		if c.Fetch.GatewayURL == "" {
			errs = append(errs, errors.New("fetch.gateway_url is required for the gateway transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown fetch transport %q", c.Fetch.Transport))
	}

	switch c.Cache.Backend {
	case BackendMemory:
	case BackendSQLite, BackendBadger:
		if c.Cache.Path == "" {
			errs = append(errs, fmt.Errorf("cache.path is required for the %s backend", c.Cache.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}
	if c.Cache.PageSize <= 0 || c.Cache.AuthorSize <= 0 {
		errs = append(errs, errors.New("cache sizes must be positive"))
	}

	if c.Feeds.PageSize <= 0 {
		errs = append(errs, errors.New("feeds.page_size must be positive"))
	}
	if c.Feeds.RefillThreshold < 0 {
		errs = append(errs, errors.New("feeds.refill_threshold must not be negative"))
	}

	return errors.Join(errs...)
}

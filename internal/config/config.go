// Package config loads the PCE server configuration from YAML, applies
// defaults and environment overrides, and validates the result.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/signalsfoundry/pce-controller/internal/kv"
	"github.com/signalsfoundry/pce-controller/internal/logging"
	"github.com/signalsfoundry/pce-controller/internal/observability"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root of the server configuration file.
type Config struct {
	Log     LogConfig      `yaml:"log"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Tracing TracingConfig  `yaml:"tracing"`
	Store   StoreConfig    `yaml:"store"`
	PCE     PCEConfig      `yaml:"pce"`
	Peers   []PeerPolicy   `yaml:"peers"`
	Domains []DomainConfig `yaml:"domains"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type StoreConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
	// Retries bounds optimistic-concurrency attempts per store operation.
	Retries int `yaml:"retries"`
	// LsrIDTTL expires idle LSR-id index entries; zero keeps them forever.
	LsrIDTTL time.Duration `yaml:"lsr_id_ttl"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// PCEConfig identifies this PCE and sets the timers proposed to peers that
// no policy covers.
type PCEConfig struct {
	Address   string `yaml:"address"`
	ASNumber  uint32 `yaml:"as_number"`
	Keepalive uint8  `yaml:"keepalive"`
	DeadTime  uint8  `yaml:"dead_time"`
}

// PeerPolicy applies to every peer whose address falls inside Prefix.
type PeerPolicy struct {
	Prefix    string `yaml:"prefix"`
	Keepalive uint8  `yaml:"keepalive"`
	DeadTime  uint8  `yaml:"dead_time"`
	LabelSync bool   `yaml:"label_sync"`
	Deny      bool   `yaml:"deny"`
}

type DomainConfig struct {
	ASNumber uint32 `yaml:"as_number"`
	Address  string `yaml:"address"`
}

// Default returns a configuration usable without a file: in-memory store,
// metrics on :9090, standard PCEP timers.
func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Addr: ":9090"},
		Tracing: TracingConfig{Exporter: "stdout", ServiceName: "pce-server", SampleRatio: 1},
		Store:   StoreConfig{Backend: BackendMemory, Retries: kv.DefaultRetries},
		PCE:     PCEConfig{Keepalive: 30, DeadTime: 120},
	}
}

// Load reads path, layers it over Default, applies environment overrides
// and validates. An empty path loads only defaults and environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.DisallowUnknownField()); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	// PCE_TRACING_ENABLED switches the whole tracing section to the
	// environment.
	if os.Getenv("PCE_TRACING_ENABLED") != "" {
		t := observability.TracingConfigFromEnv()
		cfg.Tracing = TracingConfig{
			Enabled:     t.Enabled,
			Exporter:    t.Exporter,
			Endpoint:    t.Endpoint,
			ServiceName: t.ServiceName,
			SampleRatio: t.SampleRatio,
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates; environment is ignored.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.DisallowUnknownField()); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("PCE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("PCE_STORE_BACKEND"); v != "" {
		c.Store.Backend = strings.ToLower(v)
	}
	if v := getenv("PCE_REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := getenv("PCE_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("%w: store.redis.addr is required for the redis backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalid, c.Store.Backend)
	}
	if c.Store.Retries < 0 {
		return fmt.Errorf("%w: store.retries must not be negative", ErrInvalid)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("%w: tracing.sample_ratio must be within [0,1]", ErrInvalid)
	}
	if c.PCE.Address != "" {
		if _, err := netip.ParseAddr(c.PCE.Address); err != nil {
			return fmt.Errorf("%w: pce.address: %v", ErrInvalid, err)
		}
	}
	if err := checkTimers("pce", c.PCE.Keepalive, c.PCE.DeadTime); err != nil {
		return err
	}
	for i, p := range c.Peers {
		if _, err := netip.ParsePrefix(p.Prefix); err != nil {
			return fmt.Errorf("%w: peers[%d].prefix: %v", ErrInvalid, i, err)
		}
		if err := checkTimers(fmt.Sprintf("peers[%d]", i), p.Keepalive, p.DeadTime); err != nil {
			return err
		}
	}
	seen := make(map[uint32]struct{}, len(c.Domains))
	for i, d := range c.Domains {
		if _, err := netip.ParseAddr(d.Address); err != nil {
			return fmt.Errorf("%w: domains[%d].address: %v", ErrInvalid, i, err)
		}
		if _, dup := seen[d.ASNumber]; dup {
			return fmt.Errorf("%w: domains[%d]: AS %d listed twice", ErrInvalid, i, d.ASNumber)
		}
		seen[d.ASNumber] = struct{}{}
	}
	return nil
}

// checkTimers rejects a keepalive that is not shorter than the dead time.
// Zero disables a timer and is always accepted.
func checkTimers(where string, keepalive, dead uint8) error {
	if keepalive != 0 && dead != 0 && keepalive >= dead {
		return fmt.Errorf("%w: %s keepalive %ds must be shorter than dead time %ds", ErrInvalid, where, keepalive, dead)
	}
	return nil
}

// LoggingConfig converts the log section for logging.New.
func (c Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:     c.Log.Level,
		Format:    c.Log.Format,
		File:      c.Log.File,
		AddSource: true,
	}
}

// TracingConfig converts the tracing section for observability.InitTracing.
func (c Config) TracingConfig() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		ServiceName: c.Tracing.ServiceName,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		SampleRatio: c.Tracing.SampleRatio,
	}
}

// RedisConfig converts the redis section for kv.NewRedis.
func (c Config) RedisConfig() kv.RedisConfig {
	return kv.RedisConfig{
		Addr:     c.Store.Redis.Addr,
		Password: c.Store.Redis.Password,
		DB:       c.Store.Redis.DB,
		Prefix:   c.Store.Redis.Prefix,
	}
}

// Package config loads process settings from defaults, an optional YAML
// file, WASTELINK_* environment variables and command-line flags, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the full set of process settings.
type Config struct {
	HTTPAddr     string        `yaml:"http_addr"`
	GRPCAddr     string        `yaml:"grpc_addr"`
	PostgresDSN  string        `yaml:"postgres_dsn"`
	SeedFile     string        `yaml:"seed_file"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`

	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Websocket     WebsocketConfig     `yaml:"websocket"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type AuthConfig struct {
	AccessSecret  string        `yaml:"access_secret"`
	RefreshSecret string        `yaml:"refresh_secret"`
	AccessTTL     time.Duration `yaml:"access_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl"`
}

// RateLimitConfig bounds HTTP requests per client IP.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type WebsocketConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	EventsPerSec   float64  `yaml:"events_per_sec"`
	EventBurst     int      `yaml:"event_burst"`
	Buffer         int      `yaml:"buffer"`
}

type NotificationsConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		HTTPAddr:     ":8080",
		GRPCAddr:     ":9090",
		MaxBodyBytes: 1 << 20,
		ShutdownWait: 10 * time.Second,
		Auth: AuthConfig{
			AccessTTL:  7 * 24 * time.Hour,
			RefreshTTL: 30 * 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{PerSecond: 20, Burst: 40},
		Websocket: WebsocketConfig{EventsPerSec: 10, EventBurst: 20, Buffer: 64},
		Notifications: NotificationsConfig{
			TTL:             30 * 24 * time.Hour,
			JanitorInterval: time.Hour,
			Workers:         4,
			QueueSize:       1024,
		},
	}
}

// Load reads configuration for args using the process environment.
func Load(args []string) (Config, error) {
	return LoadWith(args, os.Getenv)
}

// LoadWith is Load with an injectable environment lookup.
func LoadWith(args []string, getenv func(string) string) (Config, error) {
	cfg := Default()

	fs := pflag.NewFlagSet("wastelink-api", pflag.ContinueOnError)
	path := fs.String("config", getenv("WASTELINK_CONFIG"), "YAML config file")
	httpAddr := fs.String("http-addr", cfg.HTTPAddr, "HTTP and websocket listen address")
	grpcAddr := fs.String("grpc-addr", cfg.GRPCAddr, "gRPC health listen address")
	dsn := fs.String("pg-dsn", "", "PostgreSQL DSN; empty runs on in-memory stores")
	seed := fs.String("seed", "", "YAML accounts and reports loaded into the in-memory stores")
	accessTTL := fs.Duration("access-ttl", cfg.Auth.AccessTTL, "access token lifetime")
	refreshTTL := fs.Duration("refresh-ttl", cfg.Auth.RefreshTTL, "refresh token lifetime")
	origins := fs.StringSlice("ws-origins", nil, "allowed websocket origin patterns")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *path != "" {
		raw, err := os.ReadFile(*path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", *path, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "http-addr":
			cfg.HTTPAddr = *httpAddr
		case "grpc-addr":
			cfg.GRPCAddr = *grpcAddr
		case "pg-dsn":
			cfg.PostgresDSN = *dsn
		case "seed":
			cfg.SeedFile = *seed
		case "access-ttl":
			cfg.Auth.AccessTTL = *accessTTL
		case "refresh-ttl":
			cfg.Auth.RefreshTTL = *refreshTTL
		case "ws-origins":
			cfg.Websocket.AllowedOrigins = *origins
		}
	})

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}

	str("WASTELINK_HTTP_ADDR", &cfg.HTTPAddr)
	str("WASTELINK_GRPC_ADDR", &cfg.GRPCAddr)
	str("WASTELINK_PG_DSN", &cfg.PostgresDSN)
	str("WASTELINK_SEED_FILE", &cfg.SeedFile)
	str("WASTELINK_ACCESS_SECRET", &cfg.Auth.AccessSecret)
	str("WASTELINK_REFRESH_SECRET", &cfg.Auth.RefreshSecret)
	dur("WASTELINK_ACCESS_TTL", &cfg.Auth.AccessTTL)
	dur("WASTELINK_REFRESH_TTL", &cfg.Auth.RefreshTTL)
	dur("WASTELINK_NOTIFICATION_TTL", &cfg.Notifications.TTL)
	dur("WASTELINK_JANITOR_INTERVAL", &cfg.Notifications.JanitorInterval)
	dur("WASTELINK_SHUTDOWN_WAIT", &cfg.ShutdownWait)
	num("WASTELINK_NOTIFY_WORKERS", &cfg.Notifications.Workers)
	num("WASTELINK_NOTIFY_QUEUE", &cfg.Notifications.QueueSize)
	num("WASTELINK_RATE_LIMIT_BURST", &cfg.RateLimit.Burst)
	float("WASTELINK_RATE_LIMIT_RPS", &cfg.RateLimit.PerSecond)
	float("WASTELINK_WS_EVENTS_PER_SEC", &cfg.Websocket.EventsPerSec)
	num("WASTELINK_WS_EVENT_BURST", &cfg.Websocket.EventBurst)
	if v := strings.TrimSpace(getenv("WASTELINK_MAX_BODY_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("WASTELINK_MAX_BODY_BYTES: %w", err))
		} else {
			cfg.MaxBodyBytes = n
		}
	}
	if v := strings.TrimSpace(getenv("WASTELINK_WS_ORIGINS")); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.Websocket.AllowedOrigins = origins
	}
	return errors.Join(errs...)
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Auth.AccessSecret == "" || c.Auth.RefreshSecret == "" {
		errs = append(errs, errors.New("access and refresh secrets are required"))
	}
	if c.Auth.AccessSecret != "" && c.Auth.AccessSecret == c.Auth.RefreshSecret {
		errs = append(errs, errors.New("access and refresh secrets must differ"))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if c.SeedFile != "" && c.PostgresDSN != "" {
		errs = append(errs, errors.New("seed file applies to in-memory stores only; seed postgres with cmd/migrate"))
	}
	if c.Notifications.TTL <= 0 {
		errs = append(errs, errors.New("notification TTL must be positive"))
	}
	if c.Notifications.JanitorInterval <= 0 {
		errs = append(errs, errors.New("janitor interval must be positive"))
	}
	if c.Notifications.Workers <= 0 || c.Notifications.QueueSize <= 0 {
		errs = append(errs, errors.New("notification workers and queue size must be positive"))
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max body bytes must be positive"))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	return errors.Join(errs...)
}

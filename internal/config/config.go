package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override, e.g. CHATCORE_DATABASE_URL
// sets database.url.
const EnvPrefix = "CHATCORE_"

type Config struct {
	App struct {
		Name string `koanf:"name"`
		Env  string `koanf:"env"`
	} `koanf:"app"`

	HTTP struct {
		Host        string   `koanf:"host"`
		Port        int      `koanf:"port"`
		CORSOrigins []string `koanf:"cors_origins"`
	} `koanf:"http"`

	Database struct {
		Driver string `koanf:"driver"` // postgres or sqlite
		URL    string `koanf:"url"`
	} `koanf:"database"`

	Redis struct {
		Addr     string `koanf:"addr"`
		Password string `koanf:"password"`
		DB       int    `koanf:"db"`
	} `koanf:"redis"`

	// Gateway is the realtime gateway: URL is where the API posts events,
	// Addr is where the gateway binary listens.
	Gateway struct {
		URL     string        `koanf:"url"`
		Addr    string        `koanf:"addr"`
		Token   string        `koanf:"token"`
		Timeout time.Duration `koanf:"timeout"`
		Origins []string      `koanf:"origins"`
	} `koanf:"gateway"`

	Notify struct {
		URL     string        `koanf:"url"`
		Timeout time.Duration `koanf:"timeout"`
	} `koanf:"notify"`

	Auth struct {
		Secret string        `koanf:"secret"`
		TTL    time.Duration `koanf:"ttl"`
	} `koanf:"auth"`

	Crypto struct {
		Key string `koanf:"key"`
	} `koanf:"crypto"`

	Schedule struct {
		InviteExpiry time.Duration `koanf:"invite_expiry"`
		InitExpiry   time.Duration `koanf:"init_expiry"`
		// Workers is the River worker count; 0 only inserts jobs.
		Workers int `koanf:"workers"`
	} `koanf:"schedule"`

	Async struct {
		QueueSize int           `koanf:"queue_size"`
		Timeout   time.Duration `koanf:"timeout"`
	} `koanf:"async"`

	Log struct {
		Level  string `koanf:"level"`
		Pretty bool   `koanf:"pretty"`
	} `koanf:"log"`

	Timeline struct {
		DefaultPage int `koanf:"default_page"`
		MaxPage     int `koanf:"max_page"`
	} `koanf:"timeline"`
}

func defaults() map[string]any {
	return map[string]any{
		"app.name":               "chatcore",
		"app.env":                "development",
		"http.host":              "0.0.0.0",
		"http.port":              8000,
		"http.cors_origins":      []string{"http://localhost:3000", "http://localhost:5173"},
		"database.driver":        "sqlite",
		"database.url":           "file:chatcore.db",
		"redis.addr":             "localhost:6379",
		"gateway.url":            "http://localhost:8100",
		"gateway.addr":           ":8100",
		"gateway.timeout":        "5s",
		"notify.timeout":         "5s",
		"auth.ttl":               "24h",
		"schedule.invite_expiry": "720h",
		"schedule.init_expiry":   "72h",
		"schedule.workers":       4,
		"async.queue_size":       1024,
		"async.timeout":          "10s",
		"log.level":              "info",
		"timeline.default_page":  30,
		"timeline.max_page":      100,
	}
}

// Load layers defaults, an optional TOML file and CHATCORE_* environment
// variables, in that order.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		if _, err := os.Stat("chatcore.toml"); err == nil {
			path = "chatcore.toml"
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// envKey maps CHATCORE_SCHEDULE_INVITE_EXPIRY to schedule.invite_expiry:
// only the first underscore separates the section.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "_", ".", 1)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}
	if c.Crypto.Key == "" {
		errs = append(errs, errors.New("crypto.key is required"))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Timeline.DefaultPage <= 0 || c.Timeline.MaxPage < c.Timeline.DefaultPage {
		errs = append(errs, errors.New("timeline page sizes are inconsistent"))
	}
	return errors.Join(errs...)
}

// Addr returns host:port for the API server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

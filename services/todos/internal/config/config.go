// Package config loads the todos server configuration: defaults, then an
// optional TOML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	AuthModeRemote = "remote"
	AuthModeLocal  = "local"

	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Auth     AuthConfig     `toml:"auth"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Port            string   `toml:"port"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
}

type DatabaseConfig struct {
	Driver      string `toml:"driver"`
	URL         string `toml:"url"`
	MaxConns    int32  `toml:"max_conns"`
	AutoMigrate bool   `toml:"auto_migrate"`
}

// AuthConfig selects exactly one verification strategy per deployment.
// "remote" asks the identity provider about every token; "local" checks
// HS256 signatures against the provider's shared JWT secret.
type AuthConfig struct {
	Mode            string   `toml:"mode"`
	IdentityURL     string   `toml:"identity_url"`
	IdentityAPIKey  string   `toml:"identity_api_key"`
	IdentityTimeout Duration `toml:"identity_timeout"`
	JWTSecret       string   `toml:"jwt_secret"`
	JWTAudience     string   `toml:"jwt_audience"`
	JWTIssuer       string   `toml:"jwt_issuer"`
	JWTLeeway       Duration `toml:"jwt_leeway"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration decodes TOML strings such as "15s".
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     Duration{15 * time.Second},
			WriteTimeout:    Duration{15 * time.Second},
			ShutdownTimeout: Duration{10 * time.Second},
			CORSOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{Driver: DriverPostgres, MaxConns: 10},
		Auth: AuthConfig{
			Mode:            AuthModeRemote,
			IdentityTimeout: Duration{10 * time.Second},
			JWTAudience:     "authenticated",
			JWTLeeway:       Duration{30 * time.Second},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads TODOLANE_CONFIG (if set) and the environment through getenv.
func Load(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()
	if path := strings.TrimSpace(getenv("TODOLANE_CONFIG")); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
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
	str("SERVICE_PORT", &cfg.Server.Port)
	str("DATABASE_URL", &cfg.Database.URL)
	str("DB_DRIVER", &cfg.Database.Driver)
	str("AUTH_MODE", &cfg.Auth.Mode)
	str("IDENTITY_URL", &cfg.Auth.IdentityURL)
	str("IDENTITY_API_KEY", &cfg.Auth.IdentityAPIKey)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("JWT_AUDIENCE", &cfg.Auth.JWTAudience)
	str("JWT_ISSUER", &cfg.Auth.JWTIssuer)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	if v := strings.TrimSpace(getenv("CORS_ORIGINS")); v != "" {
		cfg.Server.CORSOrigins = splitCSV(v)
	}
	if v := strings.TrimSpace(getenv("DB_AUTO_MIGRATE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DB_AUTO_MIGRATE: %w", err)
		}
		cfg.Database.AutoMigrate = b
	}
	if v := strings.TrimSpace(getenv("DB_MAX_CONNS")); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("DB_MAX_CONNS: %w", err)
		}
		cfg.Database.MaxConns = int32(n)
	}
	for key, dst := range map[string]*Duration{
		"IDENTITY_TIMEOUT": &cfg.Auth.IdentityTimeout,
		"JWT_LEEWAY":       &cfg.Auth.JWTLeeway,
	} {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		dst.Duration = d
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Port) == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	switch c.Database.Driver {
	case DriverPostgres:
		if strings.TrimSpace(c.Database.URL) == "" {
			errs = append(errs, errors.New("database.url (DATABASE_URL) is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of postgres, memory", c.Database.Driver))
	}
	switch c.Auth.Mode {
	case AuthModeRemote:
		if strings.TrimSpace(c.Auth.IdentityURL) == "" {
			errs = append(errs, errors.New("auth.identity_url (IDENTITY_URL) is required for remote auth"))
		}
		if strings.TrimSpace(c.Auth.JWTSecret) != "" {
			errs = append(errs, errors.New("auth.jwt_secret must not be set for remote auth"))
		}
	case AuthModeLocal:
		if len(strings.TrimSpace(c.Auth.JWTSecret)) < 32 {
			errs = append(errs, errors.New("auth.jwt_secret (JWT_SECRET) must be at least 32 characters for local auth"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q is not one of remote, local", c.Auth.Mode))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, text", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return lvl, nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

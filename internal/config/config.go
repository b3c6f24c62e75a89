// Package config loads the authd server configuration from an optional YAML or .env file
// and AUTHD_* environment variables using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/edulab/authcore"
	"github.com/spf13/viper"
)

// Config is the authd server configuration. Nested keys map to environment variables by
// upper-casing and replacing dots with underscores: redis.url is AUTHD_REDIS_URL.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	Cookie   CookieConfig   `mapstructure:"cookie"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Renewal  RenewalConfig  `mapstructure:"renewal"`
	Log      LogConfig      `mapstructure:"log"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	DevUser  DevUserConfig  `mapstructure:"dev_user"`
}

type HTTPConfig struct {
	// Addr is the listen address (e.g. :8080).
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	// Backend selects where refresh tokens and sessions live: "redis" or "postgres".
	Backend string `mapstructure:"backend"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type DatabaseConfig struct {
	// URL is the Postgres DSN. Required for the postgres backend and for the user table.
	URL         string `mapstructure:"url"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type CookieConfig struct {
	Secure bool   `mapstructure:"secure"`
	Domain string `mapstructure:"domain"`
}

type JWTConfig struct {
	// Secret is the HS256 signing key, at least 32 bytes.
	Secret string `mapstructure:"secret"`
	// PrivateKeyFile and PublicKeyFile hold a raw or PEM Ed25519 key pair. Setting them
	// switches signing to EdDSA.
	PrivateKeyFile string `mapstructure:"private_key_file"`
	PublicKeyFile  string `mapstructure:"public_key_file"`
	KeyID          string `mapstructure:"key_id"`
	Issuer         string `mapstructure:"issuer"`
	Audience       string `mapstructure:"audience"`
	// AccessTTL and RefreshTTL are Go durations (e.g. "15m", "168h").
	AccessTTL  string        `mapstructure:"access_ttl"`
	RefreshTTL string        `mapstructure:"refresh_ttl"`
	Leeway     time.Duration `mapstructure:"leeway"`
}

type RenewalConfig struct {
	RaceGrace         time.Duration `mapstructure:"race_grace"`
	LogoutOnTransient bool          `mapstructure:"logout_on_transient"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Latency enables the validate and refresh latency histograms.
	Latency bool `mapstructure:"latency"`
	// LogInterval, when positive, writes the OpenTelemetry view of the counters to the log
	// at this interval.
	LogInterval time.Duration `mapstructure:"log_interval"`
	// Path serves the Prometheus text format. Empty disables it.
	Path string `mapstructure:"path"`
}

// DevUserConfig seeds one in-memory account when no database is configured.
type DevUserConfig struct {
	Identifier string `mapstructure:"identifier"`
	Password   string `mapstructure:"password"`
}

const envPrefix = "AUTHD"

// Load reads path (YAML or .env, chosen by extension) when it is non-empty, then applies
// AUTHD_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if strings.HasSuffix(path, ".env") {
			v.SetConfigType("env")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("storage.backend", "redis")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("database.url", "")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("cookie.secure", true)
	v.SetDefault("cookie.domain", "")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.private_key_file", "")
	v.SetDefault("jwt.public_key_file", "")
	v.SetDefault("jwt.key_id", "")
	v.SetDefault("jwt.issuer", "authcore")
	v.SetDefault("jwt.audience", "")
	v.SetDefault("jwt.access_ttl", "15m")
	v.SetDefault("jwt.refresh_ttl", "168h")
	v.SetDefault("jwt.leeway", 30*time.Second)
	v.SetDefault("renewal.race_grace", 10*time.Second)
	v.SetDefault("renewal.logout_on_transient", false)
	v.SetDefault("log.development", false)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.latency", false)
	v.SetDefault("metrics.log_interval", time.Duration(0))
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("dev_user.identifier", "")
	v.SetDefault("dev_user.password", "")
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("config: http.addr must be set")
	}
	switch c.Storage.Backend {
	case "redis":
		if c.Redis.URL == "" {
			return errors.New("config: redis.url must be set for the redis backend")
		}
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("config: database.url must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("config: storage.backend must be redis or postgres, got %q", c.Storage.Backend)
	}
	if c.JWT.Secret == "" && c.JWT.PrivateKeyFile == "" {
		return errors.New("config: jwt.secret or jwt.private_key_file must be set")
	}
	if c.JWT.PrivateKeyFile != "" && c.JWT.PublicKeyFile == "" {
		return errors.New("config: jwt.public_key_file must accompany jwt.private_key_file")
	}
	if c.Database.URL == "" && c.DevUser.Identifier == "" {
		return errors.New("config: database.url or dev_user.identifier must be set")
	}
	return nil
}

// AccessTTL parses JWT.AccessTTL. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	d, err := time.ParseDuration(c.JWT.AccessTTL)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// RefreshTTL parses JWT.RefreshTTL. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	d, err := time.ParseDuration(c.JWT.RefreshTTL)
	if err != nil || d <= 0 {
		return 168 * time.Hour
	}
	return d
}

// EngineConfig converts the server settings into an engine configuration, loading key
// files from disk.
func (c *Config) EngineConfig() (authcore.Config, error) {
	cfg := authcore.DefaultConfig()
	cfg.JWT.AccessTTL = c.AccessTTL()
	cfg.JWT.RefreshTTL = c.RefreshTTL()
	cfg.JWT.Issuer = c.JWT.Issuer
	cfg.JWT.Audience = c.JWT.Audience
	cfg.JWT.Leeway = c.JWT.Leeway
	cfg.JWT.KeyID = c.JWT.KeyID
	cfg.Renewal.RaceGrace = c.Renewal.RaceGrace
	cfg.Audit.Enabled = c.Audit.Enabled
	cfg.Metrics.Enabled = c.Metrics.Enabled
	cfg.Metrics.EnableLatencyHistograms = c.Metrics.Latency

	if c.JWT.PrivateKeyFile != "" {
		priv, err := os.ReadFile(c.JWT.PrivateKeyFile)
		if err != nil {
			return authcore.Config{}, fmt.Errorf("config: read private key: %w", err)
		}
		pub, err := os.ReadFile(c.JWT.PublicKeyFile)
		if err != nil {
			return authcore.Config{}, fmt.Errorf("config: read public key: %w", err)
		}
		cfg.JWT.SigningMethod = "ed25519"
		cfg.JWT.PrivateKey = priv
		cfg.JWT.PublicKey = pub
	} else {
		cfg.JWT.SigningMethod = "hs256"
		cfg.JWT.PrivateKey = []byte(c.JWT.Secret)
	}

	if c.Storage.Backend == "postgres" {
		// The refresh throttle is Redis only.
		cfg.Security.EnableRefreshThrottle = false
		cfg.Security.EnableLoginThrottle = false
	}

	return cfg, cfg.Validate()
}

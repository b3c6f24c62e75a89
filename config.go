package authcore

import (
	"errors"
	"time"
)

// Config is the complete engine configuration. Start from [DefaultConfig] and override
// what you need; [Builder.Build] calls [Config.Validate].
type Config struct {
	JWT      JWTConfig      `mapstructure:"jwt"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Session  SessionConfig  `mapstructure:"session"`
	Security SecurityConfig `mapstructure:"security"`
	Renewal  RenewalConfig  `mapstructure:"renewal"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig controls access-token signing and the refresh-token lifetime.
type JWTConfig struct {
	AccessTTL     time.Duration `mapstructure:"access_ttl"`
	RefreshTTL    time.Duration `mapstructure:"refresh_ttl"`
	SigningMethod string        `mapstructure:"signing_method"` // "hs256" (default) or "ed25519"
	PrivateKey    []byte        `mapstructure:"-"`
	PublicKey     []byte        `mapstructure:"-"`
	Issuer        string        `mapstructure:"issuer"`
	Audience      string        `mapstructure:"audience"`
	Leeway        time.Duration `mapstructure:"leeway"`
	KeyID         string        `mapstructure:"key_id"`
}

/*
====================================
LEDGER / SESSION CONFIG
====================================
*/

// LedgerConfig tunes the refresh token ledger.
type LedgerConfig struct {
	RedisPrefix string `mapstructure:"redis_prefix"`
	// Retention keeps expired rows readable so late replays are still recognized.
	Retention time.Duration `mapstructure:"retention"`
}

// SessionConfig tunes the session registry.
type SessionConfig struct {
	RedisPrefix      string        `mapstructure:"redis_prefix"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig holds the login and refresh throttles. Throttling needs a Redis client.
type SecurityConfig struct {
	EnableLoginThrottle     bool          `mapstructure:"enable_login_throttle"`
	EnableIPThrottle        bool          `mapstructure:"enable_ip_throttle"`
	EnableRefreshThrottle   bool          `mapstructure:"enable_refresh_throttle"`
	MaxLoginAttempts        int           `mapstructure:"max_login_attempts"`
	LoginCooldownDuration   time.Duration `mapstructure:"login_cooldown"`
	MaxRefreshAttempts      int           `mapstructure:"max_refresh_attempts"`
	RefreshCooldownDuration time.Duration `mapstructure:"refresh_cooldown"`
}

/*
====================================
RENEWAL CONFIG
====================================
*/

// RenewalConfig controls refresh rotation.
type RenewalConfig struct {
	// MaxRotateRetries is how often a rotation is retried after a transient store error.
	MaxRotateRetries int `mapstructure:"max_rotate_retries"`
	// RaceGrace is how recently a replayed token must have been rotated for the replay to
	// count as a concurrent-request race instead of theft. Zero disables the grace.
	RaceGrace time.Duration `mapstructure:"race_grace"`
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	BufferSize int  `mapstructure:"buffer_size"`
	DropIfFull bool `mapstructure:"drop_if_full"`
}

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled                 bool `mapstructure:"enabled"`
	EnableLatencyHistograms bool `mapstructure:"enable_latency_histograms"`
}

// DefaultConfig returns the production defaults: 15 minute access tokens, 7 day refresh
// tokens, one rotation retry and a 10 second race grace.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "hs256",
			Issuer:        "authcore",
		},
		Ledger: LedgerConfig{
			RedisPrefix: "rt",
			Retention:   7 * 24 * time.Hour,
		},
		Session: SessionConfig{
			RedisPrefix:      "sess",
			HistoryRetention: 30 * 24 * time.Hour,
		},
		Security: SecurityConfig{
			EnableLoginThrottle:     true,
			EnableIPThrottle:        false,
			EnableRefreshThrottle:   true,
			MaxLoginAttempts:        5,
			LoginCooldownDuration:   15 * time.Minute,
			MaxRefreshAttempts:      20,
			RefreshCooldownDuration: time.Minute,
		},
		Renewal: RenewalConfig{
			MaxRotateRetries: 1,
			RaceGrace:        10 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= 0 {
		return errors.New("JWT RefreshTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be longer than AccessTTL")
	}
	switch c.JWT.SigningMethod {
	case "hs256":
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 {
			return errors.New("ed25519 requires PrivateKey")
		}
		if len(c.JWT.PublicKey) == 0 {
			return errors.New("ed25519 requires PublicKey")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}

	// Ledger / Session
	if c.Ledger.Retention < 0 {
		return errors.New("Ledger Retention must be >= 0")
	}
	if c.Session.HistoryRetention < 0 {
		return errors.New("Session HistoryRetention must be >= 0")
	}

	// Security
	if c.Security.EnableLoginThrottle {
		if c.Security.MaxLoginAttempts <= 0 {
			return errors.New("Security MaxLoginAttempts must be > 0")
		}
		if c.Security.LoginCooldownDuration <= 0 {
			return errors.New("Security LoginCooldownDuration must be > 0")
		}
	}
	if c.Security.EnableRefreshThrottle {
		if c.Security.MaxRefreshAttempts <= 0 {
			return errors.New("Security MaxRefreshAttempts must be > 0")
		}
		if c.Security.RefreshCooldownDuration <= 0 {
			return errors.New("Security RefreshCooldownDuration must be > 0")
		}
	}

	// Renewal
	if c.Renewal.MaxRotateRetries < 0 || c.Renewal.MaxRotateRetries > 3 {
		return errors.New("Renewal MaxRotateRetries must be between 0 and 3")
	}
	if c.Renewal.RaceGrace < 0 || c.Renewal.RaceGrace > time.Minute {
		return errors.New("Renewal RaceGrace must be between 0 and 1m")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}

	return nil
}

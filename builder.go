package authcore

import (
	"errors"
	"time"

	"github.com/edulab/authcore/internal/rate"
	"github.com/edulab/authcore/jwt"
	"github.com/edulab/authcore/refresh"
	"github.com/edulab/authcore/session"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Builder assembles an [Engine]. A Builder is single use.
//
//	engine, err := authcore.New().
//		WithConfig(cfg).
//		WithRedis(rdb).
//		WithUserProvider(users).
//		Build()
type Builder struct {
	config Config
	logger *zap.Logger
	redis  redis.UniversalClient
	pg     refresh.DB

	ledger   refresh.Ledger
	sessions session.Registry

	userProvider UserProvider
	auditSink    AuditSink
	clock        func() time.Time

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithLogger sets the logger for best-effort failures. Defaults to zap.NewNop.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithRedis backs the ledger, the session registry and the throttles with Redis.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithPostgres backs the ledger and the session registry with Postgres. A *pgxpool.Pool
// satisfies db. Throttling still needs WithRedis.
func (b *Builder) WithPostgres(db refresh.DB) *Builder {
	b.pg = db
	return b
}

// WithLedger overrides the refresh token ledger chosen by WithRedis or WithPostgres.
func (b *Builder) WithLedger(l refresh.Ledger) *Builder {
	b.ledger = l
	return b
}

// WithSessionRegistry overrides the registry chosen by WithRedis or WithPostgres.
func (b *Builder) WithSessionRegistry(r session.Registry) *Builder {
	b.sessions = r
	return b
}

func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock overrides time.Now for the engine, its stores and the token issuer.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.userProvider == nil {
		return nil, errors.New("user provider required")
	}

	now := b.clock
	if now == nil {
		now = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// -------- STORES --------
	ledger, sessions := b.ledger, b.sessions
	if ledger == nil {
		switch {
		case b.redis != nil:
			ledger = refresh.NewRedisLedger(b.redis,
				refresh.WithClock(now),
				refresh.WithKeyPrefix(cfg.Ledger.RedisPrefix),
				refresh.WithRetention(cfg.Ledger.Retention),
			)
		case b.pg != nil:
			ledger = refresh.NewPostgresLedger(b.pg, refresh.WithClock(now))
		default:
			return nil, errors.New("refresh ledger required: use WithRedis, WithPostgres or WithLedger")
		}
	}
	if sessions == nil {
		switch {
		case b.redis != nil:
			sessions = session.NewRedisRegistry(b.redis,
				session.WithClock(now),
				session.WithKeyPrefix(cfg.Session.RedisPrefix),
				session.WithIdleTTL(cfg.JWT.RefreshTTL),
				session.WithHistoryRetention(cfg.Session.HistoryRetention),
			)
		case b.pg != nil:
			sessions = session.NewPostgresRegistry(b.pg, session.WithClock(now))
		default:
			return nil, errors.New("session registry required: use WithRedis, WithPostgres or WithSessionRegistry")
		}
	}

	// -------- TOKEN ISSUER --------
	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		Clock:         now,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:       cfg,
		jwtManager:   jm,
		ledger:       ledger,
		sessions:     sessions,
		userProvider: b.userProvider,
		redis:        b.redis,
		metrics:      NewMetrics(cfg.Metrics),
		logger:       logger,
		now:          now,
	}

	if p, ok := b.pg.(pinger); ok {
		engine.pg = p
	}

	sec := cfg.Security
	if b.redis != nil && (sec.EnableLoginThrottle || sec.EnableRefreshThrottle) {
		engine.rateLimiter = rate.New(b.redis, rate.Config{
			EnableLoginThrottle:     sec.EnableLoginThrottle,
			EnableIPThrottle:        sec.EnableIPThrottle,
			EnableRefreshThrottle:   sec.EnableRefreshThrottle,
			MaxLoginAttempts:        sec.MaxLoginAttempts,
			LoginCooldownDuration:   sec.LoginCooldownDuration,
			MaxRefreshAttempts:      sec.MaxRefreshAttempts,
			RefreshCooldownDuration: sec.RefreshCooldownDuration,
		})
	} else if sec.EnableLoginThrottle || sec.EnableRefreshThrottle {
		logger.Info("throttling disabled: no redis client")
	}

	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink, func(ev AuditEvent) {
		logger.Warn("audit event dropped", zap.String("event", ev.EventType), zap.String("user_id", ev.UserID))
	})

	b.built = true

	return engine, nil
}

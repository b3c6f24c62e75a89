package authcore

import (
	"context"
	"time"
)

// HealthStatus is an on-demand backend health result. Backends the engine was not
// built with report Configured=false.
type HealthStatus struct {
	Redis    BackendHealth `json:"redis"`
	Postgres BackendHealth `json:"postgres"`
}

// BackendHealth is the result of one ping.
type BackendHealth struct {
	Configured bool          `json:"configured"`
	Available  bool          `json:"available"`
	Latency    time.Duration `json:"latency"`
}

// Healthy reports whether every configured backend answered.
func (h HealthStatus) Healthy() bool {
	return (!h.Redis.Configured || h.Redis.Available) &&
		(!h.Postgres.Configured || h.Postgres.Available)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Health pings the storage backends.
func (e *Engine) Health(ctx context.Context) HealthStatus {
	var status HealthStatus
	if e == nil {
		return status
	}
	if e.redis != nil {
		start := time.Now()
		err := e.redis.Ping(ctx).Err()
		status.Redis = BackendHealth{Configured: true, Available: err == nil, Latency: time.Since(start)}
	}
	if e.pg != nil {
		start := time.Now()
		err := e.pg.Ping(ctx)
		status.Postgres = BackendHealth{Configured: true, Available: err == nil, Latency: time.Since(start)}
	}
	return status
}

// ActiveSessionCount returns how many sessions of userID are active.
func (e *Engine) ActiveSessionCount(ctx context.Context, userID string) (int, error) {
	if e == nil || e.sessions == nil {
		return 0, ErrEngineNotReady
	}
	if userID == "" {
		return 0, nil
	}
	list, err := e.sessions.ActiveForUser(ctx, userID)
	if err != nil {
		return 0, mapSessionError(err)
	}
	return len(list), nil
}

// LoginAttempts returns the failed-login count of identifier in the current window.
// It is zero when login throttling is off.
func (e *Engine) LoginAttempts(ctx context.Context, identifier string) (int, error) {
	if e == nil || e.rateLimiter == nil || identifier == "" {
		return 0, nil
	}
	n, err := e.rateLimiter.LoginAttempts(ctx, identifier)
	if err != nil {
		return 0, mapThrottleError(err)
	}
	return n, nil
}

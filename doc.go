// Package authcore issues and renews first-party credentials for the e-learning
// backend: short-lived signed access tokens, single-use rotating refresh tokens and the
// per-device sessions that tie them together.
//
// An [Engine] is assembled with [New] and is safe for concurrent use:
//
//	engine, err := authcore.New().
//		WithConfig(cfg).
//		WithRedis(rdb).
//		WithUserProvider(users).
//		WithLogger(logger).
//		Build()
//
// # Refresh rotation
//
// Every refresh token belongs to a rotation chain (family) that is bound to one session.
// [Engine.Refresh] exchanges the current token for a successor in a single atomic
// compare-and-swap in the ledger. Presenting a superseded token again is treated as theft:
// the whole family and the session are revoked and [ErrReplayDetected] is returned. A
// replay that arrives within Renewal.RaceGrace of the rotation it lost to is reported as
// [ErrRotationConflict] instead, which covers a browser firing parallel requests with the
// same cookie.
//
// [IsDefinitive] tells callers whether a refresh failure should clear client credentials.
//
// # Storage
//
// The ledger and the session registry live in the refresh and session packages, each with
// a Redis and a Postgres implementation. Login and refresh throttling needs Redis.
package authcore

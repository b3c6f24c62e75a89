// Package session tracks login sessions across a user's devices.
//
// # Storage
//
// [RedisRegistry] keeps one hash per session and a sorted set of active session ids per
// user, scored by login time. State transitions (revoke, revoke-all, touch) are Lua
// scripts so each is atomic. [PostgresRegistry] uses conditional UPDATEs on the
// sessions table.
//
// # Architecture boundaries
//
// This package owns the [Registry] contract and the [Session] model. It does NOT issue
// or verify tokens, and it does not know about the refresh ledger beyond carrying the
// chain id in [Session.SessionToken].
//
// # What this package must NOT do
//
//   - Import authcore, jwt, or refresh (no upward or sideways imports).
//   - Reactivate a session once it is inactive.
package session

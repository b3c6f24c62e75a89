// Package refresh owns the opaque rotating refresh tokens: generating their values and the
// ledger that persists them.
//
// # Token format
//
// 32 random bytes from crypto/rand, base64url encoded without padding. Values are never
// stored; every [Ledger] keys rows by the sha256 of the value.
//
// # Rotation
//
// [Ledger.Rotate] is a compare-and-swap on "not yet rotated". The Redis ledger runs it as a
// single Lua script and the Postgres ledger as a conditional UPDATE inside one transaction.
// Exactly one of two concurrent rotations of the same token succeeds; the other gets
// [ErrReplayDetected].
//
// # What this package must NOT do
//
//   - Issue access tokens or touch sessions.
//   - Decide what happens after a replay. Callers own the cascade.
package refresh

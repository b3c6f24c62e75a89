// Package jwt issues and verifies the short-lived access tokens of authcore.
//
// Three read paths exist, each with a different trust level:
//
//   - [Manager.ParseAccess] verifies signature and every time based claim. Guards use it.
//   - [Manager.ParseExpired] verifies the signature but ignores exp, so the renewal path
//     can recover the identity of an expired token.
//   - [Manager.PeekExpiry] decodes exp without any verification. It answers "does this
//     token need renewal" and nothing else.
//
// # What this package must NOT do
//
//   - Hold signing keys in package level variables.
//   - Touch refresh tokens, sessions, or any I/O.
package jwt

// Package rate holds the Redis fixed-window counters behind the login and refresh
// throttles.
//
// Each window is an INCR plus an EXPIRE set on the first hit. Keys:
//   - {prefix}:al:{identifier} failed logins per identifier
//   - {prefix}:ali:{ip}        failed logins per client IP
//   - {prefix}:ar:{sessionID}  refresh attempts per session
package rate

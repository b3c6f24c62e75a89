// Package credentials provides authcore.UserProvider implementations: a Postgres
// adapter over the users table and an in-memory one for tests and local runs.
package credentials

// Package middleware adapts the authcore engine to net/http.
//
// # Renewal
//
// [RunRenewal] is the transport-neutral renewal gateway. It loads a request's
// credentials from a [CredentialStore], refreshes an expired access token through a
// [TokenValidator] and, on a definitive failure, logs the session out through a
// [SessionRevoker] and clears the credentials. [Renewal] runs it over cookies for
// net/http; package httpapi does the same for gin.
//
// # Guards
//
// [Guard] verifies the access token from the access cookie or the Authorization header
// and stores the [authcore.AuthResult] in the request context.
//
//	mux.Handle("/courses", middleware.Renewal(engine, engine, cookies)(
//		middleware.Guard(engine, cookies)(courses)))
package middleware

// Package httpapi serves the authentication endpoints over gin.
//
// Login and refresh answer with the token pair in JSON and also set the access_token,
// refresh_token and refresh_token_expiry cookies. Authenticated routes run [Renewal]
// followed by [RequireAuth], so an expired access token is rotated transparently as long
// as the refresh token is still good.
package httpapi

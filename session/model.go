package session

import "time"

// Session is one login on one device.
//
// Active implies LogoutTime is nil. Once inactive a session never becomes active again.
type Session struct {
	ID           string
	UserID       string
	Device       string
	Location     string
	IP           string
	LoginTime    time.Time
	LastActivity *time.Time
	LogoutTime   *time.Time
	Active       bool
	// SessionToken correlates the session with its refresh-token rotation chain.
	SessionToken string
}

// NewSession carries the caller-supplied fields of Create.
type NewSession struct {
	UserID       string
	Device       string
	Location     string
	IP           string
	SessionToken string
}

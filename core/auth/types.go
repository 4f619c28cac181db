package auth

import "time"

// ContextKey is the type for values this package stashes in request contexts.
type ContextKey string

// SessionContextKey carries the authenticated *store.SessionRecord.
const SessionContextKey ContextKey = "session"

// Session is the in-memory view of an authenticated session, returned to the
// client on login.
type Session struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"user_id"`
	Username   string    `json:"username"`
	Roles      []string  `json:"roles"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	CSRFToken  string    `json:"csrf_token"`
}

// Credentials is the login request payload.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserDTO is the user shape exposed by the auth and accounts endpoints.
type UserDTO struct {
	ID                    int64      `json:"id"`
	Username              string     `json:"username"`
	Email                 string     `json:"email,omitempty"`
	FullName              string     `json:"full_name,omitempty"`
	Roles                 []string   `json:"roles"`
	Active                bool       `json:"active"`
	PasswordSet           bool       `json:"password_set"`
	RequirePasswordChange bool       `json:"require_password_change"`
	LockedUntil           *time.Time `json:"locked_until,omitempty"`
	LastLoginAt           *time.Time `json:"last_login_at,omitempty"`
	Permissions           []string   `json:"permissions"`
}

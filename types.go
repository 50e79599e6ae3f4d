package govern

import (
	"context"
	"time"
)

// UserRecord is the persistent user row as seen by login and password
// change. Token validation never reads it.
type UserRecord struct {
	Subject      string
	Identifier   string
	PasswordHash string
	// Locked is an administrative lock independent of the failure lockout.
	Locked            bool
	PasswordChangedAt time.Time
}

// UserProvider is the persistent user store collaborator. Implementations
// return ErrUserNotFound for unknown identifiers or subjects.
type UserProvider interface {
	GetUserByIdentifier(ctx context.Context, identifier string) (UserRecord, error)
	GetUserBySubject(ctx context.Context, subject string) (UserRecord, error)
	// UpdatePasswordHash stores a new hash and records changedAt as the
	// password-changed-at fact.
	UpdatePasswordHash(ctx context.Context, subject, hash string, changedAt time.Time) error
}

// PasswordUpgrader is optionally implemented by a UserProvider to accept a
// rehashed password after a successful login. It must not touch
// password-changed-at.
type PasswordUpgrader interface {
	UpgradePasswordHash(ctx context.Context, subject, hash string) error
}

// Claims is a validated credential.
type Claims struct {
	Subject   string
	SessionID string
	Issuer    string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SessionInfo is the public view of a session record.
type SessionInfo struct {
	SessionID      string
	Subject        string
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
	Revoked        bool
}

// Tokens is an issued credential pair and the session it is bound to.
type Tokens struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	Session          SessionInfo
}

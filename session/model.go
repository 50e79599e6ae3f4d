package session

import "time"

const flagRevoked uint8 = 1

// Session is the server-side record of one login (or one refresh rotation).
// Timestamps are unix milliseconds. Client metadata is stored hashed and is
// only ever compared for anomaly signals.
type Session struct {
	SessionID string
	Subject   string
	Revoked   bool

	CreatedAt      int64
	LastActivityAt int64
	ExpiresAt      int64

	IPHash        [32]byte
	UserAgentHash [32]byte
}

// Created returns the creation instant.
func (s *Session) Created() time.Time { return time.UnixMilli(s.CreatedAt) }

// LastActivity returns the last-activity instant.
func (s *Session) LastActivity() time.Time { return time.UnixMilli(s.LastActivityAt) }

// Expires returns the absolute expiry instant.
func (s *Session) Expires() time.Time { return time.UnixMilli(s.ExpiresAt) }

// Expired reports whether the session's absolute expiry is at or before now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt <= now.UnixMilli()
}

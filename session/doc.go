// Package session persists server-side session records in Redis.
//
// Records live under a per-subject hash tag ("<prefix>:{<subject>}:s:<sid>") so
// that a subject's sessions, its session index and its revocation entries land
// in the same cluster slot. Records are kept for their absolute lifetime plus
// a grace window and are then reclaimed by Redis expiry.
//
// The binary format has a fixed-width header so last-activity and the
// revocation flag can be patched atomically in Lua without decoding.
//
// This package does not interpret credentials or make authorization decisions.
package session

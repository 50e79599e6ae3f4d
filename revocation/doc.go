// Package revocation records which sessions and subjects may no longer be
// honored.
//
// Two kinds of entry exist. A session entry marks one session id as revoked
// and expires once no credential naming that session could still validate. A
// subject entry holds a revoke-before instant: every credential for the
// subject issued strictly before it is rejected. Subject entries only move
// forward.
//
// Entries share the subject hash tag with session records, so a subject's
// revocation state and sessions live in one cluster slot.
package revocation

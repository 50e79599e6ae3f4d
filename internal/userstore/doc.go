// Package userstore provides the persistent user store consulted at login:
// a process-local Memory store and a PostgreSQL store backed by pgx with
// goose migrations embedded in the binary.
//
// Identifiers are stored trimmed and lower-cased.
package userstore

package userstore

import (
	"errors"
	"strings"

	"github.com/clank08/govern"
)

// ErrConflict is returned when the identifier is already registered.
var ErrConflict = errors.New("identifier already registered")

var (
	_ govern.UserProvider     = (*Memory)(nil)
	_ govern.PasswordUpgrader = (*Memory)(nil)
	_ govern.UserProvider     = (*Postgres)(nil)
	_ govern.PasswordUpgrader = (*Postgres)(nil)
)

// NormalizeIdentifier matches the engine's login normalization.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

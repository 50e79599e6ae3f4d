package govern

import (
	"errors"
	"time"

	"github.com/clank08/govern/jwt"
)

// FailureReason is the machine-readable cause of a credential rejection.
// Callers must not echo it to clients; every reason maps onto the same
// "invalid or expired credentials" response.
type FailureReason string

const (
	ReasonMalformed             FailureReason = "MALFORMED"
	ReasonInvalidSignature      FailureReason = "INVALID_SIGNATURE"
	ReasonExpired               FailureReason = "EXPIRED"
	ReasonExcessiveLifetime     FailureReason = "EXCESSIVE_LIFETIME"
	ReasonMissingClaims         FailureReason = "MISSING_CLAIMS"
	ReasonRevoked               FailureReason = "REVOKED"
	ReasonClockSkew             FailureReason = "CLOCK_SKEW"
	ReasonRevocationUnavailable FailureReason = "REVOCATION_UNAVAILABLE"
)

// Credential failures. A *CredentialError matches exactly one of these
// through errors.Is.
var (
	ErrTokenMalformed             = errors.New("token malformed")
	ErrTokenInvalidSignature      = errors.New("token signature invalid")
	ErrTokenExpired               = errors.New("token expired")
	ErrTokenExcessiveLifetime     = errors.New("token lifetime exceeds policy")
	ErrTokenMissingClaims         = errors.New("token missing required claims")
	ErrTokenRevoked               = errors.New("token revoked")
	ErrTokenClockSkew             = errors.New("token issued in the future")
	ErrTokenRevocationUnavailable = errors.New("revocation status unavailable")
)

var (
	// ErrEngineNotReady is returned when a required dependency was not wired.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrInvalidCredentials is the uniform login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while a login identifier is locked out or
	// the user row carries a lock flag.
	ErrAccountLocked = errors.New("account locked")
	// ErrUserNotFound is returned by a UserProvider for unknown identifiers.
	ErrUserNotFound = errors.New("user not found")
	// ErrSessionCreationFailed is returned when a session record could not be persisted.
	ErrSessionCreationFailed = errors.New("session creation failed")
	// ErrRevocationFailed is returned when a revoke could not be written.
	ErrRevocationFailed = errors.New("revocation failed")
	// ErrSessionStoreUnavailable is returned when session records cannot be read.
	ErrSessionStoreUnavailable = errors.New("session store unavailable")
	// ErrPasswordPolicy is returned when a new password fails hashing policy.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReuse is returned when the new password equals the old one.
	ErrPasswordReuse = errors.New("password reuse")
	// ErrConfigInvalid wraps every Config.Validate failure.
	ErrConfigInvalid = errors.New("invalid configuration")
)

var reasonErrors = map[FailureReason]error{
	ReasonMalformed:             ErrTokenMalformed,
	ReasonInvalidSignature:      ErrTokenInvalidSignature,
	ReasonExpired:               ErrTokenExpired,
	ReasonExcessiveLifetime:     ErrTokenExcessiveLifetime,
	ReasonMissingClaims:         ErrTokenMissingClaims,
	ReasonRevoked:               ErrTokenRevoked,
	ReasonClockSkew:             ErrTokenClockSkew,
	ReasonRevocationUnavailable: ErrTokenRevocationUnavailable,
}

// CredentialError is a terminal credential rejection.
type CredentialError struct {
	Reason FailureReason
	// Cause is the underlying decode or store error, if any. It is for logs only.
	Cause error
}

func (e *CredentialError) Error() string {
	if e.Cause != nil {
		return "credential rejected: " + string(e.Reason) + ": " + e.Cause.Error()
	}
	return "credential rejected: " + string(e.Reason)
}

// Is matches the sentinel for e.Reason.
func (e *CredentialError) Is(target error) bool {
	sentinel, ok := reasonErrors[e.Reason]
	return ok && sentinel == target
}

func (e *CredentialError) Unwrap() error { return e.Cause }

// ReasonOf returns the failure reason carried by err, or "" when err is not
// a credential failure.
func ReasonOf(err error) FailureReason {
	var ce *CredentialError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

// IsCredentialError reports whether err is a terminal credential rejection.
func IsCredentialError(err error) bool {
	return ReasonOf(err) != ""
}

func credentialError(reason FailureReason, cause error) *CredentialError {
	return &CredentialError{Reason: reason, Cause: cause}
}

// classifyDecode maps a codec error onto the failure taxonomy. Anything the
// codec did not classify is treated as malformed.
func classifyDecode(err error) *CredentialError {
	switch {
	case errors.Is(err, jwt.ErrExpired):
		return credentialError(ReasonExpired, err)
	case errors.Is(err, jwt.ErrExcessiveLifetime):
		return credentialError(ReasonExcessiveLifetime, err)
	case errors.Is(err, jwt.ErrInvalidSignature):
		return credentialError(ReasonInvalidSignature, err)
	case errors.Is(err, jwt.ErrMissingClaims):
		return credentialError(ReasonMissingClaims, err)
	case errors.Is(err, jwt.ErrClockSkew):
		return credentialError(ReasonClockSkew, err)
	default:
		return credentialError(ReasonMalformed, err)
	}
}

// LockoutError is returned by Login while an identifier is locked. It
// matches ErrAccountLocked.
type LockoutError struct {
	// RetryAfter is the remaining lock time, or zero when the lock is an
	// administrative flag with no expiry.
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string { return ErrAccountLocked.Error() }

func (e *LockoutError) Is(target error) bool { return target == ErrAccountLocked }

// RetryAfterOf returns the retry guidance carried by a policy error.
func RetryAfterOf(err error) (time.Duration, bool) {
	var le *LockoutError
	if errors.As(err, &le) {
		return le.RetryAfter, true
	}
	return 0, false
}

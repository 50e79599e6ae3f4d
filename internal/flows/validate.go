package flows

import (
	"context"
	"time"

	"github.com/clank08/govern/jwt"
)

// ValidateFailureKind classifies validation failures for root-level mapping.
type ValidateFailureKind int

const (
	ValidateFailureNone ValidateFailureKind = iota
	ValidateFailureCredential
	ValidateFailureRevoked
	ValidateFailureRevocationUnavailable
)

// ValidateResult returns either claims or a classified failure.
type ValidateResult struct {
	Failure ValidateFailureKind
	Err     error
	Claims  *jwt.Claims
}

type ValidateRevocationStore interface {
	IsRevoked(ctx context.Context, subject, sessionID string, issuedAt time.Time) (bool, error)
}

// ValidateDeps captures validation dependencies.
type ValidateDeps struct {
	Parse       func(token string, want jwt.Kind) (*jwt.Claims, error)
	Revocation  ValidateRevocationStore
	ReadTimeout time.Duration
}

// RunValidate decodes a credential and checks it against the revocation
// store. It never consults the session record or the user store. A
// revocation lookup that fails is reported as a failure: the credential
// cannot be shown to be live.
func RunValidate(ctx context.Context, token string, kind jwt.Kind, deps ValidateDeps) ValidateResult {
	claims, err := deps.Parse(token, kind)
	if err != nil {
		return ValidateResult{Failure: ValidateFailureCredential, Err: err}
	}

	rctx, cancel := WithTimeout(ctx, deps.ReadTimeout)
	defer cancel()

	revoked, err := deps.Revocation.IsRevoked(rctx, claims.Subject, claims.SID, claims.IssuedAtTime())
	if err != nil {
		return ValidateResult{Failure: ValidateFailureRevocationUnavailable, Err: err, Claims: claims}
	}
	if revoked {
		return ValidateResult{Failure: ValidateFailureRevoked, Claims: claims}
	}

	return ValidateResult{Claims: claims}
}

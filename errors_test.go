package govern

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/clank08/govern/jwt"
)

func TestCredentialErrorMatchesOneSentinel(t *testing.T) {
	for reason, sentinel := range reasonErrors {
		err := credentialError(reason, nil)
		if !errors.Is(err, sentinel) {
			t.Fatalf("%s: expected match with its sentinel", reason)
		}
		for other, s := range reasonErrors {
			if other != reason && errors.Is(err, s) {
				t.Fatalf("%s: unexpectedly matched %s", reason, other)
			}
		}
		if ReasonOf(fmt.Errorf("wrapped: %w", err)) != reason {
			t.Fatalf("%s: ReasonOf lost the reason through wrapping", reason)
		}
	}
}

func TestClassifyDecode(t *testing.T) {
	cases := map[error]FailureReason{
		jwt.ErrExpired:             ReasonExpired,
		jwt.ErrExcessiveLifetime:   ReasonExcessiveLifetime,
		jwt.ErrInvalidSignature:    ReasonInvalidSignature,
		jwt.ErrMissingClaims:       ReasonMissingClaims,
		jwt.ErrClockSkew:           ReasonClockSkew,
		jwt.ErrMalformed:           ReasonMalformed,
		errors.New("unclassified"): ReasonMalformed,
	}
	for in, want := range cases {
		if got := classifyDecode(fmt.Errorf("%w: detail", in)).Reason; got != want {
			t.Fatalf("classifyDecode(%v) = %s, want %s", in, got, want)
		}
	}
}

func TestCredentialErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("store down")
	err := credentialError(ReasonRevocationUnavailable, cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected cause reachable through errors.Is")
	}
	if !IsCredentialError(err) || IsCredentialError(cause) {
		t.Fatal("IsCredentialError misclassified")
	}
}

func TestLockoutError(t *testing.T) {
	err := fmt.Errorf("login: %w", &LockoutError{RetryAfter: 90 * time.Second})
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatal("expected LockoutError to match ErrAccountLocked")
	}
	retry, ok := RetryAfterOf(err)
	if !ok || retry != 90*time.Second {
		t.Fatalf("unexpected retry-after %v %v", retry, ok)
	}
	if _, ok := RetryAfterOf(ErrInvalidCredentials); ok {
		t.Fatal("non-lockout error must not carry retry-after")
	}
}

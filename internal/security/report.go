package security

import "time"

type PasswordReport struct {
	Memory       uint32
	Time         uint32
	Parallelism  uint8
	SaltLength   uint32
	KeyLength    uint32
	LegacyBcrypt bool
}

// Report summarizes the effective security posture of an engine.
type Report struct {
	SigningAlgorithm      string
	AccessTTL             time.Duration
	RefreshTTL            time.Duration
	MaxClockSkew          time.Duration
	Password              PasswordReport
	ReplayTrackingEnabled bool
	LockoutActive         bool
	RateLimitClasses      []string
	PenaltyActive         bool
	AuditEnabled          bool
	// Warnings lists settings weaker than the recommended baseline.
	Warnings []string
}

type ReportInput struct {
	SigningAlgorithm     string
	AccessTTL            time.Duration
	RefreshTTL           time.Duration
	MaxClockSkew         time.Duration
	Password             PasswordReport
	EnableReplayTracking bool
	LockoutEnabled       bool
	LockoutThreshold     int
	LockoutDuration      time.Duration
	RateLimitClasses     []string
	AuthClasses          []string
	PenaltyBase          time.Duration
	AuditEnabled         bool
}

const (
	recommendedMaxAccessTTL = time.Hour
	recommendedArgonMemory  = 19 * 1024
)

func BuildReport(input ReportInput) Report {
	lockout := input.LockoutEnabled &&
		input.LockoutThreshold > 0 &&
		input.LockoutDuration > 0

	r := Report{
		SigningAlgorithm:      input.SigningAlgorithm,
		AccessTTL:             input.AccessTTL,
		RefreshTTL:            input.RefreshTTL,
		MaxClockSkew:          input.MaxClockSkew,
		Password:              input.Password,
		ReplayTrackingEnabled: input.EnableReplayTracking,
		LockoutActive:         lockout,
		RateLimitClasses:      append([]string(nil), input.RateLimitClasses...),
		PenaltyActive:         input.PenaltyBase > 0 && len(input.AuthClasses) > 0,
		AuditEnabled:          input.AuditEnabled,
	}

	if input.SigningAlgorithm == "hs256" {
		r.Warnings = append(r.Warnings, "symmetric signing: every verifier can mint credentials")
	}
	if input.AccessTTL > recommendedMaxAccessTTL {
		r.Warnings = append(r.Warnings, "access credential lifetime exceeds one hour")
	}
	if input.Password.Memory < recommendedArgonMemory {
		r.Warnings = append(r.Warnings, "argon2id memory below 19 MiB")
	}
	if !lockout {
		r.Warnings = append(r.Warnings, "login lockout disabled")
	}
	if !input.EnableReplayTracking {
		r.Warnings = append(r.Warnings, "refresh replay tracking disabled")
	}
	return r
}

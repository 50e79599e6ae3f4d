package govern

import (
	"sort"

	"github.com/clank08/govern/internal/security"
)

// SecurityReport summarizes the engine's effective security settings.
type SecurityReport = security.Report

// SecurityReport builds a posture report from the engine configuration.
func (e *Engine) SecurityReport() SecurityReport {
	c := e.config

	classes := make([]string, 0, len(c.RateLimit.Rules))
	for class := range c.RateLimit.Rules {
		classes = append(classes, string(class))
	}
	sort.Strings(classes)
	auth := make([]string, 0, len(c.RateLimit.AuthClasses))
	for _, class := range c.RateLimit.AuthClasses {
		auth = append(auth, string(class))
	}

	return security.BuildReport(security.ReportInput{
		SigningAlgorithm: string(c.JWT.SigningMethod),
		AccessTTL:        c.JWT.AccessTTL,
		RefreshTTL:       c.JWT.RefreshTTL,
		MaxClockSkew:     c.JWT.MaxClockSkew,
		Password: security.PasswordReport{
			Memory:       c.Password.Memory,
			Time:         c.Password.Time,
			Parallelism:  c.Password.Parallelism,
			SaltLength:   c.Password.SaltLength,
			KeyLength:    c.Password.KeyLength,
			LegacyBcrypt: c.Password.AllowBcrypt,
		},
		EnableReplayTracking: c.Session.EnableReplayTracking,
		LockoutEnabled:       c.Lockout.Enabled,
		LockoutThreshold:     c.Lockout.Threshold,
		LockoutDuration:      c.Lockout.Duration,
		RateLimitClasses:     classes,
		AuthClasses:          auth,
		PenaltyBase:          c.RateLimit.Penalty.Base,
		AuditEnabled:         c.Audit.Enabled,
	})
}

package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Class names a group of routes sharing one limit.
type Class string

const (
	ClassPublicRead Class = "public-read"
	ClassSearch     Class = "search"
	ClassWrite      Class = "write"
	ClassLogin      Class = "login"
	ClassRefresh    Class = "refresh"
)

// Rule is the fixed-window budget for one class.
type Rule struct {
	Limit  int
	Window time.Duration
}

// PenaltyTier multiplies the base delay once Failures consecutive failures
// have been recorded.
type PenaltyTier struct {
	Failures   int
	Multiplier int
}

// PenaltyConfig controls progressive penalties on authentication classes.
type PenaltyConfig struct {
	Base          time.Duration
	Tiers         []PenaltyTier
	FailureWindow time.Duration
}

// Config configures a Limiter.
type Config struct {
	Prefix           string
	Rules            map[Class]Rule
	AuthClasses      []Class
	Penalty          PenaltyConfig
	OperationTimeout time.Duration
	Now              func() time.Time
}

// DefaultConfig returns the production route classes.
func DefaultConfig() Config {
	return Config{
		Prefix: "rl",
		Rules: map[Class]Rule{
			ClassPublicRead: {Limit: 30, Window: 60 * time.Second},
			ClassSearch:     {Limit: 20, Window: 60 * time.Second},
			ClassWrite:      {Limit: 20, Window: 60 * time.Second},
			ClassLogin:      {Limit: 5, Window: 900 * time.Second},
			ClassRefresh:    {Limit: 30, Window: 60 * time.Second},
		},
		AuthClasses: []Class{ClassLogin, ClassRefresh},
		Penalty: PenaltyConfig{
			Base: 30 * time.Second,
			Tiers: []PenaltyTier{
				{Failures: 3, Multiplier: 2},
				{Failures: 6, Multiplier: 10},
				{Failures: 10, Multiplier: 30},
			},
			FailureWindow: 15 * time.Minute,
		},
		OperationTimeout: 150 * time.Millisecond,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Prefix == "" {
		return errors.New("ratelimit: prefix must not be empty")
	}
	if len(c.Rules) == 0 {
		return errors.New("ratelimit: at least one rule is required")
	}
	for class, rule := range c.Rules {
		if class == "" {
			return errors.New("ratelimit: rule class must not be empty")
		}
		if rule.Limit <= 0 {
			return fmt.Errorf("ratelimit: %s limit must be > 0", class)
		}
		if rule.Window < time.Millisecond {
			return fmt.Errorf("ratelimit: %s window must be >= 1ms", class)
		}
	}
	for _, class := range c.AuthClasses {
		if _, ok := c.Rules[class]; !ok {
			return fmt.Errorf("ratelimit: auth class %s has no rule", class)
		}
	}
	if len(c.AuthClasses) > 0 {
		if c.Penalty.Base < 0 {
			return errors.New("ratelimit: penalty base must be >= 0")
		}
		if c.Penalty.FailureWindow <= 0 {
			return errors.New("ratelimit: penalty failure window must be > 0")
		}
		for _, tier := range c.Penalty.Tiers {
			if tier.Failures <= 0 || tier.Multiplier <= 0 {
				return errors.New("ratelimit: penalty tiers must have positive failures and multiplier")
			}
		}
	}
	if c.OperationTimeout < 0 {
		return errors.New("ratelimit: operation timeout must be >= 0")
	}
	return nil
}

func cloneConfig(c Config) Config {
	out := c
	out.Rules = make(map[Class]Rule, len(c.Rules))
	for k, v := range c.Rules {
		out.Rules[k] = v
	}
	out.AuthClasses = append([]Class(nil), c.AuthClasses...)
	out.Penalty.Tiers = append([]PenaltyTier(nil), c.Penalty.Tiers...)
	sort.Slice(out.Penalty.Tiers, func(i, j int) bool {
		return out.Penalty.Tiers[i].Failures < out.Penalty.Tiers[j].Failures
	})
	return out
}

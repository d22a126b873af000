package app

import "time"

// LockoutPolicy decides how many wrong secrets lock a user out and for how long. It
// guards both drop passwords and transaction PINs. A zero attempt count or duration
// disables lockout.
type LockoutPolicy interface {
	MaxAttempts() int
	LockoutDuration() time.Duration
}

// StaticLockoutPolicy is a LockoutPolicy with fixed values, usually from config.
type StaticLockoutPolicy struct {
	Attempts int
	Duration time.Duration
}

func (p StaticLockoutPolicy) MaxAttempts() int {
	if p.Attempts < 0 {
		return 0
	}
	return p.Attempts
}

func (p StaticLockoutPolicy) LockoutDuration() time.Duration {
	if p.Duration < 0 {
		return 0
	}
	return p.Duration
}

func lockoutEnabled(p LockoutPolicy) bool {
	return p != nil && p.MaxAttempts() > 0 && p.LockoutDuration() >= time.Second
}

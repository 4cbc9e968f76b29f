package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/model"
	"otp-auth-service/internal/util"
)

// SendDecision is the outcome of a rate-limit check.
type SendDecision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// LimitStatus is the public view of a phone's counters, served by the
// rate-limit inspection endpoint.
type LimitStatus struct {
	PhoneNumber    string     `json:"phone_number"`
	MinuteUsed     int        `json:"minute_used"`
	MinuteLimit    int        `json:"minute_limit"`
	HourUsed       int        `json:"hour_used"`
	HourLimit      int        `json:"hour_limit"`
	DayUsed        int        `json:"day_used"`
	DayLimit       int        `json:"day_limit"`
	FailedAttempts int        `json:"failed_attempts"`
	Blocked        bool       `json:"blocked"`
	BlockedUntil   *time.Time `json:"blocked_until,omitempty"`
}

// RateLimiter enforces the per-phone send windows and the failed
// verification lockout. A keyed mutex serializes all state changes
// for a phone within this process; cross-instance races are absorbed
// by the Redis send lock held around dispatch.
type RateLimiter struct {
	repo  model.RateLimitRepository
	cfg   *config.RateLimitConfig
	locks sync.Map
}

func NewRateLimiter(repo model.RateLimitRepository, cfg *config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		repo: repo,
		cfg:  cfg,
	}
}

func (l *RateLimiter) lockFor(phoneNumber string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(phoneNumber, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Lock serializes rate-limit mutations for a phone. The send path
// holds it across check, dispatch, and record.
func (l *RateLimiter) Lock(phoneNumber string) {
	l.lockFor(phoneNumber).Lock()
}

func (l *RateLimiter) Unlock(phoneNumber string) {
	l.lockFor(phoneNumber).Unlock()
}

// CanSend evaluates the three fixed windows and the lockout. Caller
// must hold the phone lock.
func (l *RateLimiter) CanSend(ctx context.Context, phoneNumber string) (*SendDecision, error) {
	state, err := l.repo.Get(ctx, phoneNumber)
	if err != nil {
		return nil, internalError(err)
	}

	now := time.Now().UTC()
	state.RollWindows(now)

	if state.IsBlocked(now) {
		return &SendDecision{
			Allowed:    false,
			Reason:     "too many failed verification attempts",
			RetryAfter: state.BlockedUntil.Sub(now),
		}, nil
	}

	switch {
	case state.MinuteCount >= l.cfg.MinuteLimit:
		return &SendDecision{
			Allowed:    false,
			Reason:     "per-minute limit reached",
			RetryAfter: state.MinuteStart.Add(time.Minute).Sub(now),
		}, nil
	case state.HourCount >= l.cfg.HourLimit:
		return &SendDecision{
			Allowed:    false,
			Reason:     "hourly limit reached",
			RetryAfter: state.HourStart.Add(time.Hour).Sub(now),
		}, nil
	case state.DayCount >= l.cfg.DailyLimit:
		return &SendDecision{
			Allowed:    false,
			Reason:     "daily limit reached",
			RetryAfter: state.DayStart.Add(24 * time.Hour).Sub(now),
		}, nil
	}

	return &SendDecision{Allowed: true}, nil
}

// RecordSend counts a dispatched code against all three windows.
// Caller must hold the phone lock.
func (l *RateLimiter) RecordSend(ctx context.Context, phoneNumber string) error {
	state, err := l.repo.Get(ctx, phoneNumber)
	if err != nil {
		return internalError(err)
	}

	now := time.Now().UTC()
	state.RollWindows(now)
	state.RecordSend(now)

	if err := l.repo.Save(ctx, state); err != nil {
		return internalError(err)
	}
	return nil
}

// RecordFailedVerification bumps the lockout counter and blocks the
// phone once the threshold is hit.
func (l *RateLimiter) RecordFailedVerification(ctx context.Context, phoneNumber string) error {
	l.Lock(phoneNumber)
	defer l.Unlock(phoneNumber)

	return l.recordFailedVerification(ctx, phoneNumber)
}

// recordFailedVerification is the unlocked variant for callers already
// holding the phone lock.
func (l *RateLimiter) recordFailedVerification(ctx context.Context, phoneNumber string) error {
	state, err := l.repo.Get(ctx, phoneNumber)
	if err != nil {
		return internalError(err)
	}

	now := time.Now().UTC()
	state.RollWindows(now)
	state.FailedAttempts++

	if state.FailedAttempts >= l.cfg.BlockThreshold {
		state.BlockedUntil = now.Add(l.cfg.BlockDuration)
		util.Warn("Phone blocked after repeated verification failures",
			zap.String("phone_number", phoneNumber),
			zap.Int("failed_attempts", state.FailedAttempts),
			zap.Time("blocked_until", state.BlockedUntil))
	}

	if err := l.repo.Save(ctx, state); err != nil {
		return internalError(err)
	}
	return nil
}

// ResetFailures clears the lockout counter after a successful
// verification. An active hard block stays in place until it expires
// on its own.
func (l *RateLimiter) ResetFailures(ctx context.Context, phoneNumber string) error {
	l.Lock(phoneNumber)
	defer l.Unlock(phoneNumber)

	state, err := l.repo.Get(ctx, phoneNumber)
	if err != nil {
		return internalError(err)
	}

	if state.FailedAttempts == 0 {
		return nil
	}

	state.FailedAttempts = 0

	if err := l.repo.Save(ctx, state); err != nil {
		return internalError(err)
	}
	return nil
}

// Status returns the rolled counter view for a phone.
func (l *RateLimiter) Status(ctx context.Context, phoneNumber string) (*LimitStatus, error) {
	l.Lock(phoneNumber)
	defer l.Unlock(phoneNumber)

	state, err := l.repo.Get(ctx, phoneNumber)
	if err != nil {
		return nil, internalError(err)
	}

	now := time.Now().UTC()
	state.RollWindows(now)

	status := &LimitStatus{
		PhoneNumber:    phoneNumber,
		MinuteUsed:     state.MinuteCount,
		MinuteLimit:    l.cfg.MinuteLimit,
		HourUsed:       state.HourCount,
		HourLimit:      l.cfg.HourLimit,
		DayUsed:        state.DayCount,
		DayLimit:       l.cfg.DailyLimit,
		FailedAttempts: state.FailedAttempts,
		Blocked:        state.IsBlocked(now),
	}
	if status.Blocked {
		until := state.BlockedUntil
		status.BlockedUntil = &until
	}

	return status, nil
}

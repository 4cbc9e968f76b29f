package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRollWindowsResetsElapsedWindowsOnly(t *testing.T) {
	now := time.Now().UTC()
	state := &RateLimitState{
		PhoneNumber: "09123456789",
		MinuteCount: 1,
		MinuteStart: now.Add(-61 * time.Second),
		HourCount:   3,
		HourStart:   now.Add(-30 * time.Minute),
		DayCount:    7,
		DayStart:    now.Add(-2 * time.Hour),
	}

	state.RollWindows(now)

	assert.Zero(t, state.MinuteCount)
	assert.Equal(t, now, state.MinuteStart)
	assert.Equal(t, 3, state.HourCount)
	assert.Equal(t, 7, state.DayCount)
}

func TestRollWindowsClearsExpiredBlock(t *testing.T) {
	now := time.Now().UTC()
	state := &RateLimitState{
		FailedAttempts: 10,
		BlockedUntil:   now.Add(-time.Minute),
		MinuteStart:    now,
		HourStart:      now,
		DayStart:       now,
	}

	state.RollWindows(now)

	assert.False(t, state.IsBlocked(now))
	assert.Zero(t, state.FailedAttempts)
	assert.True(t, state.BlockedUntil.IsZero())
}

func TestRollWindowsKeepsActiveBlock(t *testing.T) {
	now := time.Now().UTC()
	state := &RateLimitState{
		FailedAttempts: 10,
		BlockedUntil:   now.Add(time.Hour),
		MinuteStart:    now,
		HourStart:      now,
		DayStart:       now,
	}

	state.RollWindows(now)

	assert.True(t, state.IsBlocked(now))
	assert.Equal(t, 10, state.FailedAttempts)
}

func TestValidPurpose(t *testing.T) {
	for _, p := range []string{"login", "register", "reset_password", "verify_phone"} {
		assert.True(t, ValidPurpose(p), p)
	}
	assert.False(t, ValidPurpose("password_reset"))
	assert.False(t, ValidPurpose(""))
}

func TestOTPLifecycleChecks(t *testing.T) {
	now := time.Now().UTC()
	otp := &OTPRequest{
		MaxAttempts: 3,
		ExpiresAt:   now.Add(time.Minute),
	}

	assert.True(t, otp.CanVerify(now))
	assert.Equal(t, 3, otp.RemainingAttempts())

	otp.Attempts = 3
	assert.False(t, otp.CanVerify(now))
	assert.Zero(t, otp.RemainingAttempts())

	otp.Attempts = 1
	otp.ExpiresAt = now
	assert.True(t, otp.IsExpired(now))
	assert.False(t, otp.CanVerify(now))

	otp.ExpiresAt = now.Add(time.Minute)
	otp.IsUsed = true
	assert.False(t, otp.CanVerify(now))
}

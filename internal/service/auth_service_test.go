package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-auth-service/internal/bucketing"
	"otp-auth-service/internal/config"
	"otp-auth-service/internal/hashing"
	"otp-auth-service/internal/model"
)

type authFixture struct {
	auth     *AuthService
	tokens   *TokenService
	otps     *OTPService
	notifier *fakeNotifier
	users    *memUserRepo
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	cfg := &config.Config{
		JWT: config.JWTConfig{
			Secret:                 "test-secret-key",
			AccessTTL:              5 * time.Minute,
			RefreshTTL:             7 * 24 * time.Hour,
			RotateRefreshTokens:    true,
			BlacklistAfterRotation: true,
		},
		OTP: config.OTPConfig{
			CodeTTL:      3 * time.Minute,
			MaxAttempts:  3,
			RetentionAge: 24 * time.Hour,
			DefaultRole:  "patient",
			Pepper:       "test-pepper",
		},
		RateLimit: config.RateLimitConfig{
			MinuteLimit:    5,
			HourLimit:      10,
			DailyLimit:     20,
			BlockThreshold: 10,
			BlockDuration:  24 * time.Hour,
		},
	}

	n := &fakeNotifier{}
	users := newMemUserRepo()

	factory := NewServiceFactory(
		newMemOTPRepo(),
		newMemRateLimitRepo(),
		users,
		newMemSessionRepo(),
		newMemBlacklistRepo(),
		nil,
		n,
		hashing.NewHasher(cfg.OTP.Pepper),
		bucketing.NewManager(64),
		nil,
		cfg,
	)

	return &authFixture{
		auth:     factory.AuthService(),
		tokens:   factory.TokenService(),
		otps:     factory.OTPService(),
		notifier: n,
		users:    users,
	}
}

func (f *authFixture) requestCode(t *testing.T) string {
	t.Helper()
	_, err := f.otps.Send(context.Background(), SendOTPRequest{PhoneNumber: testPhone})
	require.NoError(t, err)
	return f.notifier.lastCode()
}

func TestVerifyLoginCreatesNewUser(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	code := f.requestCode(t)

	result, err := f.auth.VerifyLogin(ctx, LoginRequest{
		PhoneNumber: testPhone,
		Code:        code,
		DeviceName:  "Pixel 7",
	})
	require.NoError(t, err)

	assert.True(t, result.IsNewUser)
	assert.Equal(t, "patient", result.User.UserType)
	assert.Equal(t, testPhone, result.User.PhoneNumber)
	assert.False(t, result.User.LastLoginAt.IsZero())

	claims, err := f.tokens.Validate(ctx, result.Tokens.AccessToken, model.TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, result.User.ID.String(), claims.UserID)
	assert.Equal(t, result.SessionID.String(), claims.SessionID)

	sessions, err := f.tokens.ListActiveSessions(ctx, result.User.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "Pixel 7", sessions[0].DeviceName)
}

func TestVerifyLoginExistingUser(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	existing := &model.User{
		PhoneNumber: testPhone,
		UserType:    "doctor",
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, f.users.Create(ctx, existing))

	code := f.requestCode(t)
	result, err := f.auth.VerifyLogin(ctx, LoginRequest{PhoneNumber: testPhone, Code: code})
	require.NoError(t, err)

	assert.False(t, result.IsNewUser)
	assert.Equal(t, "doctor", result.User.UserType)
}

func TestVerifyLoginRejectsInactiveUser(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	inactive := &model.User{
		PhoneNumber: testPhone,
		UserType:    "patient",
		IsActive:    false,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, f.users.Create(ctx, inactive))

	code := f.requestCode(t)
	_, err := f.auth.VerifyLogin(ctx, LoginRequest{PhoneNumber: testPhone, Code: code})
	assertCode(t, err, CodeUserInactive)
}

func TestVerifyLoginWrongCodeDoesNotLogin(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	f.requestCode(t)

	_, err := f.auth.VerifyLogin(ctx, LoginRequest{PhoneNumber: testPhone, Code: "000000"})
	assertCode(t, err, CodeInvalidOTP)

	// No account is created for a failed verification.
	_, err = f.users.GetByPhone(ctx, testPhone)
	assert.Equal(t, model.ErrNotFound, err)
}

func TestLoginThenRefreshThenLogout(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	code := f.requestCode(t)
	result, err := f.auth.VerifyLogin(ctx, LoginRequest{PhoneNumber: testPhone, Code: code})
	require.NoError(t, err)

	pair, err := f.tokens.Refresh(ctx, result.Tokens.RefreshToken)
	require.NoError(t, err)

	require.NoError(t, f.tokens.Logout(ctx, pair.RefreshToken, false))

	sessions, err := f.tokens.ListActiveSessions(ctx, result.User.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

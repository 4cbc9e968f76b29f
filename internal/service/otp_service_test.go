package service

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-auth-service/internal/bucketing"
	"otp-auth-service/internal/config"
	"otp-auth-service/internal/hashing"
	"otp-auth-service/internal/model"
)

const testPhone = "09123456789"

type otpFixture struct {
	service   *OTPService
	notifier  *fakeNotifier
	otpRepo   *memOTPRepo
	limitRepo *memRateLimitRepo
	limitCfg  *config.RateLimitConfig
	otpCfg    *config.OTPConfig
}

func newOTPFixture(t *testing.T) *otpFixture {
	t.Helper()

	limitCfg := &config.RateLimitConfig{
		MinuteLimit:    1,
		HourLimit:      5,
		DailyLimit:     10,
		BlockThreshold: 10,
		BlockDuration:  24 * time.Hour,
	}
	otpCfg := &config.OTPConfig{
		CodeTTL:      3 * time.Minute,
		MaxAttempts:  3,
		RetentionAge: 24 * time.Hour,
		DefaultRole:  "patient",
		Pepper:       "test-pepper",
	}

	n := &fakeNotifier{}
	otpRepo := newMemOTPRepo()
	limitRepo := newMemRateLimitRepo()
	limiter := NewRateLimiter(limitRepo, limitCfg)

	svc := NewOTPService(
		otpRepo,
		nil,
		limiter,
		n,
		hashing.NewHasher(otpCfg.Pepper),
		bucketing.NewManager(64),
		nil,
		otpCfg,
		limitCfg,
	)

	return &otpFixture{
		service:   svc,
		notifier:  n,
		otpRepo:   otpRepo,
		limitRepo: limitRepo,
		limitCfg:  limitCfg,
		otpCfg:    otpCfg,
	}
}

func (f *otpFixture) send(t *testing.T) *SendOTPResult {
	t.Helper()
	result, err := f.service.Send(context.Background(), SendOTPRequest{PhoneNumber: testPhone})
	require.NoError(t, err)
	return result
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	svcErr, ok := AsServiceError(err)
	require.True(t, ok, "expected service error, got %v", err)
	assert.Equal(t, code, svcErr.Code)
}

func TestSendIssuesSixDigitCode(t *testing.T) {
	f := newOTPFixture(t)

	result := f.send(t)

	assert.Equal(t, testPhone, result.PhoneNumber)
	assert.Equal(t, model.ChannelSMS, result.Channel)
	assert.WithinDuration(t, time.Now().Add(3*time.Minute), result.ExpiresAt, 5*time.Second)
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), f.notifier.lastCode())
}

func TestSendNormalizesPhone(t *testing.T) {
	f := newOTPFixture(t)

	result, err := f.service.Send(context.Background(), SendOTPRequest{PhoneNumber: "+98 912-345-6789"})
	require.NoError(t, err)
	assert.Equal(t, testPhone, result.PhoneNumber)
}

func TestSendRejectsInvalidInput(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	_, err := f.service.Send(ctx, SendOTPRequest{PhoneNumber: "12345"})
	assertCode(t, err, CodeValidationError)

	_, err = f.service.Send(ctx, SendOTPRequest{PhoneNumber: testPhone, Purpose: "unknown"})
	assertCode(t, err, CodeValidationError)

	_, err = f.service.Send(ctx, SendOTPRequest{PhoneNumber: testPhone, Channel: "carrier_pigeon"})
	assertCode(t, err, CodeValidationError)
}

func TestSendEnforcesMinuteLimit(t *testing.T) {
	f := newOTPFixture(t)

	f.send(t)

	_, err := f.service.Send(context.Background(), SendOTPRequest{PhoneNumber: testPhone})
	assertCode(t, err, CodeRateLimitExceeded)
}

func TestSendAllowedAfterWindowRollover(t *testing.T) {
	f := newOTPFixture(t)

	f.send(t)

	// Age the minute window past its duration; hour and day stay live.
	state, err := f.limitRepo.Get(context.Background(), testPhone)
	require.NoError(t, err)
	state.MinuteStart = time.Now().UTC().Add(-61 * time.Second)
	f.limitRepo.seed(state)

	result := f.send(t)
	assert.NotEqual(t, uuid.Nil, result.OTPID)
}

func TestSendEnforcesHourlyLimit(t *testing.T) {
	f := newOTPFixture(t)

	now := time.Now().UTC()
	f.limitRepo.seed(&model.RateLimitState{
		PhoneNumber: testPhone,
		MinuteCount: 0,
		MinuteStart: now,
		HourCount:   5,
		HourStart:   now.Add(-30 * time.Minute),
		DayCount:    5,
		DayStart:    now.Add(-2 * time.Hour),
	})

	_, err := f.service.Send(context.Background(), SendOTPRequest{PhoneNumber: testPhone})
	assertCode(t, err, CodeRateLimitExceeded)
}

func TestSendEnforcesDailyLimit(t *testing.T) {
	f := newOTPFixture(t)

	now := time.Now().UTC()
	f.limitRepo.seed(&model.RateLimitState{
		PhoneNumber: testPhone,
		MinuteStart: now,
		HourCount:   0,
		HourStart:   now,
		DayCount:    10,
		DayStart:    now.Add(-6 * time.Hour),
	})

	_, err := f.service.Send(context.Background(), SendOTPRequest{PhoneNumber: testPhone})
	assertCode(t, err, CodeRateLimitExceeded)
}

func TestNewSendSupersedesPreviousCode(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	f.send(t)
	firstCode := f.notifier.lastCode()

	// Roll the minute window so the second send is allowed.
	state, err := f.limitRepo.Get(ctx, testPhone)
	require.NoError(t, err)
	state.MinuteStart = time.Now().UTC().Add(-2 * time.Minute)
	f.limitRepo.seed(state)

	f.send(t)

	_, err = f.service.Verify(ctx, testPhone, model.PurposeLogin, firstCode)
	assertCode(t, err, CodeInvalidOTP)

	verified, err := f.service.Verify(ctx, testPhone, model.PurposeLogin, f.notifier.lastCode())
	require.NoError(t, err)
	assert.True(t, verified.IsUsed)
}

func TestSendFailurePersistsRow(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	f.notifier.err = errors.New("gateway down")
	_, err := f.service.Send(ctx, SendOTPRequest{PhoneNumber: testPhone})
	assertCode(t, err, CodeSendFailed)

	// The row was created before dispatch and carries the failure.
	require.Len(t, f.otpRepo.otps, 1)
	for _, otp := range f.otpRepo.otps {
		assert.Equal(t, "gateway down", otp.Metadata["send_error"])
		assert.Empty(t, otp.ProviderMessageID)
	}
}

func TestSendRecordsProviderMessageID(t *testing.T) {
	f := newOTPFixture(t)

	result := f.send(t)

	stored, err := f.otpRepo.GetByID(context.Background(), result.OTPID)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", stored.ProviderMessageID)
}

func TestSendFailureNotCountedByDefault(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	f.notifier.err = errors.New("gateway down")
	_, err := f.service.Send(ctx, SendOTPRequest{PhoneNumber: testPhone})
	assertCode(t, err, CodeSendFailed)

	status, err := f.service.limiter.Status(ctx, testPhone)
	require.NoError(t, err)
	assert.Zero(t, status.FailedAttempts)

	// The failed dispatch must not consume the minute quota either.
	f.notifier.err = nil
	_, err = f.service.Send(ctx, SendOTPRequest{PhoneNumber: testPhone})
	require.NoError(t, err)
}

func TestSendFailureCountedWhenConfigured(t *testing.T) {
	f := newOTPFixture(t)
	f.limitCfg.CountSendFailures = true
	ctx := context.Background()

	f.notifier.err = errors.New("gateway down")
	_, err := f.service.Send(ctx, SendOTPRequest{PhoneNumber: testPhone})
	assertCode(t, err, CodeSendFailed)

	// Counted failures feed the lockout counter, not the send quota.
	status, err := f.service.limiter.Status(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, 1, status.FailedAttempts)

	f.notifier.err = nil
	_, err = f.service.Send(ctx, SendOTPRequest{PhoneNumber: testPhone})
	require.NoError(t, err)
}

func TestVerifySucceedsOnce(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	f.send(t)
	code := f.notifier.lastCode()

	otp, err := f.service.Verify(ctx, testPhone, model.PurposeLogin, code)
	require.NoError(t, err)
	assert.True(t, otp.IsUsed)

	_, err = f.service.Verify(ctx, testPhone, model.PurposeLogin, code)
	assertCode(t, err, CodeOTPNotFound)
}

func TestVerifyWrongCodeCountsDown(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	f.send(t)

	_, err := f.service.Verify(ctx, testPhone, model.PurposeLogin, "000000")
	svcErr, ok := AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidOTP, svcErr.Code)
	assert.Equal(t, 2, svcErr.Details["remaining_attempts"])

	_, err = f.service.Verify(ctx, testPhone, model.PurposeLogin, "000000")
	svcErr, _ = AsServiceError(err)
	assert.Equal(t, 1, svcErr.Details["remaining_attempts"])

	// The last allowed attempt still reports invalid_otp, with zero left.
	_, err = f.service.Verify(ctx, testPhone, model.PurposeLogin, "000000")
	svcErr, _ = AsServiceError(err)
	assert.Equal(t, CodeInvalidOTP, svcErr.Code)
	assert.Equal(t, 0, svcErr.Details["remaining_attempts"])

	// Even the right code is refused once attempts are exhausted.
	_, err = f.service.Verify(ctx, testPhone, model.PurposeLogin, f.notifier.lastCode())
	assertCode(t, err, CodeMaxAttemptsExceeded)
}

func TestVerifyExpiredCode(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	result := f.send(t)

	// Age the stored OTP past its expiry.
	stored := f.otpRepo.otps[result.OTPID]
	stored.ExpiresAt = time.Now().UTC().Add(-time.Second)

	_, err := f.service.Verify(ctx, testPhone, model.PurposeLogin, f.notifier.lastCode())
	assertCode(t, err, CodeOTPExpired)
}

func TestVerifyUnknownPhone(t *testing.T) {
	f := newOTPFixture(t)

	_, err := f.service.Verify(context.Background(), "09351234567", model.PurposeLogin, "123456")
	assertCode(t, err, CodeOTPNotFound)
}

func TestVerifyConcurrentSingleUse(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	f.send(t)
	code := f.notifier.lastCode()

	const workers = 8
	var wg sync.WaitGroup
	results := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.service.Verify(ctx, testPhone, model.PurposeLogin, code)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes, "exactly one concurrent verification may succeed")
}

func TestRepeatedFailuresBlockSending(t *testing.T) {
	f := newOTPFixture(t)
	f.limitCfg.MinuteLimit = 100
	f.limitCfg.HourLimit = 100
	f.limitCfg.DailyLimit = 100
	ctx := context.Background()

	// Accumulate 10 failed verifications across several codes.
	for i := 0; i < 4; i++ {
		f.send(t)
		for j := 0; j < 3; j++ {
			_, err := f.service.Verify(ctx, testPhone, model.PurposeLogin, "000000")
			require.Error(t, err)
		}
	}

	_, err := f.service.Send(ctx, SendOTPRequest{PhoneNumber: testPhone})
	svcErr, ok := AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, CodeRateLimitExceeded, svcErr.Code)

	// Expire the block; sending works again and failures are reset.
	state, err2 := f.limitRepo.Get(ctx, testPhone)
	require.NoError(t, err2)
	state.BlockedUntil = time.Now().UTC().Add(-time.Minute)
	f.limitRepo.seed(state)

	_, err = f.service.Send(ctx, SendOTPRequest{PhoneNumber: testPhone})
	require.NoError(t, err)

	status, err := f.service.limiter.Status(ctx, testPhone)
	require.NoError(t, err)
	assert.Zero(t, status.FailedAttempts)
	assert.False(t, status.Blocked)
}

func TestSuccessfulVerifyResetsFailures(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	f.send(t)
	_, err := f.service.Verify(ctx, testPhone, model.PurposeLogin, "000000")
	require.Error(t, err)

	_, err = f.service.Verify(ctx, testPhone, model.PurposeLogin, f.notifier.lastCode())
	require.NoError(t, err)

	status, err := f.service.limiter.Status(ctx, testPhone)
	require.NoError(t, err)
	assert.Zero(t, status.FailedAttempts)
}

func TestSuccessfulVerifyDoesNotLiftBlock(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	f.send(t)

	// Block the phone while it still holds a valid code.
	state, err := f.limitRepo.Get(ctx, testPhone)
	require.NoError(t, err)
	state.FailedAttempts = 10
	state.BlockedUntil = time.Now().UTC().Add(24 * time.Hour)
	f.limitRepo.seed(state)

	// Verification itself is not gated by the send block.
	_, err = f.service.Verify(ctx, testPhone, model.PurposeLogin, f.notifier.lastCode())
	require.NoError(t, err)

	// The counter resets but the hard block must expire on its own.
	status, err := f.service.limiter.Status(ctx, testPhone)
	require.NoError(t, err)
	assert.Zero(t, status.FailedAttempts)
	assert.True(t, status.Blocked)

	_, err = f.service.Send(ctx, SendOTPRequest{PhoneNumber: testPhone})
	assertCode(t, err, CodeRateLimitExceeded)
}

func TestOTPStatus(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	result := f.send(t)

	status, err := f.service.Status(ctx, result.OTPID)
	require.NoError(t, err)
	assert.False(t, status.IsUsed)
	assert.False(t, status.IsExpired)
	assert.Equal(t, 3, status.RemainingAttempts)

	_, err = f.service.Verify(ctx, testPhone, model.PurposeLogin, f.notifier.lastCode())
	require.NoError(t, err)

	status, err = f.service.Status(ctx, result.OTPID)
	require.NoError(t, err)
	assert.True(t, status.IsUsed)
}

func TestCleanupExpiredRemovesOldRows(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	result := f.send(t)

	// Age the row past the retention window.
	f.otpRepo.otps[result.OTPID].CreatedAt = time.Now().UTC().Add(-25 * time.Hour)

	deleted, err := f.service.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestGenerateCodeRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := generateCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		require.GreaterOrEqual(t, code, "100000")
		require.LessOrEqual(t, code, "999999")
	}
}

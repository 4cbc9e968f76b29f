package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-auth-service/internal/audit"
	"otp-auth-service/internal/bucketing"
	"otp-auth-service/internal/config"
	"otp-auth-service/internal/hashing"
	"otp-auth-service/internal/model"
	redisrepo "otp-auth-service/internal/repository/redis"
	"otp-auth-service/internal/util"
)

// SendOTPRequest carries the normalized inputs for issuing a code.
type SendOTPRequest struct {
	PhoneNumber string `json:"phone_number"`
	Purpose     string `json:"purpose"`
	Channel     string `json:"channel"`
	IPAddress   string `json:"-"`
	UserAgent   string `json:"-"`
}

// SendOTPResult is returned on successful dispatch.
type SendOTPResult struct {
	OTPID       uuid.UUID `json:"otp_id"`
	PhoneNumber string    `json:"phone_number"`
	Channel     string    `json:"channel"`
	ExpiresAt   time.Time `json:"expires_at"`
	ExpiresIn   int       `json:"expires_in"`
}

// OTPStatus is the public view of an issued code.
type OTPStatus struct {
	OTPID             uuid.UUID `json:"otp_id"`
	Purpose           string    `json:"purpose"`
	Channel           string    `json:"channel"`
	IsUsed            bool      `json:"is_used"`
	IsExpired         bool      `json:"is_expired"`
	RemainingAttempts int       `json:"remaining_attempts"`
	ExpiresAt         time.Time `json:"expires_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// OTPService issues and verifies one-time codes.
type OTPService struct {
	otpRepo     model.OTPRepository
	cache       *redisrepo.OTPCache
	limiter     *RateLimiter
	notifier    model.Notifier
	hasher      *hashing.Hasher
	buckets     *bucketing.Manager
	recorder    *audit.Recorder
	cfg         *config.OTPConfig
	limitCfg    *config.RateLimitConfig
	verifyLocks sync.Map
}

// ActiveOTPFinder is the extra lookup the Scylla repository provides
// when the Redis cache misses.
type ActiveOTPFinder interface {
	GetActiveByPhone(ctx context.Context, phoneNumber, purpose string) (*model.OTPRequest, error)
}

func NewOTPService(
	otpRepo model.OTPRepository,
	cache *redisrepo.OTPCache,
	limiter *RateLimiter,
	notifier model.Notifier,
	hasher *hashing.Hasher,
	buckets *bucketing.Manager,
	recorder *audit.Recorder,
	cfg *config.OTPConfig,
	limitCfg *config.RateLimitConfig,
) *OTPService {
	return &OTPService{
		otpRepo:  otpRepo,
		cache:    cache,
		limiter:  limiter,
		notifier: notifier,
		hasher:   hasher,
		buckets:  buckets,
		recorder: recorder,
		cfg:      cfg,
		limitCfg: limitCfg,
	}
}

func (s *OTPService) verifyLockFor(phoneNumber string) *sync.Mutex {
	mu, _ := s.verifyLocks.LoadOrStore(phoneNumber, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Send issues a fresh code for (phone, purpose), superseding any
// unused one. The phone lock is held across the rate-limit check,
// provider dispatch, and counter update so the windows stay exact.
func (s *OTPService) Send(ctx context.Context, req SendOTPRequest) (*SendOTPResult, error) {
	phone := util.NormalizePhone(req.PhoneNumber)
	if !util.ValidatePhone(phone) {
		return nil, NewError(CodeValidationError, "invalid phone number")
	}
	if req.Purpose == "" {
		req.Purpose = model.PurposeLogin
	}
	if !model.ValidPurpose(req.Purpose) {
		return nil, NewError(CodeValidationError, "invalid purpose")
	}
	if req.Channel == "" {
		req.Channel = model.ChannelSMS
	}
	if !model.ValidChannel(req.Channel) {
		return nil, NewError(CodeValidationError, "invalid channel")
	}

	s.limiter.Lock(phone)
	defer s.limiter.Unlock(phone)

	decision, err := s.limiter.CanSend(ctx, phone)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, NewError(CodeRateLimitExceeded, decision.Reason).
			WithDetail("retry_after", int(decision.RetryAfter.Seconds()))
	}

	if s.cache != nil {
		acquired, err := s.cache.AcquireSendLock(ctx, phone, 5*time.Second)
		if err != nil {
			util.Warn("Send lock unavailable, continuing without it",
				zap.String("phone_number", phone),
				zap.Error(err))
		} else if !acquired {
			return nil, NewError(CodeRateLimitExceeded, "a send is already in progress").
				WithDetail("retry_after", 5)
		} else {
			defer s.cache.ReleaseSendLock(ctx, phone)
		}
	}

	// A new send invalidates the previous unused code.
	if err := s.otpRepo.InvalidateUnused(ctx, phone, req.Purpose); err != nil {
		return nil, internalError(err)
	}
	if s.cache != nil {
		_ = s.cache.DeleteActiveID(ctx, phone, req.Purpose)
	}

	code, err := generateCode()
	if err != nil {
		return nil, internalError(err)
	}

	codeHash, err := s.hasher.Hash(code)
	if err != nil {
		return nil, internalError(err)
	}

	// The row is persisted before dispatch so a failed or cancelled
	// provider call never loses the fact a code went out.
	now := time.Now().UTC()
	otp := &model.OTPRequest{
		ID:          uuid.New(),
		PhoneNumber: phone,
		Bucket:      s.buckets.BucketFor(phone),
		CodeHash:    codeHash,
		Purpose:     req.Purpose,
		Channel:     req.Channel,
		MaxAttempts: s.cfg.MaxAttempts,
		ExpiresAt:   now.Add(s.cfg.CodeTTL),
		CreatedAt:   now,
		IPAddress:   req.IPAddress,
		UserAgent:   req.UserAgent,
	}

	if err := s.otpRepo.Create(ctx, otp); err != nil {
		return nil, internalError(err)
	}

	messageID, sendErr := s.notifier.Send(ctx, phone, code, req.Channel)
	if sendErr != nil {
		otp.Metadata = map[string]string{"send_error": sendErr.Error()}
		if err := s.otpRepo.RecordDispatch(ctx, otp); err != nil {
			util.Error("Failed to record dispatch failure",
				zap.String("otp_id", otp.ID.String()),
				zap.Error(err))
		}
		if s.limitCfg.CountSendFailures {
			if err := s.limiter.recordFailedVerification(ctx, phone); err != nil {
				util.Error("Failed to count failed send",
					zap.String("phone_number", phone),
					zap.Error(err))
			}
		}
		util.Error("OTP dispatch failed",
			zap.String("phone_number", phone),
			zap.String("channel", req.Channel),
			zap.Error(sendErr))
		return nil, NewError(CodeSendFailed, "failed to deliver verification code")
	}

	otp.ProviderMessageID = messageID
	if err := s.otpRepo.RecordDispatch(ctx, otp); err != nil {
		util.Warn("Failed to record provider message id",
			zap.String("otp_id", otp.ID.String()),
			zap.Error(err))
	}

	if s.cache != nil {
		if err := s.cache.SetActiveID(ctx, phone, req.Purpose, otp.ID, s.cfg.CodeTTL); err != nil {
			util.Warn("Failed to cache OTP id",
				zap.String("otp_id", otp.ID.String()),
				zap.Error(err))
		}
	}

	if err := s.limiter.RecordSend(ctx, phone); err != nil {
		return nil, err
	}

	if s.recorder != nil {
		s.recorder.Record(ctx, audit.Event{
			Type:        audit.EventOTPSent,
			PhoneNumber: phone,
			IPAddress:   req.IPAddress,
			Attributes: map[string]string{
				"purpose": req.Purpose,
				"channel": req.Channel,
				"otp_id":  otp.ID.String(),
			},
		})
	}

	util.Info("OTP issued",
		zap.String("otp_id", otp.ID.String()),
		zap.String("purpose", req.Purpose),
		zap.String("channel", req.Channel),
		zap.Time("expires_at", otp.ExpiresAt))

	return &SendOTPResult{
		OTPID:       otp.ID,
		PhoneNumber: phone,
		Channel:     req.Channel,
		ExpiresAt:   otp.ExpiresAt,
		ExpiresIn:   int(s.cfg.CodeTTL.Seconds()),
	}, nil
}

// Verify checks the submitted code against the active OTP. At most
// one concurrent verification can consume a code; losers see
// otp_already_used.
func (s *OTPService) Verify(ctx context.Context, phoneNumber, purpose, code string) (*model.OTPRequest, error) {
	phone := util.NormalizePhone(phoneNumber)
	if !util.ValidatePhone(phone) {
		return nil, NewError(CodeValidationError, "invalid phone number")
	}
	if purpose == "" {
		purpose = model.PurposeLogin
	}
	if len(code) != 6 {
		return nil, NewError(CodeValidationError, "code must be 6 digits")
	}

	mu := s.verifyLockFor(phone)
	mu.Lock()
	defer mu.Unlock()

	otp, err := s.findActive(ctx, phone, purpose)
	if err != nil {
		if err == model.ErrNotFound {
			return nil, NewError(CodeOTPNotFound, "no verification code found")
		}
		return nil, internalError(err)
	}

	now := time.Now().UTC()
	switch {
	case otp.IsUsed:
		return nil, NewError(CodeOTPAlreadyUsed, "code has already been used")
	case otp.IsExpired(now):
		return nil, NewError(CodeOTPExpired, "code has expired")
	case otp.Attempts >= otp.MaxAttempts:
		return nil, NewError(CodeMaxAttemptsExceeded, "too many attempts for this code")
	}

	match, err := s.hasher.Verify(code, otp.CodeHash)
	if err != nil {
		return nil, internalError(err)
	}

	if !match {
		if err := s.otpRepo.IncrementAttempts(ctx, otp); err != nil {
			return nil, internalError(err)
		}
		if err := s.limiter.RecordFailedVerification(ctx, phone); err != nil {
			util.Error("Failed to record verification failure",
				zap.String("phone_number", phone),
				zap.Error(err))
		}
		if s.recorder != nil {
			s.recorder.Record(ctx, audit.Event{
				Type:        audit.EventOTPFailed,
				PhoneNumber: phone,
				Attributes: map[string]string{
					"purpose": purpose,
					"otp_id":  otp.ID.String(),
				},
			})
		}

		message := "incorrect verification code"
		if otp.RemainingAttempts() == 0 {
			message = "incorrect verification code, no attempts left"
		}
		return nil, NewError(CodeInvalidOTP, message).
			WithDetail("remaining_attempts", otp.RemainingAttempts())
	}

	applied, err := s.otpRepo.MarkUsed(ctx, otp)
	if err != nil {
		return nil, internalError(err)
	}
	if !applied {
		return nil, NewError(CodeOTPAlreadyUsed, "code has already been used")
	}

	if s.cache != nil {
		_ = s.cache.DeleteActiveID(ctx, phone, purpose)
	}

	if err := s.limiter.ResetFailures(ctx, phone); err != nil {
		util.Error("Failed to reset verification failures",
			zap.String("phone_number", phone),
			zap.Error(err))
	}

	if s.recorder != nil {
		s.recorder.Record(ctx, audit.Event{
			Type:        audit.EventOTPVerified,
			PhoneNumber: phone,
			Attributes: map[string]string{
				"purpose": purpose,
				"otp_id":  otp.ID.String(),
			},
		})
	}

	util.Info("OTP verified",
		zap.String("otp_id", otp.ID.String()),
		zap.String("purpose", purpose))

	return otp, nil
}

// Status returns the public view of an issued code.
func (s *OTPService) Status(ctx context.Context, otpID uuid.UUID) (*OTPStatus, error) {
	otp, err := s.otpRepo.GetByID(ctx, otpID)
	if err != nil {
		if err == model.ErrNotFound {
			return nil, NewError(CodeOTPNotFound, "no verification code found")
		}
		return nil, internalError(err)
	}

	now := time.Now().UTC()
	return &OTPStatus{
		OTPID:             otp.ID,
		Purpose:           otp.Purpose,
		Channel:           otp.Channel,
		IsUsed:            otp.IsUsed,
		IsExpired:         otp.IsExpired(now),
		RemainingAttempts: otp.RemainingAttempts(),
		ExpiresAt:         otp.ExpiresAt,
		CreatedAt:         otp.CreatedAt,
	}, nil
}

// CleanupExpired removes OTP rows past the retention age. Called by
// the maintenance loop.
func (s *OTPService) CleanupExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.RetentionAge)
	return s.otpRepo.DeleteOlderThan(ctx, cutoff)
}

func (s *OTPService) findActive(ctx context.Context, phone, purpose string) (*model.OTPRequest, error) {
	if s.cache != nil {
		id, err := s.cache.GetActiveID(ctx, phone, purpose)
		if err == nil {
			otp, err := s.otpRepo.GetByID(ctx, id)
			if err == nil {
				return otp, nil
			}
			if err != model.ErrNotFound {
				return nil, err
			}
		} else if err != model.ErrNotFound {
			util.Warn("OTP cache lookup failed, falling back to store",
				zap.String("phone_number", phone),
				zap.Error(err))
		}
	}

	if finder, ok := s.otpRepo.(ActiveOTPFinder); ok {
		return finder.GetActiveByPhone(ctx, phone, purpose)
	}
	return nil, model.ErrNotFound
}

// generateCode draws a uniform 6 digit code from crypto/rand.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

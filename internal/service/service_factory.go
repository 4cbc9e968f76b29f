package service

import (
	"otp-auth-service/internal/audit"
	"otp-auth-service/internal/bucketing"
	"otp-auth-service/internal/config"
	"otp-auth-service/internal/hashing"
	"otp-auth-service/internal/model"
	redisrepo "otp-auth-service/internal/repository/redis"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	otpRepo       model.OTPRepository
	rateLimitRepo model.RateLimitRepository
	userRepo      model.UserRepository
	sessionRepo   model.VerificationRepository
	blacklistRepo model.BlacklistRepository
	cache         *redisrepo.OTPCache
	notifier      model.Notifier
	hasher        *hashing.Hasher
	bucketingMgr  *bucketing.Manager
	recorder      *audit.Recorder
	cfg           *config.Config

	rateLimiter  *RateLimiter
	otpService   *OTPService
	tokenService *TokenService
	authService  *AuthService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	otpRepo model.OTPRepository,
	rateLimitRepo model.RateLimitRepository,
	userRepo model.UserRepository,
	sessionRepo model.VerificationRepository,
	blacklistRepo model.BlacklistRepository,
	cache *redisrepo.OTPCache,
	notifier model.Notifier,
	hasher *hashing.Hasher,
	bucketingMgr *bucketing.Manager,
	recorder *audit.Recorder,
	cfg *config.Config,
) *ServiceFactory {
	return &ServiceFactory{
		otpRepo:       otpRepo,
		rateLimitRepo: rateLimitRepo,
		userRepo:      userRepo,
		sessionRepo:   sessionRepo,
		blacklistRepo: blacklistRepo,
		cache:         cache,
		notifier:      notifier,
		hasher:        hasher,
		bucketingMgr:  bucketingMgr,
		recorder:      recorder,
		cfg:           cfg,
	}
}

// RateLimiter returns the rate limiter instance (singleton)
func (f *ServiceFactory) RateLimiter() *RateLimiter {
	if f.rateLimiter == nil {
		f.rateLimiter = NewRateLimiter(f.rateLimitRepo, &f.cfg.RateLimit)
	}
	return f.rateLimiter
}

// OTPService returns the OTP service instance (singleton)
func (f *ServiceFactory) OTPService() *OTPService {
	if f.otpService == nil {
		f.otpService = NewOTPService(
			f.otpRepo,
			f.cache,
			f.RateLimiter(),
			f.notifier,
			f.hasher,
			f.bucketingMgr,
			f.recorder,
			&f.cfg.OTP,
			&f.cfg.RateLimit,
		)
	}
	return f.otpService
}

// TokenService returns the token service instance (singleton)
func (f *ServiceFactory) TokenService() *TokenService {
	if f.tokenService == nil {
		f.tokenService = NewTokenService(
			f.blacklistRepo,
			f.sessionRepo,
			f.userRepo,
			f.recorder,
			&f.cfg.JWT,
		)
	}
	return f.tokenService
}

// AuthService returns the auth service instance (singleton)
func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(
			f.OTPService(),
			f.TokenService(),
			f.userRepo,
			f.recorder,
			&f.cfg.OTP,
		)
	}
	return f.authService
}

// Recorder returns the audit recorder
func (f *ServiceFactory) Recorder() *audit.Recorder {
	return f.recorder
}

package model

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("not found")

// OTP purposes accepted by the service.
const (
	PurposeLogin         = "login"
	PurposeRegister      = "register"
	PurposeResetPassword = "reset_password"
	PurposeVerifyPhone   = "verify_phone"
)

// Delivery channels for OTP codes.
const (
	ChannelSMS   = "sms"
	ChannelVoice = "voice"
)

// Token types embedded in JWT claims.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// ValidPurpose reports whether p is one of the accepted OTP purposes.
func ValidPurpose(p string) bool {
	switch p {
	case PurposeLogin, PurposeRegister, PurposeResetPassword, PurposeVerifyPhone:
		return true
	}
	return false
}

// ValidChannel reports whether c is a supported delivery channel.
func ValidChannel(c string) bool {
	return c == ChannelSMS || c == ChannelVoice
}

// OTPRequest is a single issued one-time code. The plaintext code is
// never stored; only its argon2id hash survives generation.
type OTPRequest struct {
	ID                uuid.UUID         `json:"id"`
	PhoneNumber       string            `json:"phone_number"`
	Bucket            int               `json:"-"`
	CodeHash          string            `json:"-"`
	Purpose           string            `json:"purpose"`
	Channel           string            `json:"channel"`
	IsUsed            bool              `json:"is_used"`
	Attempts          int               `json:"attempts"`
	MaxAttempts       int               `json:"max_attempts"`
	ExpiresAt         time.Time         `json:"expires_at"`
	CreatedAt         time.Time         `json:"created_at"`
	ProviderMessageID string            `json:"-"`
	IPAddress         string            `json:"-"`
	UserAgent         string            `json:"-"`
	Metadata          map[string]string `json:"-"`
}

// IsExpired reports whether the code has passed its expiry instant.
func (o *OTPRequest) IsExpired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// CanVerify reports whether another verification attempt is allowed.
func (o *OTPRequest) CanVerify(now time.Time) bool {
	return !o.IsUsed && !o.IsExpired(now) && o.Attempts < o.MaxAttempts
}

// RemainingAttempts returns how many verification attempts are left.
func (o *OTPRequest) RemainingAttempts() int {
	remaining := o.MaxAttempts - o.Attempts
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RateLimitState tracks per-phone send counters across three fixed
// windows plus the failed-verification lockout counter. Windows are
// rolled lazily from the persisted start timestamps.
type RateLimitState struct {
	PhoneNumber    string    `json:"phone_number"`
	MinuteCount    int       `json:"minute_count"`
	MinuteStart    time.Time `json:"minute_start"`
	HourCount      int       `json:"hour_count"`
	HourStart      time.Time `json:"hour_start"`
	DayCount       int       `json:"day_count"`
	DayStart       time.Time `json:"day_start"`
	FailedAttempts int       `json:"failed_attempts"`
	BlockedUntil   time.Time `json:"blocked_until"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RollWindows resets any fixed window whose duration has elapsed and
// clears an expired block. Idempotent for a given now.
func (r *RateLimitState) RollWindows(now time.Time) {
	if now.Sub(r.MinuteStart) >= time.Minute {
		r.MinuteCount = 0
		r.MinuteStart = now
	}
	if now.Sub(r.HourStart) >= time.Hour {
		r.HourCount = 0
		r.HourStart = now
	}
	if now.Sub(r.DayStart) >= 24*time.Hour {
		r.DayCount = 0
		r.DayStart = now
	}
	if !r.BlockedUntil.IsZero() && !now.Before(r.BlockedUntil) {
		r.BlockedUntil = time.Time{}
		r.FailedAttempts = 0
	}
}

// IsBlocked reports whether the phone is under a verification lockout.
func (r *RateLimitState) IsBlocked(now time.Time) bool {
	return !r.BlockedUntil.IsZero() && now.Before(r.BlockedUntil)
}

// RecordSend increments all three window counters.
func (r *RateLimitState) RecordSend(now time.Time) {
	r.MinuteCount++
	r.HourCount++
	r.DayCount++
	r.UpdatedAt = now
}

// User is an account keyed by phone number.
type User struct {
	ID          uuid.UUID `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	UserType    string    `json:"user_type"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastLoginAt time.Time `json:"last_login_at"`
}

// Verification is a login session bound to a refresh token and device.
type Verification struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	PhoneNumber  string    `json:"phone_number"`
	DeviceID     string    `json:"device_id"`
	DeviceName   string    `json:"device_name"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	RefreshJTI   string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// BlacklistedToken is a revoked JWT identified by its jti claim. Rows
// past ExpiresAt are pruned by the maintenance loop.
type BlacklistedToken struct {
	JTI           string    `json:"jti"`
	TokenType     string    `json:"token_type"`
	UserID        uuid.UUID `json:"user_id"`
	Reason        string    `json:"reason"`
	BlacklistedAt time.Time `json:"blacklisted_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// OTPRepository persists issued codes in ScyllaDB.
type OTPRepository interface {
	Create(ctx context.Context, otp *OTPRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*OTPRequest, error)
	// RecordDispatch stores the provider message id or the failure
	// detail after the dispatch attempt.
	RecordDispatch(ctx context.Context, otp *OTPRequest) error
	IncrementAttempts(ctx context.Context, otp *OTPRequest) error
	// MarkUsed flips is_used with a compare-and-set; applied is false
	// when another request already consumed the code.
	MarkUsed(ctx context.Context, otp *OTPRequest) (applied bool, err error)
	InvalidateUnused(ctx context.Context, phoneNumber, purpose string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// RateLimitRepository persists per-phone counters.
type RateLimitRepository interface {
	Get(ctx context.Context, phoneNumber string) (*RateLimitState, error)
	Save(ctx context.Context, state *RateLimitState) error
}

// UserRepository persists accounts.
type UserRepository interface {
	GetByPhone(ctx context.Context, phoneNumber string) (*User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	Create(ctx context.Context, user *User) error
	UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

// VerificationRepository persists login sessions.
type VerificationRepository interface {
	Create(ctx context.Context, v *Verification) error
	GetByID(ctx context.Context, id uuid.UUID) (*Verification, error)
	ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*Verification, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	UpdateRefreshJTI(ctx context.Context, id uuid.UUID, jti string) error
}

// BlacklistRepository persists revoked token ids.
type BlacklistRepository interface {
	Add(ctx context.Context, token *BlacklistedToken) error
	Contains(ctx context.Context, jti string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// OTPCache is the Redis hot path in front of the OTP repository.
type OTPCache interface {
	SetActiveID(ctx context.Context, phoneNumber, purpose string, id uuid.UUID, ttl time.Duration) error
	GetActiveID(ctx context.Context, phoneNumber, purpose string) (uuid.UUID, error)
	DeleteActiveID(ctx context.Context, phoneNumber, purpose string) error
}

// Notifier delivers OTP codes to phones.
type Notifier interface {
	Send(ctx context.Context, phoneNumber, code, channel string) (messageID string, err error)
}

package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-auth-service/internal/client"
	"otp-auth-service/internal/model"
	"otp-auth-service/internal/util"
)

const (
	otpKeyPrefix  = "otp"
	lockKeyPrefix = "otp_lock"
	opTimeout     = 2 * time.Second
)

// OTPCache keeps the (phone, purpose) -> otp_id mapping hot so the
// verify path skips the Scylla lookup table.
type OTPCache struct {
	redis *client.RedisClient
}

func NewOTPCache(redisClient *client.RedisClient) *OTPCache {
	return &OTPCache{redis: redisClient}
}

func otpKey(phoneNumber, purpose string) string {
	return fmt.Sprintf("%s_%s_%s", otpKeyPrefix, phoneNumber, purpose)
}

func (c *OTPCache) SetActiveID(ctx context.Context, phoneNumber, purpose string, id uuid.UUID, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.redis.Set(ctx, otpKey(phoneNumber, purpose), id.String(), ttl); err != nil {
		util.Error("Failed to cache active OTP id",
			zap.String("phone_number", phoneNumber),
			zap.Error(err))
		return fmt.Errorf("failed to cache OTP id: %w", err)
	}
	return nil
}

func (c *OTPCache) GetActiveID(ctx context.Context, phoneNumber, purpose string) (uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := c.redis.Get(ctx, otpKey(phoneNumber, purpose))
	if err != nil {
		if err == client.ErrCacheMiss {
			return uuid.Nil, model.ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("failed to read OTP cache: %w", err)
	}

	id, err := uuid.Parse(val)
	if err != nil {
		// Corrupt entry; drop it and treat as a miss
		_ = c.redis.Del(ctx, otpKey(phoneNumber, purpose))
		return uuid.Nil, model.ErrNotFound
	}

	return id, nil
}

func (c *OTPCache) DeleteActiveID(ctx context.Context, phoneNumber, purpose string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return c.redis.Del(ctx, otpKey(phoneNumber, purpose))
}

// AcquireSendLock takes a short SETNX lock so concurrent sends for
// the same phone serialize across instances.
func (c *OTPCache) AcquireSendLock(ctx context.Context, phoneNumber string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := fmt.Sprintf("%s_%s", lockKeyPrefix, phoneNumber)
	ok, err := c.redis.SetNX(ctx, key, time.Now().UTC().UnixNano(), ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire send lock: %w", err)
	}
	return ok, nil
}

func (c *OTPCache) ReleaseSendLock(ctx context.Context, phoneNumber string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := fmt.Sprintf("%s_%s", lockKeyPrefix, phoneNumber)
	if err := c.redis.Del(ctx, key); err != nil {
		util.Warn("Failed to release send lock",
			zap.String("phone_number", phoneNumber),
			zap.Error(err))
	}
}

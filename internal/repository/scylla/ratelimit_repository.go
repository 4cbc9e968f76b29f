package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"otp-auth-service/internal/model"
	"otp-auth-service/internal/util"
)

type RateLimitRepository struct {
	client *ScyllaClient
}

func NewRateLimitRepository(client *ScyllaClient) *RateLimitRepository {
	return &RateLimitRepository{client: client}
}

// Get loads the counters for a phone; a fresh state is returned when
// no row exists yet.
func (r *RateLimitRepository) Get(ctx context.Context, phoneNumber string) (*model.RateLimitState, error) {
	state := &model.RateLimitState{}

	query := r.client.Prepared.GetRateLimit.WithContext(ctx).Bind(phoneNumber)

	err := query.Scan(
		&state.PhoneNumber, &state.MinuteCount, &state.MinuteStart,
		&state.HourCount, &state.HourStart, &state.DayCount, &state.DayStart,
		&state.FailedAttempts, &state.BlockedUntil, &state.UpdatedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			now := time.Now().UTC()
			return &model.RateLimitState{
				PhoneNumber: phoneNumber,
				MinuteStart: now,
				HourStart:   now,
				DayStart:    now,
				UpdatedAt:   now,
			}, nil
		}
		util.Error("Failed to get rate limit state",
			zap.String("phone_number", phoneNumber),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get rate limit state: %w", err)
	}

	return state, nil
}

func (r *RateLimitRepository) Save(ctx context.Context, state *model.RateLimitState) error {
	state.UpdatedAt = time.Now().UTC()

	query := r.client.Prepared.SaveRateLimit.WithContext(ctx).Bind(
		state.PhoneNumber, state.MinuteCount, state.MinuteStart,
		state.HourCount, state.HourStart, state.DayCount, state.DayStart,
		state.FailedAttempts, state.BlockedUntil, state.UpdatedAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to save rate limit state",
			zap.String("phone_number", state.PhoneNumber),
			zap.Error(err))
		return fmt.Errorf("failed to save rate limit state: %w", err)
	}

	return nil
}

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

type BlacklistRepository struct {
	client *ScyllaClient
}

func NewBlacklistRepository(client *ScyllaClient) *BlacklistRepository {
	return &BlacklistRepository{client: client}
}

// Add records a revoked jti. The row TTL tracks the token's own
// expiry so Scylla reclaims it on its own; DeleteExpired covers rows
// written with a zero TTL.
func (r *BlacklistRepository) Add(ctx context.Context, token *model.BlacklistedToken) error {
	ttl := int(time.Until(token.ExpiresAt).Seconds())
	if ttl < 0 {
		ttl = 0
	}

	query := r.client.Prepared.AddBlacklisted.WithContext(ctx).Bind(
		token.JTI, token.TokenType, token.UserID, token.Reason,
		token.BlacklistedAt, token.ExpiresAt, ttl)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to blacklist token",
			zap.String("jti", token.JTI),
			zap.String("reason", token.Reason),
			zap.Error(err))
		return fmt.Errorf("failed to blacklist token: %w", err)
	}

	util.Info("Token blacklisted",
		zap.String("jti", token.JTI),
		zap.String("token_type", token.TokenType),
		zap.String("reason", token.Reason))

	return nil
}

func (r *BlacklistRepository) Contains(ctx context.Context, jti string) (bool, error) {
	var found string

	query := r.client.Prepared.GetBlacklisted.WithContext(ctx).Bind(jti)
	if err := query.Scan(&found); err != nil {
		if err == gocql.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}

	return true, nil
}

// DeleteExpired prunes rows whose expires_at has passed. Runs from
// the maintenance loop.
func (r *BlacklistRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	iter := r.client.Session.Query(`
        SELECT jti FROM blacklisted_tokens WHERE expires_at < ? ALLOW FILTERING`,
		now).WithContext(ctx).Iter()

	var jti string
	deletedCount := 0

	batch := r.client.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	batchSize := 0

	flush := func() error {
		if batchSize == 0 {
			return nil
		}
		if err := r.client.Session.ExecuteBatch(batch); err != nil {
			return err
		}
		deletedCount += batchSize
		batch = r.client.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
		batchSize = 0
		return nil
	}

	for iter.Scan(&jti) {
		batch.Query(`DELETE FROM blacklisted_tokens WHERE jti = ?`, jti)
		batchSize++

		if batchSize >= 100 {
			if err := flush(); err != nil {
				iter.Close()
				return deletedCount, fmt.Errorf("failed to prune blacklist: %w", err)
			}
		}
	}

	if err := flush(); err != nil {
		iter.Close()
		return deletedCount, fmt.Errorf("failed to prune blacklist: %w", err)
	}

	if err := iter.Close(); err != nil {
		return deletedCount, fmt.Errorf("failed to scan blacklist: %w", err)
	}

	if deletedCount > 0 {
		util.Info("Expired blacklist entries pruned", zap.Int("deleted_count", deletedCount))
	}
	return deletedCount, nil
}

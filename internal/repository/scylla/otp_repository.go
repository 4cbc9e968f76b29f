package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-auth-service/internal/model"
	"otp-auth-service/internal/util"
)

type OTPRepository struct {
	client *ScyllaClient
}

func NewOTPRepository(client *ScyllaClient) *OTPRepository {
	return &OTPRepository{client: client}
}

func (r *OTPRepository) Create(ctx context.Context, otp *model.OTPRequest) error {
	if otp.ID == uuid.Nil {
		otp.ID = uuid.New()
	}

	query := r.client.Prepared.CreateOTP.WithContext(ctx).Bind(
		otp.ID, otp.Bucket, otp.PhoneNumber, otp.CodeHash, otp.Purpose, otp.Channel,
		otp.IsUsed, otp.Attempts, otp.MaxAttempts, otp.ExpiresAt, otp.CreatedAt,
		otp.ProviderMessageID, otp.IPAddress, otp.UserAgent, otp.Metadata)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create OTP",
			zap.String("phone_number", otp.PhoneNumber),
			zap.String("otp_id", otp.ID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to create OTP: %w", err)
	}

	active := r.client.Prepared.SetActiveOTP.WithContext(ctx).Bind(
		otp.PhoneNumber, otp.Purpose, otp.ID, otp.CreatedAt)
	if err := r.client.ExecuteWithRetry(active, 2); err != nil {
		return fmt.Errorf("failed to index active OTP: %w", err)
	}

	return nil
}

func (r *OTPRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.OTPRequest, error) {
	otp := &model.OTPRequest{}

	query := r.client.Prepared.GetOTPByID.WithContext(ctx).Bind(id)

	err := query.Scan(
		&otp.ID, &otp.Bucket, &otp.PhoneNumber, &otp.CodeHash, &otp.Purpose, &otp.Channel,
		&otp.IsUsed, &otp.Attempts, &otp.MaxAttempts, &otp.ExpiresAt, &otp.CreatedAt,
		&otp.ProviderMessageID, &otp.IPAddress, &otp.UserAgent, &otp.Metadata)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrNotFound
		}
		util.Error("Failed to get OTP by id",
			zap.String("otp_id", id.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get OTP: %w", err)
	}

	return otp, nil
}

// GetActiveByPhone resolves the current OTP for (phone, purpose).
func (r *OTPRepository) GetActiveByPhone(ctx context.Context, phoneNumber, purpose string) (*model.OTPRequest, error) {
	var id uuid.UUID
	query := r.client.Prepared.GetActiveOTP.WithContext(ctx).Bind(phoneNumber, purpose)
	if err := query.Scan(&id); err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve active OTP: %w", err)
	}
	return r.GetByID(ctx, id)
}

// RecordDispatch stores the provider outcome on an already created row.
func (r *OTPRepository) RecordDispatch(ctx context.Context, otp *model.OTPRequest) error {
	query := r.client.Prepared.RecordOTPDispatch.WithContext(ctx).Bind(
		otp.ProviderMessageID, otp.Metadata, otp.ID)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to record OTP dispatch outcome",
			zap.String("otp_id", otp.ID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to record OTP dispatch: %w", err)
	}
	return nil
}

func (r *OTPRepository) IncrementAttempts(ctx context.Context, otp *model.OTPRequest) error {
	otp.Attempts++

	query := r.client.Prepared.UpdateOTPAttempt.WithContext(ctx).Bind(otp.Attempts, otp.ID)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to increment OTP attempts",
			zap.String("otp_id", otp.ID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to increment OTP attempts: %w", err)
	}

	return nil
}

// MarkUsed consumes the code with a lightweight transaction so that
// at most one concurrent verification succeeds.
func (r *OTPRepository) MarkUsed(ctx context.Context, otp *model.OTPRequest) (bool, error) {
	var prevUsed bool
	applied, err := r.client.Session.Query(`
        UPDATE otp_requests SET is_used = true WHERE id = ? IF is_used = false`,
		otp.ID).WithContext(ctx).ScanCAS(&prevUsed)
	if err != nil {
		util.Error("Failed to mark OTP as used",
			zap.String("otp_id", otp.ID.String()),
			zap.Error(err))
		return false, fmt.Errorf("failed to mark OTP as used: %w", err)
	}

	if applied {
		otp.IsUsed = true
		clear := r.client.Prepared.ClearActiveOTP.WithContext(ctx).Bind(otp.PhoneNumber, otp.Purpose)
		if err := clear.Exec(); err != nil {
			util.Warn("Failed to clear active OTP index",
				zap.String("otp_id", otp.ID.String()),
				zap.Error(err))
		}
	}

	return applied, nil
}

// InvalidateUnused marks the current code for (phone, purpose) as used
// so a fresh send supersedes it.
func (r *OTPRepository) InvalidateUnused(ctx context.Context, phoneNumber, purpose string) error {
	var id uuid.UUID
	query := r.client.Prepared.GetActiveOTP.WithContext(ctx).Bind(phoneNumber, purpose)
	if err := query.Scan(&id); err != nil {
		if err == gocql.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to resolve active OTP: %w", err)
	}

	invalidate := r.client.Prepared.InvalidateOTP.WithContext(ctx).Bind(id)
	if err := r.client.ExecuteWithRetry(invalidate, 2); err != nil {
		return fmt.Errorf("failed to invalidate OTP: %w", err)
	}

	clear := r.client.Prepared.ClearActiveOTP.WithContext(ctx).Bind(phoneNumber, purpose)
	if err := clear.Exec(); err != nil {
		util.Warn("Failed to clear active OTP index",
			zap.String("phone_number", phoneNumber),
			zap.Error(err))
	}

	return nil
}

// DeleteOlderThan removes OTP rows created before cutoff. Runs from
// the maintenance loop, so the filtered scan is acceptable.
func (r *OTPRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	iter := r.client.Session.Query(`
        SELECT id FROM otp_requests WHERE created_at < ? ALLOW FILTERING`,
		cutoff).WithContext(ctx).Iter()

	var id uuid.UUID
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

	for iter.Scan(&id) {
		batch.Query(`DELETE FROM otp_requests WHERE id = ?`, id)
		batchSize++

		if batchSize >= 100 {
			if err := flush(); err != nil {
				iter.Close()
				return deletedCount, fmt.Errorf("failed to delete old OTPs: %w", err)
			}
		}
	}

	if err := flush(); err != nil {
		iter.Close()
		return deletedCount, fmt.Errorf("failed to delete old OTPs: %w", err)
	}

	if err := iter.Close(); err != nil {
		return deletedCount, fmt.Errorf("failed to scan old OTPs: %w", err)
	}

	if deletedCount > 0 {
		util.Info("Old OTPs deleted", zap.Int("deleted_count", deletedCount))
	}
	return deletedCount, nil
}

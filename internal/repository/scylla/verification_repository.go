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

type VerificationRepository struct {
	client *ScyllaClient
}

func NewVerificationRepository(client *ScyllaClient) *VerificationRepository {
	return &VerificationRepository{client: client}
}

func (r *VerificationRepository) Create(ctx context.Context, v *model.Verification) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}

	query := r.client.Prepared.CreateSession.WithContext(ctx).Bind(
		v.ID, v.UserID, v.PhoneNumber, v.DeviceID, v.DeviceName, v.IPAddress,
		v.UserAgent, v.RefreshJTI, v.IsActive, v.CreatedAt, v.LastActiveAt, v.ExpiresAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create session",
			zap.String("session_id", v.ID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	byUser := r.client.Prepared.CreateSessionByUser.WithContext(ctx).Bind(
		v.UserID, v.CreatedAt, v.ID)
	if err := r.client.ExecuteWithRetry(byUser, 2); err != nil {
		return fmt.Errorf("failed to index session by user: %w", err)
	}

	return nil
}

func (r *VerificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Verification, error) {
	v := &model.Verification{}

	query := r.client.Prepared.GetSessionByID.WithContext(ctx).Bind(id)

	err := query.Scan(
		&v.ID, &v.UserID, &v.PhoneNumber, &v.DeviceID, &v.DeviceName, &v.IPAddress,
		&v.UserAgent, &v.RefreshJTI, &v.IsActive, &v.CreatedAt, &v.LastActiveAt, &v.ExpiresAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return v, nil
}

// ListActiveByUser returns the user's sessions that are still active
// and not past expiry.
func (r *VerificationRepository) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*model.Verification, error) {
	iter := r.client.Prepared.ListSessionsByUser.WithContext(ctx).Bind(userID).Iter()

	var ids []uuid.UUID
	var id uuid.UUID
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	now := time.Now().UTC()
	sessions := make([]*model.Verification, 0, len(ids))
	for _, sid := range ids {
		v, err := r.GetByID(ctx, sid)
		if err != nil {
			if err == model.ErrNotFound {
				continue
			}
			return nil, err
		}
		if v.IsActive && now.Before(v.ExpiresAt) {
			sessions = append(sessions, v)
		}
	}

	return sessions, nil
}

// Deactivate is one way; sessions are never reactivated.
func (r *VerificationRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	query := r.client.Prepared.DeactivateSession.WithContext(ctx).Bind(id)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to deactivate session",
			zap.String("session_id", id.String()),
			zap.Error(err))
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	return nil
}

// UpdateRefreshJTI rebinds the session to a rotated refresh token.
func (r *VerificationRepository) UpdateRefreshJTI(ctx context.Context, id uuid.UUID, jti string) error {
	query := r.client.Prepared.UpdateSessionJTI.WithContext(ctx).Bind(jti, id)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to update session token: %w", err)
	}
	return nil
}

func (r *VerificationRepository) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := r.client.Prepared.TouchSession.WithContext(ctx).Bind(at, id)
	if err := query.Exec(); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

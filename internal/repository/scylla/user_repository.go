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

type UserRepository struct {
	client *ScyllaClient
}

func NewUserRepository(client *ScyllaClient) *UserRepository {
	return &UserRepository{client: client}
}

func (r *UserRepository) Create(ctx context.Context, user *model.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	query := r.client.Prepared.CreateUser.WithContext(ctx).Bind(
		user.ID, user.PhoneNumber, user.UserType, user.IsActive,
		user.CreatedAt, user.UpdatedAt, user.LastLoginAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create user",
			zap.String("phone_number", user.PhoneNumber),
			zap.Error(err))
		return fmt.Errorf("failed to create user: %w", err)
	}

	byPhone := r.client.Prepared.CreateUserByPhone.WithContext(ctx).Bind(
		user.PhoneNumber, user.ID, user.CreatedAt)
	if err := r.client.ExecuteWithRetry(byPhone, 2); err != nil {
		return fmt.Errorf("failed to create phone lookup: %w", err)
	}

	util.Info("User created",
		zap.String("user_id", user.ID.String()),
		zap.String("user_type", user.UserType))

	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	user := &model.User{}

	query := r.client.Prepared.GetUserByID.WithContext(ctx).Bind(id)

	err := query.Scan(
		&user.ID, &user.PhoneNumber, &user.UserType, &user.IsActive,
		&user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

func (r *UserRepository) GetByPhone(ctx context.Context, phoneNumber string) (*model.User, error) {
	var userID uuid.UUID

	query := r.client.Prepared.GetUserIDByPhone.WithContext(ctx).Bind(phoneNumber)
	if err := query.Scan(&userID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve user by phone: %w", err)
	}

	return r.GetByID(ctx, userID)
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := r.client.Prepared.UpdateUserLastLogin.WithContext(ctx).Bind(at, at, id)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update last login",
			zap.String("user_id", id.String()),
			zap.Error(err))
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

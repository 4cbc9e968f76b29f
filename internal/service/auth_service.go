package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-auth-service/internal/audit"
	"otp-auth-service/internal/config"
	"otp-auth-service/internal/model"
	"otp-auth-service/internal/util"
)

// LoginRequest carries the OTP verification inputs plus device info
// for the session that gets opened on success.
type LoginRequest struct {
	PhoneNumber string `json:"phone_number"`
	Purpose     string `json:"purpose"`
	Code        string `json:"code"`
	DeviceID    string `json:"device_id"`
	DeviceName  string `json:"device_name"`
	IPAddress   string `json:"-"`
	UserAgent   string `json:"-"`
}

// LoginResult is the full login outcome.
type LoginResult struct {
	Tokens    *model.TokenPair `json:"tokens"`
	User      *model.User      `json:"user"`
	SessionID uuid.UUID        `json:"session_id"`
	IsNewUser bool             `json:"is_new_user"`
}

// AuthService orchestrates code verification into a login: verify,
// get or create the account, open a session, issue tokens.
type AuthService struct {
	otps     *OTPService
	tokens   *TokenService
	users    model.UserRepository
	recorder *audit.Recorder
	cfg      *config.OTPConfig
}

func NewAuthService(
	otps *OTPService,
	tokens *TokenService,
	users model.UserRepository,
	recorder *audit.Recorder,
	cfg *config.OTPConfig,
) *AuthService {
	return &AuthService{
		otps:     otps,
		tokens:   tokens,
		users:    users,
		recorder: recorder,
		cfg:      cfg,
	}
}

// VerifyLogin consumes the code and, on success, logs the phone in.
// A first-time phone gets an account with the default role.
func (s *AuthService) VerifyLogin(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	otp, err := s.otps.Verify(ctx, req.PhoneNumber, req.Purpose, req.Code)
	if err != nil {
		return nil, err
	}

	user, isNew, err := s.getOrCreateUser(ctx, otp.PhoneNumber)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, NewError(CodeUserInactive, "account is deactivated")
	}

	session, err := s.tokens.CreateSession(ctx, user, req.DeviceID, req.DeviceName, req.IPAddress, req.UserAgent)
	if err != nil {
		return nil, err
	}

	pair, err := s.tokens.IssuePair(ctx, user, session.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		util.Warn("Failed to update last login",
			zap.String("user_id", user.ID.String()),
			zap.Error(err))
	}
	user.LastLoginAt = now

	if s.recorder != nil {
		s.recorder.Record(ctx, audit.Event{
			Type:        audit.EventLogin,
			PhoneNumber: user.PhoneNumber,
			UserID:      user.ID.String(),
			IPAddress:   req.IPAddress,
			Attributes: map[string]string{
				"session_id":  session.ID.String(),
				"device_id":   session.DeviceID,
				"is_new_user": boolString(isNew),
			},
		})
	}

	util.Info("Login completed",
		zap.String("user_id", user.ID.String()),
		zap.String("session_id", session.ID.String()),
		zap.Bool("is_new_user", isNew))

	return &LoginResult{
		Tokens:    pair,
		User:      user,
		SessionID: session.ID,
		IsNewUser: isNew,
	}, nil
}

func (s *AuthService) getOrCreateUser(ctx context.Context, phoneNumber string) (*model.User, bool, error) {
	user, err := s.users.GetByPhone(ctx, phoneNumber)
	if err == nil {
		return user, false, nil
	}
	if err != model.ErrNotFound {
		return nil, false, internalError(err)
	}

	now := time.Now().UTC()
	user = &model.User{
		ID:          uuid.New(),
		PhoneNumber: phoneNumber,
		UserType:    s.cfg.DefaultRole,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, false, internalError(err)
	}

	return user, true, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

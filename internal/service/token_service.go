package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"otp-auth-service/internal/audit"
	"otp-auth-service/internal/config"
	"otp-auth-service/internal/model"
	"otp-auth-service/internal/util"
)

// Claims is the JWT payload for both token types.
type Claims struct {
	UserID      string `json:"user_id"`
	UserType    string `json:"user_type"`
	PhoneNumber string `json:"phone_number"`
	TokenType   string `json:"token_type"`
	SessionID   string `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenService signs, validates, rotates, and revokes JWTs, and owns
// the session lifecycle bound to refresh tokens.
type TokenService struct {
	blacklist model.BlacklistRepository
	sessions  model.VerificationRepository
	users     model.UserRepository
	recorder  *audit.Recorder
	cfg       *config.JWTConfig
}

func NewTokenService(
	blacklist model.BlacklistRepository,
	sessions model.VerificationRepository,
	users model.UserRepository,
	recorder *audit.Recorder,
	cfg *config.JWTConfig,
) *TokenService {
	return &TokenService{
		blacklist: blacklist,
		sessions:  sessions,
		users:     users,
		recorder:  recorder,
		cfg:       cfg,
	}
}

// IssuePair signs a fresh access and refresh token for the user,
// binding the refresh token to the session.
func (s *TokenService) IssuePair(ctx context.Context, user *model.User, sessionID uuid.UUID) (*model.TokenPair, error) {
	now := time.Now().UTC()
	accessExpiry := now.Add(s.cfg.AccessTTL)
	refreshExpiry := now.Add(s.cfg.RefreshTTL)

	accessToken, _, err := s.sign(user, sessionID, model.TokenTypeAccess, now, accessExpiry)
	if err != nil {
		return nil, internalError(err)
	}

	refreshToken, refreshJTI, err := s.sign(user, sessionID, model.TokenTypeRefresh, now, refreshExpiry)
	if err != nil {
		return nil, internalError(err)
	}

	if err := s.sessions.UpdateRefreshJTI(ctx, sessionID, refreshJTI); err != nil {
		return nil, internalError(err)
	}

	return &model.TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenType:        "Bearer",
		AccessExpiresAt:  accessExpiry,
		RefreshExpiresAt: refreshExpiry,
	}, nil
}

func (s *TokenService) sign(user *model.User, sessionID uuid.UUID, tokenType string, now, expiry time.Time) (string, string, error) {
	jti := uuid.New().String()
	claims := Claims{
		UserID:      user.ID.String(),
		UserType:    user.UserType,
		PhoneNumber: user.PhoneNumber,
		TokenType:   tokenType,
		SessionID:   sessionID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", "", fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}
	return signed, jti, nil
}

// Validate parses the token, checks the signature and expiry, and
// rejects blacklisted or wrong-type tokens.
func (s *TokenService) Validate(ctx context.Context, tokenString, expectedType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.Secret), nil
	})
	if err != nil || !token.Valid {
		return nil, NewError(CodeInvalidToken, "token is invalid or expired")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, NewError(CodeInvalidToken, "token is invalid or expired")
	}
	if claims.TokenType != expectedType {
		return nil, NewError(CodeInvalidToken, "wrong token type")
	}

	blacklisted, err := s.blacklist.Contains(ctx, claims.ID)
	if err != nil {
		return nil, internalError(err)
	}
	if blacklisted {
		return nil, NewError(CodeTokenBlacklisted, "token has been revoked")
	}

	return claims, nil
}

// Refresh rotates a refresh token: the old one is blacklisted and a
// fresh pair is issued against the same session.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (*model.TokenPair, error) {
	claims, err := s.Validate(ctx, refreshToken, model.TokenTypeRefresh)
	if err != nil {
		return nil, err
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, NewError(CodeInvalidToken, "token is invalid or expired")
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if err == model.ErrNotFound {
			return nil, NewError(CodeUserNotFound, "user no longer exists")
		}
		return nil, internalError(err)
	}
	if !user.IsActive {
		return nil, NewError(CodeUserInactive, "account is deactivated")
	}

	sessionID, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return nil, NewError(CodeInvalidToken, "token is invalid or expired")
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if err == model.ErrNotFound {
			return nil, NewError(CodeInvalidToken, "session no longer exists")
		}
		return nil, internalError(err)
	}
	if !session.IsActive {
		return nil, NewError(CodeInvalidToken, "session has been revoked")
	}

	var pair *model.TokenPair
	if s.cfg.RotateRefreshTokens {
		if s.cfg.BlacklistAfterRotation {
			if err := s.blacklistClaims(ctx, claims, "Token rotation"); err != nil {
				return nil, err
			}
		}
		pair, err = s.IssuePair(ctx, user, sessionID)
		if err != nil {
			return nil, err
		}
	} else {
		// Rotation disabled: only the access token is re-issued and
		// the presented refresh token stays valid.
		now := time.Now().UTC()
		accessExpiry := now.Add(s.cfg.AccessTTL)
		accessToken, _, signErr := s.sign(user, sessionID, model.TokenTypeAccess, now, accessExpiry)
		if signErr != nil {
			return nil, internalError(signErr)
		}
		pair = &model.TokenPair{
			AccessToken:     accessToken,
			RefreshToken:    refreshToken,
			TokenType:       "Bearer",
			AccessExpiresAt: accessExpiry,
		}
		if claims.ExpiresAt != nil {
			pair.RefreshExpiresAt = claims.ExpiresAt.Time
		}
	}

	if err := s.sessions.Touch(ctx, sessionID, time.Now().UTC()); err != nil {
		util.Warn("Failed to touch session",
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
	}

	if s.recorder != nil {
		s.recorder.Record(ctx, audit.Event{
			Type:   audit.EventTokenRefresh,
			UserID: user.ID.String(),
			Attributes: map[string]string{
				"session_id": sessionID.String(),
			},
		})
	}

	return pair, nil
}

// CreateSession opens a session for a freshly verified login.
func (s *TokenService) CreateSession(ctx context.Context, user *model.User, deviceID, deviceName, ipAddress, userAgent string) (*model.Verification, error) {
	if deviceID == "" {
		deviceID = uuid.New().String()
	}
	if deviceName == "" {
		deviceName = "Unknown Device"
	}

	now := time.Now().UTC()
	session := &model.Verification{
		ID:           uuid.New(),
		UserID:       user.ID,
		PhoneNumber:  user.PhoneNumber,
		DeviceID:     deviceID,
		DeviceName:   deviceName,
		IPAddress:    ipAddress,
		UserAgent:    userAgent,
		IsActive:     true,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(s.cfg.RefreshTTL),
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, internalError(err)
	}

	return session, nil
}

// Logout blacklists the refresh token and closes its session. With
// allDevices set, every other active session of the same user is
// closed and its refresh token blacklisted as well.
func (s *TokenService) Logout(ctx context.Context, refreshToken string, allDevices bool) error {
	claims, err := s.Validate(ctx, refreshToken, model.TokenTypeRefresh)
	if err != nil {
		return err
	}

	if err := s.blacklistClaims(ctx, claims, "Logout"); err != nil {
		return err
	}

	if sessionID, parseErr := uuid.Parse(claims.SessionID); parseErr == nil {
		if err := s.sessions.Deactivate(ctx, sessionID); err != nil {
			util.Warn("Failed to deactivate session on logout",
				zap.String("session_id", claims.SessionID),
				zap.Error(err))
		}
	}

	if allDevices {
		if userID, parseErr := uuid.Parse(claims.UserID); parseErr == nil {
			if err := s.revokeAllSessions(ctx, userID); err != nil {
				return err
			}
		}
	}

	if s.recorder != nil {
		s.recorder.Record(ctx, audit.Event{
			Type:   audit.EventLogout,
			UserID: claims.UserID,
			Attributes: map[string]string{
				"session_id":  claims.SessionID,
				"all_devices": fmt.Sprintf("%t", allDevices),
			},
		})
	}

	return nil
}

// revokeAllSessions closes every active session of the user and
// blacklists each stored refresh token. Access tokens are not tracked
// per session and age out on their own short TTL.
func (s *TokenService) revokeAllSessions(ctx context.Context, userID uuid.UUID) error {
	sessions, err := s.sessions.ListActiveByUser(ctx, userID)
	if err != nil {
		return internalError(err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)

	for _, session := range sessions {
		session := session
		group.Go(func() error {
			if err := s.sessions.Deactivate(groupCtx, session.ID); err != nil {
				return err
			}
			if session.RefreshJTI == "" {
				return nil
			}
			return s.blacklist.Add(groupCtx, &model.BlacklistedToken{
				JTI:           session.RefreshJTI,
				TokenType:     model.TokenTypeRefresh,
				UserID:        userID,
				Reason:        "Logout all devices",
				BlacklistedAt: time.Now().UTC(),
				ExpiresAt:     session.ExpiresAt,
			})
		})
	}

	if err := group.Wait(); err != nil {
		return internalError(err)
	}
	return nil
}

// Blacklist revokes an arbitrary token of either type. The signature
// must verify; expiry for the blacklist row is copied from the token.
func (s *TokenService) Blacklist(ctx context.Context, tokenString, reason string) error {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.Secret), nil
	})
	if err != nil || !token.Valid {
		return NewError(CodeInvalidToken, "token is invalid or expired")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return NewError(CodeInvalidToken, "token is invalid or expired")
	}

	return s.blacklistClaims(ctx, claims, reason)
}

// ListActiveSessions returns the user's open sessions, newest first.
func (s *TokenService) ListActiveSessions(ctx context.Context, userID uuid.UUID) ([]*model.Verification, error) {
	sessions, err := s.sessions.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, internalError(err)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// RevokeSession closes one of the user's sessions and blacklists its
// refresh token.
func (s *TokenService) RevokeSession(ctx context.Context, userID, sessionID uuid.UUID) error {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if err == model.ErrNotFound {
			return NewError(CodeSessionNotFound, "session not found")
		}
		return internalError(err)
	}
	if session.UserID != userID || !session.IsActive {
		return NewError(CodeSessionNotFound, "session not found")
	}

	if err := s.sessions.Deactivate(ctx, sessionID); err != nil {
		return internalError(err)
	}

	if session.RefreshJTI != "" {
		token := &model.BlacklistedToken{
			JTI:           session.RefreshJTI,
			TokenType:     model.TokenTypeRefresh,
			UserID:        userID,
			Reason:        "Session revoked",
			BlacklistedAt: time.Now().UTC(),
			ExpiresAt:     session.ExpiresAt,
		}
		if err := s.blacklist.Add(ctx, token); err != nil {
			return internalError(err)
		}
	}

	if s.recorder != nil {
		s.recorder.Record(ctx, audit.Event{
			Type:   audit.EventSessionRevoke,
			UserID: userID.String(),
			Attributes: map[string]string{
				"session_id": sessionID.String(),
			},
		})
	}

	return nil
}

// CleanupExpiredBlacklist prunes revocations whose tokens have
// expired on their own.
func (s *TokenService) CleanupExpiredBlacklist(ctx context.Context) (int, error) {
	return s.blacklist.DeleteExpired(ctx, time.Now().UTC())
}

func (s *TokenService) blacklistClaims(ctx context.Context, claims *Claims, reason string) error {
	userID, _ := uuid.Parse(claims.UserID)

	expiresAt := time.Now().UTC()
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	token := &model.BlacklistedToken{
		JTI:           claims.ID,
		TokenType:     claims.TokenType,
		UserID:        userID,
		Reason:        reason,
		BlacklistedAt: time.Now().UTC(),
		ExpiresAt:     expiresAt,
	}
	if err := s.blacklist.Add(ctx, token); err != nil {
		return internalError(err)
	}
	return nil
}

package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"otp-auth-service/internal/service"
	"otp-auth-service/internal/util"
)

// AuthHandler handles HTTP requests for the OTP login flows
type AuthHandler struct {
	otpService   *service.OTPService
	tokenService *service.TokenService
	authService  *service.AuthService
	rateLimiter  *service.RateLimiter
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(factory *service.ServiceFactory) *AuthHandler {
	return &AuthHandler{
		otpService:   factory.OTPService(),
		tokenService: factory.TokenService(),
		authService:  factory.AuthService(),
		rateLimiter:  factory.RateLimiter(),
	}
}

// Response represents a standard API response
type Response struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *service.Error `json:"error,omitempty"`
	Message string         `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// RegisterRoutes registers all auth routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		// Public routes
		r.Post("/otp/send", h.SendOTP)
		r.Post("/otp/verify", h.VerifyOTP)
		r.Get("/otp/{otpID}/status", h.OTPStatus)
		r.Get("/rate-limit/{phoneNumber}", h.RateLimitStatus)
		r.Post("/token/refresh", h.RefreshToken)
		r.Post("/logout", h.Logout)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.tokenService))
			r.Get("/sessions", h.ListSessions)
			r.Post("/sessions/{sessionID}/revoke", h.RevokeSession)
		})
	})
}

type sendOTPBody struct {
	PhoneNumber string `json:"phone_number"`
	Purpose     string `json:"purpose"`
	Channel     string `json:"channel"`
}

// SendOTP issues and dispatches a verification code
func (h *AuthHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var body sendOTPBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondWithError(w, service.NewError(service.CodeValidationError, "invalid request body"))
		return
	}

	result, err := h.otpService.Send(ctx, service.SendOTPRequest{
		PhoneNumber: body.PhoneNumber,
		Purpose:     body.Purpose,
		Channel:     body.Channel,
		IPAddress:   r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(result, "Verification code sent"))
	util.Info("OTP send handled",
		util.String("otp_id", result.OTPID.String()),
		util.Duration("duration", time.Since(startTime)))
}

type verifyOTPBody struct {
	PhoneNumber string `json:"phone_number"`
	Purpose     string `json:"purpose"`
	Code        string `json:"code"`
	DeviceID    string `json:"device_id"`
	DeviceName  string `json:"device_name"`
}

// VerifyOTP consumes a code and logs the phone in
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var body verifyOTPBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondWithError(w, service.NewError(service.CodeValidationError, "invalid request body"))
		return
	}

	result, err := h.authService.VerifyLogin(ctx, service.LoginRequest{
		PhoneNumber: body.PhoneNumber,
		Purpose:     body.Purpose,
		Code:        body.Code,
		DeviceID:    body.DeviceID,
		DeviceName:  body.DeviceName,
		IPAddress:   r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Login successful"))
	util.Info("Login handled",
		util.String("user_id", result.User.ID.String()),
		util.Bool("is_new_user", result.IsNewUser),
		util.Duration("duration", time.Since(startTime)))
}

// OTPStatus returns the public view of an issued code
func (h *AuthHandler) OTPStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	otpID, err := uuid.Parse(chi.URLParam(r, "otpID"))
	if err != nil {
		h.respondWithError(w, service.NewError(service.CodeValidationError, "invalid OTP id"))
		return
	}

	status, svcErr := h.otpService.Status(ctx, otpID)
	if svcErr != nil {
		h.respondWithError(w, svcErr)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(status, "OTP status retrieved"))
}

// RateLimitStatus returns the send counters for a phone
func (h *AuthHandler) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	phone := util.NormalizePhone(chi.URLParam(r, "phoneNumber"))
	if !util.ValidatePhone(phone) {
		h.respondWithError(w, service.NewError(service.CodeValidationError, "invalid phone number"))
		return
	}

	status, err := h.rateLimiter.Status(ctx, phone)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(status, "Rate limit status retrieved"))
}

type refreshBody struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshToken rotates a refresh token into a fresh pair
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body refreshBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" {
		h.respondWithError(w, service.NewError(service.CodeValidationError, "refresh_token is required"))
		return
	}

	pair, err := h.tokenService.Refresh(ctx, body.RefreshToken)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(pair, "Tokens refreshed"))
}

type logoutBody struct {
	RefreshToken     string `json:"refresh_token"`
	LogoutAllDevices bool   `json:"logout_all_devices"`
}

// Logout blacklists the refresh token and closes its session, or all
// of the user's sessions when logout_all_devices is set
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body logoutBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" {
		h.respondWithError(w, service.NewError(service.CodeValidationError, "refresh_token is required"))
		return
	}

	if err := h.tokenService.Logout(ctx, body.RefreshToken, body.LogoutAllDevices); err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

// ListSessions returns the caller's active sessions
func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		h.respondWithError(w, service.NewError(service.CodeInvalidToken, "missing credentials"))
		return
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		h.respondWithError(w, service.NewError(service.CodeInvalidToken, "missing credentials"))
		return
	}

	sessions, svcErr := h.tokenService.ListActiveSessions(ctx, userID)
	if svcErr != nil {
		h.respondWithError(w, svcErr)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(sessions, "Sessions retrieved"))
}

// RevokeSession closes one of the caller's sessions
func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		h.respondWithError(w, service.NewError(service.CodeInvalidToken, "missing credentials"))
		return
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		h.respondWithError(w, service.NewError(service.CodeInvalidToken, "missing credentials"))
		return
	}

	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondWithError(w, service.NewError(service.CodeValidationError, "invalid session id"))
		return
	}

	if err := h.tokenService.RevokeSession(ctx, userID, sessionID); err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Session revoked"))
}

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, status int, payload Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		util.Error("Failed to encode response", util.ErrorField(err))
	}
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, err error) {
	svcErr, ok := service.AsServiceError(err)
	if !ok {
		svcErr = service.NewError(service.CodeInternalError, "internal error")
	}

	h.respondWithJSON(w, statusCodeFor(svcErr), Response{
		Success: false,
		Error:   svcErr,
	})
}

// statusCodeFor maps service error codes onto HTTP statuses: 429 for
// rate limiting, 401 for token failures, 404 for a missing session on
// revoke, 400 for everything else the caller can act on.
func statusCodeFor(err *service.Error) int {
	switch err.Code {
	case service.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case service.CodeInvalidToken, service.CodeTokenBlacklisted:
		return http.StatusUnauthorized
	case service.CodeSessionNotFound:
		return http.StatusNotFound
	case service.CodeValidationError, service.CodeOTPNotFound, service.CodeOTPExpired,
		service.CodeOTPAlreadyUsed, service.CodeInvalidOTP, service.CodeMaxAttemptsExceeded,
		service.CodeCannotVerify, service.CodeSendFailed, service.CodeUserNotFound,
		service.CodeUserInactive:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// HealthCheck reports service liveness
func (h *AuthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"status":  "healthy",
		"service": "otp-auth-service",
	}, ""))
}

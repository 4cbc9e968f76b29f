package service

import "fmt"

// Error codes returned to API clients.
const (
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeSendFailed          = "send_failed"
	CodeOTPNotFound         = "otp_not_found"
	CodeOTPExpired          = "otp_expired"
	CodeOTPAlreadyUsed      = "otp_already_used"
	CodeMaxAttemptsExceeded = "max_attempts_exceeded"
	CodeCannotVerify        = "cannot_verify"
	CodeInvalidOTP          = "invalid_otp"
	CodeTokenBlacklisted    = "token_blacklisted"
	CodeInvalidToken        = "invalid_token"
	CodeUserNotFound        = "user_not_found"
	CodeUserInactive        = "user_inactive"
	CodeSessionNotFound     = "session_not_found"
	CodeValidationError     = "validation_error"
	CodeInternalError       = "internal_error"
)

// Error is a machine-readable service failure. Details carries
// code-specific context like remaining_attempts or retry_after.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsServiceError unwraps err into *Error when possible.
func AsServiceError(err error) (*Error, bool) {
	svcErr, ok := err.(*Error)
	return svcErr, ok
}

func internalError(err error) *Error {
	return &Error{
		Code:    CodeInternalError,
		Message: "internal error",
		Details: map[string]interface{}{"cause": err.Error()},
	}
}

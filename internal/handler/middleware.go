package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"otp-auth-service/internal/model"
	"otp-auth-service/internal/service"
)

type contextKey string

const claimsContextKey contextKey = "auth_claims"

// ClaimsFromContext extracts the validated token claims.
func ClaimsFromContext(ctx context.Context) (*service.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*service.Claims)
	return claims, ok
}

// AuthMiddleware validates the bearer access token, rejecting
// blacklisted and malformed tokens before the handler runs.
func AuthMiddleware(tokens *service.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || !strings.HasPrefix(header, "Bearer ") {
				writeAuthError(w, service.NewError(service.CodeInvalidToken, "missing bearer token"))
				return
			}

			tokenString := strings.TrimPrefix(header, "Bearer ")
			claims, err := tokens.Validate(r.Context(), tokenString, model.TokenTypeAccess)
			if err != nil {
				svcErr, ok := service.AsServiceError(err)
				if !ok {
					svcErr = service.NewError(service.CodeInternalError, "internal error")
				}
				writeAuthError(w, svcErr)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, svcErr *service.Error) {
	status := http.StatusUnauthorized
	if svcErr.Code == service.CodeInternalError {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Success: false,
		Error:   svcErr,
	})
}

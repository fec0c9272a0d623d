package httpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/stancp327/Fetchwork-sub000/internal/security"
)

type contextKey string

const userContextKey contextKey = "currentUserID"

// WithUserID returns a new context carrying the authenticated user id.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userContextKey, userID)
}

// CurrentUserID extracts the authenticated user id from context, or 0.
func CurrentUserID(r *http.Request) int64 {
	id, _ := r.Context().Value(userContextKey).(int64)
	return id
}

// AuthMiddleware validates the Bearer token and attaches the user id to the context.
func AuthMiddleware(tokens *security.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing or invalid Authorization header", Code: "unauthorized"})
				return
			}
			tokenStr := strings.TrimSpace(authHeader[len("Bearer "):])

			userID, err := tokens.UserID(tokenStr)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token", Code: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

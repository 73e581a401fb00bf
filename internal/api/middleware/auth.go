package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/auth"
)

type contextKey string

const (
	UserContextKey contextKey = "user"
	requestUserKey contextKey = "request_user"
)

// requestUser lets the outer request logger see the user bound by RequireAuth,
// which runs later on a derived request.
type requestUser struct {
	id string
}

// AuthMiddleware verifies bearer tokens on authenticated endpoints.
type AuthMiddleware struct {
	verifier auth.Verifier
	logger   zerolog.Logger
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(verifier auth.Verifier, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier, logger: logger}
}

// RequireAuth rejects requests without a valid identity token and stores the
// user id in the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := m.verifier.Verify(auth.TokenFromRequest(r))
		if err != nil {
			if errors.Is(err, auth.ErrMissingToken) {
				jsonError(w, http.StatusUnauthorized, "missing token")
				return
			}
			m.logger.Debug().
				Str("type", "security").
				Str("event", "invalid_token").
				Str("ip", RealIP(r)).
				Err(err).
				Msg("rejected request with invalid token")
			jsonError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		if h, ok := r.Context().Value(requestUserKey).(*requestUser); ok {
			h.id = userID
		}
		ctx := context.WithValue(r.Context(), UserContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// UserFromContext retrieves the authenticated user id from the request context.
func UserFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(UserContextKey).(string)
	return userID
}

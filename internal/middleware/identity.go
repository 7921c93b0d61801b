package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// UserAuth requires a caller identity on every request. Identity arrives as
// an X-User-ID header set by the fronting auth proxy; requests without a
// well-formed one are rejected before any handler runs.
func UserAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-User-ID")
		if _, err := uuid.Parse(raw); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "missing or invalid user identity"})
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), raw)))
	})
}

// ContextWithUserID attaches a user id to the context. Exposed for tests and
// internal callers that bypass the HTTP layer.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

package middleware

import (
	"net/http"
	"strings"

	"github.com/kiranshivaraju/jobdeck/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

// OperatorAuth guards destructive routes with a single operator key whose
// bcrypt hash comes from configuration. With no hash configured every request
// passes, matching a deployment that sits behind its own gateway.
type OperatorAuth struct {
	hash []byte
}

// NewOperatorAuth creates the middleware from a bcrypt hash, which may be empty.
func NewOperatorAuth(keyHash string) *OperatorAuth {
	a := &OperatorAuth{}
	if keyHash != "" {
		a.hash = []byte(keyHash)
	}
	return a
}

// Enabled reports whether a key is required.
func (a *OperatorAuth) Enabled() bool {
	return len(a.hash) > 0
}

// Require rejects requests without a matching Bearer token.
func (a *OperatorAuth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if bcrypt.CompareHashAndPassword(a.hash, []byte(rawKey)) != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid operator key", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/pointledger/backend/internal/models"
)

type contextKey string

const ctxServiceKey contextKey = "service_key"

// ServiceKeyLookup resolves a hashed bearer token to a registered service.
type ServiceKeyLookup interface {
	FindByKeyHash(ctx context.Context, keyHash string) (*models.ServiceKey, error)
}

// ServiceKeyAuth authenticates calling services by hashing the Bearer token
// (SHA-256) and looking it up in service_keys. On success the matched key is
// set into request context so handlers can log who called.
func ServiceKeyAuth(keys ServiceKeyLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}

			key, err := keys.FindByKeyHash(r.Context(), hashKey(raw))
			if err != nil {
				http.Error(w, `{"error":"invalid service key"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ctxServiceKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ServiceKeyFromCtx returns the authenticated service key or nil.
func ServiceKeyFromCtx(ctx context.Context) *models.ServiceKey {
	k, _ := ctx.Value(ctxServiceKey).(*models.ServiceKey)
	return k
}

// WithServiceKey returns a context carrying the given key.
func WithServiceKey(ctx context.Context, k *models.ServiceKey) context.Context {
	return context.WithValue(ctx, ctxServiceKey, k)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

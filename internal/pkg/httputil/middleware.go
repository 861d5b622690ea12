package httputil

import (
	"crypto/subtle"
	"net/http"
)

// APIKeyHeader carries the intake API key.
const APIKeyHeader = "X-API-Key"

// APIKeyMiddleware rejects requests whose X-API-Key header matches none of keys.
// With no keys configured every request passes.
func APIKeyMiddleware(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(APIKeyHeader)
			if provided == "" {
				Error(w, http.StatusUnauthorized, "missing api key")
				return
			}
			if !matchesAny(provided, keys) {
				Error(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func matchesAny(provided string, keys []string) bool {
	match := 0
	for _, k := range keys {
		match |= subtle.ConstantTimeCompare([]byte(provided), []byte(k))
	}
	return match == 1
}

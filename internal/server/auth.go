package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware validates X-Bastion-Key or Authorization: Bearer <key>
// against the configured admin keys. With no keys configured every
// request is rejected; the admin API is never open by accident.
func AuthMiddleware(apiKeys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Bastion-Key")
			if key == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if key == "" || !keyAllowed(apiKeys, key) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func keyAllowed(apiKeys []string, key string) bool {
	ok := false
	for _, k := range apiKeys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}

// Package auth guards administrative routes and inspects remote access tokens.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// APIKeyHeader is the header carrying the admin API key
const APIKeyHeader = "X-API-Key"

// AdminKey returns middleware that admits requests presenting key, either in
// the X-API-Key header or as a bearer token. An empty key locks the routes.
func AdminKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				deny(w, http.StatusForbidden, "admin API key not configured")
				return
			}

			presented := extractAPIKey(r)
			if presented == "" {
				deny(w, http.StatusUnauthorized, "missing API key")
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				deny(w, http.StatusForbidden, "invalid admin API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractAPIKey reads the key from the request headers
func extractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key
	}
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(bearer)
	}
	return ""
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

/**
 * @description
 * This file provides the authentication middleware for the engine's
 * management endpoints. Issuance and cancellation are internal operations
 * gated by a shared API key; the bank webhook and the SSE streams carry
 * their own addressing (unguessable QR ids) and are not behind it.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 */

package api

import (
	"crypto/subtle"
	"net/http"
)

const apiKeyHeader = "X-Internal-Api-Key"

// InternalKeyMiddleware rejects requests that do not carry the shared
// internal API key. An empty configured key disables the check (local
// development).
func InternalKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" {
				provided := r.Header.Get(apiKeyHeader)
				if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

package myMiddleware

import (
	"crypto/subtle"
	"net/http"
)

// ServiceKeyHeader carries the shared key of backend services.
const ServiceKeyHeader = "X-Service-Key"

// RequireServiceKey admits only requests that present key in
// ServiceKeyHeader. An empty key admits nobody.
func RequireServiceKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(ServiceKeyHeader)
			if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

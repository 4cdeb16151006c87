package middleware

import (
	"net/http"
)

// ReadOnly returns middleware that rejects write requests while isEnabled
// reports true. isEnabled is called on every request so the mode can be
// toggled without restarting the server.
func ReadOnly(isEnabled func() bool, reject http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Safe (read-only) methods are always allowed.
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			if isEnabled() {
				w.Header().Set("Retry-After", "3600")
				reject(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

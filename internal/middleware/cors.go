// Package middleware provides HTTP middleware for the local API.
package middleware

import (
	"net"
	"net/http"
	"net/url"
	"slices"
)

// CORS returns middleware that handles CORS headers. The API runs on the
// user's machine and can export the identity key, so besides the configured
// origins only loopback origins (a front-end dev server) are trusted. "*"
// admits any origin, never with credentials. Last-Event-ID is allowed for
// EventSource reconnects.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" {
				w.Header().Add("Vary", "Origin")
				if trusted, ok := allowOrigin(allowedOrigins, origin); ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
					// Credentials only for trusted origins; echoing a wildcard
					// match with credentials enables CSRF.
					if trusted {
						w.Header().Set("Access-Control-Allow-Credentials", "true")
					}
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// allowOrigin reports whether origin may call the API and whether it is
// trusted with credentials.
func allowOrigin(allowedOrigins []string, origin string) (trusted, ok bool) {
	if slices.Contains(allowedOrigins, origin) || isLoopbackOrigin(origin) {
		return true, true
	}
	return false, slices.Contains(allowedOrigins, "*")
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

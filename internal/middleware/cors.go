// Package middleware provides HTTP middleware for the module host.
package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginSource returns the origins allowed for a request. The module host
// reads them from the root module on every request so a root module
// upgrade changes the policy without a restart.
type OriginSource func(r *http.Request) []string

// CORSMiddleware applies the root module's cross-origin policy.
type CORSMiddleware struct {
	origins OriginSource
}

// NewCORSMiddleware creates a new CORS middleware.
func NewCORSMiddleware(origins OriginSource) *CORSMiddleware {
	return &CORSMiddleware{origins: origins}
}

// Handler returns the CORS middleware handler. Preflight requests are
// answered here with 200; without declared origins no CORS header is sent.
func (m *CORSMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var allowed []string
		if m.origins != nil {
			allowed = m.origins(r)
		}
		origin := r.Header.Get("Origin")

		if len(allowed) > 0 {
			w.Header().Add("Vary", "Origin")
			if origin != "" && isOriginAllowed(allowed, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Expose-Headers", "X-Trace-ID")
				if r.Method == http.MethodOptions {
					w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
					reqHeaders := r.Header.Get("Access-Control-Request-Headers")
					if reqHeaders == "" {
						reqHeaders = "Content-Type, X-Trace-ID"
					}
					w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
					w.Header().Set("Access-Control-Max-Age", "3600")
				}
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed matches origin against full origins ("https://a.com"),
// bare hosts ("a.com") or "*".
func isOriginAllowed(allowed []string, origin string) bool {
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Host
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}

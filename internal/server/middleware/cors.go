package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSOptions configures cross-origin access to the operations API.
type CORSOptions struct {
	// Origins lists allowed origins. An entry may be "*" or use a leading
	// wildcard label such as "https://*.example.com". Empty allows any
	// origin.
	Origins []string
	// MaxAge is how long browsers may cache a preflight. Zero means 10m.
	MaxAge time.Duration
}

const (
	corsMethods = "GET, POST, PUT, DELETE, OPTIONS"
	// The dashboard authenticates with either header and may set its own
	// request id for log correlation.
	corsHeaders = "Content-Type, Authorization, X-API-Key, " + RequestIDHeader
)

// CORS answers preflight requests and sets CORS headers for allowed origins.
func CORS(opts CORSOptions) func(http.Handler) http.Handler {
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	maxAgeSecs := strconv.Itoa(int(maxAge / time.Second))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				w.Header().Add("Vary", "Origin")
				if originAllowed(opts.Origins, origin) {
					h := w.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Methods", corsMethods)
					h.Set("Access-Control-Allow-Headers", corsHeaders)
					h.Set("Access-Control-Expose-Headers", RequestIDHeader)
					h.Set("Access-Control-Max-Age", maxAgeSecs)
				}
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
		scheme, host, ok := strings.Cut(o, "://*.")
		if !ok {
			continue
		}
		prefix := scheme + "://"
		if len(origin) > len(prefix) && strings.EqualFold(origin[:len(prefix)], prefix) &&
			strings.HasSuffix(strings.ToLower(origin), "."+strings.ToLower(host)) {
			return true
		}
	}
	return false
}

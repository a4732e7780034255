// Package security carries the HTTP hardening middleware: response headers
// and request body caps.
package security

import (
	"net/http"
	"strconv"
)

// Headers stamps hardening headers on every response. The interstitial
// checkout document is served through this, so frame embedding stays denied.
type Headers struct {
	Enable bool

	// HSTS is stamped only on TLS requests. A proxy that terminates TLS
	// usually owns this header, so it is configured separately.
	EnableHSTS bool
	// HSTSMaxAge is in seconds. Non-positive falls back to one year.
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
}

// Middleware attaches the configured headers before delegating. When the
// middleware is disabled it returns next unwrapped.
func (h Headers) Middleware(next http.Handler) http.Handler {
	if !h.Enable {
		return next
	}
	hsts := h.hstsValue()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := w.Header()
		hdr.Set("X-Content-Type-Options", "nosniff")
		hdr.Set("X-Frame-Options", "DENY")
		hdr.Set("Referrer-Policy", "no-referrer")
		hdr.Set("Permissions-Policy", "geolocation=(), microphone=()")
		if r.TLS != nil && h.EnableHSTS {
			hdr.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}

func (h Headers) hstsValue() string {
	age := h.HSTSMaxAge
	if age <= 0 {
		age = 31536000
	}
	v := "max-age=" + strconv.Itoa(age)
	if h.HSTSIncludeSubdomains {
		v += "; includeSubDomains"
	}
	return v
}

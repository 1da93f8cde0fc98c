package securityheaders

import (
	"net/http"
	"sort"

	"github.com/wudi/storegate/internal/config"
)

// headerPair is a pre-computed header name + value.
type headerPair struct {
	Name  string
	Value string
}

// Headers holds the pre-computed hardening headers set on every response.
type Headers struct {
	enabled bool
	headers []headerPair
}

// New creates Headers from config. X-Content-Type-Options defaults to
// nosniff; other empty fields are left out.
func New(cfg config.SecurityHeadersConfig) *Headers {
	var pairs []headerPair

	xcto := cfg.XContentTypeOptions
	if xcto == "" {
		xcto = "nosniff"
	}
	pairs = append(pairs, headerPair{"X-Content-Type-Options", xcto})

	optional := []headerPair{
		{"Strict-Transport-Security", cfg.StrictTransportSecurity},
		{"Content-Security-Policy", cfg.ContentSecurityPolicy},
		{"X-Frame-Options", cfg.XFrameOptions},
		{"Referrer-Policy", cfg.ReferrerPolicy},
		{"Cross-Origin-Opener-Policy", cfg.CrossOriginOpenerPolicy},
		{"Cross-Origin-Resource-Policy", cfg.CrossOriginResourcePolicy},
		{"X-Permitted-Cross-Domain-Policies", cfg.XPermittedCrossDomainPolicies},
	}
	for _, p := range optional {
		if p.Value != "" {
			pairs = append(pairs, p)
		}
	}

	names := make([]string, 0, len(cfg.CustomHeaders))
	for name := range cfg.CustomHeaders {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pairs = append(pairs, headerPair{name, cfg.CustomHeaders[name]})
	}

	return &Headers{enabled: cfg.Enabled, headers: pairs}
}

// Apply sets all configured headers.
func (h *Headers) Apply(header http.Header) {
	for _, p := range h.headers {
		header.Set(p.Name, p.Value)
	}
}

// Names returns the configured header names in application order.
func (h *Headers) Names() []string {
	names := make([]string, len(h.headers))
	for i, p := range h.headers {
		names[i] = p.Name
	}
	return names
}

// Middleware sets the headers before the handler runs. Proxied responses
// carrying the same header from the backend keep the backend's value.
func (h *Headers) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !h.enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.Apply(w.Header())
			next.ServeHTTP(w, r)
		})
	}
}

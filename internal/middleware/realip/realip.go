package realip

import (
	"net"
	"net/http"
	"strings"

	"github.com/wudi/storegate/internal/config"
	"github.com/wudi/storegate/internal/variables"
)

// Extractor determines the client address of a request. Forwarding
// headers are only believed when the peer is a trusted proxy.
type Extractor struct {
	trustedNets []*net.IPNet
	headers     []string // ordered list of headers to check
}

// New creates an Extractor from the trusted proxy settings.
func New(cfg config.TrustedProxiesConfig) (*Extractor, error) {
	nets := make([]*net.IPNet, 0, len(cfg.CIDRs))
	for _, cidr := range cfg.CIDRs {
		// Handle bare IPs by adding /32 or /128
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: cidr}
			}
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}

	headers := cfg.Headers
	if len(headers) == 0 {
		headers = []string{"X-Forwarded-For", "X-Real-IP"}
	}

	return &Extractor{trustedNets: nets, headers: headers}, nil
}

// Extract returns the client address. It walks the X-Forwarded-For chain
// from right to left, skipping trusted proxies, and returns the first
// untrusted hop. Without trusted proxies the peer address is used.
func (e *Extractor) Extract(r *http.Request) string {
	remoteIP := extractHost(r.RemoteAddr)

	// Only trust headers if RemoteAddr is from a trusted proxy
	if len(e.trustedNets) == 0 || !e.isTrusted(remoteIP) {
		return remoteIP
	}

	for _, header := range e.headers {
		val := r.Header.Get(header)
		if val == "" {
			continue
		}

		if strings.EqualFold(header, "X-Forwarded-For") {
			if ip := e.walkXFF(val); ip != "" {
				return ip
			}
		} else if ip := strings.TrimSpace(val); ip != "" {
			return ip
		}
	}

	return remoteIP
}

func (e *Extractor) walkXFF(xff string) string {
	parts := strings.Split(xff, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if ip == "" {
			continue
		}
		if !e.isTrusted(ip) {
			return ip
		}
	}

	// Every hop was trusted; return the leftmost
	return strings.TrimSpace(parts[0])
}

func (e *Extractor) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range e.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Middleware records the client address in the request context.
func (e *Extractor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vc, ok := variables.FromContext(r.Context())
		if !ok {
			vc = variables.NewContext()
			r = variables.WithContext(r, vc)
		}
		vc.ClientAddress = e.Extract(r)
		next.ServeHTTP(w, r)
	})
}

// ClientAddress returns the address recorded by Middleware, falling back
// to the peer address.
func ClientAddress(r *http.Request) string {
	if vc, ok := variables.FromContext(r.Context()); ok && vc.ClientAddress != "" {
		return vc.ClientAddress
	}
	return extractHost(r.RemoteAddr)
}

// extractHost extracts the host part from an address (strips port).
func extractHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

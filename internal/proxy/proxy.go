package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/wudi/storegate/internal/circuitbreaker"
	gwerrors "github.com/wudi/storegate/internal/errors"
	"github.com/wudi/storegate/internal/identity"
	"github.com/wudi/storegate/internal/logging"
	"github.com/wudi/storegate/internal/metrics"
	"github.com/wudi/storegate/internal/middleware"
	"github.com/wudi/storegate/internal/middleware/realip"
	"github.com/wudi/storegate/internal/registry"
	"github.com/wudi/storegate/internal/router"
	"github.com/wudi/storegate/internal/variables"
)

// UserAgentHeader carries the client's User-Agent to the backend.
const UserAgentHeader = "X-User-Agent"

// Upstream error kinds as recorded on the metrics counter.
const (
	kindUnknownService = "unknown_service"
	kindCircuitOpen    = "circuit_open"
	kindTimeout        = "timeout"
	kindConnect        = "connect"
	kindTransport      = "transport"
)

// Config holds the proxy dependencies
type Config struct {
	Registry       *registry.Registry
	Transport      http.RoundTripper
	RequestTimeout time.Duration
	Codec          *identity.Codec
	Breakers       *circuitbreaker.BreakerByService
	Metrics        *metrics.Collector
	// StripCORS drops backend Access-Control-* response headers so the
	// gateway's own CORS policy is the only one clients see.
	StripCORS bool
}

// Proxy forwards matched requests to their backend service. It never
// retries: each client request produces at most one backend call.
type Proxy struct {
	registry       *registry.Registry
	transport      http.RoundTripper
	requestTimeout time.Duration
	codec          *identity.Codec
	breakers       *circuitbreaker.BreakerByService
	metrics        *metrics.Collector
	stripCORS      bool
}

// New creates a new proxy
func New(cfg Config) *Proxy {
	transport := cfg.Transport
	if transport == nil {
		transport = DefaultTransport()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Proxy{
		registry:       cfg.Registry,
		transport:      transport,
		requestTimeout: timeout,
		codec:          cfg.Codec,
		breakers:       cfg.Breakers,
		metrics:        cfg.Metrics,
		stripCORS:      cfg.StripCORS,
	}
}

// Forward proxies r to the backend named by rule and relays the response.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, rule *router.Rule) {
	varCtx := variables.GetFromRequest(r)
	correlationID := middleware.CorrelationID(r)
	service := rule.Service
	varCtx.RouteID = rule.ID
	varCtx.Backend = service

	endpoint, err := p.registry.Resolve(service)
	if err != nil {
		gwErr := p.unavailable(w, correlationID, service, err)
		logging.Error("route references unregistered service",
			zap.String("correlation_id", correlationID),
			zap.String("route_id", rule.ID),
			zap.String("service", service),
			zap.Error(gwErr),
		)
		p.metrics.RecordUpstreamError(service, kindUnknownService)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.requestTimeout)
	defer cancel()

	outReq := BuildRequest(ctx, r, endpoint.BaseURL, rule.Rewrite(r.URL.Path))
	if err := p.InjectHeaders(outReq, r, varCtx.Identity); err != nil {
		logging.Error("failed to encode identity assertion",
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		gwerrors.ErrInternalServer.WithRequestID(correlationID).WriteJSON(w)
		return
	}

	var done func(error)
	if breaker := p.breakers.Get(service); breaker != nil {
		done, err = breaker.Allow()
		if err != nil {
			logging.Warn("backend circuit open",
				zap.String("correlation_id", correlationID),
				zap.String("service", service),
			)
			p.metrics.RecordUpstreamError(service, kindCircuitOpen)
			p.unavailable(w, correlationID, service, err)
			return
		}
	}

	start := time.Now()
	resp, err := p.transport.RoundTrip(outReq)
	varCtx.UpstreamResponseTime = time.Since(start)

	if err != nil {
		clientGone := r.Context().Err() != nil
		if done != nil {
			if clientGone {
				done(nil)
			} else {
				done(err)
			}
		}
		p.handleError(w, r, err, service, correlationID, clientGone)
		return
	}
	if done != nil {
		done(nil)
	}
	defer resp.Body.Close()

	varCtx.UpstreamStatus = resp.StatusCode
	p.metrics.RecordUpstream(service, varCtx.UpstreamResponseTime)

	if p.stripCORS {
		dropCORSHeaders(resp.Header)
	}
	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(middleware.CorrelationHeader, correlationID)
	w.Header().Set(middleware.RequestIDHeader, correlationID)
	w.WriteHeader(resp.StatusCode)
	copyBody(w, resp.Body)

	logging.Info("request proxied",
		zap.String("correlation_id", correlationID),
		zap.String("route_id", rule.ID),
		zap.String("service", service),
		zap.String("target", outReq.URL.Path),
		zap.Int("upstream_status", resp.StatusCode),
		zap.Duration("upstream_duration", varCtx.UpstreamResponseTime),
	)
}

// BuildRequest creates the backend request for r. The body is streamed
// as-is and ctx bounds the whole exchange.
func BuildRequest(ctx context.Context, r *http.Request, base *url.URL, rewrittenPath string) *http.Request {
	targetURL := *base
	targetURL.Path = singleJoiningSlash(base.Path, rewrittenPath)
	targetURL.RawPath = ""
	// Keep the client's encoding when the path passes through untouched.
	if rewrittenPath == r.URL.Path && r.URL.RawPath != "" {
		targetURL.RawPath = singleJoiningSlash(base.EscapedPath(), r.URL.RawPath)
	}
	targetURL.RawQuery = r.URL.RawQuery
	targetURL.Fragment = ""

	body := r.Body
	if r.ContentLength == 0 {
		body = http.NoBody
	}

	outReq := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          body,
		ContentLength: r.ContentLength,
		Host:          base.Host,
		Header:        make(http.Header, len(r.Header)+6),
	}).WithContext(ctx)

	for k, vv := range r.Header {
		outReq.Header[k] = append([]string(nil), vv...)
	}
	return outReq
}

// InjectHeaders sets the gateway's outbound headers on outReq. Any
// X-User-Context supplied by the client is dropped; it is only set from a
// verified identity.
func (p *Proxy) InjectHeaders(outReq, r *http.Request, id *identity.Assertion) error {
	h := outReq.Header
	removeHopHeaders(h)
	h.Del(identity.Header)

	h.Set(middleware.CorrelationHeader, middleware.CorrelationID(r))

	if clientIP := realip.ClientAddress(r); clientIP != "" {
		if prior := r.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			h.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+clientIP)
		} else {
			h.Set("X-Forwarded-For", clientIP)
		}
	}
	h.Set("X-Forwarded-Host", r.Host)
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
	if ua := r.UserAgent(); ua != "" {
		h.Set(UserAgentHeader, ua)
	}

	if id != nil && p.codec != nil {
		encoded, err := p.codec.Encode(id)
		if err != nil {
			return err
		}
		h.Set(identity.Header, encoded)
	}

	otel.GetTextMapPropagator().Inject(outReq.Context(), propagation.HeaderCarrier(h))
	return nil
}

// handleError translates a failed backend call. The raw error stays in
// the log.
func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error, service, correlationID string, clientGone bool) {
	if clientGone {
		logging.Debug("client disconnected before backend responded",
			zap.String("correlation_id", correlationID),
			zap.String("service", service),
			zap.Error(err),
		)
		return
	}

	kind := errorKind(err)
	p.metrics.RecordUpstreamError(service, kind)
	gwErr := p.unavailable(w, correlationID, service, err)
	logging.Error("backend request failed",
		zap.String("correlation_id", correlationID),
		zap.String("service", service),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("kind", kind),
		zap.Error(gwErr),
	)
}

// unavailable writes the 503 envelope. The cause is kept on the returned
// error for logging only.
func (p *Proxy) unavailable(w http.ResponseWriter, correlationID, service string, cause error) *gwerrors.GatewayError {
	gwErr := gwerrors.ErrServiceUnavailable.
		WithRequestID(correlationID).
		WithService(service).
		WithCause(cause)
	gwErr.WriteJSON(w)
	return gwErr
}

func errorKind(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return kindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return kindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return kindConnect
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return kindConnect
	}
	return kindTransport
}

// copyHeaders copies headers from source to destination
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}

	// Remove hop-by-hop headers from response
	removeHopHeaders(dst)
}

func dropCORSHeaders(h http.Header) {
	for k := range h {
		if strings.HasPrefix(k, "Access-Control-") {
			delete(h, k)
		}
	}
}

// copyBody streams the response body, flushing after each chunk so
// streamed responses reach the client as they arrive.
func copyBody(w http.ResponseWriter, body io.Reader) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		io.Copy(w, body)
		return
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			flusher.Flush()
		}
		if err != nil {
			return
		}
	}
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	// Headers named in Connection are hop-by-hop as well.
	for _, v := range header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

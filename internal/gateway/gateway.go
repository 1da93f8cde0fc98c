package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/storegate/internal/circuitbreaker"
	"github.com/wudi/storegate/internal/config"
	"github.com/wudi/storegate/internal/errors"
	"github.com/wudi/storegate/internal/health"
	"github.com/wudi/storegate/internal/identity"
	"github.com/wudi/storegate/internal/logging"
	"github.com/wudi/storegate/internal/metrics"
	"github.com/wudi/storegate/internal/middleware"
	"github.com/wudi/storegate/internal/middleware/cors"
	"github.com/wudi/storegate/internal/middleware/ratelimit"
	"github.com/wudi/storegate/internal/middleware/realip"
	"github.com/wudi/storegate/internal/middleware/securityheaders"
	"github.com/wudi/storegate/internal/proxy"
	"github.com/wudi/storegate/internal/registry"
	"github.com/wudi/storegate/internal/router"
	"github.com/wudi/storegate/internal/tracing"
	"github.com/wudi/storegate/internal/variables"
)

// Auth outcomes as recorded on the metrics counter.
const (
	authAnonymous     = "anonymous"
	authAuthenticated = "authenticated"
	authUnauthorized  = "unauthorized"
	authForbidden     = "forbidden"
)

// Gateway is the main API gateway
type Gateway struct {
	config    *config.Config
	registry  *registry.Registry
	router    *router.Router
	proxy     *proxy.Proxy
	identity  *identity.Client
	limiter   *ratelimit.Limiter
	breakers  *circuitbreaker.BreakerByService
	health    *health.Handler
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
	realIP    *realip.Extractor
	cors      *cors.Handler
	security  *securityheaders.Headers
	transport *http.Transport

	handler http.Handler
}

// New creates a new gateway. cfg.Services must already hold the final
// backend URLs; the registry and route table are fixed from here on.
func New(cfg *config.Config) (*Gateway, error) {
	g := &Gateway{
		config:  cfg,
		metrics: metrics.NewCollector(),
	}

	var err error
	if g.registry, err = registry.New(cfg.Services); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if g.router, err = router.New(cfg.Routes); err != nil {
		return nil, fmt.Errorf("routes: %w", err)
	}
	if g.realIP, err = realip.New(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	g.transport = proxy.TransportFromConfig(cfg.Transport)

	if err := g.initIdentity(); err != nil {
		return nil, err
	}
	if err := g.initRateLimit(); err != nil {
		return nil, err
	}
	if g.tracer, err = tracing.New(cfg.Tracing); err != nil {
		g.Close()
		return nil, fmt.Errorf("tracing: %w", err)
	}

	if cfg.CircuitBreaker.Enabled {
		g.breakers = circuitbreaker.NewBreakerByService(g.registry.Names(), cfg.CircuitBreaker, g.onBreakerStateChange)
	}

	codec, err := identity.NewCodec(cfg.Identity)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("identity assertion: %w", err)
	}
	g.proxy = proxy.New(proxy.Config{
		Registry:       g.registry,
		Transport:      g.transport,
		RequestTimeout: cfg.Transport.RequestTimeout,
		Codec:          codec,
		Breakers:       g.breakers,
		Metrics:        g.metrics,
		StripCORS:      cfg.CORS.Enabled,
	})

	g.cors = cors.New(cfg.CORS)
	g.security = securityheaders.New(cfg.Security)
	g.health = health.NewHandler(g.registry, health.NewChecker(health.Config{
		Timeout: cfg.Health.ProbeTimeout,
		Metrics: g.metrics,
	}))

	g.handler = g.buildHandler()

	logging.Info("Gateway initialized",
		zap.Int("services", len(g.registry.Names())),
		zap.Int("routes", len(g.router.Rules())),
		zap.Bool("rate_limit", cfg.RateLimit.Enabled),
		zap.Bool("circuit_breaker", cfg.CircuitBreaker.Enabled),
		zap.Bool("tracing", g.tracer.IsEnabled()),
	)
	return g, nil
}

func (g *Gateway) initIdentity() error {
	ep, err := g.registry.Resolve(g.config.Identity.Service)
	if err != nil {
		return fmt.Errorf("identity service %q: %w", g.config.Identity.Service, err)
	}
	g.identity = identity.NewClient(g.config.Identity, ep.BaseURL, g.transport)
	return nil
}

func (g *Gateway) initRateLimit() error {
	if !g.config.RateLimit.Enabled {
		return nil
	}
	store, err := ratelimit.NewStore(g.config.RateLimit)
	if err != nil {
		return fmt.Errorf("rate limit store: %w", err)
	}
	g.limiter = ratelimit.New(g.config.RateLimit, store, g.metrics)
	return nil
}

func (g *Gateway) onBreakerStateChange(name string, from, to circuitbreaker.State) {
	state := metrics.BreakerClosed
	switch to {
	case circuitbreaker.StateOpen:
		state = metrics.BreakerOpen
	case circuitbreaker.StateHalfOpen:
		state = metrics.BreakerHalfOpen
	}
	g.metrics.SetCircuitBreakerState(name, state)
	logging.Warn("Circuit breaker state changed",
		zap.String("service", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// buildHandler assembles the middleware chain around the endpoint router.
// Order: recovery, correlation, path normalization, client address,
// metrics, logging, tracing, security headers, CORS, rate limit.
func (g *Gateway) buildHandler() http.Handler {
	mux := httprouter.New()
	mux.RedirectFixedPath = false
	mux.HandlerFunc(http.MethodGet, "/health", g.health.Liveness)
	mux.HandlerFunc(http.MethodGet, "/health/services", g.health.Services)
	mux.HandleMethodNotAllowed = false
	mux.NotFound = http.HandlerFunc(g.serveHTTP)

	chain := middleware.NewBuilder().
		Use(middleware.Recovery(g.config.IsProduction())).
		Use(middleware.Correlation()).
		Use(normalizePath).
		Use(g.realIP.Middleware).
		Use(g.metricsMW()).
		Use(middleware.Logging()).
		Use(g.tracer.Middleware()).
		Use(g.security.Middleware()).
		Use(g.cors.Middleware())
	if g.limiter != nil {
		chain.Use(tracing.SpanMiddleware(g.tracer, "ratelimit", g.limiter.Middleware()))
	}

	return chain.Handler(mux)
}

// normalizePath replaces the request path with its cleaned form so the
// limiter, the router and the rewrites all see the same path.
func normalizePath(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cleaned := router.Normalize(r.URL.Path)
		if cleaned != r.URL.Path {
			r2 := new(http.Request)
			*r2 = *r
			u := *r.URL
			u.Path = cleaned
			u.RawPath = ""
			r2.URL = &u
			r = r2
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the gateway's HTTP handler
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// serveHTTP dispatches a request through the policy table:
// match, authenticate, authorize, forward.
func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	varCtx := variables.GetFromRequest(r)
	correlationID := middleware.CorrelationID(r)

	rule, ok := g.router.Match(r.URL.Path)
	if !ok {
		errors.ErrNotFound.
			WithRequestID(correlationID).
			WithKnownPrefixes(g.router.Prefixes()).
			WriteJSON(w)
		return
	}
	varCtx.RouteID = rule.ID
	varCtx.Backend = rule.Service

	if rule.Auth != identity.ModeNone {
		if !g.authenticate(w, r, rule, varCtx) {
			return
		}
	}

	g.proxy.Forward(w, r, rule)
}

// authenticate establishes and checks the caller's identity for rule.
// It writes the error response and returns false when the request must
// not be forwarded.
func (g *Gateway) authenticate(w http.ResponseWriter, r *http.Request, rule *router.Rule, varCtx *variables.Context) bool {
	correlationID := varCtx.CorrelationID

	ctx, span := g.tracer.StartSpan(r.Context(), "identity.verify")
	id, err := g.identity.Authenticate(ctx, r, rule.Auth)
	span.End()

	if err != nil {
		g.metrics.RecordAuth(authUnauthorized)
		gwErr := errors.ErrUnauthorized.WithRequestID(correlationID).WithCause(err)
		logging.Debug("request unauthorized",
			zap.String("correlation_id", correlationID),
			zap.String("route_id", rule.ID),
			zap.Error(gwErr),
		)
		w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
		gwErr.WriteJSON(w)
		return false
	}

	if rule.Auth == identity.ModeAdminRequired {
		if err := identity.RequireRole(id, rule.Role); err != nil {
			g.metrics.RecordAuth(authForbidden)
			logging.Info("Request forbidden",
				zap.String("correlation_id", correlationID),
				zap.String("route_id", rule.ID),
				zap.String("required_role", rule.Role),
			)
			errors.ErrForbidden.WithRequestID(correlationID).WriteJSON(w)
			return false
		}
	}

	if id == nil {
		g.metrics.RecordAuth(authAnonymous)
		return true
	}

	varCtx.Identity = id
	g.metrics.RecordAuth(authAuthenticated)
	logging.Info("request authenticated",
		zap.String("correlation_id", correlationID),
		zap.String("route_id", rule.ID),
		zap.String("user_id", id.UserID),
		zap.String("role", id.Role),
	)
	return true
}

// metricsMW records request metrics (timing + status). It sits outside
// the logging middleware, which stores the final status on the context.
func (g *Gateway) metricsMW() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			g.metrics.InFlight(1)
			defer g.metrics.InFlight(-1)

			next.ServeHTTP(w, r)

			varCtx := variables.GetFromRequest(r)
			route := varCtx.RouteID
			if route == "" {
				route = "unmatched"
			}
			g.metrics.RecordRequest(route, r.Method, varCtx.Status, time.Since(start))
		})
	}
}

// Close closes the gateway and releases resources
func (g *Gateway) Close() error {
	var firstErr error
	if g.limiter != nil {
		if err := g.limiter.Close(); err != nil {
			firstErr = err
		}
	}
	if g.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.tracer.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if g.transport != nil {
		g.transport.CloseIdleConnections()
	}
	return firstErr
}

// GetRouter returns the router
func (g *Gateway) GetRouter() *router.Router {
	return g.router
}

// GetRegistry returns the registry
func (g *Gateway) GetRegistry() *registry.Registry {
	return g.registry
}

// GetCircuitBreakers returns the per-service breakers, nil when disabled.
func (g *Gateway) GetCircuitBreakers() *circuitbreaker.BreakerByService {
	return g.breakers
}

// GetMetrics returns the metrics collector
func (g *Gateway) GetMetrics() *metrics.Collector {
	return g.metrics
}

package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/storegate/internal/circuitbreaker"
	"github.com/wudi/storegate/internal/config"
	"github.com/wudi/storegate/internal/identity"
	"github.com/wudi/storegate/internal/logging"
	"github.com/wudi/storegate/internal/middleware"
	"github.com/wudi/storegate/internal/registry"
	"github.com/wudi/storegate/internal/router"
	"github.com/wudi/storegate/internal/variables"
)

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := logging.Global()
	logging.SetGlobal(zap.New(core))
	t.Cleanup(func() { logging.SetGlobal(prev) })
	return logs
}

func newRegistry(t *testing.T, services map[string]string) *registry.Registry {
	t.Helper()
	cfg := make(map[string]config.ServiceConfig, len(services))
	for name, u := range services {
		cfg[name] = config.ServiceConfig{URL: u, HealthPath: "/health"}
	}
	reg, err := registry.New(cfg)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func matchRule(t *testing.T, routes []config.RouteConfig, path string) *router.Rule {
	t.Helper()
	rt, err := router.New(routes)
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	rule, ok := rt.Match(path)
	if !ok {
		t.Fatalf("no rule for %s", path)
	}
	return rule
}

// forward runs Forward behind the correlation middleware, optionally
// attaching an identity the way the gateway does after authentication.
func forward(p *Proxy, rule *router.Rule, req *http.Request, id *identity.Assertion) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h := middleware.Correlation()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		variables.GetFromRequest(r).Identity = id
		p.Forward(w, r, rule)
	}))
	h.ServeHTTP(rr, req)
	return rr
}

var ordersRoutes = []config.RouteConfig{
	{ID: "orders", Prefix: "/api/v1/orders", Service: "orders", Auth: "required"},
}

func decodeEnvelope(t *testing.T, body io.Reader) map[string]interface{} {
	t.Helper()
	var env map[string]interface{}
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestForwardPassThrough(t *testing.T) {
	var got *http.Request
	var gotBody string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend", "orders")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"abc123"}`))
	}))
	defer backend.Close()

	p := New(Config{Registry: newRegistry(t, map[string]string{"orders": backend.URL})})
	rule := matchRule(t, ordersRoutes, "/api/v1/orders/abc123")

	req := httptest.NewRequest("POST", "/api/v1/orders/abc123?expand=items&x=1", strings.NewReader(`{"qty":2}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "storefront/1.0")
	req.Header.Set(middleware.CorrelationHeader, "corr-1")
	req.Header.Set(identity.Header, "forged")
	req.Header.Set("Connection", "X-Hop")
	req.Header.Set("X-Hop", "secret")
	req.Header.Set("X-Forwarded-For", "203.0.113.7")

	rr := forward(p, rule, req, nil)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if rr.Body.String() != `{"id":"abc123"}` {
		t.Errorf("unexpected body %q", rr.Body.String())
	}
	if rr.Header().Get("X-Backend") != "orders" {
		t.Error("expected backend header relayed")
	}
	if rr.Header().Get("Keep-Alive") != "" {
		t.Error("expected hop-by-hop response header removed")
	}
	if rr.Header().Get(middleware.CorrelationHeader) != "corr-1" {
		t.Errorf("expected correlation id re-asserted, got %q", rr.Header().Get(middleware.CorrelationHeader))
	}

	if got.Method != "POST" {
		t.Errorf("expected POST, got %s", got.Method)
	}
	if got.URL.Path != "/api/v1/orders/abc123" {
		t.Errorf("expected unchanged path, got %s", got.URL.Path)
	}
	if got.URL.RawQuery != "expand=items&x=1" {
		t.Errorf("expected query preserved, got %s", got.URL.RawQuery)
	}
	if gotBody != `{"qty":2}` {
		t.Errorf("expected body streamed verbatim, got %q", gotBody)
	}
	if got.Header.Get("Content-Type") != "application/json" {
		t.Error("expected content type preserved")
	}
	if got.Header.Get(middleware.CorrelationHeader) != "corr-1" {
		t.Errorf("expected correlation header, got %q", got.Header.Get(middleware.CorrelationHeader))
	}
	if got.Header.Get(UserAgentHeader) != "storefront/1.0" {
		t.Errorf("expected X-User-Agent, got %q", got.Header.Get(UserAgentHeader))
	}
	if got.Header.Get("X-Forwarded-For") != "203.0.113.7, 192.0.2.1" {
		t.Errorf("expected appended X-Forwarded-For, got %q", got.Header.Get("X-Forwarded-For"))
	}
	if got.Header.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("expected X-Forwarded-Proto http, got %q", got.Header.Get("X-Forwarded-Proto"))
	}
	if got.Header.Get("X-Forwarded-Host") != "example.com" {
		t.Errorf("expected X-Forwarded-Host example.com, got %q", got.Header.Get("X-Forwarded-Host"))
	}
	if got.Header.Get(identity.Header) != "" {
		t.Error("expected inbound X-User-Context stripped")
	}
	if got.Header.Get("X-Hop") != "" {
		t.Error("expected header named in Connection removed")
	}
}

func TestForwardRewrite(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer backend.Close()

	routes := []config.RouteConfig{{
		ID: "restaurant-signup", Prefix: "/api/restaurant/signup", Service: "restaurant", Auth: "none",
		Rewrite: []config.RewriteConfig{{Pattern: "^/api/restaurant/signup", Replacement: "/api/auth/signup"}},
	}}
	p := New(Config{Registry: newRegistry(t, map[string]string{"restaurant": backend.URL})})
	rule := matchRule(t, routes, "/api/restaurant/signup")

	rr := forward(p, rule, httptest.NewRequest("POST", "/api/restaurant/signup", nil), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if gotPath != "/api/auth/signup" {
		t.Errorf("expected rewritten path, got %s", gotPath)
	}
}

func TestForwardBasePathJoined(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer backend.Close()

	p := New(Config{Registry: newRegistry(t, map[string]string{"orders": backend.URL + "/svc/"})})
	rule := matchRule(t, ordersRoutes, "/api/v1/orders")

	forward(p, rule, httptest.NewRequest("GET", "/api/v1/orders", nil), nil)
	if gotPath != "/svc/api/v1/orders" {
		t.Errorf("expected base path joined once, got %s", gotPath)
	}
}

func TestForwardIdentityAssertion(t *testing.T) {
	codec, err := identity.NewCodec(config.IdentityConfig{AssertionEncoding: "base64"})
	if err != nil {
		t.Fatal(err)
	}

	var header string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get(identity.Header)
	}))
	defer backend.Close()

	p := New(Config{
		Registry: newRegistry(t, map[string]string{"orders": backend.URL}),
		Codec:    codec,
	})
	rule := matchRule(t, ordersRoutes, "/api/v1/orders/1")

	req := httptest.NewRequest("GET", "/api/v1/orders/1", nil)
	req.Header.Set(identity.Header, "forged")
	forward(p, rule, req, &identity.Assertion{UserID: "u-42", Role: "customer"})

	if header == "" || header == "forged" {
		t.Fatalf("expected gateway-issued assertion, got %q", header)
	}
	a, err := codec.Decode(header)
	if err != nil {
		t.Fatalf("decode assertion: %v", err)
	}
	if a.UserID != "u-42" || a.Role != "customer" {
		t.Errorf("unexpected assertion %+v", a)
	}
}

func TestForwardBackendDown(t *testing.T) {
	logs := observeLogs(t)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := backend.URL
	backend.Close()

	p := New(Config{Registry: newRegistry(t, map[string]string{"orders": deadURL})})
	rule := matchRule(t, ordersRoutes, "/api/v1/orders/abc123")

	req := httptest.NewRequest("GET", "/api/v1/orders/abc123", nil)
	req.Header.Set(middleware.CorrelationHeader, "corr-down")
	rr := forward(p, rule, req, nil)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	body := rr.Body.String()
	env := decodeEnvelope(t, strings.NewReader(body))
	if env["status"] != "error" {
		t.Errorf("expected status error, got %v", env["status"])
	}
	if env["message"] != "Service temporarily unavailable" {
		t.Errorf("unexpected message %v", env["message"])
	}
	if env["service"] != "orders" {
		t.Errorf("expected service orders, got %v", env["service"])
	}
	if env["requestId"] != "corr-down" {
		t.Errorf("expected requestId corr-down, got %v", env["requestId"])
	}
	if strings.Contains(body, "refused") || strings.Contains(body, "dial") {
		t.Errorf("raw transport error leaked to client: %s", body)
	}

	failed := logs.FilterMessage("backend request failed").All()
	if len(failed) != 1 {
		t.Fatalf("expected 1 failure log, got %d", len(failed))
	}
	fields := failed[0].ContextMap()
	if fields["correlation_id"] != "corr-down" {
		t.Errorf("expected correlation id on log, got %v", fields["correlation_id"])
	}
	if fields["kind"] != kindConnect {
		t.Errorf("expected kind connect, got %v", fields["kind"])
	}
	if msg, _ := fields["error"].(string); !strings.Contains(msg, "Service temporarily unavailable: ") || !strings.Contains(msg, "dial") {
		t.Errorf("expected transport error kept on the log, got %q", msg)
	}
}

func TestForwardResponseHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(middleware.RequestIDHeader, "backend-id")
		w.Header().Set(middleware.CorrelationHeader, "backend-id")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("X-Backend", "orders")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	tests := []struct {
		name       string
		stripCORS  bool
		wantOrigin string
	}{
		{"cors enabled keeps gateway policy", true, "https://shop.example"},
		{"cors disabled relays backend", false, "*"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(Config{
				Registry:  newRegistry(t, map[string]string{"orders": backend.URL}),
				StripCORS: tt.stripCORS,
			})
			rule := matchRule(t, ordersRoutes, "/api/v1/orders")

			req := httptest.NewRequest("GET", "/api/v1/orders", nil)
			req.Header.Set(middleware.CorrelationHeader, "corr-hdr")
			rr := httptest.NewRecorder()
			// The gateway's CORS layer runs before the proxy.
			rr.Header().Set("Access-Control-Allow-Origin", "https://shop.example")
			h := middleware.Correlation()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				p.Forward(w, r, rule)
			}))
			h.ServeHTTP(rr, req)

			if got := rr.Header().Get(middleware.RequestIDHeader); got != "corr-hdr" {
				t.Errorf("X-Request-ID = %q, want corr-hdr", got)
			}
			if got := rr.Header().Get(middleware.CorrelationHeader); got != "corr-hdr" {
				t.Errorf("X-Correlation-ID = %q, want corr-hdr", got)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if tt.stripCORS && rr.Header().Get("Access-Control-Allow-Credentials") != "" {
				t.Error("expected backend Access-Control-Allow-Credentials dropped")
			}
			if rr.Header().Get("X-Backend") != "orders" {
				t.Error("expected other backend headers relayed")
			}
		})
	}
}

func TestForwardUnknownService(t *testing.T) {
	logs := observeLogs(t)

	p := New(Config{Registry: newRegistry(t, map[string]string{"users": "http://127.0.0.1:1"})})
	rule := matchRule(t, ordersRoutes, "/api/v1/orders")

	rr := forward(p, rule, httptest.NewRequest("GET", "/api/v1/orders", nil), nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if env := decodeEnvelope(t, rr.Body); env["service"] != "orders" {
		t.Errorf("expected service orders, got %v", env["service"])
	}
	entries := logs.FilterMessage("route references unregistered service").All()
	if len(entries) != 1 {
		t.Fatal("expected configuration fault logged")
	}
	if msg, _ := entries[0].ContextMap()["error"].(string); !strings.Contains(msg, "unknown service") {
		t.Errorf("expected registry error on the log, got %q", msg)
	}
}

func TestForwardTimeout(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()
	defer close(release)

	p := New(Config{
		Registry:       newRegistry(t, map[string]string{"orders": backend.URL}),
		RequestTimeout: 50 * time.Millisecond,
	})
	rule := matchRule(t, ordersRoutes, "/api/v1/orders")

	start := time.Now()
	rr := forward(p, rule, httptest.NewRequest("GET", "/api/v1/orders", nil), nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("expected timeout near 50ms, took %v", elapsed)
	}
}

func TestForwardClientCancel(t *testing.T) {
	logs := observeLogs(t)

	started := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer backend.Close()

	breakers := circuitbreaker.NewBreakerByService([]string{"orders"}, config.CircuitBreakerConfig{FailureThreshold: 1}, nil)
	p := New(Config{
		Registry: newRegistry(t, map[string]string{"orders": backend.URL}),
		Breakers: breakers,
	})
	rule := matchRule(t, ordersRoutes, "/api/v1/orders")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	req := httptest.NewRequest("GET", "/api/v1/orders", nil).WithContext(ctx)
	rr := forward(p, rule, req, nil)

	if rr.Body.Len() != 0 {
		t.Errorf("expected no body for cancelled client, got %q", rr.Body.String())
	}
	if logs.FilterMessage("client disconnected before backend responded").Len() != 1 {
		t.Error("expected debug log for client disconnect")
	}
	if breakers.Get("orders").State() != circuitbreaker.StateClosed {
		t.Error("client cancellation must not count toward the breaker")
	}
}

func TestForwardBackend5xxRelayed(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer backend.Close()

	breakers := circuitbreaker.NewBreakerByService([]string{"orders"}, config.CircuitBreakerConfig{FailureThreshold: 1}, nil)
	p := New(Config{
		Registry: newRegistry(t, map[string]string{"orders": backend.URL}),
		Breakers: breakers,
	})
	rule := matchRule(t, ordersRoutes, "/api/v1/orders")

	for i := 0; i < 3; i++ {
		rr := forward(p, rule, httptest.NewRequest("GET", "/api/v1/orders", nil), nil)
		if rr.Code != http.StatusInternalServerError || rr.Body.String() != "boom" {
			t.Fatalf("request %d: expected relayed 500, got %d %q", i, rr.Code, rr.Body.String())
		}
	}
	if breakers.Get("orders").State() != circuitbreaker.StateClosed {
		t.Error("backend 5xx must not trip the breaker")
	}
}

func TestForwardCircuitOpens(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := backend.URL
	backend.Close()

	counting := &countingTransport{next: DefaultTransport()}
	breakers := circuitbreaker.NewBreakerByService([]string{"orders"}, config.CircuitBreakerConfig{
		FailureThreshold: 2,
		Timeout:          time.Minute,
	}, nil)
	p := New(Config{
		Registry:  newRegistry(t, map[string]string{"orders": deadURL}),
		Transport: counting,
		Breakers:  breakers,
	})
	rule := matchRule(t, ordersRoutes, "/api/v1/orders")

	for i := 0; i < 4; i++ {
		rr := forward(p, rule, httptest.NewRequest("GET", "/api/v1/orders", nil), nil)
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("request %d: expected 503, got %d", i, rr.Code)
		}
	}
	if counting.calls != 2 {
		t.Errorf("expected 2 backend attempts before the breaker opened, got %d", counting.calls)
	}
	if breakers.Get("orders").State() != circuitbreaker.StateOpen {
		t.Error("expected breaker open")
	}
}

type countingTransport struct {
	next  http.RoundTripper
	calls int
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls++
	return c.next.RoundTrip(r)
}

func TestSingleJoiningSlash(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{"", "/api", "/api"},
		{"/", "/api", "/api"},
		{"/svc", "api", "/svc/api"},
		{"/svc/", "/api", "/svc/api"},
		{"/svc", "/api", "/svc/api"},
	}
	for _, tt := range tests {
		if got := singleJoiningSlash(tt.a, tt.b); got != tt.want {
			t.Errorf("singleJoiningSlash(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestErrorKind(t *testing.T) {
	if got := errorKind(context.DeadlineExceeded); got != kindTimeout {
		t.Errorf("expected timeout, got %s", got)
	}
	if got := errorKind(io.ErrUnexpectedEOF); got != kindTransport {
		t.Errorf("expected transport, got %s", got)
	}
}

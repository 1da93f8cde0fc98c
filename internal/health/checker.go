package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/storegate/internal/logging"
	"github.com/wudi/storegate/internal/metrics"
)

// Status represents health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string
	URL       string
	Status    Status
	Latency   time.Duration
	Error     error
	Timestamp time.Time
}

// Healthy reports whether the probe succeeded.
func (r CheckResult) Healthy() bool {
	return r.Status == StatusHealthy
}

// Target is a backend health URL to probe.
type Target struct {
	Name string
	URL  string
}

// Config holds health checker configuration
type Config struct {
	Timeout   time.Duration
	Transport http.RoundTripper
	Metrics   *metrics.Collector
}

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 3 * time.Second

// Checker probes backend health endpoints on demand. Probes of different
// backends run concurrently; each has its own timeout.
type Checker struct {
	client  *http.Client
	timeout time.Duration
	metrics *metrics.Collector

	mu   sync.RWMutex
	last map[string]CheckResult
}

// NewChecker creates a new health checker
func NewChecker(cfg Config) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	return &Checker{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: cfg.Timeout,
		metrics: cfg.Metrics,
		last:    make(map[string]CheckResult),
	}
}

// Check performs a single probe. Any 2xx answer is healthy.
func (c *Checker) Check(ctx context.Context, target Target) (result CheckResult) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result = CheckResult{Name: target.Name, URL: target.URL, Status: StatusUnhealthy}
	start := time.Now()
	defer func() {
		result.Latency = time.Since(start)
		result.Timestamp = time.Now()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		result.Error = err
		return result
	}

	resp, err := c.client.Do(req)
	if err != nil {
		result.Error = err
		return result
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		result.Error = fmt.Errorf("unhealthy status code: %d", resp.StatusCode)
		return result
	}
	result.Status = StatusHealthy
	return result
}

// CheckAll probes every target concurrently and returns results in
// target name order.
func (c *Checker) CheckAll(ctx context.Context, targets []Target) []CheckResult {
	results := make([]CheckResult, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			results[i] = c.Check(gctx, target)
			return nil
		})
	}
	g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	for _, r := range results {
		c.record(r)
	}
	return results
}

func (c *Checker) record(r CheckResult) {
	c.metrics.SetBackendHealth(r.Name, r.Healthy())

	c.mu.Lock()
	prev, seen := c.last[r.Name]
	c.last[r.Name] = r
	c.mu.Unlock()

	if seen && prev.Status == r.Status {
		return
	}
	if r.Healthy() {
		logging.Info("backend healthy",
			zap.String("service", r.Name),
			zap.Duration("latency", r.Latency),
		)
		return
	}
	logging.Warn("backend unhealthy",
		zap.String("service", r.Name),
		zap.String("url", r.URL),
		zap.Error(r.Error),
	)
}

// GetStatus returns the last probed status of a backend, if any.
func (c *Checker) GetStatus(name string) (CheckResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.last[name]
	return r, ok
}

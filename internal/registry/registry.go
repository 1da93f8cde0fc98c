package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/wudi/storegate/internal/config"
	"github.com/wudi/storegate/internal/logging"
)

// ErrUnknownService is returned when a name has no configured endpoint
var ErrUnknownService = errors.New("unknown service")

// ServiceEndpoint is the resolved address of one backend. Immutable after startup.
type ServiceEndpoint struct {
	Name       string
	BaseURL    *url.URL
	HealthPath string
}

// HealthURL returns the absolute URL probed by the deep health check.
func (e *ServiceEndpoint) HealthURL() string {
	return strings.TrimSuffix(e.BaseURL.String(), "/") + "/" + strings.TrimPrefix(e.HealthPath, "/")
}

// Registry maps service names to endpoints. Read-only once built.
type Registry struct {
	endpoints map[string]*ServiceEndpoint
	names     []string
}

// New parses every configured base URL. Any empty or invalid URL is an error.
func New(services map[string]config.ServiceConfig) (*Registry, error) {
	r := &Registry{
		endpoints: make(map[string]*ServiceEndpoint, len(services)),
		names:     make([]string, 0, len(services)),
	}
	for name, svc := range services {
		if svc.URL == "" {
			return nil, fmt.Errorf("service %s: empty url", name)
		}
		u, err := url.Parse(svc.URL)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("service %s: url %q must be absolute", name, svc.URL)
		}
		healthPath := svc.HealthPath
		if healthPath == "" {
			healthPath = "/health"
		}
		r.endpoints[name] = &ServiceEndpoint{Name: name, BaseURL: u, HealthPath: healthPath}
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Resolve returns the endpoint for name.
func (r *Registry) Resolve(name string) (*ServiceEndpoint, error) {
	if ep, ok := r.endpoints[name]; ok {
		return ep, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
}

// Names returns the sorted service names.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// URLs returns name -> base URL.
func (r *Registry) URLs() map[string]string {
	out := make(map[string]string, len(r.endpoints))
	for name, ep := range r.endpoints {
		out[name] = ep.BaseURL.String()
	}
	return out
}

// HealthURLs returns name -> health probe URL.
func (r *Registry) HealthURLs() map[string]string {
	out := make(map[string]string, len(r.endpoints))
	for name, ep := range r.endpoints {
		out[name] = ep.HealthURL()
	}
	return out
}

// Resolver looks up a base URL for a service name from an external source.
type Resolver interface {
	ResolveURL(ctx context.Context, name string) (string, error)
}

// ResolveAll asks the resolver once for every service not pinned by an
// environment override. A failed lookup keeps the configured URL; a failed
// lookup with no configured URL is an error.
func ResolveAll(ctx context.Context, services map[string]config.ServiceConfig, res Resolver) (map[string]config.ServiceConfig, error) {
	out := make(map[string]config.ServiceConfig, len(services))
	for name, svc := range services {
		if svc.Pinned {
			out[name] = svc
			continue
		}
		u, err := res.ResolveURL(ctx, name)
		if err != nil {
			if svc.URL == "" {
				return nil, fmt.Errorf("service %s: %w", name, err)
			}
			logging.Warn("Service discovery failed, keeping configured url",
				zap.String("service", name),
				zap.String("url", svc.URL),
				zap.Error(err),
			)
			out[name] = svc
			continue
		}
		logging.Info("Service resolved",
			zap.String("service", name),
			zap.String("url", u),
		)
		svc.URL = u
		out[name] = svc
	}
	return out, nil
}

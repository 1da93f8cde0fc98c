package consul

import (
	"context"
	"fmt"
	"net"
	"strconv"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/wudi/storegate/internal/config"
	"github.com/wudi/storegate/internal/registry"
)

// Resolver resolves service base URLs from Consul's health API
type Resolver struct {
	client     *consulapi.Client
	datacenter string
	scheme     string
}

var _ registry.Resolver = (*Resolver)(nil)

// New creates a new Consul resolver
func New(cfg config.ConsulConfig) (*Resolver, error) {
	consulCfg := consulapi.DefaultConfig()
	consulCfg.Address = cfg.Address
	consulCfg.Scheme = cfg.Scheme
	consulCfg.Datacenter = cfg.Datacenter
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	return &Resolver{
		client:     client,
		datacenter: cfg.Datacenter,
		scheme:     "http",
	}, nil
}

// ResolveURL returns the base URL of the first passing instance of name.
func (r *Resolver) ResolveURL(ctx context.Context, name string) (string, error) {
	queryOpts := (&consulapi.QueryOptions{
		Datacenter: r.datacenter,
	}).WithContext(ctx)

	entries, _, err := r.client.Health().Service(name, "", true, queryOpts)
	if err != nil {
		return "", fmt.Errorf("failed to discover service: %w", err)
	}

	for _, entry := range entries {
		if entry.Service == nil || entry.Service.Port == 0 {
			continue
		}
		addr := entry.Service.Address
		// Use node address if service address is empty
		if addr == "" && entry.Node != nil {
			addr = entry.Node.Address
		}
		if addr == "" {
			continue
		}
		scheme := r.scheme
		if s, ok := entry.Service.Meta["scheme"]; ok && s != "" {
			scheme = s
		}
		return scheme + "://" + net.JoinHostPort(addr, strconv.Itoa(entry.Service.Port)), nil
	}

	return "", fmt.Errorf("%w: no passing instance of %s", registry.ErrUnknownService, name)
}

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		lookupEnv:  os.LookupEnv,
	}
}

// Load reads and parses a configuration file. An empty path yields the
// defaults with environment overrides applied.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		return l.Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	if len(data) > 0 {
		expanded := l.expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		mergeServiceDefaults(cfg)
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("environment override: %w", err)
	}

	// Validate configuration
	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// mergeServiceDefaults restores built-in services a file's services block
// did not mention and fills missing health paths.
func mergeServiceDefaults(cfg *Config) {
	if cfg.Services == nil {
		cfg.Services = make(map[string]ServiceConfig)
	}
	for name, def := range DefaultServices() {
		if _, ok := cfg.Services[name]; !ok {
			cfg.Services[name] = def
		}
	}
	for name, svc := range cfg.Services {
		if svc.HealthPath == "" {
			svc.HealthPath = "/health"
			cfg.Services[name] = svc
		}
	}
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := l.lookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// applyEnvOverrides applies the deployment environment variables on top of
// file and default values.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	if v, ok := l.env("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v, ok := l.env("GATEWAY_ENV"); ok {
		cfg.Environment = v
	} else if v, ok := l.env("NODE_ENV"); ok {
		cfg.Environment = v
	}
	if v, ok := l.env("LOG_LEVEL"); ok {
		cfg.Logging.Level = strings.ToLower(v)
	}

	for name, svc := range cfg.Services {
		if v, ok := l.env(ServiceURLEnv(name)); ok {
			svc.URL = v
			svc.Pinned = true
			cfg.Services[name] = svc
		}
	}

	if v, ok := l.env("RATE_LIMIT_WINDOW_MS"); ok {
		d, err := parseMillis(v)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_WINDOW_MS: %w", err)
		}
		cfg.RateLimit.Window = d
	}
	if v, ok := l.env("RATE_LIMIT_MAX_REQUESTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_MAX_REQUESTS: %w", err)
		}
		cfg.RateLimit.Max = n
	}
	if v, ok := l.env("REDIS_URL"); ok {
		cfg.RateLimit.Redis.URL = v
		cfg.RateLimit.Store = "redis"
	}

	if v, ok := l.env("PROXY_TIMEOUT"); ok {
		d, err := parseMillis(v)
		if err != nil {
			return fmt.Errorf("PROXY_TIMEOUT: %w", err)
		}
		cfg.Transport.RequestTimeout = d
	}
	if v, ok := l.env("PROXY_CONNECT_TIMEOUT"); ok {
		d, err := parseMillis(v)
		if err != nil {
			return fmt.Errorf("PROXY_CONNECT_TIMEOUT: %w", err)
		}
		cfg.Transport.ConnectTimeout = d
	}
	if v, ok := l.env("AUTH_VERIFY_TIMEOUT"); ok {
		d, err := parseMillis(v)
		if err != nil {
			return fmt.Errorf("AUTH_VERIFY_TIMEOUT: %w", err)
		}
		cfg.Identity.Timeout = d
	}

	if v, ok := l.env("CORS_ORIGINS"); ok {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.CORS.AllowOrigins = origins
	}
	return nil
}

func (l *Loader) env(key string) (string, bool) {
	v, ok := l.lookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// ServiceURLEnv returns the environment variable overriding a service URL,
// e.g. "orders" -> "ORDERS_SERVICE_URL".
func ServiceURLEnv(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_SERVICE_URL"
}

// parseMillis accepts a bare integer (milliseconds) or a Go duration string.
func parseMillis(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", cfg.Server.Port)
	}
	if cfg.Admin.Enabled {
		if cfg.Admin.Port <= 0 || cfg.Admin.Port > 65535 {
			return fmt.Errorf("admin: invalid port %d", cfg.Admin.Port)
		}
		if cfg.Admin.Port == cfg.Server.Port {
			return fmt.Errorf("admin: port %d collides with server port", cfg.Admin.Port)
		}
	}

	// Validate registry type
	switch cfg.Registry.Type {
	case "", "memory", "consul":
	default:
		return fmt.Errorf("invalid registry type: %s", cfg.Registry.Type)
	}

	if len(cfg.Services) == 0 {
		return fmt.Errorf("at least one service is required")
	}
	for name, svc := range cfg.Services {
		if svc.URL == "" {
			if cfg.Registry.Type == "consul" {
				continue // resolved at startup
			}
			return fmt.Errorf("service %s: url is required", name)
		}
		u, err := url.Parse(svc.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("service %s: invalid url %q", name, svc.URL)
		}
	}

	// Validate routes
	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	routeIDs := make(map[string]bool)
	for i, route := range cfg.Routes {
		if route.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if routeIDs[route.ID] {
			return fmt.Errorf("duplicate route id: %s", route.ID)
		}
		routeIDs[route.ID] = true

		if !strings.HasPrefix(route.Prefix, "/") {
			return fmt.Errorf("route %s: prefix must start with /", route.ID)
		}
		if _, ok := cfg.Services[route.Service]; !ok {
			return fmt.Errorf("route %s: references unknown service: %s", route.ID, route.Service)
		}
		switch route.Auth {
		case "", AuthNone, AuthOptional, AuthRequired:
		case AuthAdminRequired:
			if route.Role == "" {
				return fmt.Errorf("route %s: admin auth requires a role", route.ID)
			}
		default:
			return fmt.Errorf("route %s: invalid auth mode: %s", route.ID, route.Auth)
		}
		for j, rw := range route.Rewrite {
			if _, err := regexp.Compile(rw.Pattern); err != nil {
				return fmt.Errorf("route %s: rewrite %d: %w", route.ID, j, err)
			}
		}
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit: window must be > 0")
		}
		if cfg.RateLimit.Max <= 0 {
			return fmt.Errorf("rate_limit: max must be > 0")
		}
		switch cfg.RateLimit.Store {
		case "", "memory", "redis":
		default:
			return fmt.Errorf("rate_limit: invalid store: %s", cfg.RateLimit.Store)
		}
	}

	if cfg.Transport.ConnectTimeout <= 0 || cfg.Transport.RequestTimeout <= 0 {
		return fmt.Errorf("transport: timeouts must be > 0")
	}

	if _, ok := cfg.Services[cfg.Identity.Service]; !ok {
		return fmt.Errorf("identity: references unknown service: %s", cfg.Identity.Service)
	}
	if cfg.Identity.Timeout <= 0 {
		return fmt.Errorf("identity: timeout must be > 0")
	}
	switch cfg.Identity.AssertionEncoding {
	case "", "base64":
	case "jwt":
		if cfg.Identity.AssertionSecret == "" {
			return fmt.Errorf("identity: jwt assertion encoding requires assertion_secret")
		}
	default:
		return fmt.Errorf("identity: invalid assertion_encoding: %s", cfg.Identity.AssertionEncoding)
	}

	if cfg.CircuitBreaker.Enabled && cfg.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker: failure_threshold must be > 0")
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing: sample_rate must be between 0 and 1")
	}

	return nil
}

package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wudi/storegate/internal/config"
	"github.com/wudi/storegate/internal/logging"
)

var (
	// ErrUnauthorized means no valid identity could be established.
	ErrUnauthorized = errors.New("authentication required")
	// ErrForbidden means the identity lacks the required role.
	ErrForbidden = errors.New("insufficient permissions")
)

const (
	maxVerifyBody = 1 << 20

	correlationHeader = "X-Correlation-ID"
)

// Client verifies bearer tokens against the identity service.
type Client struct {
	verifyURL   string
	timeout     time.Duration
	userIDPaths []string
	rolePaths   []string
	httpClient  *http.Client
}

// NewClient creates a verify client for the identity service rooted at base.
// A nil transport uses http.DefaultTransport.
func NewClient(cfg config.IdentityConfig, base *url.URL, transport http.RoundTripper) *Client {
	c := &Client{
		verifyURL:   strings.TrimSuffix(base.String(), "/") + "/" + strings.TrimPrefix(cfg.VerifyPath, "/"),
		timeout:     cfg.Timeout,
		userIDPaths: cfg.UserIDPaths,
		rolePaths:   cfg.RolePaths,
	}
	if c.timeout == 0 {
		c.timeout = 5 * time.Second
	}
	if len(c.userIDPaths) == 0 {
		c.userIDPaths = []string{"user.id", "data.user.id", "userId", "id", "user._id"}
	}
	if len(c.rolePaths) == 0 {
		c.rolePaths = []string{"user.role", "data.user.role", "role"}
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	c.httpClient = &http.Client{
		Transport: transport,
		// Redirects surface as non-2xx and fail verification.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return c
}

// Authenticate establishes the caller's identity for mode. In optional
// mode every failure yields (nil, nil); in strict modes it yields
// ErrUnauthorized. A request without a token never reaches the network.
func (c *Client) Authenticate(ctx context.Context, r *http.Request, mode Mode) (*Assertion, error) {
	if mode == ModeNone {
		return nil, nil
	}

	token := BearerToken(r)
	if token == "" {
		if mode.Strict() {
			return nil, ErrUnauthorized
		}
		return nil, nil
	}

	a, err := c.verify(ctx, token, r.Header.Get(correlationHeader))
	if err != nil {
		logging.Debug("Identity verification failed",
			zap.String("correlation_id", r.Header.Get(correlationHeader)),
			zap.String("auth_mode", mode.String()),
			zap.Error(err),
		)
		if mode.Strict() {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, nil
	}
	return a, nil
}

func (c *Client) verify(ctx context.Context, token, correlationID string) (*Assertion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.verifyURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if correlationID != "" {
		req.Header.Set(correlationHeader, correlationID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxVerifyBody))
		return nil, fmt.Errorf("verify returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVerifyBody))
	if err != nil {
		return nil, fmt.Errorf("read verify response: %w", err)
	}

	return c.parse(body)
}

// parse extracts the assertion from a verify response body.
func (c *Client) parse(body []byte) (*Assertion, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("verify response is not valid JSON")
	}
	doc := gjson.ParseBytes(body)

	userID := firstString(doc, c.userIDPaths)
	if userID == "" {
		return nil, errors.New("verify response carries no user id")
	}

	a := &Assertion{
		UserID: userID,
		Role:   firstString(doc, c.rolePaths),
	}
	if claims, ok := doc.Value().(map[string]any); ok {
		a.Claims = claims
	}
	return a, nil
}

func firstString(doc gjson.Result, paths []string) string {
	for _, p := range paths {
		v := doc.Get(p)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if s := v.String(); s != "" {
			return s
		}
	}
	return ""
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// RequireRole fails with ErrForbidden unless a carries role.
func RequireRole(a *Assertion, role string) error {
	if a == nil || a.Role != role {
		return ErrForbidden
	}
	return nil
}

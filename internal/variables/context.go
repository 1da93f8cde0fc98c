package variables

import (
	"context"
	"net/http"
	"time"

	"github.com/wudi/storegate/internal/identity"
)

// Context is the per-request state shared by middlewares and the proxy.
// Created at entry and discarded when the response completes.
type Context struct {
	CorrelationID string
	ClientAddress string
	Identity      *identity.Assertion
	StartTime     time.Time

	RouteID string
	Backend string

	Status               int
	UpstreamStatus       int
	UpstreamResponseTime time.Duration
}

// NewContext creates a new request context
func NewContext() *Context {
	return &Context{StartTime: time.Now()}
}

// RequestContextKey is the context key for storing the request context
type RequestContextKey struct{}

// WithContext returns r carrying vc.
func WithContext(r *http.Request, vc *Context) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), RequestContextKey{}, vc))
}

// GetFromRequest extracts the request context, or returns a detached one.
func GetFromRequest(r *http.Request) *Context {
	if vc, ok := r.Context().Value(RequestContextKey{}).(*Context); ok {
		return vc
	}
	return NewContext()
}

// FromContext extracts the request context from ctx, if present.
func FromContext(ctx context.Context) (*Context, bool) {
	vc, ok := ctx.Value(RequestContextKey{}).(*Context)
	return vc, ok
}

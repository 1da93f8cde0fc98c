package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wudi/storegate/internal/variables"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

const (
	// CorrelationHeader carries the correlation id end to end.
	CorrelationHeader = "X-Correlation-ID"
	// RequestIDHeader is accepted inbound and mirrored outbound.
	RequestIDHeader = "X-Request-ID"
)

// EnsureCorrelationID returns the inbound correlation id, falling back to
// X-Request-ID, or generates a new one.
func EnsureCorrelationID(r *http.Request) string {
	if id := r.Header.Get(CorrelationHeader); id != "" {
		return id
	}
	if id := r.Header.Get(RequestIDHeader); id != "" {
		return id
	}
	return NewCorrelationID()
}

// NewCorrelationID returns "<unix millis in hex>-<uuid prefix>".
func NewCorrelationID() string {
	id := uuid.New()
	return fmt.Sprintf("%s-%x", strconv.FormatInt(time.Now().UnixMilli(), 16), id[:4])
}

// Correlation creates the request context and assigns the correlation id
// to the request, the response and the context.
func Correlation() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := EnsureCorrelationID(r)

			r.Header.Set(CorrelationHeader, id)
			w.Header().Set(CorrelationHeader, id)
			w.Header().Set(RequestIDHeader, id)

			vc, ok := variables.FromContext(r.Context())
			if !ok {
				vc = variables.NewContext()
				r = variables.WithContext(r, vc)
			}
			vc.CorrelationID = id

			next.ServeHTTP(w, r)
		})
	}
}

// CorrelationID returns the id assigned to r, or the inbound header.
func CorrelationID(r *http.Request) string {
	if vc, ok := variables.FromContext(r.Context()); ok && vc.CorrelationID != "" {
		return vc.CorrelationID
	}
	return r.Header.Get(CorrelationHeader)
}

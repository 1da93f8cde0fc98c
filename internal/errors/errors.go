package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// GatewayError is the uniform error envelope returned to clients.
type GatewayError struct {
	Code          int      `json:"-"`
	Status        string   `json:"status"`
	Message       string   `json:"message"`
	RequestID     string   `json:"requestId,omitempty"`
	Service       string   `json:"service,omitempty"`
	RetryAfter    int      `json:"retryAfter,omitempty"`
	KnownPrefixes []string `json:"knownPrefixes,omitempty"`
	Details       string   `json:"details,omitempty"`
	Stack         string   `json:"stack,omitempty"`
	underlying    error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no request-scoped fields), uses pre-serialized JSON to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Taxonomy of errors the gateway ever sends to a client.
var (
	ErrUnauthorized = &GatewayError{
		Code:    http.StatusUnauthorized,
		Status:  "error",
		Message: "Authentication required",
	}

	ErrForbidden = &GatewayError{
		Code:    http.StatusForbidden,
		Status:  "error",
		Message: "Insufficient permissions",
	}

	ErrTooManyRequests = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Status:  "error",
		Message: "Too many requests, please try again later.",
	}

	ErrServiceUnavailable = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Status:  "error",
		Message: "Service temporarily unavailable",
	}

	ErrNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Status:  "error",
		Message: "Route not found",
	}

	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Status:  "error",
		Message: "Internal server error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrUnauthorized, ErrForbidden, ErrTooManyRequests,
		ErrServiceUnavailable, ErrNotFound, ErrInternalServer,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

func (e *GatewayError) clone() *GatewayError {
	c := *e
	return &c
}

// WithMessage replaces the client-facing message.
func (e *GatewayError) WithMessage(message string) *GatewayError {
	c := e.clone()
	c.Message = message
	return c
}

// WithDetails adds debug details. Callers only use it outside production.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	c := e.clone()
	c.Details = details
	return c
}

// WithStack attaches a stack trace. Callers only use it outside production.
func (e *GatewayError) WithStack(stack string) *GatewayError {
	c := e.clone()
	c.Stack = stack
	return c
}

// WithRequestID adds the correlation id to the error
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	c := e.clone()
	c.RequestID = requestID
	return c
}

// WithService names the backend the error relates to.
func (e *GatewayError) WithService(service string) *GatewayError {
	c := e.clone()
	c.Service = service
	return c
}

// WithRetryAfter sets the retry hint in seconds; also emitted as Retry-After.
func (e *GatewayError) WithRetryAfter(seconds int) *GatewayError {
	c := e.clone()
	c.RetryAfter = seconds
	return c
}

// WithKnownPrefixes lists the route prefixes the gateway serves.
func (e *GatewayError) WithKnownPrefixes(prefixes []string) *GatewayError {
	c := e.clone()
	c.KnownPrefixes = prefixes
	return c
}

// WithCause attaches an underlying error for server-side logging. The
// cause shows up in Error() and is never serialized.
func (e *GatewayError) WithCause(err error) *GatewayError {
	c := e.clone()
	c.underlying = err
	return c
}

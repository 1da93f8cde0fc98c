package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/wudi/storegate/internal/middleware"
	"github.com/wudi/storegate/internal/middleware/realip"
)

type passedKey struct{}

// SpanMiddleware traces a guard middleware, one that either passes the
// request on or answers it itself. The span records the client the guard
// keys on and whether the request got through. A rejection carries the
// status the guard answered with.
func SpanMiddleware(tracer *Tracer, name string, mw middleware.Middleware) middleware.Middleware {
	if !tracer.IsEnabled() {
		return mw
	}
	passedAttr := "storegate." + name + ".passed"
	return func(next http.Handler) http.Handler {
		inner := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if passed, ok := r.Context().Value(passedKey{}).(*bool); ok {
				*passed = true
			}
			next.ServeHTTP(w, r)
		}))

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.tracer.Start(r.Context(), name,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					semconv.ClientAddress(realip.ClientAddress(r)),
					attribute.String("storegate.correlation_id", middleware.CorrelationID(r)),
				),
			)
			defer span.End()

			var passed bool
			ctx = context.WithValue(ctx, passedKey{}, &passed)
			tw := &tracingWriter{ResponseWriter: w, statusCode: http.StatusOK}
			inner.ServeHTTP(tw, r.WithContext(ctx))

			span.SetAttributes(attribute.Bool(passedAttr, passed))
			if passed {
				return
			}
			attrs := []attribute.KeyValue{attribute.Int("http.response.status_code", tw.statusCode)}
			if ra := tw.Header().Get("Retry-After"); ra != "" {
				attrs = append(attrs, attribute.String("retry_after", ra))
			}
			span.AddEvent("request rejected", trace.WithAttributes(attrs...))
		})
	}
}

package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/storegate/internal/errors"
	"github.com/wudi/storegate/internal/logging"
)

// RecoveryConfig configures the recovery middleware
type RecoveryConfig struct {
	// ExposeDetails adds the panic value and stack to the response body.
	// Never set in production.
	ExposeDetails bool
	// LogFunc is called when a panic occurs
	LogFunc func(correlationID string, err interface{}, stack []byte)
}

func defaultLogFunc(correlationID string, err interface{}, stack []byte) {
	logging.Error("Panic recovered",
		zap.String("correlation_id", correlationID),
		zap.Any("error", err),
		zap.ByteString("stack", stack),
	)
}

// Recovery creates a panic recovery middleware
func Recovery(production bool) Middleware {
	return RecoveryWithConfig(RecoveryConfig{
		ExposeDetails: !production,
		LogFunc:       defaultLogFunc,
	})
}

// RecoveryWithConfig creates a recovery middleware with custom config
func RecoveryWithConfig(cfg RecoveryConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if err == http.ErrAbortHandler {
					panic(err)
				}

				stack := debug.Stack()
				correlationID := w.Header().Get(CorrelationHeader)

				if cfg.LogFunc != nil {
					cfg.LogFunc(correlationID, err, stack)
				}

				gwErr := errors.ErrInternalServer
				if correlationID != "" {
					gwErr = gwErr.WithRequestID(correlationID)
				}
				if cfg.ExposeDetails {
					gwErr = gwErr.WithDetails(fmt.Sprintf("panic: %v", err)).WithStack(string(stack))
				}
				gwErr.WriteJSON(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Middleware is a function type for HTTP middleware.
type Middleware func(http.Handler) http.Handler

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	StartTimeKey contextKey = "start_time"
	ClientIPKey  contextKey = "client_ip"
)

// Config holds middleware configuration.
type Config struct {
	SecurityHeaders map[string]string
	RequestTimeout  time.Duration
	Logger          *zap.Logger
}

// DefaultConfig returns production-ready middleware configuration.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout: 30 * time.Second,
		SecurityHeaders: map[string]string{
			"X-Content-Type-Options": "nosniff",
			"X-Frame-Options":        "DENY",
			"Referrer-Policy":        "strict-origin-when-cross-origin",
		},
	}
}

// Chain combines multiple middleware functions into one, applied in order.
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// RequestID generates and injects a unique request ID, honouring one the
// client already supplied.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}

			w.Header().Set("X-Request-ID", requestID)
			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Recovery catches panics in a stage or handler and returns a structured
// error response instead of crashing the worker.
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					stack := debug.Stack()
					requestID := getRequestID(r.Context())

					if logger != nil {
						logger.Error("panic recovered",
							zap.String("request_id", requestID),
							zap.Any("panic", rec),
							zap.String("stack", string(stack)),
							zap.String("method", r.Method),
							zap.String("url", r.URL.String()),
							zap.String("remote_addr", r.RemoteAddr),
						)
					}

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					fmt.Fprintf(w, `{"error":"internal server error","request_id":%q}`, requestID)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Security applies baseline security headers. The gateway sits behind a
// host framework that already terminates TLS and routes paths, so this is
// limited to headers rather than path/user-agent blocking.
func Security(config *Config) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for key, value := range config.SecurityHeaders {
				w.Header().Set(key, value)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Logger provides structured request/response logging.
func Logger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			clientIP := getClientIP(r)
			ctx := context.WithValue(r.Context(), StartTimeKey, start)
			ctx = context.WithValue(ctx, ClientIPKey, clientIP)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			duration := time.Since(start)
			requestID := getRequestID(r.Context())

			if logger != nil {
				logger.Info("request completed",
					zap.String("request_id", requestID),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", wrapped.statusCode),
					zap.Duration("duration", duration),
					zap.String("client_ip", clientIP),
					zap.Int64("response_size", wrapped.size),
				)
			}
		})
	}
}

// Timeout enforces a ceiling on request handling time.
func Timeout(timeout time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, timeout, `{"error":"request timeout"}`)
	}
}

// ClientIP extracts the best-effort originating IP, honouring proxy headers
// before falling back to the raw remote address. Exported so the guard
// stage (C11) can key on the same value the logging middleware recorded.
func ClientIP(r *http.Request) string {
	return getClientIP(r)
}

func getRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// response size for logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int64
	mu         sync.Mutex
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.mu.Lock()
	rw.statusCode = statusCode
	rw.mu.Unlock()
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.mu.Lock()
	rw.size += int64(n)
	rw.mu.Unlock()
	return n, err
}

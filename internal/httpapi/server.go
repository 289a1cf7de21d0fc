package httpapi

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Wrap applies the middleware stack: rate limiting, then access logging,
// then tracing around the routes.
func Wrap(routes http.Handler, limiter *RateLimiter, logger *zap.Logger) http.Handler {
	traced := otelhttp.NewHandler(routes, "dispatch-service")
	return limiter.Middleware(LoggingMiddleware(logger, traced))
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

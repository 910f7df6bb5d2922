// Package middleware provides the HTTP middleware for the Geepity proxy.
//
// Outermost first, the server stack is:
//
//	RequestID -> RequestLogging -> metrics.Middleware -> SecurityHeaders
//
// CORS and rate limiting are applied per route to the proxy and webhook
// endpoints.
package middleware

import "net/http"

// Stack composes middleware into a single middleware.
//
// Middleware is applied in the order provided, meaning the first middleware
// in the slice is the outermost (runs first on request, last on response).
//
// Example:
//
//	stack := Stack(CORS, limiter.Limit)
//	mux.Handle("POST /api/free/chat/completions", stack(freeProxy))
//
// This is equivalent to:
//
//	mux.Handle("POST /api/free/chat/completions", CORS(limiter.Limit(freeProxy)))
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// Ensure middleware functions have correct signature
var (
	_ func(http.Handler) http.Handler = RequestID
	_ func(http.Handler) http.Handler = CORS
	_ func(http.Handler) http.Handler = (&RequestLoggingMiddleware{}).Handler
	_ func(http.Handler) http.Handler = (&SecurityHeadersMiddleware{}).Handler
	_ func(http.Handler) http.Handler = (&RateLimitMiddleware{}).Limit
	_ func(http.Handler) http.Handler = (&MetricsAuthMiddleware{}).Handler
)

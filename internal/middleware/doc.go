// Package middleware provides the HTTP middleware wrapped around the
// request core of the mTLS proxy.
//
//   - Recovery: panic recovery with stack trace logging
//   - RequestID: unique request identifier injection
//   - Logging: structured access log with the client identity
//   - RateLimiter: token bucket limiter keyed by client identity
//
// Middleware functions follow the standard Go pattern:
//
//	handler := middleware.Chain(core,
//	    middleware.Recovery(logger),
//	    middleware.RequestID(),
//	    middleware.Logging(logger),
//	)
package middleware

// Package httpmw provides HTTP middleware for the public-facing server.
//
// Middleware is composed in a specific order in gatehttp.NewHandler:
// panic recovery, request ID, client IP extraction, flood limiting,
// metrics, and structured logging.
//
// Each middleware is an independent function that can be tested, reordered,
// or removed individually. User-supplied data (query params, user-agent,
// headers) is intentionally excluded from logs to prevent PII leaks and
// log injection.
package httpmw

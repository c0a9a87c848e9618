// Package api implements the HTTP REST API and WebSocket server for DCP Core.
//
// This package provides:
//   - Authentication endpoints: login, refresh, logout, registration
//   - User management with role-scoped visibility
//   - Audit reports and a live audit feed over WebSocket
//   - Middleware stack (request ID, logging, recovery, CORS, rate limiting)
//
// # Security
//
// Access tokens are accepted from the Authorization header or from the
// access_token_cookie cookie. Logout clears cookies only: a token that was
// already handed out stays valid until it expires, since there is no
// server-side revocation list.
//
// WebSocket connections use single-use tickets to keep tokens out of URLs.
//
// # Graceful Degradation
//
// Broker adapters and the rate limiter are optional. Without them the
// server still serves every endpoint; the health report shows them as
// degraded when configured but unreachable.
package api

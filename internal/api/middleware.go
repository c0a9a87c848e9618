package api

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/dcp-core/internal/auth"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const (
	ctxKeyRequestID contextKey = "request_id"
	ctxKeyActor     contextKey = "actor"
	ctxKeyClaims    contextKey = "claims"
)

// Cookie names shared with browser clients.
const (
	accessCookieName  = "access_token_cookie"
	refreshCookieName = "refresh_token_cookie"
)

// loginPagePath is where HTML clients are sent when their token is
// missing, invalid or expired.
const loginPagePath = "/login"

// Token transports recorded in Claims.
const (
	transportBearer = "bearer"
	transportCookie = "cookie"
)

// Claims describes how the current request was authenticated.
type Claims struct {
	Subject   string
	Roles     []auth.Role
	Transport string
}

// actorFromContext returns the authenticated user, or nil for an
// anonymous request.
func actorFromContext(ctx context.Context) *auth.User {
	actor, _ := ctx.Value(ctxKeyActor).(*auth.User) //nolint:errcheck // nil means anonymous
	return actor
}

// claimsFromContext returns the authentication details of the request.
func claimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(ctxKeyClaims).(Claims)
	return c, ok
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string) //nolint:errcheck // empty when unset
	return id
}

// requestIDMiddleware generates a unique request ID for each request.
// If the client sends an X-Request-ID header, it is used; otherwise one is generated.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each HTTP request with method, path, status, and duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFromContext(r.Context()),
		)
	})
}

// recoveryMiddleware catches panics in handlers and returns a 500 response.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered in HTTP handler",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", requestIDFromContext(r.Context()),
				)
				writeInternalError(w, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware handles Cross-Origin Resource Sharing headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", joinOrDefault(s.cfg.CORS.AllowedMethods, "GET, POST, PUT, PATCH, DELETE, OPTIONS"))
			w.Header().Set("Access-Control-Allow-Headers", joinOrDefault(s.cfg.CORS.AllowedHeaders, "Authorization, Content-Type, X-Request-ID"))
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		// Handle preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// bodySizeLimitMiddleware limits the size of incoming request bodies.
func (s *Server) bodySizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// noCacheMiddleware stops browsers and proxies from caching API responses,
// which carry per-user data.
func (s *Server) noCacheMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			h := w.Header()
			h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}
		next.ServeHTTP(w, r)
	})
}

// accessToken extracts the access token from the Authorization header or,
// failing that, the access cookie.
func accessToken(r *http.Request) (token, transport string) {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, value, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value), transportBearer
		}
	}
	if c, err := r.Cookie(accessCookieName); err == nil {
		return c.Value, transportCookie
	}
	return "", ""
}

// withActor resolves the request's access token. ok is false when a
// failure response has already been written.
func (s *Server) withActor(w http.ResponseWriter, r *http.Request, optional bool) (*http.Request, bool) {
	token, transport := accessToken(r)
	if token == "" && optional {
		return r, true
	}

	actor, err := s.gateway.CurrentActor(r.Context(), token)
	if err != nil {
		s.writeAuthFailure(w, r, err)
		return r, false
	}
	s.gateway.TouchActivity(r.Context(), actor)

	ctx := context.WithValue(r.Context(), ctxKeyActor, actor)
	ctx = context.WithValue(ctx, ctxKeyClaims, Claims{
		Subject:   actor.Username,
		Roles:     actor.Roles,
		Transport: transport,
	})
	return r.WithContext(ctx), true
}

// authenticate requires a valid access token and puts the actor in the
// request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, ok := s.withActor(w, r, false)
		if !ok {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// optionalActor resolves the actor when a token is present and lets
// anonymous requests through. A token that is present but bad still fails.
func (s *Server) optionalActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, ok := s.withActor(w, r, true)
		if !ok {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeAuthFailure answers an authentication failure. Browsers asking for
// HTML are redirected to the login page; API clients get a 401 whose code
// tells missing, invalid and expired tokens apart.
func (s *Server) writeAuthFailure(w http.ResponseWriter, r *http.Request, err error) {
	if _, isToken := tokenErrorCode(err); isToken && strings.Contains(r.Header.Get("Accept"), "text/html") {
		http.Redirect(w, r, loginPagePath, http.StatusFound)
		return
	}
	s.writeGatewayError(w, r, err)
}

// requireRoles admits actors holding at least one of roles. It must run
// after authenticate.
func (s *Server) requireRoles(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := actorFromContext(r.Context())
			if actor == nil || !auth.HasAnyRole(actor.Roles, roles...) {
				writeError(w, http.StatusForbidden, ErrCodeForbidden, forbiddenMessage)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit applies the shared token bucket per route and client IP. The
// IP comes from the connection, or from X-Forwarded-For only when the peer
// is a trusted proxy. With no limiter configured it is a pass-through.
// Limiter errors fail open.
func (s *Server) rateLimit(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s.limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := s.limiter.Allow(r.Context(), route+":"+s.proxies.limitIP(r))
			if err != nil {
				s.logger.Warn("rate limiter unavailable", "route", route, "error", err)
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(decision.Remaining, 0)))
			if !decision.Allowed {
				retry := int(decision.RetryAfter.Round(time.Second) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
				writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// isAllowedOrigin checks if the origin is in the allowed list.
// An empty list allows all origins (dev mode).
func (s *Server) isAllowedOrigin(origin string) bool {
	if len(s.cfg.CORS.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// joinOrDefault joins a string slice with ", " or returns the default if empty.
func joinOrDefault(values []string, defaultVal string) string {
	if len(values) == 0 {
		return defaultVal
	}
	return strings.Join(values, ", ")
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/dcp-core/internal/auth"
)

// healthCheckTimeout bounds each dependency check of the health endpoint.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)
	r.Use(s.noCacheMiddleware)

	staff := s.requireRoles(auth.RoleRoot, auth.RoleAdmin)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		r.Route("/auth", func(r chi.Router) {
			r.With(s.rateLimit("login")).Post("/login", s.handleLogin)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/logout", s.handleLogout)
			r.With(s.rateLimit("register"), s.optionalActor).Post("/register", s.handleRegister)

			r.Group(func(r chi.Router) {
				r.Use(s.authenticate)
				r.Get("/me", s.handleMe)
				if s.wsCfg.Enabled {
					r.With(staff).Post("/ws-ticket", s.handleWSTicket)
				}
				r.With(staff).Post("/assign-role", s.handleAssignRole)
			})
		})

		r.Route("/users", func(r chi.Router) {
			// User creation keeps the original public path; the role rules
			// decide what an anonymous caller may create.
			r.With(s.rateLimit("register"), s.optionalActor).Post("/create", s.handleRegister)

			r.Group(func(r chi.Router) {
				r.Use(s.authenticate)
				r.With(staff).Get("/", s.handleListUsers)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetUser)
					r.Put("/", s.handleUpdateUser)
					r.Patch("/", s.handleUpdateUser)
					r.Delete("/", s.handleDeleteUser)
					r.Get("/logins", s.handleLoginHistory)
				})
			})
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Route("/audit", func(r chi.Router) {
				r.Use(staff)
				r.Get("/logs", s.handleAuditLogs)
				r.Get("/recent", s.handleRecentAudit)
				r.Get("/summary", s.handleAuditSummary)
				r.Get("/inactive-users", s.handleInactiveUsers)
				r.Get("/top-actors", s.handleTopActors)
			})

			r.With(staff).Get("/metrics", s.handleMetrics)
		})

		// WebSocket (auth via ticket, validated in handler)
		if s.wsCfg.Enabled {
			r.Get("/ws", s.handleWebSocket)
		}
	})

	return r
}

// handleHealth reports the database and every configured adapter. The
// response is 503 only when the database is unreachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	overall := "ok"
	dbStatus := "ok"
	if err := s.db.HealthCheck(ctx); err != nil {
		s.logger.Error("database health check failed", "error", err)
		status = http.StatusServiceUnavailable
		overall = "unavailable"
		dbStatus = "unavailable"
	}

	adapters := make(map[string]string, len(s.adapters))
	for name, checker := range s.adapters {
		if err := checker.HealthCheck(ctx); err != nil {
			adapters[name] = "degraded"
			if overall == "ok" {
				overall = "degraded"
			}
			continue
		}
		adapters[name] = "ok"
	}

	writeJSON(w, status, map[string]any{
		"status":   overall,
		"version":  s.version,
		"database": dbStatus,
		"adapters": adapters,
	})
}

package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/dcp-core/internal/gateway"
	"github.com/nerrad567/dcp-core/internal/session"
)

// queryInt reads a non-negative integer query parameter, returning def
// when it is absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// handleListUsers returns the users the actor may see.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	page, err := s.gateway.ListUsers(r.Context(), actorFromContext(r.Context()), gateway.ListFilter{
		Role:   r.URL.Query().Get("role"),
		Search: r.URL.Query().Get("search"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users": page.Users,
		"count": len(page.Users),
		"total": page.Total,
	})
}

// handleGetUser returns a single user.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.gateway.GetUser(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleUpdateUser applies a partial update. PUT and PATCH behave the same.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var in gateway.UpdateInput
	if err := decodeJSON(r, &in); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	user, err := s.gateway.UpdateUser(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"msg":  "User updated successfully",
		"user": user,
	})
}

// handleDeleteUser removes a user.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.DeleteUser(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"msg": "User deleted successfully"})
}

// handleLoginHistory returns one page of a user's login sessions.
func (s *Server) handleLoginHistory(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	history, err := s.gateway.LoginHistory(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "id"), session.HistoryQuery{
		Page:   page,
		Limit:  limit,
		Search: r.URL.Query().Get("search"),
	})
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

package api

import (
	"net/http"

	"github.com/nerrad567/dcp-core/internal/audit"
)

// maxInactivePerPage bounds per_page on the inactive-users report.
const maxInactivePerPage = 100

// handleAuditLogs returns filtered, paginated audit records.
//
// Query parameters: action, actor_id, target_id, limit, offset.
func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

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

	result, err := s.gateway.AuditLogs(r.Context(), actorFromContext(r.Context()), audit.Filter{
		Action:   audit.Action(q.Get("action")),
		ActorID:  q.Get("actor_id"),
		TargetID: q.Get("target_id"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleRecentAudit returns the latest audit records.
func (s *Server) handleRecentAudit(w http.ResponseWriter, r *http.Request) {
	records, err := s.gateway.RecentAudit(r.Context(), actorFromContext(r.Context()))
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

// handleAuditSummary returns record counts per action.
func (s *Server) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.gateway.AuditSummary(r.Context(), actorFromContext(r.Context()))
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

// handleTopActors returns the most active actors.
func (s *Server) handleTopActors(w http.ResponseWriter, r *http.Request) {
	top, err := s.gateway.TopActors(r.Context(), actorFromContext(r.Context()))
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actors": top})
}

// handleInactiveUsers pages through users without recent audit activity.
func (s *Server) handleInactiveUsers(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil || page < 1 {
		writeBadRequest(w, "page must be a positive integer")
		return
	}
	perPage, err := queryInt(r, "per_page", audit.DefaultInactivePage)
	if err != nil || perPage < 1 || perPage > maxInactivePerPage {
		writeBadRequest(w, "per_page must be between 1 and 100")
		return
	}

	res, err := s.gateway.InactiveUsers(r.Context(), actorFromContext(r.Context()), page, perPage)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

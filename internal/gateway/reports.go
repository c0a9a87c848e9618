package gateway

import (
	"context"

	"github.com/nerrad567/dcp-core/internal/audit"
	"github.com/nerrad567/dcp-core/internal/auth"
)

// requireAuditRead admits root and admin actors.
func requireAuditRead(actor *auth.User) error {
	if actor == nil || !auth.HasAnyPermission(actor.Roles, auth.PermAuditRead) {
		return ErrUnauthorized
	}
	return nil
}

// auditScope hides records involving users the actor could not look up,
// matching the user listing. The actor's own records stay visible.
func auditScope(actor *auth.User) audit.Scope {
	return audit.Scope{HiddenRoles: roleNames(auth.HiddenRoles(actor.Roles)), Self: actor.ID}
}

// AuditLogs returns a filtered page of audit records, newest first.
func (s *Service) AuditLogs(ctx context.Context, actor *auth.User, f audit.Filter) (*audit.ListResult, error) {
	if err := requireAuditRead(actor); err != nil {
		return nil, err
	}
	if f.Action != "" && !f.Action.IsValid() {
		return nil, fieldError("action_type", "must be one of create, update, delete")
	}
	f.Scope = auditScope(actor)
	res, err := s.audit.List(ctx, s.db, f)
	if err != nil {
		return nil, s.finish("listing audit records", err)
	}
	return res, nil
}

// RecentAudit returns the latest audit.RecentLimit records.
func (s *Service) RecentAudit(ctx context.Context, actor *auth.User) ([]audit.Record, error) {
	if err := requireAuditRead(actor); err != nil {
		return nil, err
	}
	recs, err := s.audit.Recent(ctx, s.db, audit.RecentLimit, auditScope(actor))
	if err != nil {
		return nil, s.finish("reading recent audit records", err)
	}
	return recs, nil
}

// AuditSummary counts records per action.
func (s *Service) AuditSummary(ctx context.Context, actor *auth.User) (map[audit.Action]int, error) {
	if err := requireAuditRead(actor); err != nil {
		return nil, err
	}
	summary, err := s.audit.Summary(ctx, s.db, auditScope(actor))
	if err != nil {
		return nil, s.finish("summarising audit records", err)
	}
	return summary, nil
}

// TopActors ranks actors by record count.
func (s *Service) TopActors(ctx context.Context, actor *auth.User) ([]audit.ActorCount, error) {
	if err := requireAuditRead(actor); err != nil {
		return nil, err
	}
	top, err := s.audit.TopActors(ctx, s.db, audit.TopActorsLimit, auditScope(actor))
	if err != nil {
		return nil, s.finish("ranking audit actors", err)
	}
	return top, nil
}

// InactiveUsers lists users without recent audit activity. Users the actor
// may not see are left out of both the page and the total.
func (s *Service) InactiveUsers(ctx context.Context, actor *auth.User, page, perPage int) (*audit.InactivePage, error) {
	if err := requireAuditRead(actor); err != nil {
		return nil, err
	}
	res, err := s.audit.InactiveUsers(ctx, s.db, audit.InactiveQuery{
		Page:        page,
		PerPage:     perPage,
		HiddenRoles: roleNames(auth.HiddenRoles(actor.Roles)),
	})
	if err != nil {
		return nil, s.finish("listing inactive users", err)
	}
	return res, nil
}

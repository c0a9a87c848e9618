package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/dcp-core/internal/infrastructure/database"
)

// Reporting defaults.
const (
	DefaultLogLimit     = 50
	MaxLogLimit         = 200
	RecentLimit         = 10
	TopActorsLimit      = 10
	InactivityWindow    = 14 * 24 * time.Hour
	DefaultInactivePage = 5
	MaxInactivePage     = 100
)

// Scope limits reports to the records an actor may see. Records whose
// actor or target currently holds one of HiddenRoles are left out, unless
// that user is Self. The zero Scope sees everything.
type Scope struct {
	HiddenRoles []string
	Self        string
}

// Filter controls which audit records List returns.
type Filter struct {
	Action   Action // optional
	ActorID  string // optional
	TargetID string // optional
	Limit    int    // default 50, max 200
	Offset   int
	Scope    Scope
}

// notHolding returns a condition true when the user in column holds none of
// roles. A NULL column (deleted user) holds nothing.
func notHolding(column string, roles []string) (string, []any) {
	marks := strings.TrimSuffix(strings.Repeat("?,", len(roles)), ",")
	args := make([]any, len(roles))
	for i, r := range roles {
		args[i] = r
	}
	return `NOT EXISTS (SELECT 1 FROM user_roles ur JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = ` + column + ` AND r.name IN (` + marks + `))`, args
}

// conditions returns the WHERE terms applying the scope to audit_records.
func (sc Scope) conditions() ([]string, []any) {
	if len(sc.HiddenRoles) == 0 {
		return nil, nil
	}
	var conds []string
	var args []any
	for _, column := range []string{"audit_records.actor_id", "audit_records.target_user_id"} {
		cond, roleArgs := notHolding(column, sc.HiddenRoles)
		if sc.Self != "" {
			cond = "(" + column + " = ? OR " + cond + ")"
			args = append(args, sc.Self)
		}
		conds = append(conds, cond)
		args = append(args, roleArgs...)
	}
	return conds, args
}

func whereClause(conditions []string) string {
	if len(conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conditions, " AND ")
}

// ListResult contains the paginated audit results.
type ListResult struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// List returns records matching the filter, most recent first.
func (s *Store) List(ctx context.Context, q database.DBTX, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultLogLimit
	}
	filter.Limit = min(filter.Limit, MaxLogLimit)
	filter.Offset = max(filter.Offset, 0)

	conditions, args := filter.Scope.conditions()
	if filter.Action != "" {
		conditions = append(conditions, "action_type = ?")
		args = append(args, string(filter.Action))
	}
	if filter.ActorID != "" {
		conditions = append(conditions, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if filter.TargetID != "" {
		conditions = append(conditions, "target_user_id = ?")
		args = append(args, filter.TargetID)
	}

	where := whereClause(conditions)

	var total int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_records"+where, args...).Scan(&total); err != nil { //nolint:gosec // WHERE built from parameterised conditions
		return nil, fmt.Errorf("counting audit records: %w", err)
	}

	records, err := s.query(ctx, q,
		"SELECT "+recordColumns+" FROM audit_records"+where+" ORDER BY created_at DESC, id LIMIT ? OFFSET ?",
		append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, err
	}

	return &ListResult{Records: records, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Recent returns the n newest records within scope.
func (s *Store) Recent(ctx context.Context, q database.DBTX, n int, scope Scope) ([]Record, error) {
	if n <= 0 {
		n = RecentLimit
	}
	conditions, args := scope.conditions()
	return s.query(ctx, q,
		"SELECT "+recordColumns+" FROM audit_records"+whereClause(conditions)+" ORDER BY created_at DESC, id LIMIT ?",
		append(args, n)...)
}

func (s *Store) query(ctx context.Context, q database.DBTX, query string, args ...any) ([]Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit records: %w", err)
	}
	return records, nil
}

// Summary counts records per action. Every action is present, zero or not.
// Records outside scope are not counted.
func (s *Store) Summary(ctx context.Context, q database.DBTX, scope Scope) (map[Action]int, error) {
	conditions, args := scope.conditions()
	rows, err := q.QueryContext(ctx,
		"SELECT action_type, COUNT(*) FROM audit_records"+whereClause(conditions)+" GROUP BY action_type", args...)
	if err != nil {
		return nil, fmt.Errorf("summarising audit records: %w", err)
	}
	defer rows.Close()

	summary := map[Action]int{ActionCreate: 0, ActionUpdate: 0, ActionDelete: 0}
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("scanning summary: %w", err)
		}
		summary[Action(action)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating summary: %w", err)
	}
	return summary, nil
}

// ActorCount is one row of the top-actors report.
type ActorCount struct {
	ActorID  string `json:"actor_id"`
	Username string `json:"username"`
	Total    int    `json:"total"`
}

// TopActors returns the n users with the most records as actor. Records
// whose actor has been deleted, and records outside scope, are not counted.
func (s *Store) TopActors(ctx context.Context, q database.DBTX, n int, scope Scope) ([]ActorCount, error) {
	if n <= 0 {
		n = TopActorsLimit
	}
	conditions, args := scope.conditions()
	rows, err := q.QueryContext(ctx,
		`SELECT u.id, u.username, COUNT(audit_records.id) AS total
		 FROM audit_records JOIN users u ON u.id = audit_records.actor_id`+whereClause(conditions)+`
		 GROUP BY u.id, u.username
		 ORDER BY total DESC, u.username
		 LIMIT ?`, append(args, n)...)
	if err != nil {
		return nil, fmt.Errorf("querying top actors: %w", err)
	}
	defer rows.Close()

	out := []ActorCount{}
	for rows.Next() {
		var ac ActorCount
		if err := rows.Scan(&ac.ActorID, &ac.Username, &ac.Total); err != nil {
			return nil, fmt.Errorf("scanning top actor: %w", err)
		}
		out = append(out, ac)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating top actors: %w", err)
	}
	return out, nil
}

// InactiveQuery pages the inactive-users report. HiddenRoles excludes
// holders of those roles, mirroring the user listing's visibility rule.
type InactiveQuery struct {
	Page        int
	PerPage     int
	HiddenRoles []string
}

// InactiveUser is one row of the inactive-users report. LastSeen is nil
// for a user who has never logged in.
type InactiveUser struct {
	UserID   string     `json:"user_id"`
	Username string     `json:"username"`
	Roles    []string   `json:"roles"`
	LastSeen *time.Time `json:"last_seen"`
}

// InactivePage is one page of the inactive-users report.
type InactivePage struct {
	Users   []InactiveUser `json:"users"`
	Page    int            `json:"page"`
	PerPage int            `json:"per_page"`
	Total   int            `json:"total"`
	Pages   int            `json:"pages"`
}

// InactiveUsers lists users who have not acted in any audit record within
// InactivityWindow, ordered by username.
func (s *Store) InactiveUsers(ctx context.Context, q database.DBTX, iq InactiveQuery) (*InactivePage, error) {
	page := max(iq.Page, 1)
	perPage := iq.PerPage
	if perPage <= 0 {
		perPage = DefaultInactivePage
	}
	perPage = min(perPage, MaxInactivePage)

	threshold := database.FormatTime(s.now().Add(-InactivityWindow))
	where := ` WHERE u.id NOT IN (SELECT actor_id FROM audit_records WHERE actor_id IS NOT NULL AND created_at >= ?)`
	args := []any{threshold}
	if len(iq.HiddenRoles) > 0 {
		cond, roleArgs := notHolding("u.id", iq.HiddenRoles)
		where += " AND " + cond
		args = append(args, roleArgs...)
	}

	var total int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM users u"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting inactive users: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT u.id, u.username,
			(SELECT group_concat(r.name, ',') FROM user_roles ur JOIN roles r ON r.id = ur.role_id WHERE ur.user_id = u.id),
			(SELECT MAX(last_activity) FROM session_records sr WHERE sr.user_id = u.id)
		 FROM users u`+where+` ORDER BY u.username LIMIT ? OFFSET ?`,
		append(args, perPage, (page-1)*perPage)...)
	if err != nil {
		return nil, fmt.Errorf("querying inactive users: %w", err)
	}
	defer rows.Close()

	users := []InactiveUser{}
	for rows.Next() {
		var iu InactiveUser
		var roles, lastSeen sql.NullString
		if err := rows.Scan(&iu.UserID, &iu.Username, &roles, &lastSeen); err != nil {
			return nil, fmt.Errorf("scanning inactive user: %w", err)
		}
		iu.Roles = []string{}
		if roles.Valid && roles.String != "" {
			iu.Roles = strings.Split(roles.String, ",")
		}
		if lastSeen.Valid {
			t, err := database.ParseTime(lastSeen.String)
			if err != nil {
				return nil, err
			}
			iu.LastSeen = &t
		}
		users = append(users, iu)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating inactive users: %w", err)
	}

	return &InactivePage{
		Users:   users,
		Page:    page,
		PerPage: perPage,
		Total:   total,
		Pages:   (total + perPage - 1) / perPage,
	}, nil
}

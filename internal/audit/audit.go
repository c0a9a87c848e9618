// Package audit stores the append-only trail of privileged user mutations
// and answers the reporting queries over it.
//
// Records are written inside the caller's transaction so a mutation and its
// audit record commit or roll back together. The store exposes no update
// or delete; the schema enforces the same with triggers.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/dcp-core/internal/infrastructure/database"
)

// Action classifies an audit record.
type Action string

// Audit actions. The set matches the CHECK constraint on audit_records.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// IsValid reports whether a is one of the known actions.
func (a Action) IsValid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// Entry is what a caller supplies when recording. Usernames are stored
// alongside the IDs so a record stays readable after either user is gone.
type Entry struct {
	Action         Action
	ActorID        string
	ActorUsername  string
	TargetID       string
	TargetUsername string
	Description    string
}

// Record is a stored audit entry. ActorID and TargetUserID are empty once
// the referenced user has been deleted.
type Record struct {
	ID             string    `json:"id"`
	Action         Action    `json:"action_type"`
	ActorID        string    `json:"actor_id,omitempty"`
	ActorUsername  string    `json:"actor_username"`
	TargetUserID   string    `json:"target_user_id,omitempty"`
	TargetUsername string    `json:"target_username,omitempty"`
	Description    string    `json:"description"`
	CreatedAt      time.Time `json:"created_at"`

	// ActorRoles and TargetRoles are the roles held once the mutation
	// committed. They travel with the record to live subscribers for
	// visibility checks and are not stored.
	ActorRoles  []string `json:"-"`
	TargetRoles []string `json:"-"`
}

// Store writes and reads audit records. Like the user store it holds no
// connection; callers pass the handle, normally the open transaction.
type Store struct {
	now func() time.Time
}

// NewStore creates a store. A nil now means time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now}
}

// Record appends an entry on tx. An error here must abort the caller's
// transaction.
func (s *Store) Record(ctx context.Context, tx database.DBTX, e Entry) (Record, error) {
	if !e.Action.IsValid() {
		return Record{}, fmt.Errorf("recording audit: unknown action %q", e.Action)
	}

	rec := Record{
		ID:             "aud-" + uuid.NewString(),
		Action:         e.Action,
		ActorID:        e.ActorID,
		ActorUsername:  e.ActorUsername,
		TargetUserID:   e.TargetID,
		TargetUsername: e.TargetUsername,
		Description:    e.Description,
		CreatedAt:      s.now().UTC().Truncate(time.Microsecond),
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_records (id, action_type, actor_id, actor_username, target_user_id, target_username, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Action), nullableString(rec.ActorID), rec.ActorUsername,
		nullableString(rec.TargetUserID), nullableString(rec.TargetUsername),
		rec.Description, database.FormatTime(rec.CreatedAt),
	)
	if err != nil {
		return Record{}, fmt.Errorf("inserting audit record: %w", err)
	}
	return rec, nil
}

// nullableString returns nil for empty strings, or the string otherwise.
// Used for nullable TEXT columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const recordColumns = "id, action_type, actor_id, actor_username, target_user_id, target_username, description, created_at"

func scanRecord(s interface{ Scan(...any) error }) (Record, error) {
	var rec Record
	var action, createdAt string
	var actorID, targetID, targetName sql.NullString

	if err := s.Scan(&rec.ID, &action, &actorID, &rec.ActorUsername,
		&targetID, &targetName, &rec.Description, &createdAt); err != nil {
		return Record{}, fmt.Errorf("scanning audit record: %w", err)
	}
	rec.Action = Action(action)
	rec.ActorID = actorID.String
	rec.TargetUserID = targetID.String
	rec.TargetUsername = targetName.String

	t, err := database.ParseTime(createdAt)
	if err != nil {
		return Record{}, err
	}
	rec.CreatedAt = t
	return rec, nil
}

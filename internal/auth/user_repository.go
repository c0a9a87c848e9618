package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/nerrad567/dcp-core/internal/infrastructure/database"
)

// Listing limits.
const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

// userColumns selects a user row with its role names folded into one column.
const userColumns = `u.id, u.username, u.email, u.password_hash, u.is_active, u.created_at, u.updated_at,
	(SELECT group_concat(r.name, ',') FROM user_roles ur JOIN roles r ON r.id = ur.role_id WHERE ur.user_id = u.id)`

// ListQuery narrows a user listing. Hidden holds roles whose holders are
// excluded; it is applied in SQL so Total counts only visible users.
type ListQuery struct {
	Role   Role
	Search string
	Hidden []Role
	Limit  int
	Offset int
}

// UserPage is one page of a listing.
type UserPage struct {
	Users []User `json:"users"`
	Total int    `json:"total"`
}

// UserStore persists users and their role assignments. It holds no
// connection: every method takes the handle to run on, so callers choose
// whether the work joins a transaction.
type UserStore struct {
	now Clock
}

// NewUserStore creates a store. A nil clock means time.Now.
func NewUserStore(now Clock) *UserStore {
	if now == nil {
		now = time.Now
	}
	return &UserStore{now: now}
}

// Create inserts a user and its roles. The ID is generated if empty and a
// user with no roles gets DefaultRole.
func (s *UserStore) Create(ctx context.Context, q database.DBTX, user *User) error {
	if user.ID == "" {
		user.ID = "usr-" + uuid.NewString()
	}
	if len(user.Roles) == 0 {
		user.Roles = []Role{DefaultRole}
	}
	user.Roles = NormalizeRoles(user.Roles)

	now := s.stamp()
	user.CreatedAt, user.UpdatedAt = now, now

	_, err := q.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Email, user.PasswordHash, boolToInt(user.IsActive),
		database.FormatTime(now), database.FormatTime(now),
	)
	if err != nil {
		if uerr := uniqueViolation(err); uerr != nil {
			return uerr
		}
		return fmt.Errorf("creating user: %w", err)
	}

	return s.insertRoles(ctx, q, user.ID, user.Roles)
}

// GetByID retrieves a user by their unique ID.
func (s *UserStore) GetByID(ctx context.Context, q database.DBTX, id string) (*User, error) {
	return getUser(ctx, q, "SELECT "+userColumns+" FROM users u WHERE u.id = ?", id)
}

// GetByUsername retrieves a user by their username.
func (s *UserStore) GetByUsername(ctx context.Context, q database.DBTX, username string) (*User, error) {
	return getUser(ctx, q, "SELECT "+userColumns+" FROM users u WHERE u.username = ?", username)
}

// CheckAvailable returns ErrUsernameExists or ErrEmailExists when either
// identity is taken by a user other than exceptID. The UNIQUE constraints
// remain the real guard; this only gives a precise error up front.
func (s *UserStore) CheckAvailable(ctx context.Context, q database.DBTX, username, email, exceptID string) error {
	rows, err := q.QueryContext(ctx,
		`SELECT username, email FROM users WHERE (username = ? OR email = ?) AND id != ?`,
		username, email, exceptID)
	if err != nil {
		return fmt.Errorf("checking identity: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u, e string
		if err := rows.Scan(&u, &e); err != nil {
			return fmt.Errorf("scanning identity: %w", err)
		}
		if u == username {
			return ErrUsernameExists
		}
		if e == email {
			return ErrEmailExists
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating identities: %w", err)
	}
	return nil
}

// List returns one page of users, newest first, plus the total matching
// the filter.
func (s *UserStore) List(ctx context.Context, q database.DBTX, lq ListQuery) (UserPage, error) {
	where, args := listWhere(lq)

	var total int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM users u"+where, args...).Scan(&total); err != nil {
		return UserPage{}, fmt.Errorf("counting users: %w", err)
	}

	limit := lq.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	offset := max(lq.Offset, 0)

	rows, err := q.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users u"+where+" ORDER BY u.created_at DESC, u.id LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		return UserPage{}, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		u, err := scanUserFrom(rows)
		if err != nil {
			return UserPage{}, err
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return UserPage{}, fmt.Errorf("iterating users: %w", err)
	}

	return UserPage{Users: users, Total: total}, nil
}

func listWhere(lq ListQuery) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if lq.Search != "" {
		pattern := "%" + lq.Search + "%"
		clauses = append(clauses, "(u.username LIKE ? OR u.email LIKE ?)")
		args = append(args, pattern, pattern)
	}
	if lq.Role != "" {
		clauses = append(clauses, `EXISTS (SELECT 1 FROM user_roles ur JOIN roles r ON r.id = ur.role_id
			WHERE ur.user_id = u.id AND r.name = ?)`)
		args = append(args, string(lq.Role))
	}
	if len(lq.Hidden) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(lq.Hidden)), ",")
		clauses = append(clauses, `NOT EXISTS (SELECT 1 FROM user_roles ur JOIN roles r ON r.id = ur.role_id
			WHERE ur.user_id = u.id AND r.name IN (`+marks+`))`)
		for _, r := range lq.Hidden {
			args = append(args, string(r))
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Update writes username, email and is_active. Roles are changed through
// SetRoles.
func (s *UserStore) Update(ctx context.Context, q database.DBTX, user *User) error {
	user.UpdatedAt = s.stamp()

	result, err := q.ExecContext(ctx,
		`UPDATE users SET username = ?, email = ?, is_active = ?, updated_at = ? WHERE id = ?`,
		user.Username, user.Email, boolToInt(user.IsActive), database.FormatTime(user.UpdatedAt), user.ID,
	)
	if err != nil {
		if uerr := uniqueViolation(err); uerr != nil {
			return uerr
		}
		return fmt.Errorf("updating user: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdatePassword changes a user's password hash.
func (s *UserStore) UpdatePassword(ctx context.Context, q database.DBTX, id, passwordHash string) error {
	result, err := q.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		passwordHash, database.FormatTime(s.stamp()), id,
	)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetRoles replaces the user's role set. An empty set becomes DefaultRole.
func (s *UserStore) SetRoles(ctx context.Context, q database.DBTX, userID string, roles []Role) error {
	if len(roles) == 0 {
		roles = []Role{DefaultRole}
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM user_roles WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("clearing roles: %w", err)
	}
	return s.insertRoles(ctx, q, userID, NormalizeRoles(roles))
}

func (s *UserStore) insertRoles(ctx context.Context, q database.DBTX, userID string, roles []Role) error {
	for _, r := range roles {
		result, err := q.ExecContext(ctx,
			"INSERT INTO user_roles (user_id, role_id) SELECT ?, id FROM roles WHERE name = ?",
			userID, string(r))
		if err != nil {
			return fmt.Errorf("assigning role %s: %w", r, err)
		}
		if n, _ := result.RowsAffected(); n == 0 { //nolint:errcheck // always succeeds on SQLite
			return fmt.Errorf("%w: %q", ErrRoleUnknown, r)
		}
	}
	return nil
}

// Delete removes a user account by ID. Role rows and session records
// cascade; audit records keep the row with the reference nulled.
func (s *UserStore) Delete(ctx context.Context, q database.DBTX, id string) error {
	result, err := q.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Count returns the total number of user accounts.
func (s *UserStore) Count(ctx context.Context, q database.DBTX) (int, error) {
	var count int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return count, nil
}

// stamp returns the current time at the storage precision.
func (s *UserStore) stamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// ValidateRoleVocabulary checks that the roles table holds exactly the
// built-in role set. The server refuses to start on a mismatch.
func ValidateRoleVocabulary(ctx context.Context, q database.DBTX) error {
	rows, err := q.QueryContext(ctx, "SELECT name FROM roles")
	if err != nil {
		return fmt.Errorf("reading roles: %w", err)
	}
	defer rows.Close()

	seen := make(map[Role]bool, len(ValidRoles))
	var unexpected []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scanning role: %w", err)
		}
		r := Role(name)
		if !r.IsValid() {
			unexpected = append(unexpected, name)
			continue
		}
		seen[r] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating roles: %w", err)
	}

	var missing []string
	for _, r := range ValidRoles {
		if !seen[r] {
			missing = append(missing, string(r))
		}
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		return fmt.Errorf("%w: missing %v, unexpected %v", ErrRoleVocabulary, missing, unexpected)
	}
	return nil
}

// getUser executes a query and scans a single user result.
func getUser(ctx context.Context, q database.DBTX, query string, args ...any) (*User, error) {
	return scanUserFrom(q.QueryRowContext(ctx, query, args...))
}

// scanner is an interface for sql.Row and sql.Rows Scan methods.
type scanner interface {
	Scan(dest ...any) error
}

// scanUserFrom scans a user from any scanner (Row or Rows).
func scanUserFrom(s scanner) (*User, error) {
	var u User
	var isActive int
	var createdAt, updatedAt string
	var roles sql.NullString

	err := s.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash,
		&isActive, &createdAt, &updatedAt, &roles)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	u.IsActive = isActive != 0
	if roles.Valid && roles.String != "" {
		for _, name := range strings.Split(roles.String, ",") {
			u.Roles = append(u.Roles, Role(name))
		}
	}
	u.Roles = NormalizeRoles(u.Roles)

	if u.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// uniqueViolation maps a UNIQUE constraint failure on users to the matching
// sentinel. Returns nil for any other error.
func uniqueViolation(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return nil
	}
	switch {
	case strings.Contains(sqliteErr.Error(), "users.email"):
		return ErrEmailExists
	case strings.Contains(sqliteErr.Error(), "users.username"):
		return ErrUsernameExists
	default:
		return nil
	}
}

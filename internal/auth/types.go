package auth

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// usernamePattern defines the valid format for usernames:
// alphanumeric, dots, hyphens, underscores, 3-80 characters.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{3,80}$`)

// IsValidUsername checks if a username meets format requirements.
func IsValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// Role represents an authorisation tier. The set is closed: the roles table
// must hold exactly these names (see ValidateRoleVocabulary).
type Role string

const (
	// RoleRoot may assign any role and view, update or delete any user.
	RoleRoot Role = "root"

	// RoleAdmin manages non-privileged users. It can neither grant admin or
	// root nor touch a user who holds either.
	RoleAdmin Role = "admin"

	// RoleEditor edits content. No rights over other users.
	RoleEditor Role = "editor"

	// RoleViewer is the default role and the only self-assignable one.
	RoleViewer Role = "viewer"
)

// ValidRoles lists every role, most permissive first.
var ValidRoles = []Role{RoleRoot, RoleAdmin, RoleEditor, RoleViewer}

// DefaultRole is assigned when a registration does not name one.
const DefaultRole = RoleViewer

// IsValid reports whether r belongs to the closed vocabulary.
func (r Role) IsValid() bool {
	return slices.Contains(ValidRoles, r)
}

// IsPrivileged reports whether holding r hides a user from admins.
func (r Role) IsPrivileged() bool {
	return r == RoleRoot || r == RoleAdmin
}

// rank orders roles for display; higher is more permissive.
func (r Role) rank() int {
	switch r {
	case RoleRoot:
		return 3 //nolint:mnd // hierarchy level
	case RoleAdmin:
		return 2 //nolint:mnd // hierarchy level
	case RoleEditor, RoleViewer:
		return 1
	default:
		return 0
	}
}

// ParseRole normalises a role name and rejects anything outside the vocabulary.
func ParseRole(name string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(name)))
	if !r.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrRoleUnknown, name)
	}
	return r, nil
}

// ParseRoles parses every name and returns a de-duplicated, ordered set.
func ParseRoles(names []string) ([]Role, error) {
	roles := make([]Role, 0, len(names))
	for _, n := range names {
		r, err := ParseRole(n)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return NormalizeRoles(roles), nil
}

// NormalizeRoles returns roles de-duplicated and ordered most permissive
// first, so role sets can be compared with slices.Equal.
func NormalizeRoles(roles []Role) []Role {
	out := make([]Role, 0, len(roles))
	for _, r := range ValidRoles {
		if slices.Contains(roles, r) {
			out = append(out, r)
		}
	}
	return out
}

// HighestRole returns the most permissive role held, or "" for none.
func HighestRole(roles []Role) Role {
	var best Role
	for _, r := range roles {
		if r.rank() > best.rank() {
			best = r
		}
	}
	return best
}

// User represents an account together with its role set.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"` // never serialised
	IsActive     bool      `json:"is_active"`
	Roles        []Role    `json:"roles"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasRole reports whether the user holds r.
func (u *User) HasRole(r Role) bool {
	return slices.Contains(u.Roles, r)
}

// IsPrivileged reports whether the user holds admin or root.
func (u *User) IsPrivileged() bool {
	return slices.ContainsFunc(u.Roles, Role.IsPrivileged)
}

// Sentinel errors for auth operations.
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrUsernameExists   = errors.New("username already exists")
	ErrEmailExists      = errors.New("email already exists")
	ErrRoleUnknown      = errors.New("unknown role")
	ErrRoleVocabulary   = errors.New("roles table does not match the built-in role set")
	ErrHashing          = errors.New("password hashing failed")
	ErrTokenMissing     = errors.New("token is missing")
	ErrTokenExpired     = errors.New("token has expired")
	ErrTokenMalformed   = errors.New("token is malformed")
	ErrTokenWrongKind   = errors.New("token is of the wrong kind")
	ErrSelfModification = errors.New("cannot modify own account in this way")
)

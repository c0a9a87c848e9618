package gateway

import (
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/nerrad567/dcp-core/internal/auth"
)

// Field limits.
const (
	minUsernameLen = 3
	maxUsernameLen = 80
	minPasswordLen = 6
	maxPasswordLen = 128
	maxEmailLen    = 254
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

var usernameRules = []validation.Rule{
	validation.Length(minUsernameLen, maxUsernameLen),
	validation.Match(usernamePattern).Error("may only contain letters, digits, '.', '_' and '-'"),
}

// RegisterInput is the body of a user creation request. Role is optional
// and defaults to viewer.
type RegisterInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

func (in *RegisterInput) normalize() {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
}

// Validate checks field shapes. Role names are checked separately so an
// unknown role reports as ErrRoleUnknown rather than a field error.
func (in RegisterInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Username, append([]validation.Rule{validation.Required}, usernameRules...)...),
		validation.Field(&in.Email, validation.Required, validation.Length(0, maxEmailLen), is.Email),
		validation.Field(&in.Password, validation.Required, validation.Length(minPasswordLen, maxPasswordLen)),
	)
}

// LoginInput is the body of a login request.
type LoginInput struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me,omitempty"`
}

// Validate requires both credentials.
func (in LoginInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Username, validation.Required),
		validation.Field(&in.Password, validation.Required),
	)
}

// UpdateInput changes a user. Nil fields are left as they are; a non-nil
// Roles replaces the whole role set.
type UpdateInput struct {
	Username *string  `json:"username,omitempty"`
	Email    *string  `json:"email,omitempty"`
	IsActive *bool    `json:"is_active,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

func (in *UpdateInput) normalize() {
	if in.Username != nil {
		v := strings.TrimSpace(*in.Username)
		in.Username = &v
	}
	if in.Email != nil {
		v := strings.ToLower(strings.TrimSpace(*in.Email))
		in.Email = &v
	}
}

// Validate checks the fields that are present.
func (in UpdateInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Username, append([]validation.Rule{validation.NilOrNotEmpty}, usernameRules...)...),
		validation.Field(&in.Email, validation.NilOrNotEmpty, validation.Length(0, maxEmailLen), is.Email),
		validation.Field(&in.Roles, validation.NilOrNotEmpty.Error("must hold at least one role")),
	)
}

// AssignRoleInput adds one role to a user identified by username.
type AssignRoleInput struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Validate requires both fields.
func (in AssignRoleInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Username, validation.Required.Error("username and role required")),
		validation.Field(&in.Role, validation.Required.Error("username and role required")),
	)
}

// ListFilter narrows a user listing. Role is a role name; empty means any.
type ListFilter struct {
	Role   string
	Search string
	Limit  int
	Offset int
}

// parseRequestedRole resolves an optional role name, defaulting to
// auth.DefaultRole when blank.
func parseRequestedRole(name string) (auth.Role, error) {
	if strings.TrimSpace(name) == "" {
		return auth.DefaultRole, nil
	}
	return auth.ParseRole(name)
}

package gateway

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/nerrad567/dcp-core/internal/auth"
)

// Sentinel errors returned by Service operations. Callers match them with
// errors.Is; the HTTP layer maps each one to a status code.
var (
	ErrDuplicateIdentity  = errors.New("user with this username or email already exists")
	ErrRoleNotPermitted   = errors.New("insufficient permissions to assign role")
	ErrRoleUnknown        = auth.ErrRoleUnknown
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountInactive    = errors.New("account is inactive")
	ErrTokenMissing       = auth.ErrTokenMissing
	ErrTokenExpired       = auth.ErrTokenExpired
	ErrTokenInvalid       = errors.New("token is invalid")
	ErrUnauthorized       = errors.New("access forbidden: insufficient role")
	ErrNotFound           = errors.New("user not found")
	ErrSelfModification   = auth.ErrSelfModification
)

// ValidationError carries one message per offending input field, keyed by
// the field's JSON name.
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// fieldError builds a ValidationError for a single field.
func fieldError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// PersistenceError wraps a storage failure. It is the only error class
// the service logs itself.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// asValidationError converts ozzo-validation output into a ValidationError.
// Anything else (an internal rule failure) is returned unchanged.
func asValidationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for name, ferr := range verrs {
		if ferr != nil {
			fields[name] = ferr.Error()
		}
	}
	return &ValidationError{Fields: fields}
}

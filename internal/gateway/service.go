package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/nerrad567/dcp-core/internal/audit"
	"github.com/nerrad567/dcp-core/internal/auth"
	"github.com/nerrad567/dcp-core/internal/infrastructure/database"
	"github.com/nerrad567/dcp-core/internal/infrastructure/logging"
	"github.com/nerrad567/dcp-core/internal/session"
)

// DB is the store handle the service needs: plain queries for reads and
// transactions for mutations. *database.DB satisfies it.
type DB interface {
	database.DBTX
	database.TxBeginner
}

// SessionRecorder is the part of session.Recorder the service uses.
type SessionRecorder interface {
	RecordLogin(ctx context.Context, userID string, meta session.ClientMeta) (session.Record, error)
	TouchActivity(ctx context.Context, userID string) error
	History(ctx context.Context, userID string, q session.HistoryQuery) (session.HistoryPage, error)
}

// Deps holds the collaborators of a Service. Sessions and Notifier are
// optional.
type Deps struct {
	DB       DB
	Users    *auth.UserStore
	Audit    *audit.Store
	Hasher   *auth.Hasher
	Tokens   *auth.TokenIssuer
	Sessions SessionRecorder
	Notifier *audit.Notifier
	Logger   *logging.Logger

	// AllowAnonymousRegistration lets callers without a token create
	// viewer accounts.
	AllowAnonymousRegistration bool
}

// Service is the single entry point for identity operations. Every
// mutation and its audit record are written in one transaction; committed
// audit records are then handed to the Notifier.
//
// Thread Safety:
//   - All methods are safe for concurrent use. The service keeps no
//     mutable state of its own.
type Service struct {
	db             DB
	users          *auth.UserStore
	audit          *audit.Store
	hasher         *auth.Hasher
	tokens         *auth.TokenIssuer
	sessions       SessionRecorder
	notifier       *audit.Notifier
	logger         *logging.Logger
	allowAnonymous bool
}

// LoginResult is what a successful login yields.
type LoginResult struct {
	User    *auth.User
	Access  auth.IssuedToken
	Refresh auth.IssuedToken
}

// New creates a Service.
func New(deps Deps) (*Service, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if deps.Users == nil || deps.Audit == nil {
		return nil, fmt.Errorf("user and audit stores are required")
	}
	if deps.Hasher == nil || deps.Tokens == nil {
		return nil, fmt.Errorf("hasher and token issuer are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		db:             deps.DB,
		users:          deps.Users,
		audit:          deps.Audit,
		hasher:         deps.Hasher,
		tokens:         deps.Tokens,
		sessions:       deps.Sessions,
		notifier:       deps.Notifier,
		logger:         logger,
		allowAnonymous: deps.AllowAnonymousRegistration,
	}, nil
}

// Register creates a user. A nil actor is an anonymous caller, who may only
// create viewers and only when anonymous registration is allowed.
func (s *Service) Register(ctx context.Context, actor *auth.User, in RegisterInput) (*auth.User, error) {
	in.normalize()
	if err := asValidationError(in.Validate()); err != nil {
		return nil, err
	}
	role, err := parseRequestedRole(in.Role)
	if err != nil {
		return nil, err
	}

	var actorRoles []auth.Role
	if actor != nil {
		actorRoles = actor.Roles
	} else if !s.allowAnonymous {
		return nil, fmt.Errorf("%w: anonymous registration is disabled", ErrUnauthorized)
	}
	if !auth.CanAssignRole(actorRoles, role) {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotPermitted, role)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, s.finish("hashing password", err)
	}

	user := &auth.User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		IsActive:     true,
		Roles:        []auth.Role{role},
	}

	var rec audit.Record
	err = database.WithTx(ctx, s.db, nil, func(ctx context.Context, tx database.DBTX) error {
		if err := s.users.CheckAvailable(ctx, tx, user.Username, user.Email, ""); err != nil {
			return mapStoreError(err)
		}
		if err := s.users.Create(ctx, tx, user); err != nil {
			return mapStoreError(err)
		}

		entry := audit.Entry{
			Action:         audit.ActionCreate,
			TargetID:       user.ID,
			TargetUsername: user.Username,
			Description:    fmt.Sprintf("created user %s with role %s", user.Username, role),
		}
		if actor != nil {
			entry.ActorID, entry.ActorUsername = actor.ID, actor.Username
		} else {
			entry.ActorID, entry.ActorUsername = user.ID, user.Username
		}
		var err error
		rec, err = s.audit.Record(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, s.finish("registering user", err)
	}

	if actor != nil {
		rec.ActorRoles = roleNames(actor.Roles)
	} else {
		rec.ActorRoles = roleNames(user.Roles)
	}
	rec.TargetRoles = roleNames(user.Roles)
	s.notifier.Notify(ctx, rec)
	s.logger.Info("user created",
		"user_id", user.ID,
		"username", user.Username,
		"role", string(role),
		"actor", rec.ActorUsername,
	)
	return user, nil
}

// Login checks credentials and issues an access and a refresh token. The
// login is recorded as a session; a recording failure is logged and does
// not fail the login.
func (s *Service) Login(ctx context.Context, in LoginInput, meta session.ClientMeta) (*LoginResult, error) {
	in.Username = strings.TrimSpace(in.Username)
	if err := asValidationError(in.Validate()); err != nil {
		return nil, err
	}

	user, err := s.users.GetByUsername(ctx, s.db, in.Username)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			s.hasher.VerifyUnknown(in.Password)
			return nil, ErrInvalidCredentials
		}
		return nil, s.finish("loading user", err)
	}
	if !s.hasher.Verify(in.Password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrAccountInactive
	}

	if s.hasher.NeedsRehash(user.PasswordHash) {
		s.upgradeHash(ctx, user, in.Password)
	}

	access, err := s.tokens.IssueAccess(user.Username)
	if err != nil {
		return nil, fmt.Errorf("issuing access token: %w", err)
	}
	refresh, err := s.tokens.IssueRefresh(user.Username)
	if err != nil {
		return nil, fmt.Errorf("issuing refresh token: %w", err)
	}

	if s.sessions != nil {
		if _, err := s.sessions.RecordLogin(ctx, user.ID, meta); err != nil {
			s.logger.Warn("recording login session failed", "user_id", user.ID, "error", err)
		}
	}

	s.logger.Info("user logged in", "user_id", user.ID, "username", user.Username, "ip", meta.IP)
	return &LoginResult{User: user, Access: access, Refresh: refresh}, nil
}

// upgradeHash re-hashes a legacy digest with the current parameters.
func (s *Service) upgradeHash(ctx context.Context, user *auth.User, password string) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Warn("rehashing password failed", "user_id", user.ID, "error", err)
		return
	}
	if err := s.users.UpdatePassword(ctx, s.db, user.ID, hash); err != nil {
		s.logger.Warn("storing rehashed password failed", "user_id", user.ID, "error", err)
		return
	}
	user.PasswordHash = hash
}

// Refresh exchanges a refresh token for a new access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (auth.IssuedToken, error) {
	username, err := s.tokens.Verify(refreshToken, auth.KindRefresh)
	if err != nil {
		return auth.IssuedToken{}, tokenError(err)
	}

	user, err := s.users.GetByUsername(ctx, s.db, username)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return auth.IssuedToken{}, fmt.Errorf("%w: subject no longer exists", ErrTokenInvalid)
		}
		return auth.IssuedToken{}, s.finish("loading user", err)
	}
	if !user.IsActive {
		return auth.IssuedToken{}, ErrAccountInactive
	}

	access, err := s.tokens.IssueAccess(user.Username)
	if err != nil {
		return auth.IssuedToken{}, fmt.Errorf("issuing access token: %w", err)
	}
	return access, nil
}

// CurrentActor resolves an access token to its active user.
func (s *Service) CurrentActor(ctx context.Context, accessToken string) (*auth.User, error) {
	username, err := s.tokens.Verify(accessToken, auth.KindAccess)
	if err != nil {
		return nil, tokenError(err)
	}

	user, err := s.users.GetByUsername(ctx, s.db, username)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: subject no longer exists", ErrTokenInvalid)
		}
		return nil, s.finish("loading user", err)
	}
	if !user.IsActive {
		return nil, ErrAccountInactive
	}
	return user, nil
}

// Logout has no server-side effect: tokens are stateless and there is no
// revocation list, so an unexpired access token stays valid after logout.
// The HTTP layer clears the cookies.
func (s *Service) Logout(actor *auth.User) {
	if actor != nil {
		s.logger.Info("user logged out", "user_id", actor.ID, "username", actor.Username)
	}
}

// TouchActivity marks the actor's newest session as active now. Failures
// are logged at debug level only.
func (s *Service) TouchActivity(ctx context.Context, actor *auth.User) {
	if s.sessions == nil || actor == nil {
		return
	}
	if err := s.sessions.TouchActivity(ctx, actor.ID); err != nil {
		s.logger.Debug("touching session activity failed", "user_id", actor.ID, "error", err)
	}
}

// ListUsers returns a page of the users the actor may see. Admins never
// see admin or root accounts, whatever the role filter says.
func (s *Service) ListUsers(ctx context.Context, actor *auth.User, f ListFilter) (auth.UserPage, error) {
	if actor == nil || !auth.CanListUsers(actor.Roles) {
		return auth.UserPage{}, ErrUnauthorized
	}

	var role auth.Role
	if strings.TrimSpace(f.Role) != "" {
		r, err := auth.ParseRole(f.Role)
		if err != nil {
			return auth.UserPage{}, err
		}
		role = r
	}

	page, err := s.users.List(ctx, s.db, auth.ListQuery{
		Role:   role,
		Search: strings.TrimSpace(f.Search),
		Hidden: auth.HiddenRoles(actor.Roles),
		Limit:  f.Limit,
		Offset: max(f.Offset, 0),
	})
	if err != nil {
		return auth.UserPage{}, s.finish("listing users", err)
	}
	page.Users = auth.Visible(actor.Roles, page.Users)
	return page, nil
}

// GetUser returns one user. Any actor may read their own account.
func (s *Service) GetUser(ctx context.Context, actor *auth.User, id string) (*auth.User, error) {
	if actor == nil {
		return nil, ErrUnauthorized
	}
	if actor.ID == id {
		return s.load(ctx, s.db, id)
	}
	if !auth.HasAnyPermission(actor.Roles, auth.PermUserManage) {
		return nil, ErrUnauthorized
	}

	target, err := s.load(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if !auth.CanViewUser(actor.Roles, target.Roles) {
		return nil, ErrUnauthorized
	}
	return target, nil
}

// UpdateUser applies in to the user. An audit record is written only when
// the role set or the active flag changes.
func (s *Service) UpdateUser(ctx context.Context, actor *auth.User, id string, in UpdateInput) (*auth.User, error) {
	if actor == nil || !auth.HasAnyPermission(actor.Roles, auth.PermUserManage) {
		return nil, ErrUnauthorized
	}
	in.normalize()
	if err := asValidationError(in.Validate()); err != nil {
		return nil, err
	}

	var newRoles []auth.Role
	if in.Roles != nil {
		roles, err := auth.ParseRoles(in.Roles)
		if err != nil {
			return nil, err
		}
		newRoles = auth.NormalizeRoles(roles)
	}

	var (
		target   *auth.User
		recorded []audit.Record
	)
	err := database.WithTx(ctx, s.db, nil, func(ctx context.Context, tx database.DBTX) error {
		var err error
		target, err = s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !auth.CanMutateUser(actor.Roles, target.Roles) {
			return ErrUnauthorized
		}

		var changes []string
		rolesChanged := newRoles != nil && !slices.Equal(newRoles, target.Roles)
		if rolesChanged {
			if !auth.CanAssignRoles(actor.Roles, newRoles) {
				return ErrRoleNotPermitted
			}
			changes = append(changes, fmt.Sprintf("roles %s -> %s", joinRoles(target.Roles), joinRoles(newRoles)))
		}
		activeChanged := in.IsActive != nil && *in.IsActive != target.IsActive
		if activeChanged {
			changes = append(changes, fmt.Sprintf("is_active %t -> %t", target.IsActive, *in.IsActive))
		}
		if target.ID == actor.ID && (rolesChanged || activeChanged) {
			return ErrSelfModification
		}

		if in.Username != nil {
			target.Username = *in.Username
		}
		if in.Email != nil {
			target.Email = *in.Email
		}
		if in.IsActive != nil {
			target.IsActive = *in.IsActive
		}

		if err := s.users.CheckAvailable(ctx, tx, target.Username, target.Email, target.ID); err != nil {
			return mapStoreError(err)
		}
		if err := s.users.Update(ctx, tx, target); err != nil {
			return mapStoreError(err)
		}
		if rolesChanged {
			if err := s.users.SetRoles(ctx, tx, target.ID, newRoles); err != nil {
				return err
			}
			target.Roles = newRoles
		}

		if len(changes) == 0 {
			return nil
		}
		rec, err := s.audit.Record(ctx, tx, audit.Entry{
			Action:         audit.ActionUpdate,
			ActorID:        actor.ID,
			ActorUsername:  actor.Username,
			TargetID:       target.ID,
			TargetUsername: target.Username,
			Description:    fmt.Sprintf("updated user %s: %s", target.Username, strings.Join(changes, "; ")),
		})
		if err != nil {
			return err
		}
		rec.ActorRoles, rec.TargetRoles = roleNames(actor.Roles), roleNames(target.Roles)
		recorded = append(recorded, rec)
		return nil
	})
	if err != nil {
		return nil, s.finish("updating user", err)
	}

	s.notifier.Notify(ctx, recorded...)
	s.logger.Info("user updated",
		"user_id", target.ID,
		"username", target.Username,
		"actor", actor.Username,
		"audited", len(recorded) > 0,
	)
	return target, nil
}

// DeleteUser removes a user. Actors cannot delete themselves.
func (s *Service) DeleteUser(ctx context.Context, actor *auth.User, id string) error {
	if actor == nil || !auth.HasAnyPermission(actor.Roles, auth.PermUserManage) {
		return ErrUnauthorized
	}
	if actor.ID == id {
		return ErrSelfModification
	}

	var rec audit.Record
	err := database.WithTx(ctx, s.db, nil, func(ctx context.Context, tx database.DBTX) error {
		target, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !auth.CanMutateUser(actor.Roles, target.Roles) {
			return ErrUnauthorized
		}

		// The record is written first; deleting the user then nulls its
		// target reference and keeps target_username.
		rec, err = s.audit.Record(ctx, tx, audit.Entry{
			Action:         audit.ActionDelete,
			ActorID:        actor.ID,
			ActorUsername:  actor.Username,
			TargetID:       target.ID,
			TargetUsername: target.Username,
			Description:    fmt.Sprintf("deleted user %s", target.Username),
		})
		if err != nil {
			return err
		}
		rec.ActorRoles, rec.TargetRoles = roleNames(actor.Roles), roleNames(target.Roles)
		return mapStoreError(s.users.Delete(ctx, tx, id))
	})
	if err != nil {
		return s.finish("deleting user", err)
	}

	s.notifier.Notify(ctx, rec)
	s.logger.Info("user deleted", "user_id", id, "username", rec.TargetUsername, "actor", actor.Username)
	return nil
}

// AssignRole adds one role to the user named in in. Assigning a role the
// user already holds changes nothing and records nothing.
func (s *Service) AssignRole(ctx context.Context, actor *auth.User, in AssignRoleInput) (*auth.User, error) {
	if actor == nil || !auth.HasAnyPermission(actor.Roles, auth.PermUserManage) {
		return nil, ErrUnauthorized
	}
	in.Username = strings.TrimSpace(in.Username)
	if err := asValidationError(in.Validate()); err != nil {
		return nil, err
	}
	role, err := auth.ParseRole(in.Role)
	if err != nil {
		return nil, err
	}

	var (
		target   *auth.User
		recorded []audit.Record
	)
	err = database.WithTx(ctx, s.db, nil, func(ctx context.Context, tx database.DBTX) error {
		var err error
		target, err = s.users.GetByUsername(ctx, tx, in.Username)
		if err != nil {
			return mapStoreError(err)
		}
		if !auth.CanMutateUser(actor.Roles, target.Roles) {
			return ErrUnauthorized
		}
		if !auth.CanAssignRole(actor.Roles, role) {
			return ErrRoleNotPermitted
		}
		if target.HasRole(role) {
			return nil
		}

		before := target.Roles
		roles := auth.NormalizeRoles(append(slices.Clone(before), role))
		if err := s.users.SetRoles(ctx, tx, target.ID, roles); err != nil {
			return err
		}
		target.Roles = roles

		rec, err := s.audit.Record(ctx, tx, audit.Entry{
			Action:         audit.ActionUpdate,
			ActorID:        actor.ID,
			ActorUsername:  actor.Username,
			TargetID:       target.ID,
			TargetUsername: target.Username,
			Description:    fmt.Sprintf("assigned role %s to %s (roles %s -> %s)", role, target.Username, joinRoles(before), joinRoles(roles)),
		})
		if err != nil {
			return err
		}
		rec.ActorRoles, rec.TargetRoles = roleNames(actor.Roles), roleNames(roles)
		recorded = append(recorded, rec)
		return nil
	})
	if err != nil {
		return nil, s.finish("assigning role", err)
	}

	s.notifier.Notify(ctx, recorded...)
	if len(recorded) > 0 {
		s.logger.Info("role assigned", "user_id", target.ID, "role", string(role), "actor", actor.Username)
	}
	return target, nil
}

// LoginHistory returns a page of a user's logins. Actors may always read
// their own history; otherwise user visibility rules apply.
func (s *Service) LoginHistory(ctx context.Context, actor *auth.User, id string, q session.HistoryQuery) (session.HistoryPage, error) {
	if s.sessions == nil {
		return session.HistoryPage{}, fmt.Errorf("login history: no session recorder configured")
	}
	if _, err := s.GetUser(ctx, actor, id); err != nil {
		return session.HistoryPage{}, err
	}
	page, err := s.sessions.History(ctx, id, q)
	if err != nil {
		return session.HistoryPage{}, s.finish("reading login history", err)
	}
	return page, nil
}

func (s *Service) load(ctx context.Context, q database.DBTX, id string) (*auth.User, error) {
	user, err := s.users.GetByID(ctx, q, id)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return user, nil
}

// finish classifies an operation error. Domain errors pass through
// untouched; anything else is a PersistenceError and is logged.
func (s *Service) finish(op string, err error) error {
	if err == nil {
		return nil
	}
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		if isDomainError(err) {
			return err
		}
		perr = &PersistenceError{Op: op, Err: err}
	}
	s.logger.Error("persistence failure", "op", perr.Op, "error", perr.Err)
	return perr
}

var domainErrors = []error{
	ErrDuplicateIdentity,
	ErrRoleNotPermitted,
	ErrRoleUnknown,
	ErrInvalidCredentials,
	ErrAccountInactive,
	ErrTokenMissing,
	ErrTokenExpired,
	ErrTokenInvalid,
	ErrUnauthorized,
	ErrNotFound,
	ErrSelfModification,
}

func isDomainError(err error) bool {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return true
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// mapStoreError translates auth store sentinels into service errors.
func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrUserNotFound):
		return ErrNotFound
	case errors.Is(err, auth.ErrUsernameExists), errors.Is(err, auth.ErrEmailExists):
		return fmt.Errorf("%w: %w", ErrDuplicateIdentity, err)
	default:
		return err
	}
}

// tokenError folds verifier errors into the service's token sentinels.
// Malformed and wrong-kind tokens both become ErrTokenInvalid, with the
// cause still reachable through errors.Is.
func tokenError(err error) error {
	switch {
	case errors.Is(err, auth.ErrTokenMissing), errors.Is(err, auth.ErrTokenExpired):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
}

func joinRoles(roles []auth.Role) string {
	return "[" + strings.Join(roleNames(roles), ",") + "]"
}

func roleNames(roles []auth.Role) []string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return names
}

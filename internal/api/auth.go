package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/dcp-core/internal/auth"
	"github.com/nerrad567/dcp-core/internal/gateway"
)

// ticketTTL is how long a WebSocket ticket is valid.
const ticketTTL = 60 * time.Second

// loginResponse is the response body for POST /auth/login. The tokens are
// also set as cookies; the body copy serves non-browser clients.
type loginResponse struct {
	Msg         string      `json:"msg"`
	Username    string      `json:"username"`
	Roles       []auth.Role `json:"roles"`
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   int         `json:"expires_in"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// decodeJSON reads the request body into v. An empty body is an error.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is empty")
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// handleLogin authenticates a user and sets the token cookies.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in gateway.LoginInput
	if err := decodeJSON(r, &in); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	res, err := s.gateway.Login(r.Context(), in, clientMeta(r))
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}

	s.setTokenCookie(w, accessCookieName, res.Access)
	s.setTokenCookie(w, refreshCookieName, res.Refresh)

	writeJSON(w, http.StatusOK, loginResponse{
		Msg:         "Login successful",
		Username:    res.User.Username,
		Roles:       res.User.Roles,
		AccessToken: res.Access.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(res.Access.ExpiresAt).Seconds()),
	})
}

// handleRefresh issues a new access token. The refresh token comes from
// its cookie or, failing that, from the JSON body.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := ""
	if c, err := r.Cookie(refreshCookieName); err == nil {
		token = c.Value
	}
	if token == "" && r.Body != nil {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			token = req.RefreshToken
		}
	}

	access, err := s.gateway.Refresh(r.Context(), token)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}

	s.setTokenCookie(w, accessCookieName, access)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": access.Token,
		"token_type":   "Bearer",
		"expires_in":   int(time.Until(access.ExpiresAt).Seconds()),
	})
}

// handleLogout clears both token cookies. It needs no valid token and is
// idempotent. Tokens already handed out stay valid until they expire.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token, _ := accessToken(r); token != "" {
		if actor, err := s.gateway.CurrentActor(r.Context(), token); err == nil {
			s.gateway.Logout(actor)
		}
	}

	s.clearCookie(w, accessCookieName)
	s.clearCookie(w, refreshCookieName)
	writeJSON(w, http.StatusOK, map[string]string{"msg": "Logout successful"})
}

// handleRegister creates a user. Anonymous callers may only create viewers.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in gateway.RegisterInput
	if err := decodeJSON(r, &in); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	user, err := s.gateway.Register(r.Context(), actorFromContext(r.Context()), in)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"msg":  "User registered successfully",
		"user": user,
	})
}

// handleMe returns the current actor.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	claims, _ := claimsFromContext(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{
		"user":        actor,
		"role":        auth.HighestRole(actor.Roles),
		"auth_method": claims.Transport,
	})
}

// handleAssignRole adds a role to a user.
func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var in gateway.AssignRoleInput
	if err := decodeJSON(r, &in); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	user, err := s.gateway.AssignRole(r.Context(), actorFromContext(r.Context()), in)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"msg":  fmt.Sprintf("Role '%s' assigned to %s", strings.ToLower(strings.TrimSpace(in.Role)), user.Username),
		"user": user,
	})
}

// setTokenCookie stores a token in an HttpOnly cookie that expires with it.
func (s *Server) setTokenCookie(w http.ResponseWriter, name string, tok auth.IssuedToken) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    tok.Token,
		Path:     "/",
		Expires:  tok.ExpiresAt,
		MaxAge:   max(int(time.Until(tok.ExpiresAt).Seconds()), 1),
		HttpOnly: true,
		Secure:   s.secCfg.JWT.CookieSecure,
		SameSite: sameSiteMode(s.secCfg.JWT.CookieSameSite),
	})
}

func (s *Server) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secCfg.JWT.CookieSecure,
		SameSite: sameSiteMode(s.secCfg.JWT.CookieSameSite),
	})
}

func sameSiteMode(mode string) http.SameSite {
	switch strings.ToLower(mode) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// ticketStore holds pending WebSocket authentication tickets.
// Tickets are single-use and expire after ticketTTL.
type ticketStore struct {
	tickets map[string]ticketEntry
	now     func() time.Time
	mu      sync.Mutex
}

type ticketEntry struct {
	userID    string
	username  string
	roles     []auth.Role
	expiresAt time.Time
}

func newTicketStore(now func() time.Time) *ticketStore {
	return &ticketStore{tickets: make(map[string]ticketEntry), now: now}
}

// issue creates a ticket for user.
func (ts *ticketStore) issue(user *auth.User) string {
	ticket := generateTicket()

	ts.mu.Lock()
	ts.tickets[ticket] = ticketEntry{
		userID:    user.ID,
		username:  user.Username,
		roles:     user.Roles,
		expiresAt: ts.now().Add(ticketTTL),
	}
	ts.mu.Unlock()
	return ticket
}

// consume checks a ticket and removes it (single-use).
func (ts *ticketStore) consume(ticket string) (ticketEntry, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	entry, ok := ts.tickets[ticket]
	if !ok {
		return ticketEntry{}, false
	}
	delete(ts.tickets, ticket)

	return entry, ts.now().Before(entry.expiresAt)
}

// cleanExpired removes expired tickets from the store.
func (ts *ticketStore) cleanExpired() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()
	for ticket, entry := range ts.tickets {
		if now.After(entry.expiresAt) {
			delete(ts.tickets, ticket)
		}
	}
}

func (ts *ticketStore) len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tickets)
}

// handleWSTicket generates a single-use WebSocket authentication ticket.
// The client uses this ticket to authenticate the WebSocket connection
// without exposing the JWT in the URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	ticket := s.tickets.issue(actorFromContext(r.Context()))

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL.Seconds()),
	})
}

// ticketBytes is the number of random bytes used for WebSocket tickets.
const ticketBytes = 32

// generateTicket creates a cryptographically random ticket string.
func generateTicket() string {
	b := make([]byte, ticketBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	return hex.EncodeToString(b)
}

// cleanTicketsLoop runs cleanExpired periodically until the context is cancelled.
func (s *Server) cleanTicketsLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickets.cleanExpired()
		}
	}
}

package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/dcp-core/internal/audit"
	"github.com/nerrad567/dcp-core/internal/auth"
	"github.com/nerrad567/dcp-core/internal/gateway"
	"github.com/nerrad567/dcp-core/internal/infrastructure/config"
	"github.com/nerrad567/dcp-core/internal/infrastructure/database"
	"github.com/nerrad567/dcp-core/internal/infrastructure/logging"
	"github.com/nerrad567/dcp-core/internal/infrastructure/ratelimit"
	"github.com/nerrad567/dcp-core/internal/session"
	_ "github.com/nerrad567/dcp-core/migrations"
)

const (
	testSecret   = "api-test-secret-key-at-least-32-characters"
	testPassword = "correct-horse"
)

type testEnv struct {
	srv    *Server
	router http.Handler
	db     *database.DB
	tokens *auth.TokenIssuer
	hasher *auth.Hasher
	users  *auth.UserStore
}

type serverOption func(*Deps)

// testServer creates a Server backed by a real gateway on a temporary
// SQLite database.
func testServer(t *testing.T, opts ...serverOption) *testEnv {
	t.Helper()

	db, err := database.Open(context.Background(), database.Config{
		Path:        filepath.Join(t.TempDir(), "api-test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	log := logging.Discard()
	hasher := auth.NewHasher(auth.HasherParams{Time: 1, Memory: 8 * 1024, Threads: 1})
	tokens := auth.NewTokenIssuer(testSecret, 15*time.Minute, 24*time.Hour, nil)
	users := auth.NewUserStore(nil)
	notifier := audit.NewNotifier(log.Logger)

	gw, err := gateway.New(gateway.Deps{
		DB:                         db,
		Users:                      users,
		Audit:                      audit.NewStore(nil),
		Hasher:                     hasher,
		Tokens:                     tokens,
		Sessions:                   session.NewRecorder(db, nil),
		Notifier:                   notifier,
		Logger:                     log,
		AllowAnonymousRegistration: true,
	})
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}

	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{
			Enabled:        true,
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{Secret: testSecret, CookieSameSite: "strict"},
		},
		Logger:  log,
		Gateway: gw,
		DB:      db,
		Version: "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	notifier.Add(srv.Hub())

	return &testEnv{
		srv:    srv,
		router: srv.buildRouter(),
		db:     db,
		tokens: tokens,
		hasher: hasher,
		users:  users,
	}
}

// seed creates an active user and returns it with a valid access token.
func (e *testEnv) seed(t *testing.T, username string, roles ...auth.Role) (*auth.User, string) {
	t.Helper()
	hash, err := e.hasher.Hash(testPassword)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	user := &auth.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		IsActive:     true,
		Roles:        roles,
	}
	if err := e.users.Create(context.Background(), e.db, user); err != nil {
		t.Fatalf("Create(%s): %v", username, err)
	}
	tok, err := e.tokens.IssueAccess(username)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	return user, tok.Token
}

// do sends a request through the router. token, when set, is sent as a
// bearer token.
func (e *testEnv) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v (body %q)", err, w.Body.String())
	}
	return resp
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	code, _ := decodeBody(t, w)["code"].(string) //nolint:errcheck // empty on mismatch
	return code
}

func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// fakeDB lets tests control the database health check.
type fakeDB struct{ err error }

func (f fakeDB) HealthCheck(context.Context) error { return f.err }
func (f fakeDB) Stats() sql.DBStats                { return sql.DBStats{OpenConnections: 1} }

type fakeChecker struct{ err error }

func (f fakeChecker) HealthCheck(context.Context) error { return f.err }

type fakeLimiter struct {
	decision ratelimit.Decision
	err      error
	keys     []string
}

func (f *fakeLimiter) Allow(_ context.Context, key string) (ratelimit.Decision, error) {
	f.keys = append(f.keys, key)
	return f.decision, f.err
}

// onePerKeyLimiter admits the first request for each key and denies the rest.
type onePerKeyLimiter struct {
	seen map[string]int
}

func (l *onePerKeyLimiter) Allow(_ context.Context, key string) (ratelimit.Decision, error) {
	if l.seen == nil {
		l.seen = make(map[string]int)
	}
	l.seen[key]++
	if l.seen[key] > 1 {
		return ratelimit.Decision{Allowed: false, Limit: 1, RetryAfter: time.Minute}, nil
	}
	return ratelimit.Decision{Allowed: true, Limit: 1}, nil
}

// ─── Construction ──────────────────────────────────────────────────

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatal("New(empty deps) should fail")
	}
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Fatal("New without gateway should fail")
	}
}

func TestNew_RejectsInvalidTrustedProxy(t *testing.T) {
	env := testServer(t)
	_, err := New(Deps{
		Config:  config.APIConfig{TrustedProxies: []string{"10.0.0.0/8", "not-an-address"}},
		Logger:  logging.Discard(),
		Gateway: env.srv.gateway,
		DB:      env.db,
	})
	if err == nil {
		t.Fatal("New should reject an unparseable trusted proxy")
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decodeBody(t, w)
	if resp["status"] != "ok" || resp["database"] != "ok" {
		t.Errorf("health = %v, want status ok and database ok", resp)
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
}

func TestHealth_AdapterDegraded(t *testing.T) {
	env := testServer(t, func(d *Deps) {
		d.Adapters = map[string]HealthChecker{
			"mqtt": fakeChecker{err: errors.New("not connected")},
			"amqp": fakeChecker{},
		}
	})

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (adapters never fail health)", w.Code)
	}
	resp := decodeBody(t, w)
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
	adapters, _ := resp["adapters"].(map[string]any) //nolint:errcheck // checked below
	if adapters["mqtt"] != "degraded" || adapters["amqp"] != "ok" {
		t.Errorf("adapters = %v", adapters)
	}
}

func TestHealth_DatabaseUnavailable(t *testing.T) {
	env := testServer(t, func(d *Deps) { d.DB = fakeDB{err: errors.New("disk gone")} })

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if resp := decodeBody(t, w); resp["database"] != "unavailable" {
		t.Errorf("database = %v, want unavailable", resp["database"])
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("X-Request-ID = %q, want req-123", got)
	}
}

func TestCORS(t *testing.T) {
	env := testServer(t, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"https://admin.example.com"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/auth/login", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://admin.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q, want true", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/auth/login", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got Allow-Origin %q", got)
	}
}

func TestNoCacheHeaders(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if got := w.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if got := w.Header().Get("Pragma"); got != "no-cache" {
		t.Errorf("Pragma = %q, want no-cache", got)
	}
}

// ─── Authentication Tests ──────────────────────────────────────────

func TestLogin_SetsCookies(t *testing.T) {
	env := testServer(t)
	env.seed(t, "alice", auth.RoleEditor)

	w := env.do(t, http.MethodPost, "/api/v1/auth/login",
		`{"username":"alice","password":"`+testPassword+`"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body.String())
	}

	access := findCookie(w, accessCookieName)
	refresh := findCookie(w, refreshCookieName)
	if access == nil || refresh == nil {
		t.Fatal("login should set both token cookies")
	}
	if !access.HttpOnly || access.SameSite != http.SameSiteStrictMode || access.Path != "/" {
		t.Errorf("access cookie attributes = %+v", access)
	}

	resp := decodeBody(t, w)
	if resp["msg"] != "Login successful" || resp["username"] != "alice" {
		t.Errorf("login response = %v", resp)
	}
	if resp["access_token"] != access.Value {
		t.Error("body token should match the access cookie")
	}
	if resp["token_type"] != "Bearer" {
		t.Errorf("token_type = %v", resp["token_type"])
	}
}

func TestLogin_Failures(t *testing.T) {
	env := testServer(t)
	env.seed(t, "alice", auth.RoleViewer)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"wrong password", `{"username":"alice","password":"nope-nope"}`, http.StatusUnauthorized, ErrCodeInvalidCredentials},
		{"unknown user", `{"username":"bob","password":"whatever"}`, http.StatusUnauthorized, ErrCodeInvalidCredentials},
		{"missing fields", `{"username":"alice"}`, http.StatusBadRequest, ErrCodeValidation},
		{"bad json", `{`, http.StatusBadRequest, ErrCodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/auth/login", tt.body, "")
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if code := errorCode(t, w); code != tt.code {
				t.Errorf("code = %q, want %q", code, tt.code)
			}
		})
	}
}

func TestMe_BearerAndCookie(t *testing.T) {
	env := testServer(t)
	_, token := env.seed(t, "alice", auth.RoleEditor)

	w := env.do(t, http.MethodGet, "/api/v1/auth/me", "", token)
	if w.Code != http.StatusOK {
		t.Fatalf("bearer status = %d", w.Code)
	}
	resp := decodeBody(t, w)
	if resp["auth_method"] != transportBearer || resp["role"] != "editor" {
		t.Errorf("me = %v", resp)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: accessCookieName, Value: token})
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("cookie status = %d", w.Code)
	}
	if resp := decodeBody(t, w); resp["auth_method"] != transportCookie {
		t.Errorf("auth_method = %v, want cookie", resp["auth_method"])
	}
}

func TestTokenFailureCodes(t *testing.T) {
	env := testServer(t)
	env.seed(t, "alice", auth.RoleViewer)

	stale := auth.NewTokenIssuer(testSecret, 15*time.Minute, time.Hour,
		func() time.Time { return time.Now().Add(-time.Hour) })
	expired, err := stale.IssueAccess("alice")
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	refresh, err := env.tokens.IssueRefresh("alice")
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}

	tests := []struct {
		name  string
		token string
		code  string
	}{
		{"missing", "", ErrCodeTokenMissing},
		{"garbage", "not-a-jwt", ErrCodeTokenInvalid},
		{"expired", expired.Token, ErrCodeTokenExpired},
		{"refresh used as access", refresh.Token, ErrCodeTokenInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/v1/auth/me", "", tt.token)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if code := errorCode(t, w); code != tt.code {
				t.Errorf("code = %q, want %q", code, tt.code)
			}
		})
	}
}

func TestAuthFailure_HTMLRedirect(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != loginPagePath {
		t.Errorf("Location = %q, want %q", loc, loginPagePath)
	}
}

func TestRefresh_FromCookie(t *testing.T) {
	env := testServer(t)
	env.seed(t, "alice", auth.RoleViewer)
	refresh, err := env.tokens.IssueRefresh("alice")
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: refresh.Token})
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", w.Code, w.Body.String())
	}
	if findCookie(w, accessCookieName) == nil {
		t.Error("refresh should set a new access cookie")
	}

	// Body transport, and an access token in place of a refresh token.
	access, _ := env.tokens.IssueAccess("alice") //nolint:errcheck // same issuer as above
	w = env.do(t, http.MethodPost, "/api/v1/auth/refresh", `{"refresh_token":"`+access.Token+`"}`, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("access-as-refresh status = %d, want 401", w.Code)
	}
}

func TestLogout_Idempotent(t *testing.T) {
	env := testServer(t)
	_, token := env.seed(t, "alice", auth.RoleViewer)

	for i := range 2 {
		w := env.do(t, http.MethodPost, "/api/v1/auth/logout", "", token)
		if w.Code != http.StatusOK {
			t.Fatalf("logout #%d status = %d", i+1, w.Code)
		}
		c := findCookie(w, accessCookieName)
		if c == nil || c.MaxAge >= 0 || c.Value != "" {
			t.Errorf("logout #%d should expire the access cookie, got %+v", i+1, c)
		}
	}

	// Without any token at all.
	if w := env.do(t, http.MethodPost, "/api/v1/auth/logout", "", ""); w.Code != http.StatusOK {
		t.Errorf("anonymous logout status = %d", w.Code)
	}
}

// ─── Registration Tests ────────────────────────────────────────────

func TestRegister(t *testing.T) {
	env := testServer(t)
	body := `{"username":"newbie","email":"newbie@example.com","password":"secret1"}`

	w := env.do(t, http.MethodPost, "/api/v1/auth/register", body, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", w.Code, w.Body.String())
	}
	if resp := decodeBody(t, w); resp["msg"] != "User registered successfully" {
		t.Errorf("msg = %v", resp["msg"])
	}

	w = env.do(t, http.MethodPost, "/api/v1/users/create", body, "")
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", w.Code)
	}
}

func TestRegister_Validation(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodPost, "/api/v1/auth/register",
		`{"username":"ab","email":"not-an-email","password":"123"}`, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	resp := decodeBody(t, w)
	fields, _ := resp["fields"].(map[string]any) //nolint:errcheck // checked below
	for _, f := range []string{"username", "email", "password"} {
		if _, ok := fields[f]; !ok {
			t.Errorf("fields missing %q: %v", f, fields)
		}
	}
}

func TestRegister_AnonymousCannotEscalate(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodPost, "/api/v1/auth/register",
		`{"username":"sneaky","email":"sneaky@example.com","password":"secret1","role":"admin"}`, "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if resp := decodeBody(t, w); resp["message"] != forbiddenMessage {
		t.Errorf("message = %v", resp["message"])
	}
}

func TestRegister_BadTokenOnOptionalRoute(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodPost, "/api/v1/auth/register",
		`{"username":"newbie","email":"newbie@example.com","password":"secret1"}`, "garbage")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// ─── User Management Tests ─────────────────────────────────────────

func TestListUsers_AdminDoesNotSeePrivileged(t *testing.T) {
	env := testServer(t)
	env.seed(t, "root", auth.RoleRoot)
	_, adminToken := env.seed(t, "admin", auth.RoleAdmin)
	env.seed(t, "viewer", auth.RoleViewer)

	w := env.do(t, http.MethodGet, "/api/v1/users/", "", adminToken)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Users []auth.User `json:"users"`
		Total int         `json:"total"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 || len(resp.Users) != 1 || resp.Users[0].Username != "viewer" {
		t.Errorf("admin listing = %+v, want only viewer", resp)
	}
}

func TestListUsers_Forbidden(t *testing.T) {
	env := testServer(t)
	_, token := env.seed(t, "viewer", auth.RoleViewer)

	w := env.do(t, http.MethodGet, "/api/v1/users/", "", token)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestListUsers_BadQuery(t *testing.T) {
	env := testServer(t)
	_, token := env.seed(t, "root", auth.RoleRoot)

	w := env.do(t, http.MethodGet, "/api/v1/users/?limit=abc", "", token)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestUserLifecycle(t *testing.T) {
	env := testServer(t)
	root, rootToken := env.seed(t, "root", auth.RoleRoot)
	target, targetToken := env.seed(t, "target", auth.RoleViewer)

	// Self read is allowed for any role.
	if w := env.do(t, http.MethodGet, "/api/v1/users/"+target.ID, "", targetToken); w.Code != http.StatusOK {
		t.Errorf("self get status = %d", w.Code)
	}
	// Reading someone else is not.
	if w := env.do(t, http.MethodGet, "/api/v1/users/"+root.ID, "", targetToken); w.Code != http.StatusForbidden {
		t.Errorf("viewer get root status = %d, want 403", w.Code)
	}

	w := env.do(t, http.MethodPatch, "/api/v1/users/"+target.ID, `{"roles":["editor"]}`, rootToken)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", w.Code, w.Body.String())
	}
	if resp := decodeBody(t, w); resp["msg"] != "User updated successfully" {
		t.Errorf("msg = %v", resp["msg"])
	}

	if w := env.do(t, http.MethodDelete, "/api/v1/users/"+root.ID, "", rootToken); w.Code != http.StatusConflict {
		t.Errorf("self delete status = %d, want 409", w.Code)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/users/"+target.ID, "", rootToken)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/users/"+target.ID, "", rootToken); w.Code != http.StatusNotFound {
		t.Errorf("get deleted status = %d, want 404", w.Code)
	}
}

func TestAssignRole(t *testing.T) {
	env := testServer(t)
	_, adminToken := env.seed(t, "admin", auth.RoleAdmin)
	env.seed(t, "bob", auth.RoleViewer)

	w := env.do(t, http.MethodPost, "/api/v1/auth/assign-role", `{"username":"bob","role":"editor"}`, adminToken)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/api/v1/auth/assign-role", `{"username":"bob","role":"root"}`, adminToken)
	if w.Code != http.StatusForbidden {
		t.Errorf("grant root status = %d, want 403", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/v1/auth/assign-role", `{"username":"bob"}`, adminToken)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing role status = %d, want 400", w.Code)
	}
}

func TestLoginHistory(t *testing.T) {
	env := testServer(t)
	alice, token := env.seed(t, "alice", auth.RoleViewer)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"username":"alice","password":"`+testPassword+`"}`))
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36")
	req.Header.Set("CF-IPCountry", "gb")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/users/"+alice.ID+"/logins", "", token)
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d, body %s", w.Code, w.Body.String())
	}
	var page session.HistoryPage
	if err := json.NewDecoder(w.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 1 || len(page.Records) != 1 {
		t.Fatalf("history = %+v, want one record", page)
	}
	if page.Records[0].Country != "GB" {
		t.Errorf("country = %q, want GB", page.Records[0].Country)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/users/"+alice.ID+"/logins?page=x", "", token); w.Code != http.StatusBadRequest {
		t.Errorf("bad page status = %d, want 400", w.Code)
	}
}

// ─── Audit Report Tests ────────────────────────────────────────────

func TestAuditReports(t *testing.T) {
	env := testServer(t)
	_, rootToken := env.seed(t, "root", auth.RoleRoot)
	_, viewerToken := env.seed(t, "viewer", auth.RoleViewer)

	w := env.do(t, http.MethodPost, "/api/v1/users/create",
		`{"username":"carol","email":"carol@example.com","password":"secret1","role":"editor"}`, rootToken)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}

	for _, path := range []string{
		"/api/v1/audit/logs",
		"/api/v1/audit/logs?action=create",
		"/api/v1/audit/recent",
		"/api/v1/audit/summary",
		"/api/v1/audit/top-actors",
		"/api/v1/audit/inactive-users?page=1&per_page=10",
	} {
		if w := env.do(t, http.MethodGet, path, "", rootToken); w.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, body %s", path, w.Code, w.Body.String())
		}
		if w := env.do(t, http.MethodGet, path, "", viewerToken); w.Code != http.StatusForbidden {
			t.Errorf("viewer GET %s status = %d, want 403", path, w.Code)
		}
	}

	w = env.do(t, http.MethodGet, "/api/v1/audit/logs?action=create", "", rootToken)
	var logs audit.ListResult
	if err := json.NewDecoder(w.Body).Decode(&logs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if logs.Total != 1 || logs.Records[0].TargetUsername != "carol" {
		t.Errorf("logs = %+v, want the carol creation", logs)
	}

	for _, path := range []string{
		"/api/v1/audit/logs?action=explode",
		"/api/v1/audit/inactive-users?per_page=0",
		"/api/v1/audit/inactive-users?per_page=101",
		"/api/v1/audit/inactive-users?page=0",
	} {
		if w := env.do(t, http.MethodGet, path, "", rootToken); w.Code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", path, w.Code)
		}
	}
}

func TestMetrics(t *testing.T) {
	env := testServer(t, func(d *Deps) {
		d.Adapters = map[string]HealthChecker{"influxdb": fakeChecker{}}
	})
	_, token := env.seed(t, "admin", auth.RoleAdmin)

	w := env.do(t, http.MethodGet, "/api/v1/metrics", "", token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var m SystemMetrics
	if err := json.NewDecoder(w.Body).Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Runtime.Goroutines == 0 || m.Adapters["influxdb"] != "ok" || m.RateLimiting {
		t.Errorf("metrics = %+v", m)
	}
	if m.Database.SchemaVersion != "20260301_000000" || m.Database.PendingMigrations != 0 {
		t.Errorf("database metrics = %+v", m.Database)
	}
}

// ─── Rate Limiting Tests ───────────────────────────────────────────

func TestRateLimit_Denied(t *testing.T) {
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: false, Limit: 5, RetryAfter: 1500 * time.Millisecond}}
	env := testServer(t, func(d *Deps) { d.Limiter = limiter })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{}`))
	req.RemoteAddr = "192.0.2.10:4242"
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
	if len(limiter.keys) != 1 || limiter.keys[0] != "login:192.0.2.10" {
		t.Errorf("limiter keys = %v", limiter.keys)
	}
}

func TestRateLimit_FailsOpen(t *testing.T) {
	limiter := &fakeLimiter{err: errors.New("redis down"), decision: ratelimit.Decision{Allowed: true}}
	env := testServer(t, func(d *Deps) { d.Limiter = limiter })

	w := env.do(t, http.MethodPost, "/api/v1/auth/login", `{"username":"x","password":"y"}`, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 from the handler", w.Code)
	}
}

// ─── Client Metadata Tests ─────────────────────────────────────────

func TestRateLimit_IgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	limiter := &onePerKeyLimiter{}
	env := testServer(t, func(d *Deps) { d.Limiter = limiter })

	passed := 0
	for i := range 5 {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{}`))
		req.RemoteAddr = "198.51.100.9:5000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.9.9.%d", i))
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		if w.Code != http.StatusTooManyRequests {
			passed++
		}
	}

	if passed != 1 {
		t.Errorf("%d requests reached the handler, want 1", passed)
	}
	if len(limiter.seen) != 1 || limiter.seen["login:198.51.100.9"] != 5 {
		t.Errorf("limiter keys = %v, want only login:198.51.100.9", limiter.seen)
	}
}

func TestRateLimit_TrustedProxyForwardsClient(t *testing.T) {
	limiter := &onePerKeyLimiter{}
	env := testServer(t, func(d *Deps) {
		d.Limiter = limiter
		d.Config.TrustedProxies = []string{"10.0.0.0/8"}
	})

	for _, fwd := range []string{"203.0.113.5", "203.0.113.6, 10.0.0.3"} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{}`))
		req.RemoteAddr = "10.0.0.2:5000"
		req.Header.Set("X-Forwarded-For", fwd)
		env.router.ServeHTTP(httptest.NewRecorder(), req)
	}

	if limiter.seen["login:203.0.113.5"] != 1 || limiter.seen["login:203.0.113.6"] != 1 {
		t.Errorf("limiter keys = %v, want one bucket per forwarded client", limiter.seen)
	}
}

func TestProxySet_LimitIP(t *testing.T) {
	proxies, err := parseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1"})
	if err != nil {
		t.Fatalf("parseTrustedProxies: %v", err)
	}

	tests := []struct {
		name   string
		remote string
		fwd    string
		want   string
	}{
		{"untrusted peer ignores header", "198.51.100.9:1", "1.2.3.4", "198.51.100.9"},
		{"trusted peer without header", "10.1.2.3:1", "", "10.1.2.3"},
		{"trusted peer uses forwarded client", "192.0.2.1:1", "1.2.3.4", "1.2.3.4"},
		{"spoofed leftmost entry skipped", "10.1.2.3:1", "6.6.6.6, 1.2.3.4, 10.0.0.9", "1.2.3.4"},
		{"all hops trusted", "10.1.2.3:1", "10.0.0.8, 10.0.0.9", "10.1.2.3"},
		{"garbage hop falls back to peer", "10.1.2.3:1", "nonsense", "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.fwd != "" {
				req.Header.Set("X-Forwarded-For", tt.fwd)
			}
			if got := proxies.limitIP(req); got != tt.want {
				t.Errorf("limitIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	if got := clientIP(req); got != "10.0.0.5" {
		t.Errorf("clientIP = %q, want 10.0.0.5", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Errorf("clientIP with XFF = %q, want 203.0.113.7", got)
	}
}

func TestClientMeta(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1")

	meta := clientMeta(req)
	if meta.Device != deviceMobile {
		t.Errorf("device = %q, want %q", meta.Device, deviceMobile)
	}
	if !strings.HasPrefix(meta.Browser, "Safari") {
		t.Errorf("browser = %q, want Safari", meta.Browser)
	}
	if meta.Country != session.DefaultCountry {
		t.Errorf("country = %q, want %q", meta.Country, session.DefaultCountry)
	}

	req.Header.Set("User-Agent", "Googlebot/2.1 (+http://www.google.com/bot.html)")
	if got := clientMeta(req).Device; got != deviceBot {
		t.Errorf("bot device = %q, want %q", got, deviceBot)
	}
}

func TestSameSiteMode(t *testing.T) {
	tests := map[string]http.SameSite{
		"strict": http.SameSiteStrictMode,
		"None":   http.SameSiteNoneMode,
		"lax":    http.SameSiteLaxMode,
		"":       http.SameSiteLaxMode,
	}
	for in, want := range tests {
		if got := sameSiteMode(in); got != want {
			t.Errorf("sameSiteMode(%q) = %v, want %v", in, got, want)
		}
	}
}

// ─── Lifecycle Tests ───────────────────────────────────────────────

func TestServerLifecycle(t *testing.T) {
	env := testServer(t)

	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck before Start should fail")
	}
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck after Start: %v", err)
	}
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

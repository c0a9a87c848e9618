package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/dcp-core/internal/auth"
	"github.com/nerrad567/dcp-core/internal/infrastructure/config"
	"github.com/nerrad567/dcp-core/internal/infrastructure/database"
	"github.com/nerrad567/dcp-core/internal/infrastructure/logging"
)

// writeConfig writes a minimal config for a temp database and returns its path.
func writeConfig(t *testing.T, dbPath string, port int) string {
	t.Helper()
	content := fmt.Sprintf(`
site:
  id: test-site

database:
  path: %q
  wal_mode: true
  busy_timeout: 5

api:
  host: "127.0.0.1"
  port: %d

logging:
  level: error
  format: text
  output: stderr

security:
  jwt:
    secret: "test-secret-key-at-least-32-characters-long"

bootstrap:
  root_username: "rootadmin"
  root_email: "root@example.com"
  root_password: "bootstrap-pass"
`, dbPath, port)

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// isolateEnv keeps a developer's environment out of the run under test.
func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DCP_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	for _, key := range []string{"DCP_DATABASE_PATH", "DCP_API_PORT", "DCP_JWT_SECRET", "ADMIN_USERNAME", "ADMIN_PASSWORD"} {
		t.Setenv(key, "")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	addr, _ := l.Addr().(*net.TCPAddr) //nolint:errcheck // always TCP here
	return addr.Port
}

func mustLoad(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	isolateEnv(t)
	t.Setenv("DCP_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails when database path is empty.
func TestRun_MissingDatabasePath(t *testing.T) {
	isolateEnv(t)
	t.Setenv("DCP_CONFIG", writeConfig(t, "", 8080))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with empty database path")
	}
}

// TestRun_ServesAndSeedsRoot starts the whole service, waits for the health
// endpoint, then shuts it down and checks the bootstrap account.
func TestRun_ServesAndSeedsRoot(t *testing.T) {
	isolateEnv(t)
	dbPath := filepath.Join(t.TempDir(), "dcp.db")
	port := freePort(t)
	t.Setenv("DCP_CONFIG", writeConfig(t, dbPath, port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/api/v1/health", port)
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(healthURL) //nolint:noctx // Test polling
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("service never became healthy: %v", err)
		}
		select {
		case runErr := <-done:
			t.Fatalf("run() exited early: %v", runErr)
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error on shutdown: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancel")
	}

	db, err := database.Open(context.Background(), database.Config{Path: dbPath, WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("reopening database: %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	root, err := auth.NewUserStore(nil).GetByUsername(context.Background(), db, "rootadmin")
	if err != nil {
		t.Fatalf("bootstrap root not found: %v", err)
	}
	if !root.HasRole(auth.RoleRoot) {
		t.Errorf("bootstrap user roles = %v, want root", root.Roles)
	}
	if !auth.NewHasher(auth.HasherParams{}).Verify("bootstrap-pass", root.PasswordHash) {
		t.Error("bootstrap password should verify")
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("DCP_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("DCP_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestConnectAdapters_AllDisabled verifies nothing is wired when every
// adapter is off.
func TestConnectAdapters_AllDisabled(t *testing.T) {
	isolateEnv(t)
	t.Setenv("DCP_CONFIG", writeConfig(t, filepath.Join(t.TempDir(), "x.db"), 8080))

	ad := connectAdapters(context.Background(), mustLoad(t), logging.Discard())
	defer ad.close()

	if len(ad.publishers) != 0 || len(ad.observers) != 0 || len(ad.health) != 0 {
		t.Errorf("adapters = %+v, want none", ad)
	}

	limiter, closeLimiter := connectLimiter(context.Background(), mustLoad(t), logging.Discard())
	defer closeLimiter()
	if limiter != nil {
		t.Error("limiter should be nil when rate limiting is disabled")
	}
}

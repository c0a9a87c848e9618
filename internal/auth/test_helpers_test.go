package auth

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nerrad567/dcp-core/internal/infrastructure/database"
	_ "github.com/nerrad567/dcp-core/migrations"
)

// testDB creates a temporary SQLite database with the embedded schema applied.
// The database file is cleaned up when the test completes.
func testDB(t *testing.T) *database.DB {
	t.Helper()

	// Use a temp file so WAL mode works (in-memory doesn't support it)
	db, err := database.Open(context.Background(), database.Config{
		Path:        filepath.Join(t.TempDir(), "auth-test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("applying migrations: %v", err)
	}
	return db
}

// seedTestUser inserts an active test user holding roles and returns it.
func seedTestUser(t *testing.T, db database.DBTX, username string, roles ...Role) *User {
	t.Helper()

	hash, err := fastHasher().Hash("test-password")
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}

	user := &User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		IsActive:     true,
		Roles:        roles,
	}
	if err := NewUserStore(nil).Create(t.Context(), db, user); err != nil {
		t.Fatalf("creating test user %s: %v", username, err)
	}
	return user
}

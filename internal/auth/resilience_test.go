package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// Resilience tests verify that the auth subsystem handles failure scenarios
// gracefully. These tests use the TestResilience_ prefix for easy filtering:
//
//	go test -run TestResilience -race ./internal/auth/...

// TestResilience_ConcurrentDuplicateRegistration races several creates for
// the same identity. The UNIQUE constraint must let exactly one through and
// report the rest as duplicates.
func TestResilience_ConcurrentDuplicateRegistration(t *testing.T) {
	db := testDB(t)
	store := NewUserStore(nil)
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u := &User{
				Username:     "racer",
				Email:        fmt.Sprintf("racer%d@example.com", i),
				PasswordHash: "x",
				IsActive:     true,
			}
			results <- store.Create(ctx, db, u)
		}()
	}
	wg.Wait()
	close(results)

	var ok, dup int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrUsernameExists):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != attempts-1 {
		t.Errorf("ok = %d, dup = %d; want 1 and %d", ok, dup, attempts-1)
	}
}

// TestResilience_ConcurrentVerify checks the token issuer is safe for
// concurrent use.
func TestResilience_ConcurrentVerify(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, 0, 0, nil)
	tok, err := issuer.IssueAccess("shared")
	if err != nil {
		t.Fatalf("IssueAccess() error = %v", err)
	}

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sub, err := issuer.Verify(tok.Token, KindAccess); err != nil || sub != "shared" {
				t.Errorf("Verify() = %q, %v", sub, err)
			}
		}()
	}
	wg.Wait()
}

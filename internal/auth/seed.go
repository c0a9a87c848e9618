package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/nerrad567/dcp-core/internal/infrastructure/database"
)

// seedPasswordBytes is the number of random bytes for a generated root password.
const seedPasswordBytes = 16

// RootSeed holds the bootstrap credentials for the first root account.
type RootSeed struct {
	Username string
	Email    string
	Password string
}

// SeedRoot creates the initial root account on first boot if no users exist.
// When seed.Password is empty a random one is generated and logged once.
// Returns the password used (empty string if seeding was skipped).
func SeedRoot(ctx context.Context, q database.DBTX, store *UserStore, hasher *Hasher, seed RootSeed, logger *slog.Logger) (string, error) {
	count, err := store.Count(ctx, q)
	if err != nil {
		return "", fmt.Errorf("checking user count: %w", err)
	}

	if count > 0 {
		logger.Info("users exist, skipping root seed")
		return "", nil
	}

	if !IsValidUsername(seed.Username) {
		return "", fmt.Errorf("invalid bootstrap username %q", seed.Username)
	}

	password := seed.Password
	generated := password == ""
	if generated {
		passwordBytes := make([]byte, seedPasswordBytes)
		if _, err := rand.Read(passwordBytes); err != nil { //nolint:govet // shadow: err re-declared in nested scope
			return "", fmt.Errorf("generating seed password: %w", err)
		}
		password = hex.EncodeToString(passwordBytes)
	}

	hash, err := hasher.Hash(password)
	if err != nil {
		return "", fmt.Errorf("hashing seed password: %w", err)
	}

	root := &User{
		Username:     seed.Username,
		Email:        seed.Email,
		PasswordHash: hash,
		IsActive:     true,
		Roles:        []Role{RoleRoot},
	}
	if err := store.Create(ctx, q, root); err != nil {
		return "", fmt.Errorf("creating seed root: %w", err)
	}

	if generated {
		logger.Warn("seed root account created",
			"username", seed.Username,
			"password", password,
			"action_required", "change this password immediately",
		)
	} else {
		logger.Info("seed root account created", "username", seed.Username)
	}

	return password, nil
}

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Argon2id parameters (OWASP 2025 recommendation).
const (
	argonTime    = 3         // iterations
	argonMemory  = 64 * 1024 // 64 MiB
	argonThreads = 1         // parallelism
	argonKeyLen  = 32        // output hash length
	argonSaltLen = 16        // salt length
)

// Bounds applied to parameters read back from a stored digest. argon2
// panics below the minimums and allocates m KiB unchecked above them.
const (
	maxArgonMemory  = 1024 * 1024 // 1 GiB in KiB
	maxArgonTime    = 16
	minArgonSaltLen = 8
	minArgonKeyLen  = 4
	maxArgonKeyLen  = 1024
)

// HasherParams tunes the argon2id cost. Zero fields fall back to defaults.
type HasherParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// Hasher hashes new passwords with argon2id and verifies both argon2id and
// legacy bcrypt digests. It holds no mutable state.
type Hasher struct {
	params HasherParams
	decoy  string // well-formed digest no password matches, see VerifyUnknown
}

// NewHasher returns a Hasher with the given cost parameters.
func NewHasher(p HasherParams) *Hasher {
	if p.Time == 0 {
		p.Time = argonTime
	}
	if p.Memory == 0 {
		p.Memory = argonMemory
	}
	if p.Threads == 0 {
		p.Threads = argonThreads
	}
	return &Hasher{params: p, decoy: encodePHC(p, make([]byte, argonSaltLen), make([]byte, argonKeyLen))}
}

// Hash returns the password in PHC string format:
// $argon2id$v=19$m=65536,t=3,p=1$<salt>$<hash>
//
// The only failure is the system entropy source, reported as ErrHashing.
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("%w: generating salt: %w", ErrHashing, err)
	}

	hash := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.Memory, h.params.Threads, argonKeyLen)
	return encodePHC(h.params, salt, hash), nil
}

func encodePHC(p HasherParams, salt, hash []byte) string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.Memory, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
}

// Verify reports whether password matches digest. A mismatch and an
// undecodable digest both return false.
func (h *Hasher) Verify(password, digest string) bool {
	if isBcrypt(digest) {
		return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
	}

	salt, hash, params, err := decodePHC(digest)
	if err != nil {
		return false
	}

	candidate := argon2.IDKey([]byte(password), salt, params.time, params.memory, params.threads, uint32(len(hash))) //nolint:gosec // G115: hash length always fits uint32

	return subtle.ConstantTimeCompare(hash, candidate) == 1
}

// VerifyUnknown costs the same as a failed Verify against a current digest.
// Login calls it when the username does not exist so response time does not
// reveal which accounts are registered.
func (h *Hasher) VerifyUnknown(password string) {
	h.Verify(password, h.decoy)
}

// NeedsRehash reports whether digest was produced by a legacy algorithm and
// should be replaced with an argon2id hash after a successful login.
func (h *Hasher) NeedsRehash(digest string) bool {
	return isBcrypt(digest)
}

func isBcrypt(digest string) bool {
	return strings.HasPrefix(digest, "$2a$") || strings.HasPrefix(digest, "$2b$") || strings.HasPrefix(digest, "$2y$")
}

type argonParams struct {
	time    uint32
	memory  uint32
	threads uint8
}

// decodePHC parses an Argon2id PHC string format into its components.
func decodePHC(encoded string) (salt, hash []byte, params argonParams, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 { //nolint:mnd // PHC format has exactly 6 $-delimited parts
		return nil, nil, params, fmt.Errorf("invalid PHC hash format")
	}

	if parts[1] != "argon2id" {
		return nil, nil, params, fmt.Errorf("unsupported algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil { //nolint:govet // shadow: err re-declared in nested scope
		return nil, nil, params, fmt.Errorf("parsing version: %w", err)
	}
	if version != argon2.Version {
		return nil, nil, params, fmt.Errorf("unsupported argon2 version %d", version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.memory, &params.time, &params.threads); err != nil { //nolint:govet // shadow: err re-declared in nested scope
		return nil, nil, params, fmt.Errorf("parsing parameters: %w", err)
	}
	switch {
	case params.time < 1 || params.time > maxArgonTime:
		return nil, nil, params, fmt.Errorf("time cost %d out of range", params.time)
	case params.threads < 1:
		return nil, nil, params, fmt.Errorf("parallelism must be at least 1")
	case params.memory < 8*uint32(params.threads) || params.memory > maxArgonMemory:
		return nil, nil, params, fmt.Errorf("memory cost %d out of range", params.memory)
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, params, fmt.Errorf("decoding salt: %w", err)
	}

	if len(salt) < minArgonSaltLen {
		return nil, nil, params, fmt.Errorf("salt too short")
	}

	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, params, fmt.Errorf("decoding hash: %w", err)
	}
	if len(hash) < minArgonKeyLen || len(hash) > maxArgonKeyLen {
		return nil, nil, params, fmt.Errorf("hash length %d out of range", len(hash))
	}

	return salt, hash, params, nil
}

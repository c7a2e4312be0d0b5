// Package cryptox implements the key hierarchy: a password-derived master
// key wraps folder keys, folder keys wrap file keys, and the master key also
// seals the user's metadata blob. Only key material is handled here; file
// content encryption happens on the client.
package cryptox

import (
	"fmt"

	"github.com/hermitbox/hermitbox/internal/common"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"

	"crypto/sha256"
)

// KDF modes. Argon2id is the default; PBKDF2 exists as a non-memory-hard
// fallback for constrained deployments and must never be silently chosen.
const (
	ModeArgon2id = "argon2id"
	ModePBKDF2   = "pbkdf2-sha256"
)

// KeySize is the size of every key in the hierarchy, in bytes.
const KeySize = 32

// KDFParams carries per-user derivation parameters. They are persisted with
// the user's crypto row so that existing users keep unwrapping after the
// defaults change.
type KDFParams struct {
	Mode       string
	Time       uint32 // argon2 passes
	MemoryKiB  uint32 // argon2 memory
	Threads    uint8  // argon2 parallelism
	Iterations int    // pbkdf2 iterations
}

// DefaultKDFParams returns the current production parameters. These are
// deliberately slow (target ≥100ms per derivation) as an anti-brute-force
// control.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Mode:      ModeArgon2id,
		Time:      1,
		MemoryKiB: 64 * 1024,
		Threads:   4,
	}
}

// DeriveMasterKey derives the 32-byte master key from a password and salt
// using the given parameters. Invalid parameters or an unknown mode wrap
// common.ErrKdf.
func DeriveMasterKey(password, salt []byte, p KDFParams) ([]byte, error) {
	if len(salt) == 0 {
		return nil, fmt.Errorf("%w: empty salt", common.ErrKdf)
	}

	switch p.Mode {
	case ModeArgon2id:
		if p.Time == 0 || p.MemoryKiB == 0 || p.Threads == 0 {
			return nil, fmt.Errorf("%w: invalid argon2id parameters", common.ErrKdf)
		}
		return argon2.IDKey(password, salt, p.Time, p.MemoryKiB, p.Threads, KeySize), nil
	case ModePBKDF2:
		if p.Iterations < 100_000 {
			return nil, fmt.Errorf("%w: pbkdf2 iterations too low: %d", common.ErrKdf, p.Iterations)
		}
		return pbkdf2.Key(password, salt, p.Iterations, KeySize, sha256.New), nil
	default:
		return nil, fmt.Errorf("%w: unknown kdf mode %q", common.ErrKdf, p.Mode)
	}
}

// MakeVerifier returns a hash of the master key suitable for storing
// server-side to check a login candidate without holding the key itself.
func MakeVerifier(masterKey []byte) []byte {
	hash := sha256.Sum256(masterKey)
	return hash[:]
}

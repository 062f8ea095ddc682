package cryptoprim

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters fixed by spec §4.1.
const (
	ArgonMemoryKiB    = 65536
	ArgonTime         = 3
	ArgonParallelism  = 4
	ArgonOutputLength = 32
	SaltSize          = 16
)

// NewSalt generates a fresh 16-byte salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("cryptoprim: generating salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a 32-byte key from a password and salt using Argon2id
// with the fixed cost parameters from spec §4.1.
func DeriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, ArgonTime, ArgonMemoryKiB, ArgonParallelism, ArgonOutputLength)
}

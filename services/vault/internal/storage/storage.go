// Package storage holds the persistence errors and token helpers shared by the
// vault store implementations.
package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrVersionConflict indicates a compare-and-swap lost against a concurrent write.
	ErrVersionConflict = errors.New("version conflict")
)

// ConflictError reports which record lost a compare-and-swap.
type ConflictError struct {
	Entity   string
	ID       string
	Expected int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: expected version %d", e.Entity, e.ID, e.Expected)
}

func (e *ConflictError) Is(target error) bool { return target == ErrVersionConflict }

// HashToken is the at-rest form of every bearer or capability token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// RandomToken returns prefix followed by 32 random bytes in hex.
func RandomToken(prefix string) string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return prefix + hex.EncodeToString(b)
}

// Package idgen implements the id allocators the persistence layer uses
// when a caller inserts a document without an id: numeric, uuid-hex, and
// /dev/urandom-hex, each with a bounded retry budget on collision.
//
// The original implementation retries forever on collision (spec §9, Open
// Question); this package resolves that ambiguity by bounding retries and
// surfacing core.ErrIDGenerationExhausted when the budget is spent.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/wazo-provd/provd/internal/core"
)

// MaxCollisionRetries bounds how many candidate ids Generate tries in all
// (the first attempt included) before giving up on collisions.
const MaxCollisionRetries = 20

// Generator produces a candidate id. It does not itself check for
// collisions; Generate wraps it with the retry loop.
type Generator interface {
	Next() (string, error)
}

// Exists reports whether an id is already present in the target collection.
// It is supplied by the caller (the storage package) so this package has
// no dependency on any particular store implementation.
type Exists func(id string) (bool, error)

// Generate produces an id using gen, trying at most MaxCollisionRetries
// candidates while exists reports a collision.
func Generate(gen Generator, exists Exists) (string, error) {
	for attempt := 0; attempt < MaxCollisionRetries; attempt++ {
		candidate, err := gen.Next()
		if err != nil {
			return "", fmt.Errorf("idgen: generate candidate: %w", err)
		}
		taken, err := exists(candidate)
		if err != nil {
			return "", fmt.Errorf("idgen: check existing id: %w", err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("idgen: %w after %d attempts", core.ErrIDGenerationExhausted, MaxCollisionRetries)
}

// Numeric is a monotonic counter-based generator. The memory store seeds
// one from the collection's current size on each id-less insert.
type Numeric struct {
	counter atomic.Uint64
}

// NewNumeric returns a Numeric generator starting just above start.
func NewNumeric(start uint64) *Numeric {
	n := &Numeric{}
	n.counter.Store(start)
	return n
}

func (n *Numeric) Next() (string, error) {
	return fmt.Sprintf("%d", n.counter.Add(1)), nil
}

// UUIDHex generates ids as the hex digits of a fresh UUIDv4 (no dashes),
// matching the id shape used for autocreate's transient configs.
type UUIDHex struct{}

func (UUIDHex) Next() (string, error) {
	return hexUUID()
}

func hexUUID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(u[:]), nil
}

// URandomHex generates ids by reading raw bytes from crypto/rand, matching
// the "/dev/urandom-hex" generator named in the spec.
type URandomHex struct {
	// NumBytes controls id length; the hex-encoded id is 2*NumBytes chars.
	NumBytes int
}

func (g URandomHex) Next() (string, error) {
	n := g.NumBytes
	if n <= 0 {
		n = 8
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("urandom-hex: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

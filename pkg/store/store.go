// Package store holds the persistence collaborators of the core: per-user
// Merkle leaf sequences, per-(user,type) cooldown timestamps, and
// per-(user,type) diminishing-returns counters.
//
// Implementations must be safe under concurrent access to different keys;
// the keys are mutually independent and no cross-key ordering is required.
package store

import (
	"context"
	"time"

	"github.com/trustmesh/repcore/pkg/contracts"
)

// LeafStore persists each user's append-only Merkle leaf sequence. It must
// live as long as historical proofs need to remain verifiable.
type LeafStore interface {
	// AppendLeaf appends a leaf hash for the user and returns the full
	// sequence, in commit order, including the new leaf.
	AppendLeaf(ctx context.Context, userID, leafHash string) ([]string, error)
	// Leaves returns the user's leaf sequence in commit order.
	Leaves(ctx context.Context, userID string) ([]string, error)
}

// CooldownStore tracks the monotonic last-accepted timestamp per
// (userID, eventType).
type CooldownStore interface {
	// CheckAndSet compares ts against the stored last-accepted timestamp.
	// When the elapsed time meets the cooldown, it stores ts and returns
	// true; otherwise the stored value is untouched and it returns false.
	// The returned time is the previous stored timestamp (zero if none).
	// The update is atomic per key: once stored it counts as committed even
	// if the surrounding call later fails.
	CheckAndSet(ctx context.Context, userID string, t contracts.EventType, ts time.Time, cooldown time.Duration) (bool, time.Time, error)
}

// CounterStore tracks rolling occurrence counters per (userID, eventType)
// for diminishing returns.
type CounterStore interface {
	// Bump increments the counter and returns the new count. A counter
	// idle longer than window resets to zero before the increment.
	Bump(ctx context.Context, userID string, t contracts.EventType, now time.Time, window time.Duration) (int, error)
}

// Store combines all three persistence collaborators.
type Store interface {
	LeafStore
	CooldownStore
	CounterStore
}

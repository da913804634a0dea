package proof

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustmesh/repcore/pkg/contracts"
	"github.com/trustmesh/repcore/pkg/crypto"
	"github.com/trustmesh/repcore/pkg/store"
)

func event(userID string, i int) *contracts.ReputationEvent {
	return &contracts.ReputationEvent{
		ID:        fmt.Sprintf("evt-%d", i),
		UserID:    userID,
		Type:      contracts.EventTransactionComplete,
		Points:    3,
		Timestamp: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
	}
}

func newService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	signer, err := crypto.NewSigner("proof-key-1")
	require.NoError(t, err)
	return NewService(store.NewMemoryStore(), signer, time.Hour, opts...)
}

func TestCommitVerify_RoundTrip(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		p, err := s.Commit(ctx, "alice", event("alice", i))
		require.NoError(t, err)

		ok, err := s.Verify(ctx, p)
		require.NoError(t, err)
		assert.True(t, ok, "commit %d", i)
	}
}

func TestCommit_RootEvolvesPerUser(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	p1, err := s.Commit(ctx, "alice", event("alice", 0))
	require.NoError(t, err)
	p2, err := s.Commit(ctx, "alice", event("alice", 1))
	require.NoError(t, err)
	assert.NotEqual(t, p1.MerkleRoot, p2.MerkleRoot)

	// Bob's tree is independent of Alice's.
	p3, err := s.Commit(ctx, "bob", event("bob", 0))
	require.NoError(t, err)
	assert.NotEqual(t, p2.MerkleRoot, p3.MerkleRoot)

	ok, err := s.Verify(ctx, p3)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_ExpiredProof(t *testing.T) {
	current := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	s := newService(t, WithClock(clock))
	ctx := context.Background()

	p, err := s.Commit(ctx, "alice", event("alice", 0))
	require.NoError(t, err)

	ok, err := s.Verify(ctx, p)
	require.NoError(t, err)
	require.True(t, ok)

	// Just inside the window.
	current = current.Add(59 * time.Minute)
	ok, err = s.Verify(ctx, p)
	require.NoError(t, err)
	assert.True(t, ok)

	// Past the window: rejected on age alone, reason distinguishes expiry
	// from cryptographic failure.
	current = current.Add(2 * time.Minute)
	ok, err = s.Verify(ctx, p)
	assert.False(t, ok)
	require.Error(t, err)
	assert.Equal(t, contracts.ReasonExpiredProof, contracts.ReasonOf(err))
}

func TestVerify_TamperedProofFails(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	// Two commits so the proof path is non-empty.
	_, err := s.Commit(ctx, "alice", event("alice", 0))
	require.NoError(t, err)
	p, err := s.Commit(ctx, "alice", event("alice", 1))
	require.NoError(t, err)

	tamperedRoot := *p
	tamperedRoot.MerkleRoot = p.EventHash
	ok, err := s.Verify(ctx, &tamperedRoot)
	assert.False(t, ok)
	assert.Equal(t, contracts.ReasonCrypto, contracts.ReasonOf(err))

	tamperedHash := *p
	tamperedHash.EventHash = p.MerkleRoot
	ok, err = s.Verify(ctx, &tamperedHash)
	assert.False(t, ok)
	assert.Equal(t, contracts.ReasonCrypto, contracts.ReasonOf(err))

	tamperedSig := *p
	tamperedSig.Signature = "00" + p.Signature[2:]
	ok, err = s.Verify(ctx, &tamperedSig)
	assert.False(t, ok)
	assert.Equal(t, contracts.ReasonCrypto, contracts.ReasonOf(err))

	tamperedPath := *p
	tamperedPath.Proof = append([]string{p.EventHash}, p.Proof...)
	ok, err = s.Verify(ctx, &tamperedPath)
	assert.False(t, ok)
	assert.Equal(t, contracts.ReasonCrypto, contracts.ReasonOf(err))
}

func TestVerify_SurvivesJSONRelay(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	p, err := s.Commit(ctx, "alice", event("alice", 0))
	require.NoError(t, err)

	// A proof relayed through JSON still verifies byte-for-byte.
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	var relayed contracts.ReputationProof
	require.NoError(t, json.Unmarshal(raw, &relayed))

	ok, err := s.Verify(ctx, &relayed)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEventHash_SensitiveToContent(t *testing.T) {
	a, err := EventHash(event("alice", 0))
	require.NoError(t, err)

	changed := event("alice", 0)
	changed.Points++
	b, err := EventHash(changed)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)

	again, err := EventHash(event("alice", 0))
	require.NoError(t, err)
	assert.Equal(t, a, again)
}

func TestCommit_LeafStoreFailurePropagates(t *testing.T) {
	signer, err := crypto.NewSigner("k")
	require.NoError(t, err)
	s := NewService(failingLeaves{}, signer, time.Hour)

	_, err = s.Commit(context.Background(), "alice", event("alice", 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrCollaborator)
}

type failingLeaves struct{}

func (failingLeaves) AppendLeaf(context.Context, string, string) ([]string, error) {
	return nil, fmt.Errorf("disk full")
}

func (failingLeaves) Leaves(context.Context, string) ([]string, error) {
	return nil, fmt.Errorf("disk full")
}

// Package proof issues and verifies signed Merkle inclusion proofs over a
// user's accepted reputation events.
package proof

import (
	"context"
	"fmt"
	"time"

	"github.com/trustmesh/repcore/pkg/contracts"
	"github.com/trustmesh/repcore/pkg/crypto"
	"github.com/trustmesh/repcore/pkg/merkle"
	"github.com/trustmesh/repcore/pkg/store"
)

// Service owns each user's Merkle tree. Commit appends a leaf and returns
// a signed, time-bounded inclusion proof; Verify checks age first, then
// the signature, then replays the inclusion path.
type Service struct {
	leaves store.LeafStore
	signer *crypto.Signer
	ttl    time.Duration
	now    func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock injects the time source, used by tests to age proofs.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a proof service. ttl bounds proof validity.
func NewService(leaves store.LeafStore, signer *crypto.Signer, ttl time.Duration, opts ...Option) *Service {
	s := &Service{
		leaves: leaves,
		signer: signer,
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EventHash returns the canonical content hash of an event, the leaf value
// committed into the user's tree.
func EventHash(ev *contracts.ReputationEvent) (string, error) {
	return crypto.HashCanonical(ev)
}

// Commit appends the event's content hash to the user's leaf sequence,
// rebuilds the tree, and returns a signed inclusion proof for the new
// leaf.
func (s *Service) Commit(ctx context.Context, userID string, ev *contracts.ReputationEvent) (*contracts.ReputationProof, error) {
	if ev == nil {
		return nil, fmt.Errorf("commit: nil event")
	}
	eventHash, err := EventHash(ev)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	seq, err := s.leaves.AppendLeaf(ctx, userID, eventHash)
	if err != nil {
		return nil, contracts.CollaboratorError("leaf store", err)
	}

	tree, err := merkle.Build(seq)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	path, err := tree.Proof(len(seq) - 1)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	ts := s.now().UTC()
	msg, err := crypto.ProofMessage(tree.Root(), eventHash, ts)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &contracts.ReputationProof{
		MerkleRoot: tree.Root(),
		EventHash:  eventHash,
		Proof:      path,
		Signature:  s.signer.Sign(msg),
		KeyID:      s.signer.KeyID,
		Timestamp:  ts,
	}, nil
}

// Verify checks a proof. The age check runs before any cryptography so an
// expired proof is reported as expired even when its signature would still
// verify; the error distinguishes expiry from cryptographic failure.
func (s *Service) Verify(_ context.Context, p *contracts.ReputationProof) (bool, error) {
	if p == nil {
		return false, contracts.Reject(contracts.ReasonSchema, "verify", "nil proof")
	}

	if s.now().Sub(p.Timestamp) > s.ttl {
		return false, contracts.Reject(contracts.ReasonExpiredProof, "verify",
			fmt.Sprintf("proof issued %s, validity %s", p.Timestamp.UTC().Format(time.RFC3339), s.ttl))
	}

	msg, err := crypto.ProofMessage(p.MerkleRoot, p.EventHash, p.Timestamp)
	if err != nil {
		return false, contracts.Reject(contracts.ReasonCrypto, "verify", err.Error())
	}
	if !s.signer.Verify(msg, p.Signature) {
		return false, contracts.Reject(contracts.ReasonCrypto, "verify", "signature mismatch")
	}

	if !merkle.Replay(p.EventHash, p.Proof, p.MerkleRoot) {
		return false, contracts.Reject(contracts.ReasonCrypto, "verify", "inclusion path does not replay to root")
	}
	return true, nil
}

// PublicKey exposes the verification key for external verifiers.
func (s *Service) PublicKey() string {
	return s.signer.PublicKey()
}

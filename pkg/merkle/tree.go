// Package merkle builds deterministic Merkle trees over a user's accepted
// event hashes and produces inclusion proofs.
//
// Pairing rule: siblings are hashed in sorted order, so a proof is just the
// ordered sibling-hash sequence with no left/right markers. A lone node at
// the end of a level promotes unchanged to the next level; the lone
// surviving node is the root.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const nodePrefix = "repcore:node:v1"

// Tree holds every level of node hashes, leaves first.
type Tree struct {
	levels [][]string
}

// Build constructs a tree from leaf hashes in commit order. Leaves must be
// hex SHA-256 strings.
func Build(leafHashes []string) (*Tree, error) {
	if len(leafHashes) == 0 {
		return nil, fmt.Errorf("merkle: no leaves")
	}
	for _, h := range leafHashes {
		if _, err := hex.DecodeString(h); err != nil {
			return nil, fmt.Errorf("merkle: leaf %q is not hex: %w", h, err)
		}
	}

	t := &Tree{}
	level := append([]string(nil), leafHashes...)
	t.levels = append(t.levels, level)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i]) // odd node promotes
				continue
			}
			next = append(next, nodeHash(level[i], level[i+1]))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t, nil
}

// Root returns the tree root hash.
func (t *Tree) Root() string {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// Proof returns the sibling-hash path from the leaf at index up to the
// root. Promoted nodes contribute no step.
func (t *Tree) Proof(index int) ([]string, error) {
	if index < 0 || index >= len(t.levels[0]) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(t.levels[0]))
	}

	path := []string{}
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := index ^ 1
		if sibling < len(level) {
			path = append(path, level[sibling])
		}
		index /= 2
	}
	return path, nil
}

// Replay recomputes the root from a leaf hash and a sibling path using the
// same sorted pairing rule, and compares it to the expected root.
func Replay(leafHash string, path []string, expectedRoot string) bool {
	current := leafHash
	for _, sibling := range path {
		current = nodeHash(current, sibling)
	}
	return current == expectedRoot
}

func nodeHash(a, b string) string {
	ab, _ := hex.DecodeString(a)
	bb, _ := hex.DecodeString(b)
	if bytes.Compare(bb, ab) < 0 {
		ab, bb = bb, ab
	}

	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(ab)
	buf.Write(bb)
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

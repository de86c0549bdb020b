// Package merkle builds binary SHA-256 Merkle trees over audit log hashes
// and persists periodic snapshots of the root. Comparing a retained root
// against a freshly computed one detects tampering anywhere in the logs.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"fmt"
)

// Root returns the Merkle root over leaves, or nil for an empty set.
// Parent nodes are sha256(left || right); an odd node at any level is
// carried up unchanged (no duplication).
func Root(leaves [][]byte) []byte {
	if len(leaves) == 0 {
		return nil
	}
	level := leaves
	for len(level) > 1 {
		level = fold(level)
	}
	return level[0]
}

func fold(level [][]byte) [][]byte {
	next := make([][]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 == len(level) {
			next = append(next, level[i])
			continue
		}
		h := sha256.New()
		h.Write(level[i])
		h.Write(level[i+1])
		next = append(next, h.Sum(nil))
	}
	return next
}

// ProofStep is one sibling on the path from a leaf to the root. Left marks
// whether the sibling sits to the left of the running hash.
type ProofStep struct {
	Hash []byte `json:"hash"`
	Left bool   `json:"left"`
}

// Proof returns the inclusion proof for leaves[index]. Levels where the node
// is carried up without a sibling contribute no step.
func Proof(leaves [][]byte, index int) ([]ProofStep, error) {
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("merkle proof: index %d out of range [0,%d)", index, len(leaves))
	}
	var steps []ProofStep
	level := leaves
	idx := index
	for len(level) > 1 {
		sib := idx ^ 1
		if sib < len(level) {
			steps = append(steps, ProofStep{Hash: level[sib], Left: sib < idx})
		}
		level = fold(level)
		idx /= 2
	}
	return steps, nil
}

// VerifyProof reports whether leaf combines through proof to root.
func VerifyProof(leaf []byte, proof []ProofStep, root []byte) bool {
	cur := leaf
	for _, step := range proof {
		h := sha256.New()
		if step.Left {
			h.Write(step.Hash)
			h.Write(cur)
		} else {
			h.Write(cur)
			h.Write(step.Hash)
		}
		cur = h.Sum(nil)
	}
	return bytes.Equal(cur, root)
}

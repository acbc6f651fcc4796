// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lottery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Leaf is the canonical per-participant record committed by the Merkle
// tree. JSON fields are declared in sorted key order so json.Marshal
// produces the canonical encoding directly (sorted keys, no
// whitespace).
type Leaf struct {
	EffectiveTickets int64  `json:"effectiveTickets"`
	Index            int    `json:"index"`
	UserID           string `json:"userId"`
}

// BuildLeaves assigns canonical indexes to the ordered entries.
func BuildLeaves(entries []Entry) []Leaf {
	leaves := make([]Leaf, len(entries))
	for i, e := range entries {
		leaves[i] = Leaf{
			EffectiveTickets: e.EffectiveTickets,
			Index:            i,
			UserID:           e.UserID,
		}
	}
	return leaves
}

// LeafHash returns the hex SHA256 of the canonical leaf encoding.
func LeafHash(l Leaf) string {
	canonical, _ := json.Marshal(l)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// MerkleTree is a binary SHA256 tree over the participant leaves.
// Internal nodes hash the concatenation of their children; the last
// node of an odd level is paired with itself.
type MerkleTree struct {
	leaves []Leaf
	// levels[0] is the leaf hash level; levels[len-1] is the root.
	levels [][][32]byte
}

// NewMerkleTree builds the tree. An empty participant set yields a tree
// whose root is the hash of an empty input.
func NewMerkleTree(leaves []Leaf) *MerkleTree {
	t := &MerkleTree{leaves: leaves}

	level := make([][32]byte, len(leaves))
	for i, l := range leaves {
		canonical, _ := json.Marshal(l)
		level[i] = sha256.Sum256(canonical)
	}
	if len(level) == 0 {
		level = [][32]byte{sha256.Sum256(nil)}
	}
	t.levels = append(t.levels, level)

	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, sha256.Sum256(append(left[:], right[:]...)))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t
}

// RootHex returns the hex Merkle root.
func (t *MerkleTree) RootHex() string {
	root := t.levels[len(t.levels)-1][0]
	return hex.EncodeToString(root[:])
}

// Leaves returns the canonical leaves the tree was built over.
func (t *MerkleTree) Leaves() []Leaf {
	return t.leaves
}

// Prove returns the sibling path for the leaf at index. The path length
// is O(log n); the verifier recovers direction bits from the index.
func (t *MerkleTree) Prove(index int) ([]string, error) {
	if index < 0 || index >= len(t.leaves) {
		return nil, fmt.Errorf("lottery: leaf index %d out of range [0, %d)", index, len(t.leaves))
	}
	var path []string
	idx := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sib := idx ^ 1
		if sib >= len(level) {
			// Odd level end: the node was paired with itself.
			sib = idx
		}
		path = append(path, hex.EncodeToString(level[sib][:]))
		idx /= 2
	}
	return path, nil
}

// VerifyInclusion checks a sibling path for leafHash at index against
// the expected root.
func VerifyInclusion(leafHash string, index int, path []string, rootHex string) bool {
	node, err := hex.DecodeString(leafHash)
	if err != nil || len(node) != sha256.Size {
		return false
	}
	idx := index
	for _, sibHex := range path {
		sib, err := hex.DecodeString(sibHex)
		if err != nil || len(sib) != sha256.Size {
			return false
		}
		var sum [32]byte
		if idx%2 == 0 {
			sum = sha256.Sum256(append(append([]byte{}, node...), sib...))
		} else {
			sum = sha256.Sum256(append(append([]byte{}, sib...), node...))
		}
		node = sum[:]
		idx /= 2
	}
	return hex.EncodeToString(node) == rootHex
}

// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package lottery implements the verifiable weighted lottery: a
// commit-reveal secret, a Merkle commitment over the weighted
// participant set, and deterministic weighted selection without
// replacement. Everything is a pure function of the secret and the
// participant weights, so any third party holding the proof can replay
// the draw.
package lottery

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/gorilla/securecookie"
)

// Algorithm tags the selection procedure recorded in proofs.
const Algorithm = "weighted-fenwick-v2"

var (
	// ErrNoSecret is returned when a draw is attempted with an empty
	// secret.
	ErrNoSecret = errors.New("lottery: empty secret")
)

// NewSecret returns a fresh 32-byte lottery secret, hex encoded. The
// secret must be generated exactly once per drop and persisted before
// its commitment is published.
func NewSecret() (string, error) {
	raw := securecookie.GenerateRandomKey(32)
	if raw == nil {
		return "", errors.New("lottery: no entropy available")
	}
	return hex.EncodeToString(raw), nil
}

// Commitment returns the published commitment for a hex secret:
// SHA256 over the hex string itself.
func Commitment(secretHex string) string {
	sum := sha256.Sum256([]byte(secretHex))
	return hex.EncodeToString(sum[:])
}

// Seed derives the draw seed by folding the participant commitment into
// the revealed secret, so neither side alone determines the outcome.
func Seed(secretHex, merkleRootHex string) string {
	sum := sha256.Sum256([]byte(secretHex + merkleRootHex))
	return hex.EncodeToString(sum[:])
}

// Entry is one weighted participant.
type Entry struct {
	UserID           string
	EffectiveTickets int64
}

// CanonicalEntries orders the weighted participants ascending by user
// id, the canonical order that assigns leaf indexes.
func CanonicalEntries(effective map[string]int64) []Entry {
	entries := make([]Entry, 0, len(effective))
	for userID, w := range effective {
		entries = append(entries, Entry{UserID: userID, EffectiveTickets: w})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries
}

// Proof is the published record that makes a completed draw verifiable.
// Field order is stable; hashing uses the canonical leaf encoding, not
// this struct.
type Proof struct {
	Commitment            string   `json:"commitment"`
	Secret                string   `json:"secret"`
	ParticipantMerkleRoot string   `json:"participantMerkleRoot"`
	ParticipantCount      int      `json:"participantCount"`
	Seed                  string   `json:"seed"`
	Algorithm             string   `json:"algorithm"`
	Timestamp             int64    `json:"timestamp"`
	Winners               []string `json:"winners"`
	BackupWinners         []string `json:"backupWinners"`
}

// Run reveals the secret and draws primaryCount winners plus
// (totalCount - primaryCount) backups over the weighted participants.
// The same inputs always produce the same proof apart from Timestamp.
func Run(secretHex string, effective map[string]int64, primaryCount, totalCount int, timestamp int64) (*Proof, error) {
	if secretHex == "" {
		return nil, ErrNoSecret
	}
	if primaryCount < 0 || totalCount < primaryCount {
		return nil, fmt.Errorf("lottery: invalid selection counts %d/%d", primaryCount, totalCount)
	}

	entries := CanonicalEntries(effective)
	leaves := BuildLeaves(entries)
	tree := NewMerkleTree(leaves)
	root := tree.RootHex()
	seed := Seed(secretHex, root)

	selected := drawIndices(seed, entries, totalCount)

	winners := make([]string, 0, primaryCount)
	backups := make([]string, 0, totalCount-primaryCount)
	for i, idx := range selected {
		if i < primaryCount {
			winners = append(winners, entries[idx].UserID)
		} else {
			backups = append(backups, entries[idx].UserID)
		}
	}

	return &Proof{
		Commitment:            Commitment(secretHex),
		Secret:                secretHex,
		ParticipantMerkleRoot: root,
		ParticipantCount:      len(entries),
		Seed:                  seed,
		Algorithm:             Algorithm,
		Timestamp:             timestamp,
		Winners:               winners,
		BackupWinners:         backups,
	}, nil
}

// drawIndices selects up to k distinct entry indexes, weight
// proportional, without replacement. The canonical-order shortcut
// applies only when k exceeds the set; at k == n the weighted draw
// still runs so the winner/backup split stays weight proportional.
// Entries whose weight has been exhausted to zero total are appended
// in canonical order so the selection count is still honored.
func drawIndices(seedHex string, entries []Entry, k int) []int {
	n := len(entries)
	if n == 0 || k <= 0 {
		return nil
	}
	if k > n {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return all
	}

	weights := make([]int64, n)
	var total int64
	for i, e := range entries {
		if e.EffectiveTickets > 0 {
			weights[i] = e.EffectiveTickets
			total += e.EffectiveTickets
		}
	}

	fw := newFenwick(weights)
	rng := newDrawRNG(seedHex)
	selected := make([]int, 0, k)
	taken := make([]bool, n)

	for len(selected) < k && total > 0 {
		r := int64(rng.next() % uint64(total))
		idx := fw.findFirstPrefixGreaterThan(r)
		selected = append(selected, idx)
		taken[idx] = true
		fw.add(idx, -weights[idx])
		total -= weights[idx]
	}

	// Zero-weight remainder, canonical order.
	for i := 0; i < n && len(selected) < k; i++ {
		if !taken[i] {
			selected = append(selected, i)
			taken[i] = true
		}
	}
	return selected
}

// Verify replays a proof against the claimed participant weights. It
// checks the commitment binding, the Merkle root, the derived seed, and
// the full selection.
func Verify(p *Proof, effective map[string]int64) error {
	if p == nil {
		return errors.New("lottery: nil proof")
	}
	if Commitment(p.Secret) != p.Commitment {
		return errors.New("lottery: secret does not match commitment")
	}
	if p.Algorithm != Algorithm {
		return fmt.Errorf("lottery: unknown algorithm %q", p.Algorithm)
	}

	entries := CanonicalEntries(effective)
	if len(entries) != p.ParticipantCount {
		return fmt.Errorf("lottery: participant count %d, proof says %d",
			len(entries), p.ParticipantCount)
	}
	tree := NewMerkleTree(BuildLeaves(entries))
	root := tree.RootHex()
	if root != p.ParticipantMerkleRoot {
		return errors.New("lottery: merkle root mismatch")
	}
	if Seed(p.Secret, root) != p.Seed {
		return errors.New("lottery: seed mismatch")
	}

	want := append(append([]string{}, p.Winners...), p.BackupWinners...)
	selected := drawIndices(p.Seed, entries, len(want))
	if len(selected) != len(want) {
		return fmt.Errorf("lottery: replay selected %d, proof has %d",
			len(selected), len(want))
	}
	for i, idx := range selected {
		if entries[idx].UserID != want[i] {
			return fmt.Errorf("lottery: replay diverges at position %d: %s != %s",
				i, entries[idx].UserID, want[i])
		}
	}
	return nil
}

// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lottery

import (
	"fmt"
	"reflect"
	"testing"
)

const testSecret = "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899"

func TestCommitmentBinding(t *testing.T) {
	secret, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	if len(secret) != 64 {
		t.Errorf("secret length = %d, want 64 hex chars", len(secret))
	}

	p, err := Run(secret, map[string]int64{"alice": 1, "bob": 2}, 1, 2, 42)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if Commitment(p.Secret) != p.Commitment {
		t.Error("proof commitment does not bind the revealed secret")
	}
	if p.Algorithm != Algorithm {
		t.Errorf("algorithm = %q, want %q", p.Algorithm, Algorithm)
	}
}

func TestRunDeterminism(t *testing.T) {
	effective := map[string]int64{"alice": 1, "bob": 10, "carol": 2}

	first, err := Run(testSecret, effective, 2, 3, 1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Run(testSecret, effective, 2, 3, int64(i))
		if err != nil {
			t.Fatalf("Run #%d: %v", i, err)
		}
		if !reflect.DeepEqual(first.Winners, again.Winners) ||
			!reflect.DeepEqual(first.BackupWinners, again.BackupWinners) {
			t.Fatalf("run %d diverged: %v/%v vs %v/%v", i,
				first.Winners, first.BackupWinners, again.Winners, again.BackupWinners)
		}
	}

	other := "ff" + testSecret[2:]
	changed, err := Run(other, effective, 2, 3, 1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if changed.Seed == first.Seed {
		t.Error("different secret produced the same seed")
	}
}

func TestRunSelectionSizes(t *testing.T) {
	effective := map[string]int64{"a": 5, "b": 5, "c": 5, "d": 5, "e": 5}

	p, err := Run(testSecret, effective, 2, 4, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(p.Winners) != 2 || len(p.BackupWinners) != 2 {
		t.Fatalf("selected %d winners / %d backups, want 2/2", len(p.Winners), len(p.BackupWinners))
	}

	seen := map[string]bool{}
	for _, u := range append(append([]string{}, p.Winners...), p.BackupWinners...) {
		if seen[u] {
			t.Errorf("user %s selected twice", u)
		}
		seen[u] = true
	}
}

func TestRunEverybodyWins(t *testing.T) {
	effective := map[string]int64{"b": 1, "a": 1, "c": 1}
	p, err := Run(testSecret, effective, 3, 3, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Selection count covers the set: everyone selected exactly once.
	if len(p.Winners) != 3 || len(p.BackupWinners) != 0 {
		t.Fatalf("selection = %v / %v, want 3 winners, 0 backups", p.Winners, p.BackupWinners)
	}
	seen := map[string]bool{}
	for _, u := range p.Winners {
		if seen[u] {
			t.Errorf("user %s selected twice", u)
		}
		seen[u] = true
	}
	for _, u := range []string{"a", "b", "c"} {
		if !seen[u] {
			t.Errorf("user %s missing from the full-coverage selection", u)
		}
	}
	if err := Verify(p, effective); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

// When the selection covers every participant, the primary/backup split
// must still be a weighted permutation: the heavy entrant lands in the
// primary slots on most seeds and the outcome varies across seeds.
func TestRunFullCoverageSplitIsWeighted(t *testing.T) {
	effective := map[string]int64{"alice": 1, "bob": 10, "carol": 2}
	const trials = 200

	distinct := map[string]int{}
	bobPrimary := 0
	for i := 0; i < trials; i++ {
		secret := fmt.Sprintf("%064x", i+1)
		p, err := Run(secret, effective, 2, 3, 0)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(p.Winners) != 2 || len(p.BackupWinners) != 1 {
			t.Fatalf("selection = %v / %v, want 2 winners, 1 backup", p.Winners, p.BackupWinners)
		}
		distinct[fmt.Sprint(p.Winners)]++
		for _, u := range p.Winners {
			if u == "bob" {
				bobPrimary++
			}
		}
	}

	if len(distinct) < 2 {
		t.Fatalf("winner lists did not vary across seeds: %v", distinct)
	}
	// Bob holds 10 of 13 tickets; missing the top two should be rare.
	if got := float64(bobPrimary) / trials; got < 0.75 {
		t.Errorf("bob primary rate = %.3f over %d trials, want well above 0.75", got, trials)
	}
}

func TestRunEmptyAndZeroWeight(t *testing.T) {
	p, err := Run(testSecret, map[string]int64{}, 0, 0, 0)
	if err != nil {
		t.Fatalf("Run empty: %v", err)
	}
	if len(p.Winners) != 0 || len(p.BackupWinners) != 0 {
		t.Errorf("empty participants selected %v/%v", p.Winners, p.BackupWinners)
	}

	// All-zero weights fall back to canonical order rather than spin.
	effective := map[string]int64{"a": 0, "b": 0, "c": 0, "d": 0}
	p, err = Run(testSecret, effective, 2, 3, 0)
	if err != nil {
		t.Fatalf("Run zero weights: %v", err)
	}
	if got := append(append([]string{}, p.Winners...), p.BackupWinners...); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("zero-weight selection = %v, want canonical prefix", got)
	}
}

func TestVerifyReplay(t *testing.T) {
	effective := map[string]int64{"alice": 1, "bob": 10, "carol": 2}
	p, err := Run(testSecret, effective, 1, 2, 7)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := Verify(p, effective); err != nil {
		t.Errorf("Verify: %v", err)
	}

	// Tampered winner list.
	bad := *p
	bad.Winners = append([]string{}, p.Winners...)
	bad.Winners[0] = "mallory"
	if err := Verify(&bad, effective); err == nil {
		t.Error("Verify accepted a tampered winner list")
	}

	// Tampered weights.
	tampered := map[string]int64{"alice": 100, "bob": 10, "carol": 2}
	if err := Verify(p, tampered); err == nil {
		t.Error("Verify accepted tampered weights")
	}

	// Wrong secret.
	bad = *p
	bad.Secret = "00" + p.Secret[2:]
	if err := Verify(&bad, effective); err == nil {
		t.Error("Verify accepted a secret that does not match the commitment")
	}
}

// Over many seeds, a participant holding ~77% of the weight should win
// roughly that share of single-winner draws.
func TestWeightProportionality(t *testing.T) {
	effective := map[string]int64{"alice": 1, "bob": 10, "carol": 2}
	const trials = 2000

	bobWins := 0
	for i := 0; i < trials; i++ {
		secret := fmt.Sprintf("%064x", i+1)
		p, err := Run(secret, effective, 1, 1, 0)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if p.Winners[0] == "bob" {
			bobWins++
		}
	}

	got := float64(bobWins) / trials
	want := 10.0 / 13.0
	if got < want-0.05 || got > want+0.05 {
		t.Errorf("bob win rate = %.3f over %d trials, want ~%.3f", got, trials, want)
	}
}

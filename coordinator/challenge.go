// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/gorilla/securecookie"

	"github.com/10thfloor/dropcoord/kvstore"
)

// ErrChallengeNotFound signals an unknown or expired PoW challenge.
var ErrChallengeNotFound = errors.New("challenge not found")

// Challenge is a stored proof-of-work puzzle. Clients hash
// prefix+nonce until the digest clears the difficulty; a challenge is
// single-use and swept after its TTL.
type Challenge struct {
	ID         string `json:"id"`
	Prefix     string `json:"prefix"`
	Difficulty int    `json:"difficulty"`
	ExpiresAt  int64  `json:"expiresAt"`
}

// NewChallenge issues a PoW challenge with the given difficulty (number
// of leading zero bits required) and TTL.
func (c *Coordinator) NewChallenge(difficulty int, ttl time.Duration) (*Challenge, error) {
	ch := &Challenge{
		ID:         hex.EncodeToString(securecookie.GenerateRandomKey(8)),
		Prefix:     hex.EncodeToString(securecookie.GenerateRandomKey(16)),
		Difficulty: difficulty,
		ExpiresAt:  time.Now().Add(ttl).UnixMilli(),
	}
	if err := c.store.Put(kvstore.BucketChallenges, ch.ID, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// VerifySolution checks a nonce against the stored challenge and
// consumes the challenge on success.
func (c *Coordinator) VerifySolution(id, nonce string) (bool, error) {
	var ch Challenge
	found, err := c.store.Get(kvstore.BucketChallenges, id, &ch)
	if err != nil {
		return false, err
	}
	if !found || time.Now().UnixMilli() >= ch.ExpiresAt {
		return false, ErrChallengeNotFound
	}
	if !solves(ch.Prefix, nonce, ch.Difficulty) {
		return false, nil
	}
	if err := c.store.Delete(kvstore.BucketChallenges, id); err != nil {
		return false, err
	}
	return true, nil
}

// solves reports whether SHA256(prefix || nonce) has at least
// difficulty leading zero bits.
func solves(prefix, nonce string, difficulty int) bool {
	sum := sha256.Sum256([]byte(prefix + nonce))
	bits := 0
	for _, b := range sum {
		if b == 0 {
			bits += 8
			continue
		}
		for mask := byte(0x80); mask != 0 && b&mask == 0; mask >>= 1 {
			bits++
		}
		break
	}
	return bits >= difficulty
}

// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lottery

import (
	"crypto/sha256"
	"encoding/binary"
)

// drawRNG is the deterministic SHA256 stream keyed by the draw seed.
// Each draw hashes the seed with a big-endian round counter and takes
// the leading 64 bits.
type drawRNG struct {
	seed    []byte
	counter uint64
}

func newDrawRNG(seedHex string) *drawRNG {
	return &drawRNG{seed: []byte(seedHex)}
}

func (r *drawRNG) next() uint64 {
	var round [8]byte
	binary.BigEndian.PutUint64(round[:], r.counter)
	r.counter++

	h := sha256.New()
	h.Write(r.seed)
	h.Write(round[:])
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

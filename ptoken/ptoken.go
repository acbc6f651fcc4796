// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ptoken mints and verifies purchase tokens. Tokens are
// self-authenticating: the MAC binds the drop and user so the server
// needs no lookup to authenticate one. Single-use enforcement lives with
// the participant record, not here.
package ptoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Token format: shortId.expiryB32.signature
//
//	shortId   10 random bytes, base64url (16 chars with padding)
//	expiryB32 unix-ms expiry, big-endian with leading zeros stripped,
//	          base32 without padding
//	signature first 80 bits of HMAC-SHA256 over
//	          dropId \x00 userId \x00 shortId \x00 expiryB32,
//	          base64url (16 chars with padding)
const (
	shortIDBytes = 10
	macBytes     = 10
	maxTokenLen  = 64
)

var (
	// ErrMalformed is returned for tokens that do not parse as three
	// non-empty dot-separated parts within the length budget.
	ErrMalformed = errors.New("invalid purchase token format")
	// ErrBadSignature is returned when the MAC does not verify.
	ErrBadSignature = errors.New("purchase token signature mismatch")
	// ErrExpired is returned for well-formed tokens past their expiry.
	ErrExpired = errors.New("purchase token expired")
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Mint creates a purchase token for (dropID, userID) expiring at expiry.
func Mint(key []byte, dropID, userID string, expiry time.Time) (string, error) {
	if len(key) == 0 {
		return "", errors.New("empty token key")
	}
	raw := make([]byte, shortIDBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	shortID := base64.URLEncoding.EncodeToString(raw)
	expiryB32 := encodeExpiry(expiry.UnixMilli())
	sig := sign(key, dropID, userID, shortID, expiryB32)
	return shortID + "." + expiryB32 + "." + sig, nil
}

// Verify authenticates token against (dropID, userID) at time now. The
// zero return is success; failures are one of the exported errors.
func Verify(key []byte, dropID, userID, token string, now time.Time) error {
	shortID, expiryB32, sig, err := split(token)
	if err != nil {
		return err
	}
	expiryMs, err := decodeExpiry(expiryB32)
	if err != nil {
		return ErrMalformed
	}
	want := sign(key, dropID, userID, shortID, expiryB32)
	// Constant-time: both sides are MACs of attacker-visible data, but
	// compare the raw bytes anyway.
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return ErrBadSignature
	}
	if !now.Before(time.UnixMilli(expiryMs)) {
		return ErrExpired
	}
	return nil
}

// Expiry extracts the expiry from a token without authenticating it.
func Expiry(token string) (time.Time, error) {
	_, expiryB32, _, err := split(token)
	if err != nil {
		return time.Time{}, err
	}
	ms, err := decodeExpiry(expiryB32)
	if err != nil {
		return time.Time{}, ErrMalformed
	}
	return time.UnixMilli(ms), nil
}

func split(token string) (shortID, expiryB32, sig string, err error) {
	if len(token) > maxTokenLen {
		return "", "", "", ErrMalformed
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", ErrMalformed
	}
	return parts[0], parts[1], parts[2], nil
}

func sign(key []byte, dropID, userID, shortID, expiryB32 string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(dropID))
	mac.Write([]byte{0})
	mac.Write([]byte(userID))
	mac.Write([]byte{0})
	mac.Write([]byte(shortID))
	mac.Write([]byte{0})
	mac.Write([]byte(expiryB32))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)[:macBytes])
}

func encodeExpiry(unixMs int64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(unixMs))
	trimmed := buf[:]
	for len(trimmed) > 1 && trimmed[0] == 0 {
		trimmed = trimmed[1:]
	}
	return b32.EncodeToString(trimmed)
}

func decodeExpiry(s string) (int64, error) {
	raw, err := b32.DecodeString(s)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 || len(raw) > 8 {
		return 0, fmt.Errorf("expiry field length %d", len(raw))
	}
	var buf [8]byte
	copy(buf[8-len(raw):], raw)
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package userstate holds the per-user records that persist across
// drops: the rollover entry credit and the loyalty participation count.
// Each record is single-writer, serialized per user id.
package userstate

import (
	"fmt"
	"time"

	"github.com/10thfloor/dropcoord/kvstore"
)

// DefaultMaxRollover caps the rollover balance a user can accumulate.
const DefaultMaxRollover = 50

// Rollover manages the cross-drop entry credit balances. Only paid
// losing entries credit a balance; consuming happens during
// registration.
type Rollover struct {
	store *kvstore.Store
	locks *kvstore.KeyMutex
	max   int64
}

type rolloverRecord struct {
	UserID    string `json:"userId"`
	Balance   int64  `json:"balance"`
	UpdatedAt int64  `json:"updatedAt"`
}

// NewRollover returns a rollover service capped at max (0 selects the
// default).
func NewRollover(store *kvstore.Store, max int64) *Rollover {
	if max <= 0 {
		max = DefaultMaxRollover
	}
	return &Rollover{store: store, locks: kvstore.NewKeyMutex(), max: max}
}

// Balance returns the user's current rollover balance.
func (r *Rollover) Balance(userID string) (int64, error) {
	var rec rolloverRecord
	if _, err := r.store.Get(kvstore.BucketRollover, userID, &rec); err != nil {
		return 0, err
	}
	return rec.Balance, nil
}

// Consume debits up to amount from the balance and returns the amount
// actually consumed plus the remainder. The balance is only rewritten
// when something was consumed.
func (r *Rollover) Consume(userID string, amount int64) (consumed, remaining int64, err error) {
	if amount <= 0 {
		bal, err := r.Balance(userID)
		return 0, bal, err
	}
	unlock := r.locks.Lock(userID)
	defer unlock()

	var rec rolloverRecord
	if _, err := r.store.Get(kvstore.BucketRollover, userID, &rec); err != nil {
		return 0, 0, err
	}
	consumed = amount
	if rec.Balance < consumed {
		consumed = rec.Balance
	}
	if consumed > 0 {
		rec.UserID = userID
		rec.Balance -= consumed
		rec.UpdatedAt = time.Now().UnixMilli()
		if err := r.store.Put(kvstore.BucketRollover, userID, &rec); err != nil {
			return 0, 0, err
		}
	}
	return consumed, rec.Balance, nil
}

// Add credits amount to the balance, capped at the configured maximum.
// Non-positive amounts are a no-op.
func (r *Rollover) Add(userID string, amount int64) (newBalance int64, capped bool, err error) {
	if amount <= 0 {
		bal, err := r.Balance(userID)
		return bal, false, err
	}
	unlock := r.locks.Lock(userID)
	defer unlock()

	var rec rolloverRecord
	if _, err := r.store.Get(kvstore.BucketRollover, userID, &rec); err != nil {
		return 0, false, err
	}
	rec.UserID = userID
	rec.Balance += amount
	if rec.Balance > r.max {
		rec.Balance = r.max
		capped = true
	}
	rec.UpdatedAt = time.Now().UnixMilli()
	if err := r.store.Put(kvstore.BucketRollover, userID, &rec); err != nil {
		return 0, false, err
	}
	return rec.Balance, capped, nil
}

// SetBalance overwrites the balance (administrative). Negative values
// clamp to zero.
func (r *Rollover) SetBalance(userID string, balance int64) (int64, error) {
	if balance < 0 {
		balance = 0
	}
	unlock := r.locks.Lock(userID)
	defer unlock()

	rec := rolloverRecord{
		UserID:    userID,
		Balance:   balance,
		UpdatedAt: time.Now().UnixMilli(),
	}
	if err := r.store.Put(kvstore.BucketRollover, userID, &rec); err != nil {
		return 0, fmt.Errorf("set rollover for %s: %v", userID, err)
	}
	return rec.Balance, nil
}

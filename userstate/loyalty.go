// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package userstate

import (
	"time"

	"github.com/10thfloor/dropcoord/kvstore"
)

// Loyalty tiers.
const (
	TierBronze = "bronze"
	TierSilver = "silver"
	TierGold   = "gold"
)

// LoyaltyConfig sets the tier thresholds and multipliers. The values
// are read once per drop so a running drop never sees them change.
type LoyaltyConfig struct {
	SilverAt   int     // distinct drops to reach silver
	GoldAt     int     // distinct drops to reach gold
	SilverMult float64 // silver ticket multiplier
	GoldMult   float64 // gold ticket multiplier
}

// DefaultLoyaltyConfig returns the stock thresholds.
func DefaultLoyaltyConfig() LoyaltyConfig {
	return LoyaltyConfig{SilverAt: 5, GoldAt: 20, SilverMult: 1.25, GoldMult: 1.5}
}

// Loyalty tracks per-user distinct-drop participation counts.
type Loyalty struct {
	store *kvstore.Store
	locks *kvstore.KeyMutex
	cfg   LoyaltyConfig
}

type loyaltyRecord struct {
	UserID    string          `json:"userId"`
	Count     int             `json:"count"`
	Seen      map[string]bool `json:"seen"`
	UpdatedAt int64           `json:"updatedAt"`
}

// NewLoyalty returns a loyalty service with the given thresholds.
func NewLoyalty(store *kvstore.Store, cfg LoyaltyConfig) *Loyalty {
	if cfg.SilverAt <= 0 || cfg.GoldAt <= cfg.SilverAt {
		cfg = DefaultLoyaltyConfig()
	}
	return &Loyalty{store: store, locks: kvstore.NewKeyMutex(), cfg: cfg}
}

// RecordParticipation counts dropID toward the user's loyalty once;
// repeats for the same drop are ignored.
func (l *Loyalty) RecordParticipation(userID, dropID string) error {
	unlock := l.locks.Lock(userID)
	defer unlock()

	var rec loyaltyRecord
	if _, err := l.store.Get(kvstore.BucketLoyalty, userID, &rec); err != nil {
		return err
	}
	if rec.Seen[dropID] {
		return nil
	}
	if rec.Seen == nil {
		rec.Seen = make(map[string]bool)
	}
	rec.UserID = userID
	rec.Seen[dropID] = true
	rec.Count++
	rec.UpdatedAt = time.Now().UnixMilli()
	return l.store.Put(kvstore.BucketLoyalty, userID, &rec)
}

// Multiplier returns the user's current tier and ticket multiplier.
// Tiers only move up as participation accumulates.
func (l *Loyalty) Multiplier(userID string) (tier string, mult float64, err error) {
	var rec loyaltyRecord
	if _, err := l.store.Get(kvstore.BucketLoyalty, userID, &rec); err != nil {
		return "", 0, err
	}
	return l.tierFor(rec.Count)
}

func (l *Loyalty) tierFor(count int) (string, float64, error) {
	switch {
	case count >= l.cfg.GoldAt:
		return TierGold, l.cfg.GoldMult, nil
	case count >= l.cfg.SilverAt:
		return TierSilver, l.cfg.SilverMult, nil
	default:
		return TierBronze, 1.0, nil
	}
}

// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package queue implements the per-drop admission queue that gates
// registration. Tokens are issued in join order, promoted to ready at a
// configured rate, and consumed exactly once when a registration
// arrives. All mutation for a drop is serialized on the drop id.
package queue

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/securecookie"

	"github.com/10thfloor/dropcoord/kvstore"
)

// Token statuses.
const (
	StatusWaiting = "waiting"
	StatusReady   = "ready"
	StatusUsed    = "used"
	StatusExpired = "expired"
)

var (
	// ErrCapExceeded signals the per-fingerprint or per-IP cap was hit.
	ErrCapExceeded = errors.New("queue cap exceeded")
	// ErrUnknownToken signals a token id with no record.
	ErrUnknownToken = errors.New("unknown queue token")
	// ErrNotReady signals consumption of a token that is not ready.
	ErrNotReady = errors.New("queue token is not ready")
)

// Config sets the admission parameters, shared by every drop.
type Config struct {
	IssueRate         float64       // ready promotions per second
	ReadyCap          int           // max concurrently ready tokens
	PerFingerprintCap int           // max live tokens per fingerprint
	PerIPCap          int           // max live tokens per hashed IP
	TokenTTL          time.Duration // lifetime of a waiting token
	ReadyTTL          time.Duration // window to use a ready token
}

// DefaultConfig returns the stock admission parameters.
func DefaultConfig() Config {
	return Config{
		IssueRate:         10,
		ReadyCap:          100,
		PerFingerprintCap: 3,
		PerIPCap:          5,
		TokenTTL:          30 * time.Minute,
		ReadyTTL:          5 * time.Minute,
	}
}

// tokenRecord is the persisted per-token state.
type tokenRecord struct {
	TokenID     string `json:"tokenId"`
	DropID      string `json:"dropId"`
	Fingerprint string `json:"fingerprint"`
	IPHash      string `json:"ipHash"`
	Position    int64  `json:"position"`
	Status      string `json:"status"`
	ExpiresAt   int64  `json:"expiresAt"`
	CreatedAt   int64  `json:"createdAt"`

	// Accumulated behavior signals from heartbeats.
	MouseMoves   int64 `json:"mouseMoves,omitempty"`
	Scrolls      int64 `json:"scrolls,omitempty"`
	FocusChanges int64 `json:"focusChanges,omitempty"`
	Keypresses   int64 `json:"keypresses,omitempty"`
	TimeOnPageMs int64 `json:"timeOnPageMs,omitempty"`
}

// metaRecord carries the per-drop counters.
type metaRecord struct {
	PositionCounter int64          `json:"positionCounter"`
	ReadyCount      int            `json:"readyCount"`
	UsedCount       int            `json:"usedCount"`
	ExpiredCount    int            `json:"expiredCount"`
	FpCounts        map[string]int `json:"fpCounts"`
	IPCounts        map[string]int `json:"ipCounts"`
	UpdatedAt       int64          `json:"updatedAt"`
}

// Signals are the behavior counters a heartbeat reports.
type Signals struct {
	MouseMoves   int64 `json:"mouseMoves"`
	Scrolls      int64 `json:"scrolls"`
	FocusChanges int64 `json:"focusChanges"`
	Keypresses   int64 `json:"keypresses"`
	TimeOnPageMs int64 `json:"timeOnPageMs"`
}

// JoinResult is the response to a join.
type JoinResult struct {
	TokenID              string `json:"token"`
	Position             int64  `json:"position"`
	EstimatedWaitSeconds int64  `json:"estimatedWaitSeconds"`
	Status               string `json:"status"`
	ExpiresAt            int64  `json:"expiresAt,omitempty"`
}

// CheckResult is the response to a token status check.
type CheckResult struct {
	Status               string `json:"status"`
	Position             int64  `json:"position,omitempty"`
	EstimatedWaitSeconds int64  `json:"estimatedWaitSeconds,omitempty"`
	ExpiresAt            int64  `json:"expiresAt,omitempty"`
}

// Stats is the per-drop queue summary.
type Stats struct {
	Waiting   int     `json:"waiting"`
	Ready     int     `json:"ready"`
	Used      int     `json:"used"`
	Expired   int     `json:"expired"`
	Total     int64   `json:"total"`
	ReadyCap  int     `json:"readyCap"`
	IssueRate float64 `json:"issueRate"`
}

// Service manages admission queues for all drops.
type Service struct {
	store *kvstore.Store
	locks *kvstore.KeyMutex
	cfg   Config
}

// NewService returns an admission queue service.
func NewService(store *kvstore.Store, cfg Config) *Service {
	if cfg.IssueRate <= 0 {
		cfg.IssueRate = DefaultConfig().IssueRate
	}
	if cfg.ReadyCap <= 0 {
		cfg.ReadyCap = DefaultConfig().ReadyCap
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultConfig().TokenTTL
	}
	if cfg.ReadyTTL <= 0 {
		cfg.ReadyTTL = DefaultConfig().ReadyTTL
	}
	return &Service{store: store, locks: kvstore.NewKeyMutex(), cfg: cfg}
}

// Key layout inside the queue bucket. Position keys are zero padded so
// bucket iteration yields join order.
func metaKey(dropID string) string { return "m/" + dropID }

func tokenKey(dropID, tokenID string) string {
	return "t/" + dropID + "/" + tokenID
}
func posKey(dropID string, position int64) string {
	return fmt.Sprintf("p/%s/%012d", dropID, position)
}

// Join admits a caller into the queue, subject to the fingerprint and
// IP caps. Tokens become ready immediately while the ready pool has
// room, otherwise they wait their turn.
func (s *Service) Join(dropID, fingerprint, ipHash string) (*JoinResult, error) {
	unlock := s.locks.Lock(dropID)
	defer unlock()

	meta, err := s.loadMeta(dropID)
	if err != nil {
		return nil, err
	}
	if s.cfg.PerFingerprintCap > 0 && meta.FpCounts[fingerprint] >= s.cfg.PerFingerprintCap {
		return nil, ErrCapExceeded
	}
	if s.cfg.PerIPCap > 0 && meta.IPCounts[ipHash] >= s.cfg.PerIPCap {
		return nil, ErrCapExceeded
	}

	now := time.Now()
	tokenID := hex.EncodeToString(securecookie.GenerateRandomKey(16))
	meta.PositionCounter++

	tok := tokenRecord{
		TokenID:     tokenID,
		DropID:      dropID,
		Fingerprint: fingerprint,
		IPHash:      ipHash,
		Position:    meta.PositionCounter,
		Status:      StatusWaiting,
		ExpiresAt:   now.Add(s.cfg.TokenTTL).UnixMilli(),
		CreatedAt:   now.UnixMilli(),
	}
	if meta.ReadyCount < s.cfg.ReadyCap {
		tok.Status = StatusReady
		tok.ExpiresAt = now.Add(s.cfg.ReadyTTL).UnixMilli()
		meta.ReadyCount++
	}

	meta.FpCounts[fingerprint]++
	meta.IPCounts[ipHash]++

	if err := s.store.Put(kvstore.BucketQueueTokens, tokenKey(dropID, tokenID), &tok); err != nil {
		return nil, err
	}
	if err := s.store.Put(kvstore.BucketQueueTokens, posKey(dropID, tok.Position), &posRef{TokenID: tokenID}); err != nil {
		return nil, err
	}
	if err := s.saveMeta(dropID, meta); err != nil {
		return nil, err
	}

	res := &JoinResult{
		TokenID:              tokenID,
		Position:             tok.Position,
		EstimatedWaitSeconds: s.estimateWait(tok.Position),
		Status:               tok.Status,
	}
	if tok.Status == StatusReady {
		res.ExpiresAt = tok.ExpiresAt
		res.EstimatedWaitSeconds = 0
	}
	return res, nil
}

type posRef struct {
	TokenID string `json:"tokenId"`
}

// Check reports a token's current status. Ready tokens past their TTL
// are expired here, releasing their ready slot.
func (s *Service) Check(dropID, tokenID string) (*CheckResult, error) {
	unlock := s.locks.Lock(dropID)
	defer unlock()

	tok, err := s.loadToken(dropID, tokenID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	if tok.Status == StatusReady && now >= tok.ExpiresAt {
		if err := s.expireReady(dropID, tok); err != nil {
			return nil, err
		}
	}
	if tok.Status == StatusWaiting && now >= tok.ExpiresAt {
		if err := s.expireWaiting(dropID, tok); err != nil {
			return nil, err
		}
	}

	res := &CheckResult{Status: tok.Status}
	switch tok.Status {
	case StatusReady:
		res.ExpiresAt = tok.ExpiresAt
	case StatusWaiting:
		res.Position = tok.Position
		res.EstimatedWaitSeconds = s.estimateWait(tok.Position)
	}
	return res, nil
}

// ConsumeReady marks a ready token used. This happens at the start of
// the register path; a failed registration does not revive the token.
func (s *Service) ConsumeReady(dropID, tokenID string) error {
	unlock := s.locks.Lock(dropID)
	defer unlock()

	tok, err := s.loadToken(dropID, tokenID)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if tok.Status == StatusReady && now >= tok.ExpiresAt {
		if err := s.expireReady(dropID, tok); err != nil {
			return err
		}
	}
	if tok.Status != StatusReady {
		return ErrNotReady
	}

	meta, err := s.loadMeta(dropID)
	if err != nil {
		return err
	}
	tok.Status = StatusUsed
	meta.ReadyCount--
	meta.UsedCount++
	if err := s.store.Put(kvstore.BucketQueueTokens, tokenKey(dropID, tokenID), tok); err != nil {
		return err
	}
	return s.saveMeta(dropID, meta)
}

// Heartbeat accumulates behavior signals onto the token.
func (s *Service) Heartbeat(dropID, tokenID string, sig Signals) error {
	unlock := s.locks.Lock(dropID)
	defer unlock()

	tok, err := s.loadToken(dropID, tokenID)
	if err != nil {
		return err
	}
	tok.MouseMoves += sig.MouseMoves
	tok.Scrolls += sig.Scrolls
	tok.FocusChanges += sig.FocusChanges
	tok.Keypresses += sig.Keypresses
	if sig.TimeOnPageMs > tok.TimeOnPageMs {
		tok.TimeOnPageMs = sig.TimeOnPageMs
	}
	return s.store.Put(kvstore.BucketQueueTokens, tokenKey(dropID, tokenID), tok)
}

// BehaviorScore derives a 0-100 behavior score from the accumulated
// signals, nil when the token is unknown. Each distinct signal class
// contributes a fixed share, so bots replaying a single event type
// score low.
func (s *Service) BehaviorScore(dropID, tokenID string) (*float64, error) {
	tok, err := s.loadToken(dropID, tokenID)
	if errors.Is(err, ErrUnknownToken) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	score := 0.0
	if tok.MouseMoves > 0 {
		score += 20
	}
	if tok.Scrolls > 0 {
		score += 20
	}
	if tok.FocusChanges > 0 {
		score += 20
	}
	if tok.Keypresses > 0 {
		score += 20
	}
	if tok.TimeOnPageMs >= 3000 {
		score += 20
	}
	return &score, nil
}

// Promote advances waiting tokens to ready, in position order, until
// the ready pool is full. One call handles one admission tick.
func (s *Service) Promote(dropID string) (promoted int, err error) {
	unlock := s.locks.Lock(dropID)
	defer unlock()

	meta, err := s.loadMeta(dropID)
	if err != nil {
		return 0, err
	}
	if meta.ReadyCount >= s.cfg.ReadyCap {
		return 0, nil
	}

	now := time.Now()
	var refs []posRef
	err = s.store.ForEachPrefix(kvstore.BucketQueueTokens, "p/"+dropID+"/", func(key string, raw []byte) error {
		var ref posRef
		if err := json.Unmarshal(raw, &ref); err != nil {
			return err
		}
		refs = append(refs, ref)
		return nil
	})
	if err != nil {
		return 0, err
	}

	dirty := false
	for _, ref := range refs {
		if meta.ReadyCount >= s.cfg.ReadyCap {
			break
		}
		tok, err := s.loadToken(dropID, ref.TokenID)
		if err != nil {
			if errors.Is(err, ErrUnknownToken) {
				continue
			}
			return promoted, err
		}
		if tok.Status != StatusWaiting {
			continue
		}
		// Abandoned waiters past their TTL expire instead of taking a
		// ready slot.
		if now.UnixMilli() >= tok.ExpiresAt {
			tok.Status = StatusExpired
			meta.ExpiredCount++
			dirty = true
			if err := s.store.Put(kvstore.BucketQueueTokens, tokenKey(dropID, tok.TokenID), tok); err != nil {
				return promoted, err
			}
			continue
		}
		tok.Status = StatusReady
		tok.ExpiresAt = now.Add(s.cfg.ReadyTTL).UnixMilli()
		meta.ReadyCount++
		promoted++
		dirty = true
		if err := s.store.Put(kvstore.BucketQueueTokens, tokenKey(dropID, tok.TokenID), tok); err != nil {
			return promoted, err
		}
	}
	if dirty {
		if err := s.saveMeta(dropID, meta); err != nil {
			return promoted, err
		}
	}
	return promoted, nil
}

// Sweep expires ready and waiting tokens past their TTLs so ready
// slots free up even when nobody checks them.
func (s *Service) Sweep(dropID string) (expired int, err error) {
	unlock := s.locks.Lock(dropID)
	defer unlock()

	now := time.Now().UnixMilli()
	var stale []*tokenRecord
	err = s.store.ForEachPrefix(kvstore.BucketQueueTokens, "t/"+dropID+"/", func(key string, raw []byte) error {
		var tok tokenRecord
		if err := json.Unmarshal(raw, &tok); err != nil {
			return err
		}
		if (tok.Status == StatusReady || tok.Status == StatusWaiting) && now >= tok.ExpiresAt {
			stale = append(stale, &tok)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, tok := range stale {
		if tok.Status == StatusReady {
			err = s.expireReady(dropID, tok)
		} else {
			err = s.expireWaiting(dropID, tok)
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// RunAdmission drives the admission loop for one drop until ctx ends,
// ticking at the configured issue rate.
func (s *Service) RunAdmission(ctx context.Context, dropID string) {
	interval := time.Duration(float64(time.Second) / s.cfg.IssueRate)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(dropID); err != nil {
				log.Errorf("queue sweep for drop %s: %v", dropID, err)
			}
			if _, err := s.Promote(dropID); err != nil {
				log.Errorf("queue promote for drop %s: %v", dropID, err)
			}
		}
	}
}

// QueueStats summarizes the drop's queue.
func (s *Service) QueueStats(dropID string) (*Stats, error) {
	unlock := s.locks.Lock(dropID)
	defer unlock()

	meta, err := s.loadMeta(dropID)
	if err != nil {
		return nil, err
	}
	st := &Stats{
		Ready:     meta.ReadyCount,
		Used:      meta.UsedCount,
		Expired:   meta.ExpiredCount,
		Total:     meta.PositionCounter,
		ReadyCap:  s.cfg.ReadyCap,
		IssueRate: s.cfg.IssueRate,
	}
	err = s.store.ForEachPrefix(kvstore.BucketQueueTokens, "t/"+dropID+"/", func(key string, raw []byte) error {
		var tok tokenRecord
		if err := json.Unmarshal(raw, &tok); err != nil {
			return err
		}
		if tok.Status == StatusWaiting {
			st.Waiting++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// expireReady flips a ready token to expired and releases its slot.
// Callers hold the drop lock.
func (s *Service) expireReady(dropID string, tok *tokenRecord) error {
	meta, err := s.loadMeta(dropID)
	if err != nil {
		return err
	}
	tok.Status = StatusExpired
	meta.ReadyCount--
	if meta.ReadyCount < 0 {
		meta.ReadyCount = 0
	}
	meta.ExpiredCount++
	if err := s.store.Put(kvstore.BucketQueueTokens, tokenKey(dropID, tok.TokenID), tok); err != nil {
		return err
	}
	return s.saveMeta(dropID, meta)
}

// expireWaiting flips a lapsed waiting token to expired. No ready slot
// is held, so only the expired counter moves. Callers hold the drop
// lock.
func (s *Service) expireWaiting(dropID string, tok *tokenRecord) error {
	meta, err := s.loadMeta(dropID)
	if err != nil {
		return err
	}
	tok.Status = StatusExpired
	meta.ExpiredCount++
	if err := s.store.Put(kvstore.BucketQueueTokens, tokenKey(dropID, tok.TokenID), tok); err != nil {
		return err
	}
	return s.saveMeta(dropID, meta)
}

func (s *Service) estimateWait(position int64) int64 {
	return int64(float64(position) / s.cfg.IssueRate)
}

func (s *Service) loadToken(dropID, tokenID string) (*tokenRecord, error) {
	var tok tokenRecord
	found, err := s.store.Get(kvstore.BucketQueueTokens, tokenKey(dropID, tokenID), &tok)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrUnknownToken
	}
	return &tok, nil
}

func (s *Service) loadMeta(dropID string) (*metaRecord, error) {
	meta := &metaRecord{}
	if _, err := s.store.Get(kvstore.BucketQueueTokens, metaKey(dropID), meta); err != nil {
		return nil, err
	}
	if meta.FpCounts == nil {
		meta.FpCounts = make(map[string]int)
	}
	if meta.IPCounts == nil {
		meta.IPCounts = make(map[string]int)
	}
	return meta, nil
}

func (s *Service) saveMeta(dropID string, meta *metaRecord) error {
	meta.UpdatedAt = time.Now().UnixMilli()
	return s.store.Put(kvstore.BucketQueueTokens, metaKey(dropID), meta)
}

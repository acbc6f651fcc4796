// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package drop

import (
	"errors"
	"time"

	"github.com/10thfloor/dropcoord/kvstore"
	"github.com/10thfloor/dropcoord/participant"
	"github.com/10thfloor/dropcoord/ptoken"
)

// PurchaseGrant is the startPurchase response.
type PurchaseGrant struct {
	PurchaseToken string `json:"purchaseToken"`
	ExpiresAt     int64  `json:"expiresAt"`
}

// StartPurchase mints a purchase token for a winner. The token expiry
// is bounded by the overall purchase window, so a late starter gets the
// remaining window, not a fresh one.
func (s *Service) StartPurchase(dropID, userID string) (*PurchaseGrant, error) {
	unlock := s.locks.Lock(dropID)
	defer unlock()

	st, err := s.mustLoad(dropID)
	if err != nil {
		return nil, err
	}
	if st.Phase != PhasePurchase {
		return nil, Errorf(409, "drop %s is in phase %s, not purchase", dropID, st.Phase)
	}
	if !contains(st.Winners, userID) {
		return nil, Errorf(403, "user %s is not a winner", userID)
	}
	if st.Inventory <= 0 {
		return nil, Errorf(410, "inventory depleted")
	}

	now := time.Now()
	expiresAt := now.UnixMilli() + st.PurchaseWindowSecs*1000
	if st.PurchaseEnd > 0 && st.PurchaseEnd < expiresAt {
		expiresAt = st.PurchaseEnd
	}
	token, err := ptoken.Mint(s.tokenKey, dropID, userID, time.UnixMilli(expiresAt))
	if err != nil {
		return nil, err
	}
	if err := s.parts.SetToken(dropID, userID, token, expiresAt); err != nil {
		return nil, err
	}
	if err := s.sched.Schedule(time.UnixMilli(expiresAt), dropID, OpCheckWinnerExpiry, userID); err != nil {
		return nil, err
	}
	return &PurchaseGrant{PurchaseToken: token, ExpiresAt: expiresAt}, nil
}

// PurchaseResult is the completePurchase response.
type PurchaseResult struct {
	Inventory int64  `json:"inventory"`
	Phase     string `json:"phase"`
}

// CompletePurchase redeems a purchase token. Token verification and the
// single-use guarantee live in the participant record; the drop only
// moves inventory on success.
func (s *Service) CompletePurchase(dropID, userID, token string) (*PurchaseResult, error) {
	unlock := s.locks.Lock(dropID)
	defer unlock()

	st, err := s.mustLoad(dropID)
	if err != nil {
		return nil, err
	}
	if st.Phase != PhasePurchase {
		return nil, Errorf(409, "drop %s is in phase %s, not purchase", dropID, st.Phase)
	}
	if st.Inventory <= 0 {
		return nil, Errorf(410, "inventory depleted")
	}

	if err := s.parts.CompletePurchase(dropID, userID, token, time.Now()); err != nil {
		return nil, purchaseError(err)
	}

	st.Inventory--
	if st.Inventory == 0 {
		st.Phase = PhaseCompleted
	}
	if err := s.saveState(st); err != nil {
		return nil, err
	}
	if st.Phase == PhaseCompleted {
		if err := s.store.Delete(kvstore.BucketDropsIndex, dropID); err != nil {
			log.Warnf("delete index for %s: %v", dropID, err)
		}
		log.Infof("drop %s sold out", dropID)
	}
	s.publish(st)
	return &PurchaseResult{Inventory: st.Inventory, Phase: st.Phase}, nil
}

// purchaseError maps participant and token failures onto terminal
// codes.
func purchaseError(err error) error {
	switch {
	case errors.Is(err, ptoken.ErrMalformed):
		return Errorf(400, "invalid purchase token format")
	case errors.Is(err, ptoken.ErrBadSignature):
		return Errorf(403, "purchase token signature mismatch")
	case errors.Is(err, participant.ErrNotWinner):
		return Errorf(403, "user is not a winner")
	case errors.Is(err, participant.ErrTokenMismatch):
		return Errorf(403, "purchase token does not match")
	case errors.Is(err, participant.ErrTokenConsumed):
		return Errorf(409, "purchase token already used")
	case errors.Is(err, participant.ErrTokenExpired), errors.Is(err, ptoken.ErrExpired):
		return Errorf(410, "purchase token expired")
	}
	return err
}

// ExpiryResult is the checkWinnerExpiry response.
type ExpiryResult struct {
	Expired  bool   `json:"expired"`
	Promoted string `json:"promoted,omitempty"`
}

// CheckWinnerExpiry fires when a winner's token expires. A winner who
// never purchased moves to the expired list and the head backup, if
// any, is promoted into their slot.
func (s *Service) CheckWinnerExpiry(dropID, userID string) (*ExpiryResult, error) {
	unlock := s.locks.Lock(dropID)
	defer unlock()

	st, err := s.mustLoad(dropID)
	if err != nil {
		return nil, err
	}
	if st.Phase != PhasePurchase || !contains(st.Winners, userID) {
		return &ExpiryResult{}, nil
	}
	status, err := s.parts.Status(dropID, userID)
	if err != nil {
		return nil, err
	}
	if status == participant.StatusPurchased {
		return &ExpiryResult{}, nil
	}

	st.Winners = remove(st.Winners, userID)
	st.ExpiredWinners = append(st.ExpiredWinners, userID)
	if err := s.parts.NotifyExpiry(dropID, userID); err != nil {
		log.Warnf("notify expiry %s/%s: %v", dropID, userID, err)
	}

	res := &ExpiryResult{Expired: true}
	promoted, err := s.promoteHead(st)
	if err != nil {
		return nil, err
	}
	res.Promoted = promoted

	if err := s.saveState(st); err != nil {
		return nil, err
	}
	s.publish(st)
	if promoted != "" {
		// The promoted backup gets their own purchase flow.
		if err := s.sched.Schedule(time.Now(), dropID, OpStartPurchase, promoted); err != nil {
			return nil, err
		}
		log.Infof("drop %s: winner %s expired, promoted %s", dropID, userID, promoted)
	}
	return res, nil
}

// PromoteBackup promotes the head backup winner (administrative).
func (s *Service) PromoteBackup(dropID string) (string, error) {
	unlock := s.locks.Lock(dropID)
	defer unlock()

	st, err := s.mustLoad(dropID)
	if err != nil {
		return "", err
	}
	if st.Phase != PhasePurchase {
		return "", Errorf(409, "drop %s is in phase %s, not purchase", dropID, st.Phase)
	}
	promoted, err := s.promoteHead(st)
	if err != nil {
		return "", err
	}
	if promoted == "" {
		return "", Errorf(409, "no backup available to promote")
	}
	if err := s.saveState(st); err != nil {
		return "", err
	}
	s.publish(st)
	if err := s.sched.Schedule(time.Now(), dropID, OpStartPurchase, promoted); err != nil {
		return "", err
	}
	return promoted, nil
}

// promoteHead pops the head backup into the winners list and notifies
// them. Callers persist the state. Empty string means nothing promoted.
func (s *Service) promoteHead(st *dropState) (string, error) {
	if len(st.BackupWinners) == 0 || st.Inventory <= 0 {
		return "", nil
	}
	promoted := st.BackupWinners[0]
	st.BackupWinners = append([]string(nil), st.BackupWinners[1:]...)
	st.Winners = append(st.Winners, promoted)
	if err := s.parts.NotifyPromotion(st.DropID, promoted); err != nil {
		log.Warnf("notify promotion %s/%s: %v", st.DropID, promoted, err)
	}
	return promoted, nil
}

// ClosePurchaseWindow ends the purchase phase. Safe under redundant
// delivery; outside the purchase phase it reports the current phase.
func (s *Service) ClosePurchaseWindow(dropID string) (string, error) {
	unlock := s.locks.Lock(dropID)
	defer unlock()

	st, err := s.mustLoad(dropID)
	if err != nil {
		return "", err
	}
	if st.Phase != PhasePurchase {
		return st.Phase, nil
	}
	st.Phase = PhaseCompleted
	if err := s.saveState(st); err != nil {
		return "", err
	}
	if err := s.store.Delete(kvstore.BucketDropsIndex, dropID); err != nil {
		log.Warnf("delete index for %s: %v", dropID, err)
	}
	s.publish(st)
	log.Infof("drop %s purchase window closed", dropID)
	return st.Phase, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package participant owns the per-(drop, user) registration record:
// lottery outcome, purchase token custody, and the single-use purchase
// guarantee. One logical actor per (dropId, userId), serialized per key.
package participant

import (
	"errors"
	"fmt"
	"time"

	"github.com/10thfloor/dropcoord/kvstore"
	"github.com/10thfloor/dropcoord/ptoken"
)

// Participant statuses. Transitions are monotonic along the lifecycle;
// purchased is terminal.
const (
	StatusNone       = "none"
	StatusRegistered = "registered"
	StatusWinner     = "winner"
	StatusBackup     = "backup"
	StatusLoser      = "loser"
	StatusPurchased  = "purchased"
	StatusExpired    = "expired"
)

var (
	// ErrNotWinner rejects purchase completion for anyone not currently
	// holding winner status.
	ErrNotWinner = errors.New("participant is not a winner")
	// ErrTokenMismatch rejects a token that differs from the one issued.
	ErrTokenMismatch = errors.New("purchase token does not match issued token")
	// ErrTokenConsumed rejects replay of an already-used token.
	ErrTokenConsumed = errors.New("purchase token already used")
	// ErrTokenExpired rejects a token past its purchase deadline.
	ErrTokenExpired = errors.New("purchase token expired")
)

// State is the persisted participant record.
type State struct {
	DropID            string  `json:"dropId"`
	UserID            string  `json:"userId"`
	Email             string  `json:"email,omitempty"`
	Status            string  `json:"status"`
	Tickets           int64   `json:"tickets"`
	EffectiveTickets  int64   `json:"effectiveTickets"`
	RolloverUsed      int64   `json:"rolloverUsed"`
	PaidEntries       int64   `json:"paidEntries"`
	LoyaltyTier       string  `json:"loyaltyTier,omitempty"`
	LoyaltyMultiplier float64 `json:"loyaltyMultiplier,omitempty"`
	QueuePosition     int64   `json:"queuePosition,omitempty"`
	WinnerPosition    int     `json:"winnerPosition,omitempty"`
	BackupPosition    int     `json:"backupPosition,omitempty"`
	TotalBackups      int     `json:"totalBackups,omitempty"`
	PurchaseToken     string  `json:"purchaseToken,omitempty"`
	TokenConsumed     bool    `json:"tokenConsumed,omitempty"`
	ExpiresAt         int64   `json:"expiresAt,omitempty"`
	Promoted          bool    `json:"promoted,omitempty"`
	UpdatedAt         int64   `json:"updatedAt"`
}

// PublicState is the projection returned to callers. The raw purchase
// token never leaves through a state read.
type PublicState struct {
	DropID            string  `json:"dropId"`
	UserID            string  `json:"userId"`
	Status            string  `json:"status"`
	Tickets           int64   `json:"tickets"`
	EffectiveTickets  int64   `json:"effectiveTickets"`
	RolloverUsed      int64   `json:"rolloverUsed"`
	PaidEntries       int64   `json:"paidEntries"`
	LoyaltyTier       string  `json:"loyaltyTier,omitempty"`
	LoyaltyMultiplier float64 `json:"loyaltyMultiplier,omitempty"`
	QueuePosition     int64   `json:"queuePosition,omitempty"`
	WinnerPosition    int     `json:"winnerPosition,omitempty"`
	BackupPosition    int     `json:"backupPosition,omitempty"`
	TotalBackups      int     `json:"totalBackups,omitempty"`
	TokenIssued       bool    `json:"tokenIssued"`
	ExpiresAt         int64   `json:"expiresAt,omitempty"`
	Promoted          bool    `json:"promoted,omitempty"`
}

// Mailer delivers email notifications for lifecycle changes. Optional;
// a nil mailer means no outbound mail.
type Mailer interface {
	WinnerNotification(email, dropID string) error
	PromotionNotification(email, dropID string) error
	ExpiryNotification(email, dropID string) error
}

// Service manages participant records.
type Service struct {
	store    *kvstore.Store
	locks    *kvstore.KeyMutex
	tokenKey []byte
	mailer   Mailer
}

// NewService returns a participant service. tokenKey is the purchase
// token HMAC key shared with the drop.
func NewService(store *kvstore.Store, tokenKey []byte) *Service {
	return &Service{store: store, locks: kvstore.NewKeyMutex(), tokenKey: tokenKey}
}

// UseMailer enables outbound mail for participants that registered an
// email address. Must be called before the service handles traffic.
func (s *Service) UseMailer(m Mailer) {
	s.mailer = m
}

// mail delivers one notification off the mutation path.
func (s *Service) mail(send func() error) {
	if s.mailer == nil {
		return
	}
	go func() {
		if err := send(); err != nil {
			log.Warnf("notification mail: %v", err)
		}
	}()
}

func stateKey(dropID, userID string) string {
	return dropID + "/" + userID
}

// Registration carries the registration snapshot written by the drop.
type Registration struct {
	Position          int64
	Email             string
	Tickets           int64
	EffectiveTickets  int64
	RolloverUsed      int64
	PaidEntries       int64
	LoyaltyTier       string
	LoyaltyMultiplier float64
}

// SetRegistered records the registration outcome for (dropID, userID).
func (s *Service) SetRegistered(dropID, userID string, reg Registration) error {
	return s.mutate(dropID, userID, func(st *State) error {
		if st.Status != StatusNone {
			return fmt.Errorf("participant %s/%s already %s", dropID, userID, st.Status)
		}
		st.Status = StatusRegistered
		st.Email = reg.Email
		st.Tickets = reg.Tickets
		st.EffectiveTickets = reg.EffectiveTickets
		st.RolloverUsed = reg.RolloverUsed
		st.PaidEntries = reg.PaidEntries
		st.LoyaltyTier = reg.LoyaltyTier
		st.LoyaltyMultiplier = reg.LoyaltyMultiplier
		st.QueuePosition = reg.Position
		return nil
	})
}

// NotifyResult marks the participant a winner (with position) or loser.
func (s *Service) NotifyResult(dropID, userID string, isWinner bool, position int) error {
	var email string
	err := s.mutate(dropID, userID, func(st *State) error {
		if st.Status == StatusPurchased {
			return nil
		}
		if isWinner {
			st.Status = StatusWinner
			st.WinnerPosition = position
			email = st.Email
		} else {
			st.Status = StatusLoser
		}
		return nil
	})
	if err == nil && email != "" {
		s.mail(func() error { return s.mailer.WinnerNotification(email, dropID) })
	}
	return err
}

// NotifyBackup marks the participant a backup winner.
func (s *Service) NotifyBackup(dropID, userID string, backupPosition, totalBackups int) error {
	return s.mutate(dropID, userID, func(st *State) error {
		st.Status = StatusBackup
		st.BackupPosition = backupPosition
		st.TotalBackups = totalBackups
		return nil
	})
}

// NotifyPromotion promotes a backup to winner.
func (s *Service) NotifyPromotion(dropID, userID string) error {
	var email string
	err := s.mutate(dropID, userID, func(st *State) error {
		if st.Status == StatusPurchased {
			return nil
		}
		st.Status = StatusWinner
		st.Promoted = true
		email = st.Email
		return nil
	})
	if err == nil && email != "" {
		s.mail(func() error { return s.mailer.PromotionNotification(email, dropID) })
	}
	return err
}

// NotifyExpiry marks a winner expired after their purchase window
// lapsed. Purchased participants are left alone.
func (s *Service) NotifyExpiry(dropID, userID string) error {
	var email string
	err := s.mutate(dropID, userID, func(st *State) error {
		if st.Status == StatusPurchased {
			return nil
		}
		st.Status = StatusExpired
		email = st.Email
		return nil
	})
	if err == nil && email != "" {
		s.mail(func() error { return s.mailer.ExpiryNotification(email, dropID) })
	}
	return err
}

// SetToken records a freshly minted purchase token and its expiry.
func (s *Service) SetToken(dropID, userID, token string, expiresAt int64) error {
	return s.mutate(dropID, userID, func(st *State) error {
		st.PurchaseToken = token
		st.TokenConsumed = false
		st.ExpiresAt = expiresAt
		return nil
	})
}

// CompletePurchase verifies the presented token and atomically marks
// the participant purchased. Exactly one concurrent caller can succeed;
// the rest see ErrTokenConsumed.
func (s *Service) CompletePurchase(dropID, userID, token string, now time.Time) error {
	return s.mutate(dropID, userID, func(st *State) error {
		if st.Status == StatusPurchased {
			return ErrTokenConsumed
		}
		if st.Status != StatusWinner {
			return ErrNotWinner
		}
		if st.PurchaseToken == "" || st.PurchaseToken != token {
			return ErrTokenMismatch
		}
		if st.TokenConsumed {
			return ErrTokenConsumed
		}
		if st.ExpiresAt > 0 && now.UnixMilli() >= st.ExpiresAt {
			return ErrTokenExpired
		}
		if err := ptoken.Verify(s.tokenKey, dropID, userID, token, now); err != nil {
			return err
		}
		st.Status = StatusPurchased
		st.TokenConsumed = true
		return nil
	})
}

// Status returns just the participant's current status, StatusNone when
// no record exists.
func (s *Service) Status(dropID, userID string) (string, error) {
	st, err := s.load(dropID, userID)
	if err != nil {
		return "", err
	}
	return st.Status, nil
}

// GetState returns the public projection.
func (s *Service) GetState(dropID, userID string) (*PublicState, error) {
	st, err := s.load(dropID, userID)
	if err != nil {
		return nil, err
	}
	return &PublicState{
		DropID:            st.DropID,
		UserID:            st.UserID,
		Status:            st.Status,
		Tickets:           st.Tickets,
		EffectiveTickets:  st.EffectiveTickets,
		RolloverUsed:      st.RolloverUsed,
		PaidEntries:       st.PaidEntries,
		LoyaltyTier:       st.LoyaltyTier,
		LoyaltyMultiplier: st.LoyaltyMultiplier,
		QueuePosition:     st.QueuePosition,
		WinnerPosition:    st.WinnerPosition,
		BackupPosition:    st.BackupPosition,
		TotalBackups:      st.TotalBackups,
		TokenIssued:       st.PurchaseToken != "",
		ExpiresAt:         st.ExpiresAt,
		Promoted:          st.Promoted,
	}, nil
}

func (s *Service) load(dropID, userID string) (*State, error) {
	st := &State{DropID: dropID, UserID: userID, Status: StatusNone}
	if _, err := s.store.Get(kvstore.BucketParticipants, stateKey(dropID, userID), st); err != nil {
		return nil, err
	}
	return st, nil
}

// mutate runs fn over the record under the per-key lock and persists
// the result when fn succeeds.
func (s *Service) mutate(dropID, userID string, fn func(*State) error) error {
	key := stateKey(dropID, userID)
	unlock := s.locks.Lock(key)
	defer unlock()

	st := &State{DropID: dropID, UserID: userID, Status: StatusNone}
	if _, err := s.store.Get(kvstore.BucketParticipants, key, st); err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	st.DropID = dropID
	st.UserID = userID
	st.UpdatedAt = time.Now().UnixMilli()
	return s.store.Put(kvstore.BucketParticipants, key, st)
}

// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package drop implements the authoritative per-drop state machine:
// registration, the committed weighted lottery, purchase windows, and
// backup promotion. One logical actor per drop id; every handler runs
// under the drop's key lock and persists before publishing.
package drop

import (
	"math"
	"time"

	"github.com/10thfloor/dropcoord/geo"
	"github.com/10thfloor/dropcoord/kvstore"
	"github.com/10thfloor/dropcoord/lottery"
	"github.com/10thfloor/dropcoord/participant"
	"github.com/10thfloor/dropcoord/userstate"
)

// Drop phases. The graph is linear: registration, lottery, purchase,
// completed. Completed drops never mutate again.
const (
	PhaseRegistration = "registration"
	PhaseLottery      = "lottery"
	PhasePurchase     = "purchase"
	PhaseCompleted    = "completed"
)

// Scheduled operation names dispatched back into the drop.
const (
	OpRunLottery          = "runLottery"
	OpStartPurchase       = "startPurchase"
	OpCheckWinnerExpiry   = "checkWinnerExpiry"
	OpClosePurchaseWindow = "closePurchaseWindow"
)

// Configuration defaults and bounds.
const (
	DefaultMaxTicketsPerUser = 10
	DefaultBackupMultiplier  = 2.0
	DefaultTicketPriceUnit   = 1
	DefaultMinGeoRadius      = 100.0    // meters
	DefaultMaxGeoRadius      = 100000.0 // meters

	MinPurchaseWindowSecs = 60
	MaxPurchaseWindowSecs = 86400
	MaxTicketsCeiling     = 100
)

// Scheduler registers a durable delayed self-send. Delivery is
// at-least-once; the drop handlers absorb repeats.
type Scheduler interface {
	Schedule(at time.Time, dropID, op, userID string) error
}

// Publisher fans a drop state event out to subscribers.
type Publisher interface {
	PublishDrop(dropID string, ev Event)
}

// Event is the published drop state change.
type Event struct {
	Type              string `json:"type"`
	DropID            string `json:"dropId"`
	Phase             string `json:"phase"`
	ParticipantCount  int    `json:"participantCount"`
	TotalTickets      int64  `json:"totalTickets"`
	Inventory         int64  `json:"inventory"`
	InitialInventory  int64  `json:"initialInventory"`
	RegistrationEnd   int64  `json:"registrationEnd"`
	PurchaseEnd       int64  `json:"purchaseEnd,omitempty"`
	ServerTime        int64  `json:"serverTime"`
	LotteryCommitment string `json:"lotteryCommitment"`
}

// Config is the immutable drop configuration supplied at initialize.
type Config struct {
	DropID             string     `json:"dropId"`
	Inventory          int64      `json:"inventory"`
	RegistrationStart  int64      `json:"registrationStart"` // unix ms
	RegistrationEnd    int64      `json:"registrationEnd"`   // unix ms
	PurchaseWindowSecs int64      `json:"purchaseWindow"`
	TicketPriceUnit    int64      `json:"ticketPriceUnit,omitempty"`
	MaxTicketsPerUser  int64      `json:"maxTicketsPerUser,omitempty"`
	BackupMultiplier   float64    `json:"backupMultiplier,omitempty"`
	GeoFence           *geo.Fence `json:"geoFence,omitempty"`
}

// dropState is the persisted actor state.
type dropState struct {
	Config

	Phase                  string             `json:"phase"`
	Inventory              int64              `json:"inventoryRemaining"`
	InitialInventory       int64              `json:"initialInventory"`
	ParticipantTickets     map[string]int64   `json:"participantTickets"`
	ParticipantMultipliers map[string]float64 `json:"participantMultipliers"`
	Winners                []string           `json:"winners"`
	BackupWinners          []string           `json:"backupWinners"`
	ExpiredWinners         []string           `json:"expiredWinners"`
	LotterySecret          string             `json:"lotterySecret"`
	LotteryCommitment      string             `json:"lotteryCommitment"`
	Proof                  *lottery.Proof     `json:"lotteryProof,omitempty"`
	PurchaseEnd            int64              `json:"purchaseEnd,omitempty"`
	CreatedAt              int64              `json:"createdAt"`
	UpdatedAt              int64              `json:"updatedAt"`
}

// IndexEntry is the drops index record used by listings.
type IndexEntry struct {
	DropID            string `json:"dropId"`
	CreatedAt         int64  `json:"createdAt"`
	RegistrationStart int64  `json:"registrationStart"`
	RegistrationEnd   int64  `json:"registrationEnd"`
	PurchaseWindow    int64  `json:"purchaseWindow"`
}

// Service hosts all drop actors.
type Service struct {
	store    *kvstore.Store
	locks    *kvstore.KeyMutex
	parts    *participant.Service
	rollover *userstate.Rollover
	loyalty  *userstate.Loyalty
	sched    Scheduler
	pub      Publisher
	tokenKey []byte

	minGeoRadius float64
	maxGeoRadius float64
}

// NewService wires the drop service to its collaborators. tokenKey is
// the purchase token HMAC key, shared with the participant service.
func NewService(store *kvstore.Store, parts *participant.Service,
	rollover *userstate.Rollover, loyalty *userstate.Loyalty,
	sched Scheduler, pub Publisher, tokenKey []byte) *Service {

	return &Service{
		store:        store,
		locks:        kvstore.NewKeyMutex(),
		parts:        parts,
		rollover:     rollover,
		loyalty:      loyalty,
		sched:        sched,
		pub:          pub,
		tokenKey:     tokenKey,
		minGeoRadius: DefaultMinGeoRadius,
		maxGeoRadius: DefaultMaxGeoRadius,
	}
}

// InitResult is the initialize response.
type InitResult struct {
	DropID     string `json:"dropId"`
	Commitment string `json:"commitment"`
}

// Initialize creates the drop in the registration phase, or returns the
// existing commitment when it already exists. The lottery secret is
// generated here and never leaves the record until the draw reveals it.
func (s *Service) Initialize(cfg Config) (*InitResult, error) {
	if cfg.DropID == "" {
		return nil, Errorf(400, "dropId is required")
	}
	unlock := s.locks.Lock(cfg.DropID)
	defer unlock()

	existing, err := s.loadState(cfg.DropID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &InitResult{DropID: cfg.DropID, Commitment: existing.LotteryCommitment}, nil
	}

	if cfg.Inventory <= 0 {
		return nil, Errorf(400, "inventory must be positive")
	}
	if cfg.RegistrationEnd <= cfg.RegistrationStart {
		return nil, Errorf(400, "registration window is empty")
	}
	if cfg.PurchaseWindowSecs < MinPurchaseWindowSecs || cfg.PurchaseWindowSecs > MaxPurchaseWindowSecs {
		return nil, Errorf(400, "purchase window %d out of range [%d, %d]",
			cfg.PurchaseWindowSecs, MinPurchaseWindowSecs, MaxPurchaseWindowSecs)
	}
	if cfg.GeoFence != nil {
		if err := cfg.GeoFence.Validate(s.minGeoRadius, s.maxGeoRadius); err != nil {
			return nil, Errorf(400, "invalid geo fence: %v", err)
		}
	}
	if cfg.MaxTicketsPerUser == 0 {
		cfg.MaxTicketsPerUser = DefaultMaxTicketsPerUser
	}
	if cfg.MaxTicketsPerUser < 1 || cfg.MaxTicketsPerUser > MaxTicketsCeiling {
		return nil, Errorf(400, "maxTicketsPerUser %d out of range [1, %d]",
			cfg.MaxTicketsPerUser, MaxTicketsCeiling)
	}
	if cfg.BackupMultiplier <= 0 {
		cfg.BackupMultiplier = DefaultBackupMultiplier
	}
	if cfg.TicketPriceUnit <= 0 {
		cfg.TicketPriceUnit = DefaultTicketPriceUnit
	}

	secret, err := lottery.NewSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	st := &dropState{
		Config:                 cfg,
		Phase:                  PhaseRegistration,
		Inventory:              cfg.Inventory,
		InitialInventory:       cfg.Inventory,
		ParticipantTickets:     make(map[string]int64),
		ParticipantMultipliers: make(map[string]float64),
		LotterySecret:          secret,
		LotteryCommitment:      lottery.Commitment(secret),
		CreatedAt:              now.UnixMilli(),
	}
	if err := s.saveState(st); err != nil {
		return nil, err
	}
	if err := s.store.Put(kvstore.BucketDropsIndex, cfg.DropID, &IndexEntry{
		DropID:            cfg.DropID,
		CreatedAt:         st.CreatedAt,
		RegistrationStart: cfg.RegistrationStart,
		RegistrationEnd:   cfg.RegistrationEnd,
		PurchaseWindow:    cfg.PurchaseWindowSecs,
	}); err != nil {
		return nil, err
	}
	s.publish(st)

	// The lottery fires itself when registration closes. Scheduled
	// after the state is durable so a crash cannot fire a timer for a
	// drop that was never written.
	delay := time.Duration(cfg.RegistrationEnd-now.UnixMilli()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	if err := s.sched.Schedule(now.Add(delay), cfg.DropID, OpRunLottery, ""); err != nil {
		return nil, err
	}

	log.Infof("drop %s initialized, inventory %d, registration closes %s",
		cfg.DropID, cfg.Inventory, time.UnixMilli(cfg.RegistrationEnd).UTC().Format(time.RFC3339))
	return &InitResult{DropID: cfg.DropID, Commitment: st.LotteryCommitment}, nil
}

// RegisterRequest is one user's registration.
type RegisterRequest struct {
	UserID   string     `json:"userId"`
	Email    string     `json:"email,omitempty"`
	Tickets  int64      `json:"tickets"`
	Location *geo.Point `json:"location,omitempty"`
}

// RegisterResult reports the allocation the user received.
type RegisterResult struct {
	ParticipantCount  int     `json:"participantCount"`
	TotalTickets      int64   `json:"totalTickets"`
	UserTickets       int64   `json:"userTickets"`
	EffectiveTickets  int64   `json:"effectiveTickets"`
	Position          int     `json:"position"`
	RolloverUsed      int64   `json:"rolloverUsed"`
	PaidEntries       int64   `json:"paidEntries"`
	LoyaltyTier       string  `json:"loyaltyTier"`
	LoyaltyMultiplier float64 `json:"loyaltyMultiplier"`
	GeoBonus          float64 `json:"geoBonus"`
	InGeoZone         bool    `json:"inGeoZone"`
}

// Register enters a user into the drop. The rollover balance covers
// entries first, then one free entry, then paid entries; the effective
// ticket weight applies the loyalty and geo multipliers.
func (s *Service) Register(dropID string, req RegisterRequest) (*RegisterResult, error) {
	if req.UserID == "" {
		return nil, Errorf(400, "userId is required")
	}
	unlock := s.locks.Lock(dropID)
	defer unlock()

	st, err := s.mustLoad(dropID)
	if err != nil {
		return nil, err
	}
	if st.Phase != PhaseRegistration {
		return nil, Errorf(409, "drop %s is in phase %s, not registration", dropID, st.Phase)
	}
	now := time.Now().UnixMilli()
	if now < st.RegistrationStart {
		return nil, Errorf(409, "registration has not opened yet")
	}
	if now >= st.RegistrationEnd {
		return nil, Errorf(409, "registration window closed")
	}
	if _, ok := st.ParticipantTickets[req.UserID]; ok {
		return nil, Errorf(409, "user %s already registered", req.UserID)
	}

	geoBonus := 1.0
	inZone := false
	if st.GeoFence != nil {
		switch st.GeoFence.Mode {
		case geo.ModeExclusive:
			if req.Location == nil {
				return nil, Errorf(400, "location is required for this drop")
			}
			if !st.GeoFence.Contains(*req.Location) {
				return nil, Errorf(403, "location is outside the drop zone")
			}
			inZone = true
		case geo.ModeBonus:
			if req.Location != nil && st.GeoFence.Contains(*req.Location) {
				inZone = true
				geoBonus = st.GeoFence.BonusMultiplier
				if geoBonus <= 0 {
					geoBonus = 1.0
				}
			}
		}
	}

	desired := req.Tickets
	if desired < 1 {
		desired = 1
	}
	if desired > st.MaxTicketsPerUser {
		desired = st.MaxTicketsPerUser
	}

	// Read the loyalty tier before touching the rollover balance so a
	// loyalty failure cannot strand a consumed balance.
	tier, loyaltyMult, err := s.loyalty.Multiplier(req.UserID)
	if err != nil {
		return nil, err
	}

	rolloverUsed, _, err := s.rollover.Consume(req.UserID, desired)
	if err != nil {
		return nil, err
	}
	var freeEntry int64
	if rolloverUsed < desired {
		freeEntry = 1
	}
	paidEntries := desired - rolloverUsed - freeEntry
	if paidEntries < 0 {
		paidEntries = 0
	}
	actualTickets := rolloverUsed + freeEntry + paidEntries

	combined := loyaltyMult * geoBonus
	effective := int64(math.Floor(float64(actualTickets) * combined))

	st.ParticipantTickets[req.UserID] = actualTickets
	st.ParticipantMultipliers[req.UserID] = combined
	if err := s.saveState(st); err != nil {
		// The registration did not land; give the balance back. The
		// credit cannot exceed the cap since it was just debited.
		if rolloverUsed > 0 {
			if _, _, rerr := s.rollover.Add(req.UserID, rolloverUsed); rerr != nil {
				log.Errorf("recredit %d rollover for %s/%s: %v",
					rolloverUsed, dropID, req.UserID, rerr)
			}
		}
		return nil, err
	}

	position := len(st.ParticipantTickets)
	if err := s.parts.SetRegistered(dropID, req.UserID, participant.Registration{
		Position:          int64(position),
		Email:             req.Email,
		Tickets:           actualTickets,
		EffectiveTickets:  effective,
		RolloverUsed:      rolloverUsed,
		PaidEntries:       paidEntries,
		LoyaltyTier:       tier,
		LoyaltyMultiplier: loyaltyMult,
	}); err != nil {
		// The drop state is authoritative; a stale participant record
		// heals on the next notification.
		log.Warnf("set registered %s/%s: %v", dropID, req.UserID, err)
	}
	s.publish(st)

	return &RegisterResult{
		ParticipantCount:  len(st.ParticipantTickets),
		TotalTickets:      st.totalTickets(),
		UserTickets:       actualTickets,
		EffectiveTickets:  effective,
		Position:          position,
		RolloverUsed:      rolloverUsed,
		PaidEntries:       paidEntries,
		LoyaltyTier:       tier,
		LoyaltyMultiplier: loyaltyMult,
		GeoBonus:          geoBonus,
		InGeoZone:         inZone,
	}, nil
}

// LotteryResult summarizes a completed draw.
type LotteryResult struct {
	ParticipantCount int      `json:"participantCount"`
	Winners          []string `json:"winners"`
	BackupWinners    []string `json:"backupWinners"`
	PurchaseEnd      int64    `json:"purchaseEnd"`
}

// RunLottery draws winners and opens the purchase window. Redundant
// deliveries of the scheduled send return the already-computed result.
func (s *Service) RunLottery(dropID string) (*LotteryResult, error) {
	unlock := s.locks.Lock(dropID)
	defer unlock()

	st, err := s.mustLoad(dropID)
	if err != nil {
		return nil, err
	}
	if st.Phase != PhaseRegistration {
		if st.Proof == nil {
			return nil, Errorf(409, "drop %s is in phase %s with no lottery result", dropID, st.Phase)
		}
		return &LotteryResult{
			ParticipantCount: st.Proof.ParticipantCount,
			Winners:          st.Proof.Winners,
			BackupWinners:    st.Proof.BackupWinners,
			PurchaseEnd:      st.PurchaseEnd,
		}, nil
	}
	if st.LotterySecret == "" {
		return nil, Errorf(500, "drop %s has no lottery secret", dropID)
	}

	st.Phase = PhaseLottery
	count := len(st.ParticipantTickets)
	primary := int(st.Inventory)
	if count < primary {
		primary = count
	}
	total := int(math.Ceil(float64(primary) * st.BackupMultiplier))
	if total > count {
		total = count
	}

	now := time.Now()
	proof, err := lottery.Run(st.LotterySecret, s.effectiveTickets(st), primary, total, now.UnixMilli())
	if err != nil {
		return nil, err
	}

	st.Proof = proof
	st.Winners = append([]string(nil), proof.Winners...)
	st.BackupWinners = append([]string(nil), proof.BackupWinners...)
	st.PurchaseEnd = now.UnixMilli() + st.PurchaseWindowSecs*1000
	st.Phase = PhasePurchase
	if err := s.saveState(st); err != nil {
		return nil, err
	}

	// Outcome fan-out. Failures log and move on; participant records
	// converge on the next touch.
	selected := make(map[string]bool, total)
	for i, userID := range proof.Winners {
		selected[userID] = true
		if err := s.parts.NotifyResult(dropID, userID, true, i+1); err != nil {
			log.Warnf("notify winner %s/%s: %v", dropID, userID, err)
		}
	}
	for i, userID := range proof.BackupWinners {
		selected[userID] = true
		if err := s.parts.NotifyBackup(dropID, userID, i+1, len(proof.BackupWinners)); err != nil {
			log.Warnf("notify backup %s/%s: %v", dropID, userID, err)
		}
	}
	for _, e := range lottery.CanonicalEntries(s.effectiveTickets(st)) {
		if selected[e.UserID] {
			continue
		}
		if err := s.parts.NotifyResult(dropID, e.UserID, false, 0); err != nil {
			log.Warnf("notify loser %s/%s: %v", dropID, e.UserID, err)
		}
		s.creditLoser(dropID, e.UserID)
	}
	for userID := range st.ParticipantTickets {
		if err := s.loyalty.RecordParticipation(userID, dropID); err != nil {
			log.Warnf("record participation %s/%s: %v", dropID, userID, err)
		}
	}

	s.publish(st)
	if err := s.sched.Schedule(time.UnixMilli(st.PurchaseEnd), dropID, OpClosePurchaseWindow, ""); err != nil {
		return nil, err
	}

	log.Infof("drop %s lottery: %d participants, %d winners, %d backups",
		dropID, count, len(proof.Winners), len(proof.BackupWinners))
	return &LotteryResult{
		ParticipantCount: count,
		Winners:          proof.Winners,
		BackupWinners:    proof.BackupWinners,
		PurchaseEnd:      st.PurchaseEnd,
	}, nil
}

// creditLoser returns a losing user's paid entries to their rollover
// balance. Free and rollover-funded entries do not credit.
func (s *Service) creditLoser(dropID, userID string) {
	st, err := s.parts.GetState(dropID, userID)
	if err != nil {
		log.Warnf("loser state %s/%s: %v", dropID, userID, err)
		return
	}
	if st.PaidEntries <= 0 {
		return
	}
	if _, capped, err := s.rollover.Add(userID, st.PaidEntries); err != nil {
		log.Warnf("credit rollover %s/%s: %v", dropID, userID, err)
	} else if capped {
		log.Debugf("rollover credit for %s capped", userID)
	}
}

func (st *dropState) totalTickets() int64 {
	var total int64
	for _, n := range st.ParticipantTickets {
		total += n
	}
	return total
}

// effectiveTickets derives the weighted entries the lottery draws over.
func (s *Service) effectiveTickets(st *dropState) map[string]int64 {
	out := make(map[string]int64, len(st.ParticipantTickets))
	for userID, tickets := range st.ParticipantTickets {
		mult := st.ParticipantMultipliers[userID]
		if mult <= 0 {
			mult = 1.0
		}
		out[userID] = int64(math.Floor(float64(tickets) * mult))
	}
	return out
}

func (s *Service) loadState(dropID string) (*dropState, error) {
	var st dropState
	found, err := s.store.Get(kvstore.BucketDrops, dropID, &st)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &st, nil
}

func (s *Service) mustLoad(dropID string) (*dropState, error) {
	st, err := s.loadState(dropID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, Errorf(404, "unknown drop %s", dropID)
	}
	return st, nil
}

func (s *Service) saveState(st *dropState) error {
	st.UpdatedAt = time.Now().UnixMilli()
	return s.store.Put(kvstore.BucketDrops, st.DropID, st)
}

func (s *Service) publish(st *dropState) {
	s.pub.PublishDrop(st.DropID, Event{
		Type:              "drop",
		DropID:            st.DropID,
		Phase:             st.Phase,
		ParticipantCount:  len(st.ParticipantTickets),
		TotalTickets:      st.totalTickets(),
		Inventory:         st.Inventory,
		InitialInventory:  st.InitialInventory,
		RegistrationEnd:   st.RegistrationEnd,
		PurchaseEnd:       st.PurchaseEnd,
		ServerTime:        time.Now().UnixMilli(),
		LotteryCommitment: st.LotteryCommitment,
	})
}

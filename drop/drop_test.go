// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package drop

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/10thfloor/dropcoord/geo"
	"github.com/10thfloor/dropcoord/kvstore"
	"github.com/10thfloor/dropcoord/participant"
	"github.com/10thfloor/dropcoord/userstate"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type scheduledOp struct {
	At     time.Time
	DropID string
	Op     string
	UserID string
}

type fakeScheduler struct {
	mu  sync.Mutex
	ops []scheduledOp
}

func (f *fakeScheduler) Schedule(at time.Time, dropID, op, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, scheduledOp{At: at, DropID: dropID, Op: op, UserID: userID})
	return nil
}

func (f *fakeScheduler) find(op string) []scheduledOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []scheduledOp
	for _, o := range f.ops {
		if o.Op == op {
			out = append(out, o)
		}
	}
	return out
}

type fakePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakePublisher) PublishDrop(dropID string, ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

type harness struct {
	svc      *Service
	parts    *participant.Service
	rollover *userstate.Rollover
	sched    *fakeScheduler
	pub      *fakePublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	parts := participant.NewService(store, testKey)
	rollover := userstate.NewRollover(store, 50)
	loyalty := userstate.NewLoyalty(store, userstate.DefaultLoyaltyConfig())
	sched := &fakeScheduler{}
	pub := &fakePublisher{}
	svc := NewService(store, parts, rollover, loyalty, sched, pub, testKey)
	return &harness{svc: svc, parts: parts, rollover: rollover, sched: sched, pub: pub}
}

func openConfig(dropID string, inventory int64) Config {
	now := time.Now().UnixMilli()
	return Config{
		DropID:             dropID,
		Inventory:          inventory,
		RegistrationStart:  now - 1000,
		RegistrationEnd:    now + 60_000,
		PurchaseWindowSecs: 60,
	}
}

// A registration that fails after the rollover debit must leave the
// balance untouched.
func TestRegisterFailureKeepsRolloverBalance(t *testing.T) {
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	// Loyalty lives on its own store so closing it fails the tier read
	// mid-registration without touching the drop or rollover records.
	loyaltyStore, err := kvstore.Open(filepath.Join(t.TempDir(), "loyalty.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	parts := participant.NewService(store, testKey)
	rollover := userstate.NewRollover(store, 50)
	loyalty := userstate.NewLoyalty(loyaltyStore, userstate.DefaultLoyaltyConfig())
	svc := NewService(store, parts, rollover, loyalty, &fakeScheduler{}, &fakePublisher{}, testKey)

	if _, err := svc.Initialize(openConfig("drop-1", 2)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := rollover.SetBalance("alice", 5); err != nil {
		t.Fatalf("SetBalance: %v", err)
	}

	loyaltyStore.Close()
	if _, err := svc.Register("drop-1", RegisterRequest{UserID: "alice", Tickets: 3}); err == nil {
		t.Fatal("Register succeeded with a failing loyalty store")
	}

	bal, err := rollover.Balance("alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal != 5 {
		t.Errorf("rollover balance after failed registration = %d, want 5", bal)
	}

	// The drop is untouched and a later registration still works.
	st, err := svc.GetState("drop-1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.ParticipantCount != 0 {
		t.Errorf("participants after failed registration = %d, want 0", st.ParticipantCount)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	h := newHarness(t)
	cfg := openConfig("drop-1", 2)

	first, err := h.svc.Initialize(cfg)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if first.Commitment == "" {
		t.Fatal("empty commitment")
	}
	for i := 0; i < 3; i++ {
		again, err := h.svc.Initialize(cfg)
		if err != nil {
			t.Fatalf("Initialize #%d: %v", i+2, err)
		}
		if again.Commitment != first.Commitment {
			t.Errorf("commitment changed on repeat initialize")
		}
	}

	if got := len(h.sched.find(OpRunLottery)); got != 1 {
		t.Errorf("%d lottery timers scheduled, want 1", got)
	}
	if list, _ := h.svc.ListDrops(); len(list) != 1 || list[0].DropID != "drop-1" {
		t.Errorf("index = %+v", list)
	}
}

func TestInitializeValidation(t *testing.T) {
	h := newHarness(t)

	cfg := openConfig("drop-1", 2)
	cfg.PurchaseWindowSecs = 10
	if _, err := h.svc.Initialize(cfg); StatusCode(err) != 400 {
		t.Errorf("short purchase window: %v", err)
	}

	cfg = openConfig("drop-2", 2)
	cfg.GeoFence = &geo.Fence{Lat: 37, Lng: -122, RadiusMeters: 5, Mode: geo.ModeExclusive}
	if _, err := h.svc.Initialize(cfg); StatusCode(err) != 400 {
		t.Errorf("tiny geo radius: %v", err)
	}

	cfg = openConfig("drop-3", 0)
	if _, err := h.svc.Initialize(cfg); StatusCode(err) != 400 {
		t.Errorf("zero inventory: %v", err)
	}
}

func TestRegisterAllocation(t *testing.T) {
	h := newHarness(t)
	h.svc.Initialize(openConfig("drop-1", 2))

	// Alice starts with 3 rollover credits and wants 5 tickets.
	h.rollover.SetBalance("alice", 3)
	res, err := h.svc.Register("drop-1", RegisterRequest{UserID: "alice", Tickets: 5})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if res.RolloverUsed != 3 || res.PaidEntries != 1 || res.UserTickets != 5 {
		t.Errorf("allocation = %+v, want rollover 3, paid 1, tickets 5", res)
	}
	// rollover + free + paid covers the request exactly.
	if res.RolloverUsed+1+res.PaidEntries != res.UserTickets {
		t.Errorf("allocation does not sum: %+v", res)
	}
	if bal, _ := h.rollover.Balance("alice"); bal != 0 {
		t.Errorf("rollover balance = %d, want 0", bal)
	}

	// Full coverage by rollover leaves no free entry and no paid.
	h.rollover.SetBalance("bob", 10)
	res, _ = h.svc.Register("drop-1", RegisterRequest{UserID: "bob", Tickets: 4})
	if res.RolloverUsed != 4 || res.PaidEntries != 0 {
		t.Errorf("bob allocation = %+v, want rollover 4, paid 0", res)
	}

	// Requests clamp to the per-user maximum.
	res, _ = h.svc.Register("drop-1", RegisterRequest{UserID: "carol", Tickets: 500})
	if res.UserTickets != DefaultMaxTicketsPerUser {
		t.Errorf("clamped tickets = %d, want %d", res.UserTickets, DefaultMaxTicketsPerUser)
	}
}

func TestRegisterConflicts(t *testing.T) {
	h := newHarness(t)
	h.svc.Initialize(openConfig("drop-1", 2))

	if _, err := h.svc.Register("drop-1", RegisterRequest{UserID: "alice", Tickets: 1}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := h.svc.Register("drop-1", RegisterRequest{UserID: "alice", Tickets: 3}); StatusCode(err) != 409 {
		t.Errorf("re-registration: %v, want 409", err)
	}
	if _, err := h.svc.Register("missing", RegisterRequest{UserID: "alice", Tickets: 1}); StatusCode(err) != 404 {
		t.Errorf("unknown drop: %v, want 404", err)
	}

	cfg := openConfig("drop-closed", 2)
	cfg.RegistrationEnd = cfg.RegistrationStart + 1
	h.svc.Initialize(cfg)
	if _, err := h.svc.Register("drop-closed", RegisterRequest{UserID: "bob", Tickets: 1}); StatusCode(err) != 409 {
		t.Errorf("closed window: %v, want 409", err)
	}
}

func TestRegisterGeoExclusive(t *testing.T) {
	h := newHarness(t)
	cfg := openConfig("drop-1", 2)
	cfg.GeoFence = &geo.Fence{Lat: 37.0, Lng: -122.0, RadiusMeters: 1000, Mode: geo.ModeExclusive}
	h.svc.Initialize(cfg)

	if _, err := h.svc.Register("drop-1", RegisterRequest{UserID: "nowhere", Tickets: 1}); StatusCode(err) != 400 {
		t.Errorf("missing location: %v, want 400", err)
	}
	if _, err := h.svc.Register("drop-1", RegisterRequest{
		UserID: "faraway", Tickets: 1, Location: &geo.Point{Lat: 38, Lng: -122},
	}); StatusCode(err) != 403 {
		t.Errorf("outside fence: %v, want 403", err)
	}
	res, err := h.svc.Register("drop-1", RegisterRequest{
		UserID: "nearby", Tickets: 1, Location: &geo.Point{Lat: 37.001, Lng: -122.0},
	})
	if err != nil {
		t.Fatalf("inside fence: %v", err)
	}
	if !res.InGeoZone {
		t.Error("inside fence not reported in zone")
	}
}

func TestRegisterGeoBonus(t *testing.T) {
	h := newHarness(t)
	cfg := openConfig("drop-1", 2)
	cfg.GeoFence = &geo.Fence{Lat: 37.0, Lng: -122.0, RadiusMeters: 1000, Mode: geo.ModeBonus, BonusMultiplier: 2.0}
	h.svc.Initialize(cfg)

	res, err := h.svc.Register("drop-1", RegisterRequest{
		UserID: "nearby", Tickets: 3, Location: &geo.Point{Lat: 37.001, Lng: -122.0},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if res.GeoBonus != 2.0 || res.EffectiveTickets != 6 {
		t.Errorf("bonus result = %+v, want geoBonus 2.0, effective 6", res)
	}

	// No location is allowed under bonus mode, just no bonus.
	res, _ = h.svc.Register("drop-1", RegisterRequest{UserID: "elsewhere", Tickets: 3})
	if res.GeoBonus != 1.0 || res.EffectiveTickets != 3 {
		t.Errorf("no-bonus result = %+v", res)
	}
}

func TestRunLottery(t *testing.T) {
	h := newHarness(t)
	h.svc.Initialize(openConfig("drop-1", 1))
	h.svc.Register("drop-1", RegisterRequest{UserID: "alice", Tickets: 1})
	h.svc.Register("drop-1", RegisterRequest{UserID: "bob", Tickets: 1})
	h.svc.Register("drop-1", RegisterRequest{UserID: "carol", Tickets: 1})

	res, err := h.svc.RunLottery("drop-1")
	if err != nil {
		t.Fatalf("RunLottery: %v", err)
	}
	if len(res.Winners) != 1 || len(res.BackupWinners) != 1 {
		t.Fatalf("selection = %d winners, %d backups, want 1/1", len(res.Winners), len(res.BackupWinners))
	}

	// Redundant delivery returns the same result.
	again, err := h.svc.RunLottery("drop-1")
	if err != nil {
		t.Fatalf("redundant RunLottery: %v", err)
	}
	if again.Winners[0] != res.Winners[0] || again.BackupWinners[0] != res.BackupWinners[0] {
		t.Error("redundant delivery changed the result")
	}

	// The proof binds commitment and secret.
	pr, err := h.svc.LotteryProof("drop-1")
	if err != nil {
		t.Fatalf("LotteryProof: %v", err)
	}
	if pr.Proof == nil || pr.Proof.Commitment != pr.Commitment {
		t.Errorf("proof = %+v", pr)
	}

	// Every selection notified the participant record.
	winner, _ := h.parts.Status("drop-1", res.Winners[0])
	backup, _ := h.parts.Status("drop-1", res.BackupWinners[0])
	if winner != participant.StatusWinner || backup != participant.StatusBackup {
		t.Errorf("statuses = (%s, %s)", winner, backup)
	}

	if got := len(h.sched.find(OpClosePurchaseWindow)); got != 1 {
		t.Errorf("%d close timers scheduled, want 1", got)
	}
}

func TestLoserRolloverCredit(t *testing.T) {
	h := newHarness(t)
	h.svc.Initialize(openConfig("drop-1", 1))
	h.svc.Register("drop-1", RegisterRequest{UserID: "alice", Tickets: 5})
	h.svc.Register("drop-1", RegisterRequest{UserID: "bob", Tickets: 5})

	res, err := h.svc.RunLottery("drop-1")
	if err != nil {
		t.Fatalf("RunLottery: %v", err)
	}

	selected := map[string]bool{}
	for _, u := range append(res.Winners, res.BackupWinners...) {
		selected[u] = true
	}
	for _, u := range []string{"alice", "bob"} {
		if selected[u] {
			continue
		}
		// Losers get their paid entries back: 5 desired, 0 rollover,
		// 1 free, 4 paid.
		if bal, _ := h.rollover.Balance(u); bal != 4 {
			t.Errorf("loser %s rollover = %d, want 4", u, bal)
		}
	}
	for _, u := range res.Winners {
		if bal, _ := h.rollover.Balance(u); bal != 0 {
			t.Errorf("winner %s rollover = %d, want 0", u, bal)
		}
	}
}

func TestPurchaseFlow(t *testing.T) {
	h := newHarness(t)
	h.svc.Initialize(openConfig("drop-1", 1))
	h.svc.Register("drop-1", RegisterRequest{UserID: "alice", Tickets: 1})
	res, _ := h.svc.RunLottery("drop-1")
	winner := res.Winners[0]

	grant, err := h.svc.StartPurchase("drop-1", winner)
	if err != nil {
		t.Fatalf("StartPurchase: %v", err)
	}
	if grant.ExpiresAt > res.PurchaseEnd {
		t.Errorf("token outlives the purchase window: %d > %d", grant.ExpiresAt, res.PurchaseEnd)
	}

	// A flipped final character must not redeem, and must not burn the
	// original token.
	bad := grant.PurchaseToken[:len(grant.PurchaseToken)-1] + flip(grant.PurchaseToken[len(grant.PurchaseToken)-1])
	if _, err := h.svc.CompletePurchase("drop-1", winner, bad); err == nil {
		t.Fatal("tampered token redeemed")
	} else if code := StatusCode(err); code != 400 && code != 403 {
		t.Errorf("tampered token code = %d, want 400 or 403", code)
	}

	pres, err := h.svc.CompletePurchase("drop-1", winner, grant.PurchaseToken)
	if err != nil {
		t.Fatalf("CompletePurchase: %v", err)
	}
	if pres.Inventory != 0 || pres.Phase != PhaseCompleted {
		t.Errorf("result = %+v, want inventory 0, completed", pres)
	}

	// Sold out drops drop off the index.
	if list, _ := h.svc.ListDrops(); len(list) != 0 {
		t.Errorf("index after sellout = %+v", list)
	}

	// Replay is rejected and nothing double-decrements.
	if _, err := h.svc.CompletePurchase("drop-1", winner, grant.PurchaseToken); err == nil {
		t.Error("replayed token redeemed")
	}
	st, _ := h.svc.GetState("drop-1")
	if st.InitialInventory-st.Inventory != 1 {
		t.Errorf("inventory delta = %d, want 1", st.InitialInventory-st.Inventory)
	}
}

func TestStartPurchaseGuards(t *testing.T) {
	h := newHarness(t)
	h.svc.Initialize(openConfig("drop-1", 1))
	h.svc.Register("drop-1", RegisterRequest{UserID: "alice", Tickets: 1})
	h.svc.Register("drop-1", RegisterRequest{UserID: "bob", Tickets: 1})

	if _, err := h.svc.StartPurchase("drop-1", "alice"); StatusCode(err) != 409 {
		t.Errorf("pre-lottery start: %v, want 409", err)
	}

	res, _ := h.svc.RunLottery("drop-1")
	loser := "alice"
	if res.Winners[0] == "alice" {
		loser = "bob"
	}
	if contains(res.BackupWinners, loser) {
		t.Skip("both entrants selected")
	}
	if _, err := h.svc.StartPurchase("drop-1", loser); StatusCode(err) != 403 {
		t.Errorf("non-winner start: %v, want 403", err)
	}
}

func TestWinnerExpiryPromotesBackup(t *testing.T) {
	h := newHarness(t)
	h.svc.Initialize(openConfig("drop-1", 1))
	h.svc.Register("drop-1", RegisterRequest{UserID: "alice", Tickets: 1})
	h.svc.Register("drop-1", RegisterRequest{UserID: "bob", Tickets: 1})
	res, _ := h.svc.RunLottery("drop-1")
	winner, backup := res.Winners[0], res.BackupWinners[0]

	h.svc.StartPurchase("drop-1", winner)

	exp, err := h.svc.CheckWinnerExpiry("drop-1", winner)
	if err != nil {
		t.Fatalf("CheckWinnerExpiry: %v", err)
	}
	if !exp.Expired || exp.Promoted != backup {
		t.Fatalf("expiry = %+v, want expired with %s promoted", exp, backup)
	}

	st, _ := h.svc.GetState("drop-1")
	if !contains(st.ExpiredWinners, winner) || !contains(st.Winners, backup) {
		t.Errorf("state after expiry = %+v", st)
	}
	ws, _ := h.parts.Status("drop-1", winner)
	bs, _ := h.parts.Status("drop-1", backup)
	if ws != participant.StatusExpired || bs != participant.StatusWinner {
		t.Errorf("statuses = (%s, %s)", ws, bs)
	}

	// The promoted backup's purchase start was dispatched.
	found := false
	for _, op := range h.sched.find(OpStartPurchase) {
		if op.UserID == backup {
			found = true
		}
	}
	if !found {
		t.Error("no startPurchase scheduled for the promoted backup")
	}

	// The promoted backup can buy the item.
	grant, err := h.svc.StartPurchase("drop-1", backup)
	if err != nil {
		t.Fatalf("promoted StartPurchase: %v", err)
	}
	pres, err := h.svc.CompletePurchase("drop-1", backup, grant.PurchaseToken)
	if err != nil {
		t.Fatalf("promoted CompletePurchase: %v", err)
	}
	if pres.Inventory != 0 {
		t.Errorf("inventory = %d, want 0", pres.Inventory)
	}

	// Redundant expiry delivery is a no-op.
	exp, err = h.svc.CheckWinnerExpiry("drop-1", winner)
	if err != nil || exp.Expired {
		t.Errorf("redundant expiry = %+v, %v", exp, err)
	}
}

func TestExpiryIgnoresPurchasedWinner(t *testing.T) {
	h := newHarness(t)
	h.svc.Initialize(openConfig("drop-1", 2))
	h.svc.Register("drop-1", RegisterRequest{UserID: "alice", Tickets: 1})
	res, _ := h.svc.RunLottery("drop-1")
	winner := res.Winners[0]

	grant, _ := h.svc.StartPurchase("drop-1", winner)
	if _, err := h.svc.CompletePurchase("drop-1", winner, grant.PurchaseToken); err != nil {
		t.Fatalf("CompletePurchase: %v", err)
	}

	exp, err := h.svc.CheckWinnerExpiry("drop-1", winner)
	if err != nil {
		t.Fatalf("CheckWinnerExpiry: %v", err)
	}
	if exp.Expired {
		t.Error("purchased winner was expired")
	}
}

func TestClosePurchaseWindow(t *testing.T) {
	h := newHarness(t)
	h.svc.Initialize(openConfig("drop-1", 5))
	h.svc.Register("drop-1", RegisterRequest{UserID: "alice", Tickets: 1})
	h.svc.RunLottery("drop-1")

	phase, err := h.svc.ClosePurchaseWindow("drop-1")
	if err != nil || phase != PhaseCompleted {
		t.Fatalf("ClosePurchaseWindow = (%s, %v)", phase, err)
	}
	// Idempotent under redundant delivery.
	phase, err = h.svc.ClosePurchaseWindow("drop-1")
	if err != nil || phase != PhaseCompleted {
		t.Errorf("redundant close = (%s, %v)", phase, err)
	}

	// A completed drop rejects purchases.
	if _, err := h.svc.StartPurchase("drop-1", "alice"); StatusCode(err) != 409 {
		t.Errorf("start after close: %v, want 409", err)
	}
}

func TestInclusionProof(t *testing.T) {
	h := newHarness(t)
	h.svc.Initialize(openConfig("drop-1", 1))
	users := []string{"alice", "bob", "carol", "dave", "erin"}
	for i, u := range users {
		h.svc.Register("drop-1", RegisterRequest{UserID: u, Tickets: int64(i + 1)})
	}

	if _, err := h.svc.InclusionProof("drop-1", "alice"); StatusCode(err) != 409 {
		t.Errorf("pre-lottery proof: %v, want 409", err)
	}

	h.svc.RunLottery("drop-1")
	for _, u := range users {
		res, err := h.svc.InclusionProof("drop-1", u)
		if err != nil {
			t.Fatalf("InclusionProof(%s): %v", u, err)
		}
		if !res.Verified {
			t.Errorf("proof for %s did not verify", u)
		}
		if res.Leaf.UserID != u {
			t.Errorf("leaf user = %s, want %s", res.Leaf.UserID, u)
		}
	}

	if _, err := h.svc.InclusionProof("drop-1", "mallory"); StatusCode(err) != 404 {
		t.Errorf("non-participant proof: %v, want 404", err)
	}
}

func flip(c byte) string {
	if c == 'A' {
		return "B"
	}
	return "A"
}

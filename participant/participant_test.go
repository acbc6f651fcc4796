// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package participant

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/10thfloor/dropcoord/kvstore"
	"github.com/10thfloor/dropcoord/ptoken"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testService(t *testing.T) *Service {
	t.Helper()
	s, err := kvstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewService(s, testKey)
}

func TestRegistrationLifecycle(t *testing.T) {
	svc := testService(t)

	reg := Registration{
		Position:          4,
		Tickets:           3,
		EffectiveTickets:  4,
		RolloverUsed:      1,
		PaidEntries:       2,
		LoyaltyTier:       "silver",
		LoyaltyMultiplier: 1.25,
	}
	if err := svc.SetRegistered("drop-1", "alice", reg); err != nil {
		t.Fatalf("SetRegistered: %v", err)
	}

	// Double registration is rejected.
	if err := svc.SetRegistered("drop-1", "alice", reg); err == nil {
		t.Error("second SetRegistered succeeded")
	}

	st, err := svc.GetState("drop-1", "alice")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.Status != StatusRegistered || st.EffectiveTickets != 4 || st.RolloverUsed != 1 {
		t.Errorf("state = %+v", st)
	}
	if st.TokenIssued {
		t.Error("token reported issued before SetToken")
	}
}

func TestStatusDefaultsToNone(t *testing.T) {
	svc := testService(t)
	status, err := svc.Status("drop-1", "ghost")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != StatusNone {
		t.Errorf("status = %s, want %s", status, StatusNone)
	}
}

func TestResultNotifications(t *testing.T) {
	svc := testService(t)
	svc.SetRegistered("drop-1", "alice", Registration{Tickets: 1, EffectiveTickets: 1})
	svc.SetRegistered("drop-1", "bob", Registration{Tickets: 1, EffectiveTickets: 1})
	svc.SetRegistered("drop-1", "carol", Registration{Tickets: 1, EffectiveTickets: 1})

	svc.NotifyResult("drop-1", "alice", true, 1)
	svc.NotifyResult("drop-1", "bob", false, 0)
	svc.NotifyBackup("drop-1", "carol", 1, 2)

	for _, tc := range []struct {
		user, want string
	}{
		{"alice", StatusWinner},
		{"bob", StatusLoser},
		{"carol", StatusBackup},
	} {
		status, _ := svc.Status("drop-1", tc.user)
		if status != tc.want {
			t.Errorf("%s status = %s, want %s", tc.user, status, tc.want)
		}
	}

	st, _ := svc.GetState("drop-1", "carol")
	if st.BackupPosition != 1 || st.TotalBackups != 2 {
		t.Errorf("carol backup = (%d, %d), want (1, 2)", st.BackupPosition, st.TotalBackups)
	}
}

func TestPromotionFromBackup(t *testing.T) {
	svc := testService(t)
	svc.SetRegistered("drop-1", "carol", Registration{Tickets: 1, EffectiveTickets: 1})
	svc.NotifyBackup("drop-1", "carol", 1, 1)

	if err := svc.NotifyPromotion("drop-1", "carol"); err != nil {
		t.Fatalf("NotifyPromotion: %v", err)
	}
	st, _ := svc.GetState("drop-1", "carol")
	if st.Status != StatusWinner || !st.Promoted {
		t.Errorf("promoted state = %+v", st)
	}
}

func TestCompletePurchase(t *testing.T) {
	svc := testService(t)
	now := time.Now()
	expiry := now.Add(15 * time.Minute)

	token, err := ptoken.Mint(testKey, "drop-1", "alice", expiry)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	svc.SetRegistered("drop-1", "alice", Registration{Tickets: 1, EffectiveTickets: 1})

	// Not yet a winner.
	svc.SetToken("drop-1", "alice", token, expiry.UnixMilli())
	if err := svc.CompletePurchase("drop-1", "alice", token, now); !errors.Is(err, ErrNotWinner) {
		t.Errorf("pre-winner purchase: %v, want ErrNotWinner", err)
	}

	svc.NotifyResult("drop-1", "alice", true, 1)

	// Wrong token.
	other, _ := ptoken.Mint(testKey, "drop-1", "alice", expiry)
	if err := svc.CompletePurchase("drop-1", "alice", other, now); !errors.Is(err, ErrTokenMismatch) {
		t.Errorf("wrong token: %v, want ErrTokenMismatch", err)
	}

	// Expired deadline.
	if err := svc.CompletePurchase("drop-1", "alice", token, expiry.Add(time.Second)); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("past deadline: %v, want ErrTokenExpired", err)
	}

	// The genuine purchase.
	if err := svc.CompletePurchase("drop-1", "alice", token, now); err != nil {
		t.Fatalf("CompletePurchase: %v", err)
	}
	status, _ := svc.Status("drop-1", "alice")
	if status != StatusPurchased {
		t.Errorf("status = %s, want %s", status, StatusPurchased)
	}

	// Replay.
	if err := svc.CompletePurchase("drop-1", "alice", token, now); !errors.Is(err, ErrTokenConsumed) {
		t.Errorf("replay: %v, want ErrTokenConsumed", err)
	}
}

func TestCompletePurchaseSingleUse(t *testing.T) {
	svc := testService(t)
	now := time.Now()
	expiry := now.Add(15 * time.Minute)
	token, _ := ptoken.Mint(testKey, "drop-1", "alice", expiry)

	svc.SetRegistered("drop-1", "alice", Registration{Tickets: 1, EffectiveTickets: 1})
	svc.NotifyResult("drop-1", "alice", true, 1)
	svc.SetToken("drop-1", "alice", token, expiry.UnixMilli())

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.CompletePurchase("drop-1", "alice", token, now); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("%d concurrent purchases succeeded, want exactly 1", successes)
	}
}

func TestExpiryLeavesPurchasedAlone(t *testing.T) {
	svc := testService(t)
	now := time.Now()
	expiry := now.Add(15 * time.Minute)
	token, _ := ptoken.Mint(testKey, "drop-1", "alice", expiry)

	svc.SetRegistered("drop-1", "alice", Registration{Tickets: 1, EffectiveTickets: 1})
	svc.NotifyResult("drop-1", "alice", true, 1)
	svc.SetToken("drop-1", "alice", token, expiry.UnixMilli())
	if err := svc.CompletePurchase("drop-1", "alice", token, now); err != nil {
		t.Fatalf("CompletePurchase: %v", err)
	}

	// A late expiry check must not demote a completed purchase.
	svc.NotifyExpiry("drop-1", "alice")
	status, _ := svc.Status("drop-1", "alice")
	if status != StatusPurchased {
		t.Errorf("status after late expiry = %s, want %s", status, StatusPurchased)
	}

	// Same for a late result replay.
	svc.NotifyResult("drop-1", "alice", false, 0)
	status, _ = svc.Status("drop-1", "alice")
	if status != StatusPurchased {
		t.Errorf("status after late result = %s, want %s", status, StatusPurchased)
	}
}

func TestNotifyExpiry(t *testing.T) {
	svc := testService(t)
	svc.SetRegistered("drop-1", "alice", Registration{Tickets: 1, EffectiveTickets: 1})
	svc.NotifyResult("drop-1", "alice", true, 1)

	if err := svc.NotifyExpiry("drop-1", "alice"); err != nil {
		t.Fatalf("NotifyExpiry: %v", err)
	}
	status, _ := svc.Status("drop-1", "alice")
	if status != StatusExpired {
		t.Errorf("status = %s, want %s", status, StatusExpired)
	}

	// Expired winners cannot purchase.
	token, _ := ptoken.Mint(testKey, "drop-1", "alice", time.Now().Add(time.Minute))
	if err := svc.CompletePurchase("drop-1", "alice", token, time.Now()); !errors.Is(err, ErrNotWinner) {
		t.Errorf("expired purchase: %v, want ErrNotWinner", err)
	}
}

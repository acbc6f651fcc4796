// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/zenazn/goji/web"

	"github.com/10thfloor/dropcoord/coordinator"
	"github.com/10thfloor/dropcoord/drop"
	"github.com/10thfloor/dropcoord/kvstore"
	"github.com/10thfloor/dropcoord/notify"
)

var apiTestKey = []byte("0123456789abcdef0123456789abcdef")

func testAPI(t *testing.T) (*api, *coordinator.Coordinator) {
	t.Helper()
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	coord := coordinator.New(store, coordinator.Config{
		TokenKey:  apiTestKey,
		Publisher: notify.NewHub(),
	})
	cfg := &config{
		IPSalt:                "test-salt",
		APISecret:             "test-secret",
		RateLimitWindow:       time.Minute,
		RateLimitMax:          1000,
		TrustThreshold:        50,
		FingerprintMinLength:  4,
		FingerprintConfidence: 30,
		PowDifficulty:         4,
		PowTTL:                time.Minute,
		tokenKey:              apiTestKey,
	}
	return newAPI(cfg, coord, notify.NewHub()), coord
}

func adminJWT(t *testing.T, secret string, admin bool) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256,
		jwt.MapClaims{"admin": admin, "iat": time.Now().Unix()})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestValidateAdminToken(t *testing.T) {
	a, _ := testAPI(t)

	if reason := a.validateAdminToken("Bearer " + adminJWT(t, "test-secret", true)); reason != "" {
		t.Errorf("valid admin token rejected: %s", reason)
	}
	if reason := a.validateAdminToken("Bearer " + adminJWT(t, "wrong-secret", true)); reason == "" {
		t.Error("token signed with the wrong secret accepted")
	}
	if reason := a.validateAdminToken("Bearer " + adminJWT(t, "test-secret", false)); reason == "" {
		t.Error("token without the admin claim accepted")
	}
	if reason := a.validateAdminToken(""); reason == "" {
		t.Error("empty authorization header accepted")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	a, _ := testAPI(t)
	a.cfg.RateLimitMax = 3

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	})
	var c web.C
	handler := a.rateLimit(&c, ok)

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/v1/drops", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	want := []int{200, 200, 200, 429, 429}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("request %d: got %d, want %d (all: %v)", i, codes[i], want[i], codes)
		}
	}

	// A different source address has its own budget.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/drops", nil)
	req.RemoteAddr = "10.9.9.9:5555"
	handler.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Errorf("fresh address got %d, want 200", rec.Code)
	}
}

func TestHashIPSalted(t *testing.T) {
	a, _ := testAPI(t)
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.7:1234"

	h1 := a.hashIP(req)
	a.cfg.IPSalt = "other-salt"
	h2 := a.hashIP(req)
	if h1 == h2 {
		t.Error("hash did not change with the salt")
	}
	if h1 == "192.0.2.7" || len(h1) != 64 {
		t.Errorf("unexpected hash %q", h1)
	}
}

// solveChallenge brute-forces a nonce for the challenge prefix.
func solveChallenge(t *testing.T, prefix string, difficulty int) string {
	t.Helper()
	for i := 0; i < 1<<22; i++ {
		nonce := strconv.Itoa(i)
		sum := sha256.Sum256([]byte(prefix + nonce))
		bits := 0
		for _, b := range sum {
			if b == 0 {
				bits += 8
				continue
			}
			for mask := byte(0x80); mask != 0 && b&mask == 0; mask >>= 1 {
				bits++
			}
			break
		}
		if bits >= difficulty {
			return nonce
		}
	}
	t.Fatal("no nonce found")
	return ""
}

func postJSON(t *testing.T, handler web.HandlerFunc, c web.C, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", path, bytes.NewReader(raw))
	req.RemoteAddr = "192.0.2.1:1000"
	handler(c, rec, req)
	return rec
}

func TestRegisterEndpoint(t *testing.T) {
	a, coord := testAPI(t)

	now := time.Now().UnixMilli()
	if _, err := coord.Drops.Initialize(drop.Config{
		DropID:             "drop-api",
		Inventory:          5,
		RegistrationStart:  now - 1000,
		RegistrationEnd:    now + 60_000,
		PurchaseWindowSecs: 300,
	}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	ch, err := coord.NewChallenge(a.cfg.PowDifficulty, a.cfg.PowTTL)
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	nonce := solveChallenge(t, ch.Prefix, ch.Difficulty)

	c := web.C{URLParams: map[string]string{"dropId": "drop-api"}}
	rec := postJSON(t, a.register, c, "/api/v1/drops/drop-api/register", registerBody{
		UserID:                "alice",
		Tickets:               3,
		Fingerprint:           "fp-alice-device",
		FingerprintConfidence: 90,
		TimingMs:              2500,
		ChallengeID:           ch.ID,
		PowNonce:              nonce,
	})
	if rec.Code != 200 {
		t.Fatalf("register: got %d, body %s", rec.Code, rec.Body.String())
	}
	var res drop.RegisterResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.UserTickets != 3 || res.EffectiveTickets != 3 {
		t.Errorf("allocation = %d/%d, want 3/3", res.UserTickets, res.EffectiveTickets)
	}

	// The challenge is single-use; replaying it fails the trust gate.
	rec = postJSON(t, a.register, c, "/api/v1/drops/drop-api/register", registerBody{
		UserID:                "bob",
		Tickets:               1,
		Fingerprint:           "fp-bob-device",
		FingerprintConfidence: 90,
		TimingMs:              2500,
		ChallengeID:           ch.ID,
		PowNonce:              nonce,
	})
	if rec.Code != 403 {
		t.Fatalf("replayed challenge: got %d, want 403", rec.Code)
	}
}

func TestRegisterRejectsUnknownFields(t *testing.T) {
	a, _ := testAPI(t)
	c := web.C{URLParams: map[string]string{"dropId": "drop-api"}}

	rec := postJSON(t, a.register, c, "/api/v1/drops/drop-api/register",
		map[string]interface{}{"userId": "alice", "tickets": 1, "bogus": true})
	if rec.Code != 400 {
		t.Fatalf("unknown field: got %d, want 400", rec.Code)
	}
}

func TestRegisterWithoutPow(t *testing.T) {
	a, coord := testAPI(t)

	now := time.Now().UnixMilli()
	if _, err := coord.Drops.Initialize(drop.Config{
		DropID:             "drop-nopow",
		Inventory:          5,
		RegistrationStart:  now - 1000,
		RegistrationEnd:    now + 60_000,
		PurchaseWindowSecs: 300,
	}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	c := web.C{URLParams: map[string]string{"dropId": "drop-nopow"}}
	rec := postJSON(t, a.register, c, "/api/v1/drops/drop-nopow/register", registerBody{
		UserID:                "alice",
		Tickets:               1,
		Fingerprint:           "fp-alice-device",
		FingerprintConfidence: 90,
		TimingMs:              2500,
	})
	if rec.Code != 403 {
		t.Fatalf("no PoW: got %d, want 403", rec.Code)
	}
}

// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/zenazn/goji"
	"github.com/zenazn/goji/web"

	"github.com/10thfloor/dropcoord/coordinator"
	"github.com/10thfloor/dropcoord/drop"
	"github.com/10thfloor/dropcoord/geo"
	"github.com/10thfloor/dropcoord/kvstore"
	"github.com/10thfloor/dropcoord/notify"
	"github.com/10thfloor/dropcoord/queue"
	"github.com/10thfloor/dropcoord/trust"
)

// apiDeadline bounds every API request; past it the client gets a 504
// while any in-flight drop work completes on its own.
const apiDeadline = 30 * time.Second

type api struct {
	cfg      *config
	coord    *coordinator.Coordinator
	hub      *notify.Hub
	trustCfg trust.Config
}

func newAPI(cfg *config, coord *coordinator.Coordinator, hub *notify.Hub) *api {
	return &api{
		cfg:   cfg,
		coord: coord,
		hub:   hub,
		trustCfg: trust.Config{
			Threshold:                      int(cfg.TrustThreshold),
			FingerprintMinLength:           cfg.FingerprintMinLength,
			FingerprintConfidenceThreshold: cfg.FingerprintConfidence,
		},
	}
}

// registerRoutes attaches every endpoint to the default goji mux.
func (a *api) registerRoutes() {
	goji.Use(a.rateLimit)

	goji.Get("/api/v1/drops", a.timed(a.listDrops))
	goji.Post("/api/v1/drops", a.admin(a.createDrop))
	goji.Get("/api/v1/drops/:dropId", a.timed(a.getDrop))
	goji.Post("/api/v1/drops/:dropId/register", a.timed(a.register))
	goji.Get("/api/v1/drops/:dropId/proof", a.timed(a.lotteryProof))
	goji.Get("/api/v1/drops/:dropId/proof/:userId", a.timed(a.inclusionProof))
	goji.Get("/api/v1/drops/:dropId/participants/:userId", a.timed(a.participantState))
	goji.Post("/api/v1/drops/:dropId/purchase/start", a.timed(a.startPurchase))
	goji.Post("/api/v1/drops/:dropId/purchase/complete", a.timed(a.completePurchase))

	goji.Post("/api/v1/drops/:dropId/queue/join", a.timed(a.queueJoin))
	goji.Get("/api/v1/drops/:dropId/queue/:tokenId", a.timed(a.queueCheck))
	goji.Post("/api/v1/drops/:dropId/queue/:tokenId/heartbeat", a.timed(a.queueHeartbeat))
	goji.Get("/api/v1/drops/:dropId/queue-stats", a.timed(a.queueStats))

	goji.Post("/api/v1/challenge", a.timed(a.newChallenge))

	goji.Post("/api/v1/admin/drops/:dropId/promote", a.admin(a.promoteBackup))
	goji.Post("/api/v1/admin/rollover/:userId", a.admin(a.setRollover))

	goji.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		a.hub.ServeWS(w, r, notify.TopicDrops)
	})
	goji.Get("/ws/:dropId", func(c web.C, w http.ResponseWriter, r *http.Request) {
		a.hub.ServeWS(w, r, notify.DropTopic(c.URLParams["dropId"]))
	})
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		mainLog.Errorf("write response: %v", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps service failures to their status codes. Terminal drop
// errors carry their own code; everything else is internal.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrCapExceeded):
		writeJSON(w, 429, errorBody{Error: err.Error()})
	case errors.Is(err, queue.ErrUnknownToken):
		writeJSON(w, 404, errorBody{Error: err.Error()})
	case errors.Is(err, queue.ErrNotReady):
		writeJSON(w, 403, errorBody{Error: err.Error()})
	case drop.IsTerminal(err):
		writeJSON(w, drop.StatusCode(err), errorBody{Error: err.Error()})
	default:
		mainLog.Errorf("internal error: %v", err)
		writeJSON(w, 500, errorBody{Error: "internal error"})
	}
}

// decodeStrict rejects bodies carrying unknown fields.
func decodeStrict(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// --- middleware ---

// bufferedResponse captures a handler's output so a deadline can
// abandon it without racing the real connection.
type bufferedResponse struct {
	header http.Header
	status int
	buf    bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) { b.status = status }

func (b *bufferedResponse) Write(p []byte) (int, error) { return b.buf.Write(p) }

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	for k, vs := range b.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.status)
	w.Write(b.buf.Bytes())
}

// timed runs the handler under the API deadline and answers 504 when it
// is exceeded.
func (a *api) timed(h web.HandlerFunc) web.HandlerFunc {
	return func(c web.C, w http.ResponseWriter, r *http.Request) {
		buf := newBufferedResponse()
		done := make(chan struct{})
		go func() {
			h(c, buf, r)
			close(done)
		}()
		select {
		case <-done:
			buf.flush(w)
		case <-time.After(apiDeadline):
			writeJSON(w, 504, errorBody{Error: "deadline exceeded"})
		}
	}
}

// admin requires a valid admin JWT, and an allowed source host when
// adminips is configured.
func (a *api) admin(h web.HandlerFunc) web.HandlerFunc {
	return a.timed(func(c web.C, w http.ResponseWriter, r *http.Request) {
		if len(a.cfg.AdminIPs) > 0 {
			host := clientHost(r)
			allowed := false
			for _, ip := range a.cfg.AdminIPs {
				if host == ip {
					allowed = true
					break
				}
			}
			if !allowed {
				mainLog.Warnf("admin request from disallowed host %s", host)
				writeJSON(w, 403, errorBody{Error: "host not allowed"})
				return
			}
		}
		if reason := a.validateAdminToken(r.Header.Get("Authorization")); reason != "" {
			writeJSON(w, 401, errorBody{Error: reason})
			return
		}
		h(c, w, r)
	})
}

// validateAdminToken checks a Bearer JWT signed with the API secret and
// carrying an admin claim. Empty return means valid.
func (a *api) validateAdminToken(authHeader string) string {
	apitoken := strings.TrimPrefix(authHeader, "Bearer ")
	token, err := jwt.Parse(apitoken, func(token *jwt.Token) (interface{}, error) {
		// validate signing algorithm
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(a.cfg.APISecret), nil
	})
	if err != nil {
		return fmt.Sprintf("invalid token: %v", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "invalid token"
	}
	if admin, ok := claims["admin"].(bool); !ok || !admin {
		return "token lacks admin privilege"
	}
	return ""
}

type rateRecord struct {
	Count     int   `json:"count"`
	ExpiresAt int64 `json:"expiresAt"`
}

// rateLimit enforces the per-IP request budget per window. Storage
// failures fail open; the limiter protects capacity, not correctness.
func (a *api) rateLimit(c *web.C, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.RateLimitMax <= 0 {
			h.ServeHTTP(w, r)
			return
		}
		windowMs := a.cfg.RateLimitWindow.Milliseconds()
		windowNum := time.Now().UnixMilli() / windowMs
		key := fmt.Sprintf("%s_%d", a.hashIP(r), windowNum)

		var rec rateRecord
		if _, err := a.coord.Store().Get(kvstore.BucketRateLimits, key, &rec); err != nil {
			mainLog.Warnf("rate limit read: %v", err)
			h.ServeHTTP(w, r)
			return
		}
		rec.Count++
		rec.ExpiresAt = (windowNum + 1) * windowMs
		if err := a.coord.Store().Put(kvstore.BucketRateLimits, key, &rec); err != nil {
			mainLog.Warnf("rate limit write: %v", err)
			h.ServeHTTP(w, r)
			return
		}
		if rec.Count > a.cfg.RateLimitMax {
			writeJSON(w, 429, errorBody{Error: "rate limit exceeded"})
			return
		}
		h.ServeHTTP(w, r)
	})
}

// hashIP persists only a salted hash of the client address.
func (a *api) hashIP(r *http.Request) string {
	sum := sha256.Sum256([]byte(a.cfg.IPSalt + clientHost(r)))
	return hex.EncodeToString(sum[:])
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- drop endpoints ---

func (a *api) listDrops(c web.C, w http.ResponseWriter, r *http.Request) {
	list, err := a.coord.Drops.ListDrops()
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []drop.IndexEntry{}
	}
	writeJSON(w, 200, list)
}

func (a *api) createDrop(c web.C, w http.ResponseWriter, r *http.Request) {
	var cfg drop.Config
	if err := decodeStrict(r, &cfg); err != nil {
		writeJSON(w, 400, errorBody{Error: fmt.Sprintf("invalid drop config: %v", err)})
		return
	}
	res, err := a.coord.Drops.Initialize(cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	if a.cfg.QueueEnabled {
		a.coord.StartAdmission(cfg.DropID)
	}
	writeJSON(w, 201, res)
}

func (a *api) getDrop(c web.C, w http.ResponseWriter, r *http.Request) {
	st, err := a.coord.Drops.GetState(c.URLParams["dropId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, st)
}

type registerBody struct {
	UserID                string     `json:"userId"`
	Email                 string     `json:"email,omitempty"`
	Tickets               int64      `json:"tickets"`
	Location              *geo.Point `json:"location,omitempty"`
	QueueToken            string     `json:"queueToken,omitempty"`
	Fingerprint           string     `json:"fingerprint"`
	FingerprintConfidence float64    `json:"fingerprintConfidence"`
	TimingMs              int64      `json:"timingMs"`
	ChallengeID           string     `json:"challengeId,omitempty"`
	PowNonce              string     `json:"powNonce,omitempty"`
}

// register runs the gated registration path: queue token consumption,
// PoW verification, trust scoring, then the drop itself.
func (a *api) register(c web.C, w http.ResponseWriter, r *http.Request) {
	dropID := c.URLParams["dropId"]
	var body registerBody
	if err := decodeStrict(r, &body); err != nil {
		writeJSON(w, 400, errorBody{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	var behavior *float64
	if a.cfg.QueueEnabled {
		if body.QueueToken == "" {
			writeJSON(w, 403, errorBody{Error: "queue token required"})
			return
		}
		// The behavior signals accumulate on the token; read them out
		// before consumption burns it.
		score, err := a.coord.Queue.BehaviorScore(dropID, body.QueueToken)
		if err != nil {
			writeError(w, err)
			return
		}
		behavior = score
		if err := a.coord.Queue.ConsumeReady(dropID, body.QueueToken); err != nil {
			writeError(w, err)
			return
		}
		if behavior != nil && a.cfg.MinBehaviorScore > 0 && *behavior < a.cfg.MinBehaviorScore {
			writeJSON(w, 403, errorBody{Error: "behavior score too low"})
			return
		}
	}

	powVerified := false
	if body.ChallengeID != "" {
		ok, err := a.coord.VerifySolution(body.ChallengeID, body.PowNonce)
		if err != nil && !errors.Is(err, coordinator.ErrChallengeNotFound) {
			writeError(w, err)
			return
		}
		powVerified = ok
	}

	score := trust.Score(a.trustCfg, trust.Signals{
		Fingerprint:           body.Fingerprint,
		FingerprintConfidence: body.FingerprintConfidence,
		TimingMs:              body.TimingMs,
		PowVerified:           powVerified,
		BehaviorScore:         behavior,
	})
	if !score.Allowed {
		writeJSON(w, 403, errorBody{Error: score.Reason})
		return
	}

	res, err := a.coord.Drops.Register(dropID, drop.RegisterRequest{
		UserID:   body.UserID,
		Email:    body.Email,
		Tickets:  body.Tickets,
		Location: body.Location,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

func (a *api) lotteryProof(c web.C, w http.ResponseWriter, r *http.Request) {
	res, err := a.coord.Drops.LotteryProof(c.URLParams["dropId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

func (a *api) inclusionProof(c web.C, w http.ResponseWriter, r *http.Request) {
	res, err := a.coord.Drops.InclusionProof(c.URLParams["dropId"], c.URLParams["userId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

func (a *api) participantState(c web.C, w http.ResponseWriter, r *http.Request) {
	st, err := a.coord.Participants.GetState(c.URLParams["dropId"], c.URLParams["userId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, st)
}

type purchaseBody struct {
	UserID        string `json:"userId"`
	PurchaseToken string `json:"purchaseToken,omitempty"`
}

func (a *api) startPurchase(c web.C, w http.ResponseWriter, r *http.Request) {
	var body purchaseBody
	if err := decodeStrict(r, &body); err != nil {
		writeJSON(w, 400, errorBody{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	res, err := a.coord.Drops.StartPurchase(c.URLParams["dropId"], body.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

func (a *api) completePurchase(c web.C, w http.ResponseWriter, r *http.Request) {
	var body purchaseBody
	if err := decodeStrict(r, &body); err != nil {
		writeJSON(w, 400, errorBody{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	res, err := a.coord.Drops.CompletePurchase(c.URLParams["dropId"], body.UserID, body.PurchaseToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

// --- queue endpoints ---

type queueJoinBody struct {
	Fingerprint string `json:"fingerprint"`
}

func (a *api) queueJoin(c web.C, w http.ResponseWriter, r *http.Request) {
	var body queueJoinBody
	if err := decodeStrict(r, &body); err != nil {
		writeJSON(w, 400, errorBody{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	res, err := a.coord.Queue.Join(c.URLParams["dropId"], body.Fingerprint, a.hashIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

func (a *api) queueCheck(c web.C, w http.ResponseWriter, r *http.Request) {
	res, err := a.coord.Queue.Check(c.URLParams["dropId"], c.URLParams["tokenId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

func (a *api) queueHeartbeat(c web.C, w http.ResponseWriter, r *http.Request) {
	var sig queue.Signals
	if err := decodeStrict(r, &sig); err != nil {
		writeJSON(w, 400, errorBody{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if err := a.coord.Queue.Heartbeat(c.URLParams["dropId"], c.URLParams["tokenId"], sig); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]bool{"ok": true})
}

func (a *api) queueStats(c web.C, w http.ResponseWriter, r *http.Request) {
	st, err := a.coord.Queue.QueueStats(c.URLParams["dropId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, st)
}

// --- challenge and admin endpoints ---

func (a *api) newChallenge(c web.C, w http.ResponseWriter, r *http.Request) {
	ch, err := a.coord.NewChallenge(a.cfg.PowDifficulty, a.cfg.PowTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 201, ch)
}

func (a *api) promoteBackup(c web.C, w http.ResponseWriter, r *http.Request) {
	promoted, err := a.coord.Drops.PromoteBackup(c.URLParams["dropId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]string{"promoted": promoted})
}

type rolloverBody struct {
	Balance int64 `json:"balance"`
}

func (a *api) setRollover(c web.C, w http.ResponseWriter, r *http.Request) {
	var body rolloverBody
	if err := decodeStrict(r, &body); err != nil {
		writeJSON(w, 400, errorBody{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	balance, err := a.coord.Rollover.SetBalance(c.URLParams["userId"], body.Balance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]int64{"balance": balance})
}

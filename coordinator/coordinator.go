// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package coordinator owns the process lifecycle: it wires the actor
// services together, drives the durable timer scheduler, runs the
// per-drop admission loops, and sweeps TTL'd buckets. Constructed on
// startup, drained on shutdown; no package-level state.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/10thfloor/dropcoord/drop"
	"github.com/10thfloor/dropcoord/kvstore"
	"github.com/10thfloor/dropcoord/participant"
	"github.com/10thfloor/dropcoord/queue"
	"github.com/10thfloor/dropcoord/userstate"
)

// sweepInterval is how often the TTL'd buckets are scanned.
const sweepInterval = time.Minute

// Config carries the coordinator wiring parameters.
type Config struct {
	TokenKey    []byte
	MaxRollover int64
	Loyalty     userstate.LoyaltyConfig
	Queue       queue.Config
	Publisher   drop.Publisher
}

// Coordinator is the process-lifecycle struct tying the services
// together.
type Coordinator struct {
	store *kvstore.Store

	Drops        *drop.Service
	Participants *participant.Service
	Rollover     *userstate.Rollover
	Loyalty      *userstate.Loyalty
	Queue        *queue.Service
	Sched        *Scheduler

	mu         sync.Mutex
	admissions map[string]context.CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the coordinator over an open store.
func New(store *kvstore.Store, cfg Config) *Coordinator {
	c := &Coordinator{
		store:      store,
		admissions: make(map[string]context.CancelFunc),
	}
	c.Sched = NewScheduler(store)
	c.Participants = participant.NewService(store, cfg.TokenKey)
	c.Rollover = userstate.NewRollover(store, cfg.MaxRollover)
	c.Loyalty = userstate.NewLoyalty(store, cfg.Loyalty)
	c.Queue = queue.NewService(store, cfg.Queue)
	c.Drops = drop.NewService(store, c.Participants, c.Rollover, c.Loyalty,
		c.Sched, cfg.Publisher, cfg.TokenKey)
	c.Sched.Bind(c.dispatch)
	return c
}

// Store exposes the backing store for collaborators that keep their
// own auxiliary records, such as the HTTP rate limiter.
func (c *Coordinator) Store() *kvstore.Store {
	return c.store
}

// Start rescans durable timers, resumes admission loops for live
// drops, and launches the background workers.
func (c *Coordinator) Start() error {
	if err := c.Sched.Rescan(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Sched.Run(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sweepLoop(ctx)
	}()

	// Drops still on the index get their admission loops back.
	live, err := c.Drops.ListDrops()
	if err != nil {
		return err
	}
	for _, e := range live {
		c.StartAdmission(e.DropID)

		// A crash between persisting a new drop and arming its lottery
		// timer would leave the registration phase undriven forever.
		// Re-arm here; the lottery handler absorbs duplicate fires.
		st, err := c.Drops.GetState(e.DropID)
		if err != nil {
			log.Errorf("load drop %s during startup: %v", e.DropID, err)
			continue
		}
		if st.Phase == drop.PhaseRegistration && !c.Sched.Has(e.DropID, drop.OpRunLottery) {
			at := time.UnixMilli(st.RegistrationEnd)
			if err := c.Sched.Schedule(at, e.DropID, drop.OpRunLottery, ""); err != nil {
				log.Errorf("rearm lottery timer for drop %s: %v", e.DropID, err)
				continue
			}
			log.Warnf("rearmed missing lottery timer for drop %s", e.DropID)
		}
	}

	log.Infof("coordinator started, %d live drops", len(live))
	return nil
}

// Stop drains the background workers.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	for _, cancel := range c.admissions {
		cancel()
	}
	c.admissions = make(map[string]context.CancelFunc)
	c.mu.Unlock()
	c.wg.Wait()
	log.Info("coordinator stopped")
}

// StartAdmission launches the admission loop for a drop, once.
func (c *Coordinator) StartAdmission(dropID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.admissions[dropID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.admissions[dropID] = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Queue.RunAdmission(ctx, dropID)
	}()
}

// StopAdmission ends a drop's admission loop.
func (c *Coordinator) StopAdmission(dropID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.admissions[dropID]; ok {
		cancel()
		delete(c.admissions, dropID)
	}
}

// dispatch routes a due timer into the drop state machine. Terminal
// errors are final by contract; they are logged, never retried.
func (c *Coordinator) dispatch(t Timer) {
	var err error
	switch t.Op {
	case drop.OpRunLottery:
		_, err = c.Drops.RunLottery(t.DropID)
	case drop.OpStartPurchase:
		_, err = c.Drops.StartPurchase(t.DropID, t.UserID)
	case drop.OpCheckWinnerExpiry:
		_, err = c.Drops.CheckWinnerExpiry(t.DropID, t.UserID)
	case drop.OpClosePurchaseWindow:
		var phase string
		phase, err = c.Drops.ClosePurchaseWindow(t.DropID)
		if err == nil && phase == drop.PhaseCompleted {
			c.StopAdmission(t.DropID)
		}
	default:
		log.Errorf("unknown timer op %q for drop %s", t.Op, t.DropID)
		return
	}
	if err != nil {
		log.Warnf("timer %s(%s, %s): %v", t.Op, t.DropID, t.UserID, err)
	}
}

// sweepLoop expires TTL'd auxiliary records.
func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			for _, bucket := range []string{kvstore.BucketChallenges, kvstore.BucketRateLimits} {
				n, err := c.store.SweepExpired(bucket, now)
				if err != nil {
					log.Errorf("sweep %s: %v", bucket, err)
					continue
				}
				if n > 0 {
					log.Debugf("swept %d records from %s", n, bucket)
				}
			}
		}
	}
}

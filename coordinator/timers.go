// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"container/heap"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/securecookie"

	"github.com/10thfloor/dropcoord/kvstore"
)

// Timer is one durable delayed send. Timers are persisted next to the
// actor state so a restart redelivers anything still pending; delivery
// is at-least-once and the drop handlers absorb repeats.
type Timer struct {
	ID     string `json:"id"`
	At     int64  `json:"at"` // unix ms
	DropID string `json:"dropId"`
	Op     string `json:"op"`
	UserID string `json:"userId,omitempty"`
}

// timerHeap is a min-heap ordered by due time.
type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].At < h[j].At }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*Timer)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// Scheduler dispatches durable timers. It implements drop.Scheduler.
type Scheduler struct {
	store    *kvstore.Store
	dispatch func(Timer)

	mu   sync.Mutex
	heap timerHeap
	wake chan struct{}
}

// NewScheduler returns a scheduler over the given store. Bind must be
// called before Run.
func NewScheduler(store *kvstore.Store) *Scheduler {
	return &Scheduler{store: store, wake: make(chan struct{}, 1)}
}

// Bind sets the dispatch target for due timers.
func (s *Scheduler) Bind(dispatch func(Timer)) {
	s.dispatch = dispatch
}

// timerKey orders records by due time in the bucket so the startup
// rescan reads them in dispatch order.
func timerKey(t *Timer) string {
	return fmt.Sprintf("%013d/%s", t.At, t.ID)
}

// Schedule persists a timer and arms it.
func (s *Scheduler) Schedule(at time.Time, dropID, op, userID string) error {
	t := &Timer{
		ID:     hex.EncodeToString(securecookie.GenerateRandomKey(8)),
		At:     at.UnixMilli(),
		DropID: dropID,
		Op:     op,
		UserID: userID,
	}
	if err := s.store.Put(kvstore.BucketTimers, timerKey(t), t); err != nil {
		return err
	}
	s.mu.Lock()
	heap.Push(&s.heap, t)
	s.mu.Unlock()
	s.kick()
	return nil
}

// Rescan loads persisted timers into the heap. Called once at startup,
// before Run.
func (s *Scheduler) Rescan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heap = nil
	err := s.store.ForEachPrefix(kvstore.BucketTimers, "", func(key string, raw []byte) error {
		var t Timer
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		heap.Push(&s.heap, &t)
		return nil
	})
	if err != nil {
		return err
	}
	if n := s.heap.Len(); n > 0 {
		log.Infof("rescanned %d pending timers", n)
	}
	return nil
}

// Run dispatches timers as they come due, until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		t, wait := s.next()
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.wake:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}
		s.fire(t)
	}
}

// next peeks the earliest timer and how long until it is due.
func (s *Scheduler) next() (*Timer, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return nil, 0
	}
	t := s.heap[0]
	return t, time.Until(time.UnixMilli(t.At))
}

// fire pops the due timer, dispatches it, and removes the durable
// record. A crash between dispatch and delete redelivers; that is the
// at-least-once contract.
func (s *Scheduler) fire(due *Timer) {
	s.mu.Lock()
	if s.heap.Len() == 0 || s.heap[0] != due {
		s.mu.Unlock()
		return
	}
	heap.Pop(&s.heap)
	s.mu.Unlock()

	if s.dispatch != nil {
		s.dispatch(*due)
	}
	if err := s.store.Delete(kvstore.BucketTimers, timerKey(due)); err != nil {
		log.Errorf("delete fired timer %s: %v", due.ID, err)
	}
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending reports the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

// Has reports whether an armed timer exists for the drop and op.
func (s *Scheduler) Has(dropID, op string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.heap {
		if t.DropID == dropID && t.Op == op {
			return true
		}
	}
	return false
}

// Package scheduler implements the reminder scheduler (C8, spec.md §4.8):
// a single long-lived worker over a min-heap of (fireTime, targetUser,
// event), woken early on insert via a condition variable.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/petervdpas/chatbackbone/internal/logging"
	"github.com/petervdpas/chatbackbone/internal/wire"
)

// entry is one pending reminder. heap-ordered by fireTime.
type entry struct {
	fireTime   time.Time
	targetUser string // bare userId, or "userId@serverId" for a cross-server registration
	event      string
	index      int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].fireTime.Before(h[j].fireTime) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Delivery is how the scheduler hands off a fired reminder: deliver
// locally if the target has a session, forward to a peer if the target
// carries "@serverId" and that peer is connected, else drop (spec.md §4.8).
type Delivery interface {
	DeliverLocal(userID string, f wire.Frame) bool
	ForwardToPeer(serverID string, f wire.Frame) bool
}

// Scheduler owns the heap and its waiter goroutine.
type Scheduler struct {
	delivery Delivery

	mu   sync.Mutex
	cond *sync.Cond
	h    entryHeap

	stop     chan struct{}
	stopOnce sync.Once
}

// New constructs a Scheduler. Call Run in its own goroutine to start firing
// reminders.
func New(delivery Delivery) *Scheduler {
	s := &Scheduler{
		delivery: delivery,
		h:        entryHeap{},
		stop:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Insert pushes a new reminder and wakes the worker so it can reconsider
// the new earliest deadline immediately (spec.md §4.8 "Insert").
func (s *Scheduler) Insert(targetUser, event string, fireTime time.Time) {
	s.mu.Lock()
	heap.Push(&s.h, &entry{fireTime: fireTime, targetUser: targetUser, event: event})
	s.mu.Unlock()
	s.cond.Signal()
}

// Cancel removes the first pending entry matching (targetUser, event); a
// no-op if absent (SPEC_FULL §4 CANCEL_REMINDER addition). Returns whether
// an entry was removed.
func (s *Scheduler) Cancel(targetUser, event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.h {
		if e.targetUser == targetUser && e.event == event {
			heap.Remove(&s.h, i)
			return true
		}
	}
	return false
}

// Len reports the number of pending reminders, for metrics and tests.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.h)
}

// waitBound is the maximum time the worker blocks with an empty heap, so a
// Stop() call is always noticed in bounded time (spec.md §4.8 step 1).
const waitBound = 60 * time.Second

// Run is the scheduler's worker loop (spec.md §4.8 steps 1-3). It returns
// when Stop is called.
func (s *Scheduler) Run() {
	for {
		s.mu.Lock()
		for len(s.h) == 0 {
			if s.stopped() {
				s.mu.Unlock()
				return
			}
			s.waitWithBound(waitBound)
			if s.stopped() {
				s.mu.Unlock()
				return
			}
		}

		next := s.h[0]
		now := time.Now()
		if !now.Before(next.fireTime) {
			heap.Pop(&s.h)
			s.mu.Unlock()
			s.fire(next)
			continue
		}

		delta := next.fireTime.Sub(now)
		s.waitWithBound(delta)
		s.mu.Unlock()

		if s.stopped() {
			return
		}
	}
}

// waitWithBound blocks on the condition variable for at most d, woken
// early by Insert/Stop. Must be called with s.mu held; re-acquires it
// before returning, matching sync.Cond.Wait's contract.
func (s *Scheduler) waitWithBound(d time.Duration) {
	woke := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		s.cond.Broadcast()
	})
	go func() {
		<-woke
		timer.Stop()
	}()
	s.cond.Wait()
	close(woke)
}

func (s *Scheduler) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Stop signals Run to exit and wakes it if it is currently waiting.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.cond.Broadcast()
}

// fire delivers one reminder per the Delivery path of spec.md §4.8.
func (s *Scheduler) fire(e *entry) {
	userID, serverID := splitTarget(e.targetUser)

	frame, err := wire.Marshal(wire.Reminder, wire.ReminderPayload{
		User:    wire.UserRef{UserID: userID, ServerID: serverID},
		Content: e.event,
	})
	if err != nil {
		logging.Scheduler.Warnw("failed to build REMINDER", "err", err)
		return
	}

	if serverID == "" {
		if s.delivery.DeliverLocal(userID, frame) {
			return
		}
		logging.Scheduler.Debugw("reminder target not locally connected, dropping", "user", userID)
		return
	}

	if s.delivery.ForwardToPeer(serverID, frame) {
		return
	}
	logging.Scheduler.Debugw("reminder target's home peer not connected, dropping", "user", userID, "serverId", serverID)
}

// splitTarget parses "userId" or "userId@serverId" target encodings
// (spec.md §4.8 authority rule note).
func splitTarget(target string) (userID, serverID string) {
	for i := 0; i < len(target); i++ {
		if target[i] == '@' {
			return target[:i], target[i+1:]
		}
	}
	return target, ""
}

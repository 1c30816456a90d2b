package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/chatbackbone/internal/wire"
)

type fakeDelivery struct {
	mu       sync.Mutex
	local    []string
	forward  []string
	localOK  bool
	peerOK   bool
}

func (f *fakeDelivery) DeliverLocal(userID string, fr wire.Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = append(f.local, userID)
	return f.localOK
}

func (f *fakeDelivery) ForwardToPeer(serverID string, fr wire.Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forward = append(f.forward, serverID)
	return f.peerOK
}

func (f *fakeDelivery) localCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.local)
}

func (f *fakeDelivery) forwardCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forward)
}

func TestSchedulerFiresLocalReminderOnTime(t *testing.T) {
	delivery := &fakeDelivery{localOK: true}
	s := New(delivery)
	go s.Run()
	defer s.Stop()

	s.Insert("alice", "stand up", time.Now().Add(20*time.Millisecond))

	require.Eventually(t, func() bool { return delivery.localCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerForwardsCrossServerReminder(t *testing.T) {
	delivery := &fakeDelivery{peerOK: true}
	s := New(delivery)
	go s.Run()
	defer s.Stop()

	s.Insert("alice@S2", "stand up", time.Now().Add(10*time.Millisecond))

	require.Eventually(t, func() bool { return delivery.forwardCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, delivery.localCount())
}

func TestSchedulerFiresEarliestFirst(t *testing.T) {
	delivery := &fakeDelivery{localOK: true}
	s := New(delivery)
	go s.Run()
	defer s.Stop()

	s.Insert("late", "e1", time.Now().Add(60*time.Millisecond))
	s.Insert("early", "e2", time.Now().Add(10*time.Millisecond))

	require.Eventually(t, func() bool { return delivery.localCount() >= 1 }, time.Second, 5*time.Millisecond)
	delivery.mu.Lock()
	first := delivery.local[0]
	delivery.mu.Unlock()
	require.Equal(t, "early", first)
}

func TestCancelRemovesPendingReminder(t *testing.T) {
	delivery := &fakeDelivery{localOK: true}
	s := New(delivery)

	s.Insert("alice", "stand up", time.Now().Add(time.Hour))
	require.Equal(t, 1, s.Len())

	ok := s.Cancel("alice", "stand up")
	require.True(t, ok)
	require.Equal(t, 0, s.Len())

	ok = s.Cancel("alice", "stand up")
	require.False(t, ok)
}

func TestInsertWakesWaitingWorkerImmediately(t *testing.T) {
	delivery := &fakeDelivery{localOK: true}
	s := New(delivery)
	go s.Run()
	defer s.Stop()

	time.Sleep(20 * time.Millisecond) // let the worker settle into its empty-heap wait
	s.Insert("alice", "now", time.Now().Add(5*time.Millisecond))

	require.Eventually(t, func() bool { return delivery.localCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStopExitsRunPromptly(t *testing.T) {
	s := New(&fakeDelivery{})
	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

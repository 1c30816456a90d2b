// Package logging sets up the backbone's per-component structured loggers
// and the two observer sinks named in spec.md §9: a plain log-line stream
// and a membership-change event stream, so no component couples to a UI.
package logging

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

// Named loggers, one per component, mirroring the way the teacher repo
// (petervdpas/goop2, internal/p2p/node.go init()) tunes per-subsystem
// verbosity via the same go-log facade.
var (
	Discovery = logging.Logger("discovery")
	Mesh      = logging.Logger("mesh")
	Session   = logging.Logger("session")
	Router    = logging.Logger("router")
	Group     = logging.Logger("group")
	Scheduler = logging.Logger("scheduler")
	Translate = logging.Logger("translate")
	Search    = logging.Logger("search")
	Server    = logging.Logger("server")
)

// SetLevel tunes every named logger at once (e.g. "debug" for verbose
// operator troubleshooting, "warn" for quiet production runs).
func SetLevel(level string) error {
	return logging.SetLogLevel("*", level)
}

// EventKind enumerates the membership-change events an observer may care
// about without depending on any particular component's internal types.
type EventKind string

const (
	EventPeerUp       EventKind = "PEER_UP"
	EventPeerDown     EventKind = "PEER_DOWN"
	EventClientUp     EventKind = "CLIENT_UP"
	EventClientDown   EventKind = "CLIENT_DOWN"
	EventGroupChanged EventKind = "GROUP_CHANGED"
)

// Event is one membership-change notification.
type Event struct {
	Kind    EventKind
	Subject string // serverId, userId, or groupId depending on Kind
}

// Sink fans out Events to any number of subscribers without blocking the
// component that raised them, adapted from the teacher's
// internal/state/peers.go PeerTable listener pattern.
type Sink struct {
	mu        sync.Mutex
	listeners map[chan Event]struct{}
}

// NewSink creates an empty event sink.
func NewSink() *Sink {
	return &Sink{listeners: make(map[chan Event]struct{})}
}

// Subscribe returns a channel that receives every future Event. Callers
// must call Unsubscribe when done to avoid leaking the channel.
func (s *Sink) Subscribe() chan Event {
	ch := make(chan Event, 32)
	s.mu.Lock()
	s.listeners[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a previously subscribed channel.
func (s *Sink) Unsubscribe(ch chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[ch]; ok {
		delete(s.listeners, ch)
		close(ch)
	}
}

// Publish notifies every current subscriber. Slow subscribers are dropped
// from this notification (non-blocking send) rather than stalling the
// publisher — membership events are advisory, not a reliable log.
func (s *Sink) Publish(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

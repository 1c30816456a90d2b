// Package router implements MESSAGE/MESSAGE_ACK routing and the ACK
// correlation table (C6, spec.md §4.6).
package router

import (
	"sync"
	"time"

	"github.com/petervdpas/chatbackbone/internal/clientsession"
	"github.com/petervdpas/chatbackbone/internal/logging"
	"github.com/petervdpas/chatbackbone/internal/mesh"
	"github.com/petervdpas/chatbackbone/internal/wire"
)

// GroupLookup is the subset of the group registry (C7) the router needs to
// resolve a group recipient into its member list. Declared here rather than
// imported concretely to keep router independent of group's internals.
type GroupLookup interface {
	Members(groupID string) ([]wire.UserRef, bool)
}

type pendingAck struct {
	sourceUser   wire.UserRef
	registeredAt time.Time
}

// Router owns the pendingAcks table and the delivery-rule logic of
// spec.md §4.6, grounded on the teacher's group/manager.go broadcast loop
// adapted to user/group/peer routing.
type Router struct {
	selfServerID string
	clients      *clientsession.Table
	peers        *mesh.Mesh
	groups       GroupLookup
	metricsFn    func(outcome string)

	mu          sync.Mutex
	pendingAcks map[int64]pendingAck
}

// New constructs a Router. metricsFn may be nil; when set it is called once
// per routed MESSAGE with one of "local", "forwarded", "broadcast", "dropped".
func New(selfServerID string, clients *clientsession.Table, peers *mesh.Mesh, groups GroupLookup, metricsFn func(outcome string)) *Router {
	return &Router{
		selfServerID: selfServerID,
		clients:      clients,
		peers:        peers,
		groups:       groups,
		metricsFn:    metricsFn,
		pendingAcks:  make(map[int64]pendingAck),
	}
}

func (r *Router) mark(outcome string) {
	if r.metricsFn != nil {
		r.metricsFn(outcome)
	}
}

// RouteMessage dispatches one MESSAGE frame, originating either from a
// local client (sourceServerID == r.selfServerID) or forwarded in from a
// peer, per spec.md §4.6.
func (r *Router) RouteMessage(f wire.Frame, msg wire.ChatMessage, sourceServerID string) {
	if msg.Recipient.Group != nil {
		r.routeToGroup(f, msg)
		return
	}
	if msg.Recipient.User != nil {
		r.routeToUser(f, msg, sourceServerID)
		return
	}
	logging.Router.Warnw("MESSAGE with neither user nor group recipient, dropping", "snowflake", msg.Snowflake)
	r.mark("dropped")
}

func (r *Router) routeToUser(f wire.Frame, msg wire.ChatMessage, sourceServerID string) {
	to := msg.Recipient.User

	r.registerPendingAck(msg.Snowflake, msg.Author)

	if sess, ok := r.clients.Get(to.UserID); ok {
		sess.Send(f)
		r.mark("local")
		return
	}

	if to.ServerID != "" {
		if peer, ok := r.peers.Get(to.ServerID); ok {
			peer.Send(f)
			r.mark("forwarded")
			return
		}
	}

	logging.Router.Debugw("no known peer for recipient, broadcasting", "recipient", to.UserID, "serverId", to.ServerID)
	r.peers.Broadcast(f)
	r.mark("broadcast")
}

func (r *Router) routeToGroup(f wire.Frame, msg wire.ChatMessage) {
	group := msg.Recipient.Group
	members, ok := r.groups.Members(group.GroupID)
	if !ok {
		logging.Router.Debugw("MESSAGE to unknown local group, dropping", "groupId", group.GroupID)
		r.mark("dropped")
		return
	}

	delivered := 0
	for _, member := range members {
		if member.UserID == msg.Author.UserID && member.ServerID == msg.Author.ServerID {
			continue
		}
		if sess, ok := r.clients.Get(member.UserID); ok {
			sess.Send(f)
			delivered++
			continue
		}
		if member.ServerID != "" {
			if peer, ok := r.peers.Get(member.ServerID); ok {
				peer.Send(f)
				delivered++
			}
		}
	}
	if delivered > 0 {
		r.mark("forwarded")
	} else {
		r.mark("dropped")
	}
}

// registerPendingAck records who the eventual MESSAGE_ACK should route
// back to, keyed by snowflake (spec.md §4.6 rule 4).
func (r *Router) registerPendingAck(snowflake int64, author wire.UserRef) {
	r.mu.Lock()
	r.pendingAcks[snowflake] = pendingAck{sourceUser: author, registeredAt: time.Now()}
	r.mu.Unlock()
}

// RouteAck handles an inbound MESSAGE_ACK: look up the original source by
// snowflake and forward the ack there, dropping the entry either way
// (spec.md §4.6 ACK handling, best-effort on unknown snowflake).
func (r *Router) RouteAck(f wire.Frame, ack wire.MessageAckPayload) {
	r.mu.Lock()
	entry, ok := r.pendingAcks[ack.Snowflake]
	if ok {
		delete(r.pendingAcks, ack.Snowflake)
	}
	r.mu.Unlock()

	if !ok {
		logging.Router.Debugw("ACK for unknown snowflake, dropping", "snowflake", ack.Snowflake)
		return
	}

	if sess, ok := r.clients.Get(entry.sourceUser.UserID); ok {
		sess.Send(f)
		return
	}
	if entry.sourceUser.ServerID != "" {
		if peer, ok := r.peers.Get(entry.sourceUser.ServerID); ok {
			peer.Send(f)
			return
		}
	}
	logging.Router.Debugw("ACK source no longer reachable, dropping", "user", entry.sourceUser.UserID)
}

// SweepPendingAcks evicts pendingAcks entries older than ttl, bounding
// memory for messages whose ACK never arrives.
func (r *Router) SweepPendingAcks(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	for snowflake, entry := range r.pendingAcks {
		if entry.registeredAt.Before(cutoff) {
			delete(r.pendingAcks, snowflake)
		}
	}
}

// PendingCount reports the number of outstanding acks, for tests and metrics.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingAcks)
}

// RunSweeper loops SweepPendingAcks every interval until stop is closed.
func (r *Router) RunSweeper(interval, ttl time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.SweepPendingAcks(ttl)
		case <-stop:
			return
		}
	}
}

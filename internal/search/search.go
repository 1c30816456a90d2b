// Package search implements the search aggregator (C10, spec.md §4.10):
// local substring match, peer fan-out, and handle correlation so a single
// client request can collect replies arriving from multiple peers.
package search

import (
	"strings"
	"sync"

	"github.com/petervdpas/chatbackbone/internal/logging"
	"github.com/petervdpas/chatbackbone/internal/wire"
)

// ClientDirectory is the subset of the client session table search needs:
// enumerate local users for substring matching, and reply to one of them by
// userId.
type ClientDirectory interface {
	LocalUsers() []wire.UserRef
	SendToUser(userID string, f wire.Frame) bool
}

// PeerBroadcaster is the subset of the peer mesh search needs to fan a
// query out to every connected server.
type PeerBroadcaster interface {
	Broadcast(f wire.Frame)
}

type pendingSearch struct {
	handle      int64
	requesterID string
}

// Aggregator owns the pendingSearch correlation table (spec.md §4.10).
type Aggregator struct {
	clients ClientDirectory
	peers   PeerBroadcaster

	mu      sync.Mutex
	pending map[int64]pendingSearch
}

// New constructs an Aggregator.
func New(clients ClientDirectory, peers PeerBroadcaster) *Aggregator {
	return &Aggregator{
		clients: clients,
		peers:   peers,
		pending: make(map[int64]pendingSearch),
	}
}

// HandleSearch implements SEARCH_USERS from a local client (spec.md §4.10):
// reply immediately with local matches, fan the query out to every peer,
// and record the handle for correlating replies.
func (a *Aggregator) HandleSearch(requesterID string, p wire.SearchUsersPayload) {
	var matches []wire.UserRef
	for _, u := range a.clients.LocalUsers() {
		if strings.Contains(u.UserID, p.Query) {
			matches = append(matches, u)
		}
	}

	reply, err := wire.Marshal(wire.SearchUsersResp, wire.SearchUsersRespPayload{Handle: p.Handle, Users: matches})
	if err != nil {
		logging.Search.Warnw("failed to build SEARCH_USERS_RESP", "err", err)
		return
	}
	a.clients.SendToUser(requesterID, reply)

	a.mu.Lock()
	a.pending[p.Handle] = pendingSearch{handle: p.Handle, requesterID: requesterID}
	a.mu.Unlock()

	fanout, err := wire.Marshal(wire.SearchUsers, p)
	if err != nil {
		logging.Search.Warnw("failed to build SEARCH_USERS fanout", "err", err)
		return
	}
	a.peers.Broadcast(fanout)
}

// HandlePeerReply implements SEARCH_USERS_RESP arriving from a peer
// (spec.md §4.10): locate the original requester by handle and forward the
// peer's reply to it. A requester may receive several replies for one
// handle, one per peer; the caller's client is responsible for union.
func (a *Aggregator) HandlePeerReply(f wire.Frame, p wire.SearchUsersRespPayload) {
	a.mu.Lock()
	entry, ok := a.pending[p.Handle]
	a.mu.Unlock()
	if !ok {
		logging.Search.Debugw("SEARCH_USERS_RESP for unknown handle, dropping", "handle", p.Handle)
		return
	}
	a.clients.SendToUser(entry.requesterID, f)
}

// ForgetHandle drops a pending search correlation. The server does not
// call it: no eviction sweep runs and a requester's disconnect does not
// remove its handles, so entries otherwise stay for the Aggregator's life.
func (a *Aggregator) ForgetHandle(handle int64) {
	a.mu.Lock()
	delete(a.pending, handle)
	a.mu.Unlock()
}

// PendingCount reports the number of outstanding search handles, for tests
// and metrics.
func (a *Aggregator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

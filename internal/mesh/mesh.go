// Package mesh implements the peer-to-peer server mesh (C4, spec.md §4.4):
// outbound dial to discovered peers, inbound accept, duplicate-connection
// suppression, and heartbeat/eviction.
package mesh

import (
	"bufio"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/petervdpas/chatbackbone/internal/logging"
	"github.com/petervdpas/chatbackbone/internal/wire"
)

// Dispatcher processes a frame received from a peer session. It is the
// single dispatcher table shared by client and peer read loops named in
// spec.md §9 — mesh only implements the transport and handshake around it.
type Dispatcher func(from *Session, f wire.Frame)

// Session is an established peer connection: at most one per remote
// serverId (spec.md §3 PeerSession invariant), modeled on the teacher's
// memberConn/clientConn shape (internal/group/manager.go) — a dedicated
// write goroutine draining a buffered channel so concurrent writers never
// interleave frames on the wire (spec.md §5).
type Session struct {
	ServerID string
	Features []wire.Feature
	conn     net.Conn

	lastActive atomicTime

	sendCh chan []byte
	closed chan struct{}
	once   sync.Once
}

// Send enqueues a frame for the session's single writer goroutine. It never
// blocks the caller for long: writes are best-effort, per spec.md §5
// ("spec treats writes as non-blocking best-effort").
func (s *Session) Send(f wire.Frame) {
	select {
	case s.sendCh <- wire.Encode(f):
	default:
		logging.Mesh.Warnw("peer send queue full, dropping frame", "peer", s.ServerID, "purpose", f.Purpose)
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case b, ok := <-s.sendCh:
			if !ok {
				return
			}
			if _, err := s.conn.Write(b); err != nil {
				logging.Mesh.Warnw("peer write failed", "peer", s.ServerID, "err", err)
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) touch() { s.lastActive.Set(time.Now()) }

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(s.lastActive.Get())
}

// Close tears down the session's connection and write goroutine exactly
// once.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// Mesh owns the peers map and the dial/accept protocol around it.
type Mesh struct {
	selfServerID string
	features     []wire.Feature
	backoffMin   time.Duration
	backoffMax   time.Duration
	dispatch     Dispatcher

	mu    sync.Mutex
	peers map[string]*Session

	dialGroup singleflight.Group

	events *logging.Sink
}

// New constructs a Mesh. events may be nil.
func New(selfServerID string, features []wire.Feature, backoffMin, backoffMax time.Duration, dispatch Dispatcher, events *logging.Sink) *Mesh {
	return &Mesh{
		selfServerID: selfServerID,
		features:     features,
		backoffMin:   backoffMin,
		backoffMax:   backoffMax,
		dispatch:     dispatch,
		peers:        make(map[string]*Session),
		events:       events,
	}
}

// Get returns the live session for a remote serverId, if any.
func (m *Mesh) Get(serverID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.peers[serverID]
	return s, ok
}

// All returns a snapshot of every connected peer session.
func (m *Mesh) All() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.peers))
	for _, s := range m.peers {
		out = append(out, s)
	}
	return out
}

// Count reports the number of connected peers.
func (m *Mesh) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// Broadcast sends f to every connected peer (used by the best-effort
// unrouted-message fallback in C6 and by search fan-out in C10).
func (m *Mesh) Broadcast(f wire.Frame) {
	for _, s := range m.All() {
		s.Send(f)
	}
}

// DialPeer attempts an outbound connection to a newly discovered peer,
// after a small random back-off to avoid simultaneous mutual dial
// (spec.md §4.4). singleflight collapses concurrent calls for the same
// serverID into one dial attempt.
func (m *Mesh) DialPeer(serverID, addr string) {
	_, _, _ = m.dialGroup.Do(serverID, func() (any, error) {
		if _, already := m.Get(serverID); already {
			return nil, nil
		}

		backoff := m.backoffMin
		if m.backoffMax > m.backoffMin {
			backoff += time.Duration(rand.Int63n(int64(m.backoffMax - m.backoffMin)))
		}
		time.Sleep(backoff)

		if _, already := m.Get(serverID); already {
			return nil, nil
		}

		conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
		if err != nil {
			logging.Mesh.Warnw("outbound dial failed", "peer", serverID, "addr", addr, "err", err)
			return nil, err
		}

		if err := m.handleOutbound(serverID, conn); err != nil {
			logging.Mesh.Warnw("outbound handshake failed", "peer", serverID, "err", err)
			conn.Close()
		}
		return nil, nil
	})
}

// handleOutbound performs the CONNECT_SERVER / CONNECTED handshake as the
// dialing side (spec.md §4.4).
func (m *Mesh) handleOutbound(remoteServerID string, conn net.Conn) error {
	hello, err := wire.Marshal(wire.ConnectServer, wire.ConnectServerPayload{
		ServerID: m.selfServerID,
		Features: m.features,
	})
	if err != nil {
		return err
	}
	if _, err := conn.Write(wire.Encode(hello)); err != nil {
		return err
	}

	r := bufio.NewReader(conn)
	reply, err := wire.ReadOne(r)
	if err != nil {
		return err
	}
	if reply.Purpose != wire.Connected {
		return fmt.Errorf("mesh: expected CONNECTED, got %s", reply.Purpose)
	}
	var cp wire.ConnectedPayload
	if err := wire.Unmarshal(reply, &cp); err != nil {
		return err
	}
	if cp.Result != wire.ResultOK {
		return fmt.Errorf("mesh: dial to %s rejected: %s", remoteServerID, cp.Result)
	}

	sess := m.install(remoteServerID, nil, conn)
	if sess == nil {
		// Lost the race to a concurrent inbound accept; the AlreadyConnected
		// reply on the loser's side is the protocol-level resolution
		// (spec.md §4.4); here we just stop using this socket.
		conn.Close()
		return nil
	}
	go m.readLoop(sess, r)
	return nil
}

// AcceptConn handles a freshly accepted TCP connection whose first frame is
// expected to be CONNECT_SERVER (spec.md §4.4 inbound accept). Returns
// false if the first frame was not CONNECT_SERVER, signaling the caller
// (the top-level listener) to try treating it as a client session instead.
func (m *Mesh) AcceptConn(conn net.Conn, first wire.Frame, r *bufio.Reader) bool {
	if first.Purpose != wire.ConnectServer {
		return false
	}
	var cp wire.ConnectServerPayload
	if err := wire.Unmarshal(first, &cp); err != nil {
		logging.Mesh.Warnw("malformed CONNECT_SERVER", "err", err)
		conn.Close()
		return true
	}

	m.mu.Lock()
	existing, present := m.peers[cp.ServerID]
	m.mu.Unlock()
	if present && existing != nil {
		reply, _ := wire.Marshal(wire.Connected, wire.ConnectedPayload{Result: wire.ResultAlreadyConnected})
		conn.Write(wire.Encode(reply))
		conn.Close()
		return true
	}

	reply, _ := wire.Marshal(wire.Connected, wire.ConnectedPayload{Result: wire.ResultOK})
	if _, err := conn.Write(wire.Encode(reply)); err != nil {
		conn.Close()
		return true
	}

	sess := m.install(cp.ServerID, cp.Features, conn)
	if sess == nil {
		conn.Close()
		return true
	}
	go m.readLoop(sess, r)
	return true
}

// install atomically checks-and-sets the peers map, enforcing the
// at-most-one-live-session-per-serverId invariant (spec.md §3, §4.4). It
// returns nil if a session already won the race.
func (m *Mesh) install(serverID string, features []wire.Feature, conn net.Conn) *Session {
	m.mu.Lock()
	if _, present := m.peers[serverID]; present {
		m.mu.Unlock()
		return nil
	}
	sess := &Session{
		ServerID: serverID,
		Features: features,
		conn:     conn,
		sendCh:   make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
	sess.touch()
	m.peers[serverID] = sess
	m.mu.Unlock()

	go sess.writeLoop()
	logging.Mesh.Infow("peer connected", "peer", serverID)
	if m.events != nil {
		m.events.Publish(logging.Event{Kind: logging.EventPeerUp, Subject: serverID})
	}
	return sess
}

// readLoop consumes frames from one peer connection until EOF, error, or
// Close. It is the single consumer for this connection (spec.md §5).
func (m *Mesh) readLoop(sess *Session, r *bufio.Reader) {
	defer m.evict(sess)
	dec := wire.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frames, ferr := dec.Feed(buf[:n])
			for _, f := range frames {
				sess.touch()
				m.handleFrame(sess, f)
			}
			if ferr != nil {
				logging.Mesh.Warnw("malformed frame from peer, closing", "peer", sess.ServerID, "err", ferr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (m *Mesh) handleFrame(sess *Session, f wire.Frame) {
	switch f.Purpose {
	case wire.Ping:
		sess.Send(wire.Frame{Purpose: wire.Pong})
		return
	case wire.Pong:
		return
	}
	if m.dispatch != nil {
		m.dispatch(sess, f)
	}
}

// evict removes a session from the table and closes it, matching the
// HeartbeatTimeout/ReadEOF handling of spec.md §7.
func (m *Mesh) evict(sess *Session) {
	m.mu.Lock()
	if cur, ok := m.peers[sess.ServerID]; ok && cur == sess {
		delete(m.peers, sess.ServerID)
	}
	m.mu.Unlock()
	sess.Close()
	logging.Mesh.Infow("peer disconnected", "peer", sess.ServerID)
	if m.events != nil {
		m.events.Publish(logging.Event{Kind: logging.EventPeerDown, Subject: sess.ServerID})
	}
}

// HeartbeatSweep runs one heartbeat/eviction pass over all peers
// (spec.md §4.4): peers idle past timeout are evicted, others get a PING.
func (m *Mesh) HeartbeatSweep(timeout time.Duration) {
	now := time.Now()
	for _, s := range m.All() {
		if s.idleSince(now) > timeout {
			m.evict(s)
			continue
		}
		s.Send(wire.Frame{Purpose: wire.Ping})
	}
}

// RunHeartbeat loops HeartbeatSweep every interval until stop is closed
// (spec.md §5: "one task for peer-heartbeat sweeps").
func (m *Mesh) RunHeartbeat(interval, timeout time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.HeartbeatSweep(timeout)
		case <-stop:
			return
		}
	}
}

// Close closes every peer session.
func (m *Mesh) Close() {
	for _, s := range m.All() {
		m.evict(s)
	}
}

// atomicTime is a tiny mutex-guarded time.Time, avoiding an import of
// sync/atomic's (newer) atomic.Pointer generics for a single field.
type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) Set(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) Get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}

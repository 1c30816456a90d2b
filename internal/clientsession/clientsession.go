// Package clientsession implements the per-client TCP session (C5,
// spec.md §4.5): accept, identify, dispatch, heartbeat, and teardown for a
// directly connected chat client.
package clientsession

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/petervdpas/chatbackbone/internal/logging"
	"github.com/petervdpas/chatbackbone/internal/wire"
)

// Dispatcher processes one frame received from an identified client.
type Dispatcher func(from *Session, f wire.Frame)

// Session is one identified client connection, modeled on the teacher's
// clientConn (internal/group/manager.go): a serialized writer goroutine
// behind a buffered channel, plus a liveness timestamp for heartbeat sweeps.
type Session struct {
	UserID string
	conn   net.Conn

	lastActive atomicTime

	sendCh chan []byte
	closed chan struct{}
	once   sync.Once
}

// Send enqueues a frame for delivery to this client. Non-blocking and
// best-effort, matching the peer session's write discipline (spec.md §5).
func (s *Session) Send(f wire.Frame) {
	select {
	case s.sendCh <- wire.Encode(f):
	default:
		logging.Session.Warnw("client send queue full, dropping frame", "user", s.UserID, "purpose", f.Purpose)
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
				logging.Session.Warnw("client write failed", "user", s.UserID, "err", err)
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

// Close tears the session down exactly once.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// Table owns the set of locally-identified client sessions and the
// accept/identify protocol around them (spec.md §4.5).
type Table struct {
	dispatch Dispatcher
	events   *logging.Sink

	mu       sync.Mutex
	sessions map[string]*Session
}

// New constructs an empty client session table. events may be nil.
func New(dispatch Dispatcher, events *logging.Sink) *Table {
	return &Table{
		dispatch: dispatch,
		events:   events,
		sessions: make(map[string]*Session),
	}
}

// Get returns the live session for a locally-connected userId, if any.
func (t *Table) Get(userID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[userID]
	return s, ok
}

// All returns a snapshot of every connected client session.
func (t *Table) All() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// LocalUsers returns the userId of every locally connected client, for the
// search aggregator's substring match (spec.md §4.10).
func (t *Table) LocalUsers() []wire.UserRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]wire.UserRef, 0, len(t.sessions))
	for userID := range t.sessions {
		out = append(out, wire.UserRef{UserID: userID})
	}
	return out
}

// SendToUser delivers f to userID's session if locally connected, reporting
// whether anybody was home. It satisfies router.ClientLookup-shaped and
// group.Notifier-shaped callers without either package importing this one's
// concrete Session type.
func (t *Table) SendToUser(userID string, f wire.Frame) bool {
	sess, ok := t.Get(userID)
	if !ok {
		return false
	}
	sess.Send(f)
	return true
}

// Count reports the number of locally identified clients.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// AcceptConn performs the CONNECT_CLIENT handshake as the accepting side.
// Returns false if the first frame was not CONNECT_CLIENT, signaling the
// caller to try the connection as a peer session instead.
func (t *Table) AcceptConn(conn net.Conn, first wire.Frame, r *bufio.Reader) bool {
	if first.Purpose != wire.ConnectClient {
		return false
	}
	var cp wire.ConnectClientPayload
	if err := wire.Unmarshal(first, &cp); err != nil {
		logging.Session.Warnw("malformed CONNECT_CLIENT", "err", err)
		conn.Close()
		return true
	}
	userID := cp.User.UserID
	if userID == "" {
		conn.Close()
		return true
	}

	t.mu.Lock()
	_, present := t.sessions[userID]
	t.mu.Unlock()
	if present {
		reply, _ := wire.Marshal(wire.Connected, wire.ConnectedPayload{Result: wire.ResultIsAlreadyConnected})
		conn.Write(wire.Encode(reply))
		conn.Close()
		return true
	}

	reply, _ := wire.Marshal(wire.Connected, wire.ConnectedPayload{Result: wire.ResultOK})
	if _, err := conn.Write(wire.Encode(reply)); err != nil {
		conn.Close()
		return true
	}

	sess := t.install(userID, conn)
	if sess == nil {
		conn.Close()
		return true
	}
	go t.readLoop(sess, r)
	return true
}

func (t *Table) install(userID string, conn net.Conn) *Session {
	t.mu.Lock()
	if _, present := t.sessions[userID]; present {
		t.mu.Unlock()
		return nil
	}
	sess := &Session{
		UserID: userID,
		conn:   conn,
		sendCh: make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	sess.touch()
	t.sessions[userID] = sess
	t.mu.Unlock()

	go sess.writeLoop()
	logging.Session.Infow("client connected", "user", userID)
	if t.events != nil {
		t.events.Publish(logging.Event{Kind: logging.EventClientUp, Subject: userID})
	}
	return sess
}

func (t *Table) readLoop(sess *Session, r *bufio.Reader) {
	defer t.evict(sess)
	dec := wire.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frames, ferr := dec.Feed(buf[:n])
			for _, f := range frames {
				sess.touch()
				t.handleFrame(sess, f)
			}
			if ferr != nil {
				logging.Session.Warnw("malformed frame from client, closing", "user", sess.UserID, "err", ferr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (t *Table) handleFrame(sess *Session, f wire.Frame) {
	switch f.Purpose {
	case wire.Ping:
		sess.Send(wire.Frame{Purpose: wire.Pong})
		return
	case wire.Pong:
		return
	}
	if t.dispatch != nil {
		t.dispatch(sess, f)
	}
}

func (t *Table) evict(sess *Session) {
	t.mu.Lock()
	if cur, ok := t.sessions[sess.UserID]; ok && cur == sess {
		delete(t.sessions, sess.UserID)
	}
	t.mu.Unlock()
	sess.Close()
	logging.Session.Infow("client disconnected", "user", sess.UserID)
	if t.events != nil {
		t.events.Publish(logging.Event{Kind: logging.EventClientDown, Subject: sess.UserID})
	}
}

// HeartbeatSweep evicts clients idle past timeout, otherwise pings them
// (spec.md §4.5).
func (t *Table) HeartbeatSweep(timeout time.Duration) {
	now := time.Now()
	for _, s := range t.All() {
		if s.idleSince(now) > timeout {
			t.evict(s)
			continue
		}
		s.Send(wire.Frame{Purpose: wire.Ping})
	}
}

// RunHeartbeat loops HeartbeatSweep every interval until stop is closed.
func (t *Table) RunHeartbeat(interval, timeout time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.HeartbeatSweep(timeout)
		case <-stop:
			return
		}
	}
}

// Close evicts every client session.
func (t *Table) Close() {
	for _, s := range t.All() {
		t.evict(s)
	}
}

// ErrNotConnected is the sentinel for a userId lookup that finds nobody
// locally connected. The table's own lookups (Get, SendToUser) report that
// case with a false result rather than returning this error.
var ErrNotConnected = errors.New("clientsession: user is not locally connected")

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

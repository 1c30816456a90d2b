// Package discovery implements the UDP broadcast/listen bootstrap service
// (C3, spec.md §4.3): a flat LAN with a small known port set discovers the
// rest of the mesh without external configuration.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/petervdpas/chatbackbone/internal/logging"
	"github.com/petervdpas/chatbackbone/internal/wire"
)

// Record is what the discovery table remembers about a peer server,
// adapted from the teacher's state.PeerTable entry shape
// (internal/state/peers.go) down to the fields spec.md §4.3 names.
type Record struct {
	ServerID  string
	Addr      *net.UDPAddr
	Features  []wire.Feature
	FirstSeen time.Time
}

// NewPeerFunc is invoked once per newly discovered serverId, handing the
// record to C4 (peer mesh) to initiate a TCP dial, per spec.md §4.3.
type NewPeerFunc func(Record)

// Service owns the UDP discovery socket and the discovery table.
type Service struct {
	selfServerID string
	features     []wire.Feature
	peerPorts    []int
	broadcastTo  string // broadcast address, e.g. 255.255.255.255

	conn    *net.UDPConn
	onPeer  NewPeerFunc

	mu    sync.Mutex
	peers map[string]Record

	closeOnce sync.Once
	done      chan struct{}
}

// Config bundles the Service's construction-time parameters.
type Config struct {
	SelfServerID  string
	UDPPort       int
	Features      []wire.Feature
	PeerPorts     []int
	BroadcastAddr string
	OnNewPeer     NewPeerFunc
}

// New binds the UDP discovery socket and returns a Service. The socket is
// bound to INADDR_ANY:UDPPort with broadcast enabled so it both receives
// unicast replies and datagrams sent to the LAN broadcast address.
func New(cfg Config) (*Service, error) {
	lc := net.ListenConfig{Control: enableBroadcast}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", cfg.UDPPort))
	if err != nil {
		return nil, fmt.Errorf("discovery: listen udp :%d: %w", cfg.UDPPort, err)
	}
	conn := pc.(*net.UDPConn)
	broadcastTo := cfg.BroadcastAddr
	if broadcastTo == "" {
		broadcastTo = "255.255.255.255"
	}
	return &Service{
		selfServerID: cfg.SelfServerID,
		features:     cfg.Features,
		peerPorts:    cfg.PeerPorts,
		broadcastTo:  broadcastTo,
		conn:         conn,
		onPeer:       cfg.OnNewPeer,
		peers:        make(map[string]Record),
		done:         make(chan struct{}),
	}, nil
}

// enableBroadcast sets SO_BROADCAST on the raw socket so the node may send
// datagrams to the LAN broadcast address (spec.md §6); Go's net package
// does not set this by default.
func enableBroadcast(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// LocalPort returns the UDP port actually bound (useful when UDPPort==0 in
// tests).
func (s *Service) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Run processes incoming datagrams until Close is called. It is meant to
// run in its own goroutine (spec.md §5: "one task for the UDP discovery
// listener").
func (s *Service) Run() error {
	buf := make([]byte, 65535)
	for {
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return fmt.Errorf("discovery: read: %w", err)
			}
		}
		s.handleDatagram(buf[:n], raddr)
	}
}

func (s *Service) handleDatagram(b []byte, raddr *net.UDPAddr) {
	frame, err := wire.DecodeOne(b)
	if err != nil {
		logging.Discovery.Debugw("dropping malformed discovery datagram", "from", raddr, "err", err)
		return
	}

	switch frame.Purpose {
	case wire.DiscoverServer:
		s.handleDiscoverServer(raddr)

	case wire.ServerAnnounce:
		var p wire.ServerAnnouncePayload
		if err := wire.Unmarshal(frame, &p); err != nil {
			logging.Discovery.Debugw("malformed SERVER_ANNOUNCE", "err", err)
			return
		}
		if p.ServerID == "" || p.ServerID == s.selfServerID {
			return
		}
		s.recordPeer(p.ServerID, raddr, p.Features)

	default:
		logging.Discovery.Debugw("ignoring unrecognised discovery purpose", "purpose", frame.Purpose)
	}
}

// handleDiscoverServer replies unicast to the sender and broadcasts the
// same SERVER_ANNOUNCE to every configured peer port, excluding this node
// (spec.md §4.3).
func (s *Service) handleDiscoverServer(raddr *net.UDPAddr) {
	announce, err := s.announceFrame()
	if err != nil {
		logging.Discovery.Errorw("failed to build SERVER_ANNOUNCE", "err", err)
		return
	}

	if _, err := s.conn.WriteToUDP(announce, raddr); err != nil {
		logging.Discovery.Warnw("unicast SERVER_ANNOUNCE reply failed", "to", raddr, "err", err)
	}

	for _, port := range s.peerPorts {
		if port == s.LocalPort() {
			continue
		}
		dst := &net.UDPAddr{IP: net.ParseIP(s.broadcastTo), Port: port}
		if _, err := s.conn.WriteToUDP(announce, dst); err != nil {
			logging.Discovery.Debugw("broadcast SERVER_ANNOUNCE failed", "port", port, "err", err)
		}
	}
}

func (s *Service) announceFrame() ([]byte, error) {
	frame, err := wire.Marshal(wire.ServerAnnounce, wire.ServerAnnouncePayload{
		ServerID: s.selfServerID,
		Features: s.features,
	})
	if err != nil {
		return nil, err
	}
	return wire.Encode(frame), nil
}

func (s *Service) recordPeer(serverID string, raddr *net.UDPAddr, features []wire.Feature) {
	if serverID == "" || serverID == s.selfServerID {
		return
	}
	s.mu.Lock()
	_, known := s.peers[serverID]
	rec := Record{ServerID: serverID, Addr: raddr, Features: features, FirstSeen: time.Now()}
	if known {
		rec.FirstSeen = s.peers[serverID].FirstSeen
	}
	s.peers[serverID] = rec
	s.mu.Unlock()

	logging.Discovery.Infow("discovered peer", "serverId", serverID, "addr", raddr, "new", !known)
	if !known && s.onPeer != nil {
		s.onPeer(rec)
	}
}

// Discover sends one DISCOVER_SERVER datagram to every known peer port, the
// operator-facing operation of spec.md §4.3.
func (s *Service) Discover() error {
	frame := wire.Encode(wire.Frame{Purpose: wire.DiscoverServer})
	var firstErr error
	for _, port := range s.peerPorts {
		dst := &net.UDPAddr{IP: net.ParseIP(s.broadcastTo), Port: port}
		if _, err := s.conn.WriteToUDP(frame, dst); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Peers returns a snapshot of the discovery table.
func (s *Service) Peers() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Record, len(s.peers))
	for k, v := range s.peers {
		out[k] = v
	}
	return out
}

// Close stops Run and releases the socket.
func (s *Service) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.conn.Close()
}

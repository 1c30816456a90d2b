// Package server wires every component (C1-C10) into one running chat
// backbone node: accept loop, discovery, mesh, routing, groups, reminders,
// translation, and search, supervised as a set of goroutines.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/chatbackbone/internal/clientsession"
	"github.com/petervdpas/chatbackbone/internal/config"
	"github.com/petervdpas/chatbackbone/internal/discovery"
	"github.com/petervdpas/chatbackbone/internal/group"
	"github.com/petervdpas/chatbackbone/internal/logging"
	"github.com/petervdpas/chatbackbone/internal/mesh"
	"github.com/petervdpas/chatbackbone/internal/metrics"
	"github.com/petervdpas/chatbackbone/internal/router"
	"github.com/petervdpas/chatbackbone/internal/scheduler"
	"github.com/petervdpas/chatbackbone/internal/search"
	"github.com/petervdpas/chatbackbone/internal/translate"
	"github.com/petervdpas/chatbackbone/internal/wire"
)

// Server is one running node of the federated backbone.
type Server struct {
	cfg config.Config

	events *logging.Sink
	stats  *metrics.Collector

	clients    *clientsession.Table
	peers      *mesh.Mesh
	groups     *group.Registry
	routerImpl *router.Router
	sched      *scheduler.Scheduler
	xlate      *translate.Adapter
	searchImpl *search.Aggregator

	disc *discovery.Service

	tcpLn net.Listener

	stop chan struct{}
}

// schedulerDelivery adapts Server to scheduler.Delivery.
type schedulerDelivery struct{ s *Server }

func (d schedulerDelivery) DeliverLocal(userID string, f wire.Frame) bool {
	d.s.stats.RemindersFired.Inc()
	return d.s.clients.SendToUser(userID, f)
}

func (d schedulerDelivery) ForwardToPeer(serverID string, f wire.Frame) bool {
	d.s.stats.RemindersFired.Inc()
	peer, ok := d.s.peers.Get(serverID)
	if !ok {
		return false
	}
	peer.Send(f)
	return true
}

// New constructs a Server from cfg but does not start any goroutines yet;
// call Run for that.
func New(cfg config.Config) (*Server, error) {
	s := &Server{cfg: cfg, events: logging.NewSink(), stop: make(chan struct{})}

	if cfg.Metrics.Enabled {
		s.stats = metrics.NewCollector(nil)
	} else {
		s.stats = metrics.NewUnregistered()
	}

	s.clients = clientsession.New(s.dispatchClient, s.events)
	s.groups = group.New(cfg.Server.MaxGroupMembers, s.clients, s.events)

	s.peers = mesh.New(cfg.Server.ServerID, nil, cfg.Server.DialBackoffMin, cfg.Server.DialBackoffMax, s.dispatchPeer, s.events)

	s.routerImpl = router.New(cfg.Server.ServerID, s.clients, s.peers, s.groups, func(outcome string) {
		s.stats.MessagesRouted.WithLabelValues(outcome).Inc()
	})

	s.sched = scheduler.New(schedulerDelivery{s})

	backend := translate.Backend(passthroughBackend{})
	if cfg.Translate.LuaScript != "" {
		script, err := os.ReadFile(cfg.Translate.LuaScript)
		if err != nil {
			return nil, fmt.Errorf("server: lua script: %w", err)
		}
		backend = translate.NewLuaBackend(string(script))
	}
	s.xlate = translate.NewWithMetrics(backend, cfg.Translate.CacheSize, func(outcome string) {
		s.stats.TranslationCalls.WithLabelValues(outcome).Inc()
	})

	s.searchImpl = search.New(s.clients, s.peers)

	disc, err := discovery.New(discovery.Config{
		SelfServerID: cfg.Server.ServerID,
		UDPPort:      cfg.Server.UDPPort,
		PeerPorts:    cfg.Server.PeerPorts,
		OnNewPeer: func(rec discovery.Record) {
			addr := fmt.Sprintf("%s:%d", rec.Addr.IP.String(), cfg.Server.TCPPort)
			s.peers.DialPeer(rec.ServerID, addr)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("server: discovery: %w", err)
	}
	s.disc = disc

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.TCPPort))
	if err != nil {
		return nil, fmt.Errorf("server: tcp listen: %w", err)
	}
	s.tcpLn = ln

	return s, nil
}

// Addr returns the bound TCP address, useful when TCPPort is configured as
// 0 (an ephemeral port), e.g. in tests.
func (s *Server) Addr() net.Addr {
	return s.tcpLn.Addr()
}

// DialPeer initiates an outbound peer connection directly, bypassing UDP
// discovery. Exposed for tests that wire two servers together without a
// working broadcast socket.
func (s *Server) DialPeer(serverID, addr string) {
	s.peers.DialPeer(serverID, addr)
}

// passthroughBackend is the zero-config default: it returns the original
// text unchanged, matching spec.md §4.9's pass-through behavior when no
// real translation backend is configured.
type passthroughBackend struct{}

func (passthroughBackend) Translate(text, _ string) (string, error) { return text, nil }

// Run starts every subsystem goroutine and blocks until ctx is cancelled or
// a subsystem reports a fatal error, per spec.md §5's task shape.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.disc.Run()
		if err != nil {
			logging.Server.Errorw("discovery listener exited", "err", err)
		}
		return err
	})

	g.Go(func() error {
		s.acceptLoop()
		return nil
	})

	g.Go(func() error {
		s.sched.Run()
		return nil
	})

	g.Go(func() error {
		s.clients.RunHeartbeat(s.cfg.Server.HeartbeatInterval, s.cfg.Server.HeartbeatTimeout, s.stop)
		return nil
	})

	g.Go(func() error {
		s.peers.RunHeartbeat(s.cfg.Server.HeartbeatInterval, s.cfg.Server.HeartbeatTimeout, s.stop)
		return nil
	})

	g.Go(func() error {
		s.routerImpl.RunSweeper(s.cfg.Server.HeartbeatInterval, 5*time.Minute, s.stop)
		return nil
	})

	g.Go(func() error {
		s.runEventLog()
		return nil
	})

	g.Go(func() error {
		s.runMetricsRefresh(s.cfg.Server.HeartbeatInterval)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.Close()
		return nil
	})

	return g.Wait()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.tcpLn.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				logging.Server.Warnw("accept failed", "err", err)
				return
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	r := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	first, err := wire.ReadOne(r)
	if err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	if s.peers.AcceptConn(conn, first, r) {
		return
	}
	if s.clients.AcceptConn(conn, first, r) {
		return
	}
	logging.Server.Warnw("first frame was neither CONNECT_SERVER nor CONNECT_CLIENT, closing", "purpose", first.Purpose)
	s.stats.FramesMalformed.Inc()
	conn.Close()
}

// runEventLog subscribes to the membership-change event stream of
// spec.md §9 and logs each event, until stop is closed. It is the
// backbone's own observer — exactly the kind of consumer the sink was
// built to let additional components subscribe to without coupling them
// to mesh/clientsession/group internals.
func (s *Server) runEventLog() {
	ch := s.events.Subscribe()
	defer s.events.Unsubscribe(ch)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			logging.Server.Infow("membership event", "kind", evt.Kind, "subject", evt.Subject)
		case <-s.stop:
			return
		}
	}
}

// runMetricsRefresh periodically samples gauge-shaped state (connected
// peers/clients, active groups, pending reminders) until stop is closed.
func (s *Server) runMetricsRefresh(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.stats.PeersConnected.Set(float64(s.peers.Count()))
			s.stats.ClientsConnected.Set(float64(s.clients.Count()))
			s.stats.GroupsActive.Set(float64(s.groups.Count()))
			s.stats.RemindersPending.Set(float64(s.sched.Len()))
		case <-s.stop:
			return
		}
	}
}

// Close stops every subsystem. Safe to call once.
func (s *Server) Close() {
	select {
	case <-s.stop:
		return
	default:
	}
	close(s.stop)
	s.tcpLn.Close()
	s.disc.Close()
	s.sched.Stop()
	s.clients.Close()
	s.peers.Close()
}

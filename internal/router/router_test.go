package router

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/chatbackbone/internal/clientsession"
	"github.com/petervdpas/chatbackbone/internal/mesh"
	"github.com/petervdpas/chatbackbone/internal/wire"
)

type fakeGroups struct {
	members map[string][]wire.UserRef
}

func (f fakeGroups) Members(groupID string) ([]wire.UserRef, bool) {
	m, ok := f.members[groupID]
	return m, ok
}

func connectClient(t *testing.T, tbl *clientsession.Table, ln net.Listener, userID string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	hello, err := wire.Marshal(wire.ConnectClient, wire.ConnectClientPayload{User: wire.UserRef{UserID: userID}})
	require.NoError(t, err)
	_, err = conn.Write(wire.Encode(hello))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := wire.ReadOne(bufio.NewReader(conn))
	require.NoError(t, err)
	require.Equal(t, wire.Connected, reply.Purpose)
	return conn
}

func serveClients(t *testing.T, tbl *clientsession.Table) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				r := bufio.NewReader(conn)
				first, err := wire.ReadOne(r)
				if err != nil {
					conn.Close()
					return
				}
				tbl.AcceptConn(conn, first, r)
			}()
		}
	}()
	return ln
}

func readFrame(t *testing.T, conn net.Conn) wire.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := wire.ReadOne(bufio.NewReader(conn))
	require.NoError(t, err)
	return f
}

func TestRouteMessageDeliversLocally(t *testing.T) {
	clients := clientsession.New(nil, nil)
	ln := serveClients(t, clients)
	bobConn := connectClient(t, clients, ln, "bob")
	defer bobConn.Close()

	require.Eventually(t, func() bool { return clients.Count() == 1 }, time.Second, 10*time.Millisecond)

	peers := mesh.New("S1", nil, time.Millisecond, time.Millisecond, nil, nil)
	r := New("S1", clients, peers, fakeGroups{}, nil)

	msg := wire.ChatMessage{
		Snowflake:   1,
		Author:      wire.UserRef{UserID: "alice", ServerID: "S1"},
		Recipient:   wire.Recipient{User: &wire.UserRef{UserID: "bob", ServerID: "S1"}},
		TextContent: "hi",
	}
	f, err := wire.Marshal(wire.Message, msg)
	require.NoError(t, err)
	r.RouteMessage(f, msg, "S1")

	got := readFrame(t, bobConn)
	require.Equal(t, wire.Message, got.Purpose)
	require.Equal(t, 1, r.PendingCount())
}

func TestRouteMessageDeliveredLocallyStillRoutesAckBackToAuthor(t *testing.T) {
	clients := clientsession.New(nil, nil)
	ln := serveClients(t, clients)
	aliceConn := connectClient(t, clients, ln, "alice")
	defer aliceConn.Close()
	bobConn := connectClient(t, clients, ln, "bob")
	defer bobConn.Close()
	require.Eventually(t, func() bool { return clients.Count() == 2 }, time.Second, 10*time.Millisecond)

	peers := mesh.New("S1", nil, time.Millisecond, time.Millisecond, nil, nil)
	r := New("S1", clients, peers, fakeGroups{}, nil)

	msg := wire.ChatMessage{
		Snowflake:   1,
		Author:      wire.UserRef{UserID: "alice", ServerID: "S1"},
		Recipient:   wire.Recipient{User: &wire.UserRef{UserID: "bob", ServerID: "S1"}},
		TextContent: "hi",
	}
	f, err := wire.Marshal(wire.Message, msg)
	require.NoError(t, err)
	r.RouteMessage(f, msg, "S1")
	readFrame(t, bobConn) // bob receives the MESSAGE

	ack := wire.MessageAckPayload{Snowflake: 1, Statuses: []wire.AckEntry{{User: wire.UserRef{UserID: "bob"}, Status: wire.StatusDelivered}}}
	ackFrame, err := wire.Marshal(wire.MessageAck, ack)
	require.NoError(t, err)
	r.RouteAck(ackFrame, ack)

	got := readFrame(t, aliceConn)
	require.Equal(t, wire.MessageAck, got.Purpose)
	require.Equal(t, 0, r.PendingCount())
}

func TestRouteMessageForwardsToKnownPeer(t *testing.T) {
	clients := clientsession.New(nil, nil)
	serveClients(t, clients)

	peerLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peerLn.Close()

	var received wire.Frame
	gotCh := make(chan struct{})
	go func() {
		conn, err := peerLn.Accept()
		if err != nil {
			return
		}
		r := bufio.NewReader(conn)
		first, err := wire.ReadOne(r)
		if err != nil {
			return
		}
		_ = first // CONNECT_SERVER
		reply, _ := wire.Marshal(wire.Connected, wire.ConnectedPayload{Result: wire.ResultOK})
		conn.Write(wire.Encode(reply))
		f, err := wire.ReadOne(r)
		if err == nil {
			received = f
			close(gotCh)
		}
	}()

	peers := mesh.New("S1", nil, time.Millisecond, 2*time.Millisecond, nil, nil)
	peers.DialPeer("S2", peerLn.Addr().String())
	require.Eventually(t, func() bool { _, ok := peers.Get("S2"); return ok }, time.Second, 10*time.Millisecond)

	r := New("S1", clients, peers, fakeGroups{}, nil)
	msg := wire.ChatMessage{
		Snowflake: 2,
		Author:    wire.UserRef{UserID: "alice", ServerID: "S1"},
		Recipient: wire.Recipient{User: &wire.UserRef{UserID: "carol", ServerID: "S2"}},
	}
	f, err := wire.Marshal(wire.Message, msg)
	require.NoError(t, err)
	r.RouteMessage(f, msg, "S1")

	select {
	case <-gotCh:
		require.Equal(t, wire.Message, received.Purpose)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received forwarded message")
	}
	require.Equal(t, 1, r.PendingCount())
}

func TestRouteAckForwardsToLocalSource(t *testing.T) {
	clients := clientsession.New(nil, nil)
	ln := serveClients(t, clients)
	aliceConn := connectClient(t, clients, ln, "alice")
	defer aliceConn.Close()
	require.Eventually(t, func() bool { return clients.Count() == 1 }, time.Second, 10*time.Millisecond)

	peers := mesh.New("S1", nil, time.Millisecond, time.Millisecond, nil, nil)
	r := New("S1", clients, peers, fakeGroups{}, nil)
	r.registerPendingAck(42, wire.UserRef{UserID: "alice", ServerID: "S1"})

	ack := wire.MessageAckPayload{Snowflake: 42, Statuses: []wire.AckEntry{{User: wire.UserRef{UserID: "bob"}, Status: wire.StatusDelivered}}}
	f, err := wire.Marshal(wire.MessageAck, ack)
	require.NoError(t, err)
	r.RouteAck(f, ack)

	got := readFrame(t, aliceConn)
	require.Equal(t, wire.MessageAck, got.Purpose)
	require.Equal(t, 0, r.PendingCount())
}

func TestRouteAckUnknownSnowflakeIsNoop(t *testing.T) {
	clients := clientsession.New(nil, nil)
	peers := mesh.New("S1", nil, time.Millisecond, time.Millisecond, nil, nil)
	r := New("S1", clients, peers, fakeGroups{}, nil)

	ack := wire.MessageAckPayload{Snowflake: 999}
	f, _ := wire.Marshal(wire.MessageAck, ack)
	require.NotPanics(t, func() { r.RouteAck(f, ack) })
}

func TestRouteMessageToGroupSkipsAuthorAndDeliversToMembers(t *testing.T) {
	clients := clientsession.New(nil, nil)
	ln := serveClients(t, clients)
	bobConn := connectClient(t, clients, ln, "bob")
	defer bobConn.Close()
	require.Eventually(t, func() bool { return clients.Count() == 1 }, time.Second, 10*time.Millisecond)

	groups := fakeGroups{members: map[string][]wire.UserRef{
		"g1": {
			{UserID: "alice", ServerID: "S1"},
			{UserID: "bob", ServerID: "S1"},
		},
	}}
	peers := mesh.New("S1", nil, time.Millisecond, time.Millisecond, nil, nil)
	r := New("S1", clients, peers, groups, nil)

	msg := wire.ChatMessage{
		Snowflake: 7,
		Author:    wire.UserRef{UserID: "alice", ServerID: "S1"},
		Recipient: wire.Recipient{Group: &wire.GroupRef{GroupID: "g1", ServerID: "S1"}},
	}
	f, err := wire.Marshal(wire.Message, msg)
	require.NoError(t, err)
	r.RouteMessage(f, msg, "S1")

	got := readFrame(t, bobConn)
	require.Equal(t, wire.Message, got.Purpose)
}

func TestSweepPendingAcksEvictsStaleEntries(t *testing.T) {
	clients := clientsession.New(nil, nil)
	peers := mesh.New("S1", nil, time.Millisecond, time.Millisecond, nil, nil)
	r := New("S1", clients, peers, fakeGroups{}, nil)
	r.registerPendingAck(1, wire.UserRef{UserID: "alice"})
	require.Equal(t, 1, r.PendingCount())

	time.Sleep(5 * time.Millisecond)
	r.SweepPendingAcks(time.Millisecond)
	require.Equal(t, 0, r.PendingCount())
}

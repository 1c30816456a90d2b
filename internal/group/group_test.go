package group

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/chatbackbone/internal/logging"
	"github.com/petervdpas/chatbackbone/internal/wire"
)

type fakeNotifier struct {
	mu  sync.Mutex
	got map[string][]wire.Frame
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{got: make(map[string][]wire.Frame)}
}

func (f *fakeNotifier) SendToUser(userID string, fr wire.Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got[userID] = append(f.got[userID], fr)
	return true
}

func (f *fakeNotifier) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got[userID])
}

func TestModifyCreatesGroupWithAdminsAsMembers(t *testing.T) {
	reg := New(0, newFakeNotifier(), nil)
	result := reg.Modify(wire.ModifyGroupPayload{GroupID: "g1", DisplayName: "Team", Admins: []string{"alice"}})
	require.Equal(t, wire.ResultSuccess, result)

	members, ok := reg.Members("g1")
	require.True(t, ok)
	require.Len(t, members, 1)
	require.Equal(t, "alice", members[0].UserID)
}

func TestModifyDeleteUnknownGroupReturnsNotFound(t *testing.T) {
	reg := New(0, newFakeNotifier(), nil)
	result := reg.Modify(wire.ModifyGroupPayload{GroupID: "ghost", DeleteFlag: true})
	require.Equal(t, wire.ResultNotFound, result)
}

func TestModifyUpdateKeepsExistingMembers(t *testing.T) {
	reg := New(0, newFakeNotifier(), nil)
	reg.Modify(wire.ModifyGroupPayload{GroupID: "g1", Admins: []string{"alice"}})
	reg.Join("g1", wire.UserRef{UserID: "bob"})

	reg.Modify(wire.ModifyGroupPayload{GroupID: "g1", DisplayName: "Renamed", Admins: []string{"alice", "bob"}})

	members, ok := reg.Members("g1")
	require.True(t, ok)
	require.Len(t, members, 2)
}

func TestInviteRequiresAdmin(t *testing.T) {
	notifier := newFakeNotifier()
	reg := New(0, notifier, nil)
	reg.Modify(wire.ModifyGroupPayload{GroupID: "g1", Admins: []string{"alice"}})

	ok := reg.Invite("g1", "bob", wire.UserRef{UserID: "carol"})
	require.False(t, ok)
	require.Equal(t, 0, notifier.count("carol"))

	ok = reg.Invite("g1", "alice", wire.UserRef{UserID: "carol"})
	require.True(t, ok)
	require.Equal(t, 1, notifier.count("carol"))
}

func TestJoinRespectsMemberCap(t *testing.T) {
	reg := New(1, newFakeNotifier(), nil)
	reg.Modify(wire.ModifyGroupPayload{GroupID: "g1", Admins: []string{"alice"}})

	result := reg.Join("g1", wire.UserRef{UserID: "bob"})
	require.Equal(t, wire.ResultGroupFull, result)
}

func TestJoinIsNoOpWhenAlreadyMember(t *testing.T) {
	reg := New(0, newFakeNotifier(), nil)
	reg.Modify(wire.ModifyGroupPayload{GroupID: "g1", Admins: []string{"alice"}})
	reg.Join("g1", wire.UserRef{UserID: "alice"})

	members, _ := reg.Members("g1")
	require.Len(t, members, 1)
}

func TestJoinFansOutGroupMembersToExistingMembers(t *testing.T) {
	notifier := newFakeNotifier()
	reg := New(0, notifier, nil)
	reg.Modify(wire.ModifyGroupPayload{GroupID: "g1", Admins: []string{"alice"}})
	reg.Join("g1", wire.UserRef{UserID: "bob"})

	require.Equal(t, 1, notifier.count("alice"))
	require.Equal(t, 1, notifier.count("bob"))
}

func TestLeaveDeletesGroupWhenEmpty(t *testing.T) {
	reg := New(0, newFakeNotifier(), nil)
	reg.Modify(wire.ModifyGroupPayload{GroupID: "g1", Admins: []string{"alice"}})
	reg.Leave("g1", "alice")

	_, ok := reg.Members("g1")
	require.False(t, ok)
}

func TestLeaveFansOutToRemainder(t *testing.T) {
	notifier := newFakeNotifier()
	reg := New(0, notifier, nil)
	reg.Modify(wire.ModifyGroupPayload{GroupID: "g1", Admins: []string{"alice"}})
	reg.Join("g1", wire.UserRef{UserID: "bob"})
	reg.Leave("g1", "alice")

	members, ok := reg.Members("g1")
	require.True(t, ok)
	require.Len(t, members, 1)
	require.Equal(t, "bob", members[0].UserID)
}

func TestQueryMembersUnknownGroup(t *testing.T) {
	reg := New(0, newFakeNotifier(), nil)
	users, result := reg.QueryMembers("ghost")
	require.Nil(t, users)
	require.Equal(t, wire.ResultNotFound, result)
}

func TestModifyPublishesGroupChangedEvent(t *testing.T) {
	events := logging.NewSink()
	ch := events.Subscribe()
	defer events.Unsubscribe(ch)

	reg := New(0, newFakeNotifier(), events)
	reg.Modify(wire.ModifyGroupPayload{GroupID: "g1", Admins: []string{"alice"}})

	select {
	case evt := <-ch:
		require.Equal(t, logging.EventGroupChanged, evt.Kind)
		require.Equal(t, "g1", evt.Subject)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for GROUP_CHANGED event")
	}
}

// Package group implements the group registry (C7, spec.md §4.7 and §3):
// admins/members membership, create/update/delete, invite, join, leave, and
// the SPEC_FULL member-cap addition.
package group

import (
	"sync"

	"github.com/petervdpas/chatbackbone/internal/logging"
	"github.com/petervdpas/chatbackbone/internal/wire"
)

// record is the server-local state for one group: admins ⊆ members always
// holds (spec.md §3 invariant).
type record struct {
	DisplayName string
	Admins      map[string]struct{}
	Members     map[string]wire.UserRef
}

func newRecord(displayName string) *record {
	return &record{
		DisplayName: displayName,
		Admins:      make(map[string]struct{}),
		Members:     make(map[string]wire.UserRef),
	}
}

func (r *record) memberList() []wire.UserRef {
	out := make([]wire.UserRef, 0, len(r.Members))
	for _, u := range r.Members {
		out = append(out, u)
	}
	return out
}

// Notifier pushes a frame to a locally connected user, used to fan out
// GROUP_MEMBERS after every membership change (spec.md §4.7).
type Notifier interface {
	SendToUser(userID string, f wire.Frame) bool
}

// Registry owns every locally-hosted group, modeled on the teacher's
// hostedGroup/members map (internal/group/manager.go), generalized here for
// an admin/member split the teacher's relay groups do not have.
type Registry struct {
	maxMembers int
	notify     Notifier
	events     *logging.Sink

	mu     sync.Mutex
	groups map[string]*record
}

// New constructs an empty registry. maxMembers <= 0 means unlimited
// (SPEC_FULL §4 addition). events may be nil.
func New(maxMembers int, notify Notifier, events *logging.Sink) *Registry {
	return &Registry{
		maxMembers: maxMembers,
		notify:     notify,
		events:     events,
		groups:     make(map[string]*record),
	}
}

// Members implements router.GroupLookup.
func (g *Registry) Members(groupID string) ([]wire.UserRef, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.groups[groupID]
	if !ok {
		return nil, false
	}
	return rec.memberList(), true
}

// publishChanged notifies subscribers of spec.md §9's membership-change
// event stream that a group's membership or existence changed.
func (g *Registry) publishChanged(groupID string) {
	if g.events != nil {
		g.events.Publish(logging.Event{Kind: logging.EventGroupChanged, Subject: groupID})
	}
}

// Modify handles MODIFY_GROUP (spec.md §4.7): delete-if-flagged, else
// create-or-update. Returns the result code to reply with.
func (g *Registry) Modify(p wire.ModifyGroupPayload) string {
	g.mu.Lock()

	rec, exists := g.groups[p.GroupID]

	if p.DeleteFlag {
		if !exists {
			g.mu.Unlock()
			return wire.ResultNotFound
		}
		delete(g.groups, p.GroupID)
		g.mu.Unlock()
		g.publishChanged(p.GroupID)
		return wire.ResultSuccess
	}

	if !exists {
		rec = newRecord(p.DisplayName)
		for _, admin := range p.Admins {
			rec.Admins[admin] = struct{}{}
			rec.Members[admin] = wire.UserRef{UserID: admin}
		}
		g.groups[p.GroupID] = rec
		g.mu.Unlock()
		g.publishChanged(p.GroupID)
		return wire.ResultSuccess
	}

	rec.DisplayName = p.DisplayName
	rec.Admins = make(map[string]struct{}, len(p.Admins))
	for _, admin := range p.Admins {
		rec.Admins[admin] = struct{}{}
		if _, ok := rec.Members[admin]; !ok {
			rec.Members[admin] = wire.UserRef{UserID: admin}
		}
	}
	g.mu.Unlock()
	g.publishChanged(p.GroupID)
	return wire.ResultSuccess
}

// Invite handles INVITE_GROUP: only an admin may invite, and delivery is
// local-session-only with no offline queue (spec.md §4.7).
func (g *Registry) Invite(groupID string, inviter string, invitee wire.UserRef) bool {
	g.mu.Lock()
	rec, exists := g.groups[groupID]
	if !exists {
		g.mu.Unlock()
		return false
	}
	_, isAdmin := rec.Admins[inviter]
	g.mu.Unlock()
	if !isAdmin {
		return false
	}

	if g.notify == nil {
		return false
	}
	notice, err := wire.Marshal(wire.NotifyGroupInvite, wire.NotifyGroupInvitePayload{
		Group: wire.GroupRef{GroupID: groupID},
	})
	if err != nil {
		logging.Group.Warnw("failed to build NOTIFY_GROUP_INVITE", "err", err)
		return false
	}
	return g.notify.SendToUser(invitee.UserID, notice)
}

// QueryMembers handles QUERY_GROUP_MEMBERS.
func (g *Registry) QueryMembers(groupID string) (users []wire.UserRef, result string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.groups[groupID]
	if !ok {
		return nil, wire.ResultNotFound
	}
	return rec.memberList(), wire.ResultSuccess
}

// Join handles JOIN_GROUP: add user to members (no-op if present), capped
// by maxMembers (SPEC_FULL §4 addition), then fan out GROUP_MEMBERS.
func (g *Registry) Join(groupID string, user wire.UserRef) string {
	g.mu.Lock()
	rec, exists := g.groups[groupID]
	if !exists {
		g.mu.Unlock()
		return wire.ResultNotFound
	}
	if _, already := rec.Members[user.UserID]; !already {
		if g.maxMembers > 0 && len(rec.Members) >= g.maxMembers {
			g.mu.Unlock()
			return wire.ResultGroupFull
		}
		rec.Members[user.UserID] = user
	}
	members := rec.memberList()
	g.mu.Unlock()

	g.fanOutMembers(groupID, members)
	g.publishChanged(groupID)
	return wire.ResultSuccess
}

// Leave handles LEAVE_GROUP: remove from admins and members; delete the
// group if members empties, else fan out the remainder (spec.md §4.7).
func (g *Registry) Leave(groupID string, userID string) {
	g.mu.Lock()
	rec, exists := g.groups[groupID]
	if !exists {
		g.mu.Unlock()
		return
	}
	delete(rec.Admins, userID)
	delete(rec.Members, userID)
	empty := len(rec.Members) == 0
	if empty {
		delete(g.groups, groupID)
	}
	members := rec.memberList()
	g.mu.Unlock()

	if !empty {
		g.fanOutMembers(groupID, members)
	}
	g.publishChanged(groupID)
}

func (g *Registry) fanOutMembers(groupID string, members []wire.UserRef) {
	if g.notify == nil {
		return
	}
	frame, err := wire.Marshal(wire.GroupMembers, wire.GroupMembersPayload{
		Group:  wire.GroupRef{GroupID: groupID},
		Result: wire.ResultSuccess,
		Users:  members,
	})
	if err != nil {
		logging.Group.Warnw("failed to build GROUP_MEMBERS", "err", err)
		return
	}
	for _, m := range members {
		g.notify.SendToUser(m.UserID, frame)
	}
}

// Count reports the number of active groups, for metrics.
func (g *Registry) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.groups)
}

package server

import (
	"time"

	"github.com/petervdpas/chatbackbone/internal/clientsession"
	"github.com/petervdpas/chatbackbone/internal/logging"
	"github.com/petervdpas/chatbackbone/internal/mesh"
	"github.com/petervdpas/chatbackbone/internal/wire"
)

func timeNowPlus(seconds int64) time.Time {
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// dispatchClient and dispatchPeer both funnel into handleFrame: the single
// dispatcher table named in spec.md §9, shared by client and peer read
// loops so a purpose is handled identically regardless of which kind of
// connection it arrived on.
func (s *Server) dispatchClient(from *clientsession.Session, f wire.Frame) {
	s.stats.FramesParsed.WithLabelValues(string(f.Purpose)).Inc()
	s.handleFrame(f, from.UserID, s.cfg.Server.ServerID, from.Send)
}

func (s *Server) dispatchPeer(from *mesh.Session, f wire.Frame) {
	s.stats.FramesParsed.WithLabelValues(string(f.Purpose)).Inc()
	s.handleFrame(f, "", from.ServerID, from.Send)
}

// handleFrame implements spec.md §4.6-§4.10's purpose-routing table.
// sourceUserID is set only for client-originated frames; sourceServerID is
// the peer's serverId for peer-originated frames, or this server's own id
// for client-originated frames. reply sends a frame back down the
// connection the inbound frame arrived on.
func (s *Server) handleFrame(f wire.Frame, sourceUserID, sourceServerID string, reply func(wire.Frame)) {
	switch f.Purpose {
	case wire.Message:
		s.onMessage(f, sourceServerID)

	case wire.MessageAck:
		s.onMessageAck(f)

	case wire.SearchUsers:
		s.onSearchUsers(f, sourceUserID, sourceServerID, reply)

	case wire.SearchUsersResp:
		s.onSearchUsersResp(f)

	case wire.ModifyGroup:
		s.onModifyGroup(f, reply)

	case wire.InviteGroup:
		s.onInviteGroup(f, sourceUserID)

	case wire.JoinGroup:
		s.onJoinGroup(f, reply)

	case wire.LeaveGroup:
		s.onLeaveGroup(f)

	case wire.QueryGroupMembers:
		s.onQueryGroupMembers(f, reply)

	case wire.SetReminder:
		s.onSetReminder(f, sourceUserID, sourceServerID, reply)

	case wire.CancelReminder:
		s.onCancelReminder(f, reply)

	case wire.Translate:
		s.onTranslate(f, reply)

	default:
		logging.Server.Debugw("no handler for purpose, ignoring", "purpose", f.Purpose)
	}
}

func (s *Server) onMessage(f wire.Frame, sourceServerID string) {
	var msg wire.ChatMessage
	if err := wire.Unmarshal(f, &msg); err != nil {
		logging.Server.Warnw("malformed MESSAGE", "err", err)
		return
	}

	s.xlate.FillMessage(&msg)
	if msg.Translation != nil {
		refreshed, err := wire.Marshal(wire.Message, msg)
		if err == nil {
			f = refreshed
		}
	}

	s.routerImpl.RouteMessage(f, msg, sourceServerID)
}

func (s *Server) onMessageAck(f wire.Frame) {
	var ack wire.MessageAckPayload
	if err := wire.Unmarshal(f, &ack); err != nil {
		logging.Server.Warnw("malformed MESSAGE_ACK", "err", err)
		return
	}
	s.routerImpl.RouteAck(f, ack)
}

func (s *Server) onSearchUsers(f wire.Frame, sourceUserID, sourceServerID string, reply func(wire.Frame)) {
	var p wire.SearchUsersPayload
	if err := wire.Unmarshal(f, &p); err != nil {
		logging.Server.Warnw("malformed SEARCH_USERS", "err", err)
		return
	}
	if sourceServerID != s.cfg.Server.ServerID {
		// Arrived from a peer fanning out its own client's query: answer with
		// our local matches directly on this connection rather than
		// re-broadcasting (spec.md §4.10 only fans out from the origin).
		resp, err := wire.Marshal(wire.SearchUsersResp, wire.SearchUsersRespPayload{
			Handle: p.Handle,
			Users:  localMatches(s.clients.LocalUsers(), p.Query),
		})
		if err == nil {
			reply(resp)
		}
		return
	}
	s.searchImpl.HandleSearch(sourceUserID, p)
	s.stats.SearchFanouts.Inc()
}

func localMatches(users []wire.UserRef, query string) []wire.UserRef {
	var out []wire.UserRef
	for _, u := range users {
		if containsSubstring(u.UserID, query) {
			out = append(out, u)
		}
	}
	return out
}

func containsSubstring(s, substr string) bool {
	if substr == "" {
		return true
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func (s *Server) onSearchUsersResp(f wire.Frame) {
	var p wire.SearchUsersRespPayload
	if err := wire.Unmarshal(f, &p); err != nil {
		logging.Server.Warnw("malformed SEARCH_USERS_RESP", "err", err)
		return
	}
	s.searchImpl.HandlePeerReply(f, p)
}

func (s *Server) onModifyGroup(f wire.Frame, reply func(wire.Frame)) {
	var p wire.ModifyGroupPayload
	if err := wire.Unmarshal(f, &p); err != nil {
		logging.Server.Warnw("malformed MODIFY_GROUP", "err", err)
		return
	}
	result := s.groups.Modify(p)
	resp, err := wire.Marshal(wire.ModifyGroupResp, wire.ModifyGroupRespPayload{Handle: p.Handle, Result: result})
	if err == nil {
		reply(resp)
	}
}

func (s *Server) onInviteGroup(f wire.Frame, sourceUserID string) {
	var p wire.InviteGroupPayload
	if err := wire.Unmarshal(f, &p); err != nil {
		logging.Server.Warnw("malformed INVITE_GROUP", "err", err)
		return
	}
	_ = s.groups.Invite(p.GroupID, sourceUserID, p.Invitee)
}

func (s *Server) onJoinGroup(f wire.Frame, reply func(wire.Frame)) {
	var p wire.JoinLeaveGroupPayload
	if err := wire.Unmarshal(f, &p); err != nil {
		logging.Server.Warnw("malformed JOIN_GROUP", "err", err)
		return
	}
	result := s.groups.Join(p.Group.GroupID, p.User)
	if result == wire.ResultGroupFull {
		resp, err := wire.Marshal(wire.GroupMembers, wire.GroupMembersPayload{Group: p.Group, Result: wire.ResultGroupFull})
		if err == nil {
			reply(resp)
		}
	}
}

func (s *Server) onLeaveGroup(f wire.Frame) {
	var p wire.JoinLeaveGroupPayload
	if err := wire.Unmarshal(f, &p); err != nil {
		logging.Server.Warnw("malformed LEAVE_GROUP", "err", err)
		return
	}
	s.groups.Leave(p.Group.GroupID, p.User.UserID)
}

func (s *Server) onQueryGroupMembers(f wire.Frame, reply func(wire.Frame)) {
	var p wire.QueryGroupMembersPayload
	if err := wire.Unmarshal(f, &p); err != nil {
		logging.Server.Warnw("malformed QUERY_GROUP_MEMBERS", "err", err)
		return
	}
	users, result := s.groups.QueryMembers(p.Group.GroupID)
	resp, err := wire.Marshal(wire.GroupMembers, wire.GroupMembersPayload{Group: p.Group, Result: result, Users: users})
	if err == nil {
		reply(resp)
	}
}

func (s *Server) onSetReminder(f wire.Frame, sourceUserID, sourceServerID string, reply func(wire.Frame)) {
	var p wire.SetReminderPayload
	if err := wire.Unmarshal(f, &p); err != nil {
		logging.Server.Warnw("malformed SET_REMINDER", "err", err)
		return
	}
	// Authority rule (spec.md §4.8): a user may only set reminders for
	// themselves. The frame must come from a local client session and its
	// target must equal that session's bare userId; the reminder is then
	// registered under that bare userId. A SET_REMINDER arriving from a peer,
	// or one whose target uses the "userId@serverId" form, is rejected.
	if sourceServerID != s.cfg.Server.ServerID || p.TargetUser != sourceUserID {
		logging.Server.Warnw("SET_REMINDER target differs from session user, rejecting", "session", sourceUserID, "target", p.TargetUser)
		return
	}
	s.sched.Insert(p.TargetUser, p.Event, timeNowPlus(p.CountdownSeconds))
}

func (s *Server) onCancelReminder(f wire.Frame, reply func(wire.Frame)) {
	var p wire.CancelReminderPayload
	if err := wire.Unmarshal(f, &p); err != nil {
		logging.Server.Warnw("malformed CANCEL_REMINDER", "err", err)
		return
	}
	cancelled := s.sched.Cancel(p.TargetUser, p.Event)
	resp, err := wire.Marshal(wire.ReminderAck, wire.ReminderAckPayload{Event: p.Event, Cancelled: cancelled})
	if err == nil {
		reply(resp)
	}
}

func (s *Server) onTranslate(f wire.Frame, reply func(wire.Frame)) {
	var p wire.TranslatePayload
	if err := wire.Unmarshal(f, &p); err != nil {
		logging.Server.Warnw("malformed TRANSLATE", "err", err)
		return
	}
	result := s.xlate.HandleTranslateRequest(p)
	resp, err := wire.Marshal(wire.Translated, result)
	if err == nil {
		reply(resp)
	}
}

package wire

import "encoding/json"

// Purpose is the ASCII token identifying a frame's payload type. It is a
// closed set (spec.md §4.2); anything else is logged and ignored by
// dispatchers (spec.md §4.2, §9).
type Purpose string

const (
	DiscoverServer Purpose = "DISCOVER_SERVER"
	ServerAnnounce Purpose = "SERVER_ANNOUNCE"

	ConnectClient Purpose = "CONNECT_CLIENT"
	ConnectServer Purpose = "CONNECT_SERVER"
	Connected     Purpose = "CONNECTED"

	Ping Purpose = "PING"
	Pong Purpose = "PONG"

	Message    Purpose = "MESSAGE"
	MessageAck Purpose = "MESSAGE_ACK"

	SearchUsers     Purpose = "SEARCH_USERS"
	SearchUsersResp Purpose = "SEARCH_USERS_RESP"

	ModifyGroup     Purpose = "MODIFY_GROUP"
	ModifyGroupResp Purpose = "MODIFY_GROUP_RESP"

	InviteGroup       Purpose = "INVITE_GROUP"
	NotifyGroupInvite Purpose = "NOTIFY_GROUP_INVITE"

	JoinGroup  Purpose = "JOIN_GROUP"
	LeaveGroup Purpose = "LEAVE_GROUP"

	QueryGroupMembers Purpose = "QUERY_GROUP_MEMBERS"
	GroupMembers      Purpose = "GROUP_MEMBERS"

	SetReminder    Purpose = "SET_REMINDER"
	CancelReminder Purpose = "CANCEL_REMINDER" // SPEC_FULL §4 supplement
	ReminderAck    Purpose = "REMINDER_ACK"     // SPEC_FULL §4 supplement
	Reminder       Purpose = "REMINDER"

	Translate  Purpose = "TRANSLATE"
	Translated Purpose = "TRANSLATED"
)

// UserRef uniquely identifies a user across the federation: userId alone is
// only unique within serverId (spec.md §3).
type UserRef struct {
	UserID   string `json:"userId"`
	ServerID string `json:"serverId"`
}

// GroupRef identifies a group and the server that owns its state.
type GroupRef struct {
	GroupID  string `json:"groupId"`
	ServerID string `json:"serverId"`
}

// Feature advertises a named capability and the TCP port it is served on.
type Feature struct {
	FeatureName string `json:"featureName"`
	Port        int    `json:"port"`
}

// Result codes carried by CONNECTED and MODIFY_GROUP_RESP.
const (
	ResultOK                 = "OK"
	ResultIsAlreadyConnected = "IS_ALREADY_CONNECTED"
	ResultAlreadyConnected   = "ALREADY_CONNECTED"
	ResultSuccess            = "SUCCESS"
	ResultNotFound           = "NOT_FOUND"
	ResultGroupFull          = "GROUP_FULL"
	ResultNotPermitted       = "NOT_PERMITTED"
)

// ACK delivery statuses carried in MessageAckPayload.Statuses.
const (
	StatusDelivered = "DELIVERED"
	StatusFailed    = "FAILED"
)

type ServerAnnouncePayload struct {
	ServerID string    `json:"serverId"`
	Features []Feature `json:"features"`
}

type ConnectClientPayload struct {
	User UserRef `json:"user"`
}

type ConnectServerPayload struct {
	ServerID string    `json:"serverId"`
	Features []Feature `json:"features"`
}

type ConnectedPayload struct {
	Result string `json:"result"`
}

// TranslationContent carries the translation-typed MESSAGE content named
// in spec.md §4.2. Exactly one of TextContent / Translation is populated.
type TranslationContent struct {
	TargetLang     string `json:"targetLang"`
	OriginalText   string `json:"originalText"`
	TranslatedText string `json:"translatedText,omitempty"`
}

// Recipient is a oneof over user/group recipients.
type Recipient struct {
	User  *UserRef  `json:"user,omitempty"`
	Group *GroupRef `json:"group,omitempty"`
}

type ChatMessage struct {
	Snowflake   int64               `json:"snowflake"`
	Author      UserRef             `json:"author"`
	Recipient   Recipient           `json:"recipient"`
	TextContent string              `json:"textContent,omitempty"`
	Translation *TranslationContent `json:"translation,omitempty"`
}

type AckEntry struct {
	User   UserRef `json:"user"`
	Status string  `json:"status"`
}

type MessageAckPayload struct {
	Snowflake int64      `json:"snowflake"`
	Statuses  []AckEntry `json:"statuses"`
}

type SearchUsersPayload struct {
	Query  string `json:"query"`
	Handle int64  `json:"handle"`
}

type SearchUsersRespPayload struct {
	Handle int64    `json:"handle"`
	Users  []UserRef `json:"users"`
}

type ModifyGroupPayload struct {
	Handle      int64    `json:"handle"`
	GroupID     string   `json:"groupId"`
	DisplayName string   `json:"displayName,omitempty"`
	DeleteFlag  bool     `json:"deleteFlag,omitempty"`
	Admins      []string `json:"admins,omitempty"`
}

type ModifyGroupRespPayload struct {
	Handle int64  `json:"handle"`
	Result string `json:"result"`
}

type InviteGroupPayload struct {
	Handle  int64   `json:"handle"`
	GroupID string  `json:"groupId"`
	Invitee UserRef `json:"invitee"`
}

type NotifyGroupInvitePayload struct {
	Handle int64    `json:"handle"`
	Group  GroupRef `json:"group"`
}

type JoinLeaveGroupPayload struct {
	Group GroupRef `json:"group"`
	User  UserRef  `json:"user"`
}

type QueryGroupMembersPayload struct {
	Group GroupRef `json:"group"`
}

type GroupMembersPayload struct {
	Group  GroupRef  `json:"group"`
	Result string    `json:"result"`
	Users  []UserRef `json:"users"`
}

type SetReminderPayload struct {
	TargetUser       string `json:"targetUser"`
	Event            string `json:"event"`
	CountdownSeconds int64  `json:"countdownSeconds"`
}

type CancelReminderPayload struct {
	TargetUser string `json:"targetUser"`
	Event      string `json:"event"`
}

type ReminderAckPayload struct {
	Event     string `json:"event"`
	Cancelled bool   `json:"cancelled"`
}

type ReminderPayload struct {
	User    UserRef `json:"user"`
	Content string  `json:"content"`
}

type TranslatePayload struct {
	TargetLang     string `json:"targetLang"`
	OriginalText   string `json:"originalText"`
	TranslatedText string `json:"translatedText,omitempty"`
}

// Marshal encodes a payload value with stable field identity (JSON struct
// tags) into a Frame of the given purpose.
func Marshal(p Purpose, v any) (Frame, error) {
	if v == nil {
		return Frame{Purpose: p}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Purpose: p, Payload: b}, nil
}

// Unmarshal decodes a frame's payload into v.
func Unmarshal(f Frame, v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Event kinds.
const (
	KindLoginResponse       Kind = "LOGIN_RESPONSE"
	KindMessageBroadcast    Kind = "MESSAGE_BROADCAST"
	KindUserListUpdate      Kind = "USER_LIST_UPDATE"
	KindPrivateMessage      Kind = "PRIVATE_MESSAGE"
	KindConversationHistory Kind = "CONVERSATION_HISTORY"
	KindConversationsList   Kind = "CONVERSATIONS_LIST"
	KindContactsList        Kind = "CONTACTS_LIST"
	KindUserSearchResults   Kind = "USER_SEARCH_RESULTS"
	KindForcedDisconnect    Kind = "FORCED_DISCONNECT"
	KindError               Kind = "ERROR"
	KindSuccess             Kind = "SUCCESS"
	KindPong                Kind = "PONG"
)

// Event is a server-to-client message.
type Event interface {
	Kind() Kind
}

// AuthAccepted confirms login or registration.
type AuthAccepted struct {
	SessionID string   `json:"session_id"`
	User      UserInfo `json:"user"`
}

type GroupMessageBroadcast struct {
	MessageInfo
}

type PresenceListUpdate struct {
	Users []UserInfo `json:"users"`
}

type PrivateMessageDelivered struct {
	PrivateMessageInfo
}

type ConversationSnapshot struct {
	OtherUserID int64                `json:"other_user_id"`
	Messages    []PrivateMessageInfo `json:"messages"`
}

type ConversationList struct {
	Conversations []ConversationInfo `json:"conversations"`
}

type ContactList struct {
	Contacts []ContactInfo `json:"contacts"`
}

type UserSearchResults struct {
	Query string     `json:"query"`
	Users []UserInfo `json:"users"`
}

type ForcedDisconnectNotice struct {
	Reason string `json:"reason"`
}

type ErrorNotice struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// OperationAck confirms a request that has no other response.
type OperationAck struct {
	Request Kind   `json:"request"`
	Message string `json:"message"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

func (AuthAccepted) Kind() Kind            { return KindLoginResponse }
func (GroupMessageBroadcast) Kind() Kind   { return KindMessageBroadcast }
func (PresenceListUpdate) Kind() Kind      { return KindUserListUpdate }
func (PrivateMessageDelivered) Kind() Kind { return KindPrivateMessage }
func (ConversationSnapshot) Kind() Kind    { return KindConversationHistory }
func (ConversationList) Kind() Kind        { return KindConversationsList }
func (ContactList) Kind() Kind             { return KindContactsList }
func (UserSearchResults) Kind() Kind       { return KindUserSearchResults }
func (ForcedDisconnectNotice) Kind() Kind  { return KindForcedDisconnect }
func (ErrorNotice) Kind() Kind             { return KindError }
func (OperationAck) Kind() Kind            { return KindSuccess }
func (Pong) Kind() Kind                    { return KindPong }

var eventFactories = map[Kind]func() Event{
	KindLoginResponse:       func() Event { return &AuthAccepted{} },
	KindMessageBroadcast:    func() Event { return &GroupMessageBroadcast{} },
	KindUserListUpdate:      func() Event { return &PresenceListUpdate{} },
	KindPrivateMessage:      func() Event { return &PrivateMessageDelivered{} },
	KindConversationHistory: func() Event { return &ConversationSnapshot{} },
	KindConversationsList:   func() Event { return &ConversationList{} },
	KindContactsList:        func() Event { return &ContactList{} },
	KindUserSearchResults:   func() Event { return &UserSearchResults{} },
	KindForcedDisconnect:    func() Event { return &ForcedDisconnectNotice{} },
	KindError:               func() Event { return &ErrorNotice{} },
	KindSuccess:             func() Event { return &OperationAck{} },
	KindPong:                func() Event { return &Pong{} },
}

// EncodeEvent serializes an event into an envelope.
func EncodeEvent(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("protocol: encode: nil event")
	}
	return encode(ev.Kind(), ev)
}

// DecodeEvent parses one envelope into a pointer to an event struct.
func DecodeEvent(data []byte) (Event, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	factory, ok := eventFactories[env.Type]
	if !ok {
		return nil, &DecodeError{Kind: env.Type, Err: ErrUnknownKind}
	}
	ev := factory()
	if payload := bytes.TrimSpace(env.Payload); len(payload) > 0 && !bytes.Equal(payload, []byte("null")) {
		if err := json.Unmarshal(payload, ev); err != nil {
			return nil, &DecodeError{Kind: env.Type, Err: err}
		}
	}
	return ev, nil
}

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Request kinds.
const (
	KindLogin            Kind = "LOGIN_REQUEST"
	KindRegister         Kind = "REGISTER_REQUEST"
	KindMessageSend      Kind = "MESSAGE_SEND"
	KindStatusChange     Kind = "STATUS_CHANGE_REQUEST"
	KindBan              Kind = "BAN_REQUEST"
	KindLogout           Kind = "LOGOUT_REQUEST"
	KindPrivateSend      Kind = "PRIVATE_MESSAGE_SEND"
	KindGetConversation  Kind = "GET_CONVERSATION"
	KindGetConversations Kind = "GET_CONVERSATIONS"
	KindMarkAsRead       Kind = "MARK_AS_READ"
	KindAddContact       Kind = "ADD_CONTACT"
	KindRemoveContact    Kind = "REMOVE_CONTACT"
	KindGetContacts      Kind = "GET_CONTACTS"
	KindSearchUsers      Kind = "SEARCH_USERS"
	KindSetRole          Kind = "SET_ROLE_REQUEST"
	KindPing             Kind = "PING"
)

// Request is a client-to-server message.
type Request interface {
	Kind() Kind
}

type AuthenticateRequest struct {
	Login    string `json:"login" validate:"required,max=254"` // username or email
	Password string `json:"password" validate:"required,max=128"`
}

type RegisterRequest struct {
	Username  string `json:"username" validate:"required,min=3,max=32"`
	Email     string `json:"email" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required,min=6,max=128"`
	FirstName string `json:"first_name,omitempty" validate:"max=64"`
	LastName  string `json:"last_name,omitempty" validate:"max=64"`
}

type SendGroupMessage struct {
	Body string `json:"body" validate:"required,max=2000"`
}

type ChangePresence struct {
	Status string `json:"status" validate:"required,oneof=online away busy"`
}

type BanUser struct {
	UserID int64  `json:"user_id" validate:"required,gt=0"`
	Reason string `json:"reason,omitempty" validate:"max=256"`
}

type Logout struct{}

type SendPrivateMessage struct {
	ReceiverID int64  `json:"receiver_id" validate:"required,gt=0"`
	Body       string `json:"body" validate:"required,max=2000"`
}

type GetConversation struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

type ListConversations struct{}

// MarkRead marks every message received from UserID as read.
type MarkRead struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

type AddContact struct {
	UserID int64  `json:"user_id" validate:"required,gt=0"`
	Name   string `json:"name,omitempty" validate:"max=64"`
}

type RemoveContact struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

type ListContacts struct{}

type SearchUsers struct {
	Query string `json:"query" validate:"required,max=64"`
}

type SetUserRole struct {
	UserID int64  `json:"user_id" validate:"required,gt=0"`
	Role   string `json:"role" validate:"required,oneof=admin moderator user"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

func (AuthenticateRequest) Kind() Kind { return KindLogin }
func (RegisterRequest) Kind() Kind     { return KindRegister }
func (SendGroupMessage) Kind() Kind    { return KindMessageSend }
func (ChangePresence) Kind() Kind      { return KindStatusChange }
func (BanUser) Kind() Kind             { return KindBan }
func (Logout) Kind() Kind              { return KindLogout }
func (SendPrivateMessage) Kind() Kind  { return KindPrivateSend }
func (GetConversation) Kind() Kind     { return KindGetConversation }
func (ListConversations) Kind() Kind   { return KindGetConversations }
func (MarkRead) Kind() Kind            { return KindMarkAsRead }
func (AddContact) Kind() Kind          { return KindAddContact }
func (RemoveContact) Kind() Kind       { return KindRemoveContact }
func (ListContacts) Kind() Kind        { return KindGetContacts }
func (SearchUsers) Kind() Kind         { return KindSearchUsers }
func (SetUserRole) Kind() Kind         { return KindSetRole }
func (Ping) Kind() Kind                { return KindPing }

var requestFactories = map[Kind]func() Request{
	KindLogin:            func() Request { return &AuthenticateRequest{} },
	KindRegister:         func() Request { return &RegisterRequest{} },
	KindMessageSend:      func() Request { return &SendGroupMessage{} },
	KindStatusChange:     func() Request { return &ChangePresence{} },
	KindBan:              func() Request { return &BanUser{} },
	KindLogout:           func() Request { return &Logout{} },
	KindPrivateSend:      func() Request { return &SendPrivateMessage{} },
	KindGetConversation:  func() Request { return &GetConversation{} },
	KindGetConversations: func() Request { return &ListConversations{} },
	KindMarkAsRead:       func() Request { return &MarkRead{} },
	KindAddContact:       func() Request { return &AddContact{} },
	KindRemoveContact:    func() Request { return &RemoveContact{} },
	KindGetContacts:      func() Request { return &ListContacts{} },
	KindSearchUsers:      func() Request { return &SearchUsers{} },
	KindSetRole:          func() Request { return &SetUserRole{} },
	KindPing:             func() Request { return &Ping{} },
}

var validate = validator.New()

// ErrUnknownKind is wrapped in a DecodeError for unrecognized types.
var ErrUnknownKind = errors.New("unknown message type")

// DecodeRequest parses and validates one envelope. The returned value is
// always a pointer to one of the request structs in this package. Any failure
// is a *DecodeError.
func DecodeRequest(data []byte) (Request, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	factory, ok := requestFactories[env.Type]
	if !ok {
		return nil, &DecodeError{Kind: env.Type, Err: ErrUnknownKind}
	}

	req := factory()
	if payload := bytes.TrimSpace(env.Payload); len(payload) > 0 && !bytes.Equal(payload, []byte("null")) {
		if err := json.Unmarshal(payload, req); err != nil {
			return nil, &DecodeError{Kind: env.Type, Err: err}
		}
	}
	if err := validate.Struct(req); err != nil {
		return nil, &DecodeError{Kind: env.Type, Err: err}
	}
	return req, nil
}

// EncodeRequest serializes a request into an envelope.
func EncodeRequest(req Request) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("protocol: encode: nil request")
	}
	return encode(req.Kind(), req)
}

// Package protocol defines the wire types exchanged with the chat backend.
// All traffic is JSON inside a small envelope carrying the event name, an
// optional request id for request/acknowledgement correlation, and the raw
// payload for deferred parsing into a concrete struct.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server request events.
const (
	EventAuthenticate        = "authenticate"
	EventJoinDashboard       = "joinDashboard"
	EventGetUserChats        = "getUserChats"
	EventCreateGroup         = "createGroup"
	EventJoinChat            = "joinChat"
	EventLeaveChat           = "leaveChat"
	EventNewMessage          = "newMessage"
	EventMessageStatusUpdate = "messageStatusUpdate"
	EventFetchSentMessages   = "fetchSentMessages"
	EventUserTyping          = "userTyping"
)

// Server -> Client push events.
const (
	PushNewChat              = "newChat"
	PushNewMessage           = "newMessage"
	PushNewNotification      = "newNotification"
	PushMessageStatusUpdated = "messageStatusUpdated"
	PushUserTyping           = "userTyping"
)

// EventAck is the envelope event name for request acknowledgements.
const EventAck = "ack"

// ---------------------------------------------------------------------------
// Message status
// ---------------------------------------------------------------------------

// Message delivery status names, in ascending order.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// StatusRank maps a status name to its position in the sent -> delivered ->
// read progression. Unknown names rank below "sent" so they can never
// overwrite a known status.
func StatusRank(name string) int {
	switch name {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the outer frame for every message in both directions. ID is
// non-zero only on requests and their acknowledgements.
type Envelope struct {
	Event string          `json:"event"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes raw frame bytes into an Envelope and validates that
// the event name is present.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: failed to parse envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("protocol: missing or empty \"event\" field")
	}
	return env, nil
}

// NewRequest builds the JSON bytes for a request envelope. A zero id produces
// a fire-and-forget event with no acknowledgement expected.
func NewRequest(event string, id uint64, payload interface{}) ([]byte, error) {
	var (
		raw json.RawMessage
		err error
	)
	if payload != nil {
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", event, err)
		}
	}
	out, err := json.Marshal(Envelope{Event: event, ID: id, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q envelope: %w", event, err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Shared payload fragments
// ---------------------------------------------------------------------------

// UserRef identifies a user inside chat and message payloads. The backend
// frequently omits name or email, so callers must treat them as optional.
type UserRef struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// StatusRef is the backend's status sub-document on a message.
type StatusRef struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// ChatRef is the "chat" field of a message payload, which the backend sends
// either as a bare chat id string or as an embedded chat object.
type ChatRef struct {
	ID   string
	Meta *ChatPayload
}

// UnmarshalJSON accepts both encodings of the chat reference.
func (r *ChatRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}
	var meta ChatPayload
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("protocol: failed to parse chat reference: %w", err)
	}
	r.Meta = &meta
	r.ID = meta.ID
	return nil
}

// MarshalJSON emits the compact string form when no metadata is attached.
func (r ChatRef) MarshalJSON() ([]byte, error) {
	if r.Meta != nil {
		return json.Marshal(r.Meta)
	}
	return json.Marshal(r.ID)
}

// ---------------------------------------------------------------------------
// Inbound payloads
// ---------------------------------------------------------------------------

// ChatPayload is a conversation document as pushed by the backend. Most
// fields are optional on the wire; zero values stand in for absent ones.
type ChatPayload struct {
	ID            string          `json:"_id"`
	Name          string          `json:"name"`
	IsGroup       bool            `json:"isGroup"`
	Users         []UserRef       `json:"users"`
	LastMessage   *MessagePayload `json:"lastMessage"`
	LatestMessage *MessagePayload `json:"latestMessage"`
	CreatedAt     string          `json:"createdAt"`
	UpdatedAt     string          `json:"updatedAt"`
}

// Preview returns the chat's most recent message, preferring the lastMessage
// field and falling back to latestMessage (the newChat push uses the latter).
func (c *ChatPayload) Preview() *MessagePayload {
	if c.LastMessage != nil {
		return c.LastMessage
	}
	return c.LatestMessage
}

// MessagePayload is a message document as pushed by the backend or embedded
// in a chat payload.
type MessagePayload struct {
	ID         string     `json:"_id"`
	SenderID   string     `json:"senderId"`
	SenderName string     `json:"senderName"`
	Sender     *UserRef   `json:"sender"`
	Content    string     `json:"content"`
	Chat       ChatRef    `json:"chat"`
	Status     *StatusRef `json:"status"`
	CreatedAt  string     `json:"createdAt"`
}

// ChatID returns the id of the chat this message belongs to, regardless of
// which encoding the chat reference used.
func (m *MessagePayload) ChatID() string {
	return m.Chat.ID
}

// From resolves the sender id and display name across the two shapes the
// backend uses (flat senderId/senderName vs. embedded sender object).
func (m *MessagePayload) From() (id, name string) {
	id = m.SenderID
	name = m.SenderName
	if m.Sender != nil {
		if id == "" {
			id = m.Sender.ID
		}
		if name == "" {
			name = m.Sender.Name
		}
	}
	return id, name
}

// StatusName returns the message's status name, defaulting to "sent" when
// the backend omits the status sub-document.
func (m *MessagePayload) StatusName() string {
	if m.Status == nil || m.Status.Name == "" {
		return StatusSent
	}
	return m.Status.Name
}

// NotificationPayload is an unsolicited newNotification push.
type NotificationPayload struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	FromUser  string `json:"fromUser"`
	ChatID    string `json:"chatId"`
	Timestamp string `json:"timestamp"`
}

// StatusUpdatePayload is the messageStatusUpdated push.
type StatusUpdatePayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	ChatID    string `json:"chatId"`
	UpdatedAt string `json:"updatedAt"`
}

// TypingPayload is shared by the userTyping request and push.
type TypingPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
	ChatID   string `json:"chatId"`
}

// ---------------------------------------------------------------------------
// Outbound request payloads
// ---------------------------------------------------------------------------

// AuthReq is the authenticate request payload.
type AuthReq struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// JoinDashboardReq is the joinDashboard request payload.
type JoinDashboardReq struct {
	UserID string `json:"userId"`
}

// JoinChatReq is shared by the joinChat and leaveChat request payloads.
type JoinChatReq struct {
	ChatID string `json:"chatId"`
}

// GetChatsReq is the getUserChats request payload.
type GetChatsReq struct {
	UserID string `json:"userId"`
}

// ReplyRef carries the quoted message on a reply.
type ReplyRef struct {
	ID      string `json:"_id"`
	Content string `json:"content"`
}

// NewMessageReq is the newMessage request payload.
type NewMessageReq struct {
	Chat    string    `json:"chat"`
	Content string    `json:"content"`
	ReplyTo *ReplyRef `json:"messageData,omitempty"`
}

// CreateGroupReq is the createGroup request payload. Name and Admin are
// pointers because the one-on-one variant sends explicit nulls.
type CreateGroupReq struct {
	Name    *string  `json:"name"`
	Users   []string `json:"users"`
	Admin   *string  `json:"admin"`
	IsGroup bool     `json:"isGroup"`
}

// StatusUpdateReq is the messageStatusUpdate request payload.
type StatusUpdateReq struct {
	MessageID  string `json:"messageId"`
	ChatID     string `json:"chatId"`
	StatusName string `json:"statusName"`
}

// FetchSentReq is the fetchSentMessages request payload.
type FetchSentReq struct {
	ChatID string `json:"chatId"`
}

// ---------------------------------------------------------------------------
// Acknowledgement payloads
// ---------------------------------------------------------------------------

// AckResult is the generic {success, error} acknowledgement shape used by
// authenticate, joinDashboard, joinChat and newMessage.
type AckResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// ChatsAck is the getUserChats acknowledgement.
type ChatsAck struct {
	Success bool          `json:"success"`
	Chats   []ChatPayload `json:"chats"`
	Message string        `json:"message"`
}

// SentAck is the fetchSentMessages acknowledgement. The backend replies with
// a bare message array; an object form carrying success/error is also
// accepted.
type SentAck struct {
	Success  bool             `json:"success"`
	Messages []MessagePayload `json:"messages"`
	Error    string           `json:"error"`
}

// UnmarshalJSON accepts both the bare-array and the object encoding.
func (a *SentAck) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		a.Success = true
		a.Error = ""
		return json.Unmarshal(data, &a.Messages)
	}
	type plain SentAck
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*a = SentAck(obj)
	return nil
}

// GroupAck is the createGroup acknowledgement. The backend returns the
// created conversation under "group" for groups and "One_On_One" for
// two-party chats.
type GroupAck struct {
	Success  bool         `json:"success"`
	Group    *ChatPayload `json:"group"`
	OneOnOne *ChatPayload `json:"One_On_One"`
	Error    string       `json:"error"`
}

// Chat returns whichever conversation document the acknowledgement carried.
func (a *GroupAck) Chat() *ChatPayload {
	if a.Group != nil {
		return a.Group
	}
	return a.OneOnOne
}

// DecodeAck decodes an acknowledgement payload into the given struct.
func DecodeAck(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("protocol: empty acknowledgement payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: failed to decode acknowledgement: %w", err)
	}
	return nil
}

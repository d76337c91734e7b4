package chatsync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the chat server.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Result is the generic REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ID is a server identifier. Servers emit ids both as JSON numbers and as
// strings; both decode into the same ID.
type ID string

// UnmarshalJSON accepts numbers, strings and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	res := gjson.ParseBytes(data)
	switch res.Type {
	case gjson.Null:
		*id = ""
	case gjson.String:
		*id = ID(res.Str)
	case gjson.Number:
		*id = ID(res.Raw)
	default:
		return fmt.Errorf("invalid id %s", string(data))
	}
	return nil
}

func (id ID) String() string { return string(id) }

// IsTemporary reports whether the id was generated locally for an optimistic send.
func (id ID) IsTemporary() bool { return strings.HasPrefix(string(id), tempIDPrefix) }

// ============================================================================
// Messages
// ============================================================================

// Message is a direct message between two users.
type Message struct {
	ID           ID         `json:"id"`
	SenderID     ID         `json:"senderId"`
	ReceiverID   ID         `json:"receiverId"`
	SenderName   string     `json:"senderName,omitempty"`
	ReceiverName string     `json:"receiverName,omitempty"`
	Content      string     `json:"content"`
	SentAt       time.Time  `json:"sentAt"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
	// ClientID echoes the temporary id of an optimistic send, when the
	// server carries it through.
	ClientID ID `json:"clientId,omitempty"`
}

// IsDeleted reports whether the message was soft-deleted.
func (m Message) IsDeleted() bool { return m.DeletedAt != nil }

// Peer returns the conversation partner of m from self's point of view.
func (m Message) Peer(self ID) ID {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}

// ConversationSummary is a chat-list row; its id is the friend's user id.
type ConversationSummary struct {
	ID                   ID         `json:"id"`
	Name                 string     `json:"name"`
	Email                string     `json:"email,omitempty"`
	Avatar               string     `json:"avatar,omitempty"`
	LastMessage          string     `json:"lastMessage,omitempty"`
	LastMessageAt        time.Time  `json:"lastMessageAt,omitempty"`
	LastMessageDeletedAt *time.Time `json:"lastMessageDeletedAt,omitempty"`
	LastMessageSenderID  ID         `json:"lastMessageSenderId,omitempty"`
}

// SendMessageInput is the request body of the REST send path.
type SendMessageInput struct {
	ReceiverID ID     `json:"receiverId"`
	Content    string `json:"content"`
	ClientID   ID     `json:"clientId,omitempty"`
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationStatus is the normalized read state of a notification.
type NotificationStatus int

const (
	StatusUnread NotificationStatus = iota
	StatusRead
)

func (s NotificationStatus) String() string {
	if s == StatusRead {
		return "read"
	}
	return "unread"
}

// MarshalJSON always emits the lowercase string form.
func (s NotificationStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON normalizes every wire form the servers produce: booleans
// (true means read), strings in any case, and numbers (0 means unread).
func (s *NotificationStatus) UnmarshalJSON(data []byte) error {
	st, err := ParseNotificationStatus(gjson.ParseBytes(data))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// terminalStatuses are wire states after which a notification leaves the unread window.
var terminalStatuses = map[string]bool{
	"read":      true,
	"seen":      true,
	"completed": true,
	"accepted":  true,
	"rejected":  true,
	"declined":  true,
	"cancelled": true,
	"canceled":  true,
	"done":      true,
}

// ParseNotificationStatus normalizes a raw JSON status value.
func ParseNotificationStatus(v gjson.Result) (NotificationStatus, error) {
	switch v.Type {
	case gjson.True:
		return StatusRead, nil
	case gjson.False, gjson.Null:
		return StatusUnread, nil
	case gjson.Number:
		if v.Int() == 0 {
			return StatusUnread, nil
		}
		return StatusRead, nil
	case gjson.String:
		s := strings.ToLower(strings.TrimSpace(v.Str))
		if terminalStatuses[s] {
			return StatusRead, nil
		}
		if b, err := strconv.ParseBool(s); err == nil && b {
			return StatusRead, nil
		}
		return StatusUnread, nil
	}
	return StatusUnread, fmt.Errorf("invalid notification status %s", v.Raw)
}

// NotificationRecord is a single notification.
type NotificationRecord struct {
	ID            ID                 `json:"id"`
	Type          string             `json:"type"`
	Status        NotificationStatus `json:"status"`
	ReceiverID    ID                 `json:"receiverId"`
	CreatedBy     ID                 `json:"createdBy"`
	CreatedByName string             `json:"createdByName,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	ReferenceID   ID                 `json:"referenceId,omitempty"`
}

// NotificationWindow is a capped, most-recent-first list of notifications
// plus the total number of matching records on the server.
type NotificationWindow struct {
	Items []NotificationRecord `json:"items"`
	Total int                  `json:"total"`
}

// NotificationStatusUpdate is the payload of NotificationUpdated.
type NotificationStatusUpdate struct {
	ReferenceID ID                 `json:"referenceId"`
	Status      NotificationStatus `json:"status"`
}

// ============================================================================
// Friend requests
// ============================================================================

// FriendRequestDirection selects received or sent requests.
type FriendRequestDirection string

const (
	RequestsReceived FriendRequestDirection = "received"
	RequestsSent     FriendRequestDirection = "sent"
)

// FriendRequest is a pending friendship invitation.
type FriendRequest struct {
	ID           ID        `json:"id"`
	SenderID     ID        `json:"senderId"`
	SenderName   string    `json:"senderName,omitempty"`
	ReceiverID   ID        `json:"receiverId"`
	ReceiverName string    `json:"receiverName,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

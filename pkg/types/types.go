package types

import (
	"encoding/json"
	"time"
)

// Event names on the wire. Client-to-server and server-to-client share one vocabulary.
const (
	EventJoinChannel         = "join-channel"
	EventLeaveChannel        = "leave-channel"
	EventTyping              = "typing"
	EventMarkRead            = "mark-read"
	EventNewMessage          = "new-message"
	EventConversationUpdated = "conversation-updated"
	EventUserOnline          = "user-online"
	EventUserOffline         = "user-offline"
	EventOnlineUsersSnapshot = "online-users-snapshot"
	EventRequestOnlineUsers  = "request-online-users"
	EventCallStart           = "call-start"
	EventCallAccept          = "call-accept"
	EventCallReject          = "call-reject"
	EventCallCancel          = "call-cancel"
	EventCallFailed          = "call-failed"
	EventSensorStreamRequest = "sensor-stream-request"
	EventSensorStreamStart   = "sensor-stream-start"
	EventSensorSample        = "sensor-sample"
	EventSensorStreamStop    = "sensor-stream-stop"
	EventSensorStreamError   = "sensor-stream-error"

	// EventError is sent back to a client whose frame could not be handled.
	EventError = "error"
)

// Roles issued by the auth collaborator.
const (
	RolePatient   = "patient"
	RoleCaregiver = "caregiver"
	RoleAdmin     = "admin"
)

// Identity is the authenticated subject of a connection.
type Identity struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Event is the JSON envelope carried by every websocket frame.
// ARCHITECTURAL DISCOVERY: Payload stays raw until the handler for Type decodes it,
// so unknown or malformed payloads never reach routing code
type Event struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// ChannelPayload is used by join-channel and leave-channel.
type ChannelPayload struct {
	ChannelID string `json:"channel_id"`
}

// TypingPayload is relayed to everyone else in the channel.
type TypingPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	IsTyping  bool   `json:"is_typing"`
}

// ReadReceipt marks a conversation read up to ReadAt.
type ReadReceipt struct {
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	MessageID string    `json:"message_id,omitempty"`
	ReadAt    time.Time `json:"read_at"`
}

// SendMessagePayload is what a client sends to post a chat message.
type SendMessagePayload struct {
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

// ChatMessage is a persisted chat message. ChannelID equals the conversation ID.
type ChatMessage struct {
	ID        string    `json:"id" bson:"_id"`
	ChannelID string    `json:"channel_id" bson:"conversation_id"`
	SenderID  string    `json:"sender_id" bson:"sender_id"`
	Text      string    `json:"text" bson:"text"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Conversation groups participants; its ID doubles as the channel ID.
type Conversation struct {
	ID           string    `json:"id" bson:"_id"`
	Participants []string  `json:"participants" bson:"participants"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" bson:"updated_at"`
}

// ConversationSummary is the list-view row pushed with conversation-updated.
type ConversationSummary struct {
	ConversationID string       `json:"conversation_id"`
	Participants   []string     `json:"participants"`
	LastMessage    *ChatMessage `json:"last_message,omitempty"`
	UnreadCount    int          `json:"unread_count"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// PresencePayload announces one identity joining or leaving.
type PresencePayload struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

// OnlineUsersPayload is the full online set at the time it was generated.
type OnlineUsersPayload struct {
	Users []string `json:"users"`
}

// CallPayload carries call negotiation between two identities.
// Payload is opaque to the server (SDP offers, answers, ICE hints).
type CallPayload struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// SensorPayload is used by every sensor-* event.
type SensorPayload struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Sample json.RawMessage `json:"sample,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// ErrorPayload is the body of an EventError frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

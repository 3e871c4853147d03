// Package relay implements the client-side realtime messaging core for a
// contact-center application: a persistent socket connection, per-conversation
// message stores with optimistic sends, and the deduplication layer that keeps
// every logical message visible exactly once.
//
// Example:
//
//	conn := relay.NewConnectionManager("wss://backend.example.com/ws")
//	dedup := relay.NewMemoryDeduplicator()
//	store := relay.NewConversationStore("contact-42", dedup, storage)
//	session := relay.NewRealtimeSession(conn, store, relay.WithWorkspace("ws-1"))
//	pipeline := relay.NewSendPipeline(conn, storage, store)
//
//	session.Open(ctx, "contact-42")
//	pipeline.Send(ctx, "contact-42", "hello")
package relay

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Message model
// ============================================================================

// Direction indicates whether a message was received or sent by this client.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status is the delivery state of a message. Transitions only move forward:
// pending → sent|failed, sent → delivered → read. Failed is terminal; a retry
// creates a new message with a new temp id.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// CanAdvanceTo reports whether a transition from s to next is allowed.
func (s Status) CanAdvanceTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusSent || next == StatusFailed
	case StatusSent:
		return next == StatusDelivered || next == StatusRead
	case StatusDelivered:
		return next == StatusRead
	default:
		return false
	}
}

// Message is a single chat message as held by a ConversationStore.
type Message struct {
	// ID is the stable identifier once persisted. For outbound messages the
	// client persists under the temp id, so ID == TempID from the moment the
	// durable write succeeds.
	ID string `json:"id,omitempty"`

	// TempID is assigned at optimistic-insert time and never reused. It is
	// retained after confirmation so the optimistic and confirmed records can
	// be matched.
	TempID string `json:"tempId,omitempty"`

	ContactID string    `json:"contactId"`
	Direction Direction `json:"direction"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`

	// TransportRef is the opaque provider reference (e.g. a carrier message
	// id) attached once the transport confirms the send.
	TransportRef string `json:"transportRef,omitempty"`

	// FailureReason records why a send ended in StatusFailed. Never cleared:
	// failed sends stay visible.
	FailureReason string `json:"failureReason,omitempty"`
}

// ============================================================================
// Wire protocol
// ============================================================================

// Envelope is the wire format for every frame in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server frame before marshalling.
type Command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Client-emitted frame types.
const (
	CommandJoin        = "join"
	CommandSendMessage = "send_message"
	CommandLeave       = "leave"
)

// Server-emitted frame types.
const (
	EventNewMessage     = "new_message"
	EventMessageSent    = "message_sent"
	EventRecentMessages = "recent_messages"
	EventJoinSuccess    = "join_success"
	EventError          = "error"
)

// JoinPayload asks the backend to scope delivery for one contact's room.
type JoinPayload struct {
	ContactID   string `json:"contactId"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	EndpointRef string `json:"endpointRef,omitempty"`
}

// SendMessagePayload carries an outbound message. ID is the client-assigned
// temp id; the server echoes it back in MessageSentPayload.
type SendMessagePayload struct {
	ID          string `json:"id"`
	To          string `json:"to"`
	Content     string `json:"content"`
	ContactID   string `json:"contactId"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

// LeavePayload notifies the backend that the room is no longer watched.
type LeavePayload struct {
	ContactID string `json:"contactId"`
}

// MessageSentPayload is the transport confirmation for one send, correlated
// by the id the client supplied.
type MessageSentPayload struct {
	Success      bool   `json:"success"`
	ID           string `json:"id"`
	TransportRef string `json:"transportRef,omitempty"`
	Error        string `json:"error,omitempty"`
}

// JoinSuccessPayload acknowledges a join. ContactID may be empty on backends
// that only support one room per connection.
type JoinSuccessPayload struct {
	ContactID string `json:"contactId,omitempty"`
}

// ErrorPayload is a server-side error frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

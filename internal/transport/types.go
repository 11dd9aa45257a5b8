package transport

import (
	"context"
	"time"
)

type EventType string

const (
	// Connectivity lifecycle.
	EventChallenge     EventType = "challenge"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventAuthFailure   EventType = "auth_failure"
	EventDisconnected  EventType = "disconnected"

	// Message traffic.
	EventMessageReceived EventType = "message_received"
	EventMessageSent     EventType = "message_sent"
)

// Event is a transport-side notification. Exactly one payload field is set,
// depending on Type.
type Event struct {
	Type EventType

	// Challenge is the raw pairing token (EventChallenge only).
	Challenge string

	// Reason describes why the session dropped (EventDisconnected / EventAuthFailure).
	Reason string

	// Message carries inbound traffic (EventMessageReceived only).
	Message *IncomingMessage

	// Ack identifies a message the network confirmed as sent (EventMessageSent only).
	Ack *SendAck
}

type IncomingMessage struct {
	ID        string
	From      string
	To        string
	Body      string
	Kind      string
	Timestamp time.Time
	Media     *MediaInfo
}

type MediaInfo struct {
	MimeType string
	Filename string
	Size     int64
}

type SendAck struct {
	ID string
}

// Receipt is returned by a successful send.
type Receipt struct {
	ID        string
	Timestamp time.Time
}

// Attachment references a local file to be sent as caption-carrying media.
type Attachment struct {
	Path     string
	MimeType string
	Filename string
	Size     int64
}

type Contact struct {
	ID      string
	Name    string
	Number  string
	IsGroup bool
	IsUser  bool
}

type Chat struct {
	ID          string
	Name        string
	IsGroup     bool
	UnreadCount int
}

// Adapter is the capability surface of the messaging network.
//
// Contract:
//   - Initialize MUST NOT block beyond session setup; connectivity progress is
//     reported on the events channel.
//   - Sends are addressed with the network's canonical form (normalization is
//     the caller's job).
//   - Shutdown releases resources without logging the account out;
//     Logout invalidates the linked session.
type Adapter interface {
	Initialize(ctx context.Context, events chan<- Event) error

	SendText(ctx context.Context, to, body string) (Receipt, error)
	SendMedia(ctx context.Context, to string, att Attachment, caption string) (Receipt, error)

	Contacts(ctx context.Context) ([]Contact, error)
	Chats(ctx context.Context) ([]Chat, error)

	Logout(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

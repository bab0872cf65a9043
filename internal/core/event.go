package core

import (
	"time"

	"github.com/vovakirdan/carelink/internal/proto"
)

// EventKind is what the hub emits to clients.
type EventKind int

const (
	// EventNotification is a server push on the notification channel.
	EventNotification EventKind = iota
	// EventHeartbeat answers a client heartbeat.
	EventHeartbeat
	// EventSignal is a signaling frame for a session participant.
	EventSignal
	// EventError notifies a client about a rejected command.
	EventError
)

// Event is sent to clients to describe what happened.
type Event struct {
	Kind         EventKind
	At           time.Time
	Notification *proto.Notification
	Signal       *proto.Signal
	Error        *CoreError
}

package core

import "github.com/vovakirdan/carelink/internal/proto"

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	// CommandHeartbeat asks the hub to answer with a heartbeat.
	CommandHeartbeat CommandKind = iota
	// CommandStatus records the presence announced by a notification client.
	CommandStatus
	// CommandCallResponse forwards a callee's answer to the caller.
	CommandCallResponse
	// CommandSignal is a frame on a signaling channel.
	CommandSignal
)

// Command represents an action requested by a client.
type Command struct {
	Kind     CommandKind
	Status   string
	Response proto.CallResponseFrame
	Signal   proto.Signal
}

func (k CommandKind) String() string {
	switch k {
	case CommandHeartbeat:
		return "heartbeat"
	case CommandStatus:
		return "status"
	case CommandCallResponse:
		return "call_response"
	case CommandSignal:
		return "signal"
	default:
		return "unknown"
	}
}

package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Notification channel frame types sent by clients.
const (
	TypeHeartbeat    = "heartbeat"
	TypeStatus       = "status"
	TypeCallAccepted = "call_accepted"
	TypeCallDeclined = "call_declined"
	TypeError        = "error"
)

// Presence values carried by status frames.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Envelope is decoded first to find the discriminating type of a frame.
type Envelope struct {
	Type string `json:"type"`
}

// StatusFrame announces the client's presence right after the channel opens.
type StatusFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Role   string `json:"role"`
	UserID string `json:"user_id"`
}

// HeartbeatFrame keeps the channel warm in both directions.
type HeartbeatFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// CallResponseFrame is sent by a callee after accepting or declining an invitation.
type CallResponseFrame struct {
	Type          string `json:"type"`
	SessionToken  string `json:"session_token"`
	AppointmentID ID     `json:"appointment_id,omitempty"`
	CallerID      string `json:"caller_id"`
	Reason        string `json:"reason,omitempty"`
}

// Notification is a server-pushed event frame. Which fields are populated
// depends on Type.
type Notification struct {
	Type            string     `json:"type"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
	AppointmentID   ID         `json:"appointment_id,omitempty"`
	AppointmentType string     `json:"appointment_type,omitempty"`
	PatientName     string     `json:"patient_name,omitempty"`
	Status          string     `json:"status,omitempty"`
	Message         string     `json:"message,omitempty"`
	SessionToken    string     `json:"session_token,omitempty"`
	CallerID        string     `json:"caller_id,omitempty"`
	CallerName      string     `json:"caller_name,omitempty"`
	MeetingURL      string     `json:"meeting_url,omitempty"`
	Reason          string     `json:"reason,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// ErrorFrame carries an Error on the notification channel.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error *Error `json:"error"`
}

// ID is an identifier that the backend may encode either as a JSON string or
// as a JSON number. It is always re-encoded as a string.
type ID string

// UnmarshalJSON accepts strings, numbers and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// String returns the identifier as plain text.
func (id ID) String() string {
	return string(id)
}

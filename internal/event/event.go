// Package event turns notification channel frames into a closed set of typed
// events. Dispatch is done with a type switch over Payload; the set of payload
// types is sealed by an unexported method.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vovakirdan/carelink/internal/proto"
)

var (
	// ErrMalformed is returned for frames that are not valid JSON objects or
	// miss fields required by their kind.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownKind is returned for frames whose type is not recognized.
	ErrUnknownKind = errors.New("unknown frame type")
)

// Kind is the discriminating type of a notification frame.
type Kind string

const (
	KindEmergencyAppointment  Kind = "emergency_appointment"
	KindNewAppointment        Kind = "new_appointment"
	KindNewAppointmentCreated Kind = "new_appointment_created"
	KindAppointmentAccepted   Kind = "appointment_accepted"
	KindAppointmentUpdated    Kind = "appointment_updated"
	KindAppointmentDeleted    Kind = "appointment_deleted"
	KindAppointmentCancelled  Kind = "appointment_cancelled"
	KindVideoCallInvitation   Kind = "video_call_invitation"
	KindJitsiCallInvitation   Kind = "jitsi_call_invitation"
	KindVideoCallAccepted     Kind = "video_call_accepted"
	KindVideoCallDeclined     Kind = "video_call_declined"
	KindHeartbeat             Kind = "heartbeat"
)

// Category groups kinds for filtering and routing.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryAppointment
	CategoryCall
	CategorySystem
)

func (c Category) String() string {
	switch c {
	case CategoryAppointment:
		return "appointments"
	case CategoryCall:
		return "calls"
	case CategorySystem:
		return "system"
	default:
		return "unknown"
	}
}

// Category returns the group of the kind, CategoryUnknown for unrecognized kinds.
func (k Kind) Category() Category {
	switch k {
	case KindEmergencyAppointment, KindNewAppointment, KindNewAppointmentCreated,
		KindAppointmentAccepted, KindAppointmentUpdated, KindAppointmentDeleted,
		KindAppointmentCancelled:
		return CategoryAppointment
	case KindVideoCallInvitation, KindJitsiCallInvitation, KindVideoCallAccepted, KindVideoCallDeclined:
		return CategoryCall
	case KindHeartbeat:
		return CategorySystem
	default:
		return CategoryUnknown
	}
}

// Known reports whether k is one of the recognized kinds.
func (k Kind) Known() bool {
	return k.Category() != CategoryUnknown
}

// Payload is the typed body of an event.
type Payload interface {
	isPayload()
}

// Appointment is carried by appointment lifecycle events.
type Appointment struct {
	AppointmentID   string `json:"appointment_id"`
	AppointmentType string `json:"appointment_type,omitempty"`
	PatientName     string `json:"patient_name,omitempty"`
	Status          string `json:"status,omitempty"`
	Message         string `json:"message,omitempty"`
	Emergency       bool   `json:"emergency,omitempty"`
}

// CallInvitation is carried by video and meeting invitations.
type CallInvitation struct {
	SessionToken    string `json:"session_token,omitempty"`
	CallerID        string `json:"caller_id,omitempty"`
	CallerName      string `json:"caller_name,omitempty"`
	AppointmentID   string `json:"appointment_id,omitempty"`
	AppointmentType string `json:"appointment_type,omitempty"`
	MeetingURL      string `json:"meeting_url,omitempty"`
}

// CallResponse tells a caller how the callee answered.
type CallResponse struct {
	SessionToken  string `json:"session_token,omitempty"`
	AppointmentID string `json:"appointment_id,omitempty"`
	Accepted      bool   `json:"accepted"`
	Reason        string `json:"reason,omitempty"`
}

// System is carried by channel maintenance frames.
type System struct {
	Message string `json:"message,omitempty"`
}

func (Appointment) isPayload()    {}
func (CallInvitation) isPayload() {}
func (CallResponse) isPayload()   {}
func (System) isPayload()         {}

// Event is one inbound server-pushed fact.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	// Stamped is true when Timestamp came from the server.
	Stamped bool
	Payload Payload
	Raw     json.RawMessage
}

// Category is a shortcut for e.Kind.Category().
func (e Event) Category() Category {
	return e.Kind.Category()
}

// Parse decodes one frame. now is used when the frame carries no timestamp.
func Parse(data []byte, now time.Time) (Event, error) {
	var n proto.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	// Compact so identical frames compare equal byte for byte.
	var raw bytes.Buffer
	if err := json.Compact(&raw, data); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ev := Event{
		Kind:      Kind(n.Type),
		Timestamp: now,
		Raw:       json.RawMessage(raw.Bytes()),
	}
	if n.Timestamp != nil && !n.Timestamp.IsZero() {
		ev.Timestamp = *n.Timestamp
		ev.Stamped = true
	}

	payload, err := payloadFor(ev.Kind, &n)
	if err != nil {
		return Event{}, err
	}
	ev.Payload = payload
	return ev, nil
}

func payloadFor(kind Kind, n *proto.Notification) (Payload, error) {
	switch kind.Category() {
	case CategoryAppointment:
		if n.AppointmentID == "" {
			return nil, fmt.Errorf("%w: %s without appointment_id", ErrMalformed, kind)
		}
		return Appointment{
			AppointmentID:   n.AppointmentID.String(),
			AppointmentType: n.AppointmentType,
			PatientName:     n.PatientName,
			Status:          n.Status,
			Message:         n.Message,
			Emergency:       kind == KindEmergencyAppointment,
		}, nil
	case CategoryCall:
		switch kind {
		case KindVideoCallInvitation:
			if n.SessionToken == "" {
				return nil, fmt.Errorf("%w: %s without session_token", ErrMalformed, kind)
			}
		case KindJitsiCallInvitation:
			if n.SessionToken == "" && n.MeetingURL == "" {
				return nil, fmt.Errorf("%w: %s without session_token or meeting_url", ErrMalformed, kind)
			}
		case KindVideoCallAccepted, KindVideoCallDeclined:
			if n.SessionToken == "" && n.AppointmentID == "" {
				return nil, fmt.Errorf("%w: %s without session_token or appointment_id", ErrMalformed, kind)
			}
			return CallResponse{
				SessionToken:  n.SessionToken,
				AppointmentID: n.AppointmentID.String(),
				Accepted:      kind == KindVideoCallAccepted,
				Reason:        n.Reason,
			}, nil
		}
		return CallInvitation{
			SessionToken:    n.SessionToken,
			CallerID:        n.CallerID,
			CallerName:      n.CallerName,
			AppointmentID:   n.AppointmentID.String(),
			AppointmentType: n.AppointmentType,
			MeetingURL:      n.MeetingURL,
		}, nil
	case CategorySystem:
		return System{Message: n.Message}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

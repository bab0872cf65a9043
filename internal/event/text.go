package event

import "fmt"

// Title returns the short headline shown for the event.
func (e Event) Title() string {
	switch e.Kind {
	case KindEmergencyAppointment:
		return "Emergency appointment"
	case KindNewAppointment, KindNewAppointmentCreated:
		return "New appointment"
	case KindAppointmentAccepted:
		return "Appointment accepted"
	case KindAppointmentUpdated:
		return "Appointment updated"
	case KindAppointmentDeleted:
		return "Appointment deleted"
	case KindAppointmentCancelled:
		return "Appointment cancelled"
	case KindVideoCallInvitation:
		return "Incoming video call"
	case KindJitsiCallInvitation:
		return "Meeting invitation"
	case KindVideoCallAccepted:
		return "Call accepted"
	case KindVideoCallDeclined:
		return "Call declined"
	default:
		return "Notification"
	}
}

// Message returns the body text shown for the event. A message sent by the
// server wins over the generated one.
func (e Event) Message() string {
	switch p := e.Payload.(type) {
	case Appointment:
		if p.Message != "" {
			return p.Message
		}
		subject := "appointment #" + p.AppointmentID
		if p.PatientName != "" {
			subject = fmt.Sprintf("%s for %s", subject, p.PatientName)
		}
		switch e.Kind {
		case KindEmergencyAppointment:
			return "Emergency consultation requested: " + subject
		case KindNewAppointment, KindNewAppointmentCreated:
			return "New " + subject
		case KindAppointmentAccepted:
			return "A doctor accepted " + subject
		case KindAppointmentDeleted:
			return subject + " was deleted"
		case KindAppointmentCancelled:
			return subject + " was cancelled"
		default:
			if p.Status != "" {
				return fmt.Sprintf("%s is now %s", subject, p.Status)
			}
			return subject + " changed"
		}
	case CallInvitation:
		caller := p.CallerName
		if caller == "" {
			caller = "Someone"
		}
		if p.AppointmentID != "" {
			return fmt.Sprintf("%s is calling about appointment #%s", caller, p.AppointmentID)
		}
		return caller + " is calling"
	case CallResponse:
		verb := "declined"
		if p.Accepted {
			verb = "accepted"
		}
		msg := "The callee " + verb + " the call"
		if p.Reason != "" {
			msg += " (" + p.Reason + ")"
		}
		return msg
	case System:
		return p.Message
	default:
		return ""
	}
}

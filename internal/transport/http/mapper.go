package http

import (
	"encoding/json"
	"errors"

	"github.com/vovakirdan/carelink/internal/api"
	"github.com/vovakirdan/carelink/internal/callengine"
	"github.com/vovakirdan/carelink/internal/core"
	"github.com/vovakirdan/carelink/internal/proto"
	"github.com/vovakirdan/carelink/internal/store"
)

var errEmptyType = errors.New("frame type is required")

func profileResponse(u *store.User) api.Profile {
	return api.Profile{ID: u.ID, Username: u.Username, Role: u.Role, DisplayName: u.DisplayName}
}

func appointmentResponse(a *store.Appointment) api.Appointment {
	return api.Appointment{
		ID:          a.ID,
		Type:        a.Type,
		Status:      string(a.Status),
		PatientName: a.PatientName,
		Emergency:   a.Emergency,
		ProviderID:  a.ProviderID,
		DoctorID:    a.DoctorID,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func sessionResponse(vs *store.VideoSession, join *callengine.JoinInfo) api.VideoSession {
	out := api.VideoSession{
		SessionToken:  vs.Token,
		AppointmentID: vs.AppointmentID,
		CallerID:      vs.CallerID,
		CalleeID:      vs.CalleeID,
		Status:        string(vs.Status),
		CreatedAt:     vs.CreatedAt,
	}
	if join != nil {
		out.LiveKit = &api.LiveKitJoin{URL: join.URL, Room: join.RoomName, Token: join.Token}
	}
	return out
}

// inboundToCommand maps one client frame to a hub command. A non-nil
// proto.Error is reported back to the client without closing the connection.
func inboundToCommand(channel core.Channel, data []byte) (*core.Command, *proto.Error) {
	if channel == core.ChannelSignaling {
		var sig proto.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			return nil, &proto.Error{Code: "invalid_message", Msg: err.Error()}
		}
		if sig.Type == "" {
			return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: errEmptyType.Error()}
		}
		return &core.Command{Kind: core.CommandSignal, Signal: sig}, nil
	}

	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &proto.Error{Code: "invalid_message", Msg: err.Error()}
	}
	switch env.Type {
	case proto.TypeHeartbeat:
		return &core.Command{Kind: core.CommandHeartbeat}, nil
	case proto.TypeStatus:
		var st proto.StatusFrame
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, &proto.Error{Code: "invalid_message", Msg: err.Error()}
		}
		return &core.Command{Kind: core.CommandStatus, Status: st.Status}, nil
	case proto.TypeCallAccepted, proto.TypeCallDeclined:
		var resp proto.CallResponseFrame
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, &proto.Error{Code: "invalid_message", Msg: err.Error()}
		}
		return &core.Command{Kind: core.CommandCallResponse, Response: resp}, nil
	case "":
		return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: errEmptyType.Error()}
	default:
		return nil, &proto.Error{Code: "invalid_message", Msg: "unknown message type " + env.Type}
	}
}

// outboundFromEvent renders a hub event as the frame of channel.
func outboundFromEvent(channel core.Channel, ev *core.Event) any {
	switch ev.Kind {
	case core.EventNotification:
		return ev.Notification
	case core.EventSignal:
		return ev.Signal
	case core.EventHeartbeat:
		return proto.HeartbeatFrame{Type: proto.TypeHeartbeat, Timestamp: ev.At}
	case core.EventError:
		return errorFrame(channel, &proto.Error{Code: ev.Error.Code, Msg: ev.Error.Message})
	default:
		return nil
	}
}

func errorFrame(channel core.Channel, e *proto.Error) any {
	if channel == core.ChannelSignaling {
		return proto.Signal{Type: proto.SignalError, Error: e}
	}
	return proto.ErrorFrame{Type: proto.TypeError, Error: e}
}

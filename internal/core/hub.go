// Package core is the relay hub: it owns every connected client, pushes
// notifications to users and relays signaling frames between the two
// participants of a video session. All state is touched only by Run.
package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/event"
	"github.com/vovakirdan/carelink/internal/log"
	"github.com/vovakirdan/carelink/internal/metrics"
	"github.com/vovakirdan/carelink/internal/proto"
)

type clientCommand struct {
	client *Client
	cmd    *Command
}

type notifyRequest struct {
	userID string
	n      proto.Notification
}

type presenceRequest struct {
	userID string
	reply  chan bool
}

// Hub coordinates clients, presence and signaling sessions.
type Hub struct {
	log *zerolog.Logger
	now func() time.Time

	register   chan *Client
	unregister chan *Client
	inbox      chan clientCommand
	notify     chan notifyRequest
	presence   chan presenceRequest
	done       chan struct{}

	clients  map[*Client]struct{}
	users    map[string]map[*Client]bool
	sessions map[string]*Room
}

// NewHub creates a hub. Run must be started before clients register.
func NewHub(logger *zerolog.Logger) *Hub {
	if logger == nil {
		logger = log.Nop()
	}
	return &Hub{
		log:        logger,
		now:        time.Now,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbox:      make(chan clientCommand, 64),
		notify:     make(chan notifyRequest, 64),
		presence:   make(chan presenceRequest),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		users:      make(map[string]map[*Client]bool),
		sessions:   make(map[string]*Room),
	}
}

// Run processes hub traffic until ctx is done. Events of every client still
// registered at that point are closed.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for c := range h.clients {
			h.drop(c)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.handleRegister(c)
		case c := <-h.unregister:
			h.handleUnregister(c)
		case cc := <-h.inbox:
			if _, ok := h.clients[cc.client]; ok {
				h.handleCommand(cc.client, cc.cmd)
			}
		case req := <-h.notify:
			h.deliverToUser(req.userID, &req.n)
		case req := <-h.presence:
			req.reply <- h.online(req.userID)
		}
	}
}

// Done is closed once Run returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// RegisterClient adds c and starts forwarding its Commands to the hub.
func (h *Hub) RegisterClient(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// UnregisterClient removes c. Unknown or replaced clients are ignored.
func (h *Hub) UnregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Notify pushes n to every notification channel of userID.
func (h *Hub) Notify(ctx context.Context, userID string, n proto.Notification) error {
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.notify <- notifyRequest{userID: userID, n: n}:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Online reports whether userID has a notification channel open and did not
// announce itself offline.
func (h *Hub) Online(ctx context.Context, userID string) (bool, error) {
	req := presenceRequest{userID: userID, reply: make(chan bool, 1)}
	select {
	case h.presence <- req:
	case <-h.done:
		return false, ErrHubClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return <-req.reply, nil
}

func (h *Hub) handleRegister(c *Client) {
	h.clients[c] = struct{}{}
	if c.Channel == ChannelNotifications {
		set := h.users[c.UserID]
		if set == nil {
			set = make(map[*Client]bool)
			h.users[c.UserID] = set
		}
		set[c] = true
	}
	go h.forward(c)

	h.log.Debug().
		Str("client_id", c.ID).
		Str("user_id", c.UserID).
		Str("channel", string(c.Channel)).
		Msg("client registered")
}

func (h *Hub) forward(c *Client) {
	for {
		select {
		case cmd := <-c.Commands:
			select {
			case h.inbox <- clientCommand{client: c, cmd: cmd}:
			case <-c.quit:
				return
			case <-h.done:
				return
			}
		case <-c.quit:
			return
		case <-h.done:
			return
		}
	}
}

func (h *Hub) handleUnregister(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	if room := h.sessions[c.Session]; room != nil && room.Has(c) {
		h.leaveRoom(room, c)
	}
	h.drop(c)
	h.log.Debug().Str("client_id", c.ID).Str("user_id", c.UserID).Msg("client unregistered")
}

// drop forgets c and closes its channels. It is the only place Events is closed.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	if set := h.users[c.UserID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.users, c.UserID)
		}
	}
	close(c.quit)
	close(c.Events)
}

func (h *Hub) handleCommand(c *Client, cmd *Command) {
	if cmd == nil {
		return
	}
	metrics.RelayFramesTotal.WithLabelValues(cmd.Kind.String()).Inc()

	switch cmd.Kind {
	case CommandHeartbeat:
		h.send(c, &Event{Kind: EventHeartbeat, At: h.now().UTC()})
	case CommandStatus:
		h.handleStatus(c, cmd.Status)
	case CommandCallResponse:
		h.handleCallResponse(c, cmd.Response)
	case CommandSignal:
		if c.Channel != ChannelSignaling {
			h.sendError(c, coreError(ErrCodeWrongChannel, "signaling frames require a video-call channel"))
			return
		}
		h.handleSignal(c, cmd.Signal)
	default:
		h.sendError(c, coreError(ErrCodeBadRequest, "unknown command"))
	}
}

func (h *Hub) handleStatus(c *Client, status string) {
	set := h.users[c.UserID]
	if c.Channel != ChannelNotifications || set == nil {
		h.sendError(c, coreError(ErrCodeWrongChannel, "status frames require a notification channel"))
		return
	}
	switch status {
	case proto.StatusOnline:
		set[c] = true
	case proto.StatusOffline:
		set[c] = false
	default:
		h.sendError(c, coreError(ErrCodeBadRequest, "unknown status "+status))
	}
}

func (h *Hub) handleCallResponse(c *Client, resp proto.CallResponseFrame) {
	if resp.CallerID == "" || resp.SessionToken == "" {
		h.sendError(c, coreError(ErrCodeBadRequest, "caller_id and session_token are required"))
		return
	}
	n := proto.Notification{
		Type:          string(event.KindVideoCallDeclined),
		AppointmentID: resp.AppointmentID,
		SessionToken:  resp.SessionToken,
		Reason:        resp.Reason,
	}
	if resp.Type == proto.TypeCallAccepted {
		n.Type = string(event.KindVideoCallAccepted)
		n.Reason = ""
	}
	h.deliverToUser(resp.CallerID, &n)
	h.log.Info().
		Str("session_token", resp.SessionToken).
		Str("caller_id", resp.CallerID).
		Str("callee_id", c.UserID).
		Str("type", n.Type).
		Msg("call response routed")
}

func (h *Hub) handleSignal(c *Client, sig proto.Signal) {
	room := h.sessions[c.Session]
	joined := room != nil && room.Has(c)

	switch {
	case sig.Type == proto.SignalJoin:
		if joined {
			h.sendError(c, coreError(ErrCodeAlreadyJoined, "already joined"))
			return
		}
		h.joinRoom(c)
	case sig.Type == proto.SignalLeave:
		if !joined {
			h.sendError(c, coreError(ErrCodeNotInSession, "not in session"))
			return
		}
		h.leaveRoom(room, c)
	case sig.Relayed():
		if !joined {
			h.sendError(c, coreError(ErrCodeNotInSession, "join the session first"))
			return
		}
		h.relay(room, c, sig)
	default:
		h.sendError(c, coreError(ErrCodeBadRequest, "unknown signal type "+sig.Type))
	}
}

func (h *Hub) joinRoom(c *Client) {
	room := h.sessions[c.Session]
	if room == nil {
		room = NewRoom(c.Session)
		h.sessions[c.Session] = room
	}
	if room.Full(c.UserID) {
		h.sendError(c, coreError(ErrCodeSessionFull, "session already has two participants"))
		return
	}

	if stale := room.Put(c); stale != nil {
		room.Broadcast(h.signalEvent(proto.SignalUserLeft, stale), c)
		h.sendError(stale, coreError(ErrCodeReplaced, "connection replaced by a newer one"))
		h.drop(stale)
		h.log.Info().Str("session_token", room.Token).Str("user_id", c.UserID).Msg("stale participant replaced")
	}

	h.send(c, h.signalEvent(proto.SignalJoined, c))
	room.Broadcast(h.signalEvent(proto.SignalUserJoined, c), c)
	h.log.Info().Str("session_token", room.Token).Str("user_id", c.UserID).Msg("participant joined")
}

func (h *Hub) leaveRoom(room *Room, c *Client) {
	if !room.RemoveClient(c) {
		return
	}
	room.Broadcast(h.signalEvent(proto.SignalUserLeft, c), nil)
	if room.Empty() {
		delete(h.sessions, room.Token)
	}
	h.log.Info().Str("session_token", room.Token).Str("user_id", c.UserID).Msg("participant left")
}

func (h *Hub) relay(room *Room, from *Client, sig proto.Signal) {
	sig.From = from.UserID
	sig.SessionToken = room.Token
	ev := &Event{Kind: EventSignal, At: h.now(), Signal: &sig}

	if sig.Target == "" {
		room.Broadcast(ev, from)
		return
	}
	to := room.Get(sig.Target)
	if to == nil || to == from {
		h.log.Debug().Str("session_token", room.Token).Str("target", sig.Target).Msg("relay target not in session")
		return
	}
	h.send(to, ev)
}

func (h *Hub) signalEvent(kind string, about *Client) *Event {
	return &Event{
		Kind: EventSignal,
		At:   h.now(),
		Signal: &proto.Signal{
			Type:         kind,
			SessionToken: about.Session,
			UserID:       about.UserID,
			UserName:     about.Name,
		},
	}
}

func (h *Hub) deliverToUser(userID string, n *proto.Notification) int {
	if n.Timestamp == nil {
		at := h.now().UTC()
		n.Timestamp = &at
	}
	sent := 0
	for c := range h.users[userID] {
		if h.send(c, &Event{Kind: EventNotification, At: *n.Timestamp, Notification: n}) {
			sent++
		}
	}
	if sent == 0 {
		h.log.Debug().Str("user_id", userID).Str("type", n.Type).Msg("notification not delivered, user offline")
	}
	return sent
}

func (h *Hub) online(userID string) bool {
	for _, on := range h.users[userID] {
		if on {
			return true
		}
	}
	return false
}

func (h *Hub) send(c *Client, ev *Event) bool {
	return deliver(c, ev)
}

func (h *Hub) sendError(c *Client, err *CoreError) {
	h.log.Debug().Str("client_id", c.ID).Str("code", err.Code).Msg(err.Message)
	h.send(c, &Event{Kind: EventError, At: h.now(), Error: err})
}

// deliver never blocks; a slow consumer loses the event.
func deliver(c *Client, ev *Event) bool {
	select {
	case c.Events <- ev:
		return true
	default:
		metrics.FramesDroppedTotal.WithLabelValues(string(c.Channel), "slow_consumer").Inc()
		return false
	}
}

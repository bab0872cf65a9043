package core

// Channel tells which websocket endpoint a client is connected to.
type Channel string

const (
	// ChannelNotifications is the per-user notification channel.
	ChannelNotifications Channel = "notifications"
	// ChannelSignaling is a session-scoped call signaling channel.
	ChannelSignaling Channel = "signaling"
)

const (
	commandBuffer = 16
	eventBuffer   = 32
)

// Client is one websocket connection as seen by the hub.
type Client struct {
	ID      string
	UserID  string
	Name    string
	Role    string
	Channel Channel
	// Session is the video session token of a signaling client.
	Session string

	Commands chan *Command
	// Events is closed by the hub once the client is unregistered or replaced.
	Events chan *Event

	quit chan struct{}
}

// NewClient constructs a client with initialized channels.
func NewClient(id, userID, name string, channel Channel) *Client {
	if name == "" {
		name = userID
	}
	return &Client{
		ID:       id,
		UserID:   userID,
		Name:     name,
		Channel:  channel,
		Commands: make(chan *Command, commandBuffer),
		Events:   make(chan *Event, eventBuffer),
		quit:     make(chan struct{}),
	}
}

package core

// MaxParticipants is the number of users a video session admits.
const MaxParticipants = 2

// Room is the signaling session of one video session token. Participants are
// keyed by user id so a reconnecting user replaces their stale connection.
type Room struct {
	Token   string
	clients map[string]*Client
}

// NewRoom constructs a room with no clients.
func NewRoom(token string) *Room {
	return &Room{
		Token:   token,
		clients: make(map[string]*Client),
	}
}

// Get returns the participant with userID.
func (r *Room) Get(userID string) *Client {
	return r.clients[userID]
}

// Has reports whether c itself is a participant.
func (r *Room) Has(c *Client) bool {
	return r.clients[c.UserID] == c
}

// Full reports whether a user that is not yet a participant would be refused.
func (r *Room) Full(userID string) bool {
	_, present := r.clients[userID]
	return !present && len(r.clients) >= MaxParticipants
}

// Put inserts c and returns the connection it replaced, if any.
func (r *Room) Put(c *Client) *Client {
	prev := r.clients[c.UserID]
	r.clients[c.UserID] = c
	if prev == c {
		return nil
	}
	return prev
}

// RemoveClient deletes c from the room. Returns true if removed.
func (r *Room) RemoveClient(c *Client) bool {
	if r.clients[c.UserID] != c {
		return false
	}
	delete(r.clients, c.UserID)
	return true
}

// Broadcast sends an event to every participant except skip.
func (r *Room) Broadcast(event *Event, skip *Client) int {
	sent := 0
	for _, client := range r.clients {
		if client == skip {
			continue
		}
		if deliver(client, event) {
			sent++
		}
	}
	return sent
}

// Empty returns true if no clients are in the room.
func (r *Room) Empty() bool {
	return len(r.clients) == 0
}

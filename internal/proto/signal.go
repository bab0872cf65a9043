package proto

// Signaling frame types exchanged on a session-scoped call channel.
const (
	SignalJoin         = "join"
	SignalJoined       = "joined"
	SignalUserJoined   = "user-joined"
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
	SignalUserLeft     = "user-left"
	SignalLeave        = "leave"
	SignalError        = "error"
)

// Signal is the single frame shape of the call signaling channel.
// Relayed frames (offer, answer, ice-candidate) carry From, set by the relay.
type Signal struct {
	Type         string              `json:"type"`
	SessionToken string              `json:"session_token,omitempty"`
	UserID       string              `json:"user_id,omitempty"`
	UserName     string              `json:"user_name,omitempty"`
	Target       string              `json:"target,omitempty"`
	From         string              `json:"from,omitempty"`
	SDP          *SessionDescription `json:"sdp,omitempty"`
	Candidate    *ICECandidate       `json:"candidate,omitempty"`
	Error        *Error              `json:"error,omitempty"`
}

// SessionDescription is one half of an offer/answer exchange.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is one piece of connectivity information.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

// Relayed reports whether frames of this type are forwarded peer to peer.
func (s Signal) Relayed() bool {
	switch s.Type {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	default:
		return false
	}
}

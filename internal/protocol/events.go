// Package protocol defines the event frames exchanged with the matchmaking
// relay over the signaling websocket.
package protocol

import "encoding/json"

// Event names a relay frame.
type Event string

// Inbound events (relay → client).
const (
	EventConnect   Event = "connect"
	EventQueued    Event = "queued"
	EventMatched   Event = "matched"
	EventPeerLeft  Event = "peer_left"
	EventKicked    Event = "kicked"
	EventLeftQueue Event = "left_queue"
)

// Outbound events (client → relay).
const (
	EventJoinQueue  Event = "join_queue"
	EventLeaveQueue Event = "leave_queue"
	EventReport     Event = "report"
)

// Bidirectional events: outbound payloads carry To, inbound carry From.
const (
	EventSignal   Event = "signal"
	EventRelayMsg Event = "relay_msg"
)

// Connect announces the client's own connection identifier.
type Connect struct {
	ID string `json:"id"`
}

// Matched pairs this client with a peer.
type Matched struct {
	SessionID    string `json:"sessionId"`
	PeerSocketID string `json:"peerSocketId"`
}

// Kicked carries the reason for a forced removal.
type Kicked struct {
	Reason string `json:"reason"`
}

// JoinQueue requests matchmaking.
type JoinQueue struct {
	Filters map[string]string `json:"filters"`
}

// Report flags the current or last peer. SessionID is null when the client
// has never been matched.
type Report struct {
	SessionID *string `json:"sessionId"`
	Reason    string  `json:"reason"`
}

// Signal wraps a signaling envelope. Data is left raw so the envelope codec
// can validate it.
type Signal struct {
	To   string          `json:"to,omitempty"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data"`
}

// RelayMsg is text carried by the relay when no direct channel exists.
type RelayMsg struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

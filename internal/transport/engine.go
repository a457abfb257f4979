// Package transport owns the WebRTC side of a chat session: one
// PeerConnection and one DataChannel, driven by signaling envelopes.
package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/chitchat/internal/signaling"
	"github.com/1ureka/chitchat/internal/util"
)

var (
	// ErrChannelNotReady is returned by SendText before the channel opens
	// or after it closes.
	ErrChannelNotReady = errors.New("data channel not open")

	// ErrStateMisuse is returned when an operation is invalid for the
	// engine's role or negotiation state.
	ErrStateMisuse = errors.New("invalid negotiation state")

	// ErrNegotiation matches every *NegotiationError.
	ErrNegotiation = errors.New("negotiation failed")

	// ErrChannelBusy is returned by SendText while the channel's send buffer
	// is above HighWaterMark.
	ErrChannelBusy = errors.New("data channel send buffer full")
)

// HighWaterMark bounds the bytes queued on the DataChannel before SendText
// refuses more.
const HighWaterMark = 256 * 1024

// NegotiationError reports a failed offer/answer step. The engine stays
// usable after one.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrNegotiation, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() []error { return []error{ErrNegotiation, e.Err} }

// DescriptionState tracks the local side of the offer/answer exchange.
type DescriptionState string

const (
	DescriptionNone       DescriptionState = "none"
	DescriptionOfferSent  DescriptionState = "offer-sent"
	DescriptionAnswerSent DescriptionState = "answer-sent"
	DescriptionStable     DescriptionState = "stable"
)

// ChannelState is the chat DataChannel's readiness.
type ChannelState string

const (
	ChannelConnecting ChannelState = "connecting"
	ChannelOpen       ChannelState = "open"
	ChannelClosed     ChannelState = "closed"
)

// Callbacks receive engine events. They run on pion goroutines; callers
// that need ordering must serialize them.
type Callbacks struct {
	OnData             func(text string)
	OnStateChange      func(state ChannelState)
	OnConnectionFailed func()
}

// Options configure the underlying PeerConnection.
type Options struct {
	API        *webrtc.API // nil builds a default API
	ICEServers []webrtc.ICEServer
}

// Engine wraps a single PeerConnection + DataChannel pair for one session.
//
// BeginOffer, ApplySignal, SendText and Destroy are meant to be called from
// one goroutine (the session event loop). The mutex only guards state that
// pion callbacks also touch.
type Engine struct {
	role       Role
	pc         *webrtc.PeerConnection
	sendSignal func(signaling.Envelope)
	cb         Callbacks

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	desc      DescriptionState
	channel   ChannelState
	pending   []webrtc.ICECandidateInit
	destroyed bool

	closeOnce sync.Once
}

// NewEngine allocates the PeerConnection for one session. The initiator
// creates the chat channel up front; the responder adopts the first channel
// the remote side opens. Local ICE candidates are trickled via sendSignal.
func NewEngine(role Role, sendSignal func(signaling.Envelope), cb Callbacks, opts Options) (*Engine, error) {
	pc, err := newPeerConnection(opts.API, opts.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	e := &Engine{
		role:       role,
		pc:         pc,
		sendSignal: sendSignal,
		cb:         cb,
		desc:       DescriptionNone,
		channel:    ChannelConnecting,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		e.sendSignal(signaling.EncodeICECandidate(c.ToJSON()))
	})

	pc.OnConnectionStateChange(e.handleConnectionState)

	if role == RoleInitiator {
		dc, err := newDataChannel(pc)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to create DataChannel: %w", err)
		}
		e.attach(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if !e.attach(dc) {
				util.LogDebug("ignoring extra DataChannel %q", dc.Label())
			}
		})
	}

	return e, nil
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// BeginOffer creates and applies the local offer, then emits it. Only the
// initiator may call it, and only once.
func (e *Engine) BeginOffer() error {
	e.mu.Lock()
	role, desc, destroyed := e.role, e.desc, e.destroyed
	e.mu.Unlock()

	if destroyed {
		return fmt.Errorf("%w: engine destroyed", ErrStateMisuse)
	}
	if role != RoleInitiator {
		return fmt.Errorf("%w: %s cannot offer", ErrStateMisuse, role)
	}
	if desc != DescriptionNone {
		return fmt.Errorf("%w: offer already negotiated (%s)", ErrStateMisuse, desc)
	}

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return &NegotiationError{Op: "create offer", Err: err}
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return &NegotiationError{Op: "set local offer", Err: err}
	}

	e.setDescription(DescriptionOfferSent)
	e.sendSignal(signaling.EncodeOffer(offer))
	return nil
}

// ApplySignal applies one inbound envelope. A remote offer is answered; a
// remote answer settles the exchange. Candidates that arrive before any
// remote description are queued and flushed once it is set; candidate
// failures are logged and never returned.
func (e *Engine) ApplySignal(env signaling.Envelope) error {
	e.mu.Lock()
	destroyed := e.destroyed
	e.mu.Unlock()
	if destroyed {
		return fmt.Errorf("%w: engine destroyed", ErrStateMisuse)
	}

	switch env.Type {
	case signaling.TypeSDP:
		desc, err := env.Description()
		if err != nil {
			return err
		}
		return e.applyDescription(desc)

	case signaling.TypeICE:
		init, err := env.ICECandidateInit()
		if err != nil {
			return err
		}
		e.applyCandidate(init)
		return nil

	default:
		return fmt.Errorf("%w: unsupported type %q", signaling.ErrInvalidEnvelope, env.Type)
	}
}

func (e *Engine) applyDescription(desc webrtc.SessionDescription) error {
	// Both sides offered: drop ours and answer theirs.
	if desc.Type == webrtc.SDPTypeOffer && e.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		util.LogDebug("remote offer while offer-sent, rolling back local offer")
		if err := e.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return &NegotiationError{Op: "rollback local offer", Err: err}
		}
	}

	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return &NegotiationError{Op: "set remote " + desc.Type.String(), Err: err}
	}
	e.flushCandidates()

	if desc.Type != webrtc.SDPTypeOffer {
		e.setDescription(DescriptionStable)
		return nil
	}

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return &NegotiationError{Op: "create answer", Err: err}
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return &NegotiationError{Op: "set local answer", Err: err}
	}

	e.setDescription(DescriptionAnswerSent)
	e.sendSignal(signaling.EncodeAnswer(answer))
	return nil
}

func (e *Engine) applyCandidate(init webrtc.ICECandidateInit) {
	if e.pc.RemoteDescription() == nil {
		e.mu.Lock()
		e.pending = append(e.pending, init)
		n := len(e.pending)
		e.mu.Unlock()
		util.LogDebug("queued ICE candidate until remote description is set (%d pending)", n)
		return
	}

	if err := e.pc.AddICECandidate(init); err != nil {
		util.LogWarning("failed to add ICE candidate: %v", err)
	}
}

// flushCandidates adds every candidate queued before the remote description.
func (e *Engine) flushCandidates() {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, init := range pending {
		if err := e.pc.AddICECandidate(init); err != nil {
			util.LogWarning("failed to add queued ICE candidate: %v", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// SendText writes one chat message to the peer.
func (e *Engine) SendText(text string) error {
	e.mu.Lock()
	dc, state := e.dc, e.channel
	e.mu.Unlock()

	if dc == nil || state != ChannelOpen {
		return ErrChannelNotReady
	}
	if dc.BufferedAmount()+uint64(len(text)) > HighWaterMark {
		return ErrChannelBusy
	}
	if err := dc.SendText(text); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelNotReady, err)
	}
	return nil
}

// attach adopts dc as the session channel. It returns false when a channel
// is already attached.
func (e *Engine) attach(dc *webrtc.DataChannel) bool {
	e.mu.Lock()
	if e.dc != nil || e.destroyed {
		e.mu.Unlock()
		return false
	}
	e.dc = dc
	e.mu.Unlock()

	dc.OnOpen(func() { e.setChannel(ChannelOpen) })
	dc.OnClose(func() { e.setChannel(ChannelClosed) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if e.cb.OnData != nil {
			e.cb.OnData(string(msg.Data))
		}
	})
	return true
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Destroy closes the PeerConnection. Only the first call has any effect.
func (e *Engine) Destroy() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.destroyed = true
		e.channel = ChannelClosed
		e.pending = nil
		e.mu.Unlock()

		if err := e.pc.Close(); err != nil {
			util.LogWarning("failed to close PeerConnection: %v", err)
		}
	})
}

// Role returns the engine's fixed role.
func (e *Engine) Role() Role { return e.role }

// DescriptionState returns the local description status.
func (e *Engine) DescriptionState() DescriptionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.desc
}

// ChannelState returns the data channel readiness.
func (e *Engine) ChannelState() ChannelState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel
}

// PendingCandidates returns how many remote candidates wait for a remote
// description.
func (e *Engine) PendingCandidates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) setDescription(s DescriptionState) {
	e.mu.Lock()
	e.desc = s
	e.mu.Unlock()
}

// setChannel records a readiness change and reports it. Changes after
// Destroy, and repeats, are swallowed.
func (e *Engine) setChannel(s ChannelState) {
	e.mu.Lock()
	if e.destroyed || e.channel == s || e.channel == ChannelClosed {
		e.mu.Unlock()
		return
	}
	e.channel = s
	e.mu.Unlock()

	if e.cb.OnStateChange != nil {
		e.cb.OnStateChange(s)
	}
}

// handleConnectionState settles the responder once ICE/DTLS is up, which
// proves the initiator applied the answer, and reports failures.
func (e *Engine) handleConnectionState(state webrtc.PeerConnectionState) {
	util.LogDebug("PeerConnection state: %s", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		e.mu.Lock()
		if e.desc == DescriptionAnswerSent {
			e.desc = DescriptionStable
		}
		e.mu.Unlock()

	case webrtc.PeerConnectionStateFailed:
		e.mu.Lock()
		destroyed := e.destroyed
		e.mu.Unlock()
		if !destroyed && e.cb.OnConnectionFailed != nil {
			e.cb.OnConnectionFailed()
		}
	}
}

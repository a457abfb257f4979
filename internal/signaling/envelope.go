// Package signaling carries session negotiation over the relay websocket:
// the SDP/ICE envelope codec and the websocket client itself.
package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// EnvelopeType discriminates a signaling envelope.
type EnvelopeType string

const (
	TypeSDP EnvelopeType = "sdp"
	TypeICE EnvelopeType = "ice"
)

// ErrInvalidEnvelope matches every decoding failure.
var ErrInvalidEnvelope = errors.New("invalid signal envelope")

// InvalidEnvelopeError describes why an envelope was rejected.
type InvalidEnvelopeError struct {
	Reason string
}

func (e *InvalidEnvelopeError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidEnvelope, e.Reason)
}

func (e *InvalidEnvelopeError) Is(target error) bool {
	return target == ErrInvalidEnvelope
}

func invalid(format string, args ...any) error {
	return &InvalidEnvelopeError{Reason: fmt.Sprintf(format, args...)}
}

// SessionDescription is the wire form of an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is the wire form of a trickled candidate, matching the
// browser's RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Envelope is the payload of a relay "signal" event.
type Envelope struct {
	Type      EnvelopeType        `json:"type"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`
}

// EncodeOffer wraps a local offer.
func EncodeOffer(desc webrtc.SessionDescription) Envelope {
	return encodeDescription(desc)
}

// EncodeAnswer wraps a local answer.
func EncodeAnswer(desc webrtc.SessionDescription) Envelope {
	return encodeDescription(desc)
}

func encodeDescription(desc webrtc.SessionDescription) Envelope {
	return Envelope{
		Type: TypeSDP,
		SDP:  &SessionDescription{Type: desc.Type.String(), SDP: desc.SDP},
	}
}

// EncodeICECandidate wraps a locally gathered candidate.
func EncodeICECandidate(init webrtc.ICECandidateInit) Envelope {
	return Envelope{
		Type: TypeICE,
		Candidate: &ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		},
	}
}

// Marshal serializes an envelope for the outbound "data" field.
func Marshal(env Envelope) ([]byte, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses and validates an inbound envelope. Every failure is an
// *InvalidEnvelopeError.
func Decode(raw []byte) (Envelope, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Envelope{}, invalid("empty payload")
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, invalid("malformed json: %v", err)
	}
	if err := env.validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) validate() error {
	switch e.Type {
	case "":
		return invalid("missing type")
	case TypeSDP:
		if e.SDP == nil {
			return invalid("sdp envelope missing sdp")
		}
		if e.SDP.SDP == "" {
			return invalid("sdp envelope missing sdp.sdp")
		}
		if e.SDP.Type != "offer" && e.SDP.Type != "answer" {
			return invalid("unsupported sdp.type %q", e.SDP.Type)
		}
	case TypeICE:
		if e.Candidate == nil {
			return invalid("ice envelope missing candidate")
		}
	default:
		return invalid("unsupported type %q", e.Type)
	}
	return nil
}

// Description converts an sdp envelope into pion's form.
func (e Envelope) Description() (webrtc.SessionDescription, error) {
	if e.Type != TypeSDP || e.SDP == nil {
		return webrtc.SessionDescription{}, invalid("not an sdp envelope")
	}

	var t webrtc.SDPType
	switch e.SDP.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, invalid("unsupported sdp.type %q", e.SDP.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: e.SDP.SDP}, nil
}

// ICECandidateInit converts an ice envelope into pion's form.
func (e Envelope) ICECandidateInit() (webrtc.ICECandidateInit, error) {
	if e.Type != TypeICE || e.Candidate == nil {
		return webrtc.ICECandidateInit{}, invalid("not an ice envelope")
	}
	return webrtc.ICECandidateInit{
		Candidate:        e.Candidate.Candidate,
		SDPMid:           e.Candidate.SDPMid,
		SDPMLineIndex:    e.Candidate.SDPMLineIndex,
		UsernameFragment: e.Candidate.UsernameFragment,
	}, nil
}

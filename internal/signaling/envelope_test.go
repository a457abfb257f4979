package signaling

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

// TestDecodeValid verifies that well-formed envelopes decode and convert to
// pion types.
func TestDecodeValid(t *testing.T) {
	t.Run("sdp offer", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"sdp","sdp":{"type":"offer","sdp":"v=0\r\n"}}`))
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		desc, err := env.Description()
		if err != nil {
			t.Fatalf("Description failed: %v", err)
		}
		if desc.Type != webrtc.SDPTypeOffer || desc.SDP != "v=0\r\n" {
			t.Errorf("Description mismatch: got %v %q", desc.Type, desc.SDP)
		}
	})

	t.Run("sdp answer", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"sdp","sdp":{"type":"answer","sdp":"v=0"}}`))
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		desc, err := env.Description()
		if err != nil {
			t.Fatalf("Description failed: %v", err)
		}
		if desc.Type != webrtc.SDPTypeAnswer {
			t.Errorf("Type mismatch: got %v, want answer", desc.Type)
		}
	})

	t.Run("ice candidate", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"ice","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`))
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		init, err := env.ICECandidateInit()
		if err != nil {
			t.Fatalf("ICECandidateInit failed: %v", err)
		}
		if init.SDPMid == nil || *init.SDPMid != "0" {
			t.Errorf("SDPMid mismatch: got %v", init.SDPMid)
		}
		if init.SDPMLineIndex == nil || *init.SDPMLineIndex != 0 {
			t.Errorf("SDPMLineIndex mismatch: got %v", init.SDPMLineIndex)
		}
	})

	t.Run("end of candidates", func(t *testing.T) {
		if _, err := Decode([]byte(`{"type":"ice","candidate":{"candidate":""}}`)); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
	})
}

// TestDecodeInvalid verifies every rejection path returns an error matching
// ErrInvalidEnvelope.
func TestDecodeInvalid(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
	}{
		{"empty", ``},
		{"null", `null`},
		{"not json", `{"type":`},
		{"missing type", `{"sdp":{"type":"offer","sdp":"v=0"}}`},
		{"unknown type", `{"type":"bye"}`},
		{"sdp missing", `{"type":"sdp"}`},
		{"sdp.sdp missing", `{"type":"sdp","sdp":{"type":"offer"}}`},
		{"sdp.type unsupported", `{"type":"sdp","sdp":{"type":"pranswer","sdp":"v=0"}}`},
		{"candidate missing", `{"type":"ice"}`},
		{"candidate wrong shape", `{"type":"ice","candidate":"oops"}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !errors.Is(err, ErrInvalidEnvelope) {
				t.Fatalf("Expected ErrInvalidEnvelope, got %v", err)
			}
			var ie *InvalidEnvelopeError
			if !errors.As(err, &ie) || ie.Reason == "" {
				t.Fatalf("Expected *InvalidEnvelopeError with reason, got %T", err)
			}
		})
	}
}

// TestEncodeMarshalDecode verifies that encoded envelopes survive the wire.
func TestEncodeMarshalDecode(t *testing.T) {
	mid := "0"
	idx := uint16(0)

	testCases := []struct {
		name string
		env  Envelope
	}{
		{"offer", EncodeOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"})},
		{"answer", EncodeAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"})},
		{"candidate", EncodeICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:x", SDPMid: &mid, SDPMLineIndex: &idx})},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := Marshal(tc.env)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			got, err := Decode(raw)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got.Type != tc.env.Type {
				t.Fatalf("Type mismatch: got %q, want %q", got.Type, tc.env.Type)
			}
			switch got.Type {
			case TypeSDP:
				if *got.SDP != *tc.env.SDP {
					t.Errorf("SDP mismatch: got %+v, want %+v", *got.SDP, *tc.env.SDP)
				}
			case TypeICE:
				if got.Candidate.Candidate != tc.env.Candidate.Candidate {
					t.Errorf("Candidate mismatch: got %q, want %q", got.Candidate.Candidate, tc.env.Candidate.Candidate)
				}
			}
		})
	}
}

// TestMarshalRejectsInvalid verifies that nothing malformed is put on the wire.
func TestMarshalRejectsInvalid(t *testing.T) {
	if _, err := Marshal(Envelope{Type: TypeSDP}); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("Expected ErrInvalidEnvelope, got %v", err)
	}
}

func TestConversionRejectsWrongType(t *testing.T) {
	ice := EncodeICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:x"})
	if _, err := ice.Description(); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("Description on ice envelope: got %v, want ErrInvalidEnvelope", err)
	}

	sdp := EncodeOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	if _, err := sdp.ICECandidateInit(); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("ICECandidateInit on sdp envelope: got %v, want ErrInvalidEnvelope", err)
	}
}

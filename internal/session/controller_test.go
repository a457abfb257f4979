package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/chitchat/internal/protocol"
	"github.com/1ureka/chitchat/internal/signaling"
	"github.com/1ureka/chitchat/internal/transport"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type emitted struct {
	event   protocol.Event
	payload any
}

type recordingEmitter struct {
	mu     sync.Mutex
	frames []emitted
}

func (r *recordingEmitter) Emit(event protocol.Event, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, emitted{event, payload})
	return nil
}

func (r *recordingEmitter) events() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Event, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.event
	}
	return out
}

func (r *recordingEmitter) last(event protocol.Event) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.frames) - 1; i >= 0; i-- {
		if r.frames[i].event == event {
			return r.frames[i].payload, true
		}
	}
	return nil, false
}

type fakeEngine struct {
	mu         sync.Mutex
	role       transport.Role
	sendSignal func(signaling.Envelope)
	cb         transport.Callbacks

	offers   int
	applied  []signaling.Envelope
	sent     []string
	destroys int
	sendErr  error
}

func (f *fakeEngine) BeginOffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return nil
}

func (f *fakeEngine) ApplySignal(env signaling.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, env)
	return nil
}

func (f *fakeEngine) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeEngine) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
}

func (f *fakeEngine) stats() (offers, applied, destroys int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers, len(f.applied), f.destroys
}

type harness struct {
	t       *testing.T
	ctrl    *Controller
	emitter *recordingEmitter

	mu       sync.Mutex
	engines  []*fakeEngine
	notices  []Notice
	failNext bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{t: t, emitter: &recordingEmitter{}}
	h.ctrl = New(Options{
		Emitter: h.emitter,
		NewEngine: func(role transport.Role, sendSignal func(signaling.Envelope), cb transport.Callbacks) (Negotiator, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.failNext {
				h.failNext = false
				return nil, errors.New("no peer connection")
			}
			e := &fakeEngine{role: role, sendSignal: sendSignal, cb: cb}
			h.engines = append(h.engines, e)
			return e, nil
		},
		Notify: func(n Notice) {
			h.mu.Lock()
			h.notices = append(h.notices, n)
			h.mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.ctrl.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) frame(event protocol.Event, payload any) {
	h.t.Helper()
	f, err := protocol.NewFrame(event, payload)
	if err != nil {
		h.t.Fatalf("NewFrame(%s) failed: %v", event, err)
	}
	h.ctrl.HandleFrame(f)
}

func (h *harness) connect(id string) {
	h.frame(protocol.EventConnect, protocol.Connect{ID: id})
}

func (h *harness) match(sessionID, peer string) {
	h.frame(protocol.EventMatched, protocol.Matched{SessionID: sessionID, PeerSocketID: peer})
}

func (h *harness) engine(i int) *fakeEngine {
	h.t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.engines) {
		h.t.Fatalf("engine %d was never created (have %d)", i, len(h.engines))
	}
	return h.engines[i]
}

func (h *harness) engineCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.engines)
}

func (h *harness) noticesOf(kind NoticeKind) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, n := range h.notices {
		if n.Kind == kind {
			out = append(out, n.Text)
		}
	}
	return out
}

func iceSignal(t *testing.T, from string) protocol.Signal {
	t.Helper()
	data, err := signaling.Marshal(signaling.EncodeICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"}))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return protocol.Signal{From: from, Data: data}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestMatchAssignsRoles(t *testing.T) {
	h := newHarness(t)
	h.connect("a1")
	h.match("s1", "b2")

	snap := h.ctrl.Snapshot()
	if snap.Status != StatusMatched {
		t.Fatalf("status mismatch: got %s, want matched", snap.Status)
	}
	if snap.Role != transport.RoleInitiator || snap.PeerID != "b2" || snap.SessionID != "s1" {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
	if offers, _, _ := h.engine(0).stats(); offers != 1 {
		t.Fatalf("initiator offers mismatch: got %d, want 1", offers)
	}

	r := newHarness(t)
	r.connect("b2")
	r.match("s1", "a1")

	if snap := r.ctrl.Snapshot(); snap.Role != transport.RoleResponder {
		t.Fatalf("role mismatch: got %s, want responder", snap.Role)
	}
	if offers, _, _ := r.engine(0).stats(); offers != 0 {
		t.Fatalf("responder offered %d times, want 0", offers)
	}
}

func TestMatchedWithoutLocalIDIgnored(t *testing.T) {
	h := newHarness(t)
	h.match("s1", "b2")

	if snap := h.ctrl.Snapshot(); snap.Status != StatusIdle || snap.SessionID != "" {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
	if n := h.engineCount(); n != 0 {
		t.Fatalf("engines created: got %d, want 0", n)
	}

	h.connect("a1")
	h.match("s2", "a1")
	if n := h.ctrl.Snapshot(); n.Status != StatusIdle {
		t.Fatalf("self match accepted: %+v", n)
	}
}

func TestStaleSignalsDropped(t *testing.T) {
	h := newHarness(t)
	h.connect("a1")
	h.match("s1", "b2")

	for i := 0; i < 5; i++ {
		h.frame(protocol.EventSignal, iceSignal(t, "z9"))
	}
	h.frame(protocol.EventSignal, iceSignal(t, "b2"))
	h.ctrl.Snapshot()

	if _, applied, _ := h.engine(0).stats(); applied != 1 {
		t.Fatalf("applied signals mismatch: got %d, want 1", applied)
	}
}

func TestInvalidSignalDiscarded(t *testing.T) {
	h := newHarness(t)
	h.connect("a1")
	h.match("s1", "b2")

	h.frame(protocol.EventSignal, protocol.Signal{From: "b2", Data: json.RawMessage(`{"type":"sdp"}`)})
	h.frame(protocol.EventSignal, protocol.Signal{From: "b2", Data: json.RawMessage(`null`)})

	if snap := h.ctrl.Snapshot(); snap.Status != StatusMatched {
		t.Fatalf("status mismatch: got %s, want matched", snap.Status)
	}
	if _, applied, _ := h.engine(0).stats(); applied != 0 {
		t.Fatalf("applied signals mismatch: got %d, want 0", applied)
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.connect("a1")
	h.match("s1", "b2")

	h.frame(protocol.EventPeerLeft, nil)
	h.frame(protocol.EventKicked, protocol.Kicked{Reason: "spam"})
	h.frame(protocol.EventLeftQueue, nil)

	snap := h.ctrl.Snapshot()
	if snap.Status != StatusIdle || snap.SessionID != "" {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
	if _, _, destroys := h.engine(0).stats(); destroys != 1 {
		t.Fatalf("destroy count mismatch: got %d, want 1", destroys)
	}

	statuses := h.noticesOf(NoticeStatus)
	want := []string{"matched", "idle"}
	if len(statuses) != len(want) {
		t.Fatalf("status notices mismatch: got %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("status notices mismatch: got %v, want %v", statuses, want)
		}
	}
}

func TestNextRequeuesWithoutIdle(t *testing.T) {
	h := newHarness(t)
	h.connect("a1")
	h.match("s1", "b2")

	h.ctrl.Next()
	snap := h.ctrl.Snapshot()

	if snap.Status != StatusQueued || snap.SessionID != "" {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
	if _, _, destroys := h.engine(0).stats(); destroys != 1 {
		t.Fatalf("destroy count mismatch: got %d, want 1", destroys)
	}

	events := h.emitter.events()
	if len(events) == 0 || events[len(events)-1] != protocol.EventJoinQueue {
		t.Fatalf("last emitted event mismatch: %v", events)
	}
	for _, s := range h.noticesOf(NoticeStatus) {
		if s == string(StatusIdle) {
			t.Fatal("next passed through idle")
		}
	}
}

func TestLeaveIsEager(t *testing.T) {
	h := newHarness(t)
	h.connect("a1")
	h.match("s1", "b2")

	h.ctrl.Leave()
	snap := h.ctrl.Snapshot()

	if snap.Status != StatusIdle || snap.SessionID != "" {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
	if _, ok := h.emitter.last(protocol.EventLeaveQueue); !ok {
		t.Fatal("leave_queue was not emitted")
	}

	// The relay's confirmation must not tear down anything twice.
	h.frame(protocol.EventLeftQueue, nil)
	h.ctrl.Snapshot()
	if _, _, destroys := h.engine(0).stats(); destroys != 1 {
		t.Fatalf("destroy count mismatch: got %d, want 1", destroys)
	}
}

func TestStartWhileMatchedIsNoop(t *testing.T) {
	h := newHarness(t)
	h.connect("a1")
	h.ctrl.Start()
	h.match("s1", "b2")
	h.ctrl.Start()
	h.ctrl.Snapshot()

	joins := 0
	for _, ev := range h.emitter.events() {
		if ev == protocol.EventJoinQueue {
			joins++
		}
	}
	if joins != 1 {
		t.Fatalf("join_queue count mismatch: got %d, want 1", joins)
	}

	p, _ := h.emitter.last(protocol.EventJoinQueue)
	if jq, ok := p.(protocol.JoinQueue); !ok || jq.Filters == nil {
		t.Fatalf("join_queue payload mismatch: %#v", p)
	}
}

func TestNewMatchReplacesSession(t *testing.T) {
	h := newHarness(t)
	h.connect("a1")
	h.match("s1", "b2")
	h.match("s2", "c3")

	snap := h.ctrl.Snapshot()
	if snap.SessionID != "s2" || snap.PeerID != "c3" {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
	if _, _, destroys := h.engine(0).stats(); destroys != 1 {
		t.Fatalf("first engine destroy count mismatch: got %d, want 1", destroys)
	}
	if _, _, destroys := h.engine(1).stats(); destroys != 0 {
		t.Fatalf("second engine destroyed early: %d", destroys)
	}
}

func TestStaleCallbacksIgnored(t *testing.T) {
	h := newHarness(t)
	h.connect("a1")
	h.match("s1", "b2")
	h.ctrl.Snapshot()
	old := h.engine(0)
	h.match("s2", "c3")
	h.ctrl.Snapshot()

	old.cb.OnData("ghost")
	old.cb.OnStateChange(transport.ChannelOpen)
	old.cb.OnConnectionFailed()
	old.sendSignal(signaling.EncodeICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:x"}))

	snap := h.ctrl.Snapshot()
	if !snap.HasEngine || snap.PeerID != "c3" {
		t.Fatalf("current session disturbed: %+v", snap)
	}
	if got := h.noticesOf(NoticePeer); len(got) != 0 {
		t.Fatalf("stale data delivered: %v", got)
	}
	if got := h.noticesOf(NoticeChannel); len(got) != 0 {
		t.Fatalf("stale channel state delivered: %v", got)
	}
	if _, ok := h.emitter.last(protocol.EventSignal); ok {
		t.Fatal("stale signal was emitted")
	}
}

func TestEngineSignalsAddressedToPeer(t *testing.T) {
	h := newHarness(t)
	h.connect("a1")
	h.match("s1", "b2")
	h.ctrl.Snapshot()

	h.engine(0).sendSignal(signaling.EncodeICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1"}))
	h.ctrl.Snapshot()

	p, ok := h.emitter.last(protocol.EventSignal)
	if !ok {
		t.Fatal("signal was not emitted")
	}
	sig := p.(protocol.Signal)
	if sig.To != "b2" {
		t.Fatalf("signal target mismatch: got %q, want b2", sig.To)
	}
	env, err := signaling.Decode(sig.Data)
	if err != nil || env.Type != signaling.TypeICE {
		t.Fatalf("signal payload mismatch: %+v (%v)", env, err)
	}
}

func TestSendDirect(t *testing.T) {
	h := newHarness(t)
	h.connect("a1")
	h.match("s1", "b2")
	h.ctrl.Snapshot()
	h.engine(0).cb.OnStateChange(transport.ChannelOpen)

	h.ctrl.Send("hello")
	h.ctrl.Snapshot()

	if len(h.engine(0).sent) != 1 || h.engine(0).sent[0] != "hello" {
		t.Fatalf("direct send mismatch: %v", h.engine(0).sent)
	}
	if _, ok := h.emitter.last(protocol.EventRelayMsg); ok {
		t.Fatal("message was relayed despite open channel")
	}
	if got := h.noticesOf(NoticeChannel); len(got) != 1 || got[0] != "open" {
		t.Fatalf("channel notices mismatch: %v", got)
	}
}

func TestSendRelaysBeforeOpen(t *testing.T) {
	h := newHarness(t)
	h.connect("a1")
	h.match("s1", "b2")
	h.ctrl.Snapshot()
	h.engine(0).sendErr = transport.ErrChannelNotReady

	h.ctrl.Send("early")
	h.ctrl.Snapshot()

	p, ok := h.emitter.last(protocol.EventRelayMsg)
	if !ok {
		t.Fatal("message was not relayed")
	}
	if msg := p.(protocol.RelayMsg); msg.To != "b2" || msg.Text != "early" {
		t.Fatalf("relay payload mismatch: %+v", msg)
	}
}

func TestSendFailsAfterChannelClosed(t *testing.T) {
	h := newHarness(t)
	h.connect("a1")
	h.match("s1", "b2")
	h.ctrl.Snapshot()

	e := h.engine(0)
	e.cb.OnStateChange(transport.ChannelOpen)
	e.cb.OnStateChange(transport.ChannelClosed)
	h.ctrl.Snapshot()
	e.mu.Lock()
	e.sendErr = transport.ErrChannelNotReady
	e.mu.Unlock()

	h.ctrl.Send("late")
	h.ctrl.Snapshot()

	if _, ok := h.emitter.last(protocol.EventRelayMsg); ok {
		t.Fatal("message relayed after channel had opened")
	}
	if got := h.noticesOf(NoticeError); len(got) != 1 {
		t.Fatalf("error notices mismatch: %v", got)
	}
}

func TestSendWithoutSession(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Send("anyone?")
	h.ctrl.Snapshot()

	if got := h.noticesOf(NoticeError); len(got) != 1 || got[0] != "not connected to peer" {
		t.Fatalf("error notices mismatch: %v", got)
	}
	if n := len(h.emitter.events()); n != 0 {
		t.Fatalf("emitted %d frames, want 0", n)
	}
}

func TestEngineFailureFallsBackToRelay(t *testing.T) {
	h := newHarness(t)
	h.connect("a1")
	h.failNext = true
	h.match("s1", "b2")

	snap := h.ctrl.Snapshot()
	if snap.Status != StatusMatched || snap.HasEngine {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}

	h.ctrl.Send("via relay")
	h.ctrl.Snapshot()
	if _, ok := h.emitter.last(protocol.EventRelayMsg); !ok {
		t.Fatal("message was not relayed")
	}
}

func TestConnectionFailedDropsEngine(t *testing.T) {
	h := newHarness(t)
	h.connect("a1")
	h.match("s1", "b2")
	h.ctrl.Snapshot()

	h.engine(0).cb.OnConnectionFailed()
	snap := h.ctrl.Snapshot()

	if snap.Status != StatusMatched || snap.HasEngine {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
	if _, _, destroys := h.engine(0).stats(); destroys != 1 {
		t.Fatalf("destroy count mismatch: got %d, want 1", destroys)
	}

	h.frame(protocol.EventPeerLeft, nil)
	h.ctrl.Snapshot()
	if _, _, destroys := h.engine(0).stats(); destroys != 1 {
		t.Fatalf("destroy count after peer_left mismatch: got %d, want 1", destroys)
	}
}

func TestReportSessionID(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Report("")
	h.ctrl.Snapshot()
	p, _ := h.emitter.last(protocol.EventReport)
	if r := p.(protocol.Report); r.SessionID != nil || r.Reason != DefaultReportReason {
		t.Fatalf("report without session mismatch: %+v", r)
	}

	h.connect("a1")
	h.match("s1", "b2")
	h.ctrl.Report("rude")
	h.ctrl.Snapshot()
	p, _ = h.emitter.last(protocol.EventReport)
	if r := p.(protocol.Report); r.SessionID == nil || *r.SessionID != "s1" || r.Reason != "rude" {
		t.Fatalf("report during session mismatch: %+v", r)
	}

	h.frame(protocol.EventPeerLeft, nil)
	h.ctrl.Report("")
	h.ctrl.Snapshot()
	p, _ = h.emitter.last(protocol.EventReport)
	if r := p.(protocol.Report); r.SessionID == nil || *r.SessionID != "s1" {
		t.Fatalf("report after session mismatch: %+v", r)
	}
}

func TestRelayMessageDelivered(t *testing.T) {
	h := newHarness(t)
	h.frame(protocol.EventRelayMsg, protocol.RelayMsg{From: "b2", Text: "hi"})
	h.ctrl.Snapshot()

	if got := h.noticesOf(NoticeRelay); len(got) != 1 || got[0] != "hi" {
		t.Fatalf("relay notices mismatch: %v", got)
	}
}

func TestRunTearsDownOnCancel(t *testing.T) {
	emitter := &recordingEmitter{}
	engine := &fakeEngine{}
	ctrl := New(Options{
		Emitter: emitter,
		NewEngine: func(transport.Role, func(signaling.Envelope), transport.Callbacks) (Negotiator, error) {
			return engine, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	f, _ := protocol.NewFrame(protocol.EventConnect, protocol.Connect{ID: "a1"})
	ctrl.HandleFrame(f)
	f, _ = protocol.NewFrame(protocol.EventMatched, protocol.Matched{SessionID: "s1", PeerSocketID: "b2"})
	ctrl.HandleFrame(f)
	ctrl.Snapshot()

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if _, _, destroys := engine.stats(); destroys != 1 {
		t.Fatalf("destroy count mismatch: got %d, want 1", destroys)
	}
	if err := ctrl.Run(context.Background()); err == nil {
		t.Fatal("second Run should fail")
	}
	if snap := ctrl.Snapshot(); snap.Status != StatusIdle {
		t.Fatalf("snapshot after stop mismatch: %+v", snap)
	}
}

func TestMalformedKickStillTearsDown(t *testing.T) {
	h := newHarness(t)
	h.connect("a1")
	h.match("s1", "b2")

	h.ctrl.HandleFrame(protocol.Frame{Event: protocol.EventKicked, Data: json.RawMessage(`"oops"`)})
	snap := h.ctrl.Snapshot()

	if snap.Status != StatusIdle || snap.SessionID != "" {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
	if _, _, destroys := h.engine(0).stats(); destroys != 1 {
		t.Fatalf("destroy count mismatch: got %d, want 1", destroys)
	}
}

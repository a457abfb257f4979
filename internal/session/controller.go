// Package session owns the chat lifecycle: queue membership, matching, role
// assignment and teardown. Every state change runs on one event loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/chitchat/internal/protocol"
	"github.com/1ureka/chitchat/internal/signaling"
	"github.com/1ureka/chitchat/internal/transport"
	"github.com/1ureka/chitchat/internal/util"
)

// Status is the controller's externally visible state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusQueued  Status = "queued"
	StatusMatched Status = "matched"
)

// DefaultReportReason is sent when the user gives none.
const DefaultReportReason = "user_report"

// Emitter sends frames to the relay. It must be safe for concurrent use.
type Emitter interface {
	Emit(event protocol.Event, payload any) error
}

// Negotiator is the per-session engine; *transport.Engine implements it.
type Negotiator interface {
	BeginOffer() error
	ApplySignal(env signaling.Envelope) error
	SendText(text string) error
	Destroy()
}

// EngineFactory builds the Negotiator for a new session.
type EngineFactory func(role transport.Role, sendSignal func(signaling.Envelope), cb transport.Callbacks) (Negotiator, error)

// Options configure a Controller.
type Options struct {
	Emitter   Emitter
	NewEngine EngineFactory
	Notify    func(Notice) // called on the loop goroutine; may be nil
	Filters   map[string]string
}

// Session is the active pairing.
type Session struct {
	ID         string
	PeerID     string
	Role       transport.Role
	generation uint64

	engine Negotiator
	opened bool // the data channel reached open at least once
}

// Snapshot is a read-only view of the controller state.
type Snapshot struct {
	Status     Status
	LocalID    string
	SessionID  string
	PeerID     string
	Role       transport.Role
	Generation uint64
	HasEngine  bool
}

// Controller is the session state machine. Intent methods and HandleFrame
// may be called from any goroutine; they are queued onto the loop started by
// Run and applied in order.
type Controller struct {
	emitter   Emitter
	newEngine EngineFactory
	notify    func(Notice)
	filters   map[string]string

	queue *eventQueue

	runOnce  sync.Once
	done     chan struct{}
	doneOnce sync.Once

	// Loop-owned state.
	status        Status
	localID       string
	session       *Session
	generation    uint64
	lastSessionID string
}

// New creates an idle Controller.
func New(opts Options) *Controller {
	filters := opts.Filters
	if filters == nil {
		filters = map[string]string{}
	}
	return &Controller{
		emitter:   opts.Emitter,
		newEngine: opts.NewEngine,
		notify:    opts.Notify,
		filters:   filters,
		queue:     newEventQueue(),
		done:      make(chan struct{}),
		status:    StatusIdle,
	}
}

// Run processes queued events until ctx is cancelled, then destroys any
// active session. It may only be called once.
func (c *Controller) Run(ctx context.Context) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("controller already running")
	}

	defer c.doneOnce.Do(func() { close(c.done) })

	for {
		select {
		case <-c.queue.wake:
			for _, fn := range c.queue.drain() {
				fn()
			}
		case <-ctx.Done():
			c.endSession()
			return nil
		}
	}
}

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) enqueue(fn func()) { c.queue.push(fn) }

// post queues a callback from sess's engine. The callback is dropped if sess
// is no longer the current session by the time it runs.
func (c *Controller) post(sess *Session, fn func()) {
	gen := sess.generation
	c.enqueue(func() {
		if c.session == nil || c.session.generation != gen {
			util.LogDebug("dropping stale engine event (generation %d)", gen)
			return
		}
		fn()
	})
}

// ---------------------------------------------------------------------------
// Intents
// ---------------------------------------------------------------------------

// Start joins the matchmaking queue.
func (c *Controller) Start() { c.enqueue(c.start) }

// Leave leaves the queue or the current session.
func (c *Controller) Leave() { c.enqueue(c.leave) }

// Next ends the current session and immediately requeues.
func (c *Controller) Next() { c.enqueue(c.next) }

// Send sends chat text to the current peer.
func (c *Controller) Send(text string) { c.enqueue(func() { c.send(text) }) }

// Report flags the current or last peer.
func (c *Controller) Report(reason string) { c.enqueue(func() { c.report(reason) }) }

// HandleFrame applies an inbound relay frame.
func (c *Controller) HandleFrame(f protocol.Frame) { c.enqueue(func() { c.handleFrame(f) }) }

// Snapshot waits for every previously queued event to be applied and then
// returns the resulting state. It must not be called from the loop itself.
func (c *Controller) Snapshot() Snapshot {
	ch := make(chan Snapshot, 1)
	c.enqueue(func() { ch <- c.snapshot() })

	select {
	case s := <-ch:
		return s
	case <-c.done:
		return Snapshot{Status: StatusIdle, LocalID: c.localID}
	}
}

func (c *Controller) snapshot() Snapshot {
	s := Snapshot{Status: c.status, LocalID: c.localID, Generation: c.generation}
	if c.session != nil {
		s.SessionID = c.session.ID
		s.PeerID = c.session.PeerID
		s.Role = c.session.Role
		s.HasEngine = c.session.engine != nil
	}
	return s
}

// ---------------------------------------------------------------------------
// Transitions (loop goroutine only)
// ---------------------------------------------------------------------------

func (c *Controller) start() {
	if c.status == StatusMatched {
		util.LogWarning("already matched; use next to find a new peer")
		return
	}
	c.joinQueue()
}

func (c *Controller) joinQueue() {
	if err := c.emitter.Emit(protocol.EventJoinQueue, protocol.JoinQueue{Filters: c.filters}); err != nil {
		c.fail("join_queue failed: %v", err)
		return
	}
	c.log("join_queue sent")
	c.setStatus(StatusQueued)
}

func (c *Controller) leave() {
	if err := c.emitter.Emit(protocol.EventLeaveQueue, nil); err != nil {
		c.fail("leave_queue failed: %v", err)
	} else {
		c.log("leave_queue sent")
	}
	c.endSession()
	c.setStatus(StatusIdle)
}

func (c *Controller) next() {
	c.log("next pressed, requeueing")
	c.endSession()
	c.joinQueue()
}

func (c *Controller) report(reason string) {
	if reason == "" {
		reason = DefaultReportReason
	}

	var sessionID *string
	switch {
	case c.session != nil:
		id := c.session.ID
		sessionID = &id
	case c.lastSessionID != "":
		id := c.lastSessionID
		sessionID = &id
	}

	if err := c.emitter.Emit(protocol.EventReport, protocol.Report{SessionID: sessionID, Reason: reason}); err != nil {
		c.fail("report failed: %v", err)
		return
	}
	c.log("reported")
}

func (c *Controller) send(text string) {
	if text == "" {
		return
	}

	sess := c.session
	if sess == nil {
		c.fail("not connected to peer")
		return
	}

	if sess.engine != nil {
		err := sess.engine.SendText(text)
		if err == nil {
			util.Stats.AddSent(len(text))
			c.emit(NoticeSelf, text)
			return
		}
		if !errors.Is(err, transport.ErrChannelNotReady) || sess.opened {
			c.fail("send failed: %v", err)
			return
		}
		util.LogDebug("data channel not ready, relaying message")
	}

	if err := c.emitter.Emit(protocol.EventRelayMsg, protocol.RelayMsg{To: sess.PeerID, Text: text}); err != nil {
		c.fail("send failed: %v", err)
		return
	}
	util.Stats.AddRelayed()
	c.emit(NoticeSelf, "(relay) "+text)
}

func (c *Controller) handleFrame(f protocol.Frame) {
	switch f.Event {
	case protocol.EventConnect:
		var p protocol.Connect
		if err := f.Bind(&p); err != nil || p.ID == "" {
			util.LogWarning("discarding connect frame: %v", err)
			return
		}
		c.localID = p.ID
		c.log("connected to signaling: " + p.ID)

	case protocol.EventQueued:
		c.log("queued, waiting...")
		c.setStatus(StatusQueued)

	case protocol.EventMatched:
		var p protocol.Matched
		if err := f.Bind(&p); err != nil {
			util.LogWarning("discarding matched frame: %v", err)
			return
		}
		c.match(p)

	case protocol.EventSignal:
		var p protocol.Signal
		if err := f.Bind(&p); err != nil {
			util.LogWarning("discarding signal frame: %v", err)
			return
		}
		c.routeSignal(p)

	case protocol.EventRelayMsg:
		var p protocol.RelayMsg
		if err := f.Bind(&p); err != nil {
			util.LogWarning("discarding relay_msg frame: %v", err)
			return
		}
		c.emit(NoticeRelay, p.Text)

	case protocol.EventPeerLeft:
		c.log("peer left")
		c.endSession()
		c.setStatus(StatusIdle)

	case protocol.EventKicked:
		var p protocol.Kicked
		if err := f.Bind(&p); err != nil {
			util.LogDebug("kicked frame with bad payload: %v", err)
		}
		c.log("you were kicked: " + p.Reason)
		c.endSession()
		c.setStatus(StatusIdle)

	case protocol.EventLeftQueue:
		c.log("left queue")
		c.endSession()
		c.setStatus(StatusIdle)

	default:
		util.LogDebug("ignoring relay event %q", f.Event)
	}
}

// match replaces any current session with a new one for p.
func (c *Controller) match(p protocol.Matched) {
	switch {
	case c.localID == "":
		util.LogWarning("matched before the relay assigned a connection id, ignoring")
		return
	case p.PeerSocketID == "" || p.PeerSocketID == c.localID:
		util.LogWarning("matched with invalid peer id %q, ignoring", p.PeerSocketID)
		return
	}

	c.endSession()

	c.generation++
	sess := &Session{
		ID:         p.SessionID,
		PeerID:     p.PeerSocketID,
		Role:       transport.ResolveRole(c.localID, p.PeerSocketID),
		generation: c.generation,
	}
	c.session = sess
	util.Stats.AddMatch()
	c.log("matched with " + sess.PeerID + " as " + string(sess.Role))
	c.setStatus(StatusMatched)

	engine, err := c.newEngine(sess.Role,
		func(env signaling.Envelope) {
			c.post(sess, func() { c.emitSignal(sess, env) })
		},
		transport.Callbacks{
			OnData: func(text string) {
				c.post(sess, func() {
					util.Stats.AddRecv(len(text))
					c.emit(NoticePeer, text)
				})
			},
			OnStateChange: func(state transport.ChannelState) {
				c.post(sess, func() { c.channelChanged(sess, state) })
			},
			OnConnectionFailed: func() {
				c.post(sess, func() { c.connectionFailed(sess) })
			},
		})
	if err != nil {
		c.fail("failed to set up peer connection, chat will be relayed: %v", err)
		return
	}
	sess.engine = engine

	if sess.Role == transport.RoleInitiator {
		if err := engine.BeginOffer(); err != nil {
			c.fail("offer error: %v", err)
		}
	}
}

// routeSignal applies an inbound envelope if it belongs to the current peer.
func (c *Controller) routeSignal(p protocol.Signal) {
	sess := c.session
	if sess == nil || sess.engine == nil || p.From != sess.PeerID {
		util.LogDebug("dropping stale signal from %q", p.From)
		return
	}

	env, err := signaling.Decode(p.Data)
	if err != nil {
		util.LogWarning("discarding signal from %s: %v", p.From, err)
		return
	}

	if err := sess.engine.ApplySignal(env); err != nil {
		util.LogWarning("failed to apply %s signal: %v", env.Type, err)
	}
}

func (c *Controller) emitSignal(sess *Session, env signaling.Envelope) {
	data, err := signaling.Marshal(env)
	if err != nil {
		util.LogWarning("not sending %s signal: %v", env.Type, err)
		return
	}
	if err := c.emitter.Emit(protocol.EventSignal, protocol.Signal{To: sess.PeerID, Data: data}); err != nil {
		util.LogWarning("failed to send %s signal: %v", env.Type, err)
	}
}

func (c *Controller) channelChanged(sess *Session, state transport.ChannelState) {
	if state == transport.ChannelOpen {
		sess.opened = true
	}
	c.emit(NoticeChannel, string(state))
}

// connectionFailed drops the engine but keeps the session so chat can fall
// back to the relay until the user moves on.
func (c *Controller) connectionFailed(sess *Session) {
	if sess.engine != nil {
		sess.engine.Destroy()
		sess.engine = nil
	}
	c.fail("peer connection failed; press next to find a new peer")
}

// endSession destroys the current session, if any, exactly once.
func (c *Controller) endSession() {
	sess := c.session
	if sess == nil {
		return
	}
	c.session = nil
	c.lastSessionID = sess.ID

	if sess.engine != nil {
		sess.engine.Destroy()
		sess.engine = nil
	}
}

// ---------------------------------------------------------------------------
// Notices
// ---------------------------------------------------------------------------

func (c *Controller) setStatus(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	c.emit(NoticeStatus, string(s))
}

func (c *Controller) log(text string) {
	util.LogDebug("%s", text)
	c.emit(NoticeLog, text)
}

func (c *Controller) fail(format string, args ...any) {
	util.LogWarning(format, args...)
	c.emit(NoticeError, fmt.Sprintf(format, args...))
}

func (c *Controller) emit(kind NoticeKind, text string) {
	if c.notify != nil {
		c.notify(Notice{Kind: kind, Text: text})
	}
}

package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/peerlobby/internal/bus"
	"github.com/petervdpas/peerlobby/internal/media"
	"github.com/petervdpas/peerlobby/internal/signal"
)

const defaultMediaWait = 10 * time.Second

// NoticeLevel classifies a user-facing notice.
type NoticeLevel int8

const (
	NoticeInfo NoticeLevel = iota
	NoticeError
)

// Notice is a short, transient user-facing message about call progress.
type Notice struct {
	Level NoticeLevel
	Text  string
}

// State is a point-in-time snapshot of the coordinator, safe to read from
// any goroutine. With no session in flight, Role is RoleUnassigned and
// SignalingPhase is PhaseClosed.
type State struct {
	Role              Role
	SignalingPhase    SignalingPhase
	ConnectivityPhase ConnectivityPhase
	RoomID            string
	PeerID            string
	Active            bool
	PendingCandidates int
}

// Options configures a Coordinator.
type Options struct {
	Bus      bus.Bus
	ClientID string
	Factory  ConnFactory
	Provider media.Provider
	ICE      ICEConfig

	// MediaWait bounds device acquisition. Defaults to 10 s.
	MediaWait time.Duration

	// DisconnectedGrace is how long a Disconnected connectivity phase may
	// persist before the session is torn down. Zero means log only and
	// wait for the transport to decide (Failed).
	DisconnectedGrace time.Duration

	// OnNotice receives user-facing call notices. Called from the
	// coordinator loop; must not call back into the Coordinator.
	OnNotice func(Notice)

	// OnTeardown fires after every session teardown, so per-call state
	// held elsewhere (chat history) can be cleared alongside.
	OnTeardown func()
}

// Coordinator owns the life of at most one call session and runs the
// description/candidate exchange as a state machine.
//
// All state lives on a single loop goroutine. Remote signals, user actions
// and transport callbacks all enter through the same event channel, so no
// handler ever observes a half-applied transition. Callbacks from the
// connection carry the generation counter current at connection build time;
// the loop discards events whose generation no longer matches, which is what
// makes teardown safe against stragglers.
type Coordinator struct {
	opts   Options
	events chan event
	closed chan struct{}
	once   sync.Once

	// loop-owned
	sess    *session
	roomID  string
	ice     ICEConfig
	gen     uint64
	prewarm *media.TrackBundle

	stateMu sync.Mutex
	state   State
}

type event struct {
	fn   func()
	done chan struct{}
}

// NewCoordinator builds a Coordinator and starts its loop.
func NewCoordinator(opts Options) *Coordinator {
	if opts.MediaWait <= 0 {
		opts.MediaWait = defaultMediaWait
	}
	c := &Coordinator{
		opts:   opts,
		events: make(chan event, 32),
		closed: make(chan struct{}),
		ice:    opts.ICE,
		state:  State{SignalingPhase: PhaseClosed},
	}
	go c.loop()
	return c
}

func (c *Coordinator) loop() {
	for {
		select {
		case ev := <-c.events:
			ev.fn()
			if ev.done != nil {
				close(ev.done)
			}
			c.syncState()
		case <-c.closed:
			c.teardown("coordinator closed")
			if c.prewarm != nil {
				c.opts.Provider.Release(c.prewarm)
				c.prewarm = nil
			}
			c.syncState()
			return
		}
	}
}

// do runs fn on the loop and waits for it.
func (c *Coordinator) do(fn func()) error {
	ev := event{fn: fn, done: make(chan struct{})}
	select {
	case c.events <- ev:
	case <-c.closed:
		return ErrClosed
	}
	select {
	case <-ev.done:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

// post queues fn without waiting. Used from transport callbacks, which must
// never block on the loop.
func (c *Coordinator) post(fn func()) {
	select {
	case c.events <- event{fn: fn}:
	case <-c.closed:
	}
}

// Close shuts the loop down, tearing down any live session.
func (c *Coordinator) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// State returns a snapshot of the coordinator.
func (c *Coordinator) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Coordinator) syncState() {
	st := State{SignalingPhase: PhaseClosed, RoomID: c.roomID}
	if s := c.sess; s != nil {
		st = State{
			Role:              s.role,
			SignalingPhase:    s.signalingPhase,
			ConnectivityPhase: s.connectivityPhase,
			RoomID:            s.roomID,
			PeerID:            s.peerID,
			Active:            s.active,
			PendingCandidates: s.pending.Len(),
		}
	}
	c.stateMu.Lock()
	c.state = st
	c.stateMu.Unlock()
}

// UpdateICEConfig swaps the STUN/TURN servers used for future connections.
// The live connection, if any, keeps its current servers.
func (c *Coordinator) UpdateICEConfig(ice ICEConfig) error {
	return c.do(func() {
		c.ice = ice
		log.Infof("ice config updated: %d servers", len(ice.Servers))
	})
}

// AssignRole handles a room assignment from the matcher. Any session still
// in flight is torn down first — the server has moved us on.
func (c *Coordinator) AssignRole(roleStr, roomID string) error {
	var role Role
	switch roleStr {
	case signal.TypeOfferer:
		role = RoleOfferer
	case signal.TypeAnswerer:
		role = RoleAnswerer
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidPhase, roleStr)
	}
	return c.do(func() { c.handleRoleAssignment(role, roomID) })
}

func (c *Coordinator) handleRoleAssignment(role Role, roomID string) {
	if c.sess != nil {
		log.Warnf("role assignment while session %s live, tearing down", c.sess.id)
		c.teardown("reassigned")
	}
	c.roomID = roomID
	c.sess = &session{
		id:     uuid.NewString(),
		roomID: roomID,
		role:   role,
	}
	log.Infof("session %s: assigned %s in room %s", c.sess.id, role, roomID)

	if role == RoleOfferer {
		c.createLocalOffer()
	}
	// The answerer waits; its connection is built when the offer arrives.
}

func (c *Coordinator) createLocalOffer() {
	s := c.sess
	if s.signalingPhase != PhaseStable {
		log.Errorf("session %s: offer attempted in phase %s", s.id, s.signalingPhase)
		c.failSession("negotiation desynchronized")
		return
	}
	if err := c.buildConnection(s); err != nil {
		c.failSession(noticeForBuildErr(err))
		return
	}
	offer, err := s.conn.CreateOffer()
	if err == nil {
		err = s.conn.SetLocalDescription(offer)
	}
	if err != nil {
		log.Errorf("session %s: create offer: %v", s.id, err)
		c.failSession("could not start call")
		return
	}
	s.signalingPhase = PhaseHaveLocalOffer
	s.connecting = true
	c.publishSignal(signal.TypeOffer, offer)
	log.Debugf("session %s: offer sent, phase %s", s.id, s.signalingPhase)
}

// HandleSignal routes one message from the room's signaling destination.
// Own echoes are dropped here so every subscriber can share the topic.
func (c *Coordinator) HandleSignal(msg *signal.Message) error {
	if msg.Sender == c.opts.ClientID {
		return nil
	}
	switch msg.Type {
	case signal.TypeOffer:
		var d signal.Description
		if err := msg.Decode(&d); err != nil {
			return fmt.Errorf("decode offer: %w", err)
		}
		return c.do(func() { c.handleRemoteOffer(msg.Sender, d) })
	case signal.TypeAnswer:
		var d signal.Description
		if err := msg.Decode(&d); err != nil {
			return fmt.Errorf("decode answer: %w", err)
		}
		return c.do(func() { c.handleRemoteAnswer(msg.Sender, d) })
	case signal.TypeICECandidate:
		var ci signal.CandidateInit
		if err := msg.Decode(&ci); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		return c.do(func() { c.handleRemoteCandidate(ci) })
	}
	log.Debugf("ignoring signal type %q from %s", msg.Type, msg.Sender)
	return nil
}

func (c *Coordinator) handleRemoteOffer(sender string, d signal.Description) {
	s := c.sess
	if s == nil {
		if c.roomID == "" {
			log.Warnf("offer from %s with no room assignment, dropping", sender)
			return
		}
		s = &session{id: uuid.NewString(), roomID: c.roomID, role: RoleAnswerer}
		c.sess = s
	}
	// A repeat offer means the peer restarted negotiation: the old
	// connection's state is useless, start from a fresh one. Bump the
	// generation so stragglers from the discarded connection can't touch
	// the session the replacement builds.
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		if s.bundle != nil {
			c.opts.Provider.Release(s.bundle)
			s.bundle = nil
		}
		s.signalingPhase = PhaseStable
		c.gen++
	}
	s.peerID = sender
	s.connecting = true

	if err := c.buildConnection(s); err != nil {
		c.failSession(noticeForBuildErr(err))
		return
	}
	if err := s.conn.SetRemoteDescription(d); err != nil {
		log.Errorf("session %s: set remote offer: %v", s.id, err)
		c.failSession("could not accept call")
		return
	}
	s.signalingPhase = PhaseHaveRemoteOffer
	c.flushPending(s)

	answer, err := s.conn.CreateAnswer()
	if err == nil {
		err = s.conn.SetLocalDescription(answer)
	}
	if err != nil {
		log.Errorf("session %s: create answer: %v", s.id, err)
		c.failSession("could not accept call")
		return
	}
	s.signalingPhase = PhaseStable
	c.publishSignal(signal.TypeAnswer, answer)
	log.Infof("session %s: answered offer from %s", s.id, sender)
}

func (c *Coordinator) handleRemoteAnswer(sender string, d signal.Description) {
	s := c.sess
	if s == nil || s.signalingPhase != PhaseHaveLocalOffer {
		// Duplicate or stale answer. Harmless; drop it.
		log.Warnf("answer from %s outside have-local-offer, dropping", sender)
		return
	}
	if err := s.conn.SetRemoteDescription(d); err != nil {
		log.Errorf("session %s: set remote answer: %v", s.id, err)
		c.failSession("call setup failed")
		return
	}
	s.peerID = sender
	s.signalingPhase = PhaseStable
	c.flushPending(s)
	log.Infof("session %s: answer from %s installed", s.id, sender)
}

func (c *Coordinator) handleRemoteCandidate(ci signal.CandidateInit) {
	s := c.sess
	if s == nil {
		log.Debugf("candidate with no session, dropping")
		return
	}
	if s.conn == nil || !s.conn.HasRemoteDescription() {
		s.pending.Enqueue(ci)
		log.Debugf("session %s: candidate buffered (%d pending)", s.id, s.pending.Len())
		return
	}
	if err := s.conn.AddICECandidate(ci); err != nil {
		// Individual candidates may be stale or malformed; the pair that
		// matters usually still forms.
		log.Warnf("session %s: apply candidate: %v", s.id, err)
	}
}

func (c *Coordinator) flushPending(s *session) {
	applied, failed := s.pending.Flush(s.conn.AddICECandidate)
	if applied+failed > 0 {
		log.Debugf("session %s: flushed candidates, %d applied %d failed", s.id, applied, failed)
	}
}

func (c *Coordinator) handleLocalCandidate(gen uint64, ci *signal.CandidateInit) {
	if gen != c.gen || c.sess == nil {
		return
	}
	if ci == nil {
		log.Debugf("session %s: candidate gathering complete", c.sess.id)
		return
	}
	c.publishSignal(signal.TypeICECandidate, ci)
}

func (c *Coordinator) handleConnectivity(gen uint64, phase ConnectivityPhase) {
	if gen != c.gen || c.sess == nil {
		return
	}
	s := c.sess
	s.connectivityPhase = phase
	switch phase {
	case ConnConnected:
		if !s.active {
			s.active = true
			s.connecting = false
			c.notify(NoticeInfo, "call connected")
		}
	case ConnDisconnected:
		log.Warnf("session %s: connectivity lost, waiting for recovery", s.id)
		if grace := c.opts.DisconnectedGrace; grace > 0 {
			g := c.gen
			time.AfterFunc(grace, func() {
				c.post(func() { c.handleGraceExpired(g) })
			})
		}
	case ConnFailed:
		log.Errorf("session %s: connectivity failed", s.id)
		c.failSession("connection failed")
	}
}

func (c *Coordinator) handleGraceExpired(gen uint64) {
	if gen != c.gen || c.sess == nil {
		return
	}
	if c.sess.connectivityPhase == ConnDisconnected {
		log.Errorf("session %s: still disconnected after grace period", c.sess.id)
		c.failSession("connection lost")
	}
}

// HandleCallEnded handles the server's notice that the peer hung up or
// vanished. Reason is shown to the user verbatim.
func (c *Coordinator) HandleCallEnded(reason string) error {
	return c.do(func() {
		if c.sess == nil {
			return
		}
		if reason == "" {
			reason = "call ended"
		}
		c.teardown(reason)
		c.notify(NoticeInfo, reason)
	})
}

// EndCall hangs up: tells the server, then tears down locally.
func (c *Coordinator) EndCall() error {
	return c.do(func() {
		if c.sess == nil {
			return
		}
		c.publishIntent(signal.DestEndCall, signal.TypeEndCall)
		c.teardown("local hangup")
		c.notify(NoticeInfo, "call ended")
	})
}

// Next skips to a fresh pairing: tear down, keep the capture devices warm,
// and ask the matcher for a new room.
func (c *Coordinator) Next() error {
	return c.do(func() {
		if c.sess != nil {
			c.publishIntent(signal.DestEndCall, signal.TypeEndCall)
			c.teardown("next")
		}
		if c.prewarm == nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.MediaWait)
			b, err := c.opts.Provider.Acquire(ctx)
			cancel()
			if err != nil {
				log.Debugf("prewarm skipped: %v", err)
			} else {
				c.prewarm = b
			}
		}
		c.publishIntent(signal.DestStartCall, signal.TypeStartCall)
	})
}

// Reset tears down the current session without requesting a new pairing.
func (c *Coordinator) Reset() error {
	return c.do(func() { c.teardown("reset") })
}

// TransportLost handles the signaling bus going away for good. Without
// signaling there is no way to renegotiate, so the session is unsalvageable.
func (c *Coordinator) TransportLost() error {
	return c.do(func() {
		if c.sess == nil {
			return
		}
		log.Errorf("session %s: %v", c.sess.id, ErrTransportDown)
		c.teardown("transport lost")
		c.notify(NoticeError, "lost connection to server")
	})
}

// failSession tears down and tells the user why.
func (c *Coordinator) failSession(userMsg string) {
	c.teardown(userMsg)
	c.notify(NoticeError, userMsg)
}

/// teardown releases everything a session holds. Idempotent: a nil session
// is a no-op, so overlapping end paths (local hangup racing a call-ended
// from the server) are safe. Bumping the generation counter is what
// invalidates every callback still in flight from the old connection.
func (c *Coordinator) teardown(why string) {
	s := c.sess
	if s == nil {
		return
	}
	log.Infof("session %s: teardown (%s)", s.id, why)
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			log.Warnf("session %s: close connection: %v", s.id, err)
		}
	}
	if s.bundle != nil {
		c.opts.Provider.Release(s.bundle)
	}
	s.pending.Clear()
	s.signalingPhase = PhaseClosed
	s.connectivityPhase = ConnClosed
	c.sess = nil
	// Role assignment always creates the session up front, so a live
	// room id without a session can only mean a torn-down call. Clear it
	// so a redelivered offer can't resurrect the ended room.
	c.roomID = ""
	c.gen++
	if c.opts.OnTeardown != nil {
		c.opts.OnTeardown()
	}
}

func (c *Coordinator) buildConnection(s *session) error {
	bundle, err := c.acquireMedia()
	if err != nil {
		return err
	}
	s.bundle = bundle

	g := c.gen
	cb := ConnCallbacks{
		OnLocalCandidate: func(ci *signal.CandidateInit) {
			c.post(func() { c.handleLocalCandidate(g, ci) })
		},
		OnConnectivity: func(p ConnectivityPhase) {
			c.post(func() { c.handleConnectivity(g, p) })
		},
		OnRemoteTrack: func(kind string) {
			c.post(func() {
				if g == c.gen && c.sess != nil {
					c.notify(NoticeInfo, "receiving remote "+kind)
				}
			})
		},
	}
	conn, err := c.opts.Factory(c.ice, bundle, cb)
	if err != nil {
		if bundle != nil {
			c.opts.Provider.Release(bundle)
			s.bundle = nil
		}
		return fmt.Errorf("build connection: %w", err)
	}
	s.conn = conn
	return nil
}

// acquireMedia gets local tracks, preferring a prewarmed bundle. A missing
// device degrades to receive-only (nil bundle); a device that exists but
// cannot be opened within the bounded wait is a hard failure.
func (c *Coordinator) acquireMedia() (*media.TrackBundle, error) {
	if b := c.prewarm; b != nil {
		c.prewarm = nil
		return b, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.MediaWait)
	defer cancel()
	b, err := c.opts.Provider.Acquire(ctx)
	if err == nil {
		return b, nil
	}
	if ctx.Err() == nil && errors.Is(err, media.ErrUnavailable) {
		log.Warnf("no capture devices, continuing receive-only: %v", err)
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
}

func (c *Coordinator) publishSignal(msgType string, data any) {
	roomID := c.roomID
	if c.sess != nil {
		roomID = c.sess.roomID
	}
	msg := signal.New(msgType, data, c.opts.ClientID)
	if err := c.opts.Bus.Publish(context.Background(), signal.RoomSignal(roomID), msg); err != nil {
		log.Errorf("publish %s to room %s: %v", msgType, roomID, err)
	}
}

func (c *Coordinator) publishIntent(dest, msgType string) {
	msg := signal.New(msgType, nil, c.opts.ClientID)
	if err := c.opts.Bus.Publish(context.Background(), dest, msg); err != nil {
		log.Errorf("publish %s: %v", msgType, err)
	}
}

func (c *Coordinator) notify(level NoticeLevel, text string) {
	if c.opts.OnNotice != nil {
		c.opts.OnNotice(Notice{Level: level, Text: text})
	}
}

func noticeForBuildErr(err error) string {
	if errors.Is(err, ErrResourceUnavailable) {
		return "camera or microphone unavailable"
	}
	return "could not set up call"
}

package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peerlobby/internal/bus"
	"github.com/petervdpas/peerlobby/internal/media"
	"github.com/petervdpas/peerlobby/internal/signal"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

type fakeProvider struct {
	mu         sync.Mutex
	acquireErr error
	acquired   int
	released   int
}

func (p *fakeProvider) Acquire(ctx context.Context) (*media.TrackBundle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	p.acquired++
	return &media.TrackBundle{}, nil
}

func (p *fakeProvider) Release(*media.TrackBundle) {
	p.mu.Lock()
	p.released++
	p.mu.Unlock()
}

func (p *fakeProvider) releasedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

func (p *fakeProvider) SetTrackEnabled(media.Kind, bool) error { return nil }
func (p *fakeProvider) Configure(*webrtc.MediaEngine) error    { return nil }

type fakeConn struct {
	mu         sync.Mutex
	remoteDesc *signal.Description
	remoteSets int
	applied    []signal.CandidateInit
	applyErr   error
	remoteErr  error
	closed     int
}

func (c *fakeConn) CreateOffer() (signal.Description, error) {
	return signal.Description{Type: "offer", SDP: "v=0 offer"}, nil
}

func (c *fakeConn) CreateAnswer() (signal.Description, error) {
	return signal.Description{Type: "answer", SDP: "v=0 answer"}, nil
}

func (c *fakeConn) SetLocalDescription(signal.Description) error { return nil }

func (c *fakeConn) SetRemoteDescription(d signal.Description) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteErr != nil {
		return c.remoteErr
	}
	c.remoteDesc = &d
	c.remoteSets++
	return nil
}

func (c *fakeConn) AddICECandidate(ci signal.CandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.applyErr != nil {
		return c.applyErr
	}
	c.applied = append(c.applied, ci)
	return nil
}

func (c *fakeConn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDesc != nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) closedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) appliedCandidates() []signal.CandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signal.CandidateInit, len(c.applied))
	copy(out, c.applied)
	return out
}

type fakeFactory struct {
	mu    sync.Mutex
	err   error
	conns []*fakeConn
	cbs   []ConnCallbacks
}

func (f *fakeFactory) make(_ ICEConfig, _ *media.TrackBundle, cb ConnCallbacks) (PeerConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	conn := &fakeConn{}
	f.conns = append(f.conns, conn)
	f.cbs = append(f.cbs, cb)
	return conn, nil
}

func (f *fakeFactory) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

func (f *fakeFactory) cb(i int) ConnCallbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cbs[i]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *noticeLog) add(notice Notice) {
	n.mu.Lock()
	n.notices = append(n.notices, notice)
	n.mu.Unlock()
}

func (n *noticeLog) all() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notice, len(n.notices))
	copy(out, n.notices)
	return out
}

// ── harness ───────────────────────────────────────────────────────────────────

const (
	selfID = "self-1"
	peerID = "peer-1"
	roomID = "room-1"
)

type fixture struct {
	coord     *Coordinator
	bus       *bus.MemoryBus
	factory   *fakeFactory
	provider  *fakeProvider
	notices   *noticeLog
	teardowns func() int
	signals   <-chan *signal.Message
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureGrace(t, 0)
}

func newFixtureGrace(t *testing.T, grace time.Duration) *fixture {
	t.Helper()
	mb := bus.NewMemoryBus()
	t.Cleanup(func() { mb.Close() })

	factory := &fakeFactory{}
	provider := &fakeProvider{}
	notices := &noticeLog{}

	var tdMu sync.Mutex
	teardowns := 0

	signals, cancel := mb.Subscribe(signal.RoomSignal(roomID))
	t.Cleanup(cancel)

	coord := NewCoordinator(Options{
		Bus:               mb,
		ClientID:          selfID,
		Factory:           factory.make,
		Provider:          provider,
		ICE:               ICEConfig{},
		DisconnectedGrace: grace,
		OnNotice:          notices.add,
		OnTeardown: func() {
			tdMu.Lock()
			teardowns++
			tdMu.Unlock()
		},
	})
	t.Cleanup(func() { coord.Close() })

	return &fixture{
		coord:    coord,
		bus:      mb,
		factory:  factory,
		provider: provider,
		notices:  notices,
		teardowns: func() int {
			tdMu.Lock()
			defer tdMu.Unlock()
			return teardowns
		},
		signals: signals,
	}
}

// barrier flushes every posted event by running an empty one synchronously.
func (f *fixture) barrier(t *testing.T) {
	t.Helper()
	if err := f.coord.do(func() {}); err != nil {
		t.Fatalf("barrier: %v", err)
	}
}

func (f *fixture) recvSignal(t *testing.T, wantType string) *signal.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-f.signals:
			if msg.Type == wantType {
				return msg
			}
			// Skip our own unrelated traffic on the shared topic.
		case <-deadline:
			t.Fatalf("timed out waiting for %s on %s", wantType, signal.RoomSignal(roomID))
		}
	}
}

func remoteMsg(msgType string, data any) *signal.Message {
	return signal.New(msgType, data, peerID)
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestOffererFlow(t *testing.T) {
	f := newFixture(t)

	if err := f.coord.AssignRole(signal.TypeOfferer, roomID); err != nil {
		t.Fatal(err)
	}

	msg := f.recvSignal(t, signal.TypeOffer)
	if msg.Sender != selfID {
		t.Fatalf("offer sender = %q, want %q", msg.Sender, selfID)
	}
	var d signal.Description
	if err := msg.Decode(&d); err != nil {
		t.Fatal(err)
	}
	if d.Type != "offer" || d.SDP == "" {
		t.Fatalf("unexpected offer payload: %+v", d)
	}

	st := f.coord.State()
	if st.Role != RoleOfferer || st.SignalingPhase != PhaseHaveLocalOffer {
		t.Fatalf("state after offer: %+v", st)
	}

	t.Run("local candidates are published", func(t *testing.T) {
		ci := mkCandidate(1)
		f.factory.cb(0).OnLocalCandidate(&ci)
		f.barrier(t)
		got := f.recvSignal(t, signal.TypeICECandidate)
		var sent signal.CandidateInit
		if err := got.Decode(&sent); err != nil {
			t.Fatal(err)
		}
		if sent.Candidate != ci.Candidate {
			t.Fatalf("published candidate %q, want %q", sent.Candidate, ci.Candidate)
		}
	})

	t.Run("gathering-complete marker is not published", func(t *testing.T) {
		f.factory.cb(0).OnLocalCandidate(nil)
		f.barrier(t)
		select {
		case msg := <-f.signals:
			t.Fatalf("unexpected publish after nil candidate: %s", msg.Type)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("remote answer completes negotiation", func(t *testing.T) {
		err := f.coord.HandleSignal(remoteMsg(signal.TypeAnswer, signal.Description{Type: "answer", SDP: "v=0"}))
		if err != nil {
			t.Fatal(err)
		}
		st := f.coord.State()
		if st.SignalingPhase != PhaseStable {
			t.Fatalf("phase after answer = %s", st.SignalingPhase)
		}
		if st.PeerID != peerID {
			t.Fatalf("peer id = %q, want %q", st.PeerID, peerID)
		}
	})

	t.Run("candidates apply directly once remote description is set", func(t *testing.T) {
		ci := mkCandidate(2)
		if err := f.coord.HandleSignal(remoteMsg(signal.TypeICECandidate, ci)); err != nil {
			t.Fatal(err)
		}
		applied := f.factory.conn(0).appliedCandidates()
		if len(applied) != 1 || applied[0].Candidate != ci.Candidate {
			t.Fatalf("applied = %v", applied)
		}
		if f.coord.State().PendingCandidates != 0 {
			t.Fatal("candidate buffered despite installed remote description")
		}
	})

	t.Run("connected flips active and notifies", func(t *testing.T) {
		f.factory.cb(0).OnConnectivity(ConnConnected)
		f.barrier(t)
		st := f.coord.State()
		if !st.Active || st.ConnectivityPhase != ConnConnected {
			t.Fatalf("state after connect: %+v", st)
		}
		notices := f.notices.all()
		if len(notices) == 0 || notices[len(notices)-1].Text != "call connected" {
			t.Fatalf("notices = %v", notices)
		}
	})
}

func TestAnswererBuffersEarlyCandidates(t *testing.T) {
	f := newFixture(t)

	if err := f.coord.AssignRole(signal.TypeAnswerer, roomID); err != nil {
		t.Fatal(err)
	}
	if n := f.factory.count(); n != 0 {
		t.Fatalf("answerer built %d connections before the offer", n)
	}

	// Candidates racing ahead of the offer must wait, in order.
	for i := 0; i < 3; i++ {
		if err := f.coord.HandleSignal(remoteMsg(signal.TypeICECandidate, mkCandidate(i))); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.coord.State().PendingCandidates; got != 3 {
		t.Fatalf("pending = %d, want 3", got)
	}

	err := f.coord.HandleSignal(remoteMsg(signal.TypeOffer, signal.Description{Type: "offer", SDP: "v=0"}))
	if err != nil {
		t.Fatal(err)
	}

	msg := f.recvSignal(t, signal.TypeAnswer)
	if msg.Sender != selfID {
		t.Fatalf("answer sender = %q", msg.Sender)
	}

	st := f.coord.State()
	if st.SignalingPhase != PhaseStable || st.PeerID != peerID || st.PendingCandidates != 0 {
		t.Fatalf("state after answer: %+v", st)
	}

	applied := f.factory.conn(0).appliedCandidates()
	if len(applied) != 3 {
		t.Fatalf("flushed %d candidates, want 3", len(applied))
	}
	for i, c := range applied {
		if c.Candidate != mkCandidate(i).Candidate {
			t.Fatalf("candidate %d flushed out of order: %q", i, c.Candidate)
		}
	}
}

func TestDuplicateAnswerDropped(t *testing.T) {
	f := newFixture(t)

	if err := f.coord.AssignRole(signal.TypeOfferer, roomID); err != nil {
		t.Fatal(err)
	}
	answer := remoteMsg(signal.TypeAnswer, signal.Description{Type: "answer", SDP: "v=0"})
	if err := f.coord.HandleSignal(answer); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.HandleSignal(answer); err != nil {
		t.Fatal(err)
	}

	conn := f.factory.conn(0)
	conn.mu.Lock()
	sets := conn.remoteSets
	conn.mu.Unlock()
	if sets != 1 {
		t.Fatalf("remote description installed %d times, want 1", sets)
	}
	if st := f.coord.State(); st.SignalingPhase != PhaseStable {
		t.Fatalf("phase = %s after duplicate answer", st.SignalingPhase)
	}
}

func TestAnswerWithoutSessionDropped(t *testing.T) {
	f := newFixture(t)
	err := f.coord.HandleSignal(remoteMsg(signal.TypeAnswer, signal.Description{Type: "answer", SDP: "v=0"}))
	if err != nil {
		t.Fatal(err)
	}
	if st := f.coord.State(); st.Role != RoleUnassigned {
		t.Fatalf("state mutated by stray answer: %+v", st)
	}
}

func TestCallEndedTearsDownOnce(t *testing.T) {
	f := newFixture(t)

	if err := f.coord.AssignRole(signal.TypeOfferer, roomID); err != nil {
		t.Fatal(err)
	}
	// Buffer a candidate so teardown has something to clear.
	if err := f.coord.HandleSignal(remoteMsg(signal.TypeICECandidate, mkCandidate(0))); err != nil {
		t.Fatal(err)
	}

	if err := f.coord.HandleCallEnded("Peer disconnected"); err != nil {
		t.Fatal(err)
	}

	st := f.coord.State()
	if st.Role != RoleUnassigned || st.SignalingPhase != PhaseClosed || st.PendingCandidates != 0 {
		t.Fatalf("state after teardown: %+v", st)
	}
	if f.factory.conn(0).closedCount() != 1 {
		t.Fatal("connection not closed")
	}
	if f.provider.releasedCount() != 1 {
		t.Fatal("media bundle not released")
	}
	if f.teardowns() != 1 {
		t.Fatalf("teardown hooks fired %d times", f.teardowns())
	}

	notices := f.notices.all()
	if len(notices) == 0 || notices[len(notices)-1].Text != "Peer disconnected" {
		t.Fatalf("notices = %v", notices)
	}

	t.Run("second call-ended is a no-op", func(t *testing.T) {
		if err := f.coord.HandleCallEnded("again"); err != nil {
			t.Fatal(err)
		}
		if f.factory.conn(0).closedCount() != 1 || f.teardowns() != 1 {
			t.Fatal("teardown ran twice")
		}
	})

	t.Run("stale connection events are discarded", func(t *testing.T) {
		before := len(f.notices.all())
		f.factory.cb(0).OnConnectivity(ConnFailed)
		f.factory.cb(0).OnConnectivity(ConnConnected)
		f.barrier(t)
		if st := f.coord.State(); st.Active || st.SignalingPhase != PhaseClosed {
			t.Fatalf("stale event mutated state: %+v", st)
		}
		if got := len(f.notices.all()); got != before {
			t.Fatalf("stale event produced notices: %d -> %d", before, got)
		}
	})
}

func TestReassignmentReplacesSession(t *testing.T) {
	f := newFixture(t)

	if err := f.coord.AssignRole(signal.TypeOfferer, roomID); err != nil {
		t.Fatal(err)
	}
	f.recvSignal(t, signal.TypeOffer)

	if err := f.coord.AssignRole(signal.TypeOfferer, roomID); err != nil {
		t.Fatal(err)
	}
	f.recvSignal(t, signal.TypeOffer)

	if f.factory.conn(0).closedCount() != 1 {
		t.Fatal("first connection survived reassignment")
	}
	if f.factory.count() != 2 {
		t.Fatalf("expected 2 connections, got %d", f.factory.count())
	}
	if st := f.coord.State(); st.SignalingPhase != PhaseHaveLocalOffer {
		t.Fatalf("second session phase = %s", st.SignalingPhase)
	}
}

func TestConnectivityFailureTearsDown(t *testing.T) {
	f := newFixture(t)

	if err := f.coord.AssignRole(signal.TypeOfferer, roomID); err != nil {
		t.Fatal(err)
	}
	f.factory.cb(0).OnConnectivity(ConnFailed)
	f.barrier(t)

	if st := f.coord.State(); st.Role != RoleUnassigned {
		t.Fatalf("session survived connectivity failure: %+v", st)
	}
	notices := f.notices.all()
	if len(notices) == 0 || notices[len(notices)-1].Level != NoticeError {
		t.Fatalf("expected error notice, got %v", notices)
	}
}

func TestTransportLostTearsDown(t *testing.T) {
	f := newFixture(t)

	if err := f.coord.AssignRole(signal.TypeOfferer, roomID); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.TransportLost(); err != nil {
		t.Fatal(err)
	}
	if st := f.coord.State(); st.Role != RoleUnassigned {
		t.Fatalf("session survived transport loss: %+v", st)
	}
	if f.factory.conn(0).closedCount() != 1 {
		t.Fatal("connection not closed on transport loss")
	}

	t.Run("idle transport loss is a no-op", func(t *testing.T) {
		before := f.teardowns()
		if err := f.coord.TransportLost(); err != nil {
			t.Fatal(err)
		}
		if f.teardowns() != before {
			t.Fatal("teardown ran without a session")
		}
	})
}

func TestConnectionBuildFailureNotifies(t *testing.T) {
	f := newFixture(t)
	f.factory.err = errors.New("no ports")

	if err := f.coord.AssignRole(signal.TypeOfferer, roomID); err != nil {
		t.Fatal(err)
	}
	if st := f.coord.State(); st.Role != RoleUnassigned {
		t.Fatalf("session left behind after build failure: %+v", st)
	}
	notices := f.notices.all()
	if len(notices) == 0 || notices[len(notices)-1].Level != NoticeError {
		t.Fatalf("expected error notice, got %v", notices)
	}
	if f.provider.releasedCount() != 1 {
		t.Fatal("acquired media not released after build failure")
	}
}

func TestMissingDevicesRunsReceiveOnly(t *testing.T) {
	f := newFixture(t)
	f.provider.acquireErr = media.ErrUnavailable

	if err := f.coord.AssignRole(signal.TypeOfferer, roomID); err != nil {
		t.Fatal(err)
	}
	// Still negotiates: the offer goes out, receive-only.
	f.recvSignal(t, signal.TypeOffer)
	if st := f.coord.State(); st.SignalingPhase != PhaseHaveLocalOffer {
		t.Fatalf("phase = %s, want have-local-offer", st.SignalingPhase)
	}
}

func TestEndCallPublishesIntent(t *testing.T) {
	f := newFixture(t)

	endCalls, cancel := f.bus.Subscribe(signal.DestEndCall)
	defer cancel()

	if err := f.coord.AssignRole(signal.TypeOfferer, roomID); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.EndCall(); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-endCalls:
		if msg.Type != signal.TypeEndCall || msg.Sender != selfID {
			t.Fatalf("unexpected end-call message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("end-call intent never published")
	}
	if st := f.coord.State(); st.Role != RoleUnassigned {
		t.Fatalf("session survived EndCall: %+v", st)
	}
}

func TestNextRequestsPairing(t *testing.T) {
	f := newFixture(t)

	starts, cancel := f.bus.Subscribe(signal.DestStartCall)
	defer cancel()

	if err := f.coord.AssignRole(signal.TypeOfferer, roomID); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.Next(); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-starts:
		if msg.Type != signal.TypeStartCall {
			t.Fatalf("unexpected start-call message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start-call intent never published")
	}
	if st := f.coord.State(); st.Role != RoleUnassigned {
		t.Fatalf("old session survived Next: %+v", st)
	}
}

func TestAssignRoleRejectsUnknownRole(t *testing.T) {
	f := newFixture(t)
	err := f.coord.AssignRole("spectator", roomID)
	if !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("err = %v, want ErrInvalidPhase", err)
	}
}

func TestClosedCoordinatorRejectsOperations(t *testing.T) {
	f := newFixture(t)
	f.coord.Close()
	if err := f.coord.AssignRole(signal.TypeOfferer, roomID); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

// waitState polls until cond holds against the coordinator's snapshot.
func (f *fixture) waitState(t *testing.T, what string, cond func(State) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(f.coord.State()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; state %+v", what, f.coord.State())
}

func TestRepeatOfferInvalidatesReplacedConnection(t *testing.T) {
	f := newFixture(t)

	if err := f.coord.AssignRole(signal.TypeOfferer, roomID); err != nil {
		t.Fatal(err)
	}
	f.recvSignal(t, signal.TypeOffer)

	// The peer restarts negotiation: the offerer's connection is replaced
	// by a fresh one that answers.
	err := f.coord.HandleSignal(remoteMsg(signal.TypeOffer, signal.Description{Type: "offer", SDP: "v=0"}))
	if err != nil {
		t.Fatal(err)
	}
	f.recvSignal(t, signal.TypeAnswer)
	if f.factory.count() != 2 {
		t.Fatalf("expected 2 connections, got %d", f.factory.count())
	}
	if f.factory.conn(0).closedCount() != 1 {
		t.Fatal("replaced connection not closed")
	}

	// A straggler from the replaced connection must not touch the session
	// the replacement negotiated.
	f.factory.cb(0).OnConnectivity(ConnFailed)
	f.barrier(t)

	st := f.coord.State()
	if st.Role == RoleUnassigned || st.SignalingPhase != PhaseStable {
		t.Fatalf("stale failure from replaced connection tore down the session: %+v", st)
	}
	if f.teardowns() != 0 {
		t.Fatalf("replacing the connection ran teardown %d times", f.teardowns())
	}

	// The replacement's own events still land.
	f.factory.cb(1).OnConnectivity(ConnConnected)
	f.barrier(t)
	if st := f.coord.State(); !st.Active {
		t.Fatalf("live connection's event discarded: %+v", st)
	}
}

func TestLateOfferAfterCallEndedDropped(t *testing.T) {
	f := newFixture(t)

	if err := f.coord.AssignRole(signal.TypeOfferer, roomID); err != nil {
		t.Fatal(err)
	}
	f.recvSignal(t, signal.TypeOffer)

	if err := f.coord.HandleCallEnded("peer left"); err != nil {
		t.Fatal(err)
	}

	// The bus is at-least-once: a redelivered offer for the ended room
	// must not resurrect a session or publish into the dead room.
	err := f.coord.HandleSignal(remoteMsg(signal.TypeOffer, signal.Description{Type: "offer", SDP: "v=0"}))
	if err != nil {
		t.Fatal(err)
	}

	st := f.coord.State()
	if st.Role != RoleUnassigned || st.RoomID != "" {
		t.Fatalf("late offer resurrected the call: %+v", st)
	}
	if f.factory.count() != 1 {
		t.Fatalf("late offer built a connection: %d", f.factory.count())
	}
	select {
	case msg := <-f.signals:
		t.Fatalf("published %s into an ended room", msg.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectedGrace(t *testing.T) {
	const grace = 40 * time.Millisecond

	t.Run("expiry tears the session down", func(t *testing.T) {
		f := newFixtureGrace(t, grace)
		if err := f.coord.AssignRole(signal.TypeOfferer, roomID); err != nil {
			t.Fatal(err)
		}
		f.factory.cb(0).OnConnectivity(ConnDisconnected)
		f.barrier(t)

		f.waitState(t, "grace teardown", func(st State) bool {
			return st.Role == RoleUnassigned
		})
		if f.factory.conn(0).closedCount() != 1 {
			t.Fatal("connection not closed after grace expiry")
		}
		notices := f.notices.all()
		if len(notices) == 0 || notices[len(notices)-1].Level != NoticeError {
			t.Fatalf("expected error notice, got %v", notices)
		}
	})

	t.Run("recovery before expiry keeps the session", func(t *testing.T) {
		f := newFixtureGrace(t, grace)
		if err := f.coord.AssignRole(signal.TypeOfferer, roomID); err != nil {
			t.Fatal(err)
		}
		f.factory.cb(0).OnConnectivity(ConnDisconnected)
		f.factory.cb(0).OnConnectivity(ConnConnected)
		f.barrier(t)

		time.Sleep(3 * grace)
		f.barrier(t)
		st := f.coord.State()
		if st.Role == RoleUnassigned || st.ConnectivityPhase != ConnConnected {
			t.Fatalf("recovered session torn down by stale grace timer: %+v", st)
		}
		if f.teardowns() != 0 {
			t.Fatalf("teardown ran %d times after recovery", f.teardowns())
		}
	})

	t.Run("timer is inert after teardown", func(t *testing.T) {
		f := newFixtureGrace(t, grace)
		if err := f.coord.AssignRole(signal.TypeOfferer, roomID); err != nil {
			t.Fatal(err)
		}
		f.factory.cb(0).OnConnectivity(ConnDisconnected)
		f.barrier(t)
		if err := f.coord.HandleCallEnded("peer left"); err != nil {
			t.Fatal(err)
		}
		before := len(f.notices.all())

		time.Sleep(3 * grace)
		f.barrier(t)
		if f.teardowns() != 1 {
			t.Fatalf("grace timer re-ran teardown: %d", f.teardowns())
		}
		if got := len(f.notices.all()); got != before {
			t.Fatalf("stale grace timer produced notices: %d -> %d", before, got)
		}
	})
}

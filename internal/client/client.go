// Package client wires the bus, roster, chat and call coordinator into one
// runnable lobby client.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/peerlobby/internal/bus"
	"github.com/petervdpas/peerlobby/internal/call"
	"github.com/petervdpas/peerlobby/internal/chat"
	"github.com/petervdpas/peerlobby/internal/lobby"
	"github.com/petervdpas/peerlobby/internal/media"
	"github.com/petervdpas/peerlobby/internal/signal"
)

var log = logging.Logger("client")

// Options configures a Client.
type Options struct {
	Bus      bus.Bus
	Provider media.Provider
	Factory  call.ConnFactory
	ICE      call.ICEConfig

	// ClientID overrides the generated identity; empty means a fresh UUID.
	ClientID string

	MediaWait         time.Duration
	DisconnectedGrace time.Duration
	NoticeTTL         time.Duration
}

// Client is one lobby participant: a stable identity, the subscriptions that
// identity owns, and the components fed from them.
type Client struct {
	id       string
	bus      bus.Bus
	provider media.Provider

	coord   *call.Coordinator
	roster  *lobby.Roster
	relay   *chat.Relay
	history *chat.History
	notices *Notices

	cancels []func()
	wg      sync.WaitGroup
	closed  chan struct{}
	once    sync.Once
}

// New assembles a client. Call Start to subscribe and announce presence.
func New(opts Options) *Client {
	id := opts.ClientID
	if id == "" {
		id = uuid.NewString()
	}

	history := chat.NewHistory(chat.DefaultCapacity)
	notices := NewNotices(opts.NoticeTTL)

	c := &Client{
		id:       id,
		bus:      opts.Bus,
		provider: opts.Provider,
		roster:   lobby.NewRoster(id),
		relay:    chat.NewRelay(opts.Bus, history, id),
		history:  history,
		notices:  notices,
		closed:   make(chan struct{}),
	}

	c.coord = call.NewCoordinator(call.Options{
		Bus:               opts.Bus,
		ClientID:          id,
		Factory:           opts.Factory,
		Provider:          opts.Provider,
		ICE:               opts.ICE,
		MediaWait:         opts.MediaWait,
		DisconnectedGrace: opts.DisconnectedGrace,
		OnNotice:          notices.Set,
		OnTeardown:        history.Clear,
	})
	return c
}

// ID returns the client's stable identity.
func (c *Client) ID() string { return c.id }

// Start establishes every subscription this identity owns, announces
// presence, and begins dispatching.
func (c *Client) Start(ctx context.Context) error {
	dests := append([]string{signal.BroadcastLobbyStatus}, signal.PrivateQueues(c.id)...)
	for _, dest := range dests {
		ch, cancel := c.bus.Subscribe(dest)
		c.cancels = append(c.cancels, cancel)
		c.wg.Add(1)
		go c.pump(dest, ch)
	}

	c.wg.Add(1)
	go c.watchTransport()

	env := signal.New(signal.TypeJoin, c.id, c.id)
	if err := c.bus.Publish(ctx, signal.DestJoin, env); err != nil {
		return err
	}
	log.Infof("client %s joined the lobby", c.id)
	return nil
}

func (c *Client) pump(dest string, ch <-chan *signal.Message) {
	defer c.wg.Done()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.dispatch(dest, msg)
		case <-c.closed:
			return
		}
	}
}

// watchTransport reacts to the bus giving up: the roster is stale and the
// call, if any, can no longer be signaled.
func (c *Client) watchTransport() {
	defer c.wg.Done()
	select {
	case <-c.bus.Done():
		log.Errorf("signaling transport lost")
		if err := c.coord.TransportLost(); err != nil {
			log.Debugf("transport-lost delivery: %v", err)
		}
		c.roster.Clear()
	case <-c.closed:
	}
}

func (c *Client) dispatch(dest string, msg *signal.Message) {
	switch msg.Type {
	case signal.TypeLobbyStatus, signal.TypeLobbyInfo:
		var snap map[string]json.RawMessage
		if err := msg.Decode(&snap); err != nil {
			log.Warnf("malformed %s payload: %v", msg.Type, err)
			return
		}
		c.roster.ApplySnapshot(snap)

	case signal.TypeJoin:
		c.roster.ApplyJoin(presenceUser(msg))
	case signal.TypeLeave:
		c.roster.ApplyLeave(presenceUser(msg))
	case signal.TypeUpdate:
		c.roster.ApplyUpdate(presenceUser(msg))

	case signal.TypeOfferer, signal.TypeAnswerer:
		roomID, err := msg.DataString()
		if err != nil {
			log.Errorf("room assignment without room id: %v", err)
			return
		}
		if err := c.coord.AssignRole(msg.Type, roomID); err != nil {
			log.Errorf("assign role %s: %v", msg.Type, err)
		}

	case signal.TypeCallEnded:
		reason, _ := msg.DataString()
		if err := c.coord.HandleCallEnded(reason); err != nil {
			log.Debugf("call-ended delivery: %v", err)
		}

	case signal.TypeOffer, signal.TypeAnswer, signal.TypeICECandidate:
		if err := c.coord.HandleSignal(msg); err != nil {
			log.Warnf("signal %s from %s: %v", msg.Type, msg.Sender, err)
		}

	case signal.TypeChat:
		c.relay.HandleInbound(msg)

	default:
		log.Debugf("unhandled %s message on %s", msg.Type, dest)
	}
}

// presenceUser extracts the subject of a join/leave/update event. The data
// payload carries the user id; older servers only set the sender field.
func presenceUser(msg *signal.Message) string {
	if id, err := msg.DataString(); err == nil && id != "" {
		return id
	}
	return msg.Sender
}

// StartCall asks the matcher for a pairing, tearing down any current call.
func (c *Client) StartCall() error { return c.coord.Next() }

// EndCall hangs up the current call.
func (c *Client) EndCall() error { return c.coord.EndCall() }

// SendChat publishes a chat line to the active room.
func (c *Client) SendChat(ctx context.Context, text string) (*chat.Message, error) {
	st := c.coord.State()
	if st.Role == call.RoleUnassigned {
		return nil, fmt.Errorf("chat: no active call")
	}
	return c.relay.Send(ctx, st.RoomID, text)
}

// SetAudioEnabled and SetVideoEnabled toggle the local capture tracks.
func (c *Client) SetAudioEnabled(enabled bool) error {
	return c.provider.SetTrackEnabled(media.Audio, enabled)
}

func (c *Client) SetVideoEnabled(enabled bool) error {
	return c.provider.SetTrackEnabled(media.Video, enabled)
}

// CallState returns a snapshot of the negotiation coordinator.
func (c *Client) CallState() call.State { return c.coord.State() }

// Roster returns the presence roster.
func (c *Client) Roster() *lobby.Roster { return c.roster }

// Chat returns the call transcript.
func (c *Client) Chat() *chat.History { return c.history }

// Notices returns the user-facing notice holder.
func (c *Client) Notices() *Notices { return c.notices }

// UpdateICEConfig forwards refreshed STUN/TURN servers to the coordinator.
func (c *Client) UpdateICEConfig(ice call.ICEConfig) error {
	return c.coord.UpdateICEConfig(ice)
}

// Close cancels subscriptions, shuts the coordinator down and closes the bus.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		for _, cancel := range c.cancels {
			cancel()
		}
		_ = c.coord.Close()
		err = c.bus.Close()
		c.wg.Wait()
	})
	return err
}

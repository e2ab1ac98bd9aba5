package chat

import (
	"context"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/peerlobby/internal/bus"
	"github.com/petervdpas/peerlobby/internal/signal"
)

var log = logging.Logger("chat")

// Relay forwards outbound chat lines to the active room's chat destination
// and appends inbound ones to the transcript. It has no room state of its
// own — the caller supplies the room id of the live session.
type Relay struct {
	bus     bus.Bus
	history *History
	selfID  string
}

// NewRelay creates a relay writing to history and publishing through b.
func NewRelay(b bus.Bus, history *History, selfID string) *Relay {
	return &Relay{bus: b, history: history, selfID: selfID}
}

// Send publishes text to chat/{roomID} and records it locally.
func (r *Relay) Send(ctx context.Context, roomID, text string) (*Message, error) {
	if roomID == "" {
		return nil, fmt.Errorf("chat: no active room")
	}
	if text == "" {
		return nil, fmt.Errorf("chat: empty message")
	}

	msg := NewMessage(r.selfID, text, true)
	env := signal.New(signal.TypeChat, text, r.selfID)
	if err := r.bus.Publish(ctx, signal.RoomChat(roomID), env); err != nil {
		return nil, fmt.Errorf("chat: publish to %s: %w", roomID, err)
	}

	r.history.Append(msg)
	log.Debugf("sent %d bytes to room %s", len(text), roomID)
	return msg, nil
}

// HandleInbound appends a chat envelope from the bus. Own messages echoed
// back by the server are dropped — they were recorded at send time.
func (r *Relay) HandleInbound(env *signal.Message) {
	if env.Sender == r.selfID {
		return
	}
	text, err := env.DataString()
	if err != nil {
		log.Warnf("malformed chat payload from %s: %v", env.Sender, err)
		return
	}
	r.history.Append(NewMessage(env.Sender, text, false))
}

// History returns the transcript this relay appends to.
func (r *Relay) History() *History { return r.history }

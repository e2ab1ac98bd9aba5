package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/peerlobby/internal/signal"
)

var wslog = logging.Logger("bus/ws")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second // must be < pongWait

	// reconnectBase/Max bound the backoff between reconnect attempts.
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second

	// maxReconnects is how many consecutive failed attempts are tolerated
	// before the bus gives up and closes Done.
	maxReconnects = 5
)

// Compile-time interface check.
var _ Bus = (*WSBus)(nil)

// frame is the JSON structure exchanged with the signaling server. Exactly
// one of Subscribe or Destination+Message is set per frame.
type frame struct {
	Subscribe   string          `json:"subscribe,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Message     *signal.Message `json:"message,omitempty"`
}

// WSBus is the production Bus: a single websocket to the signaling server
// carrying JSON frames. The server routes by destination; subscriptions are
// registered with control frames and re-registered after every reconnect.
type WSBus struct {
	url      string
	clientID string
	secret   []byte

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string][]chan *signal.Message

	send chan frame

	done     chan struct{}
	doneOnce sync.Once
}

// DialWS connects to the signaling server and starts the read/write pumps.
// The handshake carries a short-lived HMAC JWT identifying the client; the
// server rejects unauthenticated sockets.
func DialWS(ctx context.Context, url, clientID string, secret []byte) (*WSBus, error) {
	b := &WSBus{
		url:      url,
		clientID: clientID,
		secret:   secret,
		subs:     make(map[string][]chan *signal.Message),
		send:     make(chan frame, 256),
		done:     make(chan struct{}),
	}

	conn, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}
	b.conn = conn

	go b.readPump()
	go b.writePump()
	return b, nil
}

func (b *WSBus) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if len(b.secret) > 0 {
		token, err := b.authToken()
		if err != nil {
			return nil, fmt.Errorf("bus: sign auth token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, header)
	if err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", b.url, err)
	}
	return conn, nil
}

// authToken signs an HMAC JWT with the client id as subject. The server
// validates it the same way it validates API tokens.
func (b *WSBus) authToken() (string, error) {
	claims := jwt.MapClaims{
		"user_id": b.clientID,
		"iat":     time.Now().Unix(),
		"exp":     time.Now().Add(time.Minute).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
}

func (b *WSBus) Publish(_ context.Context, destination string, msg *signal.Message) error {
	select {
	case <-b.done:
		return ErrDisconnected
	default:
	}

	select {
	case b.send <- frame{Destination: destination, Message: msg}:
		return nil
	case <-b.done:
		return ErrDisconnected
	}
}

func (b *WSBus) Subscribe(destination string) (<-chan *signal.Message, func()) {
	ch := make(chan *signal.Message, subscriberBuffer)

	b.mu.Lock()
	first := len(b.subs[destination]) == 0
	b.subs[destination] = append(b.subs[destination], ch)
	b.mu.Unlock()

	if first {
		select {
		case b.send <- frame{Subscribe: destination}:
		case <-b.done:
		}
	}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[destination]
		for i, c := range list {
			if c == ch {
				b.subs[destination] = append(list[:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (b *WSBus) Done() <-chan struct{} { return b.done }

func (b *WSBus) Close() error {
	b.doneOnce.Do(func() { close(b.done) })
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		return conn.Close()
	}
	return nil
}

// readPump reads frames and fans them out to subscribers of the frame's
// destination. On read error it runs the reconnect loop; only when that
// gives up is Done closed.
func (b *WSBus) readPump() {
	for {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()

		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		err := b.readLoop(conn)
		select {
		case <-b.done:
			return
		default:
		}

		wslog.Warnf("read loop ended: %v — reconnecting", err)
		if !b.reconnect() {
			b.doneOnce.Do(func() { close(b.done) })
			return
		}
	}
}

func (b *WSBus) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			wslog.Warnf("malformed frame: %v", err)
			continue
		}
		if f.Message == nil {
			continue
		}

		b.mu.Lock()
		targets := make([]chan *signal.Message, len(b.subs[f.Destination]))
		copy(targets, b.subs[f.Destination])
		b.mu.Unlock()

		for _, ch := range targets {
			select {
			case ch <- f.Message:
			default:
				wslog.Warnf("subscriber for %s full, dropping %s", f.Destination, f.Message.Type)
			}
		}
	}
}

// reconnect dials with exponential backoff and replays all subscriptions.
// Returns false when attempts are exhausted.
func (b *WSBus) reconnect() bool {
	delay := reconnectBase
	for attempt := 1; attempt <= maxReconnects; attempt++ {
		select {
		case <-b.done:
			return false
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		conn, err := b.dial(ctx)
		cancel()
		if err != nil {
			wslog.Warnf("reconnect attempt %d/%d failed: %v", attempt, maxReconnects, err)
			if delay *= 2; delay > reconnectMax {
				delay = reconnectMax
			}
			continue
		}

		b.mu.Lock()
		b.conn = conn
		dests := make([]string, 0, len(b.subs))
		for d, list := range b.subs {
			if len(list) > 0 {
				dests = append(dests, d)
			}
		}
		b.mu.Unlock()

		for _, d := range dests {
			select {
			case b.send <- frame{Subscribe: d}:
			case <-b.done:
				return false
			}
		}

		wslog.Infof("reconnected to %s (%d subscriptions replayed)", b.url, len(dests))
		return true
	}
	return false
}

// writePump serializes all writes onto the socket and keeps the connection
// alive with pings.
func (b *WSBus) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case f := <-b.send:
			b.mu.Lock()
			conn := b.conn
			b.mu.Unlock()

			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				wslog.Warnf("write failed: %v", err)
			}
		case <-ticker.C:
			b.mu.Lock()
			conn := b.conn
			b.mu.Unlock()

			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				wslog.Debugf("ping failed: %v", err)
			}
		}
	}
}

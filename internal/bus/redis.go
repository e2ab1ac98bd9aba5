package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/redis/go-redis/v9"

	"github.com/petervdpas/peerlobby/internal/signal"
)

var rdlog = logging.Logger("bus/redis")

// Compile-time interface check.
var _ Bus = (*RedisBus)(nil)

// RedisBus rides Redis pub/sub: one channel per destination. Deployments
// that already run Redis for the signaling server can point clients straight
// at it instead of the websocket gateway.
type RedisBus struct {
	client *redis.Client

	mu      sync.Mutex
	pubsubs []*redis.PubSub
	cancels []context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

// DialRedis connects and verifies the server is reachable.
func DialRedis(ctx context.Context, addr, password string, db int) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("bus: connect to redis at %s: %w", addr, err)
	}
	return &RedisBus{
		client: client,
		done:   make(chan struct{}),
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, destination string, msg *signal.Message) error {
	select {
	case <-b.done:
		return ErrDisconnected
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: marshal %s message: %w", msg.Type, err)
	}
	if err := b.client.Publish(ctx, destination, data).Err(); err != nil {
		return fmt.Errorf("bus: publish to %s: %w", destination, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(destination string) (<-chan *signal.Message, func()) {
	ch := make(chan *signal.Message, subscriberBuffer)
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, destination)

	b.mu.Lock()
	b.pubsubs = append(b.pubsubs, pubsub)
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	go func() {
		defer close(ch)
		for raw := range pubsub.Channel() {
			var msg signal.Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				rdlog.Warnf("malformed message on %s: %v", destination, err)
				continue
			}
			select {
			case ch <- &msg:
			default:
				rdlog.Warnf("subscriber for %s full, dropping %s", destination, msg.Type)
			}
		}
	}()

	unsubscribe := func() {
		cancel()
		_ = pubsub.Close()
	}
	return ch, unsubscribe
}

func (b *RedisBus) Done() <-chan struct{} { return b.done }

func (b *RedisBus) Close() error {
	b.doneOnce.Do(func() { close(b.done) })

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cancel := range b.cancels {
		cancel()
	}
	for _, ps := range b.pubsubs {
		_ = ps.Close()
	}
	return b.client.Close()
}

package bus

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/peerlobby/internal/signal"
)

var memlog = logging.Logger("bus")

// Compile-time interface check.
var _ Bus = (*MemoryBus)(nil)

// MemoryBus is an in-process Bus. Clients sharing the same MemoryBus can
// exchange signaling without any network transport — tests wire two clients
// to one instance, and single-machine loopback runs use it directly.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string][]chan *signal.Message

	done     chan struct{}
	doneOnce sync.Once
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string][]chan *signal.Message),
		done: make(chan struct{}),
	}
}

func (b *MemoryBus) Publish(_ context.Context, destination string, msg *signal.Message) error {
	select {
	case <-b.done:
		return ErrDisconnected
	default:
	}

	b.mu.Lock()
	targets := make([]chan *signal.Message, len(b.subs[destination]))
	copy(targets, b.subs[destination])
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- msg:
		default:
			memlog.Warnf("memory bus: subscriber for %s full, dropping %s", destination, msg.Type)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(destination string) (<-chan *signal.Message, func()) {
	ch := make(chan *signal.Message, subscriberBuffer)

	b.mu.Lock()
	b.subs[destination] = append(b.subs[destination], ch)
	b.mu.Unlock()

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

func (b *MemoryBus) Done() <-chan struct{} { return b.done }

func (b *MemoryBus) Close() error {
	b.doneOnce.Do(func() { close(b.done) })
	return nil
}

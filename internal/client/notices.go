package client

import (
	"sync"
	"time"

	"github.com/petervdpas/peerlobby/internal/call"
)

// defaultNoticeTTL is how long a notice stays current before auto-clearing.
const defaultNoticeTTL = 6 * time.Second

// Notices holds the single current user-facing notice. A new notice
// supersedes the previous one immediately; each notice clears itself after
// the TTL unless superseded first.
type Notices struct {
	ttl time.Duration

	mu        sync.Mutex
	current   call.Notice
	present   bool
	seq       uint64
	listeners []chan call.Notice
}

// NewNotices creates a notice holder with the given TTL. Zero or negative
// means the default.
func NewNotices(ttl time.Duration) *Notices {
	if ttl <= 0 {
		ttl = defaultNoticeTTL
	}
	return &Notices{ttl: ttl}
}

// Set makes n the current notice and schedules its expiry.
func (ns *Notices) Set(n call.Notice) {
	ns.mu.Lock()
	ns.current = n
	ns.present = true
	ns.seq++
	seq := ns.seq
	listeners := make([]chan call.Notice, len(ns.listeners))
	copy(listeners, ns.listeners)
	ns.mu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- n:
		default:
		}
	}

	time.AfterFunc(ns.ttl, func() {
		ns.mu.Lock()
		if ns.seq == seq {
			ns.present = false
		}
		ns.mu.Unlock()
	})
}

// Current returns the live notice, if any.
func (ns *Notices) Current() (call.Notice, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.current, ns.present
}

// Subscribe returns a channel receiving each new notice.
func (ns *Notices) Subscribe() chan call.Notice {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ch := make(chan call.Notice, 8)
	ns.listeners = append(ns.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (ns *Notices) Unsubscribe(ch chan call.Notice) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for i, listener := range ns.listeners {
		if listener == ch {
			close(listener)
			ns.listeners = append(ns.listeners[:i], ns.listeners[i+1:]...)
			return
		}
	}
}

package chat

import "sync"

// DefaultCapacity is the number of messages kept in memory per call.
const DefaultCapacity = 200

// History is the append-only transcript for the active call. It lives for
// the client window lifetime but is truncated whenever the call session is
// torn down or replaced. When full, the oldest message is dropped.
type History struct {
	mu        sync.RWMutex
	buf       []*Message
	head      int
	count     int
	listeners []chan *Message
}

// NewHistory creates a transcript holding up to capacity messages.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{buf: make([]*Message, capacity)}
}

// Append stores msg and notifies listeners.
func (h *History) Append(msg *Message) {
	h.mu.Lock()
	idx := (h.head + h.count) % len(h.buf)
	h.buf[idx] = msg
	if h.count == len(h.buf) {
		h.head = (h.head + 1) % len(h.buf)
	} else {
		h.count++
	}
	listeners := make([]chan *Message, len(h.listeners))
	copy(listeners, h.listeners)
	h.mu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Snapshot returns the transcript in arrival order, oldest first.
func (h *History) Snapshot() []*Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Message, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.buf[(h.head+i)%len(h.buf)]
	}
	return out
}

// Len returns the number of stored messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Clear truncates the transcript. Called on session teardown.
func (h *History) Clear() {
	h.mu.Lock()
	for i := range h.buf {
		h.buf[i] = nil
	}
	h.head, h.count = 0, 0
	h.mu.Unlock()
}

// Subscribe returns a channel receiving each appended message.
func (h *History) Subscribe() chan *Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan *Message, 16)
	h.listeners = append(h.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (h *History) Unsubscribe(ch chan *Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, listener := range h.listeners {
		if listener == ch {
			close(listener)
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			return
		}
	}
}

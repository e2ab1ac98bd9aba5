// Package lobby maintains the online-user roster derived from presence
// events on the signaling bus.
package lobby

import (
	"encoding/json"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("lobby")

// Status is a user's call availability.
type Status int8

const (
	Available Status = iota // online, not in a call
	InCall                  // online, currently in a call
	Self                    // the local client's own entry
)

func (s Status) String() string {
	switch s {
	case Available:
		return "available"
	case InCall:
		return "in-call"
	case Self:
		return "self"
	}
	return "unknown"
}

// Event notifies subscribers of roster changes.
type Event struct {
	Type   string            `json:"type"` // "snapshot", "join", "leave", "update"
	UserID string            `json:"user_id,omitempty"`
	Users  map[string]Status `json:"users,omitempty"`
}

// Roster is the process-wide online-user map. It lives for the client window
// lifetime and is not owned by any call session. Events originated by the
// local client are ignored so the client never sees itself as a peer.
type Roster struct {
	selfID string

	mu        sync.Mutex
	users     map[string]Status
	listeners []chan Event
}

// NewRoster creates an empty roster for the given local client id.
func NewRoster(selfID string) *Roster {
	return &Roster{
		selfID: selfID,
		users:  make(map[string]Status),
	}
}

// ApplySnapshot replaces the whole roster. The snapshot payload is lenient:
// per-user values may be a bare bool (in-call flag), null (self marker), or
// an object with "active"/"isSelf" fields — the server emits all three
// shapes depending on the channel.
func (r *Roster) ApplySnapshot(raw map[string]json.RawMessage) {
	users := make(map[string]Status, len(raw))
	for id, v := range raw {
		if id == r.selfID {
			users[id] = Self
			continue
		}
		users[id] = decodeStatus(v)
	}

	r.mu.Lock()
	r.users = users
	r.mu.Unlock()
	r.notify(Event{Type: "snapshot", Users: users})
}

// ApplyJoin inserts userID as Available. No-op for self or already-present
// users (a rejoin after call end must not flip an InCall peer back).
func (r *Roster) ApplyJoin(userID string) {
	if userID == r.selfID {
		return
	}
	r.mu.Lock()
	if _, ok := r.users[userID]; ok {
		r.mu.Unlock()
		return
	}
	r.users[userID] = Available
	r.mu.Unlock()
	r.notify(Event{Type: "join", UserID: userID})
}

// ApplyLeave removes userID.
func (r *Roster) ApplyLeave(userID string) {
	if userID == r.selfID {
		return
	}
	r.mu.Lock()
	_, ok := r.users[userID]
	delete(r.users, userID)
	r.mu.Unlock()
	if ok {
		r.notify(Event{Type: "leave", UserID: userID})
	}
}

// ApplyUpdate flips an existing entry to InCall. Absent keys are left alone —
// an update must never resurrect a user that already left.
func (r *Roster) ApplyUpdate(userID string) {
	if userID == r.selfID {
		return
	}
	r.mu.Lock()
	cur, ok := r.users[userID]
	if !ok || cur == InCall {
		r.mu.Unlock()
		return
	}
	r.users[userID] = InCall
	r.mu.Unlock()
	r.notify(Event{Type: "update", UserID: userID})
}

// Get returns the status for userID.
func (r *Roster) Get(userID string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.users[userID]
	return s, ok
}

// Snapshot returns a copy of the roster.
func (r *Roster) Snapshot() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[string]Status, len(r.users))
	for k, v := range r.users {
		cp[k] = v
	}
	return cp
}

// Clear empties the roster, e.g. on bus disconnect.
func (r *Roster) Clear() {
	r.mu.Lock()
	r.users = make(map[string]Status)
	r.mu.Unlock()
	r.notify(Event{Type: "snapshot", Users: map[string]Status{}})
}

// Subscribe returns a channel of roster events.
func (r *Roster) Subscribe() chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, 16)
	r.listeners = append(r.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (r *Roster) Unsubscribe(ch chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, listener := range r.listeners {
		if listener == ch {
			close(listener)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Roster) notify(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

// decodeStatus interprets one snapshot value. The null check must come
// first: unmarshalling null into a bool succeeds without setting it, which
// would read the self marker as available.
func decodeStatus(raw json.RawMessage) Status {
	if string(raw) == "null" {
		return Self
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		if b {
			return InCall
		}
		return Available
	}

	var obj struct {
		IsSelf bool `json:"isSelf"`
		Active bool `json:"active"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		log.Debugf("unrecognized roster value %q, defaulting to available", raw)
		return Available
	}
	if obj.IsSelf {
		return Self
	}
	if obj.Active {
		return InCall
	}
	return Available
}

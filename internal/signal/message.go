// Package signal defines the wire format shared by every component that
// talks to the signaling bus: the JSON envelope, the recognized message
// types, and the destination naming scheme. Mirrored by the server's
// routing table — keep both in sync.
package signal

import (
	"encoding/json"
	"fmt"
	"time"
)

// ── Message type constants ────────────────────────────────────────────────────
// Single source of truth for the "type" field of every envelope.
const (
	// Lobby presence — broadcast snapshot and per-client variants.
	TypeLobbyStatus = "lobby-status"
	TypeLobbyInfo   = "lobby-info"
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypeUpdate      = "update"

	// Room assignment — server decides who initiates the exchange.
	TypeOfferer  = "offerer"
	TypeAnswerer = "answerer"

	// Session negotiation — relayed peer to peer through signal/{room}.
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"

	// Call lifecycle.
	TypeStartCall = "start-call"
	TypeEndCall   = "end-call"
	TypeCallEnded = "call-ended"

	// Transient text chat, scoped to the active room.
	TypeChat = "chat"
)

// Message is the signaling envelope. Data carries a type-dependent payload
// and stays raw until the receiving component decodes it.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// New builds an envelope with the payload marshalled into Data and the
// timestamp set. Marshal failures are programming errors (payloads are our
// own structs), so they surface as a panic during development, not silently.
func New(msgType string, data any, sender string) *Message {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(fmt.Sprintf("signal: marshal %s payload: %v", msgType, err))
	}
	return &Message{
		Type:      msgType,
		Data:      raw,
		Sender:    sender,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Decode unmarshals Data into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("signal: %s message has no data", m.Type)
	}
	return json.Unmarshal(m.Data, v)
}

// DataString decodes Data as a JSON string. Used for payloads that are a
// bare identifier or free text (room ids, user ids, chat lines, reasons).
func (m *Message) DataString() (string, error) {
	var s string
	if err := m.Decode(&s); err != nil {
		return "", err
	}
	return s, nil
}

// Description is one side's proposed media/transport parameters — the
// browser RTCSessionDescriptionInit shape, which pion also speaks.
type Description struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// CandidateInit is a single connectivity candidate, the standard
// RTCIceCandidateInit shape (W3C WebRTC).
type CandidateInit struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

package chat

import (
	"time"

	"github.com/google/uuid"
)

// Message is one chat line in the active call's transcript.
type Message struct {
	ID        string `json:"id"`        // locally generated, unique per message
	Sender    string `json:"sender"`    // client id of the author
	Text      string `json:"text"`      // plain text body
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Local     bool   `json:"local"`     // authored by this client
}

// NewMessage creates a message authored by sender.
func NewMessage(sender, text string, local bool) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
		Local:     local,
	}
}

package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleError     Role = "error"
)

// Message is one conversation entry. Messages are never mutated once
// appended.
type Message struct {
	ID        uuid.UUID `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp string    `json:"timestamp"`
}

// Transcript is the chronological conversation log. Insertion order is the
// only order it guarantees; display layers may reverse it, exports must not.
type Transcript struct {
	mu       sync.RWMutex
	messages []Message
}

func NewTranscript() *Transcript {
	return &Transcript{}
}

// Append records a message. An empty timestamp gets the current time.
func (t *Transcript) Append(role Role, content, timestamp string) Message {
	if timestamp == "" {
		timestamp = time.Now().Format(time.RFC3339)
	}

	msg := Message{
		ID:        uuid.New(),
		Role:      role,
		Content:   content,
		Timestamp: timestamp,
	}

	t.mu.Lock()
	t.messages = append(t.messages, msg)
	t.mu.Unlock()

	return msg
}

// Messages returns a copy of the log in insertion order.
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Clear wipes the log.
func (t *Transcript) Clear() {
	t.mu.Lock()
	t.messages = nil
	t.mu.Unlock()
}

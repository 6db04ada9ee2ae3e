// Package transcript keeps the ordered message list for the one session
// currently open in detail view. It is hydrated once from the session
// directory and then extended append-only: optimistic local appends from
// operator sends, corrective remote appends from inbound consumer events.
//
// A Buffer is not safe for concurrent use; the coordinator serializes all
// access to it.
package transcript

import (
	"time"

	"github.com/google/uuid"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Message is one transcript entry. HumanAuthored marks bot messages typed by
// an operator during takeover.
type Message struct {
	ID            string
	Content       string
	Sender        Sender
	HumanAuthored bool
	CreatedAt     time.Time
}

// Buffer holds the transcript for one session. Ordering is receipt order;
// no deduplication is performed.
type Buffer struct {
	sessionID string
	loaded    bool
	messages  []Message
}

// NewBuffer returns an empty, unloaded buffer for sessionID.
func NewBuffer(sessionID string) *Buffer {
	return &Buffer{
		sessionID: sessionID,
		messages:  make([]Message, 0, 16),
	}
}

// SessionID returns the session this buffer belongs to.
func (b *Buffer) SessionID() string {
	if b == nil {
		return ""
	}
	return b.sessionID
}

// Loaded reports whether Hydrate has completed. Operator sends are rejected
// until then.
func (b *Buffer) Loaded() bool {
	return b != nil && b.loaded
}

// Hydrate installs the full history fetched from the session directory.
// Appends that raced ahead of the fetch are preserved after the history.
func (b *Buffer) Hydrate(history []Message) {
	if b == nil {
		return
	}
	merged := make([]Message, 0, len(history)+len(b.messages))
	merged = append(merged, history...)
	merged = append(merged, b.messages...)
	b.messages = merged
	b.loaded = true
}

// AppendLocal records an optimistic operator send as a human-authored bot
// message and returns it. Optimistic appends are never retracted; a later
// failure surfaces as a banner, not an undo.
func (b *Buffer) AppendLocal(content string, at time.Time) Message {
	msg := Message{
		ID:            uuid.NewString(),
		Content:       content,
		Sender:        SenderBot,
		HumanAuthored: true,
		CreatedAt:     at,
	}
	if b != nil {
		b.messages = append(b.messages, msg)
	}
	return msg
}

// AppendRemote records an inbound consumer message.
func (b *Buffer) AppendRemote(id, content string, at time.Time) Message {
	if id == "" {
		id = uuid.NewString()
	}
	msg := Message{
		ID:        id,
		Content:   content,
		Sender:    SenderUser,
		CreatedAt: at,
	}
	if b != nil {
		b.messages = append(b.messages, msg)
	}
	return msg
}

// Len reports the number of buffered messages.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.messages)
}

// Snapshot returns a copy of the ordered message list.
func (b *Buffer) Snapshot() []Message {
	if b == nil {
		return nil
	}
	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}

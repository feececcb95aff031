// Package presence tracks the transient per-conversation state that is not
// part of message history: who is typing right now, and the delivery/read
// progression of recent messages. Status transitions are enforced forward
// only at the point of application, so replayed or out-of-order events can
// never regress a message that was already read.
package presence

import (
	"github.com/loqui/chat-client/internal/protocol"
)

// MaxLogMessages is the number of recent messages retained per chat.
const MaxLogMessages = 50

// LoggedMessage is a single message tracked for status purposes.
type LoggedMessage struct {
	ID        string
	SenderID  string
	Status    string
	CreatedAt string
}

// MessageLog stores the last N messages per chat in a ring buffer. It is not
// goroutine-safe; all access happens on the core's run loop.
type MessageLog struct {
	buffers map[string]*ringBuffer // chatID -> ring buffer
}

// ringBuffer is a fixed-size circular buffer of LoggedMessage.
type ringBuffer struct {
	items []LoggedMessage
	pos   int
	count int
}

// NewMessageLog creates an empty MessageLog.
func NewMessageLog() *MessageLog {
	return &MessageLog{buffers: make(map[string]*ringBuffer)}
}

// Add appends a message to the chat's ring buffer, overwriting the oldest
// entry when full. A message id already present is left untouched.
func (ml *MessageLog) Add(chatID string, msg LoggedMessage) {
	if msg.ID == "" {
		return
	}
	rb, ok := ml.buffers[chatID]
	if !ok {
		rb = &ringBuffer{items: make([]LoggedMessage, MaxLogMessages)}
		ml.buffers[chatID] = rb
	}
	if rb.find(msg.ID) >= 0 {
		return
	}
	if msg.Status == "" {
		msg.Status = protocol.StatusSent
	}
	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % MaxLogMessages
	if rb.count < MaxLogMessages {
		rb.count++
	}
}

// Get returns the chat's tracked messages in chronological order (oldest
// first). Returns an empty slice for unknown chats.
func (ml *MessageLog) Get(chatID string) []LoggedMessage {
	rb, ok := ml.buffers[chatID]
	if !ok {
		return []LoggedMessage{}
	}
	result := make([]LoggedMessage, rb.count)
	start := (rb.pos - rb.count + MaxLogMessages) % MaxLogMessages
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%MaxLogMessages]
	}
	return result
}

// ApplyStatus moves a tracked message's status forward. It returns false when
// the message is unknown or the transition would regress the status.
func (ml *MessageLog) ApplyStatus(chatID, messageID, status string) bool {
	rb, ok := ml.buffers[chatID]
	if !ok {
		return false
	}
	idx := rb.find(messageID)
	if idx < 0 {
		return false
	}
	if protocol.StatusRank(status) <= protocol.StatusRank(rb.items[idx].Status) {
		return false
	}
	rb.items[idx].Status = status
	return true
}

// UnreadFromOthers returns tracked messages in the chat that were sent by
// someone other than selfID and have not reached "read" yet.
func (ml *MessageLog) UnreadFromOthers(chatID, selfID string) []LoggedMessage {
	var out []LoggedMessage
	for _, m := range ml.Get(chatID) {
		if m.SenderID != selfID && m.Status != protocol.StatusRead {
			out = append(out, m)
		}
	}
	return out
}

// Remove deletes the buffer for a chat.
func (ml *MessageLog) Remove(chatID string) {
	delete(ml.buffers, chatID)
}

// find returns the ring index of a message id, or -1.
func (rb *ringBuffer) find(id string) int {
	start := (rb.pos - rb.count + MaxLogMessages) % MaxLogMessages
	for i := 0; i < rb.count; i++ {
		idx := (start + i) % MaxLogMessages
		if rb.items[idx].ID == id {
			return idx
		}
	}
	return -1
}

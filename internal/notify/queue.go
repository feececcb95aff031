// Package notify maintains the bounded queue of user-facing alerts derived
// from messages the user is not currently viewing. The queue is persisted to
// the client-side store on every mutation and rehydrated at startup; a
// corrupt blob is discarded and the session starts empty.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/loqui/chat-client/internal/metrics"
	"github.com/loqui/chat-client/internal/protocol"
	"github.com/loqui/chat-client/internal/store"
)

const (
	// MaxNotifications bounds the queue; inserting at capacity evicts the
	// oldest entry.
	MaxNotifications = 50

	// PreviewLimit is the maximum message preview length in characters.
	PreviewLimit = 50

	// Ellipsis marks a truncated preview.
	Ellipsis = "..."
)

// Notification is one user-facing alert. The JSON tags define the persisted
// format.
type Notification struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	ChatID    string `json:"chatId"`
	FromUser  string `json:"fromUser"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Read      bool   `json:"read"`
}

// Queue is the notification queue. It is not goroutine-safe; all access
// happens on the core's run loop.
type Queue struct {
	kv     store.KV
	selfID string
	items  []Notification
	now    func() time.Time
}

// NewQueue creates a Queue rehydrated from the persisted blob. Unparseable
// persisted state is logged and discarded.
func NewQueue(ctx context.Context, kv store.KV, selfID string) *Queue {
	q := &Queue{kv: kv, selfID: selfID, now: time.Now}

	blob, err := kv.Get(ctx, store.KeyNotifications)
	if err != nil {
		if err != store.ErrNotFound {
			log.Printf("[notify] failed to load persisted notifications: %v", err)
		}
		return q
	}
	if err := json.Unmarshal([]byte(blob), &q.items); err != nil {
		log.Printf("[notify] discarding corrupt notification state: %v", err)
		q.items = nil
	}
	return q
}

// Items returns a copy of the queue, newest first.
func (q *Queue) Items() []Notification {
	out := make([]Notification, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the queue length.
func (q *Queue) Len() int {
	return len(q.items)
}

// OnMessage synthesizes a notification from an inbound message, unless the
// local user sent it or its chat is the one currently open.
func (q *Queue) OnMessage(m *protocol.MessagePayload, activeChat string) {
	senderID, senderName := m.From()
	chatID := m.ChatID()
	if senderID == q.selfID || chatID == activeChat {
		return
	}
	if senderName == "" {
		senderName = "Someone"
	}

	now := q.now()
	q.insert(Notification{
		ID:        fmt.Sprintf("%s-%d", m.ID, now.UnixMilli()),
		Type:      "message",
		ChatID:    chatID,
		FromUser:  senderName,
		Message:   TruncatePreview(m.Content),
		Timestamp: now.UTC().Format(time.RFC3339),
	})
}

// OnPush merges a server-originated newNotification event, filling defined
// fallbacks for every optional field.
func (q *Queue) OnPush(p *protocol.NotificationPayload) {
	n := Notification{
		ID:        p.ID,
		Type:      p.Type,
		ChatID:    p.ChatID,
		FromUser:  p.FromUser,
		Message:   p.Message,
		Timestamp: p.Timestamp,
	}
	if n.ID == "" {
		n.ID = "notification-" + uuid.NewString()
	}
	if n.Type == "" {
		n.Type = "info"
	}
	if n.Message == "" {
		n.Message = "New notification"
	}
	if n.FromUser == "" {
		n.FromUser = "System"
	}
	if n.Timestamp == "" {
		n.Timestamp = q.now().UTC().Format(time.RFC3339)
	}
	q.insert(n)
}

// MarkAsRead flips the read flag on one notification without removing it.
func (q *Queue) MarkAsRead(id string) {
	for i := range q.items {
		if q.items[i].ID == id {
			q.items[i].Read = true
			q.persist()
			return
		}
	}
}

// MarkChatRead flips the read flag on every notification for a chat. Called
// when the user opens that conversation.
func (q *Queue) MarkChatRead(chatID string) {
	changed := false
	for i := range q.items {
		if q.items[i].ChatID == chatID && !q.items[i].Read {
			q.items[i].Read = true
			changed = true
		}
	}
	if changed {
		q.persist()
	}
}

// Remove deletes a notification by id.
func (q *Queue) Remove(id string) {
	for i := range q.items {
		if q.items[i].ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.persist()
			return
		}
	}
}

// ClearAll empties the queue.
func (q *Queue) ClearAll() {
	if len(q.items) == 0 {
		return
	}
	q.items = nil
	q.persist()
}

// TruncatePreview shortens a message body to PreviewLimit characters,
// appending the ellipsis marker when it had to cut.
func TruncatePreview(content string) string {
	runes := []rune(content)
	if len(runes) <= PreviewLimit {
		return content
	}
	return string(runes[:PreviewLimit]) + Ellipsis
}

// insert prepends and trims to capacity, persisting the result.
func (q *Queue) insert(n Notification) {
	q.items = append([]Notification{n}, q.items...)
	metrics.NotificationsTotal.WithLabelValues("queued").Inc()
	for len(q.items) > MaxNotifications {
		q.items = q.items[:len(q.items)-1]
		metrics.NotificationsTotal.WithLabelValues("evicted").Inc()
	}
	q.persist()
}

// persist writes the queue to the client-side store. Failures are logged and
// otherwise ignored; the in-memory queue stays authoritative for the session.
func (q *Queue) persist() {
	blob, err := json.Marshal(q.items)
	if err != nil {
		log.Printf("[notify] failed to marshal notifications: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := q.kv.Set(ctx, store.KeyNotifications, string(blob)); err != nil {
		log.Printf("[notify] failed to persist notifications: %v", err)
	}
}

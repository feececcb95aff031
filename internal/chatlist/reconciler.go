// Package chatlist owns the canonical ordered conversation list. Bulk loads,
// inbound chats, inbound and outbound messages, and status updates all merge
// through one reconciler whose operations are idempotent and order-tolerant:
// server replays and interleaved continuations must never duplicate an entry
// or re-bump the list.
package chatlist

import (
	"github.com/loqui/chat-client/internal/metrics"
	"github.com/loqui/chat-client/internal/protocol"
)

// maxSeenMessages bounds the merge-dedup id set. The oldest ids roll off
// first; a replay older than the window is indistinguishable from a new
// message, which only matters for pushes delayed past a thousand newer ones.
const maxSeenMessages = 1024

// seenSet is an insertion-ordered string set with FIFO eviction.
type seenSet struct {
	ids   map[string]struct{}
	order []string
}

func newSeenSet() *seenSet {
	return &seenSet{ids: make(map[string]struct{})}
}

func (s *seenSet) has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *seenSet) add(id string) {
	if _, ok := s.ids[id]; ok {
		return
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > maxSeenMessages {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
}

// Chat is one entry of the conversation list.
type Chat struct {
	ID                   string
	Name                 string
	LastMessage          string
	LastMessageSender    string
	LastMessageTimestamp string
	LastMessageStatus    string
}

// Reconciler merges inbound and outbound activity into the list. It is not
// goroutine-safe; all calls happen on the core's run loop.
type Reconciler struct {
	selfID string
	chats  []Chat
	seen   *seenSet // message ids already merged
}

// New creates an empty Reconciler for the given local user.
func New(selfID string) *Reconciler {
	return &Reconciler{
		selfID: selfID,
		seen:   newSeenSet(),
	}
}

// Chats returns a copy of the list, most-recent-activity first.
func (r *Reconciler) Chats() []Chat {
	out := make([]Chat, len(r.chats))
	copy(out, r.chats)
	return out
}

// Len returns the number of conversations.
func (r *Reconciler) Len() int {
	return len(r.chats)
}

// BulkLoad replaces the entire list from a getUserChats acknowledgement.
// Entries without an id are dropped.
func (r *Reconciler) BulkLoad(payloads []protocol.ChatPayload) {
	chats := make([]Chat, 0, len(payloads))
	for i := range payloads {
		c := &payloads[i]
		if c.ID == "" {
			continue
		}
		chats = append(chats, r.fromPayload(c))
		if p := c.Preview(); p != nil && p.ID != "" {
			r.seen.add(p.ID)
		}
	}
	r.chats = chats
}

// ApplyNewChat merges an inbound newChat push. A chat whose id is already
// present is left untouched; otherwise the new entry is prepended.
func (r *Reconciler) ApplyNewChat(c *protocol.ChatPayload) {
	if c.ID == "" || r.index(c.ID) >= 0 {
		metrics.MergesTotal.WithLabelValues("duplicate").Inc()
		return
	}
	r.chats = append([]Chat{r.fromPayload(c)}, r.chats...)
	metrics.MergesTotal.WithLabelValues("new").Inc()
}

// ApplyMessage merges an inbound or outbound newMessage push. The chat moves
// to the front with the updated preview; an unknown chat is synthesized from
// the message's embedded metadata. Reprocessing a message id is a no-op.
func (r *Reconciler) ApplyMessage(m *protocol.MessagePayload) {
	if m.ID != "" {
		if r.seen.has(m.ID) {
			metrics.MergesTotal.WithLabelValues("duplicate").Inc()
			return
		}
		r.seen.add(m.ID)
	}

	chatID := m.ChatID()
	if chatID == "" {
		return
	}

	senderID, senderName := m.From()
	sender := senderName
	if senderID == r.selfID {
		sender = SenderYou
	}

	idx := r.index(chatID)
	if idx < 0 {
		name := NameUnknownChat
		if m.Chat.Meta != nil {
			name = ResolveName(m.Chat.Meta, r.selfID)
		}
		entry := Chat{
			ID:                   chatID,
			Name:                 name,
			LastMessage:          m.Content,
			LastMessageSender:    sender,
			LastMessageTimestamp: m.CreatedAt,
			LastMessageStatus:    m.StatusName(),
		}
		r.chats = append([]Chat{entry}, r.chats...)
		metrics.MergesTotal.WithLabelValues("new").Inc()
		return
	}

	entry := r.chats[idx]
	entry.LastMessage = m.Content
	entry.LastMessageSender = sender
	entry.LastMessageTimestamp = m.CreatedAt
	entry.LastMessageStatus = m.StatusName()
	r.moveToFront(idx, entry)
	metrics.MergesTotal.WithLabelValues("moved").Inc()
}

// ApplyLocalSend performs the optimistic list bump when the local user sends
// a message, before any acknowledgement arrives. Unknown chats are ignored;
// the send command is only reachable from an existing conversation.
func (r *Reconciler) ApplyLocalSend(chatID, content, timestamp string) {
	idx := r.index(chatID)
	if idx < 0 {
		return
	}
	entry := r.chats[idx]
	entry.LastMessage = content
	entry.LastMessageSender = SenderYou
	entry.LastMessageTimestamp = timestamp
	entry.LastMessageStatus = protocol.StatusSent
	r.moveToFront(idx, entry)
	metrics.MergesTotal.WithLabelValues("moved").Inc()
}

// ApplyStatus mutates the status field of the matching entry in place. List
// position never changes, and a status can only move forward.
func (r *Reconciler) ApplyStatus(u *protocol.StatusUpdatePayload) {
	idx := r.index(u.ChatID)
	if idx < 0 {
		return
	}
	cur := protocol.StatusRank(r.chats[idx].LastMessageStatus)
	if protocol.StatusRank(u.Status) < cur {
		metrics.StatusTransitionsTotal.WithLabelValues("ignored").Inc()
		return
	}
	r.chats[idx].LastMessageStatus = u.Status
	metrics.StatusTransitionsTotal.WithLabelValues("applied").Inc()
}

// fromPayload builds a list entry from a chat document, resolving the display
// name and labeling the preview sender.
func (r *Reconciler) fromPayload(c *protocol.ChatPayload) Chat {
	entry := Chat{
		ID:                c.ID,
		Name:              ResolveName(c, r.selfID),
		LastMessageStatus: protocol.StatusSent,
	}

	if p := c.Preview(); p != nil {
		senderID, senderName := p.From()
		entry.LastMessage = p.Content
		if senderID == r.selfID {
			entry.LastMessageSender = SenderYou
		} else {
			entry.LastMessageSender = senderName
		}
		entry.LastMessageTimestamp = p.CreatedAt
		entry.LastMessageStatus = p.StatusName()
	}
	if entry.LastMessageTimestamp == "" {
		if c.UpdatedAt != "" {
			entry.LastMessageTimestamp = c.UpdatedAt
		} else {
			entry.LastMessageTimestamp = c.CreatedAt
		}
	}
	return entry
}

func (r *Reconciler) index(chatID string) int {
	for i := range r.chats {
		if r.chats[i].ID == chatID {
			return i
		}
	}
	return -1
}

func (r *Reconciler) moveToFront(idx int, entry Chat) {
	r.chats = append(r.chats[:idx], r.chats[idx+1:]...)
	r.chats = append([]Chat{entry}, r.chats...)
}

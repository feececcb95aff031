package presence

import (
	"log"
	"time"

	"github.com/loqui/chat-client/internal/metrics"
	"github.com/loqui/chat-client/internal/protocol"
	"github.com/loqui/chat-client/internal/runloop"
)

// ReadThresholdPx is how close to the bottom of the viewport (in pixels) the
// consuming layer must be for entering a chat to mark messages read.
const ReadThresholdPx = 100

// DefaultTypingDebounce is the trailing-edge delay after the last input
// change before a stopped-typing signal is emitted.
const DefaultTypingDebounce = time.Second

// SendTypingFunc emits an outbound userTyping event.
type SendTypingFunc func(p protocol.TypingPayload) error

// SendStatusFunc emits an outbound messageStatusUpdate event.
type SendStatusFunc func(req protocol.StatusUpdateReq) error

// Tracker owns typing indicators and delivery/read status transitions. It is
// not goroutine-safe; all calls happen on the core's run loop.
type Tracker struct {
	selfID   string
	selfName string

	sendTyping SendTypingFunc
	sendStatus SendStatusFunc

	debounce *runloop.Debounce
	delay    time.Duration

	activeChat string
	typing     bool              // local user currently typing
	typists    map[string]string // remote user id -> display name, active chat only

	log *MessageLog
}

// NewTracker creates a Tracker delivering debounce expirations onto loop.
func NewTracker(loop *runloop.Loop, selfID, selfName string, delay time.Duration) *Tracker {
	if delay <= 0 {
		delay = DefaultTypingDebounce
	}
	return &Tracker{
		selfID:   selfID,
		selfName: selfName,
		debounce: runloop.NewDebounce(loop),
		delay:    delay,
		typists:  make(map[string]string),
		log:      NewMessageLog(),
	}
}

// SetOutbound wires the transport sinks. Both may be reset on reconnection.
func (t *Tracker) SetOutbound(typing SendTypingFunc, status SendStatusFunc) {
	t.sendTyping = typing
	t.sendStatus = status
}

// Log exposes the message log for the connection layer to populate.
func (t *Tracker) Log() *MessageLog {
	return t.log
}

// ---------------------------------------------------------------------------
// Typing
// ---------------------------------------------------------------------------

// InputChanged is called on every local input change in the active chat. The
// first change emits a started-typing signal; each change restarts the
// trailing-edge debounce that emits the stopped-typing signal.
func (t *Tracker) InputChanged() {
	chatID := t.activeChat
	if chatID == "" {
		return
	}
	if !t.typing {
		t.typing = true
		t.emitTyping(chatID, true)
	}
	t.debounce.Set(t.delay, func() {
		if t.activeChat != chatID || !t.typing {
			return
		}
		t.typing = false
		t.emitTyping(chatID, false)
	})
}

// HandleTyping merges an inbound userTyping push. Self entries are filtered;
// events for chats other than the active one are ignored.
func (t *Tracker) HandleTyping(p *protocol.TypingPayload) {
	if p.UserID == "" || p.UserID == t.selfID {
		return
	}
	if p.ChatID != "" && p.ChatID != t.activeChat {
		return
	}
	if p.IsTyping {
		name := p.UserName
		if name == "" {
			name = "Someone"
		}
		t.typists[p.UserID] = name
	} else {
		delete(t.typists, p.UserID)
	}
}

// Typists returns a copy of the active chat's typing map.
func (t *Tracker) Typists() map[string]string {
	out := make(map[string]string, len(t.typists))
	for k, v := range t.typists {
		out[k] = v
	}
	return out
}

// SetActiveChat switches the conversation in view. Any in-flight local
// typing state is flushed as stopped, and remote indicators reset — they are
// scoped to the conversation being viewed.
func (t *Tracker) SetActiveChat(chatID string) {
	if t.typing && t.activeChat != "" {
		t.typing = false
		t.debounce.Stop()
		t.emitTyping(t.activeChat, false)
	}
	t.activeChat = chatID
	t.typists = make(map[string]string)
}

// ActiveChat returns the conversation currently in view, or "".
func (t *Tracker) ActiveChat() string {
	return t.activeChat
}

func (t *Tracker) emitTyping(chatID string, isTyping bool) {
	if t.sendTyping == nil {
		return
	}
	err := t.sendTyping(protocol.TypingPayload{
		UserID:   t.selfID,
		UserName: t.selfName,
		IsTyping: isTyping,
		ChatID:   chatID,
	})
	if err != nil {
		log.Printf("[presence] typing signal failed: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Delivery / read status
// ---------------------------------------------------------------------------

// Observe records an inbound or fetched message in the status log.
func (t *Tracker) Observe(m *protocol.MessagePayload) {
	senderID, _ := m.From()
	t.log.Add(m.ChatID(), LoggedMessage{
		ID:        m.ID,
		SenderID:  senderID,
		Status:    m.StatusName(),
		CreatedAt: m.CreatedAt,
	})
}

// HandleStatusUpdate applies an inbound messageStatusUpdated push to the log.
// Regressions (e.g. a late "delivered" after "read") are ignored.
func (t *Tracker) HandleStatusUpdate(p *protocol.StatusUpdatePayload) bool {
	applied := t.log.ApplyStatus(p.ChatID, p.MessageID, p.Status)
	if applied {
		metrics.StatusTransitionsTotal.WithLabelValues("applied").Inc()
	} else {
		metrics.StatusTransitionsTotal.WithLabelValues("ignored").Inc()
	}
	return applied
}

// MarkReadIfVisible emits one "read" status update per unread message from
// other senders, but only when the viewport is within ReadThresholdPx of the
// bottom. Transitions are applied locally first so replays are no-ops.
func (t *Tracker) MarkReadIfVisible(chatID string, distanceFromBottomPx int) {
	if distanceFromBottomPx > ReadThresholdPx {
		return
	}
	for _, m := range t.log.UnreadFromOthers(chatID, t.selfID) {
		if !t.log.ApplyStatus(chatID, m.ID, protocol.StatusRead) {
			continue
		}
		t.emitStatus(chatID, m.ID, protocol.StatusRead)
	}
}

// MarkDelivered reports the fetched backlog of sent messages as delivered.
// Messages the local user sent are skipped; the sender's own copy is not
// ours to acknowledge.
func (t *Tracker) MarkDelivered(chatID string, msgs []protocol.MessagePayload) {
	for i := range msgs {
		m := &msgs[i]
		senderID, _ := m.From()
		if senderID == t.selfID {
			continue
		}
		t.Observe(m)
		if t.log.ApplyStatus(chatID, m.ID, protocol.StatusDelivered) {
			t.emitStatus(chatID, m.ID, protocol.StatusDelivered)
		}
	}
}

func (t *Tracker) emitStatus(chatID, messageID, status string) {
	if t.sendStatus == nil {
		return
	}
	err := t.sendStatus(protocol.StatusUpdateReq{
		MessageID:  messageID,
		ChatID:     chatID,
		StatusName: status,
	})
	if err != nil {
		log.Printf("[presence] status update failed: %v", err)
	}
}

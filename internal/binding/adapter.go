// Package binding is the surface the consuming layer (a UI shell or an
// embedding application) talks to. It owns the run loop, wires the connection
// manager, chat list, notification queue and presence tracker together, and
// exposes their state through a replaceable callback set: swapping callbacks
// updates the sinks in place without touching any subscription, so no event
// is lost across the swap.
package binding

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/loqui/chat-client/internal/chatlist"
	"github.com/loqui/chat-client/internal/connection"
	"github.com/loqui/chat-client/internal/events"
	"github.com/loqui/chat-client/internal/notify"
	"github.com/loqui/chat-client/internal/presence"
	"github.com/loqui/chat-client/internal/protocol"
	"github.com/loqui/chat-client/internal/runloop"
	"github.com/loqui/chat-client/internal/store"
)

// Callbacks are the adapter's outbound sinks. All fields may be nil; all are
// invoked on the run loop, so they must return promptly and must not call the
// adapter's blocking snapshot getters.
type Callbacks struct {
	// OnChats fires with the full conversation list after every mutation.
	OnChats func(chats []chatlist.Chat)

	// OnNotifications fires with the full queue after every mutation.
	OnNotifications func(items []notify.Notification)

	// OnTypists fires with the active chat's typing users after every
	// change.
	OnTypists func(typists map[string]string)

	// OnState fires on connection state transitions.
	OnState func(s connection.State, err error)

	// OnError fires for per-command failures that do not affect the
	// session, such as a rejected message send.
	OnError func(err error)
}

// Options configures an Adapter.
type Options struct {
	// Connection holds the session timing knobs.
	Connection connection.Config

	// TypingDebounce is the trailing-edge delay for stopped-typing signals.
	TypingDebounce time.Duration
}

// Adapter is the embedding surface of the sync core. Its methods are safe to
// call from any goroutine; all work is posted onto the internal run loop.
type Adapter struct {
	loop       *runloop.Loop
	kv         store.KV
	dispatcher *events.Dispatcher
	mgr        *connection.Manager
	opts       Options

	// Loop-confined state.
	cbs        Callbacks
	selfID     string
	selfName   string
	activeChat string
	list       *chatlist.Reconciler
	queue      *notify.Queue
	tracker    *presence.Tracker
}

// NewAdapter builds the full sync core on top of the given store and
// transport factory.
func NewAdapter(kv store.KV, factory connection.Factory, opts Options) *Adapter {
	a := &Adapter{
		loop:       runloop.New(),
		kv:         kv,
		dispatcher: events.New(),
		opts:       opts,
	}
	a.mgr = connection.NewManager(a.loop, kv, a.dispatcher, factory, opts.Connection, connection.Hooks{
		OnState:  a.onState,
		OnJoined: a.onJoined,
		OnChats:  a.onChats,
	})

	// Components exist from the start so commands and snapshots work before
	// the first session; they are rebuilt on join if the user changed.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	creds, _, _ := store.LoadCredentials(ctx, kv)
	cancel()
	a.initComponents(creds.UserID)
	return a
}

// SetCallbacks replaces the outbound sinks in place. Events arriving during
// the swap reach whichever set is current when they are processed; none are
// dropped.
func (a *Adapter) SetCallbacks(cbs Callbacks) {
	a.loop.Post(func() { a.cbs = cbs })
}

// Close tears down the session and stops the run loop.
func (a *Adapter) Close() {
	a.loop.Post(a.mgr.Disconnect)
	a.loop.Sync()
	a.loop.Stop()
}

// ---------------------------------------------------------------------------
// Session commands
// ---------------------------------------------------------------------------

// Connect starts a session, replacing any live one.
func (a *Adapter) Connect() {
	a.loop.Post(a.mgr.Connect)
}

// Disconnect tears the session down.
func (a *Adapter) Disconnect() {
	a.loop.Post(a.mgr.Disconnect)
}

// Reconnect forces a fresh session, including after reconnection attempts
// were exhausted.
func (a *Adapter) Reconnect() {
	a.loop.Post(a.mgr.Reconnect)
}

// RefreshChats re-fetches the conversation list.
func (a *Adapter) RefreshChats() {
	a.loop.Post(a.mgr.RefreshChats)
}

// ---------------------------------------------------------------------------
// Chat commands
// ---------------------------------------------------------------------------

// SendMessage sends a message into a conversation, optimistically bumping the
// chat list before the acknowledgement arrives. A rejection surfaces through
// OnError and leaves the session untouched.
func (a *Adapter) SendMessage(chatID, content string, replyTo *protocol.ReplyRef) {
	a.loop.Post(func() {
		a.list.ApplyLocalSend(chatID, content, time.Now().UTC().Format(time.RFC3339))
		a.emitChats()

		req := protocol.NewMessageReq{Chat: chatID, Content: content, ReplyTo: replyTo}
		err := a.mgr.Request(protocol.EventNewMessage, req, func(data json.RawMessage, err error) {
			if err != nil {
				a.commandFailed("send message", err)
				return
			}
			var ack protocol.AckResult
			if err := protocol.DecodeAck(data, &ack); err == nil && !ack.Success {
				a.commandFailed("send message", errors.New(ack.Error))
			}
		})
		if err != nil {
			a.commandFailed("send message", err)
		}
	})
}

// SelectChat switches the conversation in view: leaves the previous chat
// room, joins the new one, clears its notifications and reports the fetched
// backlog as delivered.
func (a *Adapter) SelectChat(chatID string) {
	a.loop.Post(func() {
		if chatID == a.activeChat {
			return
		}
		if prev := a.activeChat; prev != "" {
			if err := a.mgr.Send(protocol.EventLeaveChat, protocol.JoinChatReq{ChatID: prev}); err != nil {
				log.Printf("[binding] leaveChat not sent: %v", err)
			}
		}
		a.activeChat = chatID
		a.tracker.SetActiveChat(chatID)
		a.emitTypists()

		if chatID == "" {
			return
		}
		a.joinChatRoom(chatID)
		a.queue.MarkChatRead(chatID)
		a.emitNotifications()
		a.fetchBacklog(chatID)
	})
}

// MarkReadIfVisible marks the active chat's unread messages from other
// senders as read, provided the viewport is near the bottom.
func (a *Adapter) MarkReadIfVisible(chatID string, distanceFromBottomPx int) {
	a.loop.Post(func() {
		a.tracker.MarkReadIfVisible(chatID, distanceFromBottomPx)
	})
}

// InputChanged reports a local input change in the active chat, driving the
// typing indicator.
func (a *Adapter) InputChanged() {
	a.loop.Post(a.tracker.InputChanged)
}

// CreateGroup creates a named group conversation with the local user as
// admin.
func (a *Adapter) CreateGroup(name string, userIDs []string) {
	a.loop.Post(func() {
		seen := make(map[string]struct{}, len(userIDs))
		users := make([]string, 0, len(userIDs))
		for _, id := range userIDs {
			if _, dup := seen[id]; dup || id == "" {
				continue
			}
			seen[id] = struct{}{}
			users = append(users, id)
		}
		self := a.selfID
		req := protocol.CreateGroupReq{Name: &name, Users: users, Admin: &self, IsGroup: true}
		a.createConversation(req)
	})
}

// CreateOneOnOne creates (or surfaces) a two-party conversation.
func (a *Adapter) CreateOneOnOne(userID string) {
	a.loop.Post(func() {
		req := protocol.CreateGroupReq{Users: []string{userID}, IsGroup: false}
		a.createConversation(req)
	})
}

func (a *Adapter) createConversation(req protocol.CreateGroupReq) {
	err := a.mgr.Request(protocol.EventCreateGroup, req, func(data json.RawMessage, err error) {
		if err != nil {
			a.commandFailed("create conversation", err)
			return
		}
		var ack protocol.GroupAck
		if err := protocol.DecodeAck(data, &ack); err != nil {
			a.commandFailed("create conversation", err)
			return
		}
		if !ack.Success || ack.Chat() == nil {
			a.commandFailed("create conversation", errors.New(ack.Error))
			return
		}
		a.list.ApplyNewChat(ack.Chat())
		a.emitChats()
	})
	if err != nil {
		a.commandFailed("create conversation", err)
	}
}

// ---------------------------------------------------------------------------
// Notification commands
// ---------------------------------------------------------------------------

// MarkNotificationRead marks one notification read without removing it.
func (a *Adapter) MarkNotificationRead(id string) {
	a.loop.Post(func() {
		a.queue.MarkAsRead(id)
		a.emitNotifications()
	})
}

// RemoveNotification deletes one notification.
func (a *Adapter) RemoveNotification(id string) {
	a.loop.Post(func() {
		a.queue.Remove(id)
		a.emitNotifications()
	})
}

// ClearNotifications empties the queue.
func (a *Adapter) ClearNotifications() {
	a.loop.Post(func() {
		a.queue.ClearAll()
		a.emitNotifications()
	})
}

// OpenNotification marks the notification read and switches to its
// conversation.
func (a *Adapter) OpenNotification(id string) {
	a.loop.Post(func() {
		var chatID string
		for _, n := range a.queue.Items() {
			if n.ID == id {
				chatID = n.ChatID
				break
			}
		}
		a.queue.MarkAsRead(id)
		a.emitNotifications()
		if chatID != "" && chatID != a.activeChat {
			a.SelectChat(chatID)
		}
	})
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// The snapshot getters block until the run loop services them, so they must
// not be called from inside a Callbacks handler: the handler already runs on
// the loop, and waiting on it from there deadlocks. Handlers receive the
// state they need as arguments.

// Chats returns the current conversation list.
func (a *Adapter) Chats() []chatlist.Chat {
	var out []chatlist.Chat
	a.sync(func() { out = a.list.Chats() })
	return out
}

// Notifications returns the current notification queue.
func (a *Adapter) Notifications() []notify.Notification {
	var out []notify.Notification
	a.sync(func() { out = a.queue.Items() })
	return out
}

// Typists returns who is typing in the active chat.
func (a *Adapter) Typists() map[string]string {
	var out map[string]string
	a.sync(func() { out = a.tracker.Typists() })
	return out
}

// State returns the connection state.
func (a *Adapter) State() connection.State {
	var s connection.State
	a.sync(func() { s = a.mgr.State() })
	return s
}

func (a *Adapter) sync(f func()) {
	done := make(chan struct{})
	a.loop.Post(func() {
		f()
		close(done)
	})
	<-done
}

// ---------------------------------------------------------------------------
// Session wiring (all on the loop)
// ---------------------------------------------------------------------------

func (a *Adapter) initComponents(selfID string) {
	a.selfID = selfID
	a.list = chatlist.New(selfID)
	a.tracker = presence.NewTracker(a.loop, selfID, a.selfName, a.opts.TypingDebounce)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	a.queue = notify.NewQueue(ctx, a.kv, selfID)
	cancel()
}

func (a *Adapter) onState(s connection.State, cerr *connection.Error) {
	if a.cbs.OnState != nil {
		if cerr != nil {
			a.cbs.OnState(s, cerr)
		} else {
			a.cbs.OnState(s, nil)
		}
	}
}

// onJoined runs after every completed handshake: refresh identity, rewire the
// presence sinks and re-register the push subscriptions the teardown dropped.
func (a *Adapter) onJoined(creds store.Credentials) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if name, err := a.kv.Get(ctx, store.KeyUserName); err == nil {
		a.selfName = name
	}
	cancel()

	if creds.UserID != a.selfID {
		a.activeChat = ""
		a.initComponents(creds.UserID)
	}

	a.tracker.SetOutbound(
		func(p protocol.TypingPayload) error {
			return a.mgr.Send(protocol.EventUserTyping, p)
		},
		func(req protocol.StatusUpdateReq) error {
			// Status updates carry no acknowledgement.
			return a.mgr.Send(protocol.EventMessageStatusUpdate, req)
		},
	)
	a.subscribe()
	a.emitNotifications()

	// A session that resumed mid-conversation rejoins the open room.
	if a.activeChat != "" {
		a.joinChatRoom(a.activeChat)
	}
}

func (a *Adapter) onChats(payloads []protocol.ChatPayload) {
	a.list.BulkLoad(payloads)
	for i := range payloads {
		if p := payloads[i].Preview(); p != nil {
			a.tracker.Observe(p)
		}
	}
	a.emitChats()
}

func (a *Adapter) subscribe() {
	a.dispatcher.Subscribe(protocol.PushNewChat, func(data json.RawMessage) {
		var c protocol.ChatPayload
		if err := json.Unmarshal(data, &c); err != nil {
			log.Printf("[binding] bad newChat payload: %v", err)
			return
		}
		a.list.ApplyNewChat(&c)
		a.emitChats()
	})

	a.dispatcher.Subscribe(protocol.PushNewMessage, func(data json.RawMessage) {
		var m protocol.MessagePayload
		if err := json.Unmarshal(data, &m); err != nil {
			log.Printf("[binding] bad newMessage payload: %v", err)
			return
		}
		a.handleMessage(&m)
	})

	a.dispatcher.Subscribe(protocol.PushNewNotification, func(data json.RawMessage) {
		var n protocol.NotificationPayload
		if err := json.Unmarshal(data, &n); err != nil {
			log.Printf("[binding] bad newNotification payload: %v", err)
			return
		}
		a.queue.OnPush(&n)
		a.emitNotifications()
	})

	a.dispatcher.Subscribe(protocol.PushMessageStatusUpdated, func(data json.RawMessage) {
		var u protocol.StatusUpdatePayload
		if err := json.Unmarshal(data, &u); err != nil {
			log.Printf("[binding] bad messageStatusUpdated payload: %v", err)
			return
		}
		a.list.ApplyStatus(&u)
		a.tracker.HandleStatusUpdate(&u)
		a.emitChats()
	})

	a.dispatcher.Subscribe(protocol.PushUserTyping, func(data json.RawMessage) {
		var p protocol.TypingPayload
		if err := json.Unmarshal(data, &p); err != nil {
			log.Printf("[binding] bad userTyping payload: %v", err)
			return
		}
		a.tracker.HandleTyping(&p)
		a.emitTypists()
	})
}

func (a *Adapter) handleMessage(m *protocol.MessagePayload) {
	a.list.ApplyMessage(m)
	a.emitChats()

	senderID, _ := m.From()
	if senderID == a.selfID {
		return
	}
	if m.ChatID() == a.activeChat {
		// Visible immediately, so acknowledge delivery instead of queueing
		// an alert.
		a.tracker.MarkDelivered(m.ChatID(), []protocol.MessagePayload{*m})
		return
	}
	a.tracker.Observe(m)
	a.queue.OnMessage(m, a.activeChat)
	a.emitNotifications()
}

// joinChatRoom requests membership of a chat room. A rejection surfaces
// through OnError; the selection itself stands, matching the server pushes
// the user will simply not receive.
func (a *Adapter) joinChatRoom(chatID string) {
	err := a.mgr.Request(protocol.EventJoinChat, protocol.JoinChatReq{ChatID: chatID}, func(data json.RawMessage, err error) {
		if err != nil {
			a.commandFailed("join chat", err)
			return
		}
		var ack protocol.AckResult
		if err := protocol.DecodeAck(data, &ack); err == nil && !ack.Success {
			a.commandFailed("join chat", errors.New(ack.Error))
		}
	})
	if err != nil {
		a.commandFailed("join chat", err)
	}
}

// fetchBacklog pulls the selected chat's sent-message backlog and reports the
// messages from other senders as delivered.
func (a *Adapter) fetchBacklog(chatID string) {
	req := protocol.FetchSentReq{ChatID: chatID}
	err := a.mgr.Request(protocol.EventFetchSentMessages, req, func(data json.RawMessage, err error) {
		if err != nil {
			log.Printf("[binding] backlog fetch failed: %v", err)
			return
		}
		var ack protocol.SentAck
		if err := protocol.DecodeAck(data, &ack); err != nil {
			log.Printf("[binding] backlog fetch: %v", err)
			return
		}
		if !ack.Success {
			log.Printf("[binding] backlog fetch rejected: %s", ack.Error)
			return
		}
		if chatID != a.activeChat {
			return
		}
		a.tracker.MarkDelivered(chatID, ack.Messages)
	})
	if err != nil {
		log.Printf("[binding] backlog fetch not sent: %v", err)
	}
}

func (a *Adapter) commandFailed(op string, cause error) {
	reason := op
	if cause != nil && cause.Error() != "" {
		reason = op + ": " + cause.Error()
	}
	err := &connection.Error{Kind: connection.KindRequestFailed, Reason: reason}
	log.Printf("[binding] %v", err)
	if a.cbs.OnError != nil {
		a.cbs.OnError(err)
	}
}

func (a *Adapter) emitChats() {
	if a.cbs.OnChats != nil {
		a.cbs.OnChats(a.list.Chats())
	}
}

func (a *Adapter) emitNotifications() {
	if a.cbs.OnNotifications != nil {
		a.cbs.OnNotifications(a.queue.Items())
	}
}

func (a *Adapter) emitTypists() {
	if a.cbs.OnTypists != nil {
		a.cbs.OnTypists(a.tracker.Typists())
	}
}

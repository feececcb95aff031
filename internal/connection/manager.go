// Package connection owns the session lifecycle: loading credentials,
// establishing the transport, driving the authenticate -> joinDashboard
// handshake, scheduling the post-join chat fetch and recovering from
// connection loss. Every continuation runs on the core's run loop and is
// guarded by a session generation counter, so callbacks from a torn-down
// connection can never touch a newer session's state.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/loqui/chat-client/internal/events"
	"github.com/loqui/chat-client/internal/metrics"
	"github.com/loqui/chat-client/internal/protocol"
	"github.com/loqui/chat-client/internal/runloop"
	"github.com/loqui/chat-client/internal/store"
	"github.com/loqui/chat-client/internal/transport"
)

// State is the connection state machine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateJoined
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Default session timings.
const (
	DefaultReconnectDelay    = time.Second
	DefaultReconnectAttempts = 5
	DefaultSettleDelay       = 500 * time.Millisecond
	credentialTimeout        = 5 * time.Second
)

// Config holds the session timing knobs.
type Config struct {
	// ReconnectDelay is the fixed pause before each automatic reconnection
	// attempt.
	ReconnectDelay time.Duration

	// ReconnectAttempts bounds automatic reconnection. Once exhausted only
	// an explicit Reconnect tries again.
	ReconnectAttempts int

	// SettleDelay is the pause between reaching the joined state and the
	// initial getUserChats fetch, giving server-side room registration time
	// to settle.
	SettleDelay time.Duration
}

// DefaultConfig returns the standard session timings.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:    DefaultReconnectDelay,
		ReconnectAttempts: DefaultReconnectAttempts,
		SettleDelay:       DefaultSettleDelay,
	}
}

// Factory builds a fresh transport for each connection attempt. Transports
// are single-use; reconnection always dials a new one.
type Factory func() transport.Transport

// Hooks are the manager's outbound notifications. All hooks are invoked on
// the run loop and may be nil.
type Hooks struct {
	// OnState fires on every state transition. err is non-nil for the
	// transitions caused by a failure.
	OnState func(s State, err *Error)

	// OnJoined fires when the handshake completes, carrying the session
	// credentials.
	OnJoined func(creds store.Credentials)

	// OnChats fires with the conversation list from the post-join fetch and
	// from explicit refreshes.
	OnChats func(chats []protocol.ChatPayload)
}

// Manager drives the connection state machine. All methods must be called on
// the run loop; all continuations are posted back onto it.
type Manager struct {
	loop       *runloop.Loop
	kv         store.KV
	dispatcher *events.Dispatcher
	factory    Factory
	cfg        Config
	hooks      Hooks

	state    State
	gen      uint64 // bumped on every teardown; stale continuations compare against it
	tr       transport.Transport
	creds    store.Credentials
	attempts int

	settle *runloop.Debounce
	retry  *runloop.Debounce
}

// NewManager creates an idle Manager.
func NewManager(loop *runloop.Loop, kv store.KV, dispatcher *events.Dispatcher, factory Factory, cfg Config, hooks Hooks) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	return &Manager{
		loop:       loop,
		kv:         kv,
		dispatcher: dispatcher,
		factory:    factory,
		cfg:        cfg,
		hooks:      hooks,
		settle:     runloop.NewDebounce(loop),
		retry:      runloop.NewDebounce(loop),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.state
}

// Credentials returns the session credential pair. Valid once OnJoined fired.
func (m *Manager) Credentials() store.Credentials {
	return m.creds
}

// Connect starts a session. A live or half-established session is torn down
// first, so there is never more than one transport.
func (m *Manager) Connect() {
	m.teardown()
	m.attempts = 0
	m.connect()
}

// Disconnect tears the session down and returns to idle. Pending timers are
// cancelled, push subscriptions dropped, and any in-flight continuation from
// this session is invalidated. Idempotent.
func (m *Manager) Disconnect() {
	m.teardown()
	m.attempts = 0
	if m.state != StateIdle {
		m.setState(StateIdle, nil)
	}
}

// Reconnect starts a fresh session. It behaves exactly like Connect and is
// the intended way out of the exhausted-reconnects state.
func (m *Manager) Reconnect() {
	m.Connect()
}

// Request issues a request on the live session. The callback fires on the run
// loop, and only if this session is still the current one when the
// acknowledgement arrives.
func (m *Manager) Request(event string, payload interface{}, cb func(data json.RawMessage, err error)) error {
	if m.tr == nil || m.state != StateJoined {
		return newError(KindRequestFailed, "not connected")
	}
	gen := m.gen
	return m.tr.Request(event, payload, func(data json.RawMessage, err error) {
		m.loop.Post(func() {
			if m.gen != gen {
				return
			}
			if cb != nil {
				cb(data, err)
			}
		})
	})
}

// Send issues a fire-and-forget event on the live session.
func (m *Manager) Send(event string, payload interface{}) error {
	if m.tr == nil || m.state != StateJoined {
		return newError(KindRequestFailed, "not connected")
	}
	return m.tr.Send(event, payload)
}

// RefreshChats re-runs the getUserChats fetch on demand.
func (m *Manager) RefreshChats() {
	m.fetchChats()
}

// ---------------------------------------------------------------------------
// Session establishment
// ---------------------------------------------------------------------------

func (m *Manager) connect() {
	m.setState(StateConnecting, nil)

	ctx, cancel := context.WithTimeout(context.Background(), credentialTimeout)
	creds, ok, err := store.LoadCredentials(ctx, m.kv)
	cancel()
	if err != nil {
		m.fail(newError(KindTransportError, "credential store: "+err.Error()))
		return
	}
	if !ok {
		m.fail(newError(KindAuthMissing, "no stored credentials"))
		return
	}
	if creds.TokenExpired(time.Now()) {
		m.fail(newError(KindAuthFailed, "token expired"))
		return
	}
	m.creds = creds

	tr := m.factory()
	gen := m.gen
	tr.SetEventHandler(func(event string, data json.RawMessage) {
		m.loop.Post(func() {
			if m.gen != gen {
				return
			}
			m.dispatcher.Dispatch(event, data)
		})
	})
	tr.SetDisconnectHandler(func(reason string) {
		m.loop.Post(func() {
			if m.gen != gen {
				return
			}
			m.handleDisconnect(reason)
		})
	})
	m.tr = tr

	// The dial blocks, so it runs off-loop and posts its outcome back.
	dialStart := time.Now()
	go func() {
		err := tr.Connect(context.Background())
		m.loop.Post(func() {
			if m.gen != gen {
				tr.Close()
				return
			}
			if err != nil {
				log.Printf("[connection] dial failed: %v", err)
				m.handleDisconnect(err.Error())
				return
			}
			m.setState(StateConnected, nil)
			m.authenticate(gen, dialStart)
		})
	}()
}

func (m *Manager) authenticate(gen uint64, dialStart time.Time) {
	req := protocol.AuthReq{Token: m.creds.Token, UserID: m.creds.UserID}
	err := m.tr.Request(protocol.EventAuthenticate, req, m.ackHandler(gen, func(ack protocol.AckResult, err error) {
		if err != nil {
			// The disconnect handler owns transport failures.
			return
		}
		if !ack.Success {
			reason := ack.Error
			if reason == "" {
				reason = "authentication rejected"
			}
			m.failTerminal(newError(KindAuthFailed, reason))
			return
		}
		m.setState(StateAuthenticated, nil)
		m.joinDashboard(gen, dialStart)
	}))
	if err != nil {
		m.handleDisconnect(err.Error())
	}
}

func (m *Manager) joinDashboard(gen uint64, dialStart time.Time) {
	req := protocol.JoinDashboardReq{UserID: m.creds.UserID}
	err := m.tr.Request(protocol.EventJoinDashboard, req, m.ackHandler(gen, func(ack protocol.AckResult, err error) {
		if err != nil {
			return
		}
		if !ack.Success {
			reason := ack.Error
			if reason == "" {
				reason = "dashboard join rejected"
			}
			m.failTerminal(newError(KindJoinFailed, reason))
			return
		}
		m.joined(gen, dialStart)
	}))
	if err != nil {
		m.handleDisconnect(err.Error())
	}
}

func (m *Manager) joined(gen uint64, dialStart time.Time) {
	if m.attempts > 0 {
		metrics.ReconnectsTotal.WithLabelValues("success").Inc()
	}
	m.attempts = 0
	metrics.HandshakeDuration.Observe(time.Since(dialStart).Seconds())
	m.setState(StateJoined, nil)
	if m.hooks.OnJoined != nil {
		m.hooks.OnJoined(m.creds)
	}
	m.settle.Set(m.cfg.SettleDelay, func() {
		if m.gen != gen {
			return
		}
		m.fetchChats()
	})
}

func (m *Manager) fetchChats() {
	req := protocol.GetChatsReq{UserID: m.creds.UserID}
	err := m.Request(protocol.EventGetUserChats, req, func(data json.RawMessage, err error) {
		if err != nil {
			log.Printf("[connection] chat fetch failed: %v", err)
			return
		}
		var ack protocol.ChatsAck
		if err := protocol.DecodeAck(data, &ack); err != nil {
			log.Printf("[connection] chat fetch: %v", err)
			return
		}
		if !ack.Success {
			log.Printf("[connection] chat fetch rejected: %s", ack.Message)
			return
		}
		if m.hooks.OnChats != nil {
			m.hooks.OnChats(ack.Chats)
		}
	})
	if err != nil {
		log.Printf("[connection] chat fetch not sent: %v", err)
	}
}

// ackHandler wraps a handshake continuation: reposts onto the loop, drops it
// if the session changed, and decodes the generic acknowledgement shape.
func (m *Manager) ackHandler(gen uint64, f func(ack protocol.AckResult, err error)) transport.AckFunc {
	return func(data json.RawMessage, err error) {
		m.loop.Post(func() {
			if m.gen != gen {
				return
			}
			if err != nil {
				f(protocol.AckResult{}, err)
				return
			}
			var ack protocol.AckResult
			if derr := protocol.DecodeAck(data, &ack); derr != nil {
				f(protocol.AckResult{}, nil)
				return
			}
			f(ack, nil)
		})
	}
}

// ---------------------------------------------------------------------------
// Failure handling
// ---------------------------------------------------------------------------

// handleDisconnect reacts to connection loss at any stage: teardown, then
// either schedule the next attempt or give up.
func (m *Manager) handleDisconnect(reason string) {
	log.Printf("[connection] connection lost: %s", reason)
	m.teardown()
	m.setState(StateDisconnected, newError(KindTransportError, reason))

	m.attempts++
	if m.attempts > m.cfg.ReconnectAttempts {
		metrics.ReconnectsTotal.WithLabelValues("exhausted").Inc()
		m.setState(StateError, newError(KindReconnectExhausted, reason))
		return
	}

	metrics.ReconnectsTotal.WithLabelValues("retry").Inc()
	log.Printf("[connection] reconnecting in %s (attempt %d/%d)", m.cfg.ReconnectDelay, m.attempts, m.cfg.ReconnectAttempts)
	gen := m.gen
	m.retry.Set(m.cfg.ReconnectDelay, func() {
		if m.gen != gen {
			return
		}
		m.connect()
	})
}

// fail reports a pre-dial failure. Nothing to tear down, nothing to retry.
func (m *Manager) fail(e *Error) {
	m.tr = nil
	m.setState(StateError, e)
}

// failTerminal reports a handshake rejection. Retrying with the same
// credentials cannot succeed, so the transport is closed and no reconnection
// is scheduled.
func (m *Manager) failTerminal(e *Error) {
	m.teardown()
	m.setState(StateError, e)
}

// teardown invalidates the session: any continuation captured under the old
// generation becomes a no-op.
func (m *Manager) teardown() {
	m.gen++
	m.settle.Stop()
	m.retry.Stop()
	m.dispatcher.Reset()
	if m.tr != nil {
		m.tr.Close()
		m.tr = nil
	}
}

func (m *Manager) setState(s State, err *Error) {
	m.state = s
	metrics.ConnectionState.Set(float64(s))
	if err != nil {
		log.Printf("[connection] state=%s err=%v", s, err)
	} else {
		log.Printf("[connection] state=%s", s)
	}
	if m.hooks.OnState != nil {
		m.hooks.OnState(s, err)
	}
}

// ErrorKind extracts the Kind from an error produced by this package.
func ErrorKind(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

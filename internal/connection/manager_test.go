package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/loqui/chat-client/internal/events"
	"github.com/loqui/chat-client/internal/protocol"
	"github.com/loqui/chat-client/internal/runloop"
	"github.com/loqui/chat-client/internal/store"
	"github.com/loqui/chat-client/internal/transport"
)

// fakeTransport is a scriptable in-memory transport. Unscripted requests are
// acknowledged with {"success":true}.
type fakeTransport struct {
	mu      sync.Mutex
	onEvent transport.EventHandler
	onDisc  transport.DisconnectHandler
	dialErr error
	closed  bool
	events  []string
	scripts map[string]string
}

func (f *fakeTransport) Connect(ctx context.Context) error { return f.dialErr }

func (f *fakeTransport) Request(event string, payload interface{}, ack transport.AckFunc) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return transport.ErrClosed
	}
	f.events = append(f.events, event)
	body, ok := f.scripts[event]
	f.mu.Unlock()
	if !ok {
		body = `{"success":true}`
	}
	if ack != nil {
		ack(json.RawMessage(body), nil)
	}
	return nil
}

func (f *fakeTransport) Send(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeTransport) SetEventHandler(h transport.EventHandler) {
	f.mu.Lock()
	f.onEvent = h
	f.mu.Unlock()
}

func (f *fakeTransport) SetDisconnectHandler(h transport.DisconnectHandler) {
	f.mu.Lock()
	f.onDisc = h
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) requested(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

// drop simulates an unexpected connection loss.
func (f *fakeTransport) drop(reason string) {
	f.mu.Lock()
	h := f.onDisc
	f.mu.Unlock()
	if h != nil {
		h(reason)
	}
}

type harness struct {
	loop       *runloop.Loop
	kv         *store.Memory
	dispatcher *events.Dispatcher
	m          *Manager

	// Mutated on the loop only; tests read them through check().
	transports []*fakeTransport
	states     []State
	errs       []*Error
	chats      [][]protocol.ChatPayload

	nextDialErr error
	scripts     map[string]string
}

func newHarness(t *testing.T, withCreds bool) *harness {
	t.Helper()

	h := &harness{
		loop:       runloop.New(),
		kv:         store.NewMemory(),
		dispatcher: events.New(),
		scripts:    map[string]string{},
	}
	t.Cleanup(h.loop.Stop)

	if withCreds {
		ctx := context.Background()
		h.kv.Set(ctx, store.KeyToken, "opaque-token")
		h.kv.Set(ctx, store.KeyUserID, "me")
	}

	factory := func() transport.Transport {
		f := &fakeTransport{dialErr: h.nextDialErr, scripts: h.scripts}
		h.transports = append(h.transports, f)
		return f
	}
	cfg := Config{
		ReconnectDelay:    5 * time.Millisecond,
		ReconnectAttempts: 2,
		SettleDelay:       5 * time.Millisecond,
	}
	hooks := Hooks{
		OnState: func(s State, err *Error) {
			h.states = append(h.states, s)
			h.errs = append(h.errs, err)
		},
		OnChats: func(chats []protocol.ChatPayload) {
			h.chats = append(h.chats, chats)
		},
	}
	h.m = NewManager(h.loop, h.kv, h.dispatcher, factory, cfg, hooks)
	return h
}

// check evaluates cond on the loop.
func (h *harness) check(cond func() bool) bool {
	var ok bool
	done := make(chan struct{})
	h.loop.Post(func() {
		ok = cond()
		close(done)
	})
	<-done
	return ok
}

func (h *harness) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.check(cond) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) lastErr() *Error {
	for i := len(h.errs) - 1; i >= 0; i-- {
		if h.errs[i] != nil {
			return h.errs[i]
		}
	}
	return nil
}

func expiredJWT(t *testing.T) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

func TestHandshakeReachesJoined(t *testing.T) {
	h := newHarness(t, true)

	h.loop.Post(h.m.Connect)
	h.waitFor(t, "joined", func() bool { return h.m.State() == StateJoined })

	if h.check(func() bool { return len(h.transports) != 1 }) {
		t.Fatalf("expected one transport")
	}
	tr := h.transports[0]
	if tr.requested(protocol.EventAuthenticate) != 1 || tr.requested(protocol.EventJoinDashboard) != 1 {
		t.Errorf("unexpected handshake requests: %v", tr.events)
	}
}

func TestPostJoinFetchFiresOnce(t *testing.T) {
	h := newHarness(t, true)
	h.scripts[protocol.EventGetUserChats] = `{"success":true,"chats":[{"_id":"c1","name":"Team","isGroup":true}]}`

	h.loop.Post(h.m.Connect)
	h.waitFor(t, "chat fetch", func() bool { return len(h.chats) == 1 })

	// Well past the settle delay: still exactly one fetch.
	time.Sleep(30 * time.Millisecond)
	if h.check(func() bool { return len(h.chats) != 1 }) {
		t.Fatalf("chat fetch repeated")
	}
	if got := h.transports[0].requested(protocol.EventGetUserChats); got != 1 {
		t.Errorf("expected 1 getUserChats, got %d", got)
	}
	if h.chats[0][0].ID != "c1" {
		t.Errorf("unexpected chats payload: %+v", h.chats[0])
	}
}

func TestConnectReplacesLiveSession(t *testing.T) {
	h := newHarness(t, true)

	h.loop.Post(h.m.Connect)
	h.waitFor(t, "joined", func() bool { return h.m.State() == StateJoined })

	// Connecting again tears the live session down and dials fresh, with the
	// full handshake.
	h.loop.Post(h.m.Connect)
	h.waitFor(t, "rejoin", func() bool {
		return len(h.transports) == 2 && h.m.State() == StateJoined
	})

	if !h.transports[0].isClosed() {
		t.Error("previous transport left open")
	}
	tr := h.transports[1]
	if tr.isClosed() {
		t.Error("replacement transport closed")
	}
	if tr.requested(protocol.EventAuthenticate) != 1 || tr.requested(protocol.EventJoinDashboard) != 1 {
		t.Errorf("replacement session skipped handshake steps: %v", tr.events)
	}

	// Back-to-back connects still settle on exactly one live transport.
	h.loop.Post(h.m.Connect)
	h.loop.Post(h.m.Connect)
	h.waitFor(t, "settled", func() bool {
		return len(h.transports) == 4 && h.m.State() == StateJoined
	})
	open := 0
	for _, f := range h.transports {
		if !f.isClosed() {
			open++
		}
	}
	if open != 1 {
		t.Errorf("expected exactly one live transport, got %d", open)
	}
}

func TestMissingCredentials(t *testing.T) {
	h := newHarness(t, false)

	h.loop.Post(h.m.Connect)
	h.waitFor(t, "error state", func() bool { return h.m.State() == StateError })

	if h.check(func() bool { return len(h.transports) != 0 }) {
		t.Error("dialed despite missing credentials")
	}
	if e := h.lastErr(); e == nil || e.Kind != KindAuthMissing {
		t.Errorf("expected auth_missing, got %v", e)
	}
}

func TestExpiredTokenFailsBeforeDial(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.kv.Set(ctx, store.KeyToken, expiredJWT(t))
	h.kv.Set(ctx, store.KeyUserID, "me")

	h.loop.Post(h.m.Connect)
	h.waitFor(t, "error state", func() bool { return h.m.State() == StateError })

	if h.check(func() bool { return len(h.transports) != 0 }) {
		t.Error("dialed despite expired token")
	}
	if e := h.lastErr(); e == nil || e.Kind != KindAuthFailed || e.Reason != "token expired" {
		t.Errorf("expected auth_failed token expired, got %v", e)
	}
}

func TestAuthRejectionIsTerminal(t *testing.T) {
	h := newHarness(t, true)
	h.scripts[protocol.EventAuthenticate] = `{"success":false,"error":"bad token"}`

	h.loop.Post(h.m.Connect)
	h.waitFor(t, "error state", func() bool { return h.m.State() == StateError })

	tr := h.transports[0]
	if tr.requested(protocol.EventJoinDashboard) != 0 {
		t.Error("joinDashboard sent after rejected authenticate")
	}
	if e := h.lastErr(); e == nil || e.Kind != KindAuthFailed || e.Reason != "bad token" {
		t.Errorf("expected auth_failed bad token, got %v", e)
	}

	// A rejection must not trigger automatic reconnection.
	time.Sleep(30 * time.Millisecond)
	if h.check(func() bool { return len(h.transports) != 1 }) {
		t.Error("reconnected after credential rejection")
	}
	if !tr.isClosed() {
		t.Error("transport left open")
	}
}

func TestJoinRejection(t *testing.T) {
	h := newHarness(t, true)
	h.scripts[protocol.EventJoinDashboard] = `{"success":false,"error":"no such user"}`

	h.loop.Post(h.m.Connect)
	h.waitFor(t, "error state", func() bool { return h.m.State() == StateError })

	if e := h.lastErr(); e == nil || e.Kind != KindJoinFailed {
		t.Errorf("expected join_failed, got %v", e)
	}
}

func TestDropTriggersFullHandshake(t *testing.T) {
	h := newHarness(t, true)

	h.loop.Post(h.m.Connect)
	h.waitFor(t, "joined", func() bool { return h.m.State() == StateJoined })

	h.transports[0].drop("read error")
	h.waitFor(t, "rejoin", func() bool {
		return len(h.transports) == 2 && h.m.State() == StateJoined
	})

	tr := h.transports[1]
	if tr.requested(protocol.EventAuthenticate) != 1 || tr.requested(protocol.EventJoinDashboard) != 1 {
		t.Errorf("second session skipped handshake steps: %v", tr.events)
	}
}

func TestReconnectExhaustion(t *testing.T) {
	h := newHarness(t, true)
	h.nextDialErr = errors.New("connection refused")

	h.loop.Post(h.m.Connect)
	h.waitFor(t, "exhaustion", func() bool {
		e := h.lastErr()
		return e != nil && e.Kind == KindReconnectExhausted
	})

	// Initial attempt plus ReconnectAttempts retries.
	if h.check(func() bool { return len(h.transports) != 3 }) {
		t.Errorf("expected 3 dial attempts, got %d", len(h.transports))
	}

	// No further attempts without an explicit Reconnect.
	time.Sleep(30 * time.Millisecond)
	if h.check(func() bool { return len(h.transports) != 3 }) {
		t.Error("kept dialing after exhaustion")
	}

	// Manual Reconnect starts over and succeeds once the network is back.
	h.loop.Post(func() {
		h.nextDialErr = nil
		h.m.Reconnect()
	})
	h.waitFor(t, "recovery", func() bool { return h.m.State() == StateJoined })
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t, true)

	h.loop.Post(h.m.Connect)
	h.waitFor(t, "joined", func() bool { return h.m.State() == StateJoined })

	h.loop.Post(h.m.Disconnect)
	h.loop.Post(h.m.Disconnect)
	h.loop.Sync()

	if h.m.State() != StateIdle {
		t.Fatalf("expected idle, got %v", h.m.State())
	}
	if !h.transports[0].isClosed() {
		t.Error("transport left open")
	}

	// No reconnection after a deliberate teardown.
	time.Sleep(30 * time.Millisecond)
	if h.check(func() bool { return len(h.transports) != 1 }) {
		t.Error("reconnected after explicit disconnect")
	}
}

func TestRequestRequiresSession(t *testing.T) {
	h := newHarness(t, true)

	var err error
	done := make(chan struct{})
	h.loop.Post(func() {
		err = h.m.Request(protocol.EventNewMessage, nil, nil)
		close(done)
	})
	<-done

	kind, ok := ErrorKind(err)
	if !ok || kind != KindRequestFailed {
		t.Fatalf("expected request_failed, got %v", err)
	}
}

func TestStaleEventsDroppedAfterDisconnect(t *testing.T) {
	h := newHarness(t, true)

	var got int
	h.loop.Post(func() {
		h.dispatcher.Subscribe(protocol.PushNewMessage, func(json.RawMessage) { got++ })
		h.m.Connect()
	})
	h.waitFor(t, "joined", func() bool { return h.m.State() == StateJoined })

	tr := h.transports[0]
	h.loop.Post(h.m.Disconnect)
	h.loop.Sync()

	// Events from the torn-down transport must not reach handlers.
	tr.mu.Lock()
	handler := tr.onEvent
	tr.mu.Unlock()
	handler(protocol.PushNewMessage, json.RawMessage(`{}`))
	h.loop.Sync()

	if got != 0 {
		t.Fatalf("stale event delivered %d times", got)
	}
}

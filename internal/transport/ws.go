package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/loqui/chat-client/internal/protocol"
)

// WSConfig holds websocket transport settings.
type WSConfig struct {
	URL               string        // ws:// or wss:// endpoint
	DialTimeout       time.Duration // max time to establish the connection
	HeartbeatInterval time.Duration // protocol-level ping cadence; 0 disables
}

// DefaultWSConfig returns sensible defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		URL:               "ws://localhost:8080/ws",
		DialTimeout:       10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// WS is the websocket Transport implementation. A write mutex serializes
// outbound frames; a background goroutine reads frames and dispatches
// acknowledgements and push events.
type WS struct {
	cfg  WSConfig
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]AckFunc

	onEvent      EventHandler
	onDisconnect DisconnectHandler

	done      chan struct{}
	closeOnce sync.Once
}

// NewWS creates an unconnected websocket transport.
func NewWS(cfg WSConfig) *WS {
	return &WS{
		cfg:     cfg,
		pending: make(map[uint64]AckFunc),
		done:    make(chan struct{}),
	}
}

// SetEventHandler implements Transport.
func (t *WS) SetEventHandler(h EventHandler) { t.onEvent = h }

// SetDisconnectHandler implements Transport.
func (t *WS) SetDisconnectHandler(h DisconnectHandler) { t.onDisconnect = h }

// Connect dials the backend and starts the read and heartbeat loops.
func (t *WS) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	conn, _, _, err := ws.Dial(dialCtx, t.cfg.URL)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", t.cfg.URL, err)
	}
	t.conn = conn

	go t.readLoop()
	if t.cfg.HeartbeatInterval > 0 {
		go t.heartbeatLoop()
	}
	return nil
}

// Request implements Transport. The request id is allocated here and echoed
// back by the backend on the acknowledgement envelope.
func (t *WS) Request(event string, payload interface{}, ack AckFunc) error {
	if t.conn == nil {
		return fmt.Errorf("transport: request %q before connect", event)
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.pending[id] = ack
	t.mu.Unlock()

	data, err := protocol.NewRequest(event, id, payload)
	if err != nil {
		t.dropPending(id)
		return err
	}
	if err := t.write(data); err != nil {
		t.dropPending(id)
		return fmt.Errorf("transport: write %q: %w", event, err)
	}
	return nil
}

// Send implements Transport.
func (t *WS) Send(event string, payload interface{}) error {
	if t.conn == nil {
		return fmt.Errorf("transport: send %q before connect", event)
	}
	data, err := protocol.NewRequest(event, 0, payload)
	if err != nil {
		return err
	}
	if err := t.write(data); err != nil {
		return fmt.Errorf("transport: write %q: %w", event, err)
	}
	return nil
}

// Close implements Transport. Pending acknowledgements fail with ErrClosed.
func (t *WS) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.conn != nil {
			err = t.conn.Close()
		}
		t.failPending(ErrClosed)
	})
	return err
}

// write sends one text frame. The write mutex ensures concurrent goroutines
// do not interleave frame bytes.
func (t *WS) write(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return wsutil.WriteClientMessage(t.conn, ws.OpText, data)
}

// readLoop reads frames until the connection closes, dispatching
// acknowledgements to their pending callbacks and everything else to the
// push-event handler.
func (t *WS) readLoop() {
	for {
		select {
		case <-t.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(t.conn)
		if err != nil {
			select {
			case <-t.done:
				// Locally closed; not a disconnect.
				return
			default:
			}
			t.failPending(ErrClosed)
			if t.onDisconnect != nil {
				t.onDisconnect(err.Error())
			}
			return
		}

		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			log.Printf("[transport] dropping malformed frame: %v", err)
			continue
		}

		if env.Event == protocol.EventAck {
			t.mu.Lock()
			ack, ok := t.pending[env.ID]
			delete(t.pending, env.ID)
			t.mu.Unlock()
			if !ok {
				log.Printf("[transport] ack for unknown request id=%d", env.ID)
				continue
			}
			if ack != nil {
				ack(env.Data, nil)
			}
			continue
		}

		if t.onEvent != nil {
			t.onEvent(env.Event, env.Data)
		}
	}
}

// heartbeatLoop sends protocol-level ping frames so idle NAT and proxy
// timeouts do not kill the connection between pushes.
func (t *WS) heartbeatLoop() {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := wsutil.WriteClientMessage(t.conn, ws.OpPing, nil)
			t.writeMu.Unlock()
			if err != nil {
				log.Printf("[transport] heartbeat ping failed: %v", err)
				return
			}
		}
	}
}

// dropPending removes a pending callback without invoking it (used when the
// request never made it onto the wire).
func (t *WS) dropPending(id uint64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// failPending delivers err to every outstanding acknowledgement callback.
func (t *WS) failPending(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint64]AckFunc)
	t.mu.Unlock()

	for _, ack := range pending {
		if ack != nil {
			ack(nil, err)
		}
	}
}

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject layout. Requests are addressed by event name and answered via
// request/reply; pushes fan out on a per-user subject tree.
const (
	SubjectRequestPrefix = "chat.req."  // + <event>
	SubjectPushPrefix    = "chat.push." // + <user_id>.<event>
)

// NATSConfig holds NATS transport settings.
type NATSConfig struct {
	URL            string        // nats://localhost:4222
	Name           string        // client name for identification
	UserID         string        // push subject scope
	RequestTimeout time.Duration // per-request acknowledgement deadline
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            "nats://localhost:4222",
		Name:           "chat-client",
		RequestTimeout: 10 * time.Second,
	}
}

// NATS is the message-bus Transport implementation, for embedding the sync
// core beside backend services that already speak NATS. The envelope is
// implicit: the event name travels in the subject, so payloads go on the
// wire bare.
type NATS struct {
	cfg NATSConfig
	nc  *nats.Conn
	sub *nats.Subscription

	onEvent      EventHandler
	onDisconnect DisconnectHandler

	done      chan struct{}
	closeOnce sync.Once
}

// NewNATS creates an unconnected NATS transport.
func NewNATS(cfg NATSConfig) *NATS {
	return &NATS{cfg: cfg, done: make(chan struct{})}
}

// SetEventHandler implements Transport.
func (t *NATS) SetEventHandler(h EventHandler) { t.onEvent = h }

// SetDisconnectHandler implements Transport.
func (t *NATS) SetDisconnectHandler(h DisconnectHandler) { t.onDisconnect = h }

// Connect establishes the NATS connection and subscribes to this user's push
// subjects. Bus-level reconnection is disabled: the connection manager owns
// retry policy so that every attempt re-runs the full handshake.
func (t *NATS) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(t.cfg.Name),
		nats.MaxReconnects(0),
		nats.ClosedHandler(func(nc *nats.Conn) {
			select {
			case <-t.done:
				return
			default:
			}
			reason := "connection closed"
			if err := nc.LastError(); err != nil {
				reason = err.Error()
			}
			if t.onDisconnect != nil {
				t.onDisconnect(reason)
			}
		}),
	}

	nc, err := nats.Connect(t.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("transport: nats connect: %w", err)
	}
	t.nc = nc

	subject := SubjectPushPrefix + t.cfg.UserID + ".>"
	prefixLen := len(SubjectPushPrefix + t.cfg.UserID + ".")
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		if len(msg.Subject) <= prefixLen {
			return
		}
		event := msg.Subject[prefixLen:]
		if t.onEvent != nil {
			t.onEvent(event, json.RawMessage(msg.Data))
		}
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("transport: nats subscribe %s: %w", subject, err)
	}
	t.sub = sub

	log.Printf("[transport] nats connected to %s", nc.ConnectedUrl())
	return nil
}

// Request implements Transport via NATS request/reply. The blocking round
// trip runs on its own goroutine and the callback fires when it settles.
func (t *NATS) Request(event string, payload interface{}, ack AckFunc) error {
	if t.nc == nil {
		return fmt.Errorf("transport: request %q before connect", event)
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal %q payload: %w", event, err)
	}

	go func() {
		msg, err := t.nc.Request(SubjectRequestPrefix+event, data, t.cfg.RequestTimeout)
		select {
		case <-t.done:
			if ack != nil {
				ack(nil, ErrClosed)
			}
			return
		default:
		}
		if ack == nil {
			return
		}
		if err != nil {
			ack(nil, fmt.Errorf("transport: request %q: %w", event, err))
			return
		}
		ack(json.RawMessage(msg.Data), nil)
	}()
	return nil
}

// Send implements Transport.
func (t *NATS) Send(event string, payload interface{}) error {
	if t.nc == nil {
		return fmt.Errorf("transport: send %q before connect", event)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal %q payload: %w", event, err)
	}
	return t.nc.Publish(SubjectRequestPrefix+event, data)
}

// Close drains the push subscription and closes the connection. Idempotent.
func (t *NATS) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.sub != nil {
			if err := t.sub.Drain(); err != nil {
				log.Printf("[transport] nats drain: %v", err)
			}
		}
		if t.nc != nil {
			t.nc.Close()
		}
	})
	return nil
}

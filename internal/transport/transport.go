// Package transport abstracts the persistent bidirectional event channel to
// the chat backend. A transport carries request/acknowledgement exchanges and
// unsolicited push events over one live connection. Two implementations are
// provided: a websocket client (the default) and a NATS client for deployments
// that embed the sync core next to backend services.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned for requests issued on a closed transport and is the
// error delivered to acknowledgement callbacks still pending when the
// connection drops.
var ErrClosed = errors.New("transport: connection closed")

// AckFunc receives a request's acknowledgement payload. Exactly one of data
// and err is meaningful. AckFuncs are invoked from the transport's read
// goroutine; callers repost onto their own run loop.
type AckFunc func(data json.RawMessage, err error)

// EventHandler receives unsolicited push events.
type EventHandler func(event string, data json.RawMessage)

// DisconnectHandler is invoked at most once per connection when the transport
// drops for any reason other than a local Close.
type DisconnectHandler func(reason string)

// Transport is one live connection to the backend. Handlers must be set
// before Connect; a Transport is not reusable after Close.
type Transport interface {
	// Connect establishes the connection and starts delivering events.
	Connect(ctx context.Context) error

	// Request sends an event that expects an acknowledgement. The ack
	// callback fires exactly once, with ErrClosed if the connection dies
	// first.
	Request(event string, payload interface{}, ack AckFunc) error

	// Send sends a fire-and-forget event.
	Send(event string, payload interface{}) error

	// SetEventHandler registers the push-event sink.
	SetEventHandler(h EventHandler)

	// SetDisconnectHandler registers the connection-loss sink.
	SetDisconnectHandler(h DisconnectHandler)

	// Close tears the connection down. Idempotent; suppresses the
	// disconnect handler for this teardown.
	Close() error
}

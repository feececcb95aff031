package events

import (
	"encoding/json"
	"testing"
)

func TestDispatchDeliversOncePerHandler(t *testing.T) {
	d := New()

	var a, b int
	d.Subscribe("newMessage", func(json.RawMessage) { a++ })
	d.Subscribe("newMessage", func(json.RawMessage) { b++ })

	d.Dispatch("newMessage", nil)

	if a != 1 || b != 1 {
		t.Fatalf("expected one delivery each, got a=%d b=%d", a, b)
	}
}

func TestDispatchUnknownEvent(t *testing.T) {
	d := New()
	// No handlers registered; must not panic.
	d.Dispatch("newChat", json.RawMessage(`{}`))
}

func TestNoBufferingForLateSubscribers(t *testing.T) {
	d := New()

	d.Dispatch("newChat", nil)

	called := false
	d.Subscribe("newChat", func(json.RawMessage) { called = true })
	if called {
		t.Fatal("handler saw an event dispatched before registration")
	}
}

func TestUnsubscribe(t *testing.T) {
	d := New()

	var n int
	id := d.Subscribe("userTyping", func(json.RawMessage) { n++ })
	d.Dispatch("userTyping", nil)
	d.Unsubscribe("userTyping", id)
	d.Dispatch("userTyping", nil)

	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}

	// Unknown token is a no-op.
	d.Unsubscribe("userTyping", 999)
}

func TestReset(t *testing.T) {
	d := New()

	var n int
	d.Subscribe("newMessage", func(json.RawMessage) { n++ })
	d.Reset()
	d.Dispatch("newMessage", nil)

	if n != 0 {
		t.Fatalf("expected no deliveries after reset, got %d", n)
	}
}

func TestPayloadPassthrough(t *testing.T) {
	d := New()

	var got string
	d.Subscribe("newMessage", func(data json.RawMessage) { got = string(data) })
	d.Dispatch("newMessage", json.RawMessage(`{"x":1}`))

	if got != `{"x":1}` {
		t.Fatalf("payload mangled: %s", got)
	}
}

package presence

import (
	"testing"
	"time"

	"github.com/loqui/chat-client/internal/protocol"
	"github.com/loqui/chat-client/internal/runloop"
)

// collect gathers emitted typing and status events for assertions. The
// tracker runs on the loop, so tests post their calls and Sync before
// inspecting.
type collect struct {
	typing []protocol.TypingPayload
	status []protocol.StatusUpdateReq
}

func newTestTracker(t *testing.T, delay time.Duration) (*runloop.Loop, *Tracker, *collect) {
	t.Helper()
	l := runloop.New()
	t.Cleanup(l.Stop)

	c := &collect{}
	tr := NewTracker(l, "me", "Me", delay)
	tr.SetOutbound(
		func(p protocol.TypingPayload) error {
			c.typing = append(c.typing, p)
			return nil
		},
		func(r protocol.StatusUpdateReq) error {
			c.status = append(c.status, r)
			return nil
		},
	)
	return l, tr, c
}

func run(l *runloop.Loop, f func()) {
	l.Post(f)
	l.Sync()
}

func TestTypingStartAndDebouncedStop(t *testing.T) {
	l, tr, c := newTestTracker(t, 20*time.Millisecond)

	run(l, func() {
		tr.SetActiveChat("c1")
		tr.InputChanged()
		tr.InputChanged()
	})

	if len(c.typing) != 1 || !c.typing[0].IsTyping {
		t.Fatalf("expected one started-typing signal, got %+v", c.typing)
	}

	time.Sleep(80 * time.Millisecond)
	l.Sync()

	if len(c.typing) != 2 {
		t.Fatalf("expected stopped-typing signal, got %+v", c.typing)
	}
	stop := c.typing[1]
	if stop.IsTyping || stop.ChatID != "c1" || stop.UserID != "me" {
		t.Errorf("unexpected stop signal: %+v", stop)
	}
}

func TestTypingDebounceRestarts(t *testing.T) {
	l, tr, c := newTestTracker(t, 50*time.Millisecond)

	run(l, func() {
		tr.SetActiveChat("c1")
		tr.InputChanged()
	})
	time.Sleep(30 * time.Millisecond)
	run(l, func() { tr.InputChanged() })
	time.Sleep(30 * time.Millisecond)
	l.Sync()

	// 60ms elapsed but the second input restarted the 50ms timer.
	if len(c.typing) != 1 {
		t.Fatalf("stop fired despite restart: %+v", c.typing)
	}

	time.Sleep(60 * time.Millisecond)
	l.Sync()
	if len(c.typing) != 2 {
		t.Fatalf("expected stop after restarted debounce, got %+v", c.typing)
	}
}

func TestInboundTypingSelfFiltered(t *testing.T) {
	l, tr, _ := newTestTracker(t, 0)

	run(l, func() {
		tr.SetActiveChat("c1")
		tr.HandleTyping(&protocol.TypingPayload{UserID: "me", UserName: "Me", IsTyping: true})
		tr.HandleTyping(&protocol.TypingPayload{UserID: "u1", UserName: "Ava", IsTyping: true})
		tr.HandleTyping(&protocol.TypingPayload{UserID: "u2", IsTyping: true})
	})

	var typists map[string]string
	run(l, func() { typists = tr.Typists() })

	if len(typists) != 2 {
		t.Fatalf("expected 2 typists, got %v", typists)
	}
	if typists["u1"] != "Ava" {
		t.Errorf("expected Ava, got %q", typists["u1"])
	}
	if typists["u2"] != "Someone" {
		t.Errorf("expected name fallback, got %q", typists["u2"])
	}
}

func TestInboundTypingClearsOnStop(t *testing.T) {
	l, tr, _ := newTestTracker(t, 0)

	run(l, func() {
		tr.SetActiveChat("c1")
		tr.HandleTyping(&protocol.TypingPayload{UserID: "u1", UserName: "Ava", IsTyping: true})
		tr.HandleTyping(&protocol.TypingPayload{UserID: "u1", IsTyping: false})
	})

	var typists map[string]string
	run(l, func() { typists = tr.Typists() })
	if len(typists) != 0 {
		t.Fatalf("expected empty typists, got %v", typists)
	}
}

func TestSwitchingChatResetsTypists(t *testing.T) {
	l, tr, c := newTestTracker(t, time.Minute)

	run(l, func() {
		tr.SetActiveChat("c1")
		tr.HandleTyping(&protocol.TypingPayload{UserID: "u1", UserName: "Ava", IsTyping: true})
		tr.InputChanged()
		tr.SetActiveChat("c2")
	})

	var typists map[string]string
	run(l, func() { typists = tr.Typists() })
	if len(typists) != 0 {
		t.Fatalf("typists leaked across chats: %v", typists)
	}

	// Leaving mid-typing flushes a stop for the previous chat.
	if len(c.typing) != 2 {
		t.Fatalf("expected start+flushed stop, got %+v", c.typing)
	}
	if c.typing[1].IsTyping || c.typing[1].ChatID != "c1" {
		t.Errorf("unexpected flush signal: %+v", c.typing[1])
	}
}

func TestMarkReadIfVisible(t *testing.T) {
	l, tr, c := newTestTracker(t, 0)

	run(l, func() {
		tr.Observe(&protocol.MessagePayload{ID: "m1", SenderID: "them", Chat: protocol.ChatRef{ID: "c1"}})
		tr.Observe(&protocol.MessagePayload{ID: "m2", SenderID: "me", Chat: protocol.ChatRef{ID: "c1"}})

		// Too far from the bottom: nothing happens.
		tr.MarkReadIfVisible("c1", ReadThresholdPx+1)
	})
	if len(c.status) != 0 {
		t.Fatalf("expected no updates above threshold, got %+v", c.status)
	}

	run(l, func() { tr.MarkReadIfVisible("c1", 40) })
	if len(c.status) != 1 {
		t.Fatalf("expected one read update, got %+v", c.status)
	}
	if c.status[0].MessageID != "m1" || c.status[0].StatusName != protocol.StatusRead {
		t.Errorf("unexpected update: %+v", c.status[0])
	}

	// Re-entering the chat must not re-emit.
	run(l, func() { tr.MarkReadIfVisible("c1", 0) })
	if len(c.status) != 1 {
		t.Fatalf("read update re-emitted: %+v", c.status)
	}
}

func TestMarkDeliveredSkipsOwnMessages(t *testing.T) {
	l, tr, c := newTestTracker(t, 0)

	msgs := []protocol.MessagePayload{
		{ID: "m1", SenderID: "them", Chat: protocol.ChatRef{ID: "c1"}},
		{ID: "m2", SenderID: "me", Chat: protocol.ChatRef{ID: "c1"}},
	}
	run(l, func() { tr.MarkDelivered("c1", msgs) })

	if len(c.status) != 1 {
		t.Fatalf("expected one delivered update, got %+v", c.status)
	}
	if c.status[0].MessageID != "m1" || c.status[0].StatusName != protocol.StatusDelivered {
		t.Errorf("unexpected update: %+v", c.status[0])
	}
}

func TestDeliveredAfterReadStaysRead(t *testing.T) {
	l, tr, _ := newTestTracker(t, 0)

	var applied bool
	run(l, func() {
		tr.Observe(&protocol.MessagePayload{ID: "m1", SenderID: "them", Chat: protocol.ChatRef{ID: "c1"}})
		tr.HandleStatusUpdate(&protocol.StatusUpdatePayload{MessageID: "m1", ChatID: "c1", Status: protocol.StatusRead})
		applied = tr.HandleStatusUpdate(&protocol.StatusUpdatePayload{MessageID: "m1", ChatID: "c1", Status: protocol.StatusDelivered})
	})

	if applied {
		t.Fatal("regression was applied")
	}
	var status string
	run(l, func() { status = tr.Log().Get("c1")[0].Status })
	if status != protocol.StatusRead {
		t.Errorf("expected read, got %q", status)
	}
}

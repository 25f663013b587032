package events

import (
	"context"
	"log/slog"
	"testing"
)

func TestBusRingRetainsRecent(t *testing.T) {
	b := NewBus(3)
	for _, key := range []string{"a", "b", "c", "d"} {
		b.Publish(Event{Type: EventCooldown, IdentityKey: key, Message: "cooling"})
	}

	recent := b.Recent()
	if len(recent) != 3 {
		t.Fatalf("recent = %d, want 3", len(recent))
	}
	if recent[0].IdentityKey != "b" || recent[2].IdentityKey != "d" {
		t.Fatalf("ring order = %v", recent)
	}
}

func TestBusSubscribeReceivesAndDrops(t *testing.T) {
	b := NewBus(10)
	id, ch, _ := b.Subscribe()
	defer b.Unsubscribe(id)

	b.Publish(Event{Type: EventAccountSwitch, Message: "switch"})
	got := <-ch
	if got.Type != EventAccountSwitch {
		t.Fatalf("got %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Fatal("timestamp not stamped")
	}

	// Overflow the subscriber buffer; publishing must not block.
	for i := 0; i < 200; i++ {
		b.Publish(Event{Type: EventRequest, Message: "req"})
	}
}

func TestLogHandlerRetainsAttrs(t *testing.T) {
	h := NewLogHandler(slog.LevelDebug, 10)
	logger := slog.New(h).With("identityKey", "k1").WithGroup("relay")

	logger.Info("attempt finished", "status", 200)

	recent := h.Recent()
	if len(recent) != 1 {
		t.Fatalf("lines = %d", len(recent))
	}
	line := recent[0]
	if line.Message != "attempt finished" || line.Level != "INFO" {
		t.Fatalf("line = %+v", line)
	}
	if line.Attrs["relay.status"] != int64(200) {
		t.Fatalf("grouped attr = %v", line.Attrs)
	}
	// Attrs bound before the group share its prefix, matching the text
	// handler's rendering.
	if line.Attrs["relay.identityKey"] != "k1" {
		t.Fatalf("with attr = %v", line.Attrs)
	}
}

func TestLogHandlerLevelGate(t *testing.T) {
	h := NewLogHandler(slog.LevelWarn, 10)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info should be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("error should pass")
	}
}

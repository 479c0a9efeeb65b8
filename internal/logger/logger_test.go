package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"tachyon-dl/internal/events"
)

func TestConsoleHandler_ColorsAndFormatsMessage(t *testing.T) {
	var buf bytes.Buffer
	h := NewConsoleHandler(&buf)

	l := slog.New(h)
	l.Info("download started")

	out := buf.String()
	require.Contains(t, out, "download started")
	require.Contains(t, out, Green)
	require.Contains(t, out, Reset)
}

func TestEventHandler_ForwardsErrorsOnly(t *testing.T) {
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	h := NewEventHandler(bus)
	l := slog.New(h)

	l.Info("ignored")
	l.Error("chunk fetch failed", "host", "example.com")

	ev := <-ch
	require.Equal(t, events.ErrorNotification, ev.Name)
	require.Equal(t, "chunk fetch failed", ev.Payload["message"])

	select {
	case extra := <-ch:
		t.Fatalf("expected no second event, got %+v", extra)
	default:
	}
}

func TestEventHandler_NilPublisherIsSafe(t *testing.T) {
	h := NewEventHandler(nil)
	l := slog.New(h)
	l.Error("should not panic")
}

func TestEventHandler_SetPublisherSwapsTarget(t *testing.T) {
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	h := NewEventHandler(nil)
	l := slog.New(h)
	l.Error("before publisher attached")

	h.SetPublisher(bus)
	l.Error("after publisher attached")

	ev := <-ch
	require.Equal(t, "after publisher attached", ev.Payload["message"])
}

func TestFanoutHandler_DispatchesToAllHandlers(t *testing.T) {
	var consoleBuf bytes.Buffer
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	fh := &FanoutHandler{handlers: []slog.Handler{
		NewConsoleHandler(&consoleBuf),
		NewEventHandler(bus),
	}}
	l := slog.New(fh)
	l.Error("disk allocation failed")

	require.Contains(t, consoleBuf.String(), "disk allocation failed")
	ev := <-ch
	require.Equal(t, "disk allocation failed", ev.Payload["message"])
}

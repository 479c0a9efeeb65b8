// Package logger builds the engine's structured logger: a JSON file sink,
// a colored console sink, and a sink that forwards error-level records out
// through an events.Publisher so a UI or ops surface can react to them,
// fanned out behind a single slog.Handler per spec.md's ambient logging
// stack.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tachyon-dl/internal/events"
)

// ANSI color codes
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Purple = "\033[35m"
	Cyan   = "\033[36m"
	Gray   = "\033[37m"
)

// ConsoleHandler writes level-colored, human-readable lines to out.
type ConsoleHandler struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleHandler(out io.Writer) *ConsoleHandler {
	return &ConsoleHandler{out: out}
}

func (h *ConsoleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *ConsoleHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	levelColor := Reset
	switch r.Level {
	case slog.LevelDebug:
		levelColor = Gray
	case slog.LevelInfo:
		levelColor = Green
	case slog.LevelWarn:
		levelColor = Yellow
	case slog.LevelError:
		levelColor = Red
	}

	timeStr := r.Time.Format(time.TimeOnly)
	msg := fmt.Sprintf("%s%s%s [%s] %s\n", levelColor, r.Level.String()[:4], Reset, timeStr, r.Message)

	_, err := h.out.Write([]byte(msg))
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	return h
}

// EventHandler forwards slog.LevelError-and-above records to a Publisher
// as an ErrorNotification event, so operators watching the event stream
// learn about failures without tailing the log file.
type EventHandler struct {
	mu        sync.Mutex
	publisher events.Publisher
}

// NewEventHandler creates a handler publishing through p. A nil p is
// valid and simply drops every record.
func NewEventHandler(p events.Publisher) *EventHandler {
	return &EventHandler{publisher: p}
}

// SetPublisher swaps the target publisher, e.g. once the event bus is
// constructed after the logger itself.
func (h *EventHandler) SetPublisher(p events.Publisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publisher = p
}

func (h *EventHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelError
}

func (h *EventHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < slog.LevelError {
		return nil
	}

	h.mu.Lock()
	p := h.publisher
	h.mu.Unlock()
	if p == nil {
		return nil
	}

	data := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})

	p.Publish(events.Event{
		Name: events.ErrorNotification,
		Payload: map[string]any{
			"level":   r.Level.String(),
			"message": r.Message,
			"time":    r.Time.Format(time.RFC3339),
			"data":    data,
		},
	})

	return nil
}

func (h *EventHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *EventHandler) WithGroup(name string) slog.Handler {
	return h
}

// New builds a logger fanning out to a JSON file under the user's config
// directory, a colored console writer, and an EventHandler the caller can
// later point at the live event bus via SetPublisher.
func New(consoleOutput io.Writer) (*slog.Logger, *EventHandler, error) {
	appData, err := os.UserConfigDir()
	if err != nil {
		return nil, nil, err
	}
	logDir := filepath.Join(appData, "tachyon-dl", "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(filepath.Join(logDir, "app.json"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}

	jsonHandler := slog.NewJSONHandler(f, nil)
	consoleHandler := NewConsoleHandler(consoleOutput)
	eventHandler := NewEventHandler(nil)

	handler := &FanoutHandler{
		handlers: []slog.Handler{jsonHandler, consoleHandler, eventHandler},
	}

	return slog.New(handler), eventHandler, nil
}

// FanoutHandler dispatches every record to each of its handlers in turn,
// ignoring individual handler errors so one sink's failure never silences
// the others.
type FanoutHandler struct {
	handlers []slog.Handler
}

func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		_ = handler.Handle(ctx, r)
	}
	return nil
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithAttrs(attrs)
	}
	return &FanoutHandler{handlers: newHandlers}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithGroup(name)
	}
	return &FanoutHandler{handlers: newHandlers}
}

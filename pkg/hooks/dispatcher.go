package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
)

// Hook consumes events.
type Hook interface {
	// OnEvent is called for each matching event. Errors are logged and
	// never stop delivery to other hooks.
	OnEvent(ctx context.Context, e Event) error

	// EventTypes returns the types the hook handles; empty means all.
	EventTypes() []EventType
}

// HookFunc adapts a function to a Hook receiving every event.
type HookFunc func(ctx context.Context, e Event) error

func (f HookFunc) OnEvent(ctx context.Context, e Event) error { return f(ctx, e) }
func (f HookFunc) EventTypes() []EventType                    { return nil }

// Config configures a Dispatcher.
type Config struct {
	// Async delivers each event to each hook on its own goroutine.
	Async  bool
	Logger *slog.Logger
}

// Dispatcher fans events out to registered hooks. Safe for concurrent use.
type Dispatcher struct {
	mu     sync.RWMutex
	hooks  []Hook
	async  bool
	logger *slog.Logger
	wg     sync.WaitGroup
	closed bool
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	return &Dispatcher{async: cfg.Async, logger: orDefault(cfg.Logger)}
}

// Register adds hooks.
func (d *Dispatcher) Register(hs ...Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, hs...)
}

// Dispatch delivers e to every hook that handles its type. A nil
// dispatcher drops events.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event) {
	if d == nil {
		return
	}
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return
	}
	hooks := slices.Clone(d.hooks)
	if d.async {
		d.wg.Add(len(hooks))
	}
	d.mu.RUnlock()

	for _, h := range hooks {
		if !handles(h, e.Type) {
			if d.async {
				d.wg.Done()
			}
			continue
		}
		if d.async {
			go func(h Hook) {
				defer d.wg.Done()
				d.deliver(ctx, h, e)
			}(h)
			continue
		}
		d.deliver(ctx, h, e)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, h Hook, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("hook panicked", slog.String("event", string(e.Type)), slog.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := h.OnEvent(ctx, e); err != nil {
		d.logger.Warn("hook failed", slog.String("event", string(e.Type)), slog.String("error", err.Error()))
	}
}

func handles(h Hook, t EventType) bool {
	types := h.EventTypes()
	return len(types) == 0 || slices.Contains(types, t)
}

// Close waits for in-flight async deliveries and closes hooks that
// implement io.Closer.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	hooks := d.hooks
	d.mu.Unlock()

	d.wg.Wait()
	var first error
	for _, h := range hooks {
		if c, ok := h.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

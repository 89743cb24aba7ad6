package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/spindle/internal/observe"
	"github.com/MrWong99/spindle/internal/wire"
)

// HandlerFunc handles one incoming RPC. It decodes its own params and
// returns the success payload. A returned error reaches the caller as
// {error:true, message:<err.Error()>}, so user-facing handlers should return
// errors whose text is safe to show.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Dispatcher routes incoming requests by method name. The table is static in
// practice (populated before the session starts) but registration is
// lock-protected so tests can build dispatchers concurrently.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a method name, replacing any previous binding.
func (d *Dispatcher) Register(name string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// Dispatch runs the handler for name and returns the reply payload. It never
// panics: unknown names, handler errors and handler panics all collapse into
// the uniform error reply.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, params json.RawMessage) (result any) {
	d.mu.RLock()
	h, ok := d.handlers[name]
	d.mu.RUnlock()

	if !ok {
		slog.Warn("rpc: unknown method", "name", name)
		return wire.Err("Invalid method name")
	}

	ctx, span := observe.StartSpan(ctx, "rpc "+name)
	defer span.End()

	start := time.Now()
	status := "ok"
	defer func() {
		if r := recover(); r != nil {
			slog.Error("rpc: handler panicked", "name", name, "panic", r)
			status = "panic"
			result = wire.Err(fmt.Sprintf("%v", r))
		}
		observe.DefaultMetrics().RecordRPCRequest(ctx, name, status, time.Since(start).Seconds())
	}()

	res, err := h(ctx, params)
	if err != nil {
		status = "error"
		return wire.Err(err.Error())
	}
	return res
}

// Package gateway is the unifying ingress/egress bus between transport
// adapters and the orchestration pipeline.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cursorbot/cursorbot/internal/bus"
	"github.com/cursorbot/cursorbot/internal/errs"
)

// Adapter is the per-transport contract.
type Adapter interface {
	// Transport returns the tag the adapter registers under.
	Transport() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Send delivers one outgoing message; false means refused or failed.
	Send(ctx context.Context, msg bus.OutgoingMessage) bool
	// GetUser resolves a platform sender to its directory entry, nil
	// when unknown.
	GetUser(ctx context.Context, id string) *bus.CanonicalUser
}

// Middleware may transform a message or drop it by returning nil.
type Middleware func(ctx context.Context, msg *bus.UnifiedMessage) *bus.UnifiedMessage

// Handler consumes a message after middleware. Errors are counted and
// logged; they never abort other handlers.
type Handler func(ctx context.Context, msg *bus.UnifiedMessage) error

// Gateway owns the adapter registry and the middleware/handler chain.
type Gateway struct {
	mu         sync.RWMutex
	adapters   map[string]*adapterState
	middleware []Middleware
	handlers   []Handler

	shuttingDown atomic.Bool
	handlerErrs  atomic.Int64
	received     atomic.Int64
	dropped      atomic.Int64
}

type adapterState struct {
	adapter Adapter
	up      bool
}

// New builds an empty gateway.
func New() *Gateway {
	return &Gateway{adapters: make(map[string]*adapterState)}
}

// Register adds an adapter under its transport tag. Registering a tag
// twice replaces the previous adapter.
func (g *Gateway) Register(a Adapter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adapters[a.Transport()] = &adapterState{adapter: a}
}

// Use appends a middleware. Order of registration is order of
// execution.
func (g *Gateway) Use(m Middleware) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.middleware = append(g.middleware, m)
}

// Handle appends a message handler.
func (g *Gateway) Handle(h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers = append(g.handlers, h)
}

// Start starts every adapter. Individual failures are isolated: the
// adapter is marked down and the gateway keeps running.
func (g *Gateway) Start(ctx context.Context) {
	g.mu.Lock()
	states := make([]*adapterState, 0, len(g.adapters))
	for _, st := range g.adapters {
		states = append(states, st)
	}
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, st := range states {
		wg.Add(1)
		go func(st *adapterState) {
			defer wg.Done()
			if err := st.adapter.Start(ctx); err != nil {
				slog.Error("gateway: adapter start failed", "transport", st.adapter.Transport(), "error", errs.Redact(err.Error()))
				return
			}
			g.mu.Lock()
			st.up = true
			g.mu.Unlock()
			slog.Info("gateway: adapter started", "transport", st.adapter.Transport())
		}(st)
	}
	wg.Wait()
}

// Stop stops every running adapter.
func (g *Gateway) Stop(ctx context.Context) {
	g.shuttingDown.Store(true)
	g.mu.Lock()
	states := make([]*adapterState, 0, len(g.adapters))
	for _, st := range g.adapters {
		states = append(states, st)
	}
	g.mu.Unlock()

	for _, st := range states {
		if !st.up {
			continue
		}
		if err := st.adapter.Stop(ctx); err != nil {
			slog.Warn("gateway: adapter stop failed", "transport", st.adapter.Transport(), "error", err)
		}
		g.mu.Lock()
		st.up = false
		g.mu.Unlock()
	}
}

// Receive is the ingress entry point adapters call. The message runs
// the middleware chain, then fans out to every handler with per-
// handler error isolation.
func (g *Gateway) Receive(ctx context.Context, msg *bus.UnifiedMessage) {
	if msg == nil {
		return
	}
	g.received.Add(1)

	g.mu.RLock()
	mws := g.middleware
	handlers := g.handlers
	g.mu.RUnlock()

	for _, mw := range mws {
		msg = mw(ctx, msg)
		if msg == nil {
			g.dropped.Add(1)
			return
		}
	}

	for _, h := range handlers {
		if err := g.callHandler(ctx, h, msg); err != nil {
			g.handlerErrs.Add(1)
			slog.Error("gateway: handler error", "transport", msg.Transport, "error", errs.Redact(err.Error()))
		}
	}
}

func (g *Gateway) callHandler(ctx context.Context, h Handler, msg *bus.UnifiedMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New(errs.CodeInternal, "handler panicked")
		}
	}()
	return h(ctx, msg)
}

// Send delivers an outgoing message. An empty Transport fans out to
// every running adapter. During shutdown new sends fail Unavailable.
func (g *Gateway) Send(ctx context.Context, msg bus.OutgoingMessage) bus.DispatchResult {
	var res bus.DispatchResult
	if g.shuttingDown.Load() {
		res.Failed = append(res.Failed, bus.SendFailure{Transport: msg.Transport, Reason: errs.Unavailable("gateway shutting down").Error()})
		return res
	}

	g.mu.RLock()
	targets := make([]*adapterState, 0, len(g.adapters))
	if msg.Transport != "" {
		if st, ok := g.adapters[msg.Transport]; ok {
			targets = append(targets, st)
		}
	} else {
		for _, st := range g.adapters {
			targets = append(targets, st)
		}
	}
	g.mu.RUnlock()

	if len(targets) == 0 {
		res.Failed = append(res.Failed, bus.SendFailure{Transport: msg.Transport, Reason: "no adapter registered"})
		return res
	}

	for _, st := range targets {
		tag := st.adapter.Transport()
		if !st.up {
			res.Failed = append(res.Failed, bus.SendFailure{Transport: tag, Reason: "adapter down"})
			continue
		}
		if st.adapter.Send(ctx, msg) {
			res.Success = append(res.Success, tag)
		} else {
			res.Failed = append(res.Failed, bus.SendFailure{Transport: tag, Reason: "send refused"})
		}
	}
	return res
}

// Broadcast sends content to every adapter.
func (g *Gateway) Broadcast(ctx context.Context, content string) bus.DispatchResult {
	return g.Send(ctx, bus.OutgoingMessage{Content: content, Kind: bus.KindText})
}

// GetUser asks one transport's adapter for a directory entry.
func (g *Gateway) GetUser(ctx context.Context, transport, id string) *bus.CanonicalUser {
	g.mu.RLock()
	st, ok := g.adapters[transport]
	g.mu.RUnlock()
	if !ok {
		return nil
	}
	return st.adapter.GetUser(ctx, id)
}

// AdapterUp reports whether a transport's adapter started.
func (g *Gateway) AdapterUp(transport string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st, ok := g.adapters[transport]
	return ok && st.up
}

// Transports lists registered transport tags.
func (g *Gateway) Transports() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.adapters))
	for tag := range g.adapters {
		out = append(out, tag)
	}
	return out
}

// Stats reports ingress counters for the health detail endpoint.
func (g *Gateway) Stats() (received, dropped, handlerErrors int64) {
	return g.received.Load(), g.dropped.Load(), g.handlerErrs.Load()
}

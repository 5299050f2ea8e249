package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cursorbot/cursorbot/internal/bus"
)

// fakeAdapter is a scriptable in-memory adapter.
type fakeAdapter struct {
	tag      string
	startErr error
	sendOK   bool

	mu    sync.Mutex
	sent  []bus.OutgoingMessage
}

func (f *fakeAdapter) Transport() string                  { return f.tag }
func (f *fakeAdapter) Start(ctx context.Context) error    { return f.startErr }
func (f *fakeAdapter) Stop(ctx context.Context) error     { return nil }
func (f *fakeAdapter) GetUser(ctx context.Context, id string) *bus.CanonicalUser {
	return &bus.CanonicalUser{ID: id, Transport: f.tag}
}
func (f *fakeAdapter) Send(ctx context.Context, msg bus.OutgoingMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendOK {
		f.sent = append(f.sent, msg)
	}
	return f.sendOK
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestStartIsolatesAdapterFailures(t *testing.T) {
	g := New()
	good := &fakeAdapter{tag: "telegram", sendOK: true}
	bad := &fakeAdapter{tag: "discord", startErr: errors.New("bad token")}
	g.Register(good)
	g.Register(bad)
	g.Start(context.Background())

	if !g.AdapterUp("telegram") {
		t.Error("good adapter not up")
	}
	if g.AdapterUp("discord") {
		t.Error("failed adapter marked up")
	}
}

func TestMiddlewareTransformAndDrop(t *testing.T) {
	g := New()
	var got []string
	g.Use(func(ctx context.Context, m *bus.UnifiedMessage) *bus.UnifiedMessage {
		m.Content = "[" + m.Content + "]"
		return m
	})
	g.Use(func(ctx context.Context, m *bus.UnifiedMessage) *bus.UnifiedMessage {
		if m.Content == "[drop]" {
			return nil
		}
		return m
	})
	g.Handle(func(ctx context.Context, m *bus.UnifiedMessage) error {
		got = append(got, m.Content)
		return nil
	})

	g.Receive(context.Background(), &bus.UnifiedMessage{Content: "keep"})
	g.Receive(context.Background(), &bus.UnifiedMessage{Content: "drop"})

	if len(got) != 1 || got[0] != "[keep]" {
		t.Errorf("handled = %v", got)
	}
	if _, dropped, _ := g.Stats(); dropped != 1 {
		t.Errorf("dropped = %d", dropped)
	}
}

func TestHandlerErrorsIsolated(t *testing.T) {
	g := New()
	var order []string
	g.Handle(func(ctx context.Context, m *bus.UnifiedMessage) error {
		order = append(order, "first")
		return errors.New("boom")
	})
	g.Handle(func(ctx context.Context, m *bus.UnifiedMessage) error {
		order = append(order, "second")
		return nil
	})
	g.Receive(context.Background(), &bus.UnifiedMessage{Content: "x"})

	if len(order) != 2 {
		t.Fatalf("order = %v, second handler skipped", order)
	}
	if _, _, errCount := g.Stats(); errCount != 1 {
		t.Errorf("handler errors = %d", errCount)
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	g := New()
	ran := false
	g.Handle(func(ctx context.Context, m *bus.UnifiedMessage) error { panic("bad") })
	g.Handle(func(ctx context.Context, m *bus.UnifiedMessage) error { ran = true; return nil })
	g.Receive(context.Background(), &bus.UnifiedMessage{Content: "x"})
	if !ran {
		t.Error("panic aborted remaining handlers")
	}
}

func TestSendTargetedAndFanout(t *testing.T) {
	g := New()
	tg := &fakeAdapter{tag: "telegram", sendOK: true}
	dc := &fakeAdapter{tag: "discord", sendOK: false}
	g.Register(tg)
	g.Register(dc)
	g.Start(context.Background())

	res := g.Send(context.Background(), bus.OutgoingMessage{Transport: "telegram", ChatID: "c", Content: "hi"})
	if !res.OK() || len(res.Success) != 1 {
		t.Errorf("targeted send = %+v", res)
	}

	res = g.Send(context.Background(), bus.OutgoingMessage{ChatID: "c", Content: "fan"})
	if len(res.Success) != 1 || len(res.Failed) != 1 {
		t.Errorf("fanout = %+v", res)
	}
	if tg.sentCount() != 2 {
		t.Errorf("telegram sends = %d", tg.sentCount())
	}
}

func TestSendUnknownTransport(t *testing.T) {
	g := New()
	res := g.Send(context.Background(), bus.OutgoingMessage{Transport: "nope", Content: "x"})
	if res.OK() {
		t.Error("send to unknown transport succeeded")
	}
}

func TestShutdownRefusesNewSends(t *testing.T) {
	g := New()
	tg := &fakeAdapter{tag: "telegram", sendOK: true}
	g.Register(tg)
	g.Start(context.Background())
	g.Stop(context.Background())

	res := g.Send(context.Background(), bus.OutgoingMessage{Transport: "telegram", Content: "late"})
	if res.OK() {
		t.Error("send accepted during shutdown")
	}
	if len(res.Failed) != 1 {
		t.Fatalf("failed = %+v", res)
	}
}

func TestGetUserRouting(t *testing.T) {
	g := New()
	g.Register(&fakeAdapter{tag: "telegram"})
	u := g.GetUser(context.Background(), "telegram", "42")
	if u == nil || u.Transport != "telegram" {
		t.Errorf("user = %+v", u)
	}
	if g.GetUser(context.Background(), "nope", "42") != nil {
		t.Error("unknown transport returned a user")
	}
}

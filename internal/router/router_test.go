package router

import (
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/cursorbot/cursorbot/internal/bus"
)

func TestDisabledChannelBlocks(t *testing.T) {
	r := New("default")
	if err := r.SetChannel(&ChannelConfig{ChatID: "c1", Enabled: false}); err != nil {
		t.Fatal(err)
	}
	dec := r.Route("c1", bus.ChatGroup, "hi", "")
	if !dec.Blocked {
		t.Error("disabled channel did not block")
	}
}

func TestCommandDenyBeatsAllow(t *testing.T) {
	r := New("default")
	if err := r.SetChannel(&ChannelConfig{
		ChatID:        "c1",
		Enabled:       true,
		AllowCommands: map[string]bool{"/echo": true},
		DenyCommands:  map[string]bool{"/echo": true},
	}); err != nil {
		t.Fatal(err)
	}
	if dec := r.Route("c1", bus.ChatGroup, "/echo hi", "/echo"); !dec.Blocked {
		t.Error("deny set did not win over allow set")
	}
}

func TestAllowSetNonMembershipBlocks(t *testing.T) {
	r := New("default")
	if err := r.SetChannel(&ChannelConfig{
		ChatID:        "c1",
		Enabled:       true,
		AllowCommands: map[string]bool{"/status": true},
	}); err != nil {
		t.Fatal(err)
	}
	if dec := r.Route("c1", bus.ChatGroup, "/echo hi", "/echo"); !dec.Blocked {
		t.Error("command outside allow set passed")
	}
	if dec := r.Route("c1", bus.ChatGroup, "/status", "/status"); dec.Blocked {
		t.Error("allowed command blocked")
	}
	// Plain text is not subject to command sets.
	if dec := r.Route("c1", bus.ChatGroup, "hello", ""); dec.Blocked {
		t.Error("plain text blocked by command sets")
	}
}

func TestPriorityOrderAndEarlyBlock(t *testing.T) {
	r := New("default")
	r.AddRule(&Rule{
		Name:        "upcase",
		Priority:    10,
		TextPattern: regexp.MustCompile(`^/echo`),
		Transform: func(text string) (string, error) {
			return strings.ReplaceAll(text, "hello", "HELLO"), nil
		},
	})
	r.AddRule(&Rule{
		Name:        "gate",
		Priority:    5,
		TextPattern: regexp.MustCompile(`^/echo`),
		Block:       true,
	})

	dec := r.Route("c1", bus.ChatGroup, "/echo hello", "/echo")
	// Priority 10 transforms first; priority 5 then blocks.
	if !dec.Blocked {
		t.Fatal("lower-priority block rule did not fire")
	}
	if dec.BlockReason != "rule gate" {
		t.Errorf("reason = %q", dec.BlockReason)
	}
}

func TestEqualPriorityInsertionOrder(t *testing.T) {
	r := New("default")
	var order []string
	mk := func(name string) *Rule {
		return &Rule{
			Name:     name,
			Priority: 7,
			Transform: func(text string) (string, error) {
				order = append(order, name)
				return text, nil
			},
		}
	}
	r.AddRule(mk("first"))
	r.AddRule(mk("second"))
	r.Route("c1", bus.ChatDM, "x", "")
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v", order)
	}
}

func TestLastAgentWinsAndChannelFallback(t *testing.T) {
	r := New("default")
	r.AddRule(&Rule{Name: "a", Priority: 10, TargetAgent: "alpha"})
	r.AddRule(&Rule{Name: "b", Priority: 5, TargetAgent: "beta"})
	dec := r.Route("c1", bus.ChatDM, "x", "")
	if dec.TargetAgent != "beta" {
		t.Errorf("agent = %q, want beta (last writer)", dec.TargetAgent)
	}

	r2 := New("default")
	if err := r2.SetChannel(&ChannelConfig{ChatID: "c2", Enabled: true, AssignedAgent: "channel-agent"}); err != nil {
		t.Fatal(err)
	}
	if dec := r2.Route("c2", bus.ChatDM, "x", ""); dec.TargetAgent != "channel-agent" {
		t.Errorf("agent = %q, want channel-agent", dec.TargetAgent)
	}
	if dec := r2.Route("c3", bus.ChatDM, "x", ""); dec.TargetAgent != "default" {
		t.Errorf("agent = %q, want default", dec.TargetAgent)
	}
}

func TestTransformFailureSkipsRuleKeepsPrior(t *testing.T) {
	r := New("default")
	r.AddRule(&Rule{
		Name:     "good",
		Priority: 10,
		Transform: func(text string) (string, error) {
			return text + "!", nil
		},
	})
	r.AddRule(&Rule{
		Name:     "bad",
		Priority: 9,
		Transform: func(text string) (string, error) {
			return "", errors.New("boom")
		},
		TargetAgent: "bad-agent",
	})
	dec := r.Route("c1", bus.ChatDM, "hi", "")
	if dec.Blocked {
		t.Fatal("blocked")
	}
	if dec.TransformedText != "hi!" {
		t.Errorf("text = %q, want prior transform retained", dec.TransformedText)
	}
	// Agent override from the failing rule was applied before the
	// transform raised; partial state is retained.
	if dec.TargetAgent != "bad-agent" {
		t.Errorf("agent = %q", dec.TargetAgent)
	}
}

func TestForwardDedupePreservesOrder(t *testing.T) {
	r := New("default")
	r.AddRule(&Rule{Name: "f1", Priority: 10, Forwards: []string{"x", "y"}})
	r.AddRule(&Rule{Name: "f2", Priority: 5, Forwards: []string{"y", "z"}})
	if err := r.SetChannel(&ChannelConfig{ChatID: "c1", Enabled: true, ForwardTo: []string{"z", "w"}}); err != nil {
		t.Fatal(err)
	}
	dec := r.Route("c1", bus.ChatDM, "x", "")
	want := []string{"x", "y", "z", "w"}
	if len(dec.Forwards) != len(want) {
		t.Fatalf("forwards = %v", dec.Forwards)
	}
	for i := range want {
		if dec.Forwards[i] != want[i] {
			t.Fatalf("forwards = %v, want %v", dec.Forwards, want)
		}
	}
}

func TestForwardingGlobalToggle(t *testing.T) {
	r := New("default")
	if err := r.SetChannel(&ChannelConfig{ChatID: "c1", Enabled: true, ForwardTo: []string{"z"}}); err != nil {
		t.Fatal(err)
	}
	r.SetForwarding(false)
	if dec := r.Route("c1", bus.ChatDM, "x", ""); len(dec.Forwards) != 0 {
		t.Errorf("forwards with forwarding off = %v", dec.Forwards)
	}
}

func TestMessageFilter(t *testing.T) {
	r := New("default")
	if err := r.SetChannel(&ChannelConfig{ChatID: "c1", Enabled: true, MessageFilter: `(?i)bot`}); err != nil {
		t.Fatal(err)
	}
	if dec := r.Route("c1", bus.ChatGroup, "hey Bot, hi", ""); dec.Blocked {
		t.Error("matching text blocked")
	}
	if dec := r.Route("c1", bus.ChatGroup, "unrelated", ""); !dec.Blocked {
		t.Error("non-matching text passed filter")
	}
}

func TestForwardDelegation(t *testing.T) {
	r := New("default")
	var got []string
	r.RegisterSendHandler("a", func(chatID, text string) error {
		got = append(got, chatID+":"+text)
		return nil
	})
	r.RegisterSendHandler("b", func(chatID, text string) error {
		return errors.New("down")
	})
	res := r.Forward("hello", []string{"a", "b", "c"}, "src")
	if len(res.Success) != 1 || res.Success[0] != "a" {
		t.Errorf("success = %v", res.Success)
	}
	if len(res.Failed) != 2 {
		t.Errorf("failed = %v", res.Failed)
	}
	if len(got) != 1 || !strings.Contains(got[0], "[from src]") {
		t.Errorf("delivered = %v", got)
	}
}

func TestChannelActivityCounters(t *testing.T) {
	r := New("default")
	r.Route("c1", bus.ChatDM, "one", "")
	r.Route("c1", bus.ChatDM, "two", "")
	cc := r.Channel("c1")
	if cc.MessageCount != 2 {
		t.Errorf("message_count = %d", cc.MessageCount)
	}
	if cc.LastActivity.IsZero() {
		t.Error("last_activity not set")
	}
}

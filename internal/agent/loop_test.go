package agent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nugget/ember-agent/internal/convo"
	"github.com/nugget/ember-agent/internal/energy"
	"github.com/nugget/ember-agent/internal/gateway"
	"github.com/nugget/ember-agent/internal/llm"
)

const reqID = "3c6047a8-9e5f-4f9a-8f25-0d1c2a4b5e6f"

// scriptedGateway replays canned results and records invocations.
type scriptedGateway struct {
	mu      sync.Mutex
	results []gateway.Result
	calls   int
	urgents []bool
	panics  int
}

func (g *scriptedGateway) Invoke(ctx context.Context, msgs []llm.Message, tools []map[string]any, urgent bool) gateway.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.urgents = append(g.urgents, urgent)
	if g.panics > 0 {
		g.panics--
		panic("scripted gateway failure")
	}
	if len(g.results) > 0 {
		res := g.results[0]
		g.results = g.results[1:]
		return res
	}
	return gateway.Result{ModelTier: "small"}
}

func (g *scriptedGateway) EstimatedCost() float64 { return 3 }

func (g *scriptedGateway) invocations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func newLoopHarness(t *testing.T, gw Gateway) (*Loop, *convo.Store, *energy.Regulator) {
	t.Helper()
	store, err := convo.Open(filepath.Join(t.TempDir(), "ember.db"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	reg := energy.New(nil)
	l, err := New(Config{}, Deps{
		Store:   store,
		Energy:  reg,
		Gateway: gw,
	})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return l, store, reg
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReviewWindow(t *testing.T) {
	tests := []struct {
		pct  int
		want int
	}{
		{0, 1},
		{50, 11}, // 1 + 19*0.5 = 10.5 rounds to 11
		{100, 20},
		{5, 2},
	}
	for _, tt := range tests {
		if got := reviewWindow(tt.pct); got != tt.want {
			t.Errorf("reviewWindow(%d) = %d, want %d", tt.pct, got, tt.want)
		}
	}
}

func TestLoopAnswersPendingMessage(t *testing.T) {
	gw := &scriptedGateway{results: []gateway.Result{{
		ModelTier:      "small",
		EnergyConsumed: 2,
		ToolCalls: []llm.ToolCall{{
			Name:      "respond",
			Arguments: map[string]any{"requestId": reqID, "content": "hello back"},
		}},
	}}}
	l, store, reg := newLoopHarness(t, gw)

	if err := store.UpsertRequest(reqID, "hello", nil); err != nil {
		t.Fatal(err)
	}
	l.Start(context.Background())
	defer l.Stop()
	l.EnqueueMessage(reqID)

	waitFor(t, func() bool {
		conv, err := store.Get(reqID)
		return err == nil && len(conv.Responses) == 1
	}, "response to appear")

	conv, _ := store.Get(reqID)
	if conv.Responses[0].Content != "hello back" || conv.Responses[0].ModelUsed != "small" {
		t.Errorf("response = %+v", conv.Responses[0])
	}
	// The gateway's cost lands on the conversation and the regulator.
	if conv.TotalEnergyConsumed < 2 {
		t.Errorf("TotalEnergyConsumed = %v, want >= 2", conv.TotalEnergyConsumed)
	}
	if reg.Current() >= energy.Max {
		t.Errorf("regulator level = %v, expected a debit", reg.Current())
	}
}

func TestLoopParsesJSONContentFallback(t *testing.T) {
	gw := &scriptedGateway{results: []gateway.Result{{
		ModelTier:      "small",
		EnergyConsumed: 1,
		Content:        `{"name": "respond", "arguments": {"requestId": "` + reqID + `", "content": "parsed"}}`,
	}}}
	l, store, _ := newLoopHarness(t, gw)

	store.UpsertRequest(reqID, "hi", nil)
	l.Start(context.Background())
	defer l.Stop()

	waitFor(t, func() bool {
		conv, err := store.Get(reqID)
		return err == nil && len(conv.Responses) == 1
	}, "fallback-parsed response")

	conv, _ := store.Get(reqID)
	if conv.Responses[0].Content != "parsed" {
		t.Errorf("response = %+v", conv.Responses[0])
	}
}

func TestLoopTreatsPlainContentAsThought(t *testing.T) {
	gw := &scriptedGateway{results: []gateway.Result{{
		ModelTier:      "small",
		EnergyConsumed: 1,
		Content:        "I wonder what they meant by that.",
	}}}
	l, store, _ := newLoopHarness(t, gw)

	store.UpsertRequest(reqID, "ambiguous", nil)
	l.Start(context.Background())

	// A second invocation starting means the first iteration fully
	// executed its reply.
	waitFor(t, func() bool { return gw.invocations() >= 2 }, "second iteration")
	l.Stop()

	if !l.focusedBuf.Has() {
		t.Error("plain content should land in the focused buffer")
	}
	// No response was appended; the conversation stays pending.
	conv, _ := store.Get(reqID)
	if len(conv.Responses) != 0 {
		t.Errorf("responses = %+v", conv.Responses)
	}
}

func TestLoopRecoversFromPanic(t *testing.T) {
	gw := &scriptedGateway{
		panics: 1,
		results: []gateway.Result{{
			ModelTier: "small",
			ToolCalls: []llm.ToolCall{{
				Name:      "respond",
				Arguments: map[string]any{"requestId": reqID, "content": "recovered"},
			}},
		}},
	}
	l, store, _ := newLoopHarness(t, gw)

	store.UpsertRequest(reqID, "hi", nil)
	l.Start(context.Background())
	defer l.Stop()

	waitFor(t, func() bool {
		conv, err := store.Get(reqID)
		return err == nil && len(conv.Responses) == 1
	}, "response after panic recovery")
}

func TestLoopDurationEndsRun(t *testing.T) {
	gw := &scriptedGateway{}
	store, err := convo.Open(filepath.Join(t.TempDir(), "ember.db"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	l, err := New(Config{Duration: 50 * time.Millisecond}, Deps{
		Store:   store,
		Energy:  energy.New(nil),
		Gateway: gw,
	})
	if err != nil {
		t.Fatal(err)
	}
	l.Start(context.Background())

	select {
	case <-l.done:
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not stop at duration")
	}
}

func TestIdleLoopMakesNoModelCalls(t *testing.T) {
	gw := &scriptedGateway{}
	l, _, _ := newLoopHarness(t, gw)

	l.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	l.Stop()

	if n := gw.invocations(); n != 0 {
		t.Errorf("gateway called %d times with an empty store", n)
	}
}

func TestFocusOnTriggersTargetedIteration(t *testing.T) {
	gw := &scriptedGateway{results: []gateway.Result{
		// First iteration answers normally.
		{
			ModelTier: "small",
			ToolCalls: []llm.ToolCall{{
				Name:      "respond",
				Arguments: map[string]any{"requestId": reqID, "content": "done"},
			}},
		},
		// The focused revisit appends a follow-up.
		{
			ModelTier: "small",
			ToolCalls: []llm.ToolCall{{
				Name:      "respond",
				Arguments: map[string]any{"requestId": reqID, "content": "follow-up"},
			}},
		},
	}}
	l, store, _ := newLoopHarness(t, gw)

	store.UpsertRequest(reqID, "hi", nil)
	l.Start(context.Background())
	defer l.Stop()

	waitFor(t, func() bool {
		conv, err := store.Get(reqID)
		return err == nil && len(conv.Responses) >= 1
	}, "first response")

	l.FocusOn(reqID)
	waitFor(t, func() bool {
		conv, err := store.Get(reqID)
		return err == nil && len(conv.Responses) >= 2
	}, "focused follow-up")
}

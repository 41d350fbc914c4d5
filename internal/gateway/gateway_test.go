package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nugget/ember-agent/internal/events"
	"github.com/nugget/ember-agent/internal/llm"
)

var testTiers = []Tier{
	{MinEnergy: 70, Name: "large", Model: "qwen2.5:32b", NominalCost: 15},
	{MinEnergy: 0, Name: "small", Model: "llama3.2:3b", NominalCost: 3},
	{MinEnergy: 30, Name: "medium", Model: "qwen2.5:14b", NominalCost: 8},
}

type fixedLevel float64

func (f fixedLevel) Current() float64 { return float64(f) }

// fakeClient scripts Chat outcomes per call.
type fakeClient struct {
	responses []*llm.ChatResponse
	errs      []error
	calls     int
	lastModel string
	lastOpts  *llm.ChatOptions
	lastMsgs  []llm.Message
}

func (f *fakeClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, opts *llm.ChatOptions) (*llm.ChatResponse, error) {
	i := f.calls
	f.calls++
	f.lastModel = model
	f.lastOpts = opts
	f.lastMsgs = messages
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "ok"}}, nil
}

func (f *fakeClient) Ping(context.Context) error { return nil }

func instantClock() (func() time.Time, func(context.Context, time.Duration) bool, *[]time.Duration) {
	now := time.Now()
	var slept []time.Duration
	return func() time.Time { return now },
		func(_ context.Context, d time.Duration) bool {
			slept = append(slept, d)
			return true
		},
		&slept
}

func newTestGateway(t *testing.T, client llm.Client, level float64, opts ...Option) *Gateway {
	t.Helper()
	now, sleep, _ := instantClock()
	opts = append(opts, withClock(now, sleep))
	g, err := New(client, testTiers, fixedLevel(level), nil, opts...)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return g
}

func TestNewRequiresTiers(t *testing.T) {
	if _, err := New(&fakeClient{}, nil, fixedLevel(50), nil); err == nil {
		t.Fatal("expected error for empty tier table")
	}
}

func TestSelectTier(t *testing.T) {
	g := newTestGateway(t, &fakeClient{}, 100)
	tests := []struct {
		level float64
		want  string
	}{
		{100, "large"},
		{70, "large"},
		{69.9, "medium"},
		{30, "medium"},
		{29, "small"},
		{0, "small"},
		{-40, "small"}, // fallback to cheapest below every threshold
	}
	for _, tt := range tests {
		if got := g.SelectTier(tt.level).Name; got != tt.want {
			t.Errorf("SelectTier(%v) = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestInvokeUsesTierModel(t *testing.T) {
	fc := &fakeClient{}
	g := newTestGateway(t, fc, 85)
	res := g.Invoke(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil, false)
	if res.ModelTier != "large" {
		t.Errorf("tier = %q, want large", res.ModelTier)
	}
	if fc.lastModel != "qwen2.5:32b" {
		t.Errorf("model = %q", fc.lastModel)
	}
	if res.Content != "ok" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestInvokeEnergyIsNominalMinusElapsed(t *testing.T) {
	base := time.Now()
	calls := 0
	now := func() time.Time {
		// First call stamps start, second stamps completion 2s later.
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(2 * time.Second)
	}
	g, err := New(&fakeClient{}, testTiers, fixedLevel(10), nil,
		withClock(now, func(context.Context, time.Duration) bool { return true }))
	if err != nil {
		t.Fatal(err)
	}
	res := g.Invoke(context.Background(), nil, nil, false)
	// small tier: 3 nominal - 2s elapsed = 1
	if res.EnergyConsumed != 1 {
		t.Errorf("EnergyConsumed = %v, want 1", res.EnergyConsumed)
	}
}

func TestInvokeNegativeEnergyPreserved(t *testing.T) {
	base := time.Now()
	calls := 0
	now := func() time.Time {
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(5 * time.Second)
	}
	g, _ := New(&fakeClient{}, testTiers, fixedLevel(10), nil,
		withClock(now, func(context.Context, time.Duration) bool { return true }))
	res := g.Invoke(context.Background(), nil, nil, false)
	// 3 nominal - 5s elapsed = -2; preserved, not clamped here.
	if res.EnergyConsumed != -2 {
		t.Errorf("EnergyConsumed = %v, want -2", res.EnergyConsumed)
	}
}

func TestInvokeRetriesThenSucceeds(t *testing.T) {
	fc := &fakeClient{
		errs: []error{errors.New("dial tcp: refused"), errors.New("dial tcp: refused")},
		responses: []*llm.ChatResponse{nil, nil,
			{Message: llm.Message{Content: "recovered"}}},
	}
	now, sleep, slept := instantClock()
	g, _ := New(fc, testTiers, fixedLevel(10), nil, withClock(now, sleep))

	res := g.Invoke(context.Background(), nil, nil, false)
	if res.Content != "recovered" {
		t.Errorf("content = %q", res.Content)
	}
	if fc.calls != 3 {
		t.Errorf("calls = %d, want 3", fc.calls)
	}
	// Backoff doubles: 2s then 4s.
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*slept) != 2 || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Errorf("backoff = %v, want %v", *slept, want)
	}
}

func TestInvokeFallbackOnExhaustion(t *testing.T) {
	fc := &fakeClient{errs: []error{
		errors.New("down"), errors.New("down"), errors.New("down"), errors.New("down"),
	}}
	g := newTestGateway(t, fc, 10)

	res := g.Invoke(context.Background(), nil, nil, false)
	if res.Content != FallbackContent {
		t.Errorf("content = %q, want fallback", res.Content)
	}
	// Full nominal charge, no wall-time credit.
	if res.EnergyConsumed != 3 {
		t.Errorf("EnergyConsumed = %v, want 3", res.EnergyConsumed)
	}
	if fc.calls != 4 {
		t.Errorf("calls = %d, want 1 initial + 3 retries", fc.calls)
	}
}

func TestInvokeUrgentSwapsSystemAndTightensOptions(t *testing.T) {
	fc := &fakeClient{}
	g := newTestGateway(t, fc, 90, WithUrgentSystemPrompt("ACT NOW"))

	msgs := []llm.Message{
		{Role: "system", Content: "calm prompt"},
		{Role: "user", Content: "hi"},
	}
	g.Invoke(context.Background(), msgs, nil, true)

	if fc.lastMsgs[0].Content != "ACT NOW" {
		t.Errorf("system = %q, want urgent variant", fc.lastMsgs[0].Content)
	}
	if msgs[0].Content != "calm prompt" {
		t.Error("caller's message slice mutated")
	}
	if fc.lastOpts.MaxTokens != urgentMaxTokens || fc.lastOpts.Temperature != urgentTemperature {
		t.Errorf("opts = %+v", fc.lastOpts)
	}
}

func TestInvokePublishesModelSwitched(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	now, sleep, _ := instantClock()
	g, _ := New(&fakeClient{}, testTiers, fixedLevel(90), nil,
		WithBus(bus), withClock(now, sleep))

	g.Invoke(context.Background(), nil, nil, false)
	select {
	case ev := <-ch:
		if ev.Kind != events.KindModelSwitched || ev.Source != events.SourceGateway {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no model_switched event")
	}

	// Same tier again: no second event.
	g.Invoke(context.Background(), nil, nil, false)
	select {
	case ev := <-ch:
		t.Errorf("unexpected event %+v", ev)
	default:
	}
}

func TestEstimatedCost(t *testing.T) {
	g := newTestGateway(t, &fakeClient{}, 50)
	if got := g.EstimatedCost(); got != 3 {
		t.Errorf("EstimatedCost() = %v, want cheapest nominal 3", got)
	}
}

package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/nugget/ember-agent/internal/llm"
)

const convID = "3c6047a8-9e5f-4f9a-8f25-0d1c2a4b5e6f"

// fakeStore records core tool mutations.
type fakeStore struct {
	known     map[string]bool
	responses []string
	approvals []string
	budget    map[string]float64
	deltas    []float64
	snoozes   []int
	ended     []string
	lastTier  string
	lastLevel float64
}

func newFakeStore(ids ...string) *fakeStore {
	known := map[string]bool{}
	for _, id := range ids {
		known[id] = true
	}
	return &fakeStore{known: known, budget: map[string]float64{}}
}

func (f *fakeStore) Exists(id string) bool { return f.known[id] }
func (f *fakeStore) AppendResponse(id, userText, content string, level float64, tier string) error {
	f.responses = append(f.responses, content)
	f.lastLevel = level
	f.lastTier = tier
	return nil
}
func (f *fakeStore) AppendApproval(id, content string, level float64, tier string, budget *float64) error {
	f.approvals = append(f.approvals, content)
	return nil
}
func (f *fakeStore) End(id, reason string) error     { f.ended = append(f.ended, id); return nil }
func (f *fakeStore) Snooze(id string, m int) error   { f.snoozes = append(f.snoozes, m); return nil }
func (f *fakeStore) SetBudget(id string, v float64) error {
	f.budget[id] = v
	return nil
}
func (f *fakeStore) AdjustBudget(id string, d float64) error {
	f.deltas = append(f.deltas, d)
	return nil
}

type fakeEnergy struct {
	level   float64
	awaited []float64
}

func (f *fakeEnergy) Current() float64 { return f.level }
func (f *fakeEnergy) AwaitLevel(ctx context.Context, target float64) bool {
	f.awaited = append(f.awaited, target)
	return true
}

type harness struct {
	registry   *Registry
	dispatcher *Dispatcher
	store      *fakeStore
	energy     *fakeEnergy
	thoughts   []string
	focused    []string
}

func newHarness(t *testing.T, ids ...string) *harness {
	t.Helper()
	h := &harness{
		registry: NewRegistry(),
		store:    newFakeStore(ids...),
		energy:   &fakeEnergy{level: 42},
	}
	deps := Deps{
		Store:     h.store,
		Energy:    h.energy,
		Think:     func(s string) { h.thoughts = append(h.thoughts, s) },
		Focus:     func(id string) { h.focused = append(h.focused, id) },
		ModelTier: func() string { return "small" },
	}
	if err := RegisterCore(h.registry, deps); err != nil {
		t.Fatalf("RegisterCore() = %v", err)
	}
	h.dispatcher = NewDispatcher(h.registry, nil, nil,
		func(s string) { h.thoughts = append(h.thoughts, s) })
	return h
}

func (h *harness) call(t *testing.T, name string, args map[string]any) bool {
	t.Helper()
	return h.dispatcher.Dispatch(context.Background(), llm.ToolCall{Name: name, Arguments: args})
}

func TestRespondRecordsEnergyAndTier(t *testing.T) {
	h := newHarness(t, convID)
	ok := h.call(t, "respond", map[string]any{"requestId": convID, "content": "hello"})
	if !ok {
		t.Fatal("respond failed")
	}
	if len(h.store.responses) != 1 || h.store.responses[0] != "hello" {
		t.Errorf("responses = %v", h.store.responses)
	}
	if h.store.lastTier != "small" || h.store.lastLevel != 42 {
		t.Errorf("attribution = %q/%v", h.store.lastTier, h.store.lastLevel)
	}
}

func TestRespondUnknownConversationBecomesThought(t *testing.T) {
	h := newHarness(t) // no known conversations
	ok := h.call(t, "respond", map[string]any{"requestId": convID, "content": "hi"})
	if ok {
		t.Fatal("respond should fail for unknown conversation")
	}
	if len(h.thoughts) == 0 || !strings.Contains(h.thoughts[0], "not found") {
		t.Errorf("thoughts = %v", h.thoughts)
	}
}

func TestUUIDExtractionToleratesPrefix(t *testing.T) {
	h := newHarness(t, convID)
	ok := h.call(t, "end_conversation", map[string]any{
		"requestId": "Conversation " + convID + ": how are you?",
	})
	if !ok {
		t.Fatal("end_conversation failed")
	}
	if len(h.store.ended) != 1 || h.store.ended[0] != convID {
		t.Errorf("ended = %v", h.store.ended)
	}
}

func TestUUIDExtractionScansOtherArguments(t *testing.T) {
	h := newHarness(t, convID)
	ok := h.call(t, "select_conversation", map[string]any{
		"conversation": "please look at " + convID,
	})
	if !ok {
		t.Fatal("select_conversation failed")
	}
	if len(h.focused) != 1 || h.focused[0] != convID {
		t.Errorf("focused = %v", h.focused)
	}
}

func TestMissingUUIDSkipsWithThought(t *testing.T) {
	h := newHarness(t, convID)
	ok := h.call(t, "end_conversation", map[string]any{"requestId": "the first one"})
	if ok {
		t.Fatal("call should be skipped without a UUID")
	}
	if len(h.store.ended) != 0 {
		t.Error("store mutated despite missing id")
	}
	if len(h.thoughts) != 1 {
		t.Errorf("thoughts = %v", h.thoughts)
	}
}

func TestUnknownToolIgnored(t *testing.T) {
	h := newHarness(t, convID)
	if h.call(t, "teleport", map[string]any{}) {
		t.Fatal("unknown tool should be ignored")
	}
}

func TestMalformedJSONIgnored(t *testing.T) {
	h := newHarness(t, convID)
	if h.dispatcher.DispatchRaw(context.Background(), "think", `{broken`) {
		t.Fatal("malformed JSON should be ignored")
	}
}

func TestDispatchRawParsesArguments(t *testing.T) {
	h := newHarness(t, convID)
	ok := h.dispatcher.DispatchRaw(context.Background(), "think", `{"thought": "interesting"}`)
	if !ok {
		t.Fatal("think failed")
	}
	if len(h.thoughts) != 1 || h.thoughts[0] != "interesting" {
		t.Errorf("thoughts = %v", h.thoughts)
	}
}

func TestSchemaValidationRejectsWrongType(t *testing.T) {
	h := newHarness(t, convID)
	ok := h.call(t, "snooze_conversation", map[string]any{
		"requestId": convID,
		"minutes":   "ten",
	})
	if ok {
		t.Fatal("string minutes should fail validation")
	}
	if len(h.store.snoozes) != 0 {
		t.Error("store mutated despite invalid arguments")
	}
}

func TestSnoozeAndBudgetTools(t *testing.T) {
	h := newHarness(t, convID)

	if !h.call(t, "snooze_conversation", map[string]any{"requestId": convID, "minutes": float64(15)}) {
		t.Fatal("snooze failed")
	}
	if h.store.snoozes[0] != 15 {
		t.Errorf("snoozes = %v", h.store.snoozes)
	}

	if !h.call(t, "set_budget", map[string]any{"requestId": convID, "budget": float64(9)}) {
		t.Fatal("set_budget failed")
	}
	if h.store.budget[convID] != 9 {
		t.Errorf("budget = %v", h.store.budget)
	}

	if !h.call(t, "adjust_budget", map[string]any{"requestId": convID, "delta": float64(-3)}) {
		t.Fatal("adjust_budget failed")
	}
	if h.store.deltas[0] != -3 {
		t.Errorf("deltas = %v", h.store.deltas)
	}
}

func TestAwaitEnergy(t *testing.T) {
	h := newHarness(t)
	if !h.call(t, "await_energy", map[string]any{"level": float64(80)}) {
		t.Fatal("await_energy failed")
	}
	if len(h.energy.awaited) != 1 || h.energy.awaited[0] != 80 {
		t.Errorf("awaited = %v", h.energy.awaited)
	}
}

func TestSpecsPreserveOrderAndSkipUnknown(t *testing.T) {
	h := newHarness(t)
	specs := h.registry.Specs([]string{"respond", "nope", "think"})
	if len(specs) != 2 {
		t.Fatalf("specs = %d entries", len(specs))
	}
	first := specs[0]["function"].(map[string]any)
	if first["name"] != "respond" {
		t.Errorf("first spec = %v", first["name"])
	}
}

func TestExternalNames(t *testing.T) {
	h := newHarness(t)
	err := h.registry.RegisterExternal(&Tool{
		Name:        "web_search",
		Description: "Search the web",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "", fmt.Errorf("unreachable in this test")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	names := h.registry.ExternalNames()
	if len(names) != 1 || names[0] != "web_search" {
		t.Errorf("ExternalNames = %v", names)
	}
}

func TestFocusedAndReviewSetsDisjointOnRespond(t *testing.T) {
	for _, name := range ReviewSet {
		if name == "respond" {
			t.Error("review set must not offer respond")
		}
	}
	found := false
	for _, name := range FocusedSet {
		if name == "respond" {
			found = true
		}
	}
	if !found {
		t.Error("focused set must offer respond")
	}
}

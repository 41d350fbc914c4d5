// Package agent implements the cognitive loop: a perpetual,
// single-threaded cycle that paces itself against the energy regulator,
// drains incoming messages, picks one thing to attend to, and acts on
// the model's reply through the tool dispatcher.
//
// Each iteration is a fresh conversation with the model. Continuity
// across iterations comes from the conversation store and the two
// thought buffers, not from chat history. The loop's cost is
// self-limiting: low energy forces long waits and cheap models.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nugget/ember-agent/internal/convo"
	"github.com/nugget/ember-agent/internal/energy"
	"github.com/nugget/ember-agent/internal/events"
	"github.com/nugget/ember-agent/internal/gateway"
	"github.com/nugget/ember-agent/internal/llm"
	"github.com/nugget/ember-agent/internal/prompts"
	"github.com/nugget/ember-agent/internal/subagent"
	"github.com/nugget/ember-agent/internal/thought"
	"github.com/nugget/ember-agent/internal/tools"
)

// idlePoll bounds how long the loop waits for work when the store is
// completely quiet.
const idlePoll = 5 * time.Second

const ingressQueueSize = 256

// Gateway is the slice of the model gateway the loop calls.
type Gateway interface {
	Invoke(ctx context.Context, messages []llm.Message, tools []map[string]any, urgent bool) gateway.Result
	EstimatedCost() float64
}

// SubAgent is the optional capability-manager collaborator.
type SubAgent interface {
	EnergyConsumedSinceLastPoll() float64
	Outbound() <-chan subagent.Message
}

// Deps holds injected dependencies for the loop. A struct keeps the
// constructor stable as the loop evolves.
type Deps struct {
	Store   *convo.Store
	Energy  *energy.Regulator
	Gateway Gateway
	// SubAgent may be nil.
	SubAgent SubAgent
	Bus      *events.Bus
	Logger   *slog.Logger
	// ExternalTools are registered alongside the core set.
	ExternalTools []*tools.Tool
	// Now is a clock seam for tests; nil uses time.Now.
	Now func() time.Time
}

// Config tunes the loop.
type Config struct {
	// Duration, when positive, ends the loop after a fixed wall-clock
	// interval.
	Duration time.Duration
}

// Loop is the cognitive loop. Create with New, start with Start, stop
// with Stop.
type Loop struct {
	cfg  Config
	deps Deps

	registry   *tools.Registry
	dispatcher *tools.Dispatcher

	ingress chan string
	wake    chan struct{}

	reviewBuf  *thought.Buffer
	focusedBuf *thought.Buffer
	activeBuf  *thought.Buffer

	// currentTier is the tier of the in-flight iteration, read by the
	// respond handlers for attribution. Only the loop goroutine writes
	// it.
	currentTier string

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
	focusedID string
}

// New creates the loop and wires the tool registry to it.
func New(cfg Config, deps Deps) (*Loop, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	l := &Loop{
		cfg:        cfg,
		deps:       deps,
		ingress:    make(chan string, ingressQueueSize),
		wake:       make(chan struct{}, 1),
		reviewBuf:  thought.NewBuffer(thought.DefaultCapacity),
		focusedBuf: thought.NewBuffer(thought.DefaultCapacity),
	}
	l.activeBuf = l.reviewBuf

	l.registry = tools.NewRegistry()
	err := tools.RegisterCore(l.registry, tools.Deps{
		Store:     deps.Store,
		Energy:    deps.Energy,
		Think:     l.pushThought,
		Focus:     l.FocusOn,
		ModelTier: func() string { return l.currentTier },
		Logger:    deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("register core tools: %w", err)
	}
	for _, t := range deps.ExternalTools {
		if err := l.registry.RegisterExternal(t); err != nil {
			return nil, fmt.Errorf("register external tool: %w", err)
		}
	}
	l.dispatcher = tools.NewDispatcher(l.registry, deps.Logger, deps.Bus, l.pushThought)
	return l, nil
}

// Start launches the loop goroutine. Calling Start on a running loop is
// a no-op.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	l.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(loopCtx)
	return nil
}

// Stop cancels the loop and waits for the current iteration to finish.
// Safe to call multiple times or before Start.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// EnqueueMessage tells the loop a new request id is waiting in the
// store. Never blocks; the loop discovers dropped ids through Pending.
func (l *Loop) EnqueueMessage(id string) {
	select {
	case l.ingress <- id:
	default:
	}
	l.Wake()
}

// Wake nudges the loop out of its idle wait.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// FocusOn targets a conversation for the next iteration.
func (l *Loop) FocusOn(id string) {
	l.mu.Lock()
	l.focusedID = id
	l.mu.Unlock()
	l.Wake()
}

func (l *Loop) takeFocus() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.focusedID
	l.focusedID = ""
	return id
}

func (l *Loop) pushThought(s string) {
	l.activeBuf.Push(s)
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	if l.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Duration)
		defer cancel()
	}

	l.deps.Logger.Info("cognitive loop started",
		"energy", l.deps.Energy.Current(),
		"duration", l.cfg.Duration,
	)

	for ctx.Err() == nil {
		l.safeIterate(ctx)
	}
	l.deps.Logger.Info("cognitive loop stopped")
}

// safeIterate runs one iteration behind a panic boundary. A panicking
// iteration is treated as catastrophic overexertion: the loop rests to
// full energy before trying again.
func (l *Loop) safeIterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.deps.Logger.Error("iteration panicked, resting to full recovery",
				"panic", r)
			l.deps.Energy.AwaitLevel(ctx, energy.Max)
		}
	}()
	l.iterate(ctx)
}

func (l *Loop) iterate(ctx context.Context) {
	// Never start work that cannot be paid for.
	if !l.deps.Energy.AwaitLevel(ctx, l.deps.Gateway.EstimatedCost()) {
		return
	}

	l.drainIngress()
	l.pollSubAgent()

	if id := l.takeFocus(); id != "" {
		if l.deps.Store.Exists(id) {
			l.attend(ctx, id, true)
			return
		}
		l.deps.Logger.Warn("focused conversation vanished", "request_id", id)
	}

	if pending := l.deps.Store.Pending(); len(pending) > 0 {
		l.attend(ctx, pending[0].RequestID, false)
		return
	}

	k := reviewWindow(l.deps.Energy.Percentage())
	if completed := l.deps.Store.RecentCompleted(k); len(completed) > 0 {
		l.review(ctx, completed)
		return
	}

	l.idleWait(ctx)
}

// drainIngress empties the wake queue. The ids are already persisted by
// the ingress handler; draining just guarantees they are seen no later
// than this iteration.
func (l *Loop) drainIngress() {
	for {
		select {
		case id := <-l.ingress:
			l.deps.Logger.Debug("ingress message visible", "request_id", id)
		default:
			return
		}
	}
}

// pollSubAgent debits sub-agent work against the regulator and surfaces
// its notifications as review thoughts.
func (l *Loop) pollSubAgent() {
	sub := l.deps.SubAgent
	if sub == nil {
		return
	}
	if debit := sub.EnergyConsumedSinceLastPoll(); debit > 0 {
		l.deps.Logger.Debug("debiting subagent work", "energy", debit)
		l.deps.Energy.Consume(debit)
	}
	for {
		select {
		case m := <-sub.Outbound():
			switch m.Type {
			case subagent.MessageCompletion:
				l.reviewBuf.Push(fmt.Sprintf("My capability manager finished request %s.", m.RequestID))
			case subagent.MessageError:
				l.reviewBuf.Push(fmt.Sprintf("My capability manager failed request %s: %s", m.RequestID, m.Detail))
			default:
				l.deps.Logger.Debug("subagent message",
					"type", m.Type, "id", m.RequestID, "detail", m.Detail)
			}
		default:
			return
		}
	}
}

// attend runs one iteration against a single unanswered conversation.
// focused marks an explicit select_conversation target rather than
// inbox ordering.
func (l *Loop) attend(ctx context.Context, id string, focused bool) {
	conv, err := l.deps.Store.Get(id)
	if err != nil {
		l.deps.Logger.Warn("cannot load conversation", "request_id", id, "error", err)
		return
	}

	l.activeBuf = l.focusedBuf
	defer func() { l.activeBuf = l.reviewBuf }()

	msgs := l.composeTargeted(conv)
	specs := l.registry.Specs(append(append([]string{}, tools.FocusedSet...), l.registry.ExternalNames()...))
	urgent := l.deps.Energy.Current() < 0

	res := l.deps.Gateway.Invoke(ctx, msgs, specs, urgent)
	l.currentTier = res.ModelTier
	l.execute(ctx, res)

	// True cost lands on both ledgers: the regulator and the
	// conversation it was spent on.
	l.deps.Energy.Consume(res.EnergyConsumed)
	if err := l.deps.Store.AddConsumption(id, res.EnergyConsumed); err != nil {
		l.deps.Logger.Warn("cannot attribute energy", "request_id", id, "error", err)
	}

	l.deps.Logger.Info("attended conversation",
		"request_id", id,
		"focused", focused,
		"tier", res.ModelTier,
		"energy_consumed", res.EnergyConsumed,
		"energy", l.deps.Energy.Current(),
	)
}

// review runs one iteration over a window of completed conversations.
func (l *Loop) review(ctx context.Context, window []*convo.Conversation) {
	l.activeBuf = l.reviewBuf

	msgs := l.composeReview(window)
	specs := l.registry.Specs(append(append([]string{}, tools.ReviewSet...), l.registry.ExternalNames()...))
	urgent := l.deps.Energy.Current() < 0

	res := l.deps.Gateway.Invoke(ctx, msgs, specs, urgent)
	l.currentTier = res.ModelTier
	l.execute(ctx, res)
	l.deps.Energy.Consume(res.EnergyConsumed)

	l.deps.Logger.Info("reviewed conversations",
		"window", len(window),
		"tier", res.ModelTier,
		"energy_consumed", res.EnergyConsumed,
		"energy", l.deps.Energy.Current(),
	)
}

// idleWait blocks until new work arrives or the poll interval passes.
// No model call is made; an empty world costs nothing.
func (l *Loop) idleWait(ctx context.Context) {
	timer := time.NewTimer(idlePoll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-l.wake:
	case id := <-l.ingress:
		l.deps.Logger.Debug("ingress message visible", "request_id", id)
	case <-timer.C:
	}
}

// execute acts on the model's reply: native tool calls first, then a
// JSON tool invocation in the content, then the content as a thought.
func (l *Loop) execute(ctx context.Context, res gateway.Result) {
	if len(res.ToolCalls) > 0 {
		for _, call := range res.ToolCalls {
			l.dispatcher.Dispatch(ctx, call)
		}
		return
	}
	if res.Content == "" {
		return
	}
	if calls := llm.ParseTextToolCalls(res.Content); len(calls) > 0 {
		for _, call := range calls {
			l.dispatcher.Dispatch(ctx, call)
		}
		return
	}
	l.pushThought(res.Content)
}

func (l *Loop) composeTargeted(conv *convo.Conversation) []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: prompts.SystemFor(true)}}
	msgs = append(msgs, llm.Message{Role: "user", Content: prompts.ConversationLine(conv)})
	if prior := prompts.PriorResponses(conv); prior != "" {
		msgs = append(msgs, llm.Message{Role: "assistant", Content: prior})
	}
	if l.reviewBuf.Has() {
		msgs = append(msgs, llm.Message{Role: "assistant", Content: l.reviewBuf.Concatenated()})
	}
	if l.focusedBuf.Has() {
		msgs = append(msgs, llm.Message{Role: "assistant", Content: l.focusedBuf.Concatenated()})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: l.statusBlock(conv)})
	msgs = append(msgs, llm.Message{Role: "user", Content: prompts.FocusedInstruction(conv.RequestID)})
	return msgs
}

func (l *Loop) composeReview(window []*convo.Conversation) []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: prompts.SystemFor(false)}}
	for _, conv := range window {
		msgs = append(msgs, llm.Message{Role: "user", Content: prompts.ConversationLine(conv)})
		if prior := prompts.PriorResponses(conv); prior != "" {
			msgs = append(msgs, llm.Message{Role: "assistant", Content: prior})
		}
	}
	if l.reviewBuf.Has() {
		msgs = append(msgs, llm.Message{Role: "assistant", Content: l.reviewBuf.Concatenated()})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: l.statusBlock(nil)})
	msgs = append(msgs, llm.Message{Role: "user", Content: prompts.ReviewInstruction})
	return msgs
}

func (l *Loop) statusBlock(target *convo.Conversation) string {
	return prompts.StatusBlock(
		l.deps.Now(),
		l.deps.Energy.Current(),
		l.deps.Energy.Percentage(),
		l.deps.Store.Stats(),
		target,
	)
}

// reviewWindow maps energy percentage to how many completed
// conversations to revisit: 1 at 0%, 20 at 100%.
func reviewWindow(pct int) int {
	return int(math.Round(1 + 19*float64(pct)/100))
}

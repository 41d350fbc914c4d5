// Package gateway routes model invocations through the energy-driven
// tier table. It is the only component that charges inference against
// the regulator: each call reports the tier's nominal cost minus the
// wall time spent, so slow inferences cost less net energy than fast
// ones.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/nugget/ember-agent/internal/events"
	"github.com/nugget/ember-agent/internal/llm"
)

const (
	maxRetries = 3

	defaultMaxTokens   = 1024
	defaultTemperature = 0.7
	urgentMaxTokens    = 256
	urgentTemperature  = 0.2
)

// FallbackContent is returned when every attempt against the provider
// fails. The loop treats it as an ordinary model reply.
const FallbackContent = "I am having trouble reaching my reasoning engine right now. I will rest and try again shortly."

// Tier maps an energy threshold to a concrete model.
type Tier struct {
	MinEnergy   float64
	Name        string
	Model       string
	NominalCost float64
}

// Result is the outcome of one model invocation.
type Result struct {
	Content string
	// EnergyConsumed is NominalCost minus elapsed wall seconds. It can
	// be negative for fast inferences; callers pass it to the regulator
	// unmodified, which clamps at the floor.
	EnergyConsumed float64
	ModelTier      string
	ToolCalls      []llm.ToolCall
}

// EnergySource reports the current regulator level.
type EnergySource interface {
	Current() float64
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithBus attaches an event bus for model_switched events.
func WithBus(bus *events.Bus) Option {
	return func(g *Gateway) { g.bus = bus }
}

// WithUrgentSystemPrompt sets the pressing-tone system message swapped
// in for urgent invocations.
func WithUrgentSystemPrompt(s string) Option {
	return func(g *Gateway) { g.urgentSystem = s }
}

func withClock(now func() time.Time, sleep func(context.Context, time.Duration) bool) Option {
	return func(g *Gateway) {
		g.now = now
		g.sleep = sleep
	}
}

// Gateway selects a tier per request and invokes the provider.
type Gateway struct {
	client llm.Client
	tiers  []Tier
	energy EnergySource
	logger *slog.Logger
	bus    *events.Bus

	urgentSystem string

	now   func() time.Time
	sleep func(context.Context, time.Duration) bool

	lastTier string
}

// New builds a Gateway over the given tier table. Tiers are kept sorted
// by ascending MinEnergy; at least one tier is required.
func New(client llm.Client, tiers []Tier, source EnergySource, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("gateway: no model tiers configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinEnergy < sorted[j].MinEnergy })

	g := &Gateway{
		client: client,
		tiers:  sorted,
		energy: source,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// SelectTier returns the most expensive tier whose threshold is at or
// below the given level, falling back to the cheapest tier.
func (g *Gateway) SelectTier(level float64) Tier {
	for i := len(g.tiers) - 1; i >= 0; i-- {
		if g.tiers[i].MinEnergy <= level {
			return g.tiers[i]
		}
	}
	return g.tiers[0]
}

// EstimatedCost returns the nominal cost of the cheapest tier. The loop
// uses it as the pre-iteration energy floor.
func (g *Gateway) EstimatedCost() float64 {
	return g.tiers[0].NominalCost
}

// Invoke runs one chat completion at the tier matching current energy.
// Transport errors are retried with exponential backoff; after the last
// attempt a fallback result carrying the full nominal charge is
// returned instead of an error.
func (g *Gateway) Invoke(ctx context.Context, messages []llm.Message, tools []map[string]any, urgent bool) Result {
	level := g.energy.Current()
	tier := g.SelectTier(level)
	g.noteTier(tier, level)

	if urgent {
		messages = g.urgentMessages(messages)
	}
	opts := &llm.ChatOptions{
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
	}
	if urgent {
		opts.Temperature = urgentTemperature
		opts.MaxTokens = urgentMaxTokens
	}

	start := g.now()
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := g.client.Chat(ctx, tier.Model, messages, tools, opts)
		if err == nil {
			elapsed := g.now().Sub(start).Seconds()
			return Result{
				Content:        resp.Message.Content,
				EnergyConsumed: tier.NominalCost - elapsed,
				ModelTier:      tier.Name,
				ToolCalls:      resp.Message.ToolCalls,
			}
		}
		lastErr = err
		if attempt >= maxRetries || ctx.Err() != nil {
			break
		}
		delay := time.Duration(math.Pow(2, float64(attempt+1))) * time.Second
		g.logger.Warn("model invocation failed, backing off",
			"tier", tier.Name,
			"model", tier.Model,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if !g.sleep(ctx, delay) {
			break
		}
	}

	g.logger.Error("model invocation exhausted retries, returning fallback",
		"tier", tier.Name,
		"model", tier.Model,
		"error", lastErr,
	)
	return Result{
		Content:        FallbackContent,
		EnergyConsumed: tier.NominalCost,
		ModelTier:      tier.Name,
	}
}

func (g *Gateway) urgentMessages(messages []llm.Message) []llm.Message {
	if g.urgentSystem == "" || len(messages) == 0 || messages[0].Role != "system" {
		return messages
	}
	out := make([]llm.Message, len(messages))
	copy(out, messages)
	out[0].Content = g.urgentSystem
	return out
}

func (g *Gateway) noteTier(tier Tier, level float64) {
	if tier.Name == g.lastTier {
		return
	}
	prev := g.lastTier
	g.lastTier = tier.Name
	g.logger.Info("model tier switched",
		"from", prev,
		"to", tier.Name,
		"model", tier.Model,
		"energy", level,
	)
	g.bus.Publish(events.Event{
		Source: events.SourceGateway,
		Kind:   events.KindModelSwitched,
		Data: map[string]any{
			"from":   prev,
			"to":     tier.Name,
			"model":  tier.Model,
			"energy": level,
		},
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

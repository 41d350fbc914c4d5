// Package energy implements the leaky-bucket energy regulator that paces
// the cognitive loop. A single scalar level E in [Min, Max] represents the
// remaining capacity for cognitive work. Inference subtracts from it, timed
// sleep replenishes it at a configurable rate, and the loop blocks on
// AwaitLevel before every model call.
//
// The regulator is the sole owner of E. All mutation is serialised through
// its mutex; observers may see intermediate values but never torn reads.
package energy

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nugget/ember-agent/internal/events"
)

const (
	// Min is the deepest energy debt the regulator permits.
	Min = -50.0
	// Max is the full energy level.
	Max = 100.0
	// DefaultReplenishRate is the energy added per second of sleep.
	DefaultReplenishRate = 1.0
)

// Status describes the energy level in coarse terms for prompting and UI.
type Status string

const (
	StatusHigh     Status = "high"     // E > 50
	StatusMedium   Status = "medium"   // 20 < E <= 50
	StatusLow      Status = "low"      // 0 < E <= 20
	StatusDepleted Status = "depleted" // E == 0
	StatusUrgent   Status = "urgent"   // E < 0
)

// sleepFunc waits for d or until ctx is cancelled, returning false when
// cancelled. Injectable so tests run without wall-clock delays.
type sleepFunc func(ctx context.Context, d time.Duration) bool

// Regulator owns the energy level. Create with New.
type Regulator struct {
	mu    sync.Mutex
	level float64
	rate  float64 // units per second

	logger *slog.Logger
	bus    *events.Bus
	sleep  sleepFunc
}

// Option configures a Regulator.
type Option func(*Regulator)

// WithRate overrides the replenishment rate (units per second). Values
// <= 0 are ignored. Tests typically accelerate to 10/s or higher.
func WithRate(rate float64) Option {
	return func(r *Regulator) {
		if rate > 0 {
			r.rate = rate
		}
	}
}

// WithBus attaches an event bus for energy_update and sleep events.
func WithBus(bus *events.Bus) Option {
	return func(r *Regulator) { r.bus = bus }
}

// withSleep replaces the wall-clock sleep. Test seam.
func withSleep(fn sleepFunc) Option {
	return func(r *Regulator) { r.sleep = fn }
}

// New creates a Regulator starting at full energy.
func New(logger *slog.Logger, opts ...Option) *Regulator {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Regulator{
		level:  Max,
		rate:   DefaultReplenishRate,
		logger: logger,
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Current returns the energy level.
func (r *Regulator) Current() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level
}

// Percentage returns max(0, E) rounded to an integer. UI value — never
// negative even when the level is in debt.
func (r *Regulator) Percentage() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(math.Round(math.Max(0, r.level)))
}

// Rate returns the replenishment rate in units per second.
func (r *Regulator) Rate() float64 {
	return r.rate
}

// Consume subtracts amount from the level, clamping at Min. Negative
// amounts are permitted: the gateway reports a net cost that can go
// negative when inference beat its nominal budget, and that bonus flows
// straight through here. Max is deliberately not enforced on this path.
func (r *Regulator) Consume(amount float64) {
	r.mu.Lock()
	r.level = math.Max(Min, r.level-amount)
	level := r.level
	r.mu.Unlock()

	r.logger.Debug("energy consumed", "amount", amount, "level", level)
	r.publishLevel(level)
}

// Sleep suspends the caller for the given number of seconds, then adds
// seconds*rate to the level, clamping at Max. Returns false if ctx was
// cancelled before the sleep completed; the level is left unchanged in
// that case so a shutdown mid-sleep does not fabricate energy.
func (r *Regulator) Sleep(ctx context.Context, seconds float64) bool {
	if seconds <= 0 {
		return true
	}

	r.bus.Publish(events.Event{
		Source: events.SourceEnergy,
		Kind:   events.KindSleepStart,
		Data:   map[string]any{"seconds": seconds, "level": r.Current()},
	})

	if !r.sleep(ctx, time.Duration(seconds*float64(time.Second))) {
		return false
	}

	r.mu.Lock()
	r.level = math.Min(Max, r.level+seconds*r.rate)
	level := r.level
	r.mu.Unlock()

	r.logger.Debug("energy replenished", "seconds", seconds, "level", level)
	r.bus.Publish(events.Event{
		Source: events.SourceEnergy,
		Kind:   events.KindSleepEnd,
		Data:   map[string]any{"seconds": seconds, "level": level},
	})
	r.publishLevel(level)
	return true
}

// AwaitLevel blocks until the level is at least target. If the level is
// already sufficient it returns immediately without suspension. A level
// below Min's recovery threshold forces a full recovery to Max regardless
// of the requested target. Returns false if ctx was cancelled first.
func (r *Regulator) AwaitLevel(ctx context.Context, target float64) bool {
	r.mu.Lock()
	level := r.level
	r.mu.Unlock()

	if level >= target {
		return true
	}

	deficit := target - level
	if level < Min {
		// Deep debt: recover all the way regardless of target.
		deficit = Max - level
	}

	seconds := math.Ceil(deficit / r.rate)
	r.logger.Info("awaiting energy",
		"level", level,
		"target", target,
		"sleep_seconds", seconds,
	)
	return r.Sleep(ctx, seconds)
}

// Status maps the level to its five-valued tag.
func (r *Regulator) Status() Status {
	return StatusOf(r.Current())
}

// StatusOf maps an energy value to its status tag.
func StatusOf(level float64) Status {
	switch {
	case level > 50:
		return StatusHigh
	case level > 20:
		return StatusMedium
	case level > 0:
		return StatusLow
	case level == 0:
		return StatusDepleted
	default:
		return StatusUrgent
	}
}

func (r *Regulator) publishLevel(level float64) {
	r.bus.Publish(events.Event{
		Source: events.SourceEnergy,
		Kind:   events.KindEnergyUpdate,
		Data: map[string]any{
			"level":      level,
			"percentage": int(math.Round(math.Max(0, level))),
			"status":     string(StatusOf(level)),
		},
	})
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if
// cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (energy regulator, cognitive
// loop, ingress, sub-agent) to subscribers (WebSocket handler, MQTT sink,
// future metrics collector). The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceEnergy identifies events from the energy regulator.
	SourceEnergy = "energy"
	// SourceLoop identifies events from the cognitive loop.
	SourceLoop = "loop"
	// SourceIngress identifies events from the HTTP ingress.
	SourceIngress = "ingress"
	// SourceGateway identifies events from the model gateway.
	SourceGateway = "gateway"
	// SourceStore identifies events from the conversation store.
	SourceStore = "store"
	// SourceSubAgent identifies events from the tool-source sub-agent.
	SourceSubAgent = "subagent"
)

// Kind constants describe the type of event within a source.
const (
	// KindEnergyUpdate signals a change to the energy level.
	// Data: level, percentage, status.
	KindEnergyUpdate = "energy_update"
	// KindConversationCreated signals a new conversation row.
	// Data: request_id.
	KindConversationCreated = "conversation_created"
	// KindMessageAdded signals a response or approval appended to a
	// conversation. Data: request_id, model, energy_level.
	KindMessageAdded = "message_added"
	// KindConversationStateChanged signals an ended, snoozed, or
	// approval-transition change. Data: request_id, state.
	KindConversationStateChanged = "conversation_state_changed"
	// KindModelSwitched signals the gateway selected a different tier
	// than the previous call. Data: tier, model, energy.
	KindModelSwitched = "model_switched"
	// KindSleepStart signals the regulator began a timed sleep.
	// Data: seconds, level.
	KindSleepStart = "sleep_start"
	// KindSleepEnd signals the regulator finished a timed sleep.
	// Data: seconds, level.
	KindSleepEnd = "sleep_end"
	// KindToolInvocation signals the dispatcher routed a tool call.
	// Data: tool, request_id, ok.
	KindToolInvocation = "tool_invocation"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op). The timestamp is
// filled in when the caller left it zero.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Package subagent runs the capability manager: a second cooperative
// loop that maintains the external tool source (adding, removing,
// testing, and searching tools) without blocking the cognitive loop.
// Work performed here is metered at a nominal energy rate; the main
// loop polls the tally and debits the regulator.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/ember-agent/internal/events"
)

// EnergyPerSecond is the nominal energy cost of one second of sub-agent
// wall work.
const EnergyPerSecond = 2.0

const defaultQueueCap = 16

// Priority orders request processing. High drains before medium,
// medium before low.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

// Kind identifies what the request asks of the tool source.
type Kind string

const (
	KindAdd    Kind = "add"
	KindRemove Kind = "remove"
	KindTest   Kind = "test"
	KindList   Kind = "list"
	KindSearch Kind = "search"
)

// Status tracks a request through its lifecycle.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// MessageType tags outbound messages.
type MessageType string

const (
	MessageStatusUpdate MessageType = "status_update"
	MessageCompletion   MessageType = "completion"
	MessageError        MessageType = "error"
	MessageLog          MessageType = "log"
)

// Request asks the sub-agent to operate on the external tool source.
type Request struct {
	ID       string
	Kind     Kind
	Priority Priority
	// Name is the target tool for add/remove/test.
	Name string
	// Spec carries the tool definition for add.
	Spec map[string]any
	// Query drives search.
	Query string
}

// Message is one outbound notification drained by the main loop.
type Message struct {
	Type      MessageType
	RequestID string
	Status    Status
	Progress  int
	Detail    string
	Result    []string
}

// Source is the external tool source the sub-agent manages.
type Source interface {
	Add(ctx context.Context, name string, spec map[string]any) error
	Remove(ctx context.Context, name string) error
	Test(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
	Search(ctx context.Context, query string) ([]string, error)
}

// ErrQueueFull is returned by Submit when the priority queue is at
// capacity. Callers drop the request rather than block.
var ErrQueueFull = errors.New("subagent: queue full")

type requestState struct {
	status   Status
	progress int
}

// Agent is the sub-agent loop.
type Agent struct {
	source Source
	logger *slog.Logger
	bus    *events.Bus

	queues   [3]chan Request
	outbound chan Message

	mu     sync.Mutex
	states map[string]*requestState

	energyMu sync.Mutex
	energy   float64

	now func() time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a sub-agent over the given tool source.
func New(source Source, logger *slog.Logger, bus *events.Bus) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		source:   source,
		logger:   logger,
		bus:      bus,
		outbound: make(chan Message, 64),
		states:   make(map[string]*requestState),
		now:      time.Now,
	}
	for i := range a.queues {
		a.queues[i] = make(chan Request, defaultQueueCap)
	}
	return a
}

// Submit enqueues a request. The returned id can be polled with
// Status. Returns ErrQueueFull when the priority lane is saturated.
func (a *Agent) Submit(req Request) (string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Priority < PriorityHigh || req.Priority > PriorityLow {
		req.Priority = PriorityLow
	}

	a.mu.Lock()
	a.states[req.ID] = &requestState{status: StatusQueued}
	a.mu.Unlock()

	select {
	case a.queues[req.Priority] <- req:
		return req.ID, nil
	default:
		a.mu.Lock()
		delete(a.states, req.ID)
		a.mu.Unlock()
		return "", ErrQueueFull
	}
}

// Status reports a request's lifecycle state and progress.
func (a *Agent) Status(id string) (Status, int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[id]
	if !ok {
		return "", 0, false
	}
	return st.status, st.progress, true
}

// Cancel marks a queued request cancelled. In-progress and finished
// requests are unaffected.
func (a *Agent) Cancel(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[id]
	if !ok || st.status != StatusQueued {
		return false
	}
	st.status = StatusCancelled
	return true
}

// Outbound returns the channel of notifications for the main loop.
func (a *Agent) Outbound() <-chan Message {
	return a.outbound
}

// EnergyConsumedSinceLastPoll drains the accumulated energy tally. A
// second consecutive call returns 0.
func (a *Agent) EnergyConsumedSinceLastPoll() float64 {
	a.energyMu.Lock()
	defer a.energyMu.Unlock()
	e := a.energy
	a.energy = 0
	return e
}

// Start launches the worker goroutine. Safe to call once.
func (a *Agent) Start(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.run(ctx)
}

// Stop signals the worker and waits for it to exit.
func (a *Agent) Stop() {
	a.runMu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (a *Agent) run(ctx context.Context) {
	defer close(a.done)
	a.logger.Info("subagent started")
	for {
		req, ok := a.next(ctx)
		if !ok {
			a.logger.Info("subagent stopped")
			return
		}
		a.process(ctx, req)
	}
}

// next blocks for the highest-priority available request.
func (a *Agent) next(ctx context.Context) (Request, bool) {
	for {
		// Drain lanes strictly in priority order before blocking.
		for _, q := range a.queues {
			select {
			case req := <-q:
				return req, true
			default:
			}
		}
		select {
		case <-ctx.Done():
			return Request{}, false
		case req := <-a.queues[PriorityHigh]:
			return req, true
		case req := <-a.queues[PriorityMedium]:
			return req, true
		case req := <-a.queues[PriorityLow]:
			return req, true
		}
	}
}

func (a *Agent) process(ctx context.Context, req Request) {
	a.mu.Lock()
	st := a.states[req.ID]
	if st == nil || st.status == StatusCancelled {
		a.mu.Unlock()
		a.send(Message{Type: MessageLog, RequestID: req.ID, Detail: "skipping cancelled request"})
		return
	}
	st.status = StatusInProgress
	st.progress = 10
	a.mu.Unlock()
	a.send(Message{Type: MessageStatusUpdate, RequestID: req.ID, Status: StatusInProgress, Progress: 10})

	start := a.now()
	result, err := a.execute(ctx, req)
	elapsed := a.now().Sub(start).Seconds()

	a.energyMu.Lock()
	a.energy += elapsed * EnergyPerSecond
	a.energyMu.Unlock()

	a.mu.Lock()
	if err != nil {
		st.status = StatusFailed
	} else {
		st.status = StatusCompleted
	}
	st.progress = 100
	a.mu.Unlock()

	if err != nil {
		a.logger.Warn("subagent request failed",
			"id", req.ID, "kind", req.Kind, "error", err)
		a.send(Message{Type: MessageError, RequestID: req.ID, Status: StatusFailed, Progress: 100, Detail: err.Error()})
		return
	}
	a.logger.Debug("subagent request completed",
		"id", req.ID, "kind", req.Kind, "elapsed", elapsed)
	a.send(Message{Type: MessageCompletion, RequestID: req.ID, Status: StatusCompleted, Progress: 100, Result: result})
}

func (a *Agent) execute(ctx context.Context, req Request) ([]string, error) {
	switch req.Kind {
	case KindAdd:
		return nil, a.source.Add(ctx, req.Name, req.Spec)
	case KindRemove:
		return nil, a.source.Remove(ctx, req.Name)
	case KindTest:
		return nil, a.source.Test(ctx, req.Name)
	case KindList:
		return a.source.List(ctx)
	case KindSearch:
		return a.source.Search(ctx, req.Query)
	default:
		return nil, fmt.Errorf("unknown request kind %q", req.Kind)
	}
}

// send delivers a message without ever blocking the worker.
func (a *Agent) send(m Message) {
	select {
	case a.outbound <- m:
	default:
		a.logger.Warn("subagent outbound queue full, dropping message",
			"type", m.Type, "id", m.RequestID)
	}
	if m.Type == MessageStatusUpdate || m.Type == MessageCompletion || m.Type == MessageError {
		a.bus.Publish(events.Event{
			Source: events.SourceSubAgent,
			Kind:   events.KindToolInvocation,
			Data: map[string]any{
				"message": string(m.Type),
				"id":      m.RequestID,
				"status":  string(m.Status),
			},
		})
	}
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/nugget/ember-agent/internal/events"
	"github.com/nugget/ember-agent/internal/llm"
)

// FocusedSet is offered when answering an unanswered conversation.
var FocusedSet = []string{
	"respond",
	"respond_with_approval",
	"set_budget",
	"adjust_budget",
	"await_energy",
	"think",
	"end_conversation",
	"snooze_conversation",
}

// ReviewSet is offered when reviewing completed conversations. It
// swaps respond for select_conversation: review never answers directly.
var ReviewSet = []string{
	"select_conversation",
	"set_budget",
	"adjust_budget",
	"await_energy",
	"think",
	"end_conversation",
	"snooze_conversation",
}

// uuidPattern matches a canonical 8-4-4-4-12 UUID anywhere in a string,
// tolerating model-produced prefixes like "Conversation <uuid>:".
var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// requestIDTools is the set of tool names whose arguments must carry an
// extractable conversation id.
var requestIDTools = map[string]bool{
	"respond":               true,
	"respond_with_approval": true,
	"end_conversation":      true,
	"snooze_conversation":   true,
	"select_conversation":   true,
	"set_budget":            true,
	"adjust_budget":         true,
}

// Dispatcher routes model tool calls to registered handlers. Failures
// are never fatal: malformed arguments, unknown names, and handler
// errors are logged and surfaced to the model as diagnostic thoughts.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	bus      *events.Bus
	think    func(string)
}

// NewDispatcher builds a dispatcher. think receives diagnostic thoughts
// when a call is skipped or fails.
func NewDispatcher(registry *Registry, logger *slog.Logger, bus *events.Bus, think func(string)) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if think == nil {
		think = func(string) {}
	}
	return &Dispatcher{registry: registry, logger: logger, bus: bus, think: think}
}

// DispatchRaw parses a JSON argument string and dispatches. Malformed
// JSON is logged and ignored.
func (d *Dispatcher) DispatchRaw(ctx context.Context, name, argsJSON string) bool {
	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			d.logger.Warn("ignoring tool call with malformed arguments",
				"tool", name, "error", err)
			return false
		}
	}
	return d.Dispatch(ctx, llm.ToolCall{Name: name, Arguments: args})
}

// Dispatch executes one tool call. Returns true when a handler ran
// successfully.
func (d *Dispatcher) Dispatch(ctx context.Context, call llm.ToolCall) bool {
	tool := d.registry.Get(call.Name)
	if tool == nil {
		d.logger.Warn("ignoring unknown tool", "tool", call.Name)
		return false
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	if requestIDTools[call.Name] {
		id, ok := extractRequestID(args)
		if !ok {
			d.logger.Warn("tool call carries no conversation id, skipping", "tool", call.Name)
			d.think(fmt.Sprintf("I tried to call %s without a usable conversation id; I should use the exact id from the conversation label.", call.Name))
			return false
		}
		args["requestId"] = id
	}

	if err := tool.Validate(args); err != nil {
		d.logger.Warn("tool arguments failed validation",
			"tool", call.Name, "error", err)
		d.think(fmt.Sprintf("My %s call had invalid arguments: %v", call.Name, err))
		return false
	}

	result, err := tool.Handler(ctx, args)
	d.publish(call.Name, args, err == nil)
	if err != nil {
		d.logger.Warn("tool call failed", "tool", call.Name, "error", err)
		d.think(fmt.Sprintf("My %s call failed: %v", call.Name, err))
		return false
	}
	d.logger.Debug("tool call handled", "tool", call.Name, "result", result)
	return true
}

func (d *Dispatcher) publish(name string, args map[string]any, ok bool) {
	data := map[string]any{"tool": name, "ok": ok}
	if id, present := args["requestId"].(string); present {
		data["request_id"] = id
	}
	d.bus.Publish(events.Event{
		Source: events.SourceLoop,
		Kind:   events.KindToolInvocation,
		Data:   data,
	})
}

// extractRequestID pulls a canonical UUID out of the arguments. The
// requestId field is preferred; failing that, every string argument and
// finally the whole JSON-encoded argument object is scanned.
func extractRequestID(args map[string]any) (string, bool) {
	if v, ok := args["requestId"].(string); ok {
		if m := uuidPattern.FindString(v); m != "" {
			return m, true
		}
	}
	for _, v := range args {
		if s, ok := v.(string); ok {
			if m := uuidPattern.FindString(s); m != "" {
				return m, true
			}
		}
	}
	if raw, err := json.Marshal(args); err == nil {
		if m := uuidPattern.FindString(string(raw)); m != "" {
			return m, true
		}
	}
	return "", false
}

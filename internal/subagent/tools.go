package subagent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/ember-agent/internal/tools"
)

// ExternalTools returns the tool definitions that let the model
// delegate capability work to the sub-agent. Every mutation is
// asynchronous: the handler returns a queued task id, and the outcome
// surfaces later through the outbound message stream.
func ExternalTools(a *Agent) []*tools.Tool {
	return []*tools.Tool{
		{
			Name:        "add_tool",
			Description: "Queue the addition of a new external tool. spec is the tool definition; the result arrives asynchronously.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":     map[string]any{"type": "string", "description": "Tool name"},
					"spec":     map[string]any{"type": "object", "description": "Tool definition including parameters"},
					"priority": priorityProperty,
				},
				"required": []string{"name", "spec"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				name, _ := args["name"].(string)
				spec, _ := args["spec"].(map[string]any)
				return submit(a, Request{
					Kind:     KindAdd,
					Priority: parsePriority(args),
					Name:     name,
					Spec:     spec,
				})
			},
		},
		{
			Name:        "remove_tool",
			Description: "Queue the removal of an external tool by name.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":     map[string]any{"type": "string", "description": "Tool name"},
					"priority": priorityProperty,
				},
				"required": []string{"name"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				name, _ := args["name"].(string)
				return submit(a, Request{Kind: KindRemove, Priority: parsePriority(args), Name: name})
			},
		},
		{
			Name:        "test_tool",
			Description: "Queue a verification of an external tool's definition.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":     map[string]any{"type": "string", "description": "Tool name"},
					"priority": priorityProperty,
				},
				"required": []string{"name"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				name, _ := args["name"].(string)
				return submit(a, Request{Kind: KindTest, Priority: parsePriority(args), Name: name})
			},
		},
		{
			Name:        "list_tools",
			Description: "Queue a listing of the external tool catalog. Results arrive asynchronously.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"priority": priorityProperty},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return submit(a, Request{Kind: KindList, Priority: parsePriority(args)})
			},
		},
		{
			Name:        "search_tools",
			Description: "Queue a search of the external tool catalog.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":    map[string]any{"type": "string", "description": "Search text"},
					"priority": priorityProperty,
				},
				"required": []string{"query"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				query, _ := args["query"].(string)
				return submit(a, Request{Kind: KindSearch, Priority: parsePriority(args), Query: query})
			},
		},
		{
			Name:        "task_status",
			Description: "Check the status of a queued capability task.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"taskId": map[string]any{"type": "string", "description": "Task id returned when the work was queued"},
				},
				"required": []string{"taskId"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				id, _ := args["taskId"].(string)
				status, progress, ok := a.Status(id)
				if !ok {
					return "", fmt.Errorf("task %s not found", id)
				}
				return fmt.Sprintf("Task %s is %s (%d%%).", id, status, progress), nil
			},
		},
		{
			Name:        "cancel_task",
			Description: "Cancel a queued capability task. Only tasks that have not started can be cancelled.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"taskId": map[string]any{"type": "string", "description": "Task id returned when the work was queued"},
				},
				"required": []string{"taskId"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				id, _ := args["taskId"].(string)
				if !a.Cancel(id) {
					return "", fmt.Errorf("task %s cannot be cancelled", id)
				}
				return fmt.Sprintf("Task %s cancelled.", id), nil
			},
		},
	}
}

var priorityProperty = map[string]any{
	"type":        "string",
	"enum":        []string{"high", "medium", "low"},
	"description": "Queue priority (default medium)",
}

func parsePriority(args map[string]any) Priority {
	s, _ := args["priority"].(string)
	switch strings.ToLower(s) {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

func submit(a *Agent, req Request) (string, error) {
	id, err := a.Submit(req)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Queued as task %s. The outcome will surface in my review thoughts.", id), nil
}

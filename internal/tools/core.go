package tools

import (
	"context"
	"fmt"
	"log/slog"
)

// Store is the slice of the conversation store the core tools mutate.
type Store interface {
	Exists(id string) bool
	AppendResponse(id, userText, content string, energyAtWrite float64, modelTier string) error
	AppendApproval(id, content string, energyAtWrite float64, modelTier string, budget *float64) error
	End(id, reason string) error
	Snooze(id string, minutes int) error
	SetBudget(id string, value float64) error
	AdjustBudget(id string, delta float64) error
}

// Energy is the slice of the regulator the core tools touch.
type Energy interface {
	Current() float64
	AwaitLevel(ctx context.Context, target float64) bool
}

// Deps wires the core tools to their collaborators. Think receives
// inner-monologue pushes for the active buffer; Focus sets the next
// focused conversation; ModelTier reports the tier the current
// iteration ran at, for response attribution.
type Deps struct {
	Store     Store
	Energy    Energy
	Think     func(thought string)
	Focus     func(id string)
	ModelTier func() string
	Logger    *slog.Logger
}

func requestIDParam() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "The conversation's request id (UUID)",
	}
}

// RegisterCore installs the nine core tools into the registry.
func RegisterCore(r *Registry, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	core := []*Tool{
		{
			Name:        "respond",
			Description: "Send your answer to a conversation. This resolves it and removes it from your inbox.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"requestId": requestIDParam(),
					"content": map[string]any{
						"type":        "string",
						"description": "The message to send to the user",
					},
				},
				"required": []string{"requestId", "content"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				id := stringArg(args, "requestId")
				if !deps.Store.Exists(id) {
					return "", fmt.Errorf("conversation %s not found", id)
				}
				content := stringArg(args, "content")
				if err := deps.Store.AppendResponse(id, "", content, deps.Energy.Current(), deps.ModelTier()); err != nil {
					return "", err
				}
				return "response sent", nil
			},
		},
		{
			Name:        "respond_with_approval",
			Description: "Ask the user to approve a plan before you act on it. The conversation stays in your inbox until they answer.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"requestId": requestIDParam(),
					"content": map[string]any{
						"type":        "string",
						"description": "The plan you want approved",
					},
					"energyBudget": map[string]any{
						"type":        "number",
						"description": "Optional energy budget to attach if approved",
					},
				},
				"required": []string{"requestId", "content"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				id := stringArg(args, "requestId")
				if !deps.Store.Exists(id) {
					return "", fmt.Errorf("conversation %s not found", id)
				}
				var budget *float64
				if v, ok := numberArg(args, "energyBudget"); ok {
					budget = &v
				}
				content := stringArg(args, "content")
				if err := deps.Store.AppendApproval(id, content, deps.Energy.Current(), deps.ModelTier(), budget); err != nil {
					return "", err
				}
				return "approval requested", nil
			},
		},
		{
			Name:        "think",
			Description: "Record a private thought. It will appear in your own context next iteration; the user never sees it.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"thought": map[string]any{
						"type":        "string",
						"description": "The thought to remember",
					},
				},
				"required": []string{"thought"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				deps.Think(stringArg(args, "thought"))
				return "noted", nil
			},
		},
		{
			Name:        "await_energy",
			Description: "Rest until your energy reaches the given level. Use when you cannot afford the next action.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"level": map[string]any{
						"type":        "number",
						"description": "Target energy level to wait for",
					},
				},
				"required": []string{"level"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				level, _ := numberArg(args, "level")
				if !deps.Energy.AwaitLevel(ctx, level) {
					return "", fmt.Errorf("rest interrupted")
				}
				return fmt.Sprintf("rested to %.1f", deps.Energy.Current()), nil
			},
		},
		{
			Name:        "end_conversation",
			Description: "Close a conversation that needs no further work.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"requestId": requestIDParam(),
					"reason": map[string]any{
						"type":        "string",
						"description": "Optional reason for closing",
					},
				},
				"required": []string{"requestId"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				id := stringArg(args, "requestId")
				if !deps.Store.Exists(id) {
					return "", fmt.Errorf("conversation %s not found", id)
				}
				if err := deps.Store.End(id, stringArg(args, "reason")); err != nil {
					return "", err
				}
				return "conversation ended", nil
			},
		},
		{
			Name:        "snooze_conversation",
			Description: "Hide a conversation from your inbox for a number of minutes.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"requestId": requestIDParam(),
					"minutes": map[string]any{
						"type":        "number",
						"description": "How long to snooze",
					},
				},
				"required": []string{"requestId", "minutes"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				id := stringArg(args, "requestId")
				if !deps.Store.Exists(id) {
					return "", fmt.Errorf("conversation %s not found", id)
				}
				minutes, _ := numberArg(args, "minutes")
				if err := deps.Store.Snooze(id, int(minutes)); err != nil {
					return "", err
				}
				return "snoozed", nil
			},
		},
		{
			Name:        "select_conversation",
			Description: "Pick a conversation to focus on next iteration.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"requestId": requestIDParam(),
				},
				"required": []string{"requestId"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				id := stringArg(args, "requestId")
				if !deps.Store.Exists(id) {
					return "", fmt.Errorf("conversation %s not found", id)
				}
				deps.Focus(id)
				return "focused", nil
			},
		},
		{
			Name:        "set_budget",
			Description: "Set the energy budget for a conversation.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"requestId": requestIDParam(),
					"budget": map[string]any{
						"type":        "number",
						"description": "New budget in energy units, >= 0",
						"minimum":     0,
					},
				},
				"required": []string{"requestId", "budget"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				id := stringArg(args, "requestId")
				if !deps.Store.Exists(id) {
					return "", fmt.Errorf("conversation %s not found", id)
				}
				budget, _ := numberArg(args, "budget")
				if err := deps.Store.SetBudget(id, budget); err != nil {
					return "", err
				}
				return "budget set", nil
			},
		},
		{
			Name:        "adjust_budget",
			Description: "Raise or lower a conversation's energy budget by a delta. The budget never goes below zero.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"requestId": requestIDParam(),
					"delta": map[string]any{
						"type":        "number",
						"description": "Amount to add (negative to reduce)",
					},
				},
				"required": []string{"requestId", "delta"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				id := stringArg(args, "requestId")
				if !deps.Store.Exists(id) {
					return "", fmt.Errorf("conversation %s not found", id)
				}
				delta, _ := numberArg(args, "delta")
				if err := deps.Store.AdjustBudget(id, delta); err != nil {
					return "", err
				}
				return "budget adjusted", nil
			},
		},
	}

	for _, t := range core {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func numberArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

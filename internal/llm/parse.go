package llm

import (
	"encoding/json"
	"strings"
)

// ParseTextToolCalls extracts tool calls from content text. Many models
// emit the call as JSON in the content rather than using the native
// tool_calls field. Handled shapes:
//   - raw object: {"name": "...", "arguments": {...}}
//   - array: [{"name": "...", "arguments": {...}}]
//   - tagged: <tool_call>...</tool_call>
//   - fenced: ```json ... ```
func ParseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if strings.Contains(content, "<tool_call>") {
		start := strings.Index(content, "<tool_call>")
		end := strings.Index(content, "</tool_call>")
		if start != -1 && end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else if start != -1 {
			// No closing tag, take the rest.
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if end := strings.Index(content, "```"); end != -1 {
			content = content[:end]
		}
		content = strings.TrimSpace(content)
	}

	var calls []struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(content), &calls); err == nil {
		var result []ToolCall
		for _, c := range calls {
			if c.Name == "" {
				continue
			}
			result = append(result, ToolCall{Name: c.Name, Arguments: c.Arguments})
		}
		return result
	}

	var single struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return []ToolCall{{Name: single.Name, Arguments: single.Arguments}}
	}

	return nil
}

package oracle

import (
	"encoding/json"
	"fmt"
	"strings"
)

// extractJSON pulls a JSON object out of a model answer: a ```json fence
// first, then the span from the first '{' to the last '}'.
func extractJSON(text string) string {
	if i := strings.Index(text, "```json"); i >= 0 {
		rest := text[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func extract[T any](text string) (T, error) {
	var out T
	if err := json.Unmarshal([]byte(extractJSON(text)), &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return out, nil
}

// stripFence removes a single surrounding markdown code fence.
func stripFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") || !strings.HasSuffix(trimmed, "```") || len(trimmed) < 6 {
		return text
	}
	inner := strings.TrimSuffix(trimmed, "```")
	if nl := strings.Index(inner, "\n"); nl >= 0 {
		inner = inner[nl+1:]
	} else {
		return text
	}
	return strings.TrimRight(inner, "\n") + "\n"
}

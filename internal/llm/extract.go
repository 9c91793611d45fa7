package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls a JSON object out of model text. It prefers a fenced
// ```json block, then a bare fence, then the first balanced top-level
// object in the text. Models without native structured output often wrap
// JSON in prose or fences even when told not to.
func ExtractJSON(text string) (json.RawMessage, error) {
	for _, fence := range []string{"```json", "```"} {
		if idx := strings.Index(text, fence); idx >= 0 {
			rest := text[idx+len(fence):]
			if end := strings.Index(rest, "```"); end >= 0 {
				candidate := strings.TrimSpace(rest[:end])
				if json.Valid([]byte(candidate)) {
					return json.RawMessage(candidate), nil
				}
			}
		}
	}

	if candidate, ok := firstObject(text); ok {
		return json.RawMessage(candidate), nil
	}

	trimmed := strings.TrimSpace(text)
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}

	return nil, fmt.Errorf("no JSON object found in model output")
}

// firstObject scans for the first balanced {...} span that parses as
// JSON, tracking string literals so braces inside strings don't count.
func firstObject(text string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				if json.Valid([]byte(candidate)) {
					return candidate, true
				}
				start = -1
			}
		}
	}
	return "", false
}

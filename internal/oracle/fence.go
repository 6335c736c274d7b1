package oracle

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StripFences removes a wrapping markdown code fence from a model reply.
// Models routinely fence JSON output even when told not to; the fence is
// cosmetic and the body inside it is what gets parsed.
func StripFences(s string) string {
	out := strings.TrimSpace(s)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		// Drop the opening fence line, language tag included.
		out = out[i+1:]
	} else {
		out = strings.TrimPrefix(out, "```json")
		out = strings.TrimPrefix(out, "```")
	}
	out = strings.TrimSpace(out)
	out = strings.TrimSuffix(out, "```")
	return strings.TrimSpace(out)
}

// decodePayload strips fences and parses the reply as a single JSON object.
func decodePayload(raw string) (map[string]any, error) {
	text := StripFences(raw)
	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("decode oracle reply: %w", err)
	}
	return payload, nil
}

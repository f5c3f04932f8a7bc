package inference

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SchemaInstructions renders the output contract appended to every system
// prompt: the model must answer with a single JSON object restricted to the
// declared fields, using null for values it cannot determine, and may report
// per-field confidence under the reserved ConfidenceKey.
func SchemaInstructions(fields []FieldSpec) string {
	var b strings.Builder
	b.WriteString("\n\nRespond with a single JSON object and nothing else. Allowed keys:\n")
	for _, f := range fields {
		fmt.Fprintf(&b, "- %q (%s or null)\n", f.Name, f.Type)
	}
	fmt.Fprintf(&b, "Use null for values you cannot determine; never use empty strings. "+
		"Optionally include a %q object mapping field names to confidence scores between 0 and 1.", ConfidenceKey)
	return b.String()
}

// DecodeResponse parses a model text reply into the field map and the
// confidence map. The reserved ConfidenceKey entry is extracted and removed
// from the field set. Markdown code fences around the JSON object are
// tolerated.
func DecodeResponse(text string) (map[string]any, map[string]float64, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var fields map[string]any
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return nil, nil, fmt.Errorf("decode model response: %w", err)
	}

	confidence := make(map[string]float64)
	if raw, ok := fields[ConfidenceKey]; ok {
		delete(fields, ConfidenceKey)
		scores, ok := raw.(map[string]any)
		if !ok {
			return nil, nil, fmt.Errorf("decode model response: %s is not an object", ConfidenceKey)
		}
		for name, v := range scores {
			score, ok := v.(float64)
			if !ok {
				continue // non-numeric score treated as unknown confidence
			}
			confidence[name] = score
		}
	}
	return fields, confidence, nil
}

// Package clarify inspects agent results for low-confidence fields, generates
// targeted follow-up questions, and merges user answers back into the
// original input for a re-run. Both operations are pure: no I/O, same output
// for the same input.
package clarify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/reportflow/reportflow/agent"
)

// DefaultThreshold is the confidence below which a field triggers a
// clarification question.
const DefaultThreshold = 0.9

// Item is one clarification request for a low-confidence field. Items are
// transient: they exist between the orchestration pass that found low
// confidence and the follow-up pass that re-runs with answers merged in.
type Item struct {
	// AgentID is the agent that produced the low-confidence field.
	AgentID string
	// Field is the output field name.
	Field string
	// Value is the current parsed value.
	Value any
	// Confidence is the score that fell below the threshold.
	Confidence float64
	// Question is the generated follow-up question.
	Question string
}

// Answer pairs a clarified field with the user's reply. Order is significant:
// Merge appends answers in the order provided.
type Answer struct {
	Field string
	Text  string
}

// Scan returns one Item per result field whose confidence is strictly below
// threshold. Fields without a recorded confidence are skipped: unknown is not
// low. Failed results carry no fields and produce no items. The registry
// supplies each agent's category, which drives question wording; unknown
// agents get the generic wording.
func Scan(reg *agent.Registry, results []agent.Result, threshold float64) []Item {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	var items []Item
	for _, res := range results {
		if res.Failed() {
			continue
		}
		category := agent.CategoryGeneral
		if def, ok := reg.Lookup(res.AgentID); ok {
			category = def.EffectiveCategory()
		}
		for _, field := range sortedFieldNames(res) {
			confidence, ok := res.Confidence[field]
			if !ok || confidence >= threshold {
				continue
			}
			value := res.Fields[field]
			items = append(items, Item{
				AgentID:    res.AgentID,
				Field:      field,
				Value:      value,
				Confidence: confidence,
				Question:   question(category, field, value),
			})
		}
	}
	return items
}

// Merge appends a deterministic "Additional details:" block to text, one
// non-empty answer per line in the order provided. Whitespace-only answers
// are dropped. With no usable answers the text is returned unchanged, so
// Merge(text, nil) == text.
func Merge(text string, answers []Answer) string {
	var lines []string
	for _, a := range answers {
		t := strings.TrimSpace(a.Text)
		if t == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", a.Field, t))
	}
	if len(lines) == 0 {
		return text
	}
	return text + "\n\nAdditional details:\n" + strings.Join(lines, "\n")
}

// question words the follow-up according to the agent's category.
func question(category agent.Category, field string, value any) string {
	switch category {
	case agent.CategoryLocation:
		return fmt.Sprintf("The location %q is ambiguous. Can you name nearby landmarks or cross-streets?", stringify(value))
	case agent.CategoryTime:
		return fmt.Sprintf("The time was understood as %q. Can you give a specific date and time?", stringify(value))
	case agent.CategoryEntity, agent.CategoryTaxonomy:
		return fmt.Sprintf("Can you describe the %s in more detail?", strings.ReplaceAll(field, "_", " "))
	default:
		return fmt.Sprintf("Can you provide more detail about the %s?", strings.ReplaceAll(field, "_", " "))
	}
}

func stringify(value any) string {
	if value == nil {
		return "unknown"
	}
	return fmt.Sprintf("%v", value)
}

// sortedFieldNames returns the result's field names in deterministic order.
func sortedFieldNames(res agent.Result) []string {
	names := make([]string, 0, len(res.Fields))
	for name := range res.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

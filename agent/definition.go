// Package agent defines the immutable agent configuration model: what an
// agent extracts, which agents must run before it, which tools it may call
// and how its output is scored. Definitions are loaded once at startup and
// never mutated at runtime.
package agent

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// MaxOutputFields bounds the number of output fields an agent may declare and
// the number of keys its results may carry.
const MaxOutputFields = 5

// Category classifies what kind of data an agent extracts. The clarification
// engine uses it to word follow-up questions.
type Category string

const (
	// CategoryLocation marks agents that extract places, addresses or areas.
	CategoryLocation Category = "location"
	// CategoryTime marks agents that extract dates and times.
	CategoryTime Category = "time"
	// CategoryEntity marks agents that extract people, objects or organizations.
	CategoryEntity Category = "entity"
	// CategoryTaxonomy marks agents that classify reports into categories.
	CategoryTaxonomy Category = "category"
	// CategoryGeneral is the fallback for agents without a specialized category.
	CategoryGeneral Category = "general"
)

type (
	// Field describes one declared output field of an agent.
	Field struct {
		// Name is the output key the agent produces.
		Name string `yaml:"name"`
		// Type is the JSON type of the value: string, number, integer or boolean.
		Type string `yaml:"type"`
		// Confidence marks fields whose values carry a confidence score.
		Confidence bool `yaml:"confidence"`
	}

	// Definition is the immutable configuration of one agent. It is loaded at
	// startup, validated once and shared read-only across concurrent runs.
	Definition struct {
		// ID uniquely identifies the agent within a registry.
		ID string `yaml:"id"`
		// DependsOn lists agents whose outputs must be available before this
		// agent runs. Order is preserved when building the effective input.
		DependsOn []string `yaml:"depends_on"`
		// Category drives clarification question wording.
		Category Category `yaml:"category"`
		// SystemPrompt is the instruction template sent to the inference service.
		SystemPrompt string `yaml:"system_prompt"`
		// Output declares the agent's output schema, at most MaxOutputFields
		// fields. Responses outside this schema are rejected.
		Output []Field `yaml:"output"`
		// Tools lists the tool names the agent may request.
		Tools []string `yaml:"tools"`
		// MandatoryTools lists tools without which the agent cannot produce a
		// meaningful result. Must be a subset of Tools. A denied mandatory tool
		// fails the agent instead of degrading it.
		MandatoryTools []string `yaml:"mandatory_tools"`
	}
)

var validFieldTypes = map[string]struct{}{
	"string":  {},
	"number":  {},
	"integer": {},
	"boolean": {},
}

// Validate checks the internal consistency of the definition. It does not
// check cross-agent properties such as dependency cycles; the graph resolver
// owns those.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("agent id is required")
	}
	if slices.Contains(d.DependsOn, d.ID) {
		return fmt.Errorf("agent %q depends on itself", d.ID)
	}
	if len(d.Output) == 0 {
		return fmt.Errorf("agent %q declares no output fields", d.ID)
	}
	if len(d.Output) > MaxOutputFields {
		return fmt.Errorf("agent %q declares %d output fields, maximum is %d", d.ID, len(d.Output), MaxOutputFields)
	}
	seen := make(map[string]struct{}, len(d.Output))
	for _, f := range d.Output {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("agent %q declares an output field with no name", d.ID)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("agent %q declares output field %q twice", d.ID, f.Name)
		}
		seen[f.Name] = struct{}{}
		if _, ok := validFieldTypes[f.Type]; !ok {
			return fmt.Errorf("agent %q output field %q has unsupported type %q", d.ID, f.Name, f.Type)
		}
	}
	for _, tool := range d.MandatoryTools {
		if !slices.Contains(d.Tools, tool) {
			return fmt.Errorf("agent %q marks tool %q mandatory but does not declare it", d.ID, tool)
		}
	}
	switch d.Category {
	case "", CategoryLocation, CategoryTime, CategoryEntity, CategoryTaxonomy, CategoryGeneral:
	default:
		return fmt.Errorf("agent %q has unknown category %q", d.ID, d.Category)
	}
	return nil
}

// FieldNames returns the declared output field names in declaration order.
func (d Definition) FieldNames() []string {
	names := make([]string, len(d.Output))
	for i, f := range d.Output {
		names[i] = f.Name
	}
	return names
}

// HasField reports whether name is a declared output field.
func (d Definition) HasField(name string) bool {
	for _, f := range d.Output {
		if f.Name == name {
			return true
		}
	}
	return false
}

// IsMandatory reports whether the named tool is mandatory for this agent.
func (d Definition) IsMandatory(tool string) bool {
	return slices.Contains(d.MandatoryTools, tool)
}

// EffectiveCategory returns the category, defaulting to CategoryGeneral.
func (d Definition) EffectiveCategory() Category {
	if d.Category == "" {
		return CategoryGeneral
	}
	return d.Category
}

// Package mapper holds the mapper document schema and the rule evaluation
// engine. Everything in here is pure: no stores, no clocks beyond what the
// caller passes in, so the engine is unit-testable in isolation.
package mapper

import "fmt"

type ConditionType string

const (
	ConditionTraitCheck       ConditionType = "trait_check"
	ConditionNarrativeCheck   ConditionType = "narrative_check"
	ConditionObservationCheck ConditionType = "observation_check"
)

type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

func validOperator(op Operator) bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains, OpExists, OpNotExists:
		return true
	}
	return false
}

type ActionType string

const (
	ActionGenerateSuggestion ActionType = "generate_suggestion"
	ActionSetField           ActionType = "set_field"
)

type Metadata struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	Version         int    `json:"version,omitempty"`
	DefaultTTLHours int    `json:"default_ttl_hours,omitempty"`
}

// Condition is a closed variant: exactly one of All, Any, or Leaf is set.
// Groups nest arbitrarily; leaves dispatch by ConditionType.
type Condition struct {
	All  []Condition `json:"all,omitempty"`
	Any  []Condition `json:"any,omitempty"`
	Leaf *Leaf       `json:"-"`
}

// Leaf is a single tagged check. Which fields are meaningful depends on
// Type: trait_check uses Path, narrative_check uses Query/MinSimilarity,
// observation_check uses Field and the optional ObservationType filter.
type Leaf struct {
	Type            ConditionType `json:"type"`
	Path            string        `json:"path,omitempty"`
	Field           string        `json:"field,omitempty"`
	ObservationType string        `json:"observation_type,omitempty"`
	Operator        Operator      `json:"operator,omitempty"`
	Value           any           `json:"value,omitempty"`
	Query           string        `json:"query,omitempty"`
	MinSimilarity   float64       `json:"min_similarity,omitempty"`
}

type Rule struct {
	ID         string     `json:"id"`
	Weight     float64    `json:"weight"`
	Conditions Condition  `json:"conditions"`
	Actions    []Action   `json:"actions"`
}

type Action struct {
	Type               ActionType        `json:"type"`
	GenerateSuggestion *SuggestionAction `json:"generate_suggestion,omitempty"`
	SetField           *SetFieldAction   `json:"set_field,omitempty"`
}

type SuggestionAction struct {
	Template   string                 `json:"template"`
	Parameters map[string]ParamSource `json:"parameters,omitempty"`
}

// ParamSource resolves a template parameter from the trait snapshot, the
// caller context, or a literal default, optionally transformed.
type ParamSource struct {
	FromTrait   string `json:"from_trait,omitempty"`
	FromContext string `json:"from_context,omitempty"`
	Default     any    `json:"default,omitempty"`
	Transform   string `json:"transform,omitempty"`
}

type SetFieldAction struct {
	Target      string `json:"target"` // "core" or "overlay"
	Field       string `json:"field"`  // dot-delimited output path
	Value       any    `json:"value,omitempty"`
	FromTrait   string `json:"from_trait,omitempty"`
	FromContext string `json:"from_context,omitempty"`
}

type Template struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    string         `json:"priority,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type Document struct {
	Metadata       Metadata            `json:"metadata"`
	RequiredTraits []string            `json:"required_traits,omitempty"`
	Rules          []Rule              `json:"rules"`
	Templates      map[string]Template `json:"templates,omitempty"`
}

// ValidationError carries every problem found in a document so uploaders
// can fix them in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid mapper document: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid mapper document (%d problems), first: %s", len(e.Problems), e.Problems[0])
}

package mapper

import (
	"encoding/json"
	"strings"
	"testing"
)

const sampleYAML = `
metadata:
  id: daily-work-optimizer
  name: Daily Work Optimizer
  description: Suggests schedule adjustments from work patterns.
  default_ttl_hours: 6
required_traits:
  - work.focus_duration
rules:
  - id: morning-focus
    weight: 2.0
    conditions:
      all:
        - type: trait_check
          path: work.energy_patterns.morning
          operator: equals
          value: high
        - any:
            - type: narrative_check
              query: morning productivity
              min_similarity: 0.7
            - type: observation_check
              field: duration_minutes
              observation_type: work_session
              operator: greater_than
              value: 90
    actions:
      - type: generate_suggestion
        generate_suggestion:
          template: deep_work
          parameters:
            duration:
              from_trait: work.focus_duration
              transform: minutes_to_hours
              default: 1 hour
      - type: set_field
        set_field:
          target: overlay
          field: current_state.mode
          value: focus
templates:
  deep_work:
    title: Block {duration} for deep work
    description: Your mornings are your best hours.
    priority: high
`

func TestParseYAMLDocument(t *testing.T) {
	doc, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if doc.Metadata.ID != "daily-work-optimizer" {
		t.Fatalf("metadata.id: got=%q", doc.Metadata.ID)
	}
	if doc.Metadata.DefaultTTLHours != 6 {
		t.Fatalf("default_ttl_hours: want=6 got=%d", doc.Metadata.DefaultTTLHours)
	}
	if len(doc.Rules) != 1 {
		t.Fatalf("rules: want=1 got=%d", len(doc.Rules))
	}

	rule := doc.Rules[0]
	if rule.Weight != 2.0 {
		t.Fatalf("weight: want=2.0 got=%v", rule.Weight)
	}
	if len(rule.Conditions.All) != 2 {
		t.Fatalf("all group: want=2 conditions got=%d", len(rule.Conditions.All))
	}
	leaf := rule.Conditions.All[0].Leaf
	if leaf == nil || leaf.Type != ConditionTraitCheck || leaf.Operator != OpEquals {
		t.Fatalf("first leaf: got=%+v", leaf)
	}
	nested := rule.Conditions.All[1]
	if len(nested.Any) != 2 {
		t.Fatalf("nested any group: want=2 got=%d", len(nested.Any))
	}
	if nested.Any[0].Leaf.MinSimilarity != 0.7 {
		t.Fatalf("min_similarity: want=0.7 got=%v", nested.Any[0].Leaf.MinSimilarity)
	}

	if len(rule.Actions) != 2 {
		t.Fatalf("actions: want=2 got=%d", len(rule.Actions))
	}
	sa := rule.Actions[0].GenerateSuggestion
	if sa == nil || sa.Template != "deep_work" {
		t.Fatalf("generate_suggestion: got=%+v", sa)
	}
	if sa.Parameters["duration"].Transform != "minutes_to_hours" {
		t.Fatalf("parameter transform: got=%+v", sa.Parameters["duration"])
	}
	sf := rule.Actions[1].SetField
	if sf == nil || sf.Target != "overlay" || sf.Field != "current_state.mode" {
		t.Fatalf("set_field: got=%+v", sf)
	}

	if doc.Templates["deep_work"].Priority != "high" {
		t.Fatalf("template priority: got=%q", doc.Templates["deep_work"].Priority)
	}
}

// A parsed document serialized to JSON and parsed again must mean the
// same thing: uploads may be YAML but storage is always JSON.
func TestParseJSONRoundTrip(t *testing.T) {
	doc, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := Parse(encoded)
	if err != nil {
		t.Fatalf("parse stored json: %v", err)
	}

	if again.Metadata != doc.Metadata {
		t.Fatalf("metadata drift: want=%+v got=%+v", doc.Metadata, again.Metadata)
	}
	if len(again.Rules) != len(doc.Rules) {
		t.Fatalf("rules drift: want=%d got=%d", len(doc.Rules), len(again.Rules))
	}
	origLeaf := doc.Rules[0].Conditions.All[0].Leaf
	roundLeaf := again.Rules[0].Conditions.All[0].Leaf
	if roundLeaf == nil || roundLeaf.Type != origLeaf.Type || roundLeaf.Path != origLeaf.Path {
		t.Fatalf("leaf drift: want=%+v got=%+v", origLeaf, roundLeaf)
	}
	if again.Rules[0].Weight != doc.Rules[0].Weight {
		t.Fatalf("weight drift: want=%v got=%v", doc.Rules[0].Weight, again.Rules[0].Weight)
	}
	if again.Templates["deep_work"].Title != doc.Templates["deep_work"].Title {
		t.Fatalf("template drift")
	}
}

func TestParseRejectsUnknownConditionType(t *testing.T) {
	raw := `
metadata: {id: m, name: M}
rules:
  - id: r1
    conditions:
      type: regex_check
      path: a.b
      operator: equals
      value: x
    actions:
      - type: set_field
        set_field: {target: core, field: f, value: 1}
`
	_, err := Parse([]byte(raw))
	requireProblem(t, err, "unknown condition type")
}

func TestParseRejectsMixedConditionNode(t *testing.T) {
	raw := `
metadata: {id: m, name: M}
rules:
  - id: r1
    conditions:
      all:
        - type: trait_check
          path: a
          operator: exists
      any:
        - type: trait_check
          path: b
          operator: exists
    actions:
      - type: set_field
        set_field: {target: core, field: f, value: 1}
`
	_, err := Parse([]byte(raw))
	requireProblem(t, err, "exactly one of")
}

func TestParseRejectsUndefinedTemplateReference(t *testing.T) {
	raw := `
metadata: {id: m, name: M}
rules:
  - id: r1
    conditions: {type: trait_check, path: a, operator: exists}
    actions:
      - type: generate_suggestion
        generate_suggestion: {template: ghost}
`
	_, err := Parse([]byte(raw))
	requireProblem(t, err, "undefined template")
}

func TestParseCollectsAllProblems(t *testing.T) {
	raw := `
metadata: {description: no id or name}
rules:
  - weight: -1
    conditions: {type: trait_check, operator: bogus}
    actions: []
`
	_, err := Parse([]byte(raw))
	verr := requireProblem(t, err, "metadata.id: required")

	if len(verr.Problems) < 4 {
		t.Fatalf("want every problem reported, got %d: %v", len(verr.Problems), verr.Problems)
	}
}

func TestParseRejectsDuplicateRuleIDs(t *testing.T) {
	raw := `
metadata: {id: m, name: M}
rules:
  - id: same
    conditions: {type: trait_check, path: a, operator: exists}
    actions:
      - type: set_field
        set_field: {target: core, field: f, value: 1}
  - id: same
    conditions: {type: trait_check, path: b, operator: exists}
    actions:
      - type: set_field
        set_field: {target: core, field: g, value: 2}
`
	_, err := Parse([]byte(raw))
	requireProblem(t, err, "duplicate rule id")
}

func TestParseRejectsBadMinSimilarity(t *testing.T) {
	raw := `
metadata: {id: m, name: M}
rules:
  - id: r1
    conditions: {type: narrative_check, query: q, min_similarity: 1.5}
    actions:
      - type: set_field
        set_field: {target: core, field: f, value: 1}
`
	_, err := Parse([]byte(raw))
	requireProblem(t, err, "min_similarity must be in")
}

func TestParseRejectsSetFieldWithMultipleSources(t *testing.T) {
	raw := `
metadata: {id: m, name: M}
rules:
  - id: r1
    conditions: {type: trait_check, path: a, operator: exists}
    actions:
      - type: set_field
        set_field: {target: core, field: f, value: 1, from_trait: a.b}
`
	_, err := Parse([]byte(raw))
	requireProblem(t, err, "exactly one of value, from_trait, from_context")
}

func requireProblem(t *testing.T, err error, substr string) *ValidationError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected validation error containing %q", substr)
	}
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
	for _, p := range verr.Problems {
		if strings.Contains(p, substr) {
			return verr
		}
	}
	t.Fatalf("no problem contains %q, got %v", substr, verr.Problems)
	return nil
}

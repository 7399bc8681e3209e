package mapper

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a mapper document from YAML or JSON and validates it.
// JSON is a subset of YAML, so a single decode path covers both upload
// formats and documents re-read from storage. On failure the returned
// error is a *ValidationError listing every problem found.
func Parse(raw []byte) (*Document, error) {
	var root map[string]any
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("document is not valid YAML or JSON: %v", err)}}
	}
	if len(root) == 0 {
		return nil, &ValidationError{Problems: []string{"document is empty"}}
	}

	b := &builder{}
	doc := b.document(root)
	if len(b.problems) > 0 {
		return nil, &ValidationError{Problems: b.problems}
	}
	return doc, nil
}

// MarshalJSON emits a leaf's fields inline so a serialized Condition reads
// the same as its source document form.
func (c Condition) MarshalJSON() ([]byte, error) {
	if c.Leaf != nil {
		return json.Marshal(c.Leaf)
	}
	type group struct {
		All []Condition `json:"all,omitempty"`
		Any []Condition `json:"any,omitempty"`
	}
	return json.Marshal(group{All: c.All, Any: c.Any})
}

func (c *Condition) UnmarshalJSON(raw []byte) error {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	b := &builder{}
	*c = b.condition("condition", m)
	if len(b.problems) > 0 {
		return &ValidationError{Problems: b.problems}
	}
	return nil
}

type builder struct {
	problems []string
}

func (b *builder) fail(format string, args ...any) {
	b.problems = append(b.problems, fmt.Sprintf(format, args...))
}

func (b *builder) document(root map[string]any) *Document {
	doc := &Document{}

	meta, ok := asMap(root["metadata"])
	if !ok {
		b.fail("metadata: missing or not a mapping")
	} else {
		doc.Metadata = b.metadata(meta)
	}

	if rt, present := root["required_traits"]; present {
		items, ok := asSlice(rt)
		if !ok {
			b.fail("required_traits: must be a list of trait paths")
		}
		for i, item := range items {
			s, ok := item.(string)
			if !ok || s == "" {
				b.fail("required_traits[%d]: must be a non-empty string", i)
				continue
			}
			doc.RequiredTraits = append(doc.RequiredTraits, s)
		}
	}

	if tpls, present := root["templates"]; present {
		m, ok := asMap(tpls)
		if !ok {
			b.fail("templates: must be a mapping of template name to template")
		} else {
			doc.Templates = make(map[string]Template, len(m))
			for _, name := range sortedKeys(m) {
				tm, ok := asMap(m[name])
				if !ok {
					b.fail("templates.%s: must be a mapping", name)
					continue
				}
				doc.Templates[name] = b.template(name, tm)
			}
		}
	}

	rules, ok := asSlice(root["rules"])
	if !ok || len(rules) == 0 {
		b.fail("rules: at least one rule is required")
		return doc
	}
	seen := map[string]bool{}
	for i, r := range rules {
		rm, ok := asMap(r)
		if !ok {
			b.fail("rules[%d]: must be a mapping", i)
			continue
		}
		rule := b.rule(i, rm, doc.Templates)
		if rule.ID != "" {
			if seen[rule.ID] {
				b.fail("rules[%d]: duplicate rule id %q", i, rule.ID)
			}
			seen[rule.ID] = true
		}
		doc.Rules = append(doc.Rules, rule)
	}
	return doc
}

func (b *builder) metadata(m map[string]any) Metadata {
	meta := Metadata{
		ID:          stringField(m, "id"),
		Name:        stringField(m, "name"),
		Description: stringField(m, "description"),
	}
	if meta.ID == "" {
		b.fail("metadata.id: required")
	}
	if meta.Name == "" {
		b.fail("metadata.name: required")
	}
	if v, present := m["version"]; present {
		n, ok := asInt(v)
		if !ok || n < 0 {
			b.fail("metadata.version: must be a non-negative integer")
		} else {
			meta.Version = n
		}
	}
	if v, present := m["default_ttl_hours"]; present {
		n, ok := asInt(v)
		if !ok || n <= 0 {
			b.fail("metadata.default_ttl_hours: must be a positive integer")
		} else {
			meta.DefaultTTLHours = n
		}
	}
	return meta
}

func (b *builder) rule(idx int, m map[string]any, templates map[string]Template) Rule {
	rule := Rule{ID: stringField(m, "id"), Weight: 1.0}
	label := fmt.Sprintf("rules[%d]", idx)
	if rule.ID == "" {
		b.fail("%s.id: required", label)
	} else {
		label = fmt.Sprintf("rules[%d] (%s)", idx, rule.ID)
	}

	if w, present := m["weight"]; present {
		f, ok := asFloat(w)
		if !ok || f <= 0 {
			b.fail("%s.weight: must be a positive number", label)
		} else {
			rule.Weight = f
		}
	}

	cond, ok := asMap(m["conditions"])
	if !ok {
		b.fail("%s.conditions: missing or not a mapping", label)
	} else {
		rule.Conditions = b.condition(label+".conditions", cond)
	}

	actions, ok := asSlice(m["actions"])
	if !ok || len(actions) == 0 {
		b.fail("%s.actions: at least one action is required", label)
		return rule
	}
	for i, a := range actions {
		am, ok := asMap(a)
		if !ok {
			b.fail("%s.actions[%d]: must be a mapping", label, i)
			continue
		}
		rule.Actions = append(rule.Actions, b.action(fmt.Sprintf("%s.actions[%d]", label, i), am, templates))
	}
	return rule
}

// condition accepts either a group ({all: [...]} or {any: [...]}) or a
// typed leaf. Anything else is rejected; there is no open-ended escape
// hatch in the condition grammar.
func (b *builder) condition(label string, m map[string]any) Condition {
	_, hasAll := m["all"]
	_, hasAny := m["any"]
	_, hasType := m["type"]

	switch {
	case hasAll && !hasAny && !hasType:
		items, ok := asSlice(m["all"])
		if !ok || len(items) == 0 {
			b.fail("%s.all: must be a non-empty list of conditions", label)
			return Condition{}
		}
		out := Condition{All: make([]Condition, 0, len(items))}
		for i, item := range items {
			cm, ok := asMap(item)
			if !ok {
				b.fail("%s.all[%d]: must be a mapping", label, i)
				continue
			}
			out.All = append(out.All, b.condition(fmt.Sprintf("%s.all[%d]", label, i), cm))
		}
		return out
	case hasAny && !hasAll && !hasType:
		items, ok := asSlice(m["any"])
		if !ok || len(items) == 0 {
			b.fail("%s.any: must be a non-empty list of conditions", label)
			return Condition{}
		}
		out := Condition{Any: make([]Condition, 0, len(items))}
		for i, item := range items {
			cm, ok := asMap(item)
			if !ok {
				b.fail("%s.any[%d]: must be a mapping", label, i)
				continue
			}
			out.Any = append(out.Any, b.condition(fmt.Sprintf("%s.any[%d]", label, i), cm))
		}
		return out
	case hasType && !hasAll && !hasAny:
		return Condition{Leaf: b.leaf(label, m)}
	default:
		b.fail("%s: must be exactly one of an 'all' group, an 'any' group, or a typed check", label)
		return Condition{}
	}
}

func (b *builder) leaf(label string, m map[string]any) *Leaf {
	leaf := &Leaf{
		Type:            ConditionType(stringField(m, "type")),
		Path:            stringField(m, "path"),
		Field:           stringField(m, "field"),
		ObservationType: stringField(m, "observation_type"),
		Operator:        Operator(stringField(m, "operator")),
		Value:           m["value"],
		Query:           stringField(m, "query"),
	}
	if v, present := m["min_similarity"]; present {
		f, ok := asFloat(v)
		if !ok {
			b.fail("%s.min_similarity: must be a number", label)
		} else {
			leaf.MinSimilarity = f
		}
	}

	switch leaf.Type {
	case ConditionTraitCheck:
		if leaf.Path == "" {
			b.fail("%s: trait_check requires path", label)
		}
		b.checkOperator(label, leaf)
	case ConditionObservationCheck:
		if leaf.Field == "" {
			b.fail("%s: observation_check requires field", label)
		}
		b.checkOperator(label, leaf)
	case ConditionNarrativeCheck:
		if leaf.Query == "" {
			b.fail("%s: narrative_check requires query", label)
		}
		if leaf.MinSimilarity <= 0 || leaf.MinSimilarity > 1 {
			b.fail("%s: narrative_check min_similarity must be in (0, 1]", label)
		}
	default:
		b.fail("%s: unknown condition type %q", label, leaf.Type)
	}
	return leaf
}

func (b *builder) checkOperator(label string, leaf *Leaf) {
	if !validOperator(leaf.Operator) {
		b.fail("%s: unknown operator %q", label, leaf.Operator)
		return
	}
	needsValue := leaf.Operator != OpExists && leaf.Operator != OpNotExists
	if needsValue && leaf.Value == nil {
		b.fail("%s: operator %s requires value", label, leaf.Operator)
	}
}

func (b *builder) action(label string, m map[string]any, templates map[string]Template) Action {
	act := Action{Type: ActionType(stringField(m, "type"))}
	switch act.Type {
	case ActionGenerateSuggestion:
		body, ok := asMap(m["generate_suggestion"])
		if !ok {
			b.fail("%s: generate_suggestion body missing", label)
			return act
		}
		sa := &SuggestionAction{Template: stringField(body, "template")}
		if sa.Template == "" {
			b.fail("%s: generate_suggestion requires template", label)
		} else if _, exists := templates[sa.Template]; !exists {
			b.fail("%s: references undefined template %q", label, sa.Template)
		}
		if params, present := body["parameters"]; present {
			pm, ok := asMap(params)
			if !ok {
				b.fail("%s.parameters: must be a mapping", label)
			} else {
				sa.Parameters = make(map[string]ParamSource, len(pm))
				for _, name := range sortedKeys(pm) {
					sa.Parameters[name] = b.paramSource(fmt.Sprintf("%s.parameters.%s", label, name), pm[name])
				}
			}
		}
		act.GenerateSuggestion = sa
	case ActionSetField:
		body, ok := asMap(m["set_field"])
		if !ok {
			b.fail("%s: set_field body missing", label)
			return act
		}
		sf := &SetFieldAction{
			Target:      stringField(body, "target"),
			Field:       stringField(body, "field"),
			Value:       body["value"],
			FromTrait:   stringField(body, "from_trait"),
			FromContext: stringField(body, "from_context"),
		}
		if sf.Target != "core" && sf.Target != "overlay" {
			b.fail("%s: set_field target must be \"core\" or \"overlay\"", label)
		}
		if sf.Field == "" {
			b.fail("%s: set_field requires field", label)
		}
		sources := 0
		if sf.Value != nil {
			sources++
		}
		if sf.FromTrait != "" {
			sources++
		}
		if sf.FromContext != "" {
			sources++
		}
		if sources != 1 {
			b.fail("%s: set_field requires exactly one of value, from_trait, from_context", label)
		}
		act.SetField = sf
	default:
		b.fail("%s: unknown action type %q", label, act.Type)
	}
	return act
}

func (b *builder) paramSource(label string, v any) ParamSource {
	// A bare scalar is shorthand for a literal default.
	m, ok := asMap(v)
	if !ok {
		return ParamSource{Default: v}
	}
	ps := ParamSource{
		FromTrait:   stringField(m, "from_trait"),
		FromContext: stringField(m, "from_context"),
		Default:     m["default"],
		Transform:   stringField(m, "transform"),
	}
	if ps.FromTrait == "" && ps.FromContext == "" && ps.Default == nil {
		b.fail("%s: requires at least one of from_trait, from_context, default", label)
	}
	if ps.Transform != "" && !validTransform(ps.Transform) {
		b.fail("%s: unknown transform %q", label, ps.Transform)
	}
	return ps
}

func (b *builder) template(name string, m map[string]any) Template {
	tpl := Template{
		Title:       stringField(m, "title"),
		Description: stringField(m, "description"),
		Priority:    stringField(m, "priority"),
	}
	if tpl.Title == "" {
		b.fail("templates.%s: title required", name)
	}
	if tpl.Priority != "" && tpl.Priority != "low" && tpl.Priority != "medium" && tpl.Priority != "high" {
		b.fail("templates.%s: priority must be low, medium, or high", name)
	}
	if md, present := m["metadata"]; present {
		mm, ok := asMap(md)
		if !ok {
			b.fail("templates.%s.metadata: must be a mapping", name)
		} else {
			tpl.Metadata = mm
		}
	}
	return tpl
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asInt(v any) (int, bool) {
	f, ok := asFloat(v)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

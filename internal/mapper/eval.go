package mapper

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TraitValue is one entry of the trait snapshot the evaluation runs
// against. Value carries whatever JSON the extraction pipeline stored.
type TraitValue struct {
	Value      any
	Confidence float64
	SampleSize int
	UpdatedAt  time.Time
}

// ObservationView is the slice of an observation the engine can see.
type ObservationView struct {
	Type      string
	Content   map[string]any
	CreatedAt time.Time
}

type SearchHit struct {
	NarrativeID uuid.UUID
	Excerpt     string
	Similarity  float64
}

// SearchFunc runs a narrative similarity search scoped to the person
// being evaluated. A nil hit means no narrative came back at all.
type SearchFunc func(query string) (*SearchHit, error)

// EvalContext is everything one evaluation pass may consult. The engine
// never reaches outside it.
type EvalContext struct {
	Traits       map[string]TraitValue
	Observations []ObservationView
	Context      map[string]any
	Search       SearchFunc
}

type TriggeredAction struct {
	RuleID string
	Weight float64
	Action Action
}

type NarrativeMatch struct {
	RuleID      string
	Query       string
	NarrativeID uuid.UUID
	Excerpt     string
	Similarity  float64
}

type Warning struct {
	RuleID string
	Reason string
}

type Evaluation struct {
	Actions  []TriggeredAction
	Matches  []NarrativeMatch
	Warnings []Warning
}

// Evaluate runs every rule of doc against ec. A leaf that cannot be
// decided (missing trait, type mismatch, search failure) evaluates false
// and leaves a warning; rules never error the whole pass. Repeated
// narrative queries hit the backend once per pass.
func Evaluate(doc *Document, ec EvalContext) Evaluation {
	ev := &evaluator{ec: ec, searchMemo: map[string]searchResult{}}
	var out Evaluation

	for _, path := range doc.RequiredTraits {
		if _, ok := ec.Traits[path]; !ok {
			out.Warnings = append(out.Warnings, Warning{
				Reason: fmt.Sprintf("required trait %s is not in the snapshot", path),
			})
		}
	}

	for _, rule := range doc.Rules {
		if !ev.evalCondition(rule.ID, rule.Conditions) {
			continue
		}
		for _, act := range rule.Actions {
			out.Actions = append(out.Actions, TriggeredAction{
				RuleID: rule.ID,
				Weight: rule.Weight,
				Action: act,
			})
		}
	}

	out.Matches = ev.matches
	out.Warnings = append(out.Warnings, ev.warnings...)
	return out
}

type searchResult struct {
	hit *SearchHit
	err error
}

type evaluator struct {
	ec         EvalContext
	searchMemo map[string]searchResult
	matches    []NarrativeMatch
	warnings   []Warning
}

func (ev *evaluator) warn(ruleID, format string, args ...any) {
	ev.warnings = append(ev.warnings, Warning{RuleID: ruleID, Reason: fmt.Sprintf(format, args...)})
}

func (ev *evaluator) evalCondition(ruleID string, c Condition) bool {
	switch {
	case c.Leaf != nil:
		return ev.evalLeaf(ruleID, c.Leaf)
	case len(c.All) > 0:
		for _, sub := range c.All {
			if !ev.evalCondition(ruleID, sub) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for _, sub := range c.Any {
			if ev.evalCondition(ruleID, sub) {
				return true
			}
		}
		return false
	default:
		// Empty condition only appears if a document bypassed Parse.
		ev.warn(ruleID, "empty condition node")
		return false
	}
}

func (ev *evaluator) evalLeaf(ruleID string, leaf *Leaf) bool {
	switch leaf.Type {
	case ConditionTraitCheck:
		return ev.evalTraitCheck(ruleID, leaf)
	case ConditionNarrativeCheck:
		return ev.evalNarrativeCheck(ruleID, leaf)
	case ConditionObservationCheck:
		return ev.evalObservationCheck(ruleID, leaf)
	default:
		ev.warn(ruleID, "unknown condition type %q", leaf.Type)
		return false
	}
}

func (ev *evaluator) evalTraitCheck(ruleID string, leaf *Leaf) bool {
	tv, present := ev.ec.Traits[leaf.Path]
	if !present {
		if leaf.Operator == OpNotExists {
			return true
		}
		if leaf.Operator == OpExists {
			return false
		}
		ev.warn(ruleID, "trait %s is not in the snapshot", leaf.Path)
		return false
	}
	ok, err := compare(tv.Value, leaf.Operator, leaf.Value)
	if err != nil {
		ev.warn(ruleID, "trait %s: %v", leaf.Path, err)
		return false
	}
	return ok
}

func (ev *evaluator) evalNarrativeCheck(ruleID string, leaf *Leaf) bool {
	if ev.ec.Search == nil {
		ev.warn(ruleID, "narrative search unavailable")
		return false
	}
	res, memoized := ev.searchMemo[leaf.Query]
	if !memoized {
		hit, err := ev.ec.Search(leaf.Query)
		res = searchResult{hit: hit, err: err}
		ev.searchMemo[leaf.Query] = res
	}
	if res.err != nil {
		ev.warn(ruleID, "narrative search %q failed: %v", leaf.Query, res.err)
		return false
	}
	if res.hit == nil || res.hit.Similarity < leaf.MinSimilarity {
		return false
	}
	ev.matches = append(ev.matches, NarrativeMatch{
		RuleID:      ruleID,
		Query:       leaf.Query,
		NarrativeID: res.hit.NarrativeID,
		Excerpt:     res.hit.Excerpt,
		Similarity:  res.hit.Similarity,
	})
	return true
}

// evalObservationCheck passes if any recent observation (optionally
// filtered by type) satisfies the operator against the named content
// field. Missing fields never warn; absence of signal is a normal state.
func (ev *evaluator) evalObservationCheck(ruleID string, leaf *Leaf) bool {
	for _, obs := range ev.ec.Observations {
		if leaf.ObservationType != "" && obs.Type != leaf.ObservationType {
			continue
		}
		val, found := lookupPath(obs.Content, leaf.Field)
		switch leaf.Operator {
		case OpExists:
			if found {
				return true
			}
			continue
		case OpNotExists:
			if found {
				return false
			}
			continue
		}
		if !found {
			continue
		}
		ok, err := compare(val, leaf.Operator, leaf.Value)
		if err != nil {
			ev.warn(ruleID, "observation field %s: %v", leaf.Field, err)
			return false
		}
		if ok {
			return true
		}
	}
	return leaf.Operator == OpNotExists
}

func compare(actual any, op Operator, expected any) (bool, error) {
	switch op {
	case OpExists:
		return actual != nil, nil
	case OpNotExists:
		return actual == nil, nil
	case OpEquals:
		return looseEqual(actual, expected), nil
	case OpNotEquals:
		return !looseEqual(actual, expected), nil
	case OpGreaterThan, OpLessThan:
		a, okA := asFloat(actual)
		e, okE := asFloat(expected)
		if !okA || !okE {
			return false, fmt.Errorf("operator %s needs numeric operands, got %T and %T", op, actual, expected)
		}
		if op == OpGreaterThan {
			return a > e, nil
		}
		return a < e, nil
	case OpContains:
		switch av := actual.(type) {
		case string:
			es, ok := expected.(string)
			if !ok {
				return false, fmt.Errorf("contains against a string needs a string value, got %T", expected)
			}
			return strings.Contains(av, es), nil
		case []any:
			for _, item := range av {
				if looseEqual(item, expected) {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, fmt.Errorf("contains needs a string or list operand, got %T", actual)
		}
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

// looseEqual compares with numeric coercion so a YAML int matches a JSON
// float of the same magnitude.
func looseEqual(a, b any) bool {
	if fa, okA := asFloat(a); okA {
		if fb, okB := asFloat(b); okB {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// lookupPath walks a dot-delimited path through nested JSON maps.
func lookupPath(m map[string]any, path string) (any, bool) {
	if m == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = m
	for _, part := range parts {
		cm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = cm[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

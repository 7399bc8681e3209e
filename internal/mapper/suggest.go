package mapper

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Suggestion is a realized generate_suggestion action: template text with
// parameters substituted, ready to land in a persona overlay.
type Suggestion struct {
	RuleID      string         `json:"rule_id"`
	Template    string         `json:"template"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	Weight      float64        `json:"weight"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// RealizeSuggestion resolves a triggered generate_suggestion action into a
// Suggestion. Parameters that resolve to nothing leave their placeholder
// in the text and a warning; a triggered rule still produces output.
func (d *Document) RealizeSuggestion(ta TriggeredAction, ec EvalContext) (*Suggestion, []Warning) {
	sa := ta.Action.GenerateSuggestion
	if sa == nil {
		return nil, []Warning{{RuleID: ta.RuleID, Reason: "action is not a generate_suggestion"}}
	}
	tpl, ok := d.Templates[sa.Template]
	if !ok {
		return nil, []Warning{{RuleID: ta.RuleID, Reason: fmt.Sprintf("template %q not defined", sa.Template)}}
	}

	var warnings []Warning
	params := make(map[string]string, len(sa.Parameters))
	for name, src := range sa.Parameters {
		val, resolved := resolveParam(src, ec)
		if !resolved {
			warnings = append(warnings, Warning{
				RuleID: ta.RuleID,
				Reason: fmt.Sprintf("parameter %s of template %s could not be resolved", name, sa.Template),
			})
			continue
		}
		params[name] = formatParamValue(val)
	}

	return &Suggestion{
		RuleID:      ta.RuleID,
		Template:    sa.Template,
		Title:       interpolate(tpl.Title, params),
		Description: interpolate(tpl.Description, params),
		Priority:    tpl.Priority,
		Weight:      ta.Weight,
		Metadata:    tpl.Metadata,
	}, warnings
}

func resolveParam(src ParamSource, ec EvalContext) (any, bool) {
	var val any
	found := false
	if src.FromTrait != "" {
		if tv, ok := ec.Traits[src.FromTrait]; ok {
			val, found = tv.Value, true
		}
	}
	if !found && src.FromContext != "" {
		val, found = lookupPath(ec.Context, src.FromContext)
	}
	if found && src.Transform != "" {
		if transformed, ok := applyTransform(src.Transform, val); ok {
			return transformed, true
		}
		found = false
	}
	if !found && src.Default != nil {
		return src.Default, true
	}
	return val, found
}

func interpolate(text string, params map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := match[1 : len(match)-1]
		if val, ok := params[name]; ok {
			return val
		}
		return match
	})
}

func validTransform(name string) bool {
	switch name {
	case "minutes_to_hours", "capitalize", "lower":
		return true
	}
	return false
}

func applyTransform(name string, val any) (any, bool) {
	switch name {
	case "minutes_to_hours":
		minutes, ok := asFloat(val)
		if !ok {
			return nil, false
		}
		hours := minutes / 60
		if hours == math.Trunc(hours) {
			if hours == 1 {
				return "1 hour", true
			}
			return fmt.Sprintf("%d hours", int(hours)), true
		}
		return fmt.Sprintf("%.1f hours", hours), true
	case "capitalize":
		s, ok := val.(string)
		if !ok || s == "" {
			return nil, false
		}
		return strings.ToUpper(s[:1]) + s[1:], true
	case "lower":
		s, ok := val.(string)
		if !ok {
			return nil, false
		}
		return strings.ToLower(s), true
	}
	return nil, false
}

func formatParamValue(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// PriorityRank orders suggestion priorities for overlay trimming.
func PriorityRank(priority string) int {
	switch priority {
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	}
	return 0
}

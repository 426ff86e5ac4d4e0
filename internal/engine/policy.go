package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/IngaCherny/AgentsLeak/internal/models"
)

// EventData flattens an enriched event into the map policy conditions and
// sequence steps read from. Selected raw payload fields are promoted to the
// top level so conditions can address them without knowing the envelope.
func EventData(e *models.Event) map[string]any {
	raw := e.RawPayload
	if raw == nil {
		raw = map[string]any{}
	}
	toolInput := e.ToolInput
	if toolInput == nil {
		toolInput = map[string]any{}
	}
	toolResult := e.ToolResult
	if toolResult == nil {
		toolResult = map[string]any{}
	}
	sessionCWD := raw["session_cwd"]
	if sessionCWD == nil {
		sessionCWD = raw["cwd"]
	}
	return map[string]any{
		"id":                e.ID.String(),
		"session_id":        e.SessionID,
		"hook_type":         string(e.HookType),
		"tool_name":         e.ToolName,
		"tool_input":        toolInput,
		"tool_result":       toolResult,
		"category":          string(e.Category),
		"severity":          string(e.Severity),
		"file_paths":        e.FilePaths,
		"commands":          e.Commands,
		"urls":              e.URLs,
		"ip_addresses":      e.IPAddresses,
		"permission_mode":   raw["permission_mode"],
		"query":             raw["query"],
		"transcript_path":   raw["transcript_path"],
		"session_cwd":       sessionCWD,
		"parent_session_id": raw["parent_session_id"],
	}
}

// PolicyMatches reports whether an enabled policy matches the event data.
// Category and tool allowlists gate first; then conditions combine under
// the policy's logic ("any" is OR, anything else is AND).
func PolicyMatches(p *models.Policy, data map[string]any) bool {
	if !p.Enabled {
		return false
	}
	if len(p.Categories) > 0 {
		cat, _ := data["category"].(string)
		if !containsCategory(p.Categories, cat) {
			return false
		}
	}
	if len(p.Tools) > 0 {
		tool, _ := data["tool_name"].(string)
		found := false
		for _, t := range p.Tools {
			if t == tool {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(p.Conditions) == 0 {
		return true
	}
	if p.ConditionLogic == "any" {
		for _, c := range p.Conditions {
			if conditionMatches(c, data) {
				return true
			}
		}
		return false
	}
	for _, c := range p.Conditions {
		if !conditionMatches(c, data) {
			return false
		}
	}
	return true
}

// conditionMatches evaluates one predicate. A missing field path is a miss.
// List-valued fields match if any element satisfies the operator.
func conditionMatches(c models.RuleCondition, data map[string]any) bool {
	value := lookupPath(data, c.Field)
	if value == nil {
		return false
	}
	for _, elem := range scalarValues(value) {
		if operatorMatches(c, elem) {
			return true
		}
	}
	return false
}

func operatorMatches(c models.RuleCondition, fieldValue any) bool {
	fieldStr := stringify(fieldValue)
	condStr := stringify(c.Value)
	if !c.CaseSensitive {
		fieldStr = strings.ToLower(fieldStr)
		condStr = strings.ToLower(condStr)
	}

	switch c.Operator {
	case models.OpEquals:
		return fieldStr == condStr
	case models.OpNotEquals:
		return fieldStr != condStr
	case models.OpContains:
		return strings.Contains(fieldStr, condStr)
	case models.OpNotContains:
		return !strings.Contains(fieldStr, condStr)
	case models.OpStartsWith:
		return strings.HasPrefix(fieldStr, condStr)
	case models.OpEndsWith:
		return strings.HasSuffix(fieldStr, condStr)
	case models.OpMatches, models.OpNotMatches:
		pattern := stringify(c.Value)
		if !c.CaseSensitive {
			pattern = `(?i)` + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		matched := re.MatchString(stringify(fieldValue))
		if c.Operator == models.OpNotMatches {
			return !matched
		}
		return matched
	case models.OpGreaterThan, models.OpLessThan:
		fv, ok1 := toFloat(fieldValue)
		cv, ok2 := toFloat(c.Value)
		if !ok1 || !ok2 {
			return false
		}
		if c.Operator == models.OpGreaterThan {
			return fv > cv
		}
		return fv < cv
	case models.OpIn, models.OpNotIn:
		found := false
		for _, candidate := range scalarValues(c.Value) {
			s := stringify(candidate)
			if !c.CaseSensitive {
				s = strings.ToLower(s)
			}
			if s == fieldStr {
				found = true
				break
			}
		}
		if c.Operator == models.OpNotIn {
			return !found
		}
		return found
	}
	return false
}

// lookupPath resolves a dot-separated path against nested maps. Any segment
// that is not a map, or a missing key, yields nil.
func lookupPath(data map[string]any, path string) any {
	var value any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return nil
		}
		value = m[part]
		if value == nil {
			return nil
		}
	}
	return value
}

// scalarValues unwraps list values into their elements; scalars pass
// through as a single-element slice.
func scalarValues(v any) []any {
	switch vv := v.(type) {
	case []any:
		return vv
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

func stringify(v any) string {
	switch vv := v.(type) {
	case string:
		return vv
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(vv, 'f', -1, 64)
	case int:
		return strconv.Itoa(vv)
	case bool:
		return strconv.FormatBool(vv)
	default:
		return fmt.Sprintf("%v", vv)
	}
}

func toFloat(v any) (float64, bool) {
	switch vv := v.(type) {
	case float64:
		return vv, true
	case int:
		return float64(vv), true
	case int64:
		return float64(vv), true
	case string:
		f, err := strconv.ParseFloat(vv, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func containsCategory(cats []models.EventCategory, cat string) bool {
	for _, c := range cats {
		if string(c) == cat {
			return true
		}
	}
	return false
}

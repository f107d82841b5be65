// Package interp resolves {{path}} references in node configuration against
// the accumulated outputs of an execution.
package interp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/corvid-labs/flume/pkg/schema"
)

// Scope holds the data available for reference resolution during one
// execution. Outputs maps node IDs to their recorded output.
type Scope struct {
	Input   map[string]any            // run input
	Trigger map[string]any            // trigger node output
	Outputs map[string]map[string]any // node ID -> output
	Resume  map[string]any            // payload delivered at resume, nil until then
	Types   map[string][]string       // node type -> node IDs in the order they ran
}

// NewScope creates an empty scope seeded with the run input.
func NewScope(input map[string]any) *Scope {
	return &Scope{
		Input:   input,
		Outputs: make(map[string]map[string]any),
		Types:   make(map[string][]string),
	}
}

// Record stores a node's output and indexes it by type for type-based lookup.
func (s *Scope) Record(node *schema.Node, output map[string]any) {
	s.Outputs[node.ID] = output
	s.Types[string(node.Type)] = append(s.Types[string(node.Type)], node.ID)
	if node.Type == schema.NodeTrigger && s.Trigger == nil {
		s.Trigger = output
	}
}

// deniedSegments are path segments that are never resolved. References
// containing them stay as literal text in the output.
var deniedSegments = map[string]bool{
	"__proto__":   true,
	"prototype":   true,
	"constructor": true,
}

// Resolve expands every {{path}} reference in s. References that cannot be
// resolved are left in place as literal text rather than failing the node.
func Resolve(s string, scope *Scope) string {
	if !strings.Contains(s, "{{") {
		return s
	}

	var out strings.Builder
	out.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			out.WriteString(s[i:])
			break
		}

		out.WriteString(s[i : i+idx])
		start := i + idx + 2

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			// Unclosed marker, keep the rest verbatim.
			out.WriteString(s[i+idx:])
			break
		}
		end += start

		token := s[i+idx : end+2]
		path := strings.TrimSpace(s[start:end])

		val, ok := lookup(path, scope)
		if !ok {
			out.WriteString(token)
		} else {
			out.WriteString(stringify(val))
		}

		i = end + 2
	}

	return out.String()
}

// ResolveValue expands references in an arbitrary decoded JSON value,
// recursing into maps and slices. A string consisting of exactly one
// reference is replaced by the raw resolved value so numbers, booleans and
// objects keep their type.
func ResolveValue(v any, scope *Scope) any {
	switch val := v.(type) {
	case string:
		if path, sole := soleReference(val); sole {
			if resolved, ok := lookup(path, scope); ok {
				return resolved
			}
			return val
		}
		return Resolve(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = ResolveValue(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ResolveValue(item, scope)
		}
		return out
	default:
		return v
	}
}

// ResolveRaw expands references inside raw JSON config, preserving value
// types for whole-string references.
func ResolveRaw(raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 || !strings.Contains(string(raw), "{{") {
		return raw, nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "config is not valid JSON").WithCause(err)
	}

	resolved := ResolveValue(decoded, scope)
	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "failed to re-encode resolved config").WithCause(err)
	}
	return out, nil
}

// soleReference reports whether s is exactly one {{path}} token and returns
// the inner path.
func soleReference(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{{") || !strings.HasSuffix(trimmed, "}}") {
		return "", false
	}
	inner := trimmed[2 : len(trimmed)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// lookup resolves a dot path against the scope. The first segment selects the
// namespace: "input", "trigger", "resume", a node ID, or a node type (first
// matching node wins). ok is false when the path cannot be resolved or
// touches a denied segment.
func lookup(path string, scope *Scope) (any, bool) {
	if path == "" || scope == nil {
		return nil, false
	}

	segments := strings.Split(path, ".")
	for _, seg := range segments {
		if deniedSegments[seg] {
			return nil, false
		}
	}

	head, rest := segments[0], segments[1:]

	switch head {
	case "input":
		return traverse(anyMap(scope.Input), rest)
	case "trigger":
		return traverse(anyMap(scope.Trigger), rest)
	case schema.ResumePayloadKey:
		if scope.Resume == nil {
			return nil, false
		}
		return traverse(anyMap(scope.Resume), rest)
	}

	if output, ok := scope.Outputs[head]; ok {
		return traverse(anyMap(output), rest)
	}

	// Fall back to node type: the first recorded node of that type.
	if ids := scope.Types[head]; len(ids) > 0 {
		return traverse(anyMap(scope.Outputs[ids[0]]), rest)
	}

	return nil, false
}

// traverse walks nested maps following path segments.
func traverse(root any, segments []string) (any, bool) {
	current := root
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// anyMap widens a typed map so traverse can treat the namespace root like any
// other nested value.
func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// stringify renders a resolved value for embedding inside a larger string.
// Scalars use their natural text form, composites are JSON-encoded.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

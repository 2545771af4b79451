package runtime

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ocx/backend/internal/apperrors"
	"github.com/ocx/backend/internal/domain"
)

// evalContext is the root object expression templates and ref lookups
// resolve against, mirroring the {trigger, steps, env} shape the reference
// executor this package is modeled on builds for every node.
type evalContext struct {
	Trigger map[string]interface{}
	Steps   map[string]interface{}
	Env     map[string]interface{}
}

func (c evalContext) asMap() map[string]interface{} {
	return map[string]interface{}{
		"trigger": c.Trigger,
		"steps":   c.Steps,
		"env":     c.Env,
	}
}

// templateExpr matches a {{dotted.path}} placeholder. No pack library
// offers scoped, sandboxed single-expression evaluation without pulling in
// a general-purpose template engine, so this is a small hand-rolled
// evaluator (see DESIGN.md).
var templateExpr = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\[\]]+)\s*\}\}`)

// resolveParameters turns a node's declared parameters into concrete values
// ready to hand to a connector or evaluate as a condition/transform.
func resolveParameters(params map[string]domain.ParamValue, ctx evalContext) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(params))
	for key, pv := range params {
		v, err := resolveParam(pv, ctx)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

func resolveParam(pv domain.ParamValue, ctx evalContext) (interface{}, error) {
	switch pv.Mode {
	case domain.ParamModeRef:
		path := pv.NodeID
		if pv.Path != "" {
			path = pv.NodeID + "." + pv.Path
		}
		val, ok := lookupPath(ctx.Steps, path)
		if !ok {
			return nil, apperrors.New(apperrors.KindMissingReference,
				fmt.Sprintf("no recorded output at steps.%s", path))
		}
		return val, nil

	case domain.ParamModeExpression:
		return evalExpression(pv.Template, ctx)

	case domain.ParamModeStatic, "":
		return pv.Value, nil

	default:
		return nil, apperrors.New(apperrors.KindValidation, "unknown parameter mode: "+string(pv.Mode))
	}
}

// evalExpression substitutes every {{path}} placeholder in template. When
// the template is a single placeholder with no surrounding text, the
// resolved value is returned with its original type instead of being
// stringified, so a ref to a number or object stays a number or object.
func evalExpression(template string, ctx evalContext) (interface{}, error) {
	root := ctx.asMap()

	if m := templateExpr.FindStringSubmatch(strings.TrimSpace(template)); m != nil && m[0] == strings.TrimSpace(template) {
		val, ok := lookupPath(root, m[1])
		if !ok {
			return nil, apperrors.New(apperrors.KindMissingReference, "no value at "+m[1])
		}
		return val, nil
	}

	var missing string
	result := templateExpr.ReplaceAllStringFunc(template, func(match string) string {
		path := templateExpr.FindStringSubmatch(match)[1]
		val, ok := lookupPath(root, path)
		if !ok {
			missing = path
			return ""
		}
		return stringify(val)
	})
	if missing != "" {
		return nil, apperrors.New(apperrors.KindMissingReference, "no value at "+missing)
	}
	return result, nil
}

// lookupPath traverses a dotted path ("steps.node1.output.id") through
// nested maps and, for numeric segments, slices.
func lookupPath(root interface{}, path string) (interface{}, bool) {
	if path == "" {
		return root, true
	}
	cur := root
	for _, segment := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[segment]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

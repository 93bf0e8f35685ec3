package workflow

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// varPattern matches well-formed ${name} references. Malformed fragments
// ("${", "${}", "name}") never match and are passed through verbatim.
var varPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandValue walks a decoded YAML value and substitutes every well-formed
// ${name} reference in string leaves with the corresponding entry from vars.
// A reference to an undefined name is a fatal load error; the error lists the
// undefined name and the names that are available.
func expandValue(value any, vars map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return expandString(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			expanded, err := expandValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[k] = expanded
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			expanded, err := expandValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return value, nil
	}
}

func expandString(s string, vars map[string]any) (string, error) {
	matches := varPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	result := s
	for _, m := range matches {
		whole := s[m[0]:m[1]]
		name := s[m[2]:m[3]]

		// Skip degenerate captures produced by nested or malformed input
		// such as "${${x}": these pass through verbatim.
		if name == "" || strings.HasPrefix(name, "${") {
			continue
		}

		val, ok := vars[name]
		if !ok {
			return "", loadErrf("", ReasonVariableUndefined,
				"undefined variable %q; available variables: %v", name, variableNames(vars))
		}
		result = strings.ReplaceAll(result, whole, stringifyScalar(val))
	}
	return result, nil
}

// stringifyScalar renders a variable value in its canonical string form.
// Null values expand to the empty string.
func stringifyScalar(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func variableNames(vars map[string]any) []string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}


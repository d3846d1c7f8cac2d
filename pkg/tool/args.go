package tool

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
)

// PrepareArgs assembles and validates the arguments for one invocation of def.
//
// Parameters are visited in declaration order: the user value wins when present
// and non-null, otherwise the declared default is used. A "random" default draws
// an integer uniformly from [minimum, maximum]. Undeclared keys are rejected all
// at once, and every constraint violation is reported in a single ValidationError.
func PrepareArgs(def *Definition, userArgs map[string]any) (map[string]any, error) {
	var unknown []string
	for key := range userArgs {
		if _, ok := def.Parameter(key); !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, &ValidationError{
			Tool:     def.Key,
			Problems: []string{fmt.Sprintf("unrecognized argument(s): %s", strings.Join(unknown, ", "))},
		}
	}

	args := make(map[string]any, len(def.Parameters))
	for _, p := range def.Parameters {
		value, ok := userArgs[p.Name]
		if !ok || value == nil {
			switch {
			case p.IsRandom():
				drawn, err := drawRandom(def.Key, p)
				if err != nil {
					return nil, err
				}
				value = drawn
			case p.Default != nil:
				value = p.Default
			default:
				continue
			}
		}
		args[p.Name] = normalize(p.Kind, value)
	}

	problems, err := validateArgs(def, args)
	if err != nil {
		return nil, err
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Tool: def.Key, Problems: problems}
	}

	return args, nil
}

func drawRandom(toolKey string, p ParameterSpec) (int, error) {
	if p.Minimum == nil || p.Maximum == nil {
		return 0, &ConfigError{Tool: toolKey, Msg: fmt.Sprintf("%s: random default requires minimum and maximum", p.Name)}
	}
	lo := int(math.Ceil(*p.Minimum))
	hi := int(math.Floor(*p.Maximum))
	if hi < lo {
		return 0, &ConfigError{Tool: toolKey, Msg: fmt.Sprintf("%s: empty random range [%d, %d]", p.Name, lo, hi)}
	}
	return lo + rand.IntN(hi-lo+1), nil
}

// normalize coerces decoded JSON/YAML values onto the declared kind where lossless.
// Values that cannot be coerced are left untouched so validation reports them.
func normalize(kind ParamKind, value any) any {
	switch kind {
	case KindInt:
		if i, ok := asInt(value); ok {
			return i
		}
	case KindFloat:
		if f, ok := asFloat(value); ok {
			return f
		}
	case KindFileArray, KindStringArray:
		switch v := value.(type) {
		case []string:
			out := make([]any, len(v))
			for i, s := range v {
				out[i] = s
			}
			return out
		case string:
			return []any{v}
		}
	case KindIntArray:
		switch v := value.(type) {
		case []int:
			out := make([]any, len(v))
			for i, n := range v {
				out[i] = n
			}
			return out
		case []any:
			out := make([]any, len(v))
			for i, item := range v {
				if n, ok := asInt(item); ok {
					out[i] = n
				} else {
					out[i] = item
				}
			}
			return out
		}
	}
	return value
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		if v == math.Trunc(v) {
			return int(v), true
		}
	case float32:
		if float64(v) == math.Trunc(float64(v)) {
			return int(v), true
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}

// SampleCount returns the requested sample count in prepared args (default 1)
func SampleCount(args map[string]any) int {
	if n, ok := asInt(args[SamplesParam]); ok && n > 0 {
		return n
	}
	return 1
}

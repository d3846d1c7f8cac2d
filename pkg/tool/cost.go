package tool

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// lengthAccess matches "x.length" so formulas written for JS-style arrays still evaluate
var lengthAccess = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\.length\b`)

// compileFormula compiles a cost expression in a sandbox: no builtins but len,
// no function calls, only the tool's prepared arguments in scope.
func compileFormula(src string) (*vm.Program, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, nil
	}
	src = lengthAccess.ReplaceAllString(src, "len($1)")

	return expr.Compile(src,
		expr.DisableAllBuiltins(),
		expr.EnableBuiltin("len"),
		expr.AllowUndefinedVariables(),
	)
}

// CalculateCost evaluates the tool's cost formula against prepared args.
// An empty formula is free. A formula that does not yield a non-negative number
// is a configuration error.
func CalculateCost(def *Definition, args map[string]any) (float64, error) {
	program, err := compileFormula(def.CostFormula)
	if err != nil {
		return 0, &ConfigError{Tool: def.Key, Msg: "invalid cost_estimate", Err: err}
	}
	if program == nil {
		return 0, nil
	}

	env := make(map[string]any, len(args))
	for k, v := range args {
		env[k] = v
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return 0, &ConfigError{Tool: def.Key, Msg: "cost_estimate evaluation failed", Err: err}
	}

	cost, ok := asFloat(out)
	if !ok {
		return 0, &ConfigError{Tool: def.Key, Msg: fmt.Sprintf("cost_estimate returned non-numeric %T", out)}
	}
	if math.IsNaN(cost) || math.IsInf(cost, 0) || cost < 0 {
		return 0, &ConfigError{Tool: def.Key, Msg: fmt.Sprintf("cost_estimate returned invalid cost %v", cost)}
	}
	return cost, nil
}

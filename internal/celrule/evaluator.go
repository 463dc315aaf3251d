// Package celrule provides a hardened CEL expression evaluator used to gate
// individual tool calls with policy-author-supplied boolean expressions
// (policy.tools.rules.<tool>). It is a narrowed adaptation of a
// general-purpose RBAC rule evaluator: the variable surface is reduced to
// the tool name and its arguments, since this server has no identity or
// role concept, but the safety limits (expression length, nesting depth,
// cost budget, evaluation timeout) are carried over unchanged.
package celrule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// Safety limits. Length and nesting depth are checked at compile time; the
// cost budget and the timeout bound each evaluation.
const (
	maxExpressionLength = 1024
	maxCostBudget       = 100_000
	maxNestingDepth     = 50
	evalTimeout         = 2 * time.Second
	interruptCheckFreq  = 100
)

// Input is the variable surface exposed to a compiled expression.
type Input struct {
	Tool string
	Args map[string]interface{}
}

// newEnv builds the shared CEL environment: a "tool" string and an "args" map.
func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// Program is a compiled, safety-checked expression ready for repeated
// evaluation.
type Program struct {
	prg  cel.Program
	expr string
}

// Compile parses, type-checks, and safety-validates a CEL boolean
// expression. The returned Program may be evaluated concurrently.
func Compile(expr string) (*Program, error) {
	if expr == "" {
		return nil, errors.New("celrule: expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("celrule: expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return nil, err
	}

	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("celrule: environment construction failed: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("celrule: compilation failed: %w", issues.Err())
	}
	if outType := ast.OutputType(); outType != cel.BoolType {
		return nil, fmt.Errorf("celrule: expression must return bool, got %s", outType)
	}

	prg, err := env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("celrule: program creation failed: %w", err)
	}

	return &Program{prg: prg, expr: expr}, nil
}

// validateNesting rejects pathologically nested expressions before they
// ever reach the CEL parser.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("celrule: expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// Eval runs the compiled program against in, bounded by evalTimeout. A
// non-bool result or evaluation error is treated as "denied" by the caller
// (fail-closed) — Eval itself just reports the error.
func (p *Program) Eval(in Input) (bool, error) {
	vars := map[string]interface{}{
		"tool": in.Tool,
		"args": in.Args,
	}

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := p.prg.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("celrule: evaluation failed: %w", err)
	}

	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("celrule: expression did not return a boolean, got %T", result.Value())
	}
	return b, nil
}

// Expr returns the original source expression, useful for audit detail.
func (p *Program) Expr() string { return p.expr }

// Package grading evaluates the per-category grading formulas and selects the
// winning task per team and category.
package grading

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ErrUndefinedScore reports a formula that cannot be evaluated for the given
// counts (for example a division by zero at a window boundary). The score is
// undefined rather than zero; callers decide how to render it.
var ErrUndefinedScore = errors.New("grading: score undefined for given counts")

// Category is one graded unit of coursework with its own deadlines and formula
type Category struct {
	Name       string
	StartsAt   time.Time
	LabsEndAt  time.Time
	TestsEndAt time.Time
	Formula    *Formula
}

// Open reports whether submissions at t count toward this category
func (c *Category) Open(t time.Time) bool {
	return !t.Before(c.StartsAt) && !t.After(c.TestsEndAt)
}

// Closed reports whether the test window has passed and the category is due
// for finalization
func (c *Category) Closed(t time.Time) bool {
	return t.After(c.TestsEndAt)
}

// Slug normalizes a category name into a formula variable suffix: lowercase,
// non-alphanumerics replaced by underscores.
func Slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// PassedVar and TotalVar name the bound variables for a category
func PassedVar(name string) string { return "passed_" + Slug(name) }

// TotalVar names the graded-test total variable for a category
func TotalVar(name string) string { return "total_" + Slug(name) }

// Formula is a compiled grading expression. Evaluation is a pure function of
// the bound counts.
type Formula struct {
	src     string
	program *vm.Program
	vars    []string
}

// CompileFormula parses and validates a grading expression. The expression may
// reference passed_<slug> and total_<slug> for every known category and the
// whitelisted arithmetic builtins only; it is dry-run evaluated with dummy
// counts so malformed formulas fail at load time, not at grading time.
func CompileFormula(src string, categories []string) (*Formula, error) {
	vars := make([]string, 0, 2*len(categories))
	for _, c := range categories {
		vars = append(vars, PassedVar(c), TotalVar(c))
	}

	program, err := expr.Compile(src, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile grading formula %q: %w", src, err)
	}
	f := &Formula{src: src, program: program, vars: vars}

	// dry run with non-degenerate dummy counts; a formula that cannot even
	// evaluate here is a configuration error
	dummy := make(map[string]int, len(vars))
	for _, v := range vars {
		dummy[v] = 1
	}
	if _, err := f.Evaluate(dummy); err != nil {
		return nil, fmt.Errorf("dry-run grading formula %q: %w", src, err)
	}
	return f, nil
}

// Source returns the original expression text
func (f *Formula) Source() string { return f.src }

// Evaluate computes the score for the given variable counts. Unknown variables
// default to zero. A runtime evaluation failure (division by zero, NaN)
// returns ErrUndefinedScore.
func (f *Formula) Evaluate(counts map[string]int) (float64, error) {
	env := make(map[string]any, len(f.vars))
	for _, v := range f.vars {
		env[v] = counts[v]
	}
	out, err := expr.Run(f.program, env)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUndefinedScore, err)
	}
	score, err := toFloat(out)
	if err != nil {
		return 0, err
	}
	if math.IsInf(score, 0) || math.IsNaN(score) {
		return 0, ErrUndefinedScore
	}
	return score, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%w: formula yielded %T, want a number", ErrUndefinedScore, v)
	}
}

// Package harness resolves the applicable test set for a category and judges
// a single test execution against its expectation, applying the test's
// modifier chain in order.
package harness

import (
	"fmt"
	"strings"
	"time"

	"github.com/complab-ci/complab/model"
)

// Execution is the observed behavior of one compiler invocation for a test
type Execution struct {
	ExitCode int
	Output   string
	TimedOut bool
	Duration time.Duration
}

// Verdict is the judged outcome of a test execution
type Verdict struct {
	Tag    model.ResultTag
	Passed bool
	Reason string
}

// Applicable selects the tests that count for the given category: tests of
// the category that are not restricted elsewhere, plus tests restricted to it,
// minus tests provisional for it.
func Applicable(tests []model.Test, category string) []model.Test {
	out := make([]model.Test, 0, len(tests))
	for _, t := range tests {
		if t.EffectiveCategory() != category {
			continue
		}
		if t.ProvisionalForCategory != nil && *t.ProvisionalForCategory == category {
			continue
		}
		out = append(out, t)
	}
	return out
}

// TimeLimit returns the wall clock limit for a test: the configured default,
// tightened by any time_limit modifier.
func TimeLimit(t model.Test, def time.Duration) time.Duration {
	limit := def
	for _, m := range t.Modifiers {
		if m.Kind == model.ModifierTimeLimit && m.TimeLimit > 0 && m.TimeLimit < limit {
			limit = m.TimeLimit
		}
	}
	return limit
}

// Judge classifies a test execution. Without modifiers a test expects exit 0
// and an exact match on normalized output.
func Judge(t model.Test, exec Execution) Verdict {
	if exec.TimedOut {
		return Verdict{Tag: model.ResultTimeout, Reason: "time limit exceeded"}
	}
	mods := t.Modifiers
	if len(mods) == 0 {
		mods = model.ModifierList{{Kind: model.ModifierShouldSucceed}}
	}
	v := Verdict{Tag: model.ResultSuccess, Passed: true}
	for _, m := range mods {
		v = apply(m, t, exec, v)
	}
	return v
}

func apply(m model.Modifier, t model.Test, exec Execution, prev Verdict) Verdict {
	// an earlier modifier already vetoed the run
	if !prev.Passed {
		return prev
	}
	switch m.Kind {
	case model.ModifierShouldSucceed:
		if exec.ExitCode != 0 {
			return Verdict{Tag: model.ResultError, Reason: fmt.Sprintf("exit code %d, want 0", exec.ExitCode)}
		}
		if Normalize(exec.Output) != Normalize(t.ExpectedOutput) {
			return Verdict{Tag: model.ResultError, Reason: "output mismatch"}
		}
		return Verdict{Tag: model.ResultSuccess, Passed: true}
	case model.ModifierShouldFail:
		if exec.ExitCode == 0 {
			return Verdict{Tag: model.ResultError, Reason: "expected failure, exited 0"}
		}
		return Verdict{Tag: model.ResultSuccess, Passed: true}
	case model.ModifierExitCode:
		if exec.ExitCode != m.ExitCode {
			return Verdict{Tag: model.ResultError, Reason: fmt.Sprintf("exit code %d, want %d", exec.ExitCode, m.ExitCode)}
		}
		return Verdict{Tag: model.ResultSuccess, Passed: true}
	case model.ModifierTimeLimit:
		if m.TimeLimit > 0 && exec.Duration > m.TimeLimit {
			return Verdict{Tag: model.ResultTimeout, Reason: "modifier time limit exceeded"}
		}
		return prev
	default:
		return Verdict{Tag: model.ResultError, Reason: fmt.Sprintf("unknown modifier %d", m.Kind)}
	}
}

// Normalize strips trailing whitespace per line and trailing newlines so the
// comparison is stable across line ending and padding differences.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	out := strings.Join(lines, "\n")
	return strings.TrimRight(out, "\n")
}

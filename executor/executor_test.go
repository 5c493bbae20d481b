package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/complab-ci/complab/model"
	"github.com/complab-ci/complab/sandbox"
	"go.uber.org/zap"
)

// scriptedEngine replays a fixed sequence of outcomes, one per Run call
type scriptedEngine struct {
	outcomes []sandbox.Outcome
	errs     []error
	specs    []sandbox.RunSpec
}

func (s *scriptedEngine) Ensure(context.Context, string) error { return nil }

func (s *scriptedEngine) Run(_ context.Context, spec sandbox.RunSpec) (sandbox.Outcome, error) {
	i := len(s.specs)
	s.specs = append(s.specs, spec)
	if i >= len(s.outcomes) {
		return sandbox.Outcome{}, errors.New("unexpected invocation")
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.outcomes[i], err
}

func testConfig() Config {
	return Config{
		Image:        "compiler:latest",
		BuildCommand: []string{"make"},
		RunCommand:   []string{"./compiler"},
		BuildTimeout: time.Minute,
		TestTimeout:  10 * time.Second,
	}
}

func TestRunBuildFailureSkipsTests(t *testing.T) {
	eng := &scriptedEngine{outcomes: []sandbox.Outcome{
		{ExitCode: 2, Stderr: "main.c: syntax error"},
	}}
	exec := New(eng, testConfig(), zap.NewNop())

	report, err := exec.Run(context.Background(), "/tmp/task", []model.Test{{ID: 1}})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if report.Build.Result != model.ResultError {
		t.Errorf("build result = %v, want Error", report.Build.Result)
	}
	if len(report.Tests) != 0 {
		t.Errorf("ran %d tests after a failed build, want 0", len(report.Tests))
	}
	if len(eng.specs) != 1 {
		t.Errorf("engine invoked %d times, want 1", len(eng.specs))
	}
}

func TestRunBuildTimeout(t *testing.T) {
	eng := &scriptedEngine{outcomes: []sandbox.Outcome{
		{ExitCode: -1, TimedOut: true, Duration: time.Minute},
	}}
	exec := New(eng, testConfig(), zap.NewNop())

	report, err := exec.Run(context.Background(), "/tmp/task", nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if report.Build.Result != model.ResultTimeout {
		t.Errorf("build result = %v, want Timeout", report.Build.Result)
	}
}

func TestRunFullSuite(t *testing.T) {
	tests := []model.Test{
		{ID: 1, Input: "a", ExpectedOutput: "A"},
		{ID: 2, Input: "b", ExpectedOutput: "B"},
		{ID: 3, Input: "c", ExpectedOutput: "C"},
		{ID: 4, Input: "d", ExpectedOutput: "D"},
		{ID: 5, Input: "e", ExpectedOutput: "E"},
	}
	eng := &scriptedEngine{outcomes: []sandbox.Outcome{
		{ExitCode: 0}, // build
		{ExitCode: 0, Stdout: "A"},
		{ExitCode: 0, Stdout: "B"},
		{ExitCode: 0, Stdout: "wrong"},
		{ExitCode: 1, Stderr: "panic"},
		{ExitCode: 0, Stdout: "E"},
	}}
	exec := New(eng, testConfig(), zap.NewNop())

	report, err := exec.Run(context.Background(), "/tmp/task", tests)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if report.Build.Result != model.ResultSuccess {
		t.Fatalf("build result = %v, want Success", report.Build.Result)
	}
	if len(report.Tests) != 5 {
		t.Fatalf("got %d test outcomes, want 5", len(report.Tests))
	}
	if got := report.Passed(); got != 3 {
		t.Errorf("passed = %d, want 3", got)
	}
	// every test invocation feeds the test's input on stdin
	for i, spec := range eng.specs[1:] {
		if spec.Stdin != tests[i].Input {
			t.Errorf("test %d stdin = %q, want %q", i, spec.Stdin, tests[i].Input)
		}
	}
}

func TestRunTestTimeoutDoesNotStopSuite(t *testing.T) {
	tests := []model.Test{
		{ID: 1, ExpectedOutput: "x"},
		{ID: 2, ExpectedOutput: "y"},
	}
	eng := &scriptedEngine{outcomes: []sandbox.Outcome{
		{ExitCode: 0},
		{ExitCode: -1, TimedOut: true, Duration: 10 * time.Second},
		{ExitCode: 0, Stdout: "y"},
	}}
	exec := New(eng, testConfig(), zap.NewNop())

	report, err := exec.Run(context.Background(), "/tmp/task", tests)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(report.Tests) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(report.Tests))
	}
	if report.Tests[0].Execution.Result != model.ResultTimeout || report.Tests[0].Passed {
		t.Errorf("first outcome = %+v, want failed Timeout", report.Tests[0].Execution)
	}
	if !report.Tests[1].Passed {
		t.Errorf("second test should still run and pass")
	}
}

func TestRunInfraErrorAbortsTask(t *testing.T) {
	eng := &scriptedEngine{
		outcomes: []sandbox.Outcome{{ExitCode: 0}, {}},
		errs:     []error{nil, &sandbox.InfraError{Op: "create", Err: errors.New("daemon gone")}},
	}
	exec := New(eng, testConfig(), zap.NewNop())

	report, err := exec.Run(context.Background(), "/tmp/task", []model.Test{{ID: 1}})
	if report != nil {
		t.Errorf("report = %+v, want nil on infrastructure failure", report)
	}
	if !sandbox.IsInfra(err) {
		t.Errorf("err = %v, want wrapped InfraError", err)
	}
}

func TestRunExtraArgsAppended(t *testing.T) {
	eng := &scriptedEngine{outcomes: []sandbox.Outcome{
		{ExitCode: 0},
		{ExitCode: 0, Stdout: "ok"},
	}}
	exec := New(eng, testConfig(), zap.NewNop())

	_, err := exec.Run(context.Background(), "/tmp/task", []model.Test{
		{ID: 1, ExtraArgs: `--emit asm -O2`, ExpectedOutput: "ok"},
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	got := strings.Join(eng.specs[1].Args, " ")
	if got != "./compiler --emit asm -O2" {
		t.Errorf("args = %q", got)
	}
}

func TestRunMalformedExtraArgsFailsOnlyThatTest(t *testing.T) {
	eng := &scriptedEngine{outcomes: []sandbox.Outcome{
		{ExitCode: 0},
		{ExitCode: 0, Stdout: "ok"},
	}}
	exec := New(eng, testConfig(), zap.NewNop())

	report, err := exec.Run(context.Background(), "/tmp/task", []model.Test{
		{ID: 1, ExtraArgs: `"unterminated`},
		{ID: 2, ExpectedOutput: "ok"},
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(report.Tests) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(report.Tests))
	}
	if report.Tests[0].Execution.Result != model.ResultError || report.Tests[0].Passed {
		t.Errorf("bad args test = %+v, want Error", report.Tests[0].Execution)
	}
	if !report.Tests[1].Passed {
		t.Errorf("remaining test should still run")
	}
}

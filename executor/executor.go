// Package executor runs one task end to end: the build phase inside a fresh
// sandbox, then the test phase against every applicable test.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/complab-ci/complab/harness"
	"github.com/complab-ci/complab/model"
	"github.com/complab-ci/complab/sandbox"
	"github.com/google/shlex"
	"go.uber.org/zap"
)

// containerWorkDir is where the team's checked out tree is mounted
const containerWorkDir = "/work"

// Config carries the execution parameters from the course document
type Config struct {
	Image          string
	ReferenceImage string
	BuildCommand   []string
	RunCommand     []string
	BuildTimeout   time.Duration
	TestTimeout    time.Duration
}

// TestOutcome pairs a test with the invocation that ran it
type TestOutcome struct {
	Test      model.Test
	Execution model.ExecutionResult
	Passed    bool
}

// Report is the structured result of one task run
type Report struct {
	Build model.ExecutionResult
	Tests []TestOutcome
}

// Passed counts successful tests
func (r *Report) Passed() int {
	n := 0
	for _, t := range r.Tests {
		if t.Passed {
			n++
		}
	}
	return n
}

// Executor performs the two phase sandboxed run for one task
type Executor struct {
	engine sandbox.Engine
	conf   Config
	logger *zap.Logger
}

// New creates an executor over the given sandbox engine
func New(engine sandbox.Engine, conf Config, logger *zap.Logger) *Executor {
	return &Executor{engine: engine, conf: conf, logger: logger}
}

// Run builds the compiler at workDir and, if the build succeeds, runs every
// test. Infrastructure failures and context cancellation return an error so
// the scheduler can retry instead of recording a team attributable result;
// build failures and timeouts come back inside the report.
func (e *Executor) Run(ctx context.Context, workDir string, tests []model.Test) (*Report, error) {
	bind := workDir + ":" + containerWorkDir

	out, err := e.engine.Run(ctx, sandbox.RunSpec{
		Image:   e.conf.Image,
		Args:    e.conf.BuildCommand,
		WorkDir: containerWorkDir,
		Binds:   []string{bind},
		Timeout: e.conf.BuildTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build phase: %w", err)
	}

	report := &Report{Build: buildResult(out)}
	if report.Build.Result != model.ResultSuccess {
		// no partial build artifact is trusted
		return report, nil
	}

	for _, t := range tests {
		args, err := e.conf.TestArgs(t)
		if err != nil {
			report.Tests = append(report.Tests, TestOutcome{
				Test: t,
				Execution: model.ExecutionResult{
					Result:    model.ResultError,
					ErrorText: err.Error(),
				},
			})
			continue
		}
		limit := harness.TimeLimit(t, e.conf.TestTimeout)
		out, err := e.engine.Run(ctx, sandbox.RunSpec{
			Image:   e.conf.Image,
			Args:    args,
			WorkDir: containerWorkDir,
			Binds:   []string{bind},
			Stdin:   t.Input,
			Timeout: limit,
		})
		if err != nil {
			// infrastructure or cancellation; the whole task is retried
			return nil, fmt.Errorf("test phase: %w", err)
		}
		v := harness.Judge(t, harness.Execution{
			ExitCode: out.ExitCode,
			Output:   out.Stdout,
			TimedOut: out.TimedOut,
			Duration: out.Duration,
		})
		report.Tests = append(report.Tests, TestOutcome{
			Test: t,
			Execution: model.ExecutionResult{
				Result:    v.Tag,
				ExitCode:  out.ExitCode,
				Stdout:    out.Stdout,
				Stderr:    out.Stderr,
				ErrorText: v.Reason,
				Duration:  out.Duration,
			},
			Passed: v.Passed,
		})
	}
	return report, nil
}

func buildResult(out sandbox.Outcome) model.ExecutionResult {
	r := model.ExecutionResult{
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Duration: out.Duration,
	}
	switch {
	case out.TimedOut:
		r.Result = model.ResultTimeout
		r.ErrorText = "build time limit exceeded"
	case out.ExitCode != 0:
		r.Result = model.ResultError
		r.ErrorText = fmt.Sprintf("build exited with code %d", out.ExitCode)
	default:
		r.Result = model.ResultSuccess
	}
	return r
}

// TestArgs builds the full invocation for a test: the run command followed by
// the test's shell split extra arguments.
func (c Config) TestArgs(t model.Test) ([]string, error) {
	args := make([]string, 0, len(c.RunCommand)+2)
	args = append(args, c.RunCommand...)
	if t.ExtraArgs != "" {
		extra, err := shlex.Split(t.ExtraArgs)
		if err != nil {
			return nil, fmt.Errorf("parse extra args %q: %w", t.ExtraArgs, err)
		}
		args = append(args, extra...)
	}
	return args, nil
}

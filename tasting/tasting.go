// Package tasting validates authored tests against the reference
// implementation before they are trusted for grading.
package tasting

import (
	"context"
	"fmt"
	"time"

	"github.com/complab-ci/complab/executor"
	"github.com/complab-ci/complab/harness"
	"github.com/complab-ci/complab/model"
	"github.com/complab-ci/complab/sandbox"
	"go.uber.org/zap"
)

// Store is the slice of the result store the taster uses
type Store interface {
	TestsNeedingTaste(ctx context.Context) ([]model.Test, error)
	RecordTaste(ctx context.Context, test *model.Test, exec model.ExecutionResult, success bool) error
}

// Taster runs tests against the reference image through the same sandbox and
// judging machinery as a normal task.
type Taster struct {
	engine sandbox.Engine
	conf   executor.Config
	store  Store
	logger *zap.Logger
}

// New creates a taster
func New(engine sandbox.Engine, conf executor.Config, store Store, logger *zap.Logger) *Taster {
	return &Taster{engine: engine, conf: conf, store: store, logger: logger}
}

// Enabled reports whether a reference image is configured. Without one,
// tasting is disabled and every test is trusted by default.
func (t *Taster) Enabled() bool { return t.conf.ReferenceImage != "" }

// Taste runs one test against the reference implementation, with the same
// invocation a graded run would use, and records the outcome. A non
// successful taste marks the test provisional for the category it counts in
// until corrected.
func (t *Taster) Taste(ctx context.Context, test *model.Test) (bool, error) {
	args, err := t.conf.TestArgs(*test)
	if err != nil {
		// the test content itself is broken; record the failure so grading
		// distrusts it without an engine run
		exec := model.ExecutionResult{Result: model.ResultError, ErrorText: err.Error()}
		if err := t.store.RecordTaste(ctx, test, exec, false); err != nil {
			return false, err
		}
		return false, nil
	}
	out, err := t.engine.Run(ctx, sandbox.RunSpec{
		Image:   t.conf.ReferenceImage,
		Args:    args,
		Stdin:   test.Input,
		Timeout: harness.TimeLimit(*test, t.conf.TestTimeout),
	})
	if err != nil {
		return false, fmt.Errorf("taste test %d: %w", test.ID, err)
	}
	v := harness.Judge(*test, harness.Execution{
		ExitCode: out.ExitCode,
		Output:   out.Stdout,
		TimedOut: out.TimedOut,
		Duration: out.Duration,
	})
	exec := model.ExecutionResult{
		Result:    v.Tag,
		ExitCode:  out.ExitCode,
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
		ErrorText: v.Reason,
		Duration:  out.Duration,
	}
	if err := t.store.RecordTaste(ctx, test, exec, v.Passed); err != nil {
		return false, err
	}
	t.logger.Info("tasted test",
		zap.Uint64("test", test.ID),
		zap.String("category", test.Category),
		zap.Bool("success", v.Passed),
		zap.String("reason", v.Reason))
	return v.Passed, nil
}

// Sweep tastes every test whose content changed since its last validation
func (t *Taster) Sweep(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}
	tests, err := t.store.TestsNeedingTaste(ctx)
	if err != nil {
		return err
	}
	for i := range tests {
		if _, err := t.Taste(ctx, &tests[i]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// infrastructure hiccups leave the test untasted; the next sweep
			// picks it up again
			t.logger.Warn("taste failed", zap.Uint64("test", tests[i].ID), zap.Error(err))
		}
	}
	return nil
}

// Run sweeps periodically until the context ends
func (t *Taster) Run(ctx context.Context, interval time.Duration) error {
	if !t.Enabled() {
		t.logger.Warn("no reference image configured, tasting disabled; all tests are trusted")
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.Sweep(ctx); err != nil && ctx.Err() == nil {
				t.logger.Error("tasting sweep failed", zap.Error(err))
			}
		}
	}
}

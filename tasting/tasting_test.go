package tasting

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/complab-ci/complab/executor"
	"github.com/complab-ci/complab/model"
	"github.com/complab-ci/complab/sandbox"
	"go.uber.org/zap"
)

type fakeEngine struct {
	outcome sandbox.Outcome
	err     error
	specs   []sandbox.RunSpec
}

func (f *fakeEngine) Ensure(context.Context, string) error { return nil }

func (f *fakeEngine) Run(_ context.Context, spec sandbox.RunSpec) (sandbox.Outcome, error) {
	f.specs = append(f.specs, spec)
	return f.outcome, f.err
}

type tasteCapture struct {
	pending []model.Test
	tasted  map[uint64]bool
}

func (c *tasteCapture) TestsNeedingTaste(context.Context) ([]model.Test, error) {
	return c.pending, nil
}

func (c *tasteCapture) RecordTaste(_ context.Context, test *model.Test, _ model.ExecutionResult, success bool) error {
	if c.tasted == nil {
		c.tasted = make(map[uint64]bool)
	}
	c.tasted[test.ID] = success
	return nil
}

func testConf() executor.Config {
	return executor.Config{
		Image:          "compiler:latest",
		ReferenceImage: "reference:latest",
		RunCommand:     []string{"/usr/bin/reference"},
		TestTimeout:    10 * time.Second,
	}
}

func TestTastePassingTest(t *testing.T) {
	eng := &fakeEngine{outcome: sandbox.Outcome{ExitCode: 0, Stdout: "42\n"}}
	store := &tasteCapture{}
	taster := New(eng, testConf(), store, zap.NewNop())

	test := &model.Test{ID: 7, Category: "Lab 1", Input: "6*7", ExpectedOutput: "42"}
	ok, err := taster.Taste(context.Background(), test)
	if err != nil {
		t.Fatalf("Taste error: %v", err)
	}
	if !ok || !store.tasted[7] {
		t.Errorf("taste recorded %v, want success", store.tasted)
	}
	spec := eng.specs[0]
	if spec.Image != "reference:latest" || spec.Stdin != "6*7" {
		t.Errorf("spec = %+v, want reference image with the test's stdin", spec)
	}
}

// the reference must see the same invocation a graded run would, extra
// arguments included
func TestTasteAppendsExtraArgs(t *testing.T) {
	eng := &fakeEngine{outcome: sandbox.Outcome{ExitCode: 0, Stdout: "42"}}
	store := &tasteCapture{}
	taster := New(eng, testConf(), store, zap.NewNop())

	test := &model.Test{ID: 10, ExtraArgs: "--emit asm -O2", ExpectedOutput: "42"}
	if _, err := taster.Taste(context.Background(), test); err != nil {
		t.Fatalf("Taste error: %v", err)
	}
	want := []string{"/usr/bin/reference", "--emit", "asm", "-O2"}
	if got := eng.specs[0].Args; !slices.Equal(got, want) {
		t.Errorf("args = %v, want %v", got, want)
	}
}

// a test whose extra arguments do not parse records a failed taste without
// touching the engine
func TestTasteMalformedExtraArgs(t *testing.T) {
	eng := &fakeEngine{}
	store := &tasteCapture{}
	taster := New(eng, testConf(), store, zap.NewNop())

	test := &model.Test{ID: 11, ExtraArgs: `--flag "unterminated`}
	ok, err := taster.Taste(context.Background(), test)
	if err != nil {
		t.Fatalf("Taste error: %v", err)
	}
	if ok || store.tasted[11] {
		t.Error("malformed extra args must record a failed taste")
	}
	if len(eng.specs) != 0 {
		t.Errorf("ran %d invocations for an unparseable test, want 0", len(eng.specs))
	}
}

func TestTasteFailingTest(t *testing.T) {
	eng := &fakeEngine{outcome: sandbox.Outcome{ExitCode: 0, Stdout: "41"}}
	store := &tasteCapture{}
	taster := New(eng, testConf(), store, zap.NewNop())

	ok, err := taster.Taste(context.Background(), &model.Test{ID: 8, ExpectedOutput: "42"})
	if err != nil {
		t.Fatalf("Taste error: %v", err)
	}
	if ok || store.tasted[8] {
		t.Error("reference disagreement must record a failed taste")
	}
}

func TestTasteInfraErrorLeavesTestUntasted(t *testing.T) {
	eng := &fakeEngine{err: &sandbox.InfraError{Op: "create", Err: errors.New("daemon gone")}}
	store := &tasteCapture{}
	taster := New(eng, testConf(), store, zap.NewNop())

	if _, err := taster.Taste(context.Background(), &model.Test{ID: 9}); err == nil {
		t.Fatal("expected infrastructure error")
	}
	if len(store.tasted) != 0 {
		t.Errorf("recorded %v despite infrastructure failure", store.tasted)
	}
}

func TestSweepTastesPending(t *testing.T) {
	eng := &fakeEngine{outcome: sandbox.Outcome{ExitCode: 0, Stdout: "x"}}
	store := &tasteCapture{pending: []model.Test{
		{ID: 1, ExpectedOutput: "x"},
		{ID: 2, ExpectedOutput: "y"},
	}}
	taster := New(eng, testConf(), store, zap.NewNop())

	if err := taster.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if len(store.tasted) != 2 || !store.tasted[1] || store.tasted[2] {
		t.Errorf("tasted = %v, want 1 pass and 2 fail", store.tasted)
	}
}

func TestSweepDisabledWithoutReferenceImage(t *testing.T) {
	conf := testConf()
	conf.ReferenceImage = ""
	eng := &fakeEngine{}
	store := &tasteCapture{pending: []model.Test{{ID: 1}}}
	taster := New(eng, conf, store, zap.NewNop())

	if taster.Enabled() {
		t.Error("taster should be disabled without a reference image")
	}
	if err := taster.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if len(eng.specs) != 0 {
		t.Errorf("ran %d invocations while disabled, want 0", len(eng.specs))
	}
}

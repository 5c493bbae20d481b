// Package sandbox runs single commands inside isolated containers with hard
// wall clock limits and unconditional teardown.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RunSpec describes one sandboxed invocation
type RunSpec struct {
	Image   string
	Args    []string
	Env     []string
	WorkDir string
	// Binds are host:container mounts, typically the task's checked out tree
	Binds []string
	Stdin string
	// Timeout bounds the invocation; on expiry the container is killed so the
	// whole process tree dies
	Timeout time.Duration
}

// Outcome is the captured result of one invocation
type Outcome struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Engine provisions and runs sandboxed invocations
type Engine interface {
	// Ensure makes the image available before any run needs it
	Ensure(ctx context.Context, image string) error

	// Run executes one invocation in a fresh container. Provisioning failures
	// return an InfraError; the container is removed on every exit path.
	Run(ctx context.Context, spec RunSpec) (Outcome, error)
}

// InfraError marks a sandbox provisioning failure (image pull, container
// create, daemon unreachable). It is never attributed to the team; the
// scheduler retries the task instead of recording it.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("sandbox %s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error { return e.Err }

// IsInfra reports whether err originates from sandbox infrastructure
func IsInfra(err error) bool {
	var ie *InfraError
	return errors.As(err, &ie)
}

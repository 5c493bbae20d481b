// Package scheduler dispatches queued submissions to a bounded pool of
// execution agents. The durable claim in the store is the single
// serialization point; multiple scheduler processes stay consistent.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/complab-ci/complab/executor"
	"github.com/complab-ci/complab/grading"
	"github.com/complab-ci/complab/harness"
	"github.com/complab-ci/complab/metrics"
	"github.com/complab-ci/complab/model"
	"github.com/complab-ci/complab/sandbox"
	"github.com/complab-ci/complab/store"
	"github.com/complab-ci/complab/webhook"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	baseBackoff = 30 * time.Second
	maxBackoff  = 15 * time.Minute
	// maxAttempts bounds infrastructure retries before a task is given up as
	// Aborted
	maxAttempts = 5
)

// Store is the slice of the result store the scheduler drives
type Store interface {
	ClaimNext(ctx context.Context, now time.Time) (*model.Task, error)
	Requeue(ctx context.Context, task *model.Task, notBefore time.Time) error
	Release(ctx context.Context, task *model.Task) error
	FinishTask(ctx context.Context, task *model.Task, build model.ExecutionResult, tests []store.TestRecord) error
	AllTests(ctx context.Context) ([]model.Test, error)
	TeamByID(ctx context.Context, id uint64) (*model.Team, error)
	QueueDepth(ctx context.Context) (int64, error)
}

// Checkout materializes a commit into a directory (version control
// collaborator, narrowed to what agents need)
type Checkout interface {
	Checkout(ctx context.Context, team *model.Team, hash, dir string) error
}

// Config tunes the scheduler
type Config struct {
	// Parallelism is the number of concurrent execution agents
	Parallelism int
	// PollInterval bounds dispatch latency when no wakeup arrives
	PollInterval time.Duration
	// WorkDir holds per task checkout trees
	WorkDir string
}

// Scheduler owns the dispatch loop and the agents
type Scheduler struct {
	store      Store
	exec       *executor.Executor
	checkout   Checkout
	categories []grading.Category
	notify     webhook.Notifier
	metrics    *metrics.Metrics
	conf       Config
	wake       <-chan struct{}
	logger     *zap.Logger
}

// New creates a scheduler. wake may be nil; dispatch then relies on polling.
func New(st Store, exec *executor.Executor, checkout Checkout, categories []grading.Category,
	notify webhook.Notifier, m *metrics.Metrics, conf Config, wake <-chan struct{}, logger *zap.Logger) *Scheduler {
	if conf.Parallelism <= 0 {
		conf.Parallelism = 1
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = 10 * time.Second
	}
	return &Scheduler{
		store:      st,
		exec:       exec,
		checkout:   checkout,
		categories: categories,
		notify:     notify,
		metrics:    m,
		conf:       conf,
		wake:       wake,
		logger:     logger,
	}
}

// Run starts the dispatch loop and the agents and blocks until the context
// ends. In-flight tasks are requeued on shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	taskCh := make(chan *model.Task)
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < s.conf.Parallelism; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case task := <-taskCh:
					s.runTask(ctx, task)
				}
			}
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(s.conf.PollInterval)
		defer ticker.Stop()
		for {
			if err := s.drain(ctx, taskCh); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			case <-s.wake:
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drain claims and hands out tasks until the backlog is empty or no team has
// free capacity
func (s *Scheduler) drain(ctx context.Context, taskCh chan<- *model.Task) error {
	for {
		if depth, err := s.store.QueueDepth(ctx); err == nil {
			s.metrics.QueueDepth.Set(float64(depth))
		}
		task, err := s.store.ClaimNext(ctx, time.Now())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("claim failed", zap.Error(err))
			return nil
		}
		if task == nil {
			return nil
		}
		select {
		case taskCh <- task:
		case <-ctx.Done():
			// claimed but never started; put it back for the next node
			s.release(task)
			return ctx.Err()
		}
	}
}

// runTask executes one claimed task end to end
func (s *Scheduler) runTask(ctx context.Context, task *model.Task) {
	logger := s.logger.With(zap.Uint64("task", task.ID), zap.Uint64("team", task.TeamID))
	logger.Info("task started", zap.String("commit", task.CommitHash))

	team, err := s.store.TeamByID(ctx, task.TeamID)
	if err != nil {
		logger.Error("team lookup failed", zap.Error(err))
		s.retryOrAbort(ctx, nil, task, err)
		return
	}

	workDir := filepath.Join(s.conf.WorkDir, fmt.Sprintf("task-%d", task.ID))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		s.retryOrAbort(ctx, team, task, err)
		return
	}
	defer os.RemoveAll(workDir)

	if err := s.checkout.Checkout(ctx, team, task.CommitHash, workDir); err != nil {
		logger.Warn("checkout failed", zap.Error(err))
		s.retryOrAbort(ctx, team, task, err)
		return
	}

	tests, err := s.applicableTests(ctx, task)
	if err != nil {
		s.retryOrAbort(ctx, team, task, err)
		return
	}

	report, err := s.exec.Run(ctx, workDir, tests)
	if err != nil {
		// infrastructure flakiness or external interruption; never a team
		// attributable failure
		logger.Warn("run interrupted", zap.Error(err))
		s.retryOrAbort(ctx, team, task, err)
		return
	}

	records := make([]store.TestRecord, 0, len(report.Tests))
	for _, t := range report.Tests {
		records = append(records, store.TestRecord{
			TestID:    t.Test.ID,
			Execution: t.Execution,
			Passed:    t.Passed,
		})
		s.metrics.Tests.WithLabelValues(t.Execution.Result.String()).Inc()
	}
	if err := s.store.FinishTask(ctx, task, report.Build, records); err != nil {
		logger.Error("finish failed", zap.Error(err))
		s.retryOrAbort(ctx, team, task, err)
		return
	}

	s.metrics.Tasks.WithLabelValues(report.Build.Result.String()).Inc()
	s.metrics.TaskDuration.Observe(time.Since(task.StartedAt).Seconds())
	s.notify.TaskStateChanged(ctx, team, task)
	logger.Info("task finished",
		zap.String("result", report.Build.Result.String()),
		zap.Int("passed", report.Passed()),
		zap.Int("tests", len(report.Tests)))
}

// applicableTests resolves the union of the graded test sets of every
// category open at the task's queue time
func (s *Scheduler) applicableTests(ctx context.Context, task *model.Task) ([]model.Test, error) {
	all, err := s.store.AllTests(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[uint64]bool)
	var out []model.Test
	for _, cat := range s.categories {
		if !cat.Open(task.QueueTime) {
			continue
		}
		for _, t := range harness.Applicable(all, cat.Name) {
			if !seen[t.ID] {
				seen[t.ID] = true
				out = append(out, t)
			}
		}
	}
	return out, nil
}

// retryOrAbort requeues the task with backoff, or records it Aborted once the
// retry budget is spent. Cancellation and infrastructure failures both land
// here; neither counts as a submission failure.
func (s *Scheduler) retryOrAbort(ctx context.Context, team *model.Team, task *model.Task, cause error) {
	// the surrounding context may already be gone; persistence must not be
	bg := context.WithoutCancel(ctx)

	if errors.Is(cause, context.Canceled) {
		// shutdown, not infrastructure; hand the task back without charging
		// an attempt or delaying the retry
		s.release(task)
		return
	}

	if task.Attempts+1 >= maxAttempts {
		s.logger.Error("retry budget exhausted, aborting task",
			zap.Uint64("task", task.ID), zap.Error(cause))
		build := model.ExecutionResult{
			Result:    model.ResultAborted,
			ErrorText: fmt.Sprintf("gave up after %d attempts: %v", task.Attempts+1, cause),
		}
		if err := s.store.FinishTask(bg, task, build, nil); err != nil {
			s.logger.Error("abort record failed", zap.Uint64("task", task.ID), zap.Error(err))
		}
		if team != nil {
			s.notify.TaskStateChanged(bg, team, task)
		}
		s.metrics.Tasks.WithLabelValues(model.ResultAborted.String()).Inc()
		return
	}
	s.requeue(task, time.Now())
	if sandbox.IsInfra(cause) {
		s.logger.Warn("infrastructure failure, task requeued",
			zap.Uint64("task", task.ID), zap.Error(cause))
	}
}

func (s *Scheduler) requeue(task *model.Task, now time.Time) {
	backoff := maxBackoff
	if task.Attempts < 10 {
		if b := baseBackoff << task.Attempts; b < maxBackoff {
			backoff = b
		}
	}
	if err := s.store.Requeue(context.Background(), task, now.Add(backoff)); err != nil {
		s.logger.Error("requeue failed", zap.Uint64("task", task.ID), zap.Error(err))
		return
	}
	s.metrics.Requeues.Inc()
}

func (s *Scheduler) release(task *model.Task) {
	if err := s.store.Release(context.Background(), task); err != nil {
		s.logger.Error("release failed", zap.Uint64("task", task.ID), zap.Error(err))
	}
}

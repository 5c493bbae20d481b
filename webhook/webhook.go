// Package webhook mirrors task state changes to external collaborators.
package webhook

import (
	"context"
	"strings"
	"time"

	"github.com/complab-ci/complab/model"
	"go.uber.org/zap"
)

// Notifier receives task state transitions. Implementations must be cheap or
// internally asynchronous; the scheduler calls them inline.
type Notifier interface {
	TaskStateChanged(ctx context.Context, team *model.Team, task *model.Task)
}

// Multi fans a notification out to several notifiers
type Multi []Notifier

// TaskStateChanged notifies every wrapped notifier
func (m Multi) TaskStateChanged(ctx context.Context, team *model.Team, task *model.Task) {
	for _, n := range m {
		n.TaskStateChanged(ctx, team, task)
	}
}

// RunStore persists external run mirror rows
type RunStore interface {
	SaveExternalRun(ctx context.Context, run *model.ExternalRun) error
}

// Recorder persists an ExternalRun row per state change so the GitHub
// integration can sync check runs from the store.
type Recorder struct {
	store    RunStore
	platform string
	logger   *zap.Logger
}

// NewRecorder creates a recorder for the given platform tag
func NewRecorder(store RunStore, platform string, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, platform: platform, logger: logger}
}

// TaskStateChanged upserts the mirror row for the task
func (r *Recorder) TaskStateChanged(ctx context.Context, team *model.Team, task *model.Task) {
	owner, repo := splitRepoURL(team.RepoURL)
	run := &model.ExternalRun{
		TaskID:    task.ID,
		Platform:  r.platform,
		Owner:     owner,
		Repo:      repo,
		Revision:  task.CommitHash,
		Status:    model.OutwardStatus(task),
		UpdatedAt: time.Now(),
	}
	if err := r.store.SaveExternalRun(ctx, run); err != nil {
		r.logger.Warn("external run sync failed",
			zap.Uint64("task", task.ID), zap.Error(err))
	}
}

// splitRepoURL extracts owner and repository name from a clone URL, for both
// ssh (git@host:owner/repo.git) and https forms.
func splitRepoURL(url string) (owner, repo string) {
	s := strings.TrimSuffix(url, ".git")
	if strings.Contains(s, "@") && !strings.Contains(s, "://") {
		// ssh form: everything after the colon is owner/repo
		if c := strings.Index(s, ":"); c >= 0 {
			s = s[c+1:]
		}
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 {
		return "", s
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}

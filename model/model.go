// Package model defines the persistent entities of the grading pipeline.
package model

import (
	"time"
)

// Team owns repositories and test authorship
type Team struct {
	ID               uint64 `gorm:"primarykey"`
	Name             string `gorm:"size:64;uniqueIndex;not null"`
	DisplayName      string `gorm:"size:128"`
	RepoURL          string `gorm:"size:256"`
	DeployKey        string `gorm:"type:text"`
	IntegrationToken string `gorm:"size:128"`
	CreatedAt        time.Time
}

// QueueItem is one submitted revision awaiting execution. It is consumed
// exactly once: the claim transaction deletes the item and creates the task.
type QueueItem struct {
	ID            string    `gorm:"primarykey;size:36"`
	TeamID        uint64    `gorm:"index;not null"`
	Revision      string    `gorm:"size:256"`
	CommitHash    string    `gorm:"size:40;not null"`
	CommitMessage string    `gorm:"size:512"`
	EnqueuedAt    time.Time `gorm:"index"`
	// NotBefore delays re-dispatch after an infrastructure failure
	NotBefore *time.Time
	Attempts  int
}

// Task is one execution attempt of a team's revision (build + test run)
type Task struct {
	ID            uint64 `gorm:"primarykey"`
	QueueID       string `gorm:"size:36;uniqueIndex;not null"`
	TeamID        uint64 `gorm:"index;not null"`
	CommitHash    string `gorm:"size:40;not null"`
	CommitMessage string `gorm:"size:512"`
	// QueueTime is the original enqueue timestamp; grading tie-breaks on it
	QueueTime  time.Time `gorm:"index"`
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     TaskStatus `gorm:"index"`
	// Attempts counts prior infrastructure retries of this submission
	Attempts int

	BuildResultID *uint64
	BuildResult   *ExecutionResult
	TestResults   []TestResult
}

// ExecutionResult is the immutable outcome of one sandboxed invocation
type ExecutionResult struct {
	ID        uint64 `gorm:"primarykey"`
	Result    ResultTag
	ExitCode  int
	Stdout    string `gorm:"type:longtext"`
	Stderr    string `gorm:"type:longtext"`
	ErrorText string `gorm:"size:512"`
	Duration  time.Duration
	CreatedAt time.Time
}

// Test is one authored test case
type Test struct {
	ID             uint64 `gorm:"primarykey"`
	TeamID         uint64 `gorm:"index"`
	AdminAuthored  bool
	Category       string `gorm:"size:64;index;not null"`
	Input          string `gorm:"type:longtext"`
	ExpectedOutput string `gorm:"type:longtext"`
	// ExtraArgs are appended to the run command for this test
	ExtraArgs string       `gorm:"size:512"`
	Modifiers ModifierList `gorm:"type:text"`
	// LimitedToCategory restricts the test to a single category other than
	// its own
	LimitedToCategory *string `gorm:"size:64"`
	// ProvisionalForCategory marks the test untrusted for that category until
	// it passes tasting
	ProvisionalForCategory *string `gorm:"size:64"`
	ContentHash            string  `gorm:"size:64;index"`
	UpdatedAt              time.Time
}

// EffectiveCategory is the category the test actually counts in:
// LimitedToCategory when set, otherwise its own.
func (t *Test) EffectiveCategory() string {
	if t.LimitedToCategory != nil {
		return *t.LimitedToCategory
	}
	return t.Category
}

// TestResult joins a task with one test and the invocation that ran it.
// The composite key keeps at most one result per test per task.
type TestResult struct {
	TaskID            uint64 `gorm:"primaryKey;autoIncrement:false"`
	TestID            uint64 `gorm:"primaryKey;autoIncrement:false"`
	ExecutionResultID uint64
	ExecutionResult   ExecutionResult
	Passed            bool
}

// TestTastingResult records a run of a test against the reference
// implementation. It gates trust only, never grading totals.
type TestTastingResult struct {
	TestID            uint64 `gorm:"primaryKey;autoIncrement:false"`
	ContentHash       string `gorm:"size:64"`
	Success           bool
	ExecutionResultID *uint64
	TastedAt          time.Time
}

// FinalizedSubmittedTask freezes the winning task per (team, category) once
// the category's test window closes. Written once, never updated.
type FinalizedSubmittedTask struct {
	TeamID   uint64 `gorm:"primaryKey;autoIncrement:false"`
	Category string `gorm:"primaryKey;size:64"`
	TaskID   uint64
	Passed   int
	Total    int
	FrozenAt time.Time
}

// ExternalRun mirrors a task onto an external CI check for status sync
type ExternalRun struct {
	ID        uint64 `gorm:"primarykey"`
	TaskID    uint64 `gorm:"uniqueIndex:idx_external_run;not null"`
	Platform  string `gorm:"uniqueIndex:idx_external_run;size:32"`
	Owner     string `gorm:"size:128"`
	Repo      string `gorm:"size:128"`
	Revision  string `gorm:"size:40"`
	Status    string `gorm:"size:32"`
	UpdatedAt time.Time
}

// All lists every entity for migration
func All() []any {
	return []any{
		&Team{},
		&QueueItem{},
		&Task{},
		&ExecutionResult{},
		&Test{},
		&TestResult{},
		&TestTastingResult{},
		&FinalizedSubmittedTask{},
		&ExternalRun{},
	}
}

// OutwardStatus derives the user visible status of a task from its lifecycle
// state and build result. Every phase's failure surfaces uniformly.
func OutwardStatus(t *Task) string {
	switch t.Status {
	case TaskQueued:
		return "Queued"
	case TaskRunning:
		return "Running"
	}
	if t.BuildResult == nil {
		return ResultError.String()
	}
	return t.BuildResult.Result.String()
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/complab-ci/complab/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TestRecord is one judged test invocation to persist with a finishing task
type TestRecord struct {
	TestID    uint64
	Execution model.ExecutionResult
	Passed    bool
}

// FinishTask records the build result and all test results of a task and
// marks it finished, in one transaction. Only the executor instance owning
// the task calls this; results are immutable afterwards.
func (s *Store) FinishTask(ctx context.Context, task *model.Task, build model.ExecutionResult, tests []TestRecord) error {
	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&build).Error; err != nil {
			return err
		}
		for i := range tests {
			if err := tx.Create(&tests[i].Execution).Error; err != nil {
				return err
			}
			tr := model.TestResult{
				TaskID:            task.ID,
				TestID:            tests[i].TestID,
				ExecutionResultID: tests[i].Execution.ID,
				Passed:            tests[i].Passed,
			}
			if err := tx.Create(&tr).Error; err != nil {
				return err
			}
		}
		res := tx.Model(&model.Task{}).
			Where("id = ? AND status = ?", task.ID, model.TaskRunning).
			Updates(map[string]any{
				"status":          model.TaskFinished,
				"finished_at":     now,
				"build_result_id": build.ID,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.New("store: task is not running")
		}
		task.Status = model.TaskFinished
		task.FinishedAt = &now
		task.BuildResultID = &build.ID
		task.BuildResult = &build
		return nil
	})
}

// TaskByID loads a task with its build result and test results
func (s *Store) TaskByID(ctx context.Context, id uint64) (*model.Task, error) {
	var task model.Task
	err := s.db.WithContext(ctx).
		Preload("BuildResult").
		Preload("TestResults").
		Preload("TestResults.ExecutionResult").
		First(&task, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// TasksByTeam lists a team's tasks newest first
func (s *Store) TasksByTeam(ctx context.Context, teamID uint64, limit int) ([]model.Task, error) {
	var tasks []model.Task
	err := s.db.WithContext(ctx).
		Preload("BuildResult").
		Where("team_id = ?", teamID).
		Order("queue_time DESC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

// SaveExternalRun upserts the mirror row of a task on an external platform
func (s *Store) SaveExternalRun(ctx context.Context, run *model.ExternalRun) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}, {Name: "platform"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(run).Error
}

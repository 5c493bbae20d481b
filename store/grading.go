package store

import (
	"context"
	"errors"
	"time"

	"github.com/complab-ci/complab/grading"
	"github.com/complab-ci/complab/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TaskScores returns every finished task of the team queued inside the window
// with its passed count over the given graded test set.
func (s *Store) TaskScores(ctx context.Context, teamID uint64, testIDs []uint64, from, to time.Time) ([]grading.TaskScore, error) {
	var scores []grading.TaskScore
	q := s.db.WithContext(ctx).Table("tasks").
		Where("tasks.team_id = ? AND tasks.status = ?", teamID, model.TaskFinished).
		Where("tasks.queue_time >= ? AND tasks.queue_time <= ?", from, to).
		Group("tasks.id, tasks.queue_time")
	if len(testIDs) > 0 {
		q = q.Select("tasks.id AS task_id, tasks.queue_time, COALESCE(SUM(CASE WHEN tr.passed THEN 1 ELSE 0 END), 0) AS passed").
			Joins("LEFT JOIN test_results tr ON tr.task_id = tasks.id AND tr.test_id IN ?", testIDs)
	} else {
		q = q.Select("tasks.id AS task_id, tasks.queue_time, 0 AS passed")
	}
	if err := q.Scan(&scores).Error; err != nil {
		return nil, err
	}
	return scores, nil
}

// Finalized returns the frozen row for (team, category), or nil
func (s *Store) Finalized(ctx context.Context, teamID uint64, category string) (*model.FinalizedSubmittedTask, error) {
	var row model.FinalizedSubmittedTask
	err := s.db.WithContext(ctx).
		Where("team_id = ? AND category = ?", teamID, category).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Freeze inserts the finalized row if absent. The composite primary key plus
// DO NOTHING makes concurrent freezes collapse into exactly one immutable row.
func (s *Store) Freeze(ctx context.Context, row *model.FinalizedSubmittedTask) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "team_id"}, {Name: "category"}},
		DoNothing: true,
	}).Create(row).Error
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/complab-ci/complab/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrAlreadyDispatched reports a withdraw attempt on an item that was already
// claimed into a task
var ErrAlreadyDispatched = errors.New("store: queue item already dispatched")

// errNoWork signals an empty claim inside the transaction
var errNoWork = errors.New("store: no claimable queue item")

// Enqueue appends a submitted revision to the durable backlog
func (s *Store) Enqueue(ctx context.Context, item *model.QueueItem) error {
	return s.db.WithContext(ctx).Create(item).Error
}

// Withdraw removes a still queued item before dispatch. An item that was
// already claimed into a task returns ErrAlreadyDispatched; an id that never
// existed returns ErrNotFound.
func (s *Store) Withdraw(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&model.QueueItem{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Task{}).
		Where("queue_id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return ErrAlreadyDispatched
	}
	return ErrNotFound
}

// QueueDepth counts pending items
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.QueueItem{}).Count(&n).Error
	return n, err
}

// ClaimNext atomically promotes the earliest enqueued item of a team with no
// running task into a Running task. The item row lock plus SKIP LOCKED keeps
// concurrent schedulers from double dispatching the same item; the team row
// lock serializes claims for one team, so the running check cannot be
// overtaken by another node claiming a second item of that team. The item is
// deleted and the task created in the same transaction, so it is consumed
// exactly once. Returns nil when no team has both a pending item and free
// capacity.
func (s *Store) ClaimNext(ctx context.Context, now time.Time) (*model.Task, error) {
	var task *model.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// teams found busy under their own lock this round
		var busy []uint64
		for {
			q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("not_before IS NULL OR not_before <= ?", now).
				Order("enqueued_at")
			if len(busy) > 0 {
				q = q.Where("team_id NOT IN ?", busy)
			}
			var item model.QueueItem
			err := q.First(&item).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errNoWork
			}
			if err != nil {
				return err
			}

			var team model.Team
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&team, item.TeamID).Error; err != nil {
				return err
			}
			var running int64
			if err := tx.Model(&model.Task{}).
				Where("team_id = ? AND status = ?", item.TeamID, model.TaskRunning).
				Count(&running).Error; err != nil {
				return err
			}
			if running > 0 {
				busy = append(busy, item.TeamID)
				continue
			}

			t := model.Task{
				QueueID:       item.ID,
				TeamID:        item.TeamID,
				CommitHash:    item.CommitHash,
				CommitMessage: item.CommitMessage,
				QueueTime:     item.EnqueuedAt,
				StartedAt:     now,
				Status:        model.TaskRunning,
				Attempts:      item.Attempts,
			}
			if err := tx.Create(&t).Error; err != nil {
				return err
			}
			if err := tx.Delete(&model.QueueItem{}, "id = ?", item.ID).Error; err != nil {
				return err
			}
			task = &t
			return nil
		}
	})
	if errors.Is(err, errNoWork) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Release converts a running task back into a queue item without charging an
// attempt. Used when the node gives the task up for reasons that say nothing
// about its health, such as a clean shutdown; the item is immediately
// claimable by the next node.
func (s *Store) Release(ctx context.Context, task *model.Task) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&model.Task{}, task.ID).Error; err != nil {
			return err
		}
		item := model.QueueItem{
			ID:            task.QueueID,
			TeamID:        task.TeamID,
			Revision:      task.CommitHash,
			CommitHash:    task.CommitHash,
			CommitMessage: task.CommitMessage,
			EnqueuedAt:    task.QueueTime,
			Attempts:      task.Attempts,
		}
		return tx.Create(&item).Error
	})
}

// Requeue converts a running task back into a queue item after an
// infrastructure failure or abort. The original enqueue time is preserved so
// the team keeps its place; NotBefore delays the retry.
func (s *Store) Requeue(ctx context.Context, task *model.Task, notBefore time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&model.Task{}, task.ID).Error; err != nil {
			return err
		}
		item := model.QueueItem{
			ID:            task.QueueID,
			TeamID:        task.TeamID,
			Revision:      task.CommitHash,
			CommitHash:    task.CommitHash,
			CommitMessage: task.CommitMessage,
			EnqueuedAt:    task.QueueTime,
			NotBefore:     &notBefore,
			Attempts:      task.Attempts + 1,
		}
		return tx.Create(&item).Error
	})
}

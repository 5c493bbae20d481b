package store

import (
	"context"
	"time"

	"github.com/complab-ci/complab/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllTests lists every authored test
func (s *Store) AllTests(ctx context.Context) ([]model.Test, error) {
	var tests []model.Test
	if err := s.db.WithContext(ctx).Order("id").Find(&tests).Error; err != nil {
		return nil, err
	}
	return tests, nil
}

// SaveTest creates or updates an authored test
func (s *Store) SaveTest(ctx context.Context, t *model.Test) error {
	return s.db.WithContext(ctx).Save(t).Error
}

// TestsNeedingTaste returns tests whose content has not been validated
// against the reference implementation yet (no tasting result, or one for an
// older content hash).
func (s *Store) TestsNeedingTaste(ctx context.Context) ([]model.Test, error) {
	var tests []model.Test
	err := s.db.WithContext(ctx).
		Joins("LEFT JOIN test_tasting_results ttr ON ttr.test_id = tests.id").
		Where("ttr.test_id IS NULL OR ttr.content_hash <> tests.content_hash").
		Find(&tests).Error
	if err != nil {
		return nil, err
	}
	return tests, nil
}

// RecordTaste persists the tasting invocation and outcome, and flips the
// test's provisional marker: a failed taste untrusts the test for the
// category it counts in, a successful one clears the marker.
func (s *Store) RecordTaste(ctx context.Context, test *model.Test, exec model.ExecutionResult, success bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&exec).Error; err != nil {
			return err
		}
		row := model.TestTastingResult{
			TestID:            test.ID,
			ContentHash:       test.ContentHash,
			Success:           success,
			ExecutionResultID: &exec.ID,
			TastedAt:          time.Now(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "test_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"content_hash", "success", "execution_result_id", "tasted_at"}),
		}).Create(&row).Error; err != nil {
			return err
		}
		provisional := map[string]any{"provisional_for_category": nil}
		if !success {
			provisional["provisional_for_category"] = test.EffectiveCategory()
		}
		return tx.Model(&model.Test{}).Where("id = ?", test.ID).Updates(provisional).Error
	})
}

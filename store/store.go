// Package store is the repository layer over the relational result store. It
// is the single source of truth: the queue, tasks, results and finalized
// grades are durable rows, so a process restart loses no pending work.
package store

import (
	"context"
	"errors"

	"github.com/complab-ci/complab/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound reports a missing row
var ErrNotFound = errors.New("store: not found")

// Store wraps the gorm handle
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New creates a store over an open database handle
func New(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Migrate creates or updates the schema
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(model.All()...)
}

// Teams lists every team
func (s *Store) Teams(ctx context.Context) ([]model.Team, error) {
	var teams []model.Team
	if err := s.db.WithContext(ctx).Order("name").Find(&teams).Error; err != nil {
		return nil, err
	}
	return teams, nil
}

// TeamByName finds a team by its unique name
func (s *Store) TeamByName(ctx context.Context, name string) (*model.Team, error) {
	var team model.Team
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&team).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &team, nil
}

// TeamByID finds a team by id
func (s *Store) TeamByID(ctx context.Context, id uint64) (*model.Team, error) {
	var team model.Team
	err := s.db.WithContext(ctx).First(&team, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &team, nil
}

// SyncTeams upserts the configured roster by team name, keeping ids stable
func (s *Store) SyncTeams(ctx context.Context, teams []model.Team) error {
	if len(teams) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "repo_url", "deploy_key", "integration_token"}),
	}).Create(&teams).Error
}

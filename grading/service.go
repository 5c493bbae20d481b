package grading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/complab-ci/complab/harness"
	"github.com/complab-ci/complab/model"
	"go.uber.org/zap"
)

// Store is the slice of the result store the grading engine reads and writes
type Store interface {
	Teams(ctx context.Context) ([]model.Team, error)
	AllTests(ctx context.Context) ([]model.Test, error)
	TaskScores(ctx context.Context, teamID uint64, testIDs []uint64, from, to time.Time) ([]TaskScore, error)
	Finalized(ctx context.Context, teamID uint64, category string) (*model.FinalizedSubmittedTask, error)
	// Freeze inserts the row if absent; concurrent freeze attempts keep
	// exactly one row
	Freeze(ctx context.Context, row *model.FinalizedSubmittedTask) error
}

// Grade is the rendered per category score of a team
type Grade struct {
	Category string  `json:"category"`
	Passed   int     `json:"passed"`
	Total    int     `json:"total"`
	Score    float64 `json:"score"`
	// Undefined marks a formula that cannot evaluate for these counts
	Undefined bool `json:"undefined,omitempty"`
	Frozen    bool `json:"frozen"`
}

// Service selects candidates, freezes finalized tasks and evaluates formulas
type Service struct {
	store      Store
	categories []Category
	logger     *zap.Logger
}

// NewService creates a grading service over the configured categories
func NewService(store Store, categories []Category, logger *zap.Logger) *Service {
	return &Service{store: store, categories: categories, logger: logger}
}

// trustedIDs resolves the graded test set for a category
func trustedIDs(tests []model.Test, category string) []uint64 {
	applicable := harness.Applicable(tests, category)
	ids := make([]uint64, 0, len(applicable))
	for _, t := range applicable {
		ids = append(ids, t.ID)
	}
	return ids
}

// Candidate computes the current best task of a team for a category, along
// with the graded test total. ok is false when the team has no finished task
// in the window.
func (s *Service) Candidate(ctx context.Context, teamID uint64, cat Category) (best TaskScore, total int, ok bool, err error) {
	tests, err := s.store.AllTests(ctx)
	if err != nil {
		return TaskScore{}, 0, false, err
	}
	ids := trustedIDs(tests, cat.Name)
	scores, err := s.store.TaskScores(ctx, teamID, ids, cat.StartsAt, cat.TestsEndAt)
	if err != nil {
		return TaskScore{}, 0, false, err
	}
	best, ok = BestCandidate(scores)
	return best, len(ids), ok, nil
}

// FreezeDue writes the FinalizedSubmittedTasks row for every (team, category)
// whose test window has closed. The insert is if-absent, so running this on
// several nodes concurrently still yields exactly one row per pair.
func (s *Service) FreezeDue(ctx context.Context, now time.Time) error {
	teams, err := s.store.Teams(ctx)
	if err != nil {
		return err
	}
	for _, cat := range s.categories {
		if !cat.Closed(now) {
			continue
		}
		for _, team := range teams {
			if err := s.freezeOne(ctx, team, cat, now); err != nil {
				return fmt.Errorf("freeze %s/%s: %w", team.Name, cat.Name, err)
			}
		}
	}
	return nil
}

func (s *Service) freezeOne(ctx context.Context, team model.Team, cat Category, now time.Time) error {
	existing, err := s.store.Finalized(ctx, team.ID, cat.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	best, total, ok, err := s.Candidate(ctx, team.ID, cat)
	if err != nil {
		return err
	}
	row := &model.FinalizedSubmittedTask{
		TeamID:   team.ID,
		Category: cat.Name,
		Total:    total,
		FrozenAt: now,
	}
	if ok {
		row.TaskID = best.TaskID
		row.Passed = best.Passed
	}
	s.logger.Info("freezing category",
		zap.String("team", team.Name),
		zap.String("category", cat.Name),
		zap.Uint64("task", row.TaskID),
		zap.Int("passed", row.Passed),
		zap.Int("total", row.Total))
	return s.store.Freeze(ctx, row)
}

// Grades evaluates every category for a team. Before the freeze the current
// candidate counts are used; after it, the frozen ones.
func (s *Service) Grades(ctx context.Context, team model.Team) ([]Grade, error) {
	out := make([]Grade, 0, len(s.categories))
	for _, cat := range s.categories {
		g, err := s.gradeOne(ctx, team, cat)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *Service) gradeOne(ctx context.Context, team model.Team, cat Category) (Grade, error) {
	g := Grade{Category: cat.Name}

	frozen, err := s.store.Finalized(ctx, team.ID, cat.Name)
	if err != nil {
		return g, err
	}
	if frozen != nil {
		g.Passed, g.Total, g.Frozen = frozen.Passed, frozen.Total, true
	} else {
		best, total, ok, err := s.Candidate(ctx, team.ID, cat)
		if err != nil {
			return g, err
		}
		g.Total = total
		if ok {
			g.Passed = best.Passed
		}
	}

	score, err := cat.Formula.Evaluate(map[string]int{
		PassedVar(cat.Name): g.Passed,
		TotalVar(cat.Name):  g.Total,
	})
	if err != nil {
		if errors.Is(err, ErrUndefinedScore) {
			g.Undefined = true
			return g, nil
		}
		return g, err
	}
	g.Score = score
	return g, nil
}

// RunFinalizer periodically freezes due categories until the context ends
func (s *Service) RunFinalizer(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.FreezeDue(ctx, time.Now()); err != nil && ctx.Err() == nil {
				s.logger.Error("finalization sweep failed", zap.Error(err))
			}
		}
	}
}

package grading

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/complab-ci/complab/model"
	"go.uber.org/zap"
)

type fakeStore struct {
	teams  []model.Team
	tests  []model.Test
	scores map[uint64][]TaskScore
	frozen map[string]*model.FinalizedSubmittedTask

	freezeCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		scores: make(map[uint64][]TaskScore),
		frozen: make(map[string]*model.FinalizedSubmittedTask),
	}
}

func key(teamID uint64, category string) string {
	return fmt.Sprintf("%d/%s", teamID, category)
}

func (f *fakeStore) Teams(context.Context) ([]model.Team, error)    { return f.teams, nil }
func (f *fakeStore) AllTests(context.Context) ([]model.Test, error) { return f.tests, nil }

func (f *fakeStore) TaskScores(_ context.Context, teamID uint64, testIDs []uint64, from, to time.Time) ([]TaskScore, error) {
	return f.scores[teamID], nil
}

func (f *fakeStore) Finalized(_ context.Context, teamID uint64, category string) (*model.FinalizedSubmittedTask, error) {
	return f.frozen[key(teamID, category)], nil
}

func (f *fakeStore) Freeze(_ context.Context, row *model.FinalizedSubmittedTask) error {
	f.freezeCalls++
	// insert if absent, like the real store
	k := key(row.TeamID, row.Category)
	if _, ok := f.frozen[k]; !ok {
		f.frozen[k] = row
	}
	return nil
}

func testCategory(t *testing.T, name string) Category {
	t.Helper()
	formula, err := CompileFormula("passed_"+Slug(name)+" * 10", []string{name})
	if err != nil {
		t.Fatalf("CompileFormula error: %v", err)
	}
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	return Category{
		Name:       name,
		StartsAt:   start,
		LabsEndAt:  start.AddDate(0, 0, 14),
		TestsEndAt: start.AddDate(0, 0, 21),
		Formula:    formula,
	}
}

func TestFreezeDueIdempotent(t *testing.T) {
	cat := testCategory(t, "Lab 1")
	st := newFakeStore()
	st.teams = []model.Team{{ID: 1, Name: "alpha"}}
	st.tests = []model.Test{{ID: 1, Category: "Lab 1"}}
	st.scores[1] = []TaskScore{{TaskID: 7, QueueTime: cat.StartsAt.Add(time.Hour), Passed: 1}}

	svc := NewService(st, []Category{cat}, zap.NewNop())
	after := cat.TestsEndAt.Add(time.Hour)

	if err := svc.FreezeDue(context.Background(), after); err != nil {
		t.Fatalf("first freeze: %v", err)
	}
	if err := svc.FreezeDue(context.Background(), after); err != nil {
		t.Fatalf("second freeze: %v", err)
	}

	row := st.frozen[key(1, "Lab 1")]
	if row == nil || row.TaskID != 7 || row.Passed != 1 || row.Total != 1 {
		t.Fatalf("frozen row = %+v, want task 7 with 1/1", row)
	}
	// the second sweep sees the existing row and does not freeze again
	if st.freezeCalls != 1 {
		t.Errorf("freeze calls = %d, want 1", st.freezeCalls)
	}
}

func TestFreezeDueSkipsOpenCategories(t *testing.T) {
	cat := testCategory(t, "Lab 1")
	st := newFakeStore()
	st.teams = []model.Team{{ID: 1, Name: "alpha"}}

	svc := NewService(st, []Category{cat}, zap.NewNop())
	if err := svc.FreezeDue(context.Background(), cat.TestsEndAt.Add(-time.Hour)); err != nil {
		t.Fatalf("FreezeDue error: %v", err)
	}
	if st.freezeCalls != 0 {
		t.Errorf("freeze calls = %d, want 0 while the window is open", st.freezeCalls)
	}
}

func TestGradesUseFrozenCounts(t *testing.T) {
	cat := testCategory(t, "Lab 1")
	st := newFakeStore()
	team := model.Team{ID: 1, Name: "alpha"}
	st.teams = []model.Team{team}
	st.frozen[key(1, "Lab 1")] = &model.FinalizedSubmittedTask{
		TeamID: 1, Category: "Lab 1", TaskID: 7, Passed: 4, Total: 5,
	}
	// later submissions no longer matter
	st.scores[1] = []TaskScore{{TaskID: 9, QueueTime: cat.TestsEndAt, Passed: 5}}

	svc := NewService(st, []Category{cat}, zap.NewNop())
	grades, err := svc.Grades(context.Background(), team)
	if err != nil {
		t.Fatalf("Grades error: %v", err)
	}
	if len(grades) != 1 {
		t.Fatalf("got %d grades, want 1", len(grades))
	}
	g := grades[0]
	if !g.Frozen || g.Passed != 4 || g.Total != 5 || g.Score != 40 {
		t.Errorf("grade = %+v, want frozen 4/5 score 40", g)
	}
}

func TestGradesBeforeFreezeUseCandidate(t *testing.T) {
	cat := testCategory(t, "Lab 1")
	st := newFakeStore()
	team := model.Team{ID: 1, Name: "alpha"}
	st.teams = []model.Team{team}
	st.tests = []model.Test{{ID: 1, Category: "Lab 1"}, {ID: 2, Category: "Lab 1"}}
	st.scores[1] = []TaskScore{
		{TaskID: 3, QueueTime: cat.StartsAt.Add(time.Hour), Passed: 2},
		{TaskID: 4, QueueTime: cat.StartsAt.Add(2 * time.Hour), Passed: 1},
	}

	svc := NewService(st, []Category{cat}, zap.NewNop())
	grades, err := svc.Grades(context.Background(), team)
	if err != nil {
		t.Fatalf("Grades error: %v", err)
	}
	g := grades[0]
	if g.Frozen || g.Passed != 2 || g.Total != 2 || g.Score != 20 {
		t.Errorf("grade = %+v, want live 2/2 score 20", g)
	}
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/complab-ci/complab/gitrepo"
	"github.com/complab-ci/complab/model"
	"go.uber.org/zap"
)

type fakeStore struct {
	teams     map[string]*model.Team
	items     []*model.QueueItem
	withdrawn []string
}

func (f *fakeStore) TeamByName(_ context.Context, name string) (*model.Team, error) {
	team, ok := f.teams[name]
	if !ok {
		return nil, fmt.Errorf("team %s: not found", name)
	}
	return team, nil
}

func (f *fakeStore) Enqueue(_ context.Context, item *model.QueueItem) error {
	f.items = append(f.items, item)
	return nil
}

func (f *fakeStore) Withdraw(_ context.Context, id string) error {
	f.withdrawn = append(f.withdrawn, id)
	return nil
}

type fakeResolver struct {
	hashes map[string]string
}

func (f *fakeResolver) Resolve(_ context.Context, _ *model.Team, revision string) (string, error) {
	hash, ok := f.hashes[revision]
	if !ok {
		return "", fmt.Errorf("%w: %s", gitrepo.ErrUnknownRevision, revision)
	}
	return hash, nil
}

func (f *fakeResolver) Checkout(context.Context, *model.Team, string, string) error {
	return nil
}

func TestEnqueueResolvesRevision(t *testing.T) {
	st := &fakeStore{teams: map[string]*model.Team{
		"alpha": {ID: 1, Name: "alpha"},
	}}
	res := &fakeResolver{hashes: map[string]string{
		"main": "0123456789abcdef0123456789abcdef01234567",
	}}
	q := New(st, res, nil, zap.NewNop())

	item, err := q.Enqueue(context.Background(), "alpha", "main", "fix parser")
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if item.ID == "" {
		t.Error("queue item has no id")
	}
	if item.CommitHash != res.hashes["main"] {
		t.Errorf("commit hash = %q, want resolved hash", item.CommitHash)
	}
	if item.TeamID != 1 || item.EnqueuedAt.IsZero() {
		t.Errorf("item = %+v, want team 1 with enqueue time set", item)
	}
	if len(st.items) != 1 {
		t.Errorf("stored %d items, want 1", len(st.items))
	}
}

func TestEnqueueUnknownRevision(t *testing.T) {
	st := &fakeStore{teams: map[string]*model.Team{
		"alpha": {ID: 1, Name: "alpha"},
	}}
	q := New(st, &fakeResolver{}, nil, zap.NewNop())

	_, err := q.Enqueue(context.Background(), "alpha", "no-such-branch", "")
	if !errors.Is(err, ErrInvalidRevision) {
		t.Fatalf("err = %v, want ErrInvalidRevision", err)
	}
	if len(st.items) != 0 {
		t.Errorf("stored %d items after a rejected revision, want 0", len(st.items))
	}
}

func TestEnqueueUnknownTeam(t *testing.T) {
	q := New(&fakeStore{teams: map[string]*model.Team{}}, &fakeResolver{}, nil, zap.NewNop())
	if _, err := q.Enqueue(context.Background(), "ghost", "main", ""); err == nil {
		t.Fatal("expected error for unknown team")
	}
}

func TestWithdraw(t *testing.T) {
	st := &fakeStore{}
	q := New(st, &fakeResolver{}, nil, zap.NewNop())
	if err := q.Withdraw(context.Background(), "abc"); err != nil {
		t.Fatalf("Withdraw error: %v", err)
	}
	if len(st.withdrawn) != 1 || st.withdrawn[0] != "abc" {
		t.Errorf("withdrawn = %v", st.withdrawn)
	}
}

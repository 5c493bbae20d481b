// Package queue is the submission entry point: it validates revisions,
// appends durable queue items and wakes the scheduler.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/complab-ci/complab/gitrepo"
	"github.com/complab-ci/complab/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// WakeChannel carries enqueue notifications between nodes
const WakeChannel = "complab:queue:wake"

// ErrInvalidRevision reports a submission whose revision spec does not
// resolve against the team's repository
var ErrInvalidRevision = errors.New("queue: invalid revision")

// Store is the slice of the result store the queue writes
type Store interface {
	TeamByName(ctx context.Context, name string) (*model.Team, error)
	Enqueue(ctx context.Context, item *model.QueueItem) error
	Withdraw(ctx context.Context, id string) error
}

// Queue accepts and withdraws submissions
type Queue struct {
	store    Store
	resolver gitrepo.Resolver
	rdb      *redis.Client
	logger   *zap.Logger
}

// New creates a queue. rdb may be nil; the scheduler then relies on polling.
func New(store Store, resolver gitrepo.Resolver, rdb *redis.Client, logger *zap.Logger) *Queue {
	return &Queue{store: store, resolver: resolver, rdb: rdb, logger: logger}
}

// Enqueue resolves the revision and appends it to the team's backlog
func (q *Queue) Enqueue(ctx context.Context, teamName, revision, commitMessage string) (*model.QueueItem, error) {
	team, err := q.store.TeamByName(ctx, teamName)
	if err != nil {
		return nil, err
	}
	hash, err := q.resolver.Resolve(ctx, team, revision)
	if err != nil {
		if errors.Is(err, gitrepo.ErrUnknownRevision) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRevision, err)
		}
		return nil, err
	}
	item := &model.QueueItem{
		ID:            uuid.NewString(),
		TeamID:        team.ID,
		Revision:      revision,
		CommitHash:    hash,
		CommitMessage: commitMessage,
		EnqueuedAt:    time.Now(),
	}
	if err := q.store.Enqueue(ctx, item); err != nil {
		return nil, err
	}
	q.logger.Info("enqueued revision",
		zap.String("team", teamName),
		zap.String("revision", revision),
		zap.String("commit", hash),
		zap.String("queue_id", item.ID))
	q.wake(ctx)
	return item, nil
}

// Withdraw removes a still queued item; a dispatched one is out of reach
func (q *Queue) Withdraw(ctx context.Context, id string) error {
	return q.store.Withdraw(ctx, id)
}

func (q *Queue) wake(ctx context.Context) {
	if q.rdb == nil {
		return
	}
	if err := q.rdb.Publish(ctx, WakeChannel, "1").Err(); err != nil {
		q.logger.Warn("queue wakeup publish failed", zap.Error(err))
	}
}

// SubscribeWake returns a channel that fires on enqueue notifications from
// any node. Returns nil when redis is not configured.
func SubscribeWake(ctx context.Context, rdb *redis.Client, logger *zap.Logger) <-chan struct{} {
	if rdb == nil {
		return nil
	}
	out := make(chan struct{}, 1)
	sub := rdb.Subscribe(ctx, WakeChannel)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

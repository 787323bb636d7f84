package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
	"board-sync/subscription"
)

// Publisher broadcasts board changes on the channels the change stream
// listens to.
type Publisher struct {
	rc *redis.Client
}

// NewPublisher creates a Publisher using rc.
func NewPublisher(rc *redis.Client) *Publisher {
	return &Publisher{rc: rc}
}

// Publish sends ch to the channel of its table on boardID.
func (p *Publisher) Publish(ctx context.Context, boardID string, ch domain.Change) error {
	payload, err := domain.EncodeChange(ch)
	if err != nil {
		return err
	}
	channel := subscription.Channel(boardID, ch.Table())
	if err := p.rc.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

type taskStore interface {
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) error
}

type changePublisher interface {
	Publish(ctx context.Context, boardID string, ch domain.Change) error
}

type boardEvicter interface {
	Evict(ctx context.Context, boardID string)
}

// NotifyingWriter updates tasks in the store and then announces the change
// to every subscriber of the task's board. A failed announcement is logged;
// the write itself has already succeeded.
type NotifyingWriter struct {
	store  taskStore
	pub    changePublisher
	cache  boardEvicter
	logger *log.Logger
}

// NewNotifyingWriter creates a writer. cache may be nil.
func NewNotifyingWriter(store taskStore, pub changePublisher, cache boardEvicter, logger *log.Logger) *NotifyingWriter {
	if store == nil || pub == nil {
		panic("storage.NewNotifyingWriter: store and publisher are required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &NotifyingWriter{store: store, pub: pub, cache: cache, logger: logger}
}

// UpdateTask applies patch to task id.
func (w *NotifyingWriter) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) error {
	before, err := w.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("get task %s: %w", id, err)
	}
	if before == nil {
		return fmt.Errorf("update task %s: %w", id, domain.ErrTaskNotFound)
	}
	if err := w.store.UpdateTask(ctx, id, patch); err != nil {
		return err
	}

	after := before.Task
	if patch.ColumnID != nil {
		after.ColumnID = *patch.ColumnID
	}
	if patch.Position != nil {
		after.Position = *patch.Position
	}
	if w.cache != nil {
		w.cache.Evict(ctx, before.BoardID)
	}
	old := before.Task
	change := domain.TaskChange{EventType: domain.EventUpdate, New: &after, Old: &old}
	if err := w.pub.Publish(ctx, before.BoardID, change); err != nil {
		w.logger.WithError(err).WithFields(log.Fields{"board": before.BoardID, "task": id}).Error("Unable to publish task update")
	}
	return nil
}

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"board-sync/domain"
	"board-sync/subscription"
)

type fakeTaskStore struct {
	tasks     map[string]TaskRecord
	updateErr error
	updates   int
}

func (f *fakeTaskStore) GetTask(_ context.Context, id string) (*TaskRecord, error) {
	rec, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeTaskStore) UpdateTask(_ context.Context, id string, patch domain.TaskPatch) error {
	f.updates++
	if f.updateErr != nil {
		return f.updateErr
	}
	rec := f.tasks[id]
	if patch.ColumnID != nil {
		rec.ColumnID = *patch.ColumnID
	}
	if patch.Position != nil {
		rec.Position = *patch.Position
	}
	f.tasks[id] = rec
	return nil
}

type publishCall struct {
	boardID string
	change  domain.Change
}

type fakePublisher struct {
	calls []publishCall
	err   error
}

func (f *fakePublisher) Publish(_ context.Context, boardID string, ch domain.Change) error {
	f.calls = append(f.calls, publishCall{boardID, ch})
	return f.err
}

type fakeEvicter struct{ evicted []string }

func (f *fakeEvicter) Evict(_ context.Context, boardID string) { f.evicted = append(f.evicted, boardID) }

func newStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: map[string]TaskRecord{
		"t1": {BoardID: "b1", Task: domain.Task{ID: "t1", ColumnID: "todo", Title: "one", Position: 1000}},
	}}
}

func TestPublisherPublishesOnTableChannel(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()
	sub := client.Subscribe(ctx, subscription.Channel("b1", domain.TableTasks))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ch := domain.TaskChange{EventType: domain.EventDelete, Old: &domain.Task{ID: "t1"}}
	if err := NewPublisher(client).Publish(ctx, "b1", ch); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		got, err := domain.ParseChange([]byte(msg.Payload))
		if err != nil {
			t.Fatalf("parse published change: %v", err)
		}
		if got.EntityID() != "t1" || got.Type() != domain.EventDelete {
			t.Fatalf("unexpected change %#v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no message published")
	}
}

func TestNotifyingWriterPublishesMove(t *testing.T) {
	store, pub, cache := newStore(), &fakePublisher{}, &fakeEvicter{}
	logger, _ := test.NewNullLogger()
	w := NewNotifyingWriter(store, pub, cache, logger)

	column, position := "done", domain.Position(2000)
	if err := w.UpdateTask(context.Background(), "t1", domain.TaskPatch{ColumnID: &column, Position: &position}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(pub.calls) != 1 || pub.calls[0].boardID != "b1" {
		t.Fatalf("unexpected publish calls %+v", pub.calls)
	}
	tc := pub.calls[0].change.(domain.TaskChange)
	if tc.EventType != domain.EventUpdate || tc.Old.ColumnID != "todo" || tc.New.ColumnID != "done" || tc.New.Position != 2000 || tc.New.Title != "one" {
		t.Fatalf("unexpected change old=%+v new=%+v", tc.Old, tc.New)
	}
	if len(cache.evicted) != 1 || cache.evicted[0] != "b1" {
		t.Fatalf("expected board cache eviction, got %v", cache.evicted)
	}
}

func TestNotifyingWriterUnknownTask(t *testing.T) {
	store, pub := newStore(), &fakePublisher{}
	w := NewNotifyingWriter(store, pub, nil, nil)

	position := domain.Position(1)
	err := w.UpdateTask(context.Background(), "ghost", domain.TaskPatch{Position: &position})
	if !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if store.updates != 0 || len(pub.calls) != 0 {
		t.Fatalf("unknown task must not be written or published")
	}
}

func TestNotifyingWriterStoreFailureIsNotPublished(t *testing.T) {
	store, pub := newStore(), &fakePublisher{}
	store.updateErr = errors.New("412 precondition failed")
	w := NewNotifyingWriter(store, pub, nil, nil)

	position := domain.Position(1)
	if err := w.UpdateTask(context.Background(), "t1", domain.TaskPatch{Position: &position}); !errors.Is(err, store.updateErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if len(pub.calls) != 0 {
		t.Fatalf("failed write must not be published")
	}
}

func TestNotifyingWriterPublishFailureIsLogged(t *testing.T) {
	store, pub := newStore(), &fakePublisher{err: errors.New("redis down")}
	logger, hook := test.NewNullLogger()
	w := NewNotifyingWriter(store, pub, nil, logger)

	position := domain.Position(5)
	if err := w.UpdateTask(context.Background(), "t1", domain.TaskPatch{Position: &position}); err != nil {
		t.Fatalf("publish failure must not fail the write: %v", err)
	}
	if store.tasks["t1"].Position != 5 {
		t.Fatalf("write not applied")
	}
	if entry := hook.LastEntry(); entry == nil || entry.Message != "Unable to publish task update" {
		t.Fatalf("expected publish failure to be logged, got %+v", entry)
	}
}

package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"board-sync/domain"
)

type fakeLoader struct {
	mu     sync.Mutex
	boards map[string]domain.Board
	err    error
	during func(boardID string)
}

func (l *fakeLoader) LoadBoard(_ context.Context, boardID string) (domain.Board, error) {
	if l.during != nil {
		l.during(boardID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return domain.Board{}, l.err
	}
	return l.boards[boardID], nil
}

type writeCall struct {
	id    string
	patch domain.TaskPatch
}

type fakeWriter struct {
	mu      sync.Mutex
	calls   []writeCall
	err     error
	fail    func(call int) error // call counts from 1
	stored  map[string]domain.Position
	started chan struct{}
	release chan struct{}
}

func (w *fakeWriter) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) error {
	w.mu.Lock()
	w.calls = append(w.calls, writeCall{id: id, patch: patch})
	err, started, release := w.err, w.started, w.release
	if err == nil && w.fail != nil {
		err = w.fail(len(w.calls))
	}
	if err == nil && w.stored != nil && patch.Position != nil {
		w.stored[id] = *patch.Position
	}
	w.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (w *fakeWriter) Stored() map[string]domain.Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]domain.Position, len(w.stored))
	for id, p := range w.stored {
		out[id] = p
	}
	return out
}

func (w *fakeWriter) Calls() []writeCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]writeCall(nil), w.calls...)
}

type fakeStream struct {
	mu      sync.Mutex
	deliver map[string]func(domain.Change)
	events  []string
	err     error
}

type fakeSubscription struct {
	stream  *fakeStream
	boardID string
}

func (s *fakeSubscription) Close() error {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	delete(s.stream.deliver, s.boardID)
	s.stream.events = append(s.stream.events, "close:"+s.boardID)
	return nil
}

func (f *fakeStream) Subscribe(_ context.Context, boardID string, deliver func(domain.Change)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.deliver == nil {
		f.deliver = make(map[string]func(domain.Change))
	}
	f.deliver[boardID] = deliver
	f.events = append(f.events, "subscribe:"+boardID)
	return &fakeSubscription{stream: f, boardID: boardID}, nil
}

func (f *fakeStream) Send(boardID string, ch domain.Change) bool {
	f.mu.Lock()
	deliver := f.deliver[boardID]
	f.mu.Unlock()
	if deliver == nil {
		return false
	}
	deliver(ch)
	return true
}

func (f *fakeStream) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func testBoard(id string) domain.Board {
	return domain.NewBoard(id,
		[]domain.Column{
			{ID: "todo", BoardID: id, Title: "To Do", Position: 1000},
			{ID: "done", BoardID: id, Title: "Done", Position: 2000},
		},
		[]domain.Task{
			{ID: "t1", ColumnID: "todo", Title: "one", Position: 0},
			{ID: "t2", ColumnID: "todo", Title: "two", Position: 1000},
			{ID: "t3", ColumnID: "todo", Title: "three", Position: 2000},
			{ID: "d1", ColumnID: "done", Title: "d-one", Position: 0},
			{ID: "d2", ColumnID: "done", Title: "d-two", Position: 1000},
		},
	)
}

type harness struct {
	session *Session
	loader  *fakeLoader
	writer  *fakeWriter
	stream  *fakeStream
	hook    *test.Hook
}

func newHarness(t *testing.T, boards ...domain.Board) *harness {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	h := &harness{
		loader: &fakeLoader{boards: map[string]domain.Board{}},
		writer: &fakeWriter{},
		stream: &fakeStream{},
		hook:   hook,
	}
	for _, b := range boards {
		h.loader.boards[b.ID()] = b
	}
	h.session = New(Deps{Loader: h.loader, Writer: h.writer, Stream: h.stream, Logger: logger}, WithWriteTimeout(5*time.Second))
	t.Cleanup(func() { _ = h.session.Close() })
	return h
}

func (h *harness) open(t *testing.T, boardID string) {
	t.Helper()
	if err := h.session.Open(context.Background(), boardID); err != nil {
		t.Fatalf("open %s: %v", boardID, err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func ids(c domain.ColumnWithTasks) []string {
	out := make([]string, len(c.Tasks))
	for i, t := range c.Tasks {
		out[i] = t.ID
	}
	return out
}

func column(t *testing.T, b domain.Board, id string) domain.ColumnWithTasks {
	t.Helper()
	c, ok := b.Column(id)
	if !ok {
		t.Fatalf("column %s missing", id)
	}
	return c
}

func TestOpenLoadsBoard(t *testing.T) {
	h := newHarness(t, testBoard("b1"))
	h.open(t, "b1")

	if h.session.BoardID() != "b1" {
		t.Fatalf("unexpected board id %q", h.session.BoardID())
	}
	snap := h.session.Snapshot()
	if got := ids(column(t, snap, "todo")); !reflect.DeepEqual(got, []string{"t1", "t2", "t3"}) {
		t.Fatalf("todo: %v", got)
	}
}

func TestOpenAppliesChangesReceivedWhileLoading(t *testing.T) {
	h := newHarness(t, testBoard("b1"))
	h.loader.during = func(boardID string) {
		h.stream.Send(boardID, domain.TaskChange{
			EventType: domain.EventInsert,
			New:       &domain.Task{ID: "t4", ColumnID: "todo", Title: "four", Position: 3000},
		})
	}
	h.open(t, "b1")

	if got := ids(column(t, h.session.Snapshot(), "todo")); !reflect.DeepEqual(got, []string{"t1", "t2", "t3", "t4"}) {
		t.Fatalf("todo: %v", got)
	}
}

func TestOpenSwitchReleasesPreviousSubscriptionFirst(t *testing.T) {
	h := newHarness(t, testBoard("b1"), testBoard("b2"))
	h.open(t, "b1")
	h.open(t, "b2")

	want := []string{"subscribe:b1", "close:b1", "subscribe:b2"}
	if got := h.stream.Events(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if h.session.Snapshot().ID() != "b2" {
		t.Fatalf("snapshot still shows %s", h.session.Snapshot().ID())
	}
	if h.stream.Send("b1", domain.TaskChange{EventType: domain.EventDelete, Old: &domain.Task{ID: "t1"}}) {
		t.Fatalf("old board still subscribed")
	}
}

func TestOpenReturnsSubscribeError(t *testing.T) {
	h := newHarness(t, testBoard("b1"))
	h.stream.err = errors.New("redis down")

	err := h.session.Open(context.Background(), "b1")
	if err == nil || !errors.Is(err, h.stream.err) {
		t.Fatalf("expected subscribe error, got %v", err)
	}
	if h.session.BoardID() != "" {
		t.Fatalf("board must not be live after a failed open")
	}
	if _, err := h.session.BeginDrag("t1"); !errors.Is(err, ErrNoBoard) {
		t.Fatalf("expected ErrNoBoard, got %v", err)
	}
}

func TestOpenReturnsLoadErrorAndReleasesSubscription(t *testing.T) {
	h := newHarness(t)
	h.loader.err = errors.New("table missing")

	if err := h.session.Open(context.Background(), "b1"); !errors.Is(err, h.loader.err) {
		t.Fatalf("expected load error, got %v", err)
	}
	want := []string{"subscribe:b1", "close:b1"}
	if got := h.stream.Events(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestFailedOpenKeepsLastOpenedSnapshot(t *testing.T) {
	h := newHarness(t, testBoard("b1"))
	h.open(t, "b1")

	h.loader.mu.Lock()
	h.loader.err = errors.New("table missing")
	h.loader.mu.Unlock()
	if err := h.session.Open(context.Background(), "b2"); err == nil {
		t.Fatalf("expected open of b2 to fail")
	}
	if got := h.session.Snapshot().ID(); got != "b1" {
		t.Fatalf("snapshot shows %q after failed open, want b1", got)
	}
	if got := ids(column(t, h.session.Snapshot(), "todo")); !reflect.DeepEqual(got, []string{"t1", "t2", "t3"}) {
		t.Fatalf("todo: %v", got)
	}

	h.stream.err = errors.New("redis down")
	if err := h.session.Open(context.Background(), "b3"); err == nil {
		t.Fatalf("expected open of b3 to fail")
	}
	if got := h.session.Snapshot().ID(); got != "b1" {
		t.Fatalf("snapshot shows %q after failed subscribe, want b1", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, testBoard("b1"))
	h.open(t, "b1")
	if err := h.session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.session.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if h.session.BoardID() != "" {
		t.Fatalf("board still live after close")
	}
	if h.session.Snapshot().ID() != "b1" {
		t.Fatalf("closed board snapshot lost")
	}
}

func TestRemoteChangesArePublished(t *testing.T) {
	h := newHarness(t, testBoard("b1"))
	h.open(t, "b1")
	updates, stop := h.session.Updates()
	defer stop()

	h.stream.Send("b1", domain.TaskChange{EventType: domain.EventDelete, Old: &domain.Task{ID: "t2"}})

	select {
	case b := <-updates:
		if b.HasTask("t2") {
			t.Fatalf("published board still has t2")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no update published")
	}
	if h.session.Snapshot().HasTask("t2") {
		t.Fatalf("snapshot still has t2")
	}
}

func TestDuplicateRemoteChangeIsNotPublished(t *testing.T) {
	h := newHarness(t, testBoard("b1"))
	h.open(t, "b1")
	updates, stop := h.session.Updates()
	defer stop()

	h.stream.Send("b1", domain.TaskChange{
		EventType: domain.EventInsert,
		New:       &domain.Task{ID: "t1", ColumnID: "todo", Title: "one", Position: 0},
	})
	waitFor(t, func() bool {
		for _, e := range h.hook.AllEntries() {
			if e.Message == "remote change" && e.Data["outcome"] == domain.Duplicate.String() {
				return true
			}
		}
		return false
	})
	select {
	case <-updates:
		t.Fatalf("duplicate change must not publish a board")
	default:
	}
}

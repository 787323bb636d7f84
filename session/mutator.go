package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"board-sync/domain"
)

var (
	// ErrWriteFailed wraps the storage error of a drop whose local change was
	// rolled back.
	ErrWriteFailed = errors.New("remote write failed")
	// ErrGestureClosed is returned when a gesture is dropped or cancelled a
	// second time.
	ErrGestureClosed = errors.New("gesture already finished")
)

type gestureState int

const (
	dragging gestureState = iota
	dropped
	cancelled
)

// Gesture is one drag of a task, from pick-up to drop or cancel.
type Gesture struct {
	ID           string
	Task         domain.Task
	SourceColumn string
	SourceIndex  int
	// Snapshot is the board as it was when the drag started, for callers
	// that render the drag. It is read-only and Drop does not use it: drops
	// resolve against the live board.
	Snapshot domain.Board

	actor *actor
	mu    sync.Mutex
	state gestureState
}

func (g *Gesture) finish(to gestureState) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != dragging {
		return false
	}
	g.state = to
	return true
}

// Target is where a task is dropped.
type Target struct {
	columnID string
	taskID   string
}

// OnColumn drops at the end of a column.
func OnColumn(id string) Target { return Target{columnID: id} }

// OnTask drops at the current index of another task, in that task's column.
func OnTask(id string) Target { return Target{taskID: id} }

func (t Target) String() string {
	if t.taskID != "" {
		return "task:" + t.taskID
	}
	return "column:" + t.columnID
}

// Move describes an applied drop. The zero Move means nothing changed.
type Move struct {
	TaskID     string          `json:"task_id"`
	FromColumn string          `json:"from_column"`
	ToColumn   string          `json:"to_column"`
	Index      int             `json:"index"`
	Position   domain.Position `json:"position"`
	// Rebalanced holds the new keys of the target column when it had to be
	// respaced.
	Rebalanced []domain.Ranked `json:"rebalanced,omitempty"`
}

// Noop reports whether the drop left the board unchanged.
func (m Move) Noop() bool { return m.TaskID == "" }

type write struct {
	id    string
	patch domain.TaskPatch
	undo  domain.TaskPatch
}

type plan struct {
	before domain.Board
	after  domain.Board
	move   Move
	writes []write
}

// BeginDrag starts a gesture for taskID on the live board.
func (s *Session) BeginDrag(taskID string) (*Gesture, error) {
	a := s.live.Load()
	if a == nil {
		return nil, ErrNoBoard
	}
	snap := a.snapshot()
	task, ok := snap.Task(taskID)
	if !ok {
		return nil, fmt.Errorf("begin drag %s: %w", taskID, domain.ErrTaskNotFound)
	}
	column, index, _ := snap.Locate(taskID)
	return &Gesture{
		ID:           uuid.NewString(),
		Task:         task,
		SourceColumn: column,
		SourceIndex:  index,
		Snapshot:     snap,
		actor:        a,
	}, nil
}

// Cancel ends a gesture without touching the board.
func (s *Session) Cancel(g *Gesture) error {
	if !g.finish(cancelled) {
		return ErrGestureClosed
	}
	g.actor.logger.WithFields(log.Fields{"gesture": g.ID, "task": g.Task.ID}).Debug("drag cancelled")
	return nil
}

// Drop applies the gesture to the live board at target and persists it. The
// board shows the move before storage confirms it; if any write fails the
// board is put back to the state it had just before the drop and the error
// wraps ErrWriteFailed.
func (s *Session) Drop(ctx context.Context, g *Gesture, target Target) (Move, error) {
	if !g.finish(dropped) {
		return Move{}, ErrGestureClosed
	}
	a := g.actor
	ctx, span := startSpan(ctx, dropSpanName,
		attribute.String("board.id", a.boardID),
		attribute.String("board.task.id", g.Task.ID),
		attribute.String("board.target", target.String()),
	)

	var (
		p  plan
		ok bool
	)
	if !a.call(func() {
		p, ok = planMove(a.board, g.Task.ID, target)
		if ok {
			a.set(p.after)
		}
	}) {
		endSpan(span, ErrSessionClosed)
		return Move{}, ErrSessionClosed
	}

	logger := a.logger.WithFields(log.Fields{"gesture": g.ID, "task": g.Task.ID, "target": target.String()})
	if !ok {
		span.SetAttributes(attribute.Bool("board.noop", true))
		endSpan(span, nil)
		logger.Debug("drop left board unchanged")
		return Move{}, nil
	}
	span.SetAttributes(moveAttributes(p.move)...)

	if done, err := s.persist(ctx, writeSpanName, p.writes); err != nil {
		a.rollback(s.restore(ctx, a.boardID, p, done, logger))
		err = fmt.Errorf("%w: %w", ErrWriteFailed, err)
		logger.WithError(err).Warn("move rolled back")
		endSpan(span, err)
		return Move{}, err
	}
	logger.WithFields(log.Fields{
		"column":     p.move.ToColumn,
		"position":   p.move.Position,
		"rebalanced": len(p.move.Rebalanced),
	}).Debug("move persisted")
	endSpan(span, nil)
	return p.move, nil
}

// persist sends writes in order under the write timeout and stops at the
// first failure. It returns how many writes were applied.
func (s *Session) persist(ctx context.Context, spanName string, writes []write) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	for i, w := range writes {
		wctx, span := startSpan(ctx, spanName, attribute.String("board.task.id", w.id))
		err := s.writer.UpdateTask(wctx, w.id, w.patch)
		endSpan(span, err)
		if err != nil {
			return i, fmt.Errorf("update task %s: %w", w.id, err)
		}
	}
	return len(writes), nil
}

// restore returns the board to show after a failed drop. Writes that were
// applied before the failure are undone in reverse order; if that fails too
// the board is read back from storage so it matches what was left there.
func (s *Session) restore(ctx context.Context, boardID string, p plan, applied int, logger *log.Entry) domain.Board {
	if applied == 0 {
		return p.before
	}
	undo := make([]write, 0, applied)
	for i := applied - 1; i >= 0; i-- {
		w := p.writes[i]
		undo = append(undo, write{id: w.id, patch: w.undo})
	}
	ctx = context.WithoutCancel(ctx)
	_, err := s.persist(ctx, undoSpanName, undo)
	if err == nil {
		return p.before
	}
	logger.WithError(err).Error("unable to undo partial move, reloading board")

	lctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	b, err := s.loader.LoadBoard(lctx, boardID)
	if err != nil {
		logger.WithError(err).Error("reload after partial move failed")
		return p.before
	}
	return b
}

// rollback restores a board captured before a drop. Once the board
// goroutine has stopped, only the detached snapshot is restored.
func (a *actor) rollback(to domain.Board) {
	if a.call(func() { a.set(to) }) {
		return
	}
	a.view.Store(&to)
}

// planMove computes the board after dropping taskID on target, and the
// writes that persist it. It reports false when the drop changes nothing.
func planMove(b domain.Board, taskID string, target Target) (plan, bool) {
	from, fromIndex, ok := b.Locate(taskID)
	if !ok {
		return plan{}, false
	}

	var (
		to    string
		index int
	)
	if target.taskID != "" {
		if to, index, ok = b.Locate(target.taskID); !ok {
			return plan{}, false
		}
	} else {
		col, found := b.Column(target.columnID)
		if !found {
			return plan{}, false
		}
		to, index = col.ID, len(col.Tasks)
		if to == from {
			index = len(col.Tasks) - 1
		}
	}
	if to == from && index == fromIndex {
		return plan{}, false
	}

	after, err := b.SpliceTask(taskID, to, index)
	if err != nil {
		return plan{}, false
	}
	col, _ := after.Column(to)
	at := slices.IndexFunc(col.Tasks, func(t domain.Task) bool { return t.ID == taskID })

	var prev, next *domain.Position
	if at > 0 {
		p := col.Tasks[at-1].Position
		prev = &p
	}
	if at < len(col.Tasks)-1 {
		n := col.Tasks[at+1].Position
		next = &n
	}
	position := domain.ComputeInsertPosition(prev, next)
	after = after.AssignPositions(to, []domain.Ranked{{ID: taskID, Position: position}})

	move := Move{TaskID: taskID, FromColumn: from, ToColumn: to, Index: at, Position: position}
	var others []write

	col, _ = after.Column(to)
	if !domain.CanSplit(prev, next) || domain.NeedsRebalance(domain.Positions(col.Tasks)) {
		ranks := domain.Rebalance(domain.Ranks(col.Tasks))
		after = after.AssignPositions(to, ranks)
		for i, r := range ranks {
			if r.ID == taskID {
				move.Position, move.Index = r.Position, i
				continue
			}
			// col is already in key order, so ranks lines up with it
			if old := col.Tasks[i].Position; old != r.Position {
				p := r.Position
				others = append(others, write{id: r.ID, patch: domain.TaskPatch{Position: &p}, undo: domain.TaskPatch{Position: &old}})
			}
		}
		move.Rebalanced = ranks
		beforeCol, _ := b.Column(to)
		others = orderWrites(domain.Ranks(beforeCol.Tasks), others)
	}

	moved, _ := b.Task(taskID)
	column, pos := move.ToColumn, move.Position
	writes := append(others, write{
		id:    taskID,
		patch: domain.TaskPatch{ColumnID: &column, Position: &pos},
		undo:  domain.TaskPatch{ColumnID: &from, Position: &moved.Position},
	})
	return plan{before: b, after: after, move: move, writes: writes}, true
}

// orderWrites orders respacing writes so that, where possible, no write
// takes a key still held by another task of the column. held are the keys
// stored before the first write.
func orderWrites(held []domain.Ranked, writes []write) []write {
	keys := make(map[string]domain.Position, len(held))
	for _, r := range held {
		keys[r.ID] = r.Position
	}
	taken := func(w write) bool {
		for id, k := range keys {
			if id != w.id && k == *w.patch.Position {
				return true
			}
		}
		return false
	}

	pending := slices.Clone(writes)
	out := make([]write, 0, len(writes))
	for len(pending) > 0 {
		pick := 0
		for i, w := range pending {
			if !taken(w) {
				pick = i
				break
			}
		}
		w := pending[pick]
		pending = slices.Delete(pending, pick, pick+1)
		keys[w.id] = *w.patch.Position
		out = append(out, w)
	}
	return out
}

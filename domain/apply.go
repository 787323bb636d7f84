package domain

import (
	log "github.com/sirupsen/logrus"
)

// Outcome reports what applying a change did to a board.
type Outcome int

const (
	// Ignored means the change does not concern this board or references
	// an entity the board does not hold.
	Ignored Outcome = iota
	// Applied means the board changed.
	Applied
	// Duplicate means the board already reflected the change.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	default:
		return "ignored"
	}
}

// Apply folds a remote change into b. Applying the same change twice yields
// the same board as applying it once.
func Apply(b Board, ch Change) (Board, Outcome) {
	switch c := ch.(type) {
	case ColumnChange:
		return applyColumn(b, c)
	case TaskChange:
		return applyTask(b, c)
	default:
		return b, Ignored
	}
}

func applyColumn(b Board, ch ColumnChange) (Board, Outcome) {
	if ch.New == nil && ch.EventType != EventDelete {
		return b, Ignored
	}
	switch ch.EventType {
	case EventInsert:
		if !sameBoard(b, ch.New) {
			return b, Ignored
		}
		if b.HasColumn(ch.New.ID) {
			return b, Duplicate
		}
		return b.InsertColumn(*ch.New), Applied
	case EventUpdate:
		if !sameBoard(b, ch.New) {
			return b, Ignored
		}
		cur, ok := b.Column(ch.New.ID)
		if !ok {
			// an update for a column we never saw doubles as its insert
			log.WithField("column", ch.New.ID).Debug("column update without prior insert")
			return b.InsertColumn(*ch.New), Applied
		}
		if cur.Title == ch.New.Title && cur.Position == ch.New.Position {
			return b, Duplicate
		}
		return b.UpdateColumn(*ch.New), Applied
	case EventDelete:
		if ch.Old == nil || !b.HasColumn(ch.Old.ID) {
			return b, Ignored
		}
		return b.RemoveColumn(ch.Old.ID), Applied
	}
	return b, Ignored
}

func applyTask(b Board, ch TaskChange) (Board, Outcome) {
	if ch.New == nil && ch.EventType != EventDelete {
		return b, Ignored
	}
	switch ch.EventType {
	case EventInsert:
		if b.HasTask(ch.New.ID) {
			return b, Duplicate
		}
		if !b.HasColumn(ch.New.ColumnID) {
			return b, Ignored
		}
		return b.InsertTask(*ch.New), Applied
	case EventUpdate:
		next := *ch.New
		// the column is read from the board, not from ch.Old: a local move
		// may already have relocated the task
		cur, ok := b.Task(next.ID)
		if !ok {
			if !b.HasColumn(next.ColumnID) {
				return b, Ignored
			}
			return b.InsertTask(next), Applied
		}
		if sameTask(cur, next) {
			return b, Duplicate
		}
		if cur.ColumnID != next.ColumnID {
			log.WithFields(log.Fields{"task": next.ID, "from": cur.ColumnID, "to": next.ColumnID}).Debug("task moved by remote update")
		}
		return b.UpdateTask(next), Applied
	case EventDelete:
		if ch.Old == nil || !b.HasTask(ch.Old.ID) {
			return b, Ignored
		}
		return b.RemoveTask(ch.Old.ID), Applied
	}
	return b, Ignored
}

func sameBoard(b Board, c *Column) bool {
	return c.BoardID == "" || b.ID() == "" || c.BoardID == b.ID()
}

func sameTask(a, b Task) bool {
	if a.ID != b.ID || a.ColumnID != b.ColumnID || a.Title != b.Title || a.Position != b.Position {
		return false
	}
	switch {
	case a.Description == nil && b.Description == nil:
		return true
	case a.Description == nil || b.Description == nil:
		return false
	default:
		return *a.Description == *b.Description
	}
}

package domain

import (
	"cmp"
	"fmt"
	"slices"
)

// Board is an immutable, position-ordered view of a board's columns and
// tasks. Every mutating method returns a new Board and leaves the receiver
// untouched; unchanged columns share storage between the two.
type Board struct {
	id      string
	columns []ColumnWithTasks
}

// NewBoard builds a board from unordered rows. Columns belonging to another
// board, tasks whose column is missing and repeated ids are dropped.
func NewBoard(id string, columns []Column, tasks []Task) Board {
	b := Board{id: id, columns: make([]ColumnWithTasks, 0, len(columns))}
	seen := make(map[string]struct{}, len(columns)+len(tasks))
	for _, c := range columns {
		if c.BoardID != "" && id != "" && c.BoardID != id {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		b.columns = append(b.columns, ColumnWithTasks{Column: c})
	}
	for _, t := range tasks {
		ci := b.columnIndex(t.ColumnID)
		if ci < 0 {
			continue
		}
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		b.columns[ci].Tasks = append(b.columns[ci].Tasks, t)
	}
	for i := range b.columns {
		sortTasks(b.columns[i].Tasks)
	}
	sortColumns(b.columns)
	return b
}

// ID returns the board id.
func (b Board) ID() string { return b.id }

// Columns returns a deep copy of the columns and their tasks in order.
func (b Board) Columns() []ColumnWithTasks {
	out := make([]ColumnWithTasks, len(b.columns))
	for i, c := range b.columns {
		out[i] = copyColumn(c)
	}
	return out
}

// Column returns a copy of the column with the given id.
func (b Board) Column(id string) (ColumnWithTasks, bool) {
	ci := b.columnIndex(id)
	if ci < 0 {
		return ColumnWithTasks{}, false
	}
	return copyColumn(b.columns[ci]), true
}

// Task returns a copy of the task with the given id.
func (b Board) Task(id string) (Task, bool) {
	ci, ti := b.locate(id)
	if ci < 0 {
		return Task{}, false
	}
	return cloneTask(b.columns[ci].Tasks[ti]), true
}

// Locate returns the column holding the task and the task's index in it.
func (b Board) Locate(taskID string) (columnID string, index int, ok bool) {
	ci, ti := b.locate(taskID)
	if ci < 0 {
		return "", -1, false
	}
	return b.columns[ci].ID, ti, true
}

// HasColumn reports whether the board has a column with the given id.
func (b Board) HasColumn(id string) bool { return b.columnIndex(id) >= 0 }

// HasTask reports whether any column holds the task.
func (b Board) HasTask(id string) bool {
	ci, _ := b.locate(id)
	return ci >= 0
}

// TaskCount returns the number of tasks across all columns.
func (b Board) TaskCount() int {
	n := 0
	for _, c := range b.columns {
		n += len(c.Tasks)
	}
	return n
}

// InsertColumn adds a column. Inserting an id that is already present is a
// no-op.
func (b Board) InsertColumn(c Column) Board {
	if b.HasColumn(c.ID) {
		return b
	}
	cols := make([]ColumnWithTasks, len(b.columns), len(b.columns)+1)
	copy(cols, b.columns)
	cols = append(cols, ColumnWithTasks{Column: c})
	sortColumns(cols)
	return Board{id: b.id, columns: cols}
}

// UpdateColumn replaces the title and position of an existing column.
func (b Board) UpdateColumn(c Column) Board {
	ci := b.columnIndex(c.ID)
	if ci < 0 {
		return b
	}
	cols := slices.Clone(b.columns)
	cols[ci].Title = c.Title
	cols[ci].Position = c.Position
	sortColumns(cols)
	return Board{id: b.id, columns: cols}
}

// RemoveColumn drops a column together with its tasks.
func (b Board) RemoveColumn(id string) Board {
	ci := b.columnIndex(id)
	if ci < 0 {
		return b
	}
	return Board{id: b.id, columns: slices.Delete(slices.Clone(b.columns), ci, ci+1)}
}

// InsertTask appends a task to its column. The call is a no-op when the task
// already exists in any column or when its column is not on the board.
func (b Board) InsertTask(t Task) Board {
	if b.HasTask(t.ID) {
		return b
	}
	ci := b.columnIndex(t.ColumnID)
	if ci < 0 {
		return b
	}
	cols := slices.Clone(b.columns)
	cols[ci].Tasks = appendSorted(cols[ci].Tasks, t)
	return Board{id: b.id, columns: cols}
}

// UpdateTask replaces a task, moving it when its column changed. A task
// moved to a column that is not on this board leaves the board.
func (b Board) UpdateTask(t Task) Board {
	ci, ti := b.locate(t.ID)
	if ci < 0 {
		return b
	}
	cols := slices.Clone(b.columns)
	if cols[ci].ID == t.ColumnID {
		tasks := slices.Clone(cols[ci].Tasks)
		tasks[ti] = t
		sortTasks(tasks)
		cols[ci].Tasks = tasks
		return Board{id: b.id, columns: cols}
	}
	cols[ci].Tasks = slices.Delete(slices.Clone(cols[ci].Tasks), ti, ti+1)
	if ni := b.columnIndex(t.ColumnID); ni >= 0 {
		cols[ni].Tasks = appendSorted(cols[ni].Tasks, t)
	}
	return Board{id: b.id, columns: cols}
}

// RemoveTask drops a task from whichever column holds it.
func (b Board) RemoveTask(id string) Board {
	ci, ti := b.locate(id)
	if ci < 0 {
		return b
	}
	cols := slices.Clone(b.columns)
	cols[ci].Tasks = slices.Delete(slices.Clone(cols[ci].Tasks), ti, ti+1)
	return Board{id: b.id, columns: cols}
}

// SpliceTask moves a task to index within columnID by list order alone,
// clamping index to the column bounds. The moved task keeps its old
// position, so the target column is out of order until AssignPositions is
// applied to it.
func (b Board) SpliceTask(id, columnID string, index int) (Board, error) {
	ci, ti := b.locate(id)
	if ci < 0 {
		return b, fmt.Errorf("splice %s: %w", id, ErrTaskNotFound)
	}
	ni := b.columnIndex(columnID)
	if ni < 0 {
		return b, fmt.Errorf("splice %s into %s: %w", id, columnID, ErrColumnNotFound)
	}
	cols := slices.Clone(b.columns)
	task := cols[ci].Tasks[ti]
	task.ColumnID = columnID
	cols[ci].Tasks = slices.Delete(slices.Clone(cols[ci].Tasks), ti, ti+1)
	target := slices.Clone(cols[ni].Tasks)
	index = max(0, min(index, len(target)))
	cols[ni].Tasks = slices.Insert(target, index, task)
	return Board{id: b.id, columns: cols}, nil
}

// AssignPositions sets new positions for tasks of one column and restores
// position order. Ids that are not in the column are ignored.
func (b Board) AssignPositions(columnID string, positions []Ranked) Board {
	ci := b.columnIndex(columnID)
	if ci < 0 || len(positions) == 0 {
		return b
	}
	byID := make(map[string]Position, len(positions))
	for _, p := range positions {
		byID[p.ID] = p.Position
	}
	cols := slices.Clone(b.columns)
	tasks := slices.Clone(cols[ci].Tasks)
	for i := range tasks {
		if p, ok := byID[tasks[i].ID]; ok {
			tasks[i].Position = p
		}
	}
	sortTasks(tasks)
	cols[ci].Tasks = tasks
	return Board{id: b.id, columns: cols}
}

func (b Board) columnIndex(id string) int {
	return slices.IndexFunc(b.columns, func(c ColumnWithTasks) bool { return c.ID == id })
}

func (b Board) locate(taskID string) (int, int) {
	for ci, c := range b.columns {
		for ti, t := range c.Tasks {
			if t.ID == taskID {
				return ci, ti
			}
		}
	}
	return -1, -1
}

func appendSorted(tasks []Task, t Task) []Task {
	out := make([]Task, len(tasks), len(tasks)+1)
	copy(out, tasks)
	out = append(out, t)
	sortTasks(out)
	return out
}

func sortTasks(tasks []Task) {
	slices.SortStableFunc(tasks, func(a, b Task) int { return cmp.Compare(a.Position, b.Position) })
}

func sortColumns(cols []ColumnWithTasks) {
	slices.SortStableFunc(cols, func(a, b ColumnWithTasks) int { return cmp.Compare(a.Position, b.Position) })
}

func copyColumn(c ColumnWithTasks) ColumnWithTasks {
	tasks := make([]Task, len(c.Tasks))
	for i, t := range c.Tasks {
		tasks[i] = cloneTask(t)
	}
	c.Tasks = tasks
	return c
}

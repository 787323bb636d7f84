package domain

// Column is a board lane. Columns of one board are ordered by Position.
type Column struct {
	ID       string   `json:"id"`
	BoardID  string   `json:"board_id"`
	Title    string   `json:"title"`
	Position Position `json:"position"`
}

// Task is a card inside a column. Positions are only compared between tasks
// of the same column.
type Task struct {
	ID          string   `json:"id"`
	ColumnID    string   `json:"column_id"`
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	Position    Position `json:"position"`
}

// ColumnWithTasks is a column together with its tasks in position order.
type ColumnWithTasks struct {
	Column
	Tasks []Task `json:"tasks"`
}

// TaskPatch carries the fields of a task that a move changes.
type TaskPatch struct {
	ColumnID *string   `json:"column_id,omitempty"`
	Position *Position `json:"position,omitempty"`
}

func (t Task) ranked() Ranked { return Ranked{ID: t.ID, Position: t.Position} }

func cloneTask(t Task) Task {
	if t.Description != nil {
		d := *t.Description
		t.Description = &d
	}
	return t
}

package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// EventType is the kind of row change carried by a change event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Tables that emit change events.
const (
	TableColumns = "columns"
	TableTasks   = "tasks"
)

// Change is a validated change event for either a column or a task.
type Change interface {
	Table() string
	Type() EventType
	EntityID() string
}

// ColumnChange describes a change to a column row.
type ColumnChange struct {
	EventType EventType
	New       *Column
	Old       *Column
}

func (ColumnChange) Table() string     { return TableColumns }
func (c ColumnChange) Type() EventType { return c.EventType }

func (c ColumnChange) EntityID() string {
	if c.New != nil {
		return c.New.ID
	}
	if c.Old != nil {
		return c.Old.ID
	}
	return ""
}

// TaskChange describes a change to a task row.
type TaskChange struct {
	EventType EventType
	New       *Task
	Old       *Task
}

func (TaskChange) Table() string     { return TableTasks }
func (c TaskChange) Type() EventType { return c.EventType }

func (c TaskChange) EntityID() string {
	if c.New != nil {
		return c.New.ID
	}
	if c.Old != nil {
		return c.Old.ID
	}
	return ""
}

// envelope is the wire shape of a change event.
type envelope struct {
	Table           string          `json:"table"`
	EventType       EventType       `json:"eventType"`
	New             json.RawMessage `json:"new"`
	Old             json.RawMessage `json:"old"`
	CommitTimestamp string          `json:"commit_timestamp,omitempty"`
}

// ParseChange decodes and validates a raw change event.
func ParseChange(data []byte) (Change, error) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	switch env.EventType {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, env.EventType)
	}
	switch env.Table {
	case TableColumns:
		ch := ColumnChange{EventType: env.EventType}
		var err error
		if ch.New, err = decodeRow[Column](env.New); err != nil {
			return nil, err
		}
		if ch.Old, err = decodeRow[Column](env.Old); err != nil {
			return nil, err
		}
		if err := validate(ch, ch.New != nil && ch.New.ID != "", ch.Old != nil && ch.Old.ID != "", true); err != nil {
			return nil, err
		}
		return ch, nil
	case TableTasks:
		ch := TaskChange{EventType: env.EventType}
		var err error
		if ch.New, err = decodeRow[Task](env.New); err != nil {
			return nil, err
		}
		if ch.Old, err = decodeRow[Task](env.Old); err != nil {
			return nil, err
		}
		if err := validate(ch, ch.New != nil && ch.New.ID != "", ch.Old != nil && ch.Old.ID != "", ch.New == nil || ch.New.ColumnID != ""); err != nil {
			return nil, err
		}
		return ch, nil
	default:
		return nil, fmt.Errorf("%w: unknown table %q", ErrInvalidEvent, env.Table)
	}
}

// EncodeChange renders a change in the wire format read by ParseChange.
func EncodeChange(ch Change) ([]byte, error) {
	env := envelope{Table: ch.Table(), EventType: ch.Type()}
	var newRow, oldRow any
	switch c := ch.(type) {
	case ColumnChange:
		newRow, oldRow = rowOrNil(c.New), rowOrNil(c.Old)
	case TaskChange:
		newRow, oldRow = rowOrNil(c.New), rowOrNil(c.Old)
	default:
		return nil, fmt.Errorf("%w: unsupported change %T", ErrInvalidEvent, ch)
	}
	var err error
	if newRow != nil {
		if env.New, err = sonic.Marshal(newRow); err != nil {
			return nil, err
		}
	}
	if oldRow != nil {
		if env.Old, err = sonic.Marshal(oldRow); err != nil {
			return nil, err
		}
	}
	return sonic.Marshal(env)
}

func validate(ch Change, hasNew, hasOld, complete bool) error {
	switch ch.Type() {
	case EventInsert, EventUpdate:
		if !hasNew {
			return fmt.Errorf("%w: %s %s without new row", ErrInvalidEvent, ch.Table(), ch.Type())
		}
		if !complete {
			return fmt.Errorf("%w: %s %s %s without column_id", ErrInvalidEvent, ch.Table(), ch.Type(), ch.EntityID())
		}
	case EventDelete:
		if !hasOld {
			return fmt.Errorf("%w: %s DELETE without old row", ErrInvalidEvent, ch.Table())
		}
	}
	return nil
}

func decodeRow[T any](raw json.RawMessage) (*T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var row T
	if err := sonic.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return &row, nil
}

func rowOrNil[T any](row *T) any {
	if row == nil {
		return nil
	}
	return row
}

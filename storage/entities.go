package storage

import (
	"github.com/bytedance/sonic"

	"board-sync/domain"
)

const edmInt64 = "Edm.Int64"

// Entity represents base table entity keys.
type Entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type columnEntity struct {
	Entity
	Title        string `json:"Title"`
	Position     int64  `json:"Position,string"`
	PositionType string `json:"Position@odata.type"`
}

type taskEntity struct {
	Entity
	BoardID      string  `json:"BoardId"`
	ColumnID     string  `json:"ColumnId"`
	Title        string  `json:"Title"`
	Description  *string `json:"Description,omitempty"`
	Position     int64   `json:"Position,string"`
	PositionType string  `json:"Position@odata.type"`
}

type taskUpdate struct {
	Entity
	ColumnID     *string `json:"ColumnId,omitempty"`
	Position     *int64  `json:"Position,omitempty,string"`
	PositionType *string `json:"Position@odata.type,omitempty"`
}

// TaskRecord is a stored task and the board it belongs to.
type TaskRecord struct {
	BoardID string
	domain.Task
}

func newColumnEntity(c domain.Column) columnEntity {
	return columnEntity{
		Entity:       Entity{PartitionKey: c.BoardID, RowKey: c.ID},
		Title:        c.Title,
		Position:     int64(c.Position),
		PositionType: edmInt64,
	}
}

func newTaskEntity(boardID string, t domain.Task) taskEntity {
	return taskEntity{
		Entity:       Entity{PartitionKey: t.ID, RowKey: t.ID},
		BoardID:      boardID,
		ColumnID:     t.ColumnID,
		Title:        t.Title,
		Description:  t.Description,
		Position:     int64(t.Position),
		PositionType: edmInt64,
	}
}

func decodeColumnEntity(data []byte) (domain.Column, error) {
	var ent columnEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Column{}, err
	}
	return domain.Column{
		ID:       ent.RowKey,
		BoardID:  ent.PartitionKey,
		Title:    ent.Title,
		Position: domain.Position(ent.Position),
	}, nil
}

func decodeTaskEntity(data []byte) (TaskRecord, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return TaskRecord{}, err
	}
	return TaskRecord{
		BoardID: ent.BoardID,
		Task: domain.Task{
			ID:          ent.RowKey,
			ColumnID:    ent.ColumnID,
			Title:       ent.Title,
			Description: ent.Description,
			Position:    domain.Position(ent.Position),
		},
	}, nil
}

func encodeTaskUpdate(id string, patch domain.TaskPatch) ([]byte, error) {
	upd := taskUpdate{
		Entity:   Entity{PartitionKey: id, RowKey: id},
		ColumnID: patch.ColumnID,
	}
	if patch.Position != nil {
		p := int64(*patch.Position)
		t := edmInt64
		upd.Position, upd.PositionType = &p, &t
	}
	return sonic.Marshal(upd)
}

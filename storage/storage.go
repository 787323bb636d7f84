// Package storage persists boards in Azure Table Storage and distributes
// board changes over Redis.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"board-sync/domain"
)

// Storage provides access to the columns and tasks tables.
type Storage struct {
	columnTable *aztables.Client
	taskTable   *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, columnsTable, tasksTable string) (*Storage, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Storage{columnTable: svc.NewClient(columnsTable), taskTable: svc.NewClient(tasksTable)}, nil
}

// LoadBoard reads every column and task of a board.
func (s *Storage) LoadBoard(ctx context.Context, boardID string) (domain.Board, error) {
	var columns []domain.Column
	err := listEntities(ctx, s.columnTable, "PartitionKey eq "+quote(boardID), func(data []byte) error {
		c, err := decodeColumnEntity(data)
		if err == nil {
			columns = append(columns, c)
		}
		return err
	})
	if err != nil {
		return domain.Board{}, fmt.Errorf("list columns: %w", err)
	}

	var tasks []domain.Task
	err = listEntities(ctx, s.taskTable, "BoardId eq "+quote(boardID), func(data []byte) error {
		rec, err := decodeTaskEntity(data)
		if err == nil {
			tasks = append(tasks, rec.Task)
		}
		return err
	})
	if err != nil {
		return domain.Board{}, fmt.Errorf("list tasks: %w", err)
	}
	return domain.NewBoard(boardID, columns, tasks), nil
}

// GetTask retrieves a task if present.
func (s *Storage) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	ent, err := s.taskTable.GetEntity(ctx, id, id, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	rec, err := decodeTaskEntity(ent.Value)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateTask merges a move into an existing task entity.
func (s *Storage) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) error {
	payload, err := encodeTaskUpdate(id, patch)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if isNotFound(err) {
		return fmt.Errorf("update task %s: %w", id, domain.ErrTaskNotFound)
	}
	return err
}

// InsertTask stores a new task of a board.
func (s *Storage) InsertTask(ctx context.Context, boardID string, t domain.Task) error {
	payload, err := sonic.Marshal(newTaskEntity(boardID, t))
	if err != nil {
		return err
	}
	_, err = s.taskTable.AddEntity(ctx, payload, nil)
	return err
}

// UpsertColumn creates or replaces a column.
func (s *Storage) UpsertColumn(ctx context.Context, c domain.Column) error {
	payload, err := sonic.Marshal(newColumnEntity(c))
	if err != nil {
		return err
	}
	_, err = s.columnTable.UpsertEntity(ctx, payload, nil)
	return err
}

// EnsureTables creates the columns and tasks tables when missing.
func (s *Storage) EnsureTables(ctx context.Context) error {
	for _, table := range []*aztables.Client{s.columnTable, s.taskTable} {
		if _, err := table.CreateTable(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
	}
	return nil
}

func listEntities(ctx context.Context, table *aztables.Client, filter string, each func([]byte) error) error {
	pager := table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, e := range resp.Entities {
			if err := each(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

// quote renders s as an OData string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

package main

import (
	"context"
	"os"
	"strconv"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
	"board-sync/storage"
)

var demoColumns = []struct {
	title string
	tasks []string
}{
	{"To Do", []string{"Write release notes", "Triage inbox", "Plan sprint"}},
	{"In Progress", []string{"Fix login redirect"}},
	{"Done", nil},
}

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("board init starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	columnsTableName := os.Getenv("COLUMNS_TABLE")
	tasksTableName := os.Getenv("TASKS_TABLE")
	if connStr == "" || columnsTableName == "" || tasksTableName == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, columnsTableName, tasksTableName)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	ctx := context.Background()
	if err := store.EnsureTables(ctx); err != nil {
		log.Fatalf("create tables: %v", err)
	}

	if boardID := os.Getenv("SEED_BOARD_ID"); boardID != "" {
		if err := seed(ctx, store, boardID); err != nil {
			log.Fatalf("seed board %s: %v", boardID, err)
		}
		log.WithField("board", boardID).Info("demo board seeded")
	}

	log.Info("board init complete")
}

func seed(ctx context.Context, store *storage.Storage, boardID string) error {
	var colPos domain.Position
	for i, dc := range demoColumns {
		col := domain.Column{ID: uuid.NewString(), BoardID: boardID, Title: dc.title, Position: colPos}
		if i > 0 {
			prev := colPos
			col.Position = domain.ComputeInsertPosition(&prev, nil)
		}
		colPos = col.Position
		if err := store.UpsertColumn(ctx, col); err != nil {
			return err
		}

		var tasks []domain.Task
		for _, title := range dc.tasks {
			t := domain.Task{ID: uuid.NewString(), ColumnID: col.ID, Title: title, Position: domain.AppendPosition(tasks)}
			if err := store.InsertTask(ctx, boardID, t); err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
	}
	return nil
}

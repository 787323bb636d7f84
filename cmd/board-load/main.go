// Command board-load holds many SSE watchers open against a board-sync host
// while issuing random moves, and fails when watchers stop receiving updates.
package main

import (
	"bufio"
	"bytes"
	"context"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

type counters struct {
	events   atomic.Uint64
	attempts atomic.Uint64
	failures atomic.Uint64
	moves    atomic.Uint64
	rejected atomic.Uint64
}

type boardBody struct {
	ID      string                   `json:"id"`
	Columns []domain.ColumnWithTasks `json:"columns"`
}

func main() {
	baseURL := strings.TrimRight(getenv("BOARD_SYNC_URL", "http://localhost:8080"), "/")
	watchers := getenvInt("SSE_CONNECTIONS", 200)
	duration := time.Duration(getenvInt("DURATION_SEC", 120)) * time.Second
	moveEvery := time.Duration(getenvInt("MOVE_INTERVAL_MS", 250)) * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var c counters
	client := &http.Client{}
	var wg sync.WaitGroup
	wg.Add(watchers)
	for range watchers {
		go func() {
			defer wg.Done()
			watch(ctx, client, baseURL+"/api/board/stream", &c)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		mover(ctx, client, baseURL, moveEvery, &c)
	}()

	go func() {
		select {
		case <-time.After(60 * time.Second):
			if c.events.Load() == 0 {
				log.Fatal("no events received in 60s")
			}
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	failureRate := 0.0
	if a := c.attempts.Load(); a > 0 {
		failureRate = float64(c.failures.Load()) / float64(a)
	}
	log.WithFields(log.Fields{
		"connections":         watchers,
		"duration_sec":        int(duration.Seconds()),
		"events_received":     c.events.Load(),
		"connection_failures": c.failures.Load(),
		"moves":               c.moves.Load(),
		"moves_rejected":      c.rejected.Load(),
	}).Info("load run finished")
	if c.events.Load() == 0 || failureRate > 0.01 {
		os.Exit(1)
	}
}

func watch(ctx context.Context, client *http.Client, url string, c *counters) {
	backoff := time.Second
	retry := func() {
		c.failures.Add(1)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
		backoff = min(backoff*2, 5*time.Second)
	}
	for ctx.Err() == nil {
		c.attempts.Add(1)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			retry()
			continue
		}
		resp, err := client.Do(req)
		if err != nil || resp.StatusCode != http.StatusOK {
			if resp != nil {
				resp.Body.Close()
			}
			retry()
			continue
		}
		backoff = time.Second
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64<<10), 4<<20)
		for scanner.Scan() {
			if strings.HasPrefix(scanner.Text(), "data:") {
				c.events.Add(1)
			}
		}
		resp.Body.Close()
		if ctx.Err() != nil {
			return
		}
		retry()
	}
}

// mover drops a random task onto a random column or task of the current board.
func mover(ctx context.Context, client *http.Client, baseURL string, every time.Duration, c *counters) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		board, err := fetchBoard(ctx, client, baseURL+"/api/board")
		if err != nil {
			log.WithError(err).Debug("fetch board")
			continue
		}
		body, ok := randomMove(board)
		if !ok {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/board/moves", bytes.NewReader(body))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", uuid.NewString())
		resp, err := client.Do(req)
		if err != nil {
			c.rejected.Add(1)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			c.moves.Add(1)
		} else {
			c.rejected.Add(1)
			log.WithField("status", resp.StatusCode).Debug("move rejected")
		}
	}
}

func fetchBoard(ctx context.Context, client *http.Client, url string) (boardBody, error) {
	var b boardBody
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return b, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return b, err
	}
	defer resp.Body.Close()
	err = sonic.ConfigStd.NewDecoder(resp.Body).Decode(&b)
	return b, err
}

func randomMove(b boardBody) ([]byte, bool) {
	var tasks []string
	for _, col := range b.Columns {
		for _, t := range col.Tasks {
			tasks = append(tasks, t.ID)
		}
	}
	if len(tasks) == 0 {
		return nil, false
	}
	req := map[string]string{"task_id": tasks[rand.IntN(len(tasks))]}
	if rand.IntN(2) == 0 {
		req["column_id"] = b.Columns[rand.IntN(len(b.Columns))].ID
	} else {
		req["over_task_id"] = tasks[rand.IntN(len(tasks))]
	}
	body, err := sonic.Marshal(req)
	return body, err == nil
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

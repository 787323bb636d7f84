// Package api exposes a board session over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
	"board-sync/session"
)

const (
	maxRequestSize       = 16 << 10
	idempotencyKeyHeader = "Idempotency-Key"
)

// Session is the board session the handlers drive.
type Session interface {
	BoardID() string
	Snapshot() domain.Board
	Open(ctx context.Context, boardID string) error
	BeginDrag(taskID string) (*session.Gesture, error)
	Drop(ctx context.Context, g *session.Gesture, target session.Target) (session.Move, error)
	Updates() (<-chan domain.Board, func())
}

// Deduper remembers idempotency keys of applied moves.
type Deduper interface {
	Add(ctx context.Context, boardID, key string) (bool, error)
	Remove(ctx context.Context, boardID, key string) error
}

// Register wires up all API routes on the provided Echo instance. dedupe may
// be nil, in which case Idempotency-Key is ignored.
func Register(e *echo.Echo, sess Session, dedupe Deduper, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.GET("/api/board", getBoard(sess))
	e.PUT("/api/board", putBoard(sess, logger))
	e.POST("/api/board/moves", postMove(sess, dedupe, logger))
	e.GET("/api/board/stream", streamBoard(sess, logger))
	e.GET("/healthz", healthz(sess))
}

type boardResponse struct {
	ID      string                   `json:"id"`
	Columns []domain.ColumnWithTasks `json:"columns"`
}

func newBoardResponse(b domain.Board) boardResponse {
	return boardResponse{ID: b.ID(), Columns: b.Columns()}
}

type switchRequest struct {
	BoardID string `json:"board_id"`
}

type moveRequest struct {
	TaskID     string `json:"task_id"`
	ColumnID   string `json:"column_id,omitempty"`
	OverTaskID string `json:"over_task_id,omitempty"`
}

type moveResponse struct {
	Noop bool          `json:"noop"`
	Move *session.Move `json:"move,omitempty"`
}

func healthz(sess Session) echo.HandlerFunc {
	return func(c echo.Context) error {
		if sess.BoardID() == "" {
			return c.String(http.StatusServiceUnavailable, "no board open")
		}
		return c.NoContent(http.StatusOK)
	}
}

func getBoard(sess Session) echo.HandlerFunc {
	return func(c echo.Context) error {
		if sess.BoardID() == "" {
			return c.String(http.StatusServiceUnavailable, "no board open")
		}
		return c.JSON(http.StatusOK, newBoardResponse(sess.Snapshot()))
	}
}

func putBoard(sess Session, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req switchRequest
		if err := decodeBody(c, &req); err != nil || strings.TrimSpace(req.BoardID) == "" {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := sess.Open(c.Request().Context(), req.BoardID); err != nil {
			logger.WithError(err).WithField("board", req.BoardID).Error("switch board failed")
			return c.String(http.StatusBadGateway, "unable to open board")
		}
		return c.JSON(http.StatusOK, newBoardResponse(sess.Snapshot()))
	}
}

func postMove(sess Session, dedupe Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req moveRequest
		if err := decodeBody(c, &req); err != nil || req.TaskID == "" || (req.ColumnID == "") == (req.OverTaskID == "") {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		target := session.OnColumn(req.ColumnID)
		if req.OverTaskID != "" {
			target = session.OnTask(req.OverTaskID)
		}

		ctx := c.Request().Context()
		boardID := sess.BoardID()
		if boardID == "" {
			return c.String(http.StatusServiceUnavailable, "no board open")
		}

		key := strings.TrimSpace(c.Request().Header.Get(idempotencyKeyHeader))
		if dedupe != nil && key != "" {
			added, err := dedupe.Add(ctx, boardID, key)
			if err != nil {
				logger.WithError(err).Warn("idempotency check failed; applying move")
			} else if !added {
				return c.String(http.StatusConflict, "duplicate move")
			}
		}
		release := func() {
			if dedupe != nil && key != "" {
				if err := dedupe.Remove(context.WithoutCancel(ctx), boardID, key); err != nil {
					logger.WithError(err).Warn("unable to release idempotency key")
				}
			}
		}

		g, err := sess.BeginDrag(req.TaskID)
		if err != nil {
			release()
			return moveError(c, err)
		}
		move, err := sess.Drop(context.WithoutCancel(ctx), g, target)
		if err != nil {
			release()
			logger.WithError(err).WithField("task", req.TaskID).Warn("move failed")
			return moveError(c, err)
		}
		if move.Noop() {
			return c.JSON(http.StatusOK, moveResponse{Noop: true})
		}
		return c.JSON(http.StatusOK, moveResponse{Move: &move})
	}
}

func moveError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		return c.String(http.StatusNotFound, "task not found")
	case errors.Is(err, session.ErrNoBoard), errors.Is(err, session.ErrSessionClosed):
		return c.String(http.StatusConflict, "board changed")
	case errors.Is(err, session.ErrWriteFailed):
		return c.String(http.StatusBadGateway, "move rolled back")
	default:
		return c.String(http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxRequestSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

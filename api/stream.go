package api

import (
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// streamBoard sends the board as server-sent events: once on connect and
// again after every change.
func streamBoard(sess Session, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ctx := c.Request().Context()
		updates, stop := sess.Updates()
		defer stop()

		board := sess.Snapshot()
		for {
			data, err := sonic.Marshal(newBoardResponse(board))
			if err != nil {
				logger.WithError(err).Error("marshal board")
				return err
			}
			for _, chunk := range [][]byte{[]byte("data: "), data, []byte("\n\n")} {
				if _, err := c.Response().Write(chunk); err != nil {
					logger.WithError(err).Debug("stream client gone")
					return nil
				}
			}
			flusher.Flush()

			select {
			case <-ctx.Done():
				return nil
			case board = <-updates:
			}
		}
	}
}

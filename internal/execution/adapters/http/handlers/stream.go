package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamExecution sends the execution's existing log rows over a websocket,
// then every new row until the execution reaches a terminal state.
func (h *ExecutionHandlers) StreamExecution(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	// Subscribe before reading history so no row falls between the two.
	live, unsubscribe := h.engine.SubscribeLogs(id)
	defer unsubscribe()

	history, err := h.engine.ListLogs(ctx, id, logging.LogFilter{})
	if err != nil {
		h.fail(c, "Failed to list execution logs", err)
		return
	}
	status, err := h.engine.GetStatus(ctx, id)
	if err != nil {
		h.fail(c, "Failed to get execution", err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "executionId", id, "error", err)
		return
	}
	defer conn.Close()

	var sent int64
	for _, entry := range history {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(entry); err != nil {
			return
		}
		sent = entry.Sequence
	}
	if status.Status.IsTerminal() {
		closeStream(conn, "execution "+string(status.Status))
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case entry, ok := <-live:
			if !ok {
				closeStream(conn, "execution finished")
				return
			}
			if entry.Sequence <= sent {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
			sent = entry.Sequence
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

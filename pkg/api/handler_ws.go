package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
)

// wsWriteTimeout bounds each event write to a live-view client.
const wsWriteTimeout = 5 * time.Second

// Live handles GET /ws and GET /ws/:channel: upgrades the connection and
// streams live-view events for one run (or all runs when no channel is
// given). Buffered lifecycle events are replayed first so a late subscriber
// converges on the run's state.
func (s *Server) Live(c *gin.Context) {
	if s.eventHub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live view not available"})
		return
	}
	channel := c.Param("channel")

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := c.Request.Context()
	stream, replay, cancel := s.eventHub.Subscribe(channel)
	defer cancel()

	write := func(v any) error {
		wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer wcancel()
		return wsjson.Write(wctx, conn, v)
	}

	for _, e := range replay {
		if err := write(e); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-stream:
			if !ok {
				return
			}
			if err := write(e); err != nil {
				return
			}
		}
	}
}

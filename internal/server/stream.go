package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/vizbox/internal/runner"
)

// streamPollInterval is how often the stream handler re-reads execution
// state. Clients see output deltas, not a frame-by-frame mirror.
const streamPollInterval = 500 * time.Millisecond

// StreamEvent is one message pushed to stream subscribers. Output carries
// only the text appended since the previous event; Images is the running
// snapshot count (frames themselves are fetched via the poll endpoint).
type StreamEvent struct {
	Status runner.Status `json:"status"`
	Output string        `json:"output,omitempty"`
	Images int           `json:"images"`
}

// handleStream upgrades to WebSocket and pushes state deltas until the
// execution reaches a terminal status or the client disconnects.
func (s *Server) handleStream(c *okapi.Context) error {
	id := c.Param("id")
	if _, ok := s.supervisor.Status(id); !ok {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "execution not found"})
	}

	conn, err := websocket.Accept(c.ResponseWriter(), c.Request(), &websocket.AcceptOptions{
		Subprotocols: []string{"vizbox-stream-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return nil
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := c.Context()
	var last runner.StatusSnapshot

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		snap, ok := s.supervisor.Status(id)
		if !ok {
			// Swept away mid-stream.
			conn.Close(websocket.StatusGoingAway, "execution purged")
			return nil
		}

		if event, changed := nextEvent(last, snap); changed {
			if err := writeEvent(ctx, conn, event); err != nil {
				return nil
			}
		}
		last = snap

		if snap.Status.Terminal() {
			conn.Close(websocket.StatusNormalClosure, "execution finished")
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// nextEvent computes the delta between two snapshots. changed is false
// when nothing new would be sent.
func nextEvent(prev, cur runner.StatusSnapshot) (StreamEvent, bool) {
	event := StreamEvent{
		Status: cur.Status,
		Images: len(cur.Images),
	}
	if len(cur.Output) > len(prev.Output) {
		event.Output = cur.Output[len(prev.Output):]
	}
	changed := event.Output != "" ||
		cur.Status != prev.Status ||
		len(cur.Images) != len(prev.Images)
	return event, changed
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

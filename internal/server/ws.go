// File: internal/server/ws.go
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/internal/mission"
	"github.com/xkilldash9x/overmind/internal/orchestrator"
)

// MessageType tags frames sent over the event relay.
type MessageType string

const (
	MsgTypeMissionEvent MessageType = "MissionEvent"
)

// WSMessage is one frame of the event relay.
type WSMessage struct {
	Type MessageType `json:"type"`
	Data interface{} `json:"data,omitempty"`
	// RFC3339 in UTC.
	Timestamp string `json:"timestamp"`
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// The relay is one-way; clients only send control frames.
	maxMessageSize = 8192
)

// wsClient relays one mission stream to one connection.
type wsClient struct {
	conn      *websocket.Conn
	logger    *zap.Logger
	missionID string
}

// handleEventStream upgrades the connection and relays the mission's events
// with sequence > after until the terminal event. Unknown missions are
// rejected before the upgrade.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "missionID")
	after, err := parseAfter(r)
	if err != nil {
		s.handlers.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, err := s.missions.Subscribe(ctx, id, after)
	if err != nil {
		s.handlers.respondWithDomainError(w, "subscribe", err)
		return
	}
	defer stream.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection to WebSocket", zap.Error(err), zap.String("mission_id", id))
		return
	}

	logger := s.logger.With(zap.String("mission_id", id), zap.String("remote_addr", r.RemoteAddr))
	logger.Debug("Event relay connected.", zap.Int64("after", after))

	client := &wsClient{conn: conn, logger: logger, missionID: id}
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		client.readPump(cancel)
	}()
	client.writePump(stream)
	<-readDone
	logger.Debug("Event relay finished.")
}

// readPump drains control frames so pongs are processed, and cancels the
// stream once the peer goes away.
func (c *wsClient) readPump(cancel context.CancelFunc) {
	defer cancel()
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket closed unexpectedly", zap.Error(err))
			}
			return
		}
	}
}

func (c *wsClient) writePump(stream *orchestrator.Stream) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-stream.Events():
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				c.closeWith(stream.Err())
				return
			}
			if err := c.writeEvent(event); err != nil {
				c.logger.Debug("Error writing event to WebSocket", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Error sending PING message to WebSocket", zap.Error(err))
				return
			}
		}
	}
}

func (c *wsClient) writeEvent(event mission.Event) error {
	data, err := codec.Marshal(WSMessage{
		Type:      MsgTypeMissionEvent,
		Data:      event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// closeWith sends a close frame: normal after the terminal event, try-again
// when the stream ended early so the client resumes from its last sequence.
func (c *wsClient) closeWith(streamErr error) {
	code, reason := websocket.CloseNormalClosure, "mission finished"
	if streamErr != nil {
		code, reason = websocket.CloseTryAgainLater, streamErr.Error()
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/audiolibrelab/screencap/internal/status"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// commandMessage is what a client sends on /events, e.g. {"command":"command-stop"}
type commandMessage struct {
	Command string `json:"command"`
}

// handleEvents streams status events over a websocket and relays commands back.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With(
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("path", r.URL.Path),
	)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("upgrade failed", slog.Any("err", err))
		return
	}
	defer conn.Close()

	events, cancel := s.service.Subscribe(status.DefaultBuffer)
	defer cancel()

	ctx, stop := context.WithCancel(context.WithoutCancel(r.Context()))
	defer stop()
	go s.readCommands(ctx, stop, conn, logger)

	logger.Debug("events client connected")

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("events client disconnected")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("write failed", slog.Any("err", err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readCommands runs until the client goes away, then calls done.
func (s *Server) readCommands(ctx context.Context, done context.CancelFunc, conn *websocket.Conn, logger *slog.Logger) {
	defer done()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg commandMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Command == "" {
			logger.Warn("ignoring malformed message", slog.String("data", string(data)))
			continue
		}
		// the outcome reaches the client as status events
		if _, err := s.service.Command(ctx, msg.Command); err != nil {
			logger.Warn("command failed", slog.String("command", msg.Command), slog.Any("err", err))
		}
	}
}

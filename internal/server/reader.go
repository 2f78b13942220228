package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kstaniek/go-arcreactor/internal/hub"
	"github.com/kstaniek/go-arcreactor/internal/transport"
)

// startReader consumes inbound websocket messages: pongs keep the read
// deadline alive and text messages are parsed as commands. Any read error
// closes the client, which stops the writer.
func (s *Server) startReader(conn *websocket.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cl.Close()
		idle := 2 * s.pingInterval
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(idle))
		})
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("subscriber_read_end", "error", err)
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(idle))
			if mt != websocket.TextMessage {
				continue
			}
			var req commandRequest
			if err := json.Unmarshal(data, &req); err != nil {
				s.reply(cl, "invalid command json")
				continue
			}
			if _, err := s.enqueue(req); err != nil {
				if errors.Is(err, transport.ErrQueueFull) {
					logger.Debug("ws_command_dropped")
				}
				s.reply(cl, err.Error())
			}
		}
	}()
}

// reply queues an error event for this subscriber only.
func (s *Server) reply(cl *hub.Client, msg string) {
	select {
	case cl.Out <- hub.ErrorEvent(msg):
	default:
	}
}

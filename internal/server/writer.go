package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kstaniek/go-arcreactor/internal/hub"
	"github.com/kstaniek/go-arcreactor/internal/metrics"
)

// startWriter launches the goroutine pushing hub events to one subscriber.
// It is the only goroutine writing data frames on conn.
func (s *Server) startWriter(conn *websocket.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.removeClient(cl)
			s.totalDisconnected.Add(1)
			logger.Info("subscriber_disconnected")
		}()
		ping := time.NewTicker(s.pingInterval)
		defer ping.Stop()
		bye := func(code int) {
			msg := websocket.FormatCloseMessage(code, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
		}
		for {
			select {
			case ev := <-cl.Out:
				_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
				if err := conn.WriteJSON(ev); err != nil {
					wrap := fmt.Errorf("%w: %v", ErrWSWrite, err)
					metrics.IncError(mapErrToMetric(wrap))
					s.setError(wrap)
					logger.Debug("subscriber_write_failed", "error", err)
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
					return
				}
			case <-cl.Closed:
				bye(websocket.CloseTryAgainLater)
				return
			case <-s.quit:
				bye(websocket.CloseGoingAway)
				return
			}
		}
	}()
}

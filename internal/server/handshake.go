package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  512,
	WriteBufferSize: 4096,
	// Local control surface; UIs are served from other origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// upgrade switches an /events request to a websocket.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWSUpgrade, err)
	}
	conn.SetReadLimit(maxInboundMessage)
	return conn, nil
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/kstaniek/go-arcreactor/internal/hub"
	"github.com/kstaniek/go-arcreactor/internal/led"
	"github.com/kstaniek/go-arcreactor/internal/link"
	"github.com/kstaniek/go-arcreactor/internal/metrics"
	"github.com/kstaniek/go-arcreactor/internal/wire"
)

// commandRequest is the JSON form of one device command, shared by
// POST /command and inbound websocket messages.
type commandRequest struct {
	Cmd    string   `json:"cmd"`
	Index  *int     `json:"index,omitempty"`
	R      int      `json:"r"`
	G      int      `json:"g"`
	B      int      `json:"b"`
	Colors [][3]int `json:"colors,omitempty"`
}

func (c commandRequest) command() (wire.Command, error) {
	switch c.Cmd {
	case "led":
		if c.Index == nil {
			return nil, fmt.Errorf("%w: led needs an index", ErrBadRequest)
		}
		return wire.SetSingleLed{Index: *c.Index, Color: led.RGB(c.R, c.G, c.B)}, nil
	case "batch":
		colors := make([]led.Color, len(c.Colors))
		for i, rgb := range c.Colors {
			colors[i] = led.RGB(rgb[0], rgb[1], rgb[2])
		}
		return wire.SetLedBatch{Colors: colors}, nil
	case "ring":
		return wire.SetRing{Color: led.RGB(c.R, c.G, c.B)}, nil
	}
	if l := wire.Literal(c.Cmd); l.Known() {
		return l, nil
	}
	return nil, fmt.Errorf("%w: unknown command %q", ErrBadRequest, c.Cmd)
}

type connectRequest struct {
	ID string `json:"id"`
}

type statusResponse struct {
	State   string             `json:"state"`
	Battery *float64           `json:"battery"`
	Device  *link.DeviceHandle `json:"device,omitempty"`
	Queued  int                `json:"queued"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError || errors.Is(err, ErrBadRequest) {
		metrics.IncError(mapErrToMetric(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func (s *Server) device(w http.ResponseWriter) bool {
	if s.Device == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no device service"})
		return false
	}
	return true
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !s.device(w) {
		return
	}
	hs, err := s.Device.FindPairedDevices(r.Context())
	if err != nil {
		s.logger.Warn("enumerate_failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if hs == nil {
		hs = []link.DeviceHandle{}
	}
	writeJSON(w, http.StatusOK, hs)
}

// lookup matches key against object path, address or name.
func (s *Server) lookup(ctx context.Context, key string) (link.DeviceHandle, error) {
	hs, err := s.Device.FindPairedDevices(ctx)
	if err != nil {
		return link.DeviceHandle{}, err
	}
	for _, h := range hs {
		if h.ID == key || strings.EqualFold(h.Address, key) || h.Name == key {
			return h, nil
		}
	}
	return link.DeviceHandle{}, fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !s.device(w) {
		return
	}
	var req connectRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ID == "" {
		s.writeError(w, fmt.Errorf("%w: id is required", ErrBadRequest))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.connectTimeout)
	defer cancel()
	h, err := s.lookup(ctx, req.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.Device.Connect(ctx, h); err != nil {
		s.logger.Warn("api_connect_failed", "id", h.ID, "error", err)
		s.writeError(w, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !s.device(w) {
		return
	}
	s.Device.Disconnect()
	s.handleStatus(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.device(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) status() statusResponse {
	resp := statusResponse{State: s.Device.State().String()}
	if v, ok := s.Device.LastBatteryLevel(); ok {
		resp.Battery = &v
	}
	if h, ok := s.Device.Device(); ok {
		resp.Device = &h
	}
	if p, ok := s.Queue.(interface{ Pending() int }); ok {
		resp.Queued = p.Pending()
	}
	return resp
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	cmd, err := s.enqueue(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"queued": cmd.String()})
}

func (s *Server) enqueue(req commandRequest) (wire.Command, error) {
	cmd, err := req.command()
	if err != nil {
		return nil, err
	}
	if s.Queue == nil {
		return nil, errors.New("no command queue")
	}
	if err := s.Queue.Enqueue(cmd); err != nil {
		return nil, err
	}
	s.totalCommands.Add(1)
	return cmd, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "events disabled"})
		return
	}
	if s.maxClients > 0 && s.Hub.Count() >= s.maxClients {
		s.totalRejected.Add(1)
		s.logger.Warn("subscriber_reject_max", "max_clients", s.maxClients)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "too many subscribers"})
		return
	}
	conn, err := s.upgrade(w, r)
	if err != nil {
		metrics.IncError(mapErrToMetric(err))
		s.logger.Warn("ws_upgrade_failed", "error", err)
		return
	}
	connID := atomic.AddUint64(&s.nextConnID, 1)
	logger := s.logger.With("conn_id", connID, "remote", r.RemoteAddr)
	cl := s.newClient()
	s.clientsMu.Lock()
	s.clients[cl] = conn
	s.clientsMu.Unlock()
	s.totalConnected.Add(1)
	logger.Info("subscriber_connected")
	if s.Device != nil {
		select {
		case cl.Out <- hub.StateEvent(s.Device.State().String()):
		default:
		}
	}
	s.startWriter(conn, cl, logger)
	s.startReader(conn, cl, logger)
}

// newClient allocates a hub client with buffer size derived from hub config.
func (s *Server) newClient() *hub.Client {
	bufSize := 64
	if s.Hub.OutBufSize > 0 {
		bufSize = s.Hub.OutBufSize
	}
	cl := hub.NewClient(bufSize)
	s.Hub.Add(cl)
	return cl
}

func (s *Server) removeClient(cl *hub.Client) {
	s.clientsMu.Lock()
	delete(s.clients, cl)
	s.clientsMu.Unlock()
	s.Hub.Remove(cl)
}

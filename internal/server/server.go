// Package server exposes the device service over HTTP: a small JSON control
// API and a websocket stream of device events.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kstaniek/go-arcreactor/internal/hub"
	"github.com/kstaniek/go-arcreactor/internal/link"
	"github.com/kstaniek/go-arcreactor/internal/logging"
	"github.com/kstaniek/go-arcreactor/internal/metrics"
	"github.com/kstaniek/go-arcreactor/internal/session"
	"github.com/kstaniek/go-arcreactor/internal/wire"
)

// Device is the part of the device service the API drives.
type Device interface {
	FindPairedDevices(ctx context.Context) ([]link.DeviceHandle, error)
	Connect(ctx context.Context, h link.DeviceHandle) error
	Disconnect()
	State() session.State
	Device() (link.DeviceHandle, bool)
	LastBatteryLevel() (float64, bool)
}

// Queue accepts commands for asynchronous delivery.
type Queue interface {
	Enqueue(wire.Command) error
}

// Server owns the HTTP listener and the websocket subscribers.
type Server struct {
	mu     sync.RWMutex
	addr   string
	Hub    *hub.Hub
	Device Device
	Queue  Queue

	connectTimeout    time.Duration
	writeTimeout      time.Duration
	pingInterval      time.Duration
	maxClients        int
	readyOnce         sync.Once
	readyCh           chan struct{}
	quit              chan struct{}
	quitOnce          sync.Once
	lastErrMu         sync.Mutex
	lastErr           error
	errCh             chan error
	httpSrv           *http.Server
	clientsMu         sync.Mutex
	clients           map[*hub.Client]*websocket.Conn
	wg                sync.WaitGroup
	logger            *slog.Logger
	nextConnID        uint64
	totalRequests     atomic.Uint64
	totalCommands     atomic.Uint64
	totalConnected    atomic.Uint64
	totalDisconnected atomic.Uint64
	totalRejected     atomic.Uint64
}

const (
	defaultConnectTimeout = 15 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultPingInterval   = 30 * time.Second
	maxInboundMessage     = 4096
	maxRequestBody        = 16 << 10
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		connectTimeout: defaultConnectTimeout,
		writeTimeout:   defaultWriteTimeout,
		pingInterval:   defaultPingInterval,
		readyCh:        make(chan struct{}),
		quit:           make(chan struct{}),
		errCh:          make(chan error, 1),
		clients:        make(map[*hub.Client]*websocket.Conn),
		logger:         logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption     { return func(s *Server) { s.Hub = hb } }
func WithDevice(d Device) ServerOption     { return func(s *Server) { s.Device = d } }
func WithQueue(q Queue) ServerOption       { return func(s *Server) { s.Queue = q } }

// WithConnectTimeout bounds POST /connect.
func WithConnectTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

// WithWriteTimeout bounds each websocket write.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /devices", s.handleDevices)
	mux.HandleFunc("POST /connect", s.handleConnect)
	mux.HandleFunc("POST /disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /command", s.handleCommand)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /events", s.handleEvents)
	return s.count(mux)
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.totalRequests.Add(1)
		next.ServeHTTP(w, r)
	})
}

// Serve listens and serves the API until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	hs := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.httpSrv = hs
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("http_listen", "addr", s.Addr())
	s.logger.Info("ready")
	go func() {
		<-ctx.Done()
		_ = hs.Close()
	}()
	if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		wrap := fmt.Errorf("%w: %v", ErrServe, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	return nil
}

// Shutdown stops the listener, closes websocket subscribers and waits for
// their goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	hs := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()
	if hs != nil {
		_ = hs.Shutdown(ctx)
	}
	s.quitOnce.Do(func() { close(s.quit) })
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		if s.Hub != nil {
			s.Hub.Remove(cl)
		}
		delete(s.clients, cl)
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary", "requests", s.totalRequests.Load(), "commands", s.totalCommands.Load(), "subscribers_connected", s.totalConnected.Load(), "subscribers_disconnected", s.totalDisconnected.Load(), "subscribers_rejected", s.totalRejected.Load())
		return nil
	}
}

package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/kstaniek/go-arcreactor/internal/logging"
	"github.com/kstaniek/go-arcreactor/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrAlreadyConnected = errors.New("link: already connected")
	ErrNotConnected     = errors.New("link: not connected")
	ErrServiceNotFound  = errors.New("link: serial port service not found")
	ErrConnect          = errors.New("link: connect")
	ErrWrite            = errors.New("link: write")
)

// DeviceHandle identifies a paired peripheral. ID is opaque to the link and
// only handed to the Resolver.
type DeviceHandle struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

// Endpoint is a resolved connect target.
type Endpoint struct {
	Address string // Bluetooth address, AA:BB:CC:DD:EE:FF
	Channel uint8  // RFCOMM channel
	Path    string // tty device for rfcomm-bound links
}

// Stream is the bidirectional byte stream to the peripheral. Close must
// unblock a pending Read.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Dialer opens a Stream to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Stream, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, ep Endpoint) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context, ep Endpoint) (Stream, error) { return f(ctx, ep) }

// Resolver maps a handle to its serial port service endpoint. ok=false means
// the device exposes no connectable service.
type Resolver interface {
	Resolve(ctx context.Context, h DeviceHandle) (ep Endpoint, ok bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, h DeviceHandle) (Endpoint, bool)

func (f ResolverFunc) Resolve(ctx context.Context, h DeviceHandle) (Endpoint, bool) { return f(ctx, h) }

// Link owns at most one Stream to one peripheral.
type Link struct {
	mu         sync.Mutex
	wmu        sync.Mutex // serializes WriteRaw
	stream     Stream
	connecting bool
	gen        uint64
	handle     DeviceHandle

	resolver     Resolver
	dialer       Dialer
	onDisconnect func(DeviceHandle)
	logger       *slog.Logger
}

type Option func(*Link)

// WithOnDisconnect registers the hook fired once per connected to
// disconnected transition, outside the link lock.
func WithOnDisconnect(fn func(DeviceHandle)) Option {
	return func(l *Link) { l.onDisconnect = fn }
}

func WithLogger(lg *slog.Logger) Option {
	return func(l *Link) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// New builds a disconnected Link.
func New(r Resolver, d Dialer, opts ...Option) *Link {
	l := &Link{resolver: r, dialer: d, logger: logging.L()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Connect resolves h and opens a stream to it. A second Connect while a
// stream is live (or being dialed) fails with ErrAlreadyConnected and leaves
// the live stream untouched. On failure no state is retained.
func (l *Link) Connect(ctx context.Context, h DeviceHandle) error {
	l.mu.Lock()
	if l.stream != nil || l.connecting {
		l.mu.Unlock()
		metrics.IncConnectFailure()
		return ErrAlreadyConnected
	}
	l.connecting = true
	l.mu.Unlock()

	s, ep, err := l.open(ctx, h)

	l.mu.Lock()
	l.connecting = false
	if err != nil {
		l.mu.Unlock()
		metrics.IncConnectFailure()
		metrics.IncError(metrics.ErrLinkConnect)
		l.logger.Warn("link_connect_failed", "device", h.Name, "id", h.ID, "error", err)
		return err
	}
	l.stream = s
	l.handle = h
	l.gen++
	l.mu.Unlock()
	metrics.IncConnect()
	l.logger.Info("link_connected", "device", h.Name, "address", ep.Address, "channel", ep.Channel, "path", ep.Path)
	return nil
}

func (l *Link) open(ctx context.Context, h DeviceHandle) (Stream, Endpoint, error) {
	if l.resolver == nil || l.dialer == nil {
		return nil, Endpoint{}, fmt.Errorf("%w: link not configured", ErrConnect)
	}
	ep, ok := l.resolver.Resolve(ctx, h)
	if !ok {
		return nil, ep, fmt.Errorf("%w: %s", ErrServiceNotFound, h.ID)
	}
	s, err := l.dialer.Dial(ctx, ep)
	if err != nil {
		return nil, ep, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	if s == nil {
		return nil, ep, fmt.Errorf("%w: dialer returned no stream", ErrConnect)
	}
	return s, ep, nil
}

// Connected reports whether a stream is live.
func (l *Link) Connected() bool { l.mu.Lock(); defer l.mu.Unlock(); return l.stream != nil }

// Handle returns the handle of the live connection, if any.
func (l *Link) Handle() (DeviceHandle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle, l.stream != nil
}

// Reader returns the read half of the live stream together with its
// connection generation, for use with DisconnectGen.
func (l *Link) Reader() (io.Reader, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stream == nil {
		return nil, 0, ErrNotConnected
	}
	return l.stream, l.gen, nil
}

// WriteRaw writes p in full. It returns ErrNotConnected without doing any
// I/O when no stream is live; a write racing a disconnect fails with a
// wrapped ErrWrite.
func (l *Link) WriteRaw(p []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	l.mu.Lock()
	s := l.stream
	l.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	for len(p) > 0 {
		n, err := s.Write(p)
		if err != nil {
			metrics.IncError(metrics.ErrLinkWrite)
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
		if n == 0 {
			metrics.IncError(metrics.ErrLinkWrite)
			return fmt.Errorf("%w: %v", ErrWrite, io.ErrShortWrite)
		}
		p = p[n:]
	}
	return nil
}

// Write implements io.Writer on top of WriteRaw: p is written in full or
// an error is returned.
func (l *Link) Write(p []byte) (int, error) {
	if err := l.WriteRaw(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Disconnect tears the stream down. It is idempotent and returns true only
// for the call that performed the transition.
func (l *Link) Disconnect() bool { return l.teardown(0, false) }

// DisconnectGen tears the stream down only if it is still generation gen,
// so a stale read loop cannot close a newer connection.
func (l *Link) DisconnectGen(gen uint64) bool { return l.teardown(gen, true) }

func (l *Link) teardown(gen uint64, checkGen bool) bool {
	l.mu.Lock()
	s := l.stream
	if s == nil || (checkGen && gen != l.gen) {
		l.mu.Unlock()
		return false
	}
	h := l.handle
	l.stream = nil
	l.handle = DeviceHandle{}
	cb := l.onDisconnect
	l.mu.Unlock()

	if err := s.Close(); err != nil && !isClosedErr(err) {
		l.logger.Debug("link_close_error", "error", err)
	}
	metrics.IncDisconnect()
	l.logger.Info("link_disconnected", "device", h.Name)
	if cb != nil {
		cb(h)
	}
	return true
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// Package session drives one device connection: the connection state
// machine, a single read loop decoding inbound frames, serialized command
// writes and observer notifications.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-arcreactor/internal/led"
	"github.com/kstaniek/go-arcreactor/internal/link"
	"github.com/kstaniek/go-arcreactor/internal/logging"
	"github.com/kstaniek/go-arcreactor/internal/metrics"
	"github.com/kstaniek/go-arcreactor/internal/wire"
)

// State is the connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session owns one Link. The zero value is not usable; use New.
type Session struct {
	link   *link.Link
	codec  wire.Codec
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	done      chan struct{} // closed when the current read loop exits
	loopUp    bool          // the read loop for done has been started
	onBattery []func(float64)
	onDown    []func()
	onState   []func(State)
	wmu       sync.Mutex // encode+write

	// loopCallback is set while the read loop goroutine runs observers.
	loopCallback atomic.Bool
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds a disconnected Session dialing through d after resolving
// handles with r.
func New(r link.Resolver, d link.Dialer, opts ...Option) *Session {
	s := &Session{logger: logging.L()}
	for _, o := range opts {
		o(s)
	}
	s.link = link.New(r, d, link.WithOnDisconnect(s.linkDown), link.WithLogger(s.logger))
	return s
}

// OnBatteryLevel registers fn for battery telemetry. Callbacks run on the
// read loop goroutine in frame order.
func (s *Session) OnBatteryLevel(fn func(float64)) {
	s.mu.Lock()
	s.onBattery = append(s.onBattery, fn)
	s.mu.Unlock()
}

// OnDisconnected registers fn, called once per connected to disconnected
// transition, after State already reports Disconnected.
func (s *Session) OnDisconnected(fn func()) {
	s.mu.Lock()
	s.onDown = append(s.onDown, fn)
	s.mu.Unlock()
}

// OnStateChange registers fn for every state transition.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.onState = append(s.onState, fn)
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsConnected() bool { return s.State() == Connected }

// Handle returns the handle of the connected device.
func (s *Session) Handle() (link.DeviceHandle, bool) { return s.link.Handle() }

// Connect opens the link to h and starts the read loop. It fails with
// link.ErrAlreadyConnected unless the session is Disconnected.
func (s *Session) Connect(ctx context.Context, h link.DeviceHandle) error {
	s.mu.Lock()
	if cur := s.state; cur != Disconnected {
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", link.ErrAlreadyConnected, cur)
	}
	s.state = Connecting
	s.mu.Unlock()
	s.emitState(Connecting)

	if err := s.link.Connect(ctx, h); err != nil {
		s.setState(Disconnected)
		return err
	}
	r, gen, err := s.link.Reader()
	if err != nil {
		s.setState(Disconnected)
		return err
	}

	s.mu.Lock()
	if !s.link.Connected() {
		// Torn down (write error) before we got here.
		s.state = Disconnected
		s.mu.Unlock()
		s.emitState(Disconnected)
		return link.ErrNotConnected
	}
	s.state = Connected
	done := make(chan struct{})
	s.done = done
	s.loopUp = false
	s.mu.Unlock()
	s.emitState(Connected)
	s.mu.Lock()
	s.loopUp = true
	s.mu.Unlock()
	go s.readLoop(r, gen, done)
	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.emitState(st)
}

// Disconnect closes the link. It is idempotent and safe from any goroutine,
// including observer callbacks. When it performs the transition it returns
// after the read loop has exited, unless the read loop is running observers
// at that moment: the caller may be one of them, so Disconnect returns once
// the stream is closed and the loop exits as soon as its observers return.
// Use Done to wait for it in that case.
func (s *Session) Disconnect() {
	performed := s.link.Disconnect()
	s.mu.Lock()
	done, up := s.done, s.loopUp
	s.mu.Unlock()
	if performed && up && done != nil && !s.loopCallback.Load() {
		<-done
	}
}

// Done returns a channel closed when the current read loop exits, or nil if
// the session never connected.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// linkDown is the link's disconnect hook.
func (s *Session) linkDown(h link.DeviceHandle) {
	s.mu.Lock()
	prev := s.state
	s.state = Disconnected
	s.mu.Unlock()
	if prev != Connected {
		return
	}
	s.logger.Info("session_disconnected", "device", h.Name)
	s.emitState(Disconnected)
	s.mu.Lock()
	fns := append([]func(){}, s.onDown...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Session) emitState(st State) {
	s.mu.Lock()
	fns := append([]func(State){}, s.onState...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (s *Session) emitBattery(v float64) {
	s.mu.Lock()
	fns := append([]func(float64){}, s.onBattery...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (s *Session) readLoop(r io.Reader, gen uint64, done chan struct{}) {
	defer close(done)
	_, err := s.codec.DecodeN(r, 0, s.dispatch)
	s.endLoop(err)
	s.loopCallback.Store(true)
	s.link.DisconnectGen(gen)
	s.loopCallback.Store(false)
}

// dispatch handles one inbound frame on the read loop.
func (s *Session) dispatch(frame string) {
	metrics.IncRx()
	v, ok := Classify(frame)
	if !ok {
		metrics.IncTelemetryIgnored()
		s.logger.Debug("frame_ignored", "len", len(frame))
		return
	}
	metrics.SetBatteryLevel(v)
	s.logger.Debug("battery_level", "level", v)
	s.loopCallback.Store(true)
	s.emitBattery(v)
	s.loopCallback.Store(false)
}

func (s *Session) endLoop(err error) {
	switch {
	case errors.Is(err, io.EOF):
		s.logger.Info("read_loop_end", "reason", "eof")
	case isClosed(err):
		s.logger.Debug("read_loop_end", "reason", "closed")
	default:
		if !errors.Is(err, wire.ErrTruncatedFrame) {
			metrics.IncError(metrics.ErrLinkRead)
		}
		s.logger.Warn("read_loop_end", "error", err)
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// Classify interprets an inbound frame as battery telemetry. Surrounding
// whitespace is ignored; anything that is not a finite number is not
// telemetry.
func Classify(frame string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(frame), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Send encodes cmd and writes it. Invalid commands fail before any I/O. A
// write failure tears the link down.
func (s *Session) Send(cmd wire.Command) error {
	s.wmu.Lock()
	_, err := s.codec.EncodeTo(s.link, cmd)
	s.wmu.Unlock()
	if err != nil {
		if errors.Is(err, link.ErrWrite) {
			s.logger.Warn("command_write_failed", "cmd", cmd.String(), "error", err)
			s.link.Disconnect()
		}
		return err
	}
	metrics.IncTx()
	s.logger.Debug("command_sent", "cmd", cmd.String())
	return nil
}

func (s *Session) RequestBattery() error { return s.Send(wire.Battery) }
func (s *Session) SetPulseSequence() error { return s.Send(wire.Pulse) }
func (s *Session) SetStartupSequence() error { return s.Send(wire.Startup) }
func (s *Session) SetAllBlack() error { return s.Send(wire.Black) }
func (s *Session) SetDim() error { return s.Send(wire.Dim) }

// SetSolid switches the firmware to one of its solid color modes.
func (s *Session) SetSolid(c wire.Literal) error {
	switch c {
	case wire.Red, wire.Green, wire.Blue:
		return s.Send(c)
	}
	return fmt.Errorf("%w: %q is not a solid color", wire.ErrInvalidCommand, string(c))
}

func (s *Session) SetSingleLed(index int, c led.Color) error {
	return s.Send(wire.SetSingleLed{Index: index, Color: c})
}

func (s *Session) SetLedBatch(colors []led.Color) error {
	return s.Send(wire.SetLedBatch{Colors: colors})
}

// SetRing sets every LED but the core to c.
func (s *Session) SetRing(c led.Color) error { return s.Send(wire.SetRing{Color: c}) }

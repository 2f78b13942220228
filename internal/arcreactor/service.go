// Package arcreactor is the application-facing device service: paired
// device listing, connect with an initial battery request, LED commands and
// typed telemetry.
package arcreactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-arcreactor/internal/led"
	"github.com/kstaniek/go-arcreactor/internal/link"
	"github.com/kstaniek/go-arcreactor/internal/logging"
	"github.com/kstaniek/go-arcreactor/internal/session"
	"github.com/kstaniek/go-arcreactor/internal/wire"
)

var (
	// ErrBatteryTimeout is returned by QueryBattery when no reading arrives in time.
	ErrBatteryTimeout = errors.New("arcreactor: battery query timed out")
	// ErrNoEnumerator is returned by FindPairedDevices when none was configured.
	ErrNoEnumerator = errors.New("arcreactor: no device enumerator")
)

const (
	DefaultQueryDelay   = 2 * time.Second
	DefaultQueryTimeout = 5 * time.Second
)

// Enumerator lists paired devices.
type Enumerator interface {
	PairedDevices(ctx context.Context) ([]link.DeviceHandle, error)
}

// Service wraps one Session.
type Service struct {
	sess   *session.Session
	enum   Enumerator
	logger *slog.Logger

	batteryOnConnect bool
	queryDelay       time.Duration
	queryTimeout     time.Duration

	mu          sync.Mutex
	lastBattery float64
	haveBattery bool
	waiters     map[chan float64]struct{}
	onBattery   []func(float64)
	onDown      []func()
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBatteryOnConnect controls the "batt" request sent right after a
// successful connect (default on).
func WithBatteryOnConnect(v bool) Option { return func(s *Service) { s.batteryOnConnect = v } }

// WithQueryTiming sets QueryBattery's initial delay and reply timeout.
func WithQueryTiming(delay, timeout time.Duration) Option {
	return func(s *Service) {
		if delay >= 0 {
			s.queryDelay = delay
		}
		if timeout > 0 {
			s.queryTimeout = timeout
		}
	}
}

// New builds a Service. enum may be nil when listing is not needed.
func New(enum Enumerator, r link.Resolver, d link.Dialer, opts ...Option) *Service {
	s := &Service{
		enum:             enum,
		logger:           logging.L(),
		batteryOnConnect: true,
		queryDelay:       DefaultQueryDelay,
		queryTimeout:     DefaultQueryTimeout,
		waiters:          make(map[chan float64]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.sess = session.New(r, d, session.WithLogger(s.logger))
	s.sess.OnBatteryLevel(s.battery)
	s.sess.OnDisconnected(s.disconnected)
	return s
}

// FindPairedDevices returns every paired device with a serial port service,
// unfiltered. See bluez.FilterArcReactors for the name filter.
func (s *Service) FindPairedDevices(ctx context.Context) ([]link.DeviceHandle, error) {
	if s.enum == nil {
		return nil, ErrNoEnumerator
	}
	return s.enum.PairedDevices(ctx)
}

// Connect connects to h and, unless disabled, asks the device for its
// battery level. A failed battery request leaves the service disconnected.
func (s *Service) Connect(ctx context.Context, h link.DeviceHandle) error {
	if err := s.sess.Connect(ctx, h); err != nil {
		return err
	}
	s.logger.Info("device_connected", "device", h.Name, "id", h.ID)
	if !s.batteryOnConnect {
		return nil
	}
	if err := s.sess.RequestBattery(); err != nil {
		return fmt.Errorf("initial battery request: %w", err)
	}
	return nil
}

func (s *Service) Disconnect() { s.sess.Disconnect() }
func (s *Service) IsConnected() bool { return s.sess.IsConnected() }
func (s *Service) State() session.State { return s.sess.State() }
func (s *Service) Device() (link.DeviceHandle, bool) { return s.sess.Handle() }

// OnBatteryLevel registers fn for battery readings.
func (s *Service) OnBatteryLevel(fn func(float64)) {
	s.mu.Lock()
	s.onBattery = append(s.onBattery, fn)
	s.mu.Unlock()
}

// OnDisconnected registers fn for disconnect notifications.
func (s *Service) OnDisconnected(fn func()) {
	s.mu.Lock()
	s.onDown = append(s.onDown, fn)
	s.mu.Unlock()
}

// OnStateChange registers fn for every connection state transition.
func (s *Service) OnStateChange(fn func(session.State)) { s.sess.OnStateChange(fn) }

// LastBatteryLevel returns the most recent reading, if one arrived.
func (s *Service) LastBatteryLevel() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBattery, s.haveBattery
}

func (s *Service) battery(v float64) {
	s.mu.Lock()
	s.lastBattery, s.haveBattery = v, true
	for ch := range s.waiters {
		select {
		case ch <- v:
		default:
		}
	}
	fns := append([]func(float64){}, s.onBattery...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (s *Service) disconnected() {
	s.mu.Lock()
	fns := append([]func(){}, s.onDown...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// QueryBattery sends "batt", gives the device the configured delay to
// answer and returns the first reading received after the request, or
// ErrBatteryTimeout when none arrives within the query timeout.
func (s *Service) QueryBattery(ctx context.Context) (float64, error) {
	ch := make(chan float64, 1)
	s.mu.Lock()
	s.waiters[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, ch)
		s.mu.Unlock()
	}()

	// Readings that beat the request answer an earlier one.
	select {
	case <-ch:
	default:
	}
	if err := s.sess.RequestBattery(); err != nil {
		return 0, err
	}
	if s.queryDelay > 0 {
		t := time.NewTimer(s.queryDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		}
	}
	t := time.NewTimer(s.queryTimeout)
	defer t.Stop()
	select {
	case v := <-ch:
		return v, nil
	case <-t.C:
		return 0, ErrBatteryTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Send writes any command.
func (s *Service) Send(cmd wire.Command) error { return s.sess.Send(cmd) }

func (s *Service) RequestBattery() error { return s.sess.RequestBattery() }
func (s *Service) SetPulseSequence() error { return s.sess.SetPulseSequence() }
func (s *Service) SetStartupSequence() error { return s.sess.SetStartupSequence() }
func (s *Service) SetAllBlack() error { return s.sess.SetAllBlack() }
func (s *Service) SetDim() error { return s.sess.SetDim() }
func (s *Service) SetSolid(c wire.Literal) error { return s.sess.SetSolid(c) }
func (s *Service) SetRing(c led.Color) error { return s.sess.SetRing(c) }
func (s *Service) SetLedBatch(cs []led.Color) error { return s.sess.SetLedBatch(cs) }
func (s *Service) SetSingleLed(i int, c led.Color) error { return s.sess.SetSingleLed(i, c) }

// CopyFirstLED gives every LED the color of the first one and sends the
// whole strip as one batch.
func (s *Service) CopyFirstLED(leds []led.LED) error {
	led.CopyFirst(leds)
	return s.sess.SetLedBatch(led.Colors(leds))
}

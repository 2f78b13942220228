package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kstaniek/go-arcreactor/internal/arcreactor"
	"github.com/kstaniek/go-arcreactor/internal/bluez"
	"github.com/kstaniek/go-arcreactor/internal/link"
	"github.com/kstaniek/go-arcreactor/internal/rfcomm"
	"github.com/kstaniek/go-arcreactor/internal/serial"
)

// directory lists paired devices, resolves them to endpoints and finds one
// by key (object path, address or name).
type directory interface {
	arcreactor.Enumerator
	link.Resolver
	Lookup(ctx context.Context, key string) (link.DeviceHandle, bool)
}

// dialBlueZ is a test hook.
var dialBlueZ = func(opts ...bluez.Option) (directory, func(), error) {
	c, err := bluez.Dial(opts...)
	if err != nil {
		return nil, nil, err
	}
	return c, func() { _ = c.Close() }, nil
}

// staticDirectory serves the single device named by -device when BlueZ is
// unreachable.
type staticDirectory struct {
	h  link.DeviceHandle
	ep link.Endpoint
}

func (s staticDirectory) PairedDevices(context.Context) ([]link.DeviceHandle, error) {
	return []link.DeviceHandle{s.h}, nil
}

func (s staticDirectory) Resolve(_ context.Context, h link.DeviceHandle) (link.Endpoint, bool) {
	if h.ID != s.h.ID && !strings.EqualFold(h.Address, s.h.Address) {
		return link.Endpoint{}, false
	}
	return s.ep, true
}

func (s staticDirectory) Lookup(_ context.Context, key string) (link.DeviceHandle, bool) {
	if key == s.h.ID || key == s.h.Name || strings.EqualFold(key, s.h.Address) {
		return s.h, true
	}
	return link.DeviceHandle{}, false
}

// newStaticDirectory builds a directory from -device. The socket transport
// needs a Bluetooth address; the tty transport accepts any label.
func newStaticDirectory(cfg *appConfig) (directory, error) {
	ep := link.Endpoint{Channel: uint8(cfg.channel)}
	if cfg.transport == "tty" {
		ep.Path = cfg.ttyPath
	}
	key := strings.TrimSpace(cfg.device)
	if _, err := rfcomm.ParseAddress(key); err == nil {
		addr := strings.ToUpper(key)
		ep.Address = addr
		return staticDirectory{h: link.DeviceHandle{ID: addr, Name: addr, Address: addr}, ep: ep}, nil
	}
	if cfg.transport != "tty" {
		return nil, fmt.Errorf("-device %q is not a bluetooth address", cfg.device)
	}
	if key == "" {
		key = cfg.ttyPath
	}
	return staticDirectory{h: link.DeviceHandle{ID: key, Name: key}, ep: ep}, nil
}

func newDialer(cfg *appConfig) (link.Dialer, error) {
	switch cfg.transport {
	case "socket":
		return rfcomm.Dialer{Timeout: cfg.connectTO, Encrypt: cfg.encrypt}, nil
	case "tty":
		return serial.Dialer{Path: cfg.ttyPath, Baud: cfg.baud, ReadTimeout: cfg.ttyReadTO}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q (use socket|tty)", cfg.transport)
	}
}

// backend is the device service plus what main needs around it.
type backend struct {
	svc     *arcreactor.Service
	dir     directory
	cleanup func()
}

// initBackend wires device discovery, the transport and the service.
// It returns an error instead of exiting the process to allow graceful
// handling by the caller.
func initBackend(cfg *appConfig, l *slog.Logger) (*backend, error) {
	dialer, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}
	opts := []bluez.Option{bluez.WithChannel(uint8(cfg.channel))}
	if cfg.adapter != "" {
		opts = append(opts, bluez.WithAdapter(cfg.adapter))
	}
	if cfg.transport == "tty" {
		opts = append(opts, bluez.WithTTYPath(cfg.ttyPath))
	}
	cleanup := func() {}
	dir, closeBus, err := dialBlueZ(opts...)
	switch {
	case err == nil:
		cleanup = closeBus
		l.Info("bluez_connected", "adapter", cfg.adapter)
	case errors.Is(err, bluez.ErrUnavailable) || cfg.device != "":
		l.Warn("bluez_unavailable", "error", err)
		dir, err = newStaticDirectory(cfg)
		if err != nil {
			return nil, fmt.Errorf("bluez unavailable and no usable -device: %w", err)
		}
	default:
		return nil, err
	}
	svc := arcreactor.New(dir, dir, dialer,
		arcreactor.WithLogger(l),
		arcreactor.WithBatteryOnConnect(cfg.batteryOnConnect),
	)
	l.Info("backend_ready", "transport", cfg.transport, "channel", cfg.channel, "tty", cfg.ttyPath)
	return &backend{svc: svc, dir: dir, cleanup: cleanup}, nil
}

// connectAtStartup makes one attempt to connect to -device. Failures are
// logged; the API can retry via POST /connect.
func (b *backend) connectAtStartup(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	if cfg.device == "" {
		return nil
	}
	h, ok := b.dir.Lookup(ctx, cfg.device)
	if !ok {
		l.Warn("startup_device_not_found", "device", cfg.device)
		return fmt.Errorf("device %q not paired", cfg.device)
	}
	cctx, cancel := context.WithTimeout(ctx, cfg.connectTO)
	defer cancel()
	if err := b.svc.Connect(cctx, h); err != nil {
		l.Warn("startup_connect_failed", "device", h.Name, "error", err)
		return err
	}
	return nil
}

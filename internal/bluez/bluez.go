// Package bluez lists paired serial-port-profile devices known to BlueZ and
// resolves them to RFCOMM endpoints. It never scans or pairs.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/kstaniek/go-arcreactor/internal/link"
	"github.com/kstaniek/go-arcreactor/internal/metrics"
)

const (
	busName       = "org.bluez"
	objectManager = "org.freedesktop.DBus.ObjectManager"
	device1       = "org.bluez.Device1"

	// SerialPortUUID is the SPP service class advertised by the device.
	SerialPortUUID = "00001101-0000-1000-8000-00805f9b34fb"
)

// ErrUnavailable wraps failures talking to the BlueZ daemon.
var ErrUnavailable = errors.New("bluez: unavailable")

// ManagedObjects is the GetManagedObjects reply shape.
type ManagedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Source yields BlueZ's object tree. Implemented over the system bus in
// production and by a literal map in tests.
type Source interface {
	ManagedObjects(ctx context.Context) (ManagedObjects, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (ManagedObjects, error)

func (f SourceFunc) ManagedObjects(ctx context.Context) (ManagedObjects, error) { return f(ctx) }

type busSource struct{ conn *dbus.Conn }

func (b busSource) ManagedObjects(ctx context.Context) (ManagedObjects, error) {
	var objects ManagedObjects
	obj := b.conn.Object(busName, "/")
	if err := obj.CallWithContext(ctx, objectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return objects, nil
}

// Client enumerates paired SPP devices and implements link.Resolver.
type Client struct {
	src     Source
	conn    *dbus.Conn
	adapter string
	channel uint8
	ttyPath string
}

type Option func(*Client)

// WithAdapter restricts results to one controller, e.g. "hci0".
func WithAdapter(name string) Option { return func(c *Client) { c.adapter = name } }

// WithChannel sets the RFCOMM channel resolved endpoints carry (default 1).
func WithChannel(ch uint8) Option {
	return func(c *Client) {
		if ch != 0 {
			c.channel = ch
		}
	}
}

// WithTTYPath makes resolved endpoints carry an rfcomm-bound tty path.
func WithTTYPath(p string) Option { return func(c *Client) { c.ttyPath = p } }

// New builds a Client over an arbitrary Source.
func New(src Source, opts ...Option) *Client {
	c := &Client{src: src, channel: 1}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dial connects to the system bus.
func Dial(opts ...Option) (*Client, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c := New(busSource{conn: conn}, opts...)
	c.conn = conn
	return c, nil
}

// Close releases the bus connection, if any.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

type device struct {
	path    dbus.ObjectPath
	name    string
	address string
	paired  bool
	spp     bool
}

func (c *Client) devices(ctx context.Context) ([]device, error) {
	objects, err := c.src.ManagedObjects(ctx)
	if err != nil {
		metrics.IncError(metrics.ErrEnumerate)
		return nil, err
	}
	var out []device
	for path, ifaces := range objects {
		props, ok := ifaces[device1]
		if !ok {
			continue
		}
		if c.adapter != "" && !strings.HasPrefix(string(path), "/org/bluez/"+c.adapter+"/") {
			continue
		}
		d := device{path: path}
		d.address, _ = variant[string](props, "Address")
		d.name, _ = variant[string](props, "Alias")
		if d.name == "" {
			d.name, _ = variant[string](props, "Name")
		}
		d.paired, _ = variant[bool](props, "Paired")
		uuids, _ := variant[[]string](props, "UUIDs")
		for _, u := range uuids {
			if strings.EqualFold(u, SerialPortUUID) {
				d.spp = true
				break
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func variant[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := props[key]
	if !ok {
		return zero, false
	}
	t, ok := v.Value().(T)
	return t, ok
}

// PairedDevices returns every paired device offering the serial port
// service, ordered by name then object path.
func (c *Client) PairedDevices(ctx context.Context) ([]link.DeviceHandle, error) {
	devs, err := c.devices(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]link.DeviceHandle, 0, len(devs))
	for _, d := range devs {
		if d.paired && d.spp {
			out = append(out, link.DeviceHandle{ID: string(d.path), Name: d.name, Address: d.address})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Lookup finds a paired SPP device by object path, address or exact name.
func (c *Client) Lookup(ctx context.Context, key string) (link.DeviceHandle, bool) {
	hs, err := c.PairedDevices(ctx)
	if err != nil {
		return link.DeviceHandle{}, false
	}
	for _, h := range hs {
		if h.ID == key || strings.EqualFold(h.Address, key) || h.Name == key {
			return h, true
		}
	}
	return link.DeviceHandle{}, false
}

// Resolve implements link.Resolver. The device must still be paired and
// advertise the serial port service.
func (c *Client) Resolve(ctx context.Context, h link.DeviceHandle) (link.Endpoint, bool) {
	devs, err := c.devices(ctx)
	if err != nil {
		return link.Endpoint{}, false
	}
	for _, d := range devs {
		if string(d.path) != h.ID && (h.Address == "" || !strings.EqualFold(d.address, h.Address)) {
			continue
		}
		if !d.paired || !d.spp || d.address == "" {
			return link.Endpoint{}, false
		}
		return link.Endpoint{Address: d.address, Channel: c.channel, Path: c.ttyPath}, true
	}
	return link.Endpoint{}, false
}

var _ link.Resolver = (*Client)(nil)

// FilterArcReactors keeps handles whose name contains "Arc Reactor" or
// "Dev B", the names the stock firmware advertises.
func FilterArcReactors(hs []link.DeviceHandle) []link.DeviceHandle {
	var out []link.DeviceHandle
	for _, h := range hs {
		if strings.Contains(h.Name, "Arc Reactor") || strings.Contains(h.Name, "Dev B") {
			out = append(out, h)
		}
	}
	return out
}

package link

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-arcreactor/internal/logging"
)

// pipeDialer hands out the client half of a net.Pipe and keeps the device half.
type pipeDialer struct {
	mu     sync.Mutex
	dials  int
	device []net.Conn
	err    error
}

func (d *pipeDialer) Dial(ctx context.Context, ep Endpoint) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	host, dev := net.Pipe()
	d.device = append(d.device, dev)
	return host, nil
}

func (d *pipeDialer) last() net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.device[len(d.device)-1]
}

func okResolver() Resolver {
	return ResolverFunc(func(ctx context.Context, h DeviceHandle) (Endpoint, bool) {
		return Endpoint{Address: h.Address, Channel: 1}, true
	})
}

var reactor = DeviceHandle{ID: "/org/bluez/hci0/dev_00_11_22_33_44_55", Name: "Arc Reactor", Address: "00:11:22:33:44:55"}

func TestConnectWriteDisconnect(t *testing.T) {
	var downs atomic.Int64
	d := &pipeDialer{}
	l := New(okResolver(), d, WithLogger(logging.Discard()), WithOnDisconnect(func(DeviceHandle) { downs.Add(1) }))
	if err := l.Connect(context.Background(), reactor); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !l.Connected() {
		t.Fatalf("expected connected")
	}
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 6)
		n, _ := io.ReadFull(d.last(), buf)
		got <- buf[:n]
	}()
	if err := l.WriteRaw([]byte("pulse\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case b := <-got:
		if string(b) != "pulse\n" {
			t.Fatalf("device got %q", b)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for device read")
	}
	if !l.Disconnect() {
		t.Fatalf("first disconnect should transition")
	}
	if l.Disconnect() {
		t.Fatalf("second disconnect should be a no-op")
	}
	if downs.Load() != 1 {
		t.Fatalf("expected exactly one disconnect notification, got %d", downs.Load())
	}
}

func TestDoubleConnectRejected(t *testing.T) {
	d := &pipeDialer{}
	l := New(okResolver(), d, WithLogger(logging.Discard()))
	if err := l.Connect(context.Background(), reactor); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer l.Disconnect()
	if err := l.Connect(context.Background(), reactor); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	if d.dials != 1 {
		t.Fatalf("second connect must not dial, dials=%d", d.dials)
	}
	// First link still usable.
	go func() { _, _ = io.Copy(io.Discard, d.last()) }()
	if err := l.WriteRaw([]byte("batt\n")); err != nil {
		t.Fatalf("live link broken by second connect: %v", err)
	}
}

func TestConnectFailuresLeaveNoState(t *testing.T) {
	none := ResolverFunc(func(context.Context, DeviceHandle) (Endpoint, bool) { return Endpoint{}, false })
	l := New(none, &pipeDialer{}, WithLogger(logging.Discard()))
	if err := l.Connect(context.Background(), reactor); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
	if l.Connected() {
		t.Fatalf("state retained after failed resolve")
	}

	l = New(okResolver(), &pipeDialer{err: errors.New("host is down")}, WithLogger(logging.Discard()))
	if err := l.Connect(context.Background(), reactor); !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	if l.Connected() {
		t.Fatalf("state retained after failed dial")
	}
	if l.Disconnect() {
		t.Fatalf("disconnect after failed connect must not transition")
	}
}

func TestWriteWhenDisconnected(t *testing.T) {
	d := &pipeDialer{}
	l := New(okResolver(), d, WithLogger(logging.Discard()))
	if err := l.WriteRaw([]byte("x\n")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before connect, got %v", err)
	}
	if err := l.Connect(context.Background(), reactor); err != nil {
		t.Fatalf("connect: %v", err)
	}
	l.Disconnect()
	if err := l.WriteRaw([]byte("x\n")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestWriteRacingDisconnectFailsCleanly(t *testing.T) {
	d := &pipeDialer{}
	l := New(okResolver(), d, WithLogger(logging.Discard()))
	if err := l.Connect(context.Background(), reactor); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// Nobody reads the device side, so the write blocks until teardown.
	done := make(chan error, 1)
	go func() { done <- l.WriteRaw([]byte("startup\n")) }()
	time.Sleep(10 * time.Millisecond)
	l.Disconnect()
	select {
	case err := <-done:
		if !errors.Is(err, ErrWrite) {
			t.Fatalf("expected ErrWrite, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("write not unblocked by disconnect")
	}
}

func TestDisconnectGenIgnoresStaleGeneration(t *testing.T) {
	d := &pipeDialer{}
	l := New(okResolver(), d, WithLogger(logging.Discard()))
	_ = l.Connect(context.Background(), reactor)
	_, oldGen, _ := l.Reader()
	l.Disconnect()
	_ = l.Connect(context.Background(), reactor)
	defer l.Disconnect()
	if l.DisconnectGen(oldGen) {
		t.Fatalf("stale generation tore down new link")
	}
	if !l.Connected() {
		t.Fatalf("new link lost")
	}
}

func TestConcurrentDisconnectSingleNotification(t *testing.T) {
	for i := 0; i < 50; i++ {
		var downs atomic.Int64
		l := New(okResolver(), &pipeDialer{}, WithLogger(logging.Discard()), WithOnDisconnect(func(DeviceHandle) { downs.Add(1) }))
		_ = l.Connect(context.Background(), reactor)
		_, gen, _ := l.Reader()
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); l.Disconnect() }()
		go func() { defer wg.Done(); l.DisconnectGen(gen) }()
		wg.Wait()
		if downs.Load() != 1 {
			t.Fatalf("iteration %d: %d notifications", i, downs.Load())
		}
	}
}

func TestWriteImplementsWriter(t *testing.T) {
	d := &pipeDialer{}
	l := New(okResolver(), d, WithLogger(logging.Discard()))
	var w io.Writer = l
	if _, err := w.Write([]byte("dim\n")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := l.Connect(context.Background(), reactor); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer l.Disconnect()
	go func() { _, _ = io.Copy(io.Discard, d.last()) }()
	n, err := w.Write([]byte("dim\n"))
	if err != nil || n != 4 {
		t.Fatalf("write n=%d err=%v", n, err)
	}
}

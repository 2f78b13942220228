// Package serial opens rfcomm-bound tty devices (e.g. /dev/rfcomm0) as link
// streams.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"

	"github.com/kstaniek/go-arcreactor/internal/link"
)

// Defaults for rfcomm-bound ttys. Baud is ignored by the rfcomm tty driver
// but tarm/serial requires one.
const (
	DefaultBaud        = 38400
	DefaultReadTimeout = 200 * time.Millisecond
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// openPort is a test hook.
var openPort = func(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// Dialer opens the tty named by Endpoint.Path, falling back to Path when the
// endpoint carries none.
type Dialer struct {
	Path        string
	Baud        int
	ReadTimeout time.Duration
}

func (d Dialer) Dial(ctx context.Context, ep link.Endpoint) (link.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := ep.Path
	if name == "" {
		name = d.Path
	}
	if name == "" {
		return nil, errors.New("serial: no tty path")
	}
	baud := d.Baud
	if baud <= 0 {
		baud = DefaultBaud
	}
	rt := d.ReadTimeout
	if rt <= 0 {
		rt = DefaultReadTimeout
	}
	p, err := openPort(name, baud, rt)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return &stream{p: p, readTimeout: rt}, nil
}

// hangupReads is how many consecutive empty reads that return well before
// the read timeout mark the tty as hung up.
const hangupReads = 3

// stream turns read timeouts into retries so that a Read only returns once
// data arrives, the stream is closed or the remote end hangs up. A hung-up
// rfcomm tty reports end of file at once on every read, while a timeout
// only returns after the read timeout.
type stream struct {
	p           Port
	readTimeout time.Duration
	closed      atomic.Bool
}

func (s *stream) Read(b []byte) (int, error) {
	fast := 0
	for {
		start := time.Now()
		n, err := s.p.Read(b)
		if s.closed.Load() {
			if n > 0 {
				return n, nil
			}
			return 0, os.ErrClosed
		}
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if time.Since(start) >= s.readTimeout/2 {
			fast = 0
			continue
		}
		if fast++; fast >= hangupReads {
			return 0, io.EOF
		}
	}
}

func (s *stream) Write(b []byte) (int, error) {
	if s.closed.Load() {
		return 0, os.ErrClosed
	}
	return s.p.Write(b)
}

func (s *stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.p.Close()
}

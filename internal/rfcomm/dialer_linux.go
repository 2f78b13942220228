//go:build linux

package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-arcreactor/internal/link"
	"github.com/kstaniek/go-arcreactor/internal/logging"
)

// linux/rfcomm.h; x/sys/unix does not export these.
const (
	solRFCOMM       = 18
	rfcommLM        = 0x03
	rfcommLMEncrypt = 0x0004
)

// Dialer connects RFCOMM sockets. The zero value dials with no timeout
// beyond the caller's context.
type Dialer struct {
	// Timeout bounds the connect when the context has no earlier deadline.
	Timeout time.Duration
	// Encrypt requests an encrypted link; refused requests are ignored.
	Encrypt bool
}

// Dial opens an RFCOMM stream to ep.Address on ep.Channel. The returned
// stream is backed by the runtime poller so Close unblocks a pending Read.
func (d Dialer) Dial(ctx context.Context, ep link.Endpoint) (link.Stream, error) {
	addr, err := ParseAddress(ep.Address)
	if err != nil {
		return nil, err
	}
	ch := ep.Channel
	if ch == 0 {
		ch = DefaultChannel
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_BLUETOOTH): %w", err)
	}
	if d.Encrypt {
		// Older stacks may refuse link mode changes; keep going without it.
		if err := unix.SetsockoptInt(fd, solRFCOMM, rfcommLM, rfcommLMEncrypt); err != nil {
			logging.L().Debug("rfcomm_encrypt_unavailable", "address", ep.Address, "error", err)
		}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	sa := &unix.SockaddrRFCOMM{Addr: addr, Channel: ch}
	if err := connect(ctx, fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connect(rfcomm %s ch %d): %w", ep.Address, ch, err)
	}
	f := os.NewFile(uintptr(fd), "rfcomm:"+ep.Address)
	if f == nil {
		_ = unix.Close(fd)
		return nil, errors.New("rfcomm: invalid descriptor")
	}
	return f, nil
}

// connect completes a non-blocking connect, polling until writable or ctx ends.
func connect(ctx context.Context, fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) && !errors.Is(err, unix.EAGAIN) {
		return err
	}
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(pfd, 100)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soErr != 0 {
			return unix.Errno(soErr)
		}
		return nil
	}
}

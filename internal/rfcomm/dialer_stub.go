//go:build !linux

package rfcomm

import (
	"context"
	"errors"
	"time"

	"github.com/kstaniek/go-arcreactor/internal/link"
)

// ErrUnsupported is returned on platforms without AF_BLUETOOTH sockets.
var ErrUnsupported = errors.New("rfcomm: not supported on this platform")

// Dialer is provided for non-linux builds so the daemon compiles.
type Dialer struct {
	Timeout time.Duration
	Encrypt bool
}

func (Dialer) Dial(context.Context, link.Endpoint) (link.Stream, error) { return nil, ErrUnsupported }

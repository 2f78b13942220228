package server

import (
	"errors"
	"net/http"

	"github.com/kstaniek/go-arcreactor/internal/link"
	"github.com/kstaniek/go-arcreactor/internal/metrics"
	"github.com/kstaniek/go-arcreactor/internal/transport"
	"github.com/kstaniek/go-arcreactor/internal/wire"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen     = errors.New("listen")
	ErrServe      = errors.New("serve")
	ErrWSUpgrade  = errors.New("ws_upgrade")
	ErrWSWrite    = errors.New("ws_write")
	ErrBadRequest = errors.New("bad_request")
	ErrNotFound   = errors.New("device_not_found")
	ErrContext    = errors.New("context_cancelled")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrWSWrite):
		return metrics.ErrWSWrite
	case errors.Is(err, ErrWSUpgrade):
		return metrics.ErrWSUpgrade
	case errors.Is(err, link.ErrConnect), errors.Is(err, link.ErrServiceNotFound):
		return metrics.ErrLinkConnect
	case errors.Is(err, link.ErrWrite):
		return metrics.ErrLinkWrite
	case errors.Is(err, transport.ErrQueueFull):
		return metrics.ErrQueueSend
	case errors.Is(err, ErrListen), errors.Is(err, ErrServe), errors.Is(err, ErrBadRequest):
		return metrics.ErrHTTP
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}

// statusFor picks the HTTP status for an operation error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, wire.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, link.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, link.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, transport.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, link.ErrConnect), errors.Is(err, link.ErrServiceNotFound), errors.Is(err, link.ErrWrite):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

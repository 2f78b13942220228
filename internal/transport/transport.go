// Package transport holds the asynchronous command funnel used by remote
// callers that must not block on device I/O.
package transport

import (
	"context"
	"errors"

	"github.com/kstaniek/go-arcreactor/internal/arcreactor"
	"github.com/kstaniek/go-arcreactor/internal/logging"
	"github.com/kstaniek/go-arcreactor/internal/metrics"
	"github.com/kstaniek/go-arcreactor/internal/session"
	"github.com/kstaniek/go-arcreactor/internal/wire"
)

// ErrQueueFull is returned when the command queue overflows.
var ErrQueueFull = errors.New("command queue full")

// CommandSink writes one device command synchronously.
type CommandSink interface {
	Send(wire.Command) error
}

var (
	_ CommandSink = (*session.Session)(nil)
	_ CommandSink = (*arcreactor.Service)(nil)
)

// CommandQueue is a fire-and-forget front for a CommandSink.
type CommandQueue struct{ base *AsyncTx[wire.Command] }

// NewCommandQueue starts a queue of size buf writing into sink.
func NewCommandQueue(parent context.Context, sink CommandSink, buf int) *CommandQueue {
	hooks := Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrQueueSend)
			logging.L().Warn("queued_command_failed", "error", err)
		},
		OnAfter: func() { logging.L().Debug("queued_command_sent") },
		OnDrop: func() error {
			metrics.IncQueueDrop()
			return ErrQueueFull
		},
	}
	return &CommandQueue{base: NewAsyncTx(parent, buf, sink.Send, hooks)}
}

// Enqueue validates cmd and queues it. Invalid commands are rejected here
// rather than failing later on the worker.
func (q *CommandQueue) Enqueue(cmd wire.Command) error {
	if _, err := (wire.Codec{}).Encode(cmd); err != nil {
		return err
	}
	return q.base.Send(cmd)
}

// Pending reports how many commands wait for the worker.
func (q *CommandQueue) Pending() int { return q.base.Len() }

// Close stops the worker. Queued commands are discarded.
func (q *CommandQueue) Close() { q.base.Close() }

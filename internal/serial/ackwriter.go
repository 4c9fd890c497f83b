package serial

import (
	"context"
	"errors"

	"github.com/shigarus/telebroker/internal/logging"
	"github.com/shigarus/telebroker/internal/metrics"
	"github.com/shigarus/telebroker/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// AckWriter funnels all serial writes through one goroutine so the frame read
// loop never blocks behind a wedged device. It satisfies io.Writer and is the
// connection handle the dispatcher acks serial-linked sources on.
type AckWriter struct{ base *transport.AsyncTx }

// NewAckWriter creates an AckWriter with a buffered queue of size buf.
func NewAckWriter(parent context.Context, sp Port, buf int) *AckWriter {
	send := func(p []byte) error {
		_, err := sp.Write(p)
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncSerialTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return &AckWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// Write queues a copy of p for asynchronous transmission (drops with
// ErrTxOverflow if the queue is full).
func (w *AckWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	if err := w.base.Send(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close stops the writer and waits for pending goroutine exit.
func (w *AckWriter) Close() { w.base.Close() }

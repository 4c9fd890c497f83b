package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/shigarus/telebroker/internal/dispatch"
	"github.com/shigarus/telebroker/internal/metrics"
	"github.com/shigarus/telebroker/internal/transport"
	"github.com/shigarus/telebroker/internal/wire"
)

// SourceLoop builds the handler for source connections: read one frame in the
// protocol's two-step shape, hand it to the dispatcher (which acks on the
// same connection), repeat. A torn frame ends the loop with no ack; the
// registry entry for the source is retained.
func SourceLoop(d *dispatch.Dispatcher) Handler {
	var codec transport.FrameReader = wire.Codec{}
	return func(ctx context.Context, conn net.Conn, logger *slog.Logger) {
		defer d.SourceClosed(conn)
		for {
			raw, err := codec.ReadFrame(conn)
			if err != nil {
				switch {
				case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				case errors.Is(err, wire.ErrTruncatedFrame):
					logger.Warn("source_torn_frame", "error", err)
				default:
					metrics.IncError(metrics.ErrTCPRead)
					logger.Warn("source_read_error", "error", err)
				}
				return
			}
			d.HandleFrame(conn, raw)
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

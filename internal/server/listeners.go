package server

import (
	"context"
	"log/slog"
	"net"

	"github.com/shigarus/telebroker/internal/dispatch"
	"github.com/shigarus/telebroker/internal/metrics"
)

// ListenerLoop builds the handler for listener connections. The write
// goroutine drains the client's outbound queue so all writes to one listener
// are serialized in dispatcher order. The read side only discards inbound
// bytes; its error return is the close signal.
func ListenerLoop(d *dispatch.Dispatcher) Handler {
	return func(ctx context.Context, conn net.Conn, logger *slog.Logger) {
		cl := d.ListenerConnected()
		defer d.ListenerClosed(cl)
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() { _ = conn.Close() }()
			for {
				select {
				case chunk := <-cl.Out:
					if _, err := conn.Write(chunk); err != nil {
						metrics.IncError(metrics.ErrTCPWrite)
						logger.Warn("listener_write_error", "error", err)
						return
					}
				case <-cl.Closed:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
		buf := make([]byte, 512)
		for {
			if _, err := conn.Read(buf); err != nil {
				break
			}
			// Listener sockets are write-only from the broker's side; inbound
			// bytes are discarded as they arrive.
		}
		cl.Close()
		<-done
	}
}

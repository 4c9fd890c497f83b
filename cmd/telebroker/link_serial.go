package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shigarus/telebroker/internal/dispatch"
	"github.com/shigarus/telebroker/internal/metrics"
	"github.com/shigarus/telebroker/internal/serial"
	"github.com/shigarus/telebroker/internal/wire"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// initSerialLink sets up the optional serial source link, launching the RX
// loop. Frames read off the port run through the same dispatcher pipeline as
// TCP sources; acks go back over the port through the async writer.
func initSerialLink(ctx context.Context, cfg *appConfig, d *dispatch.Dispatcher, l *slog.Logger, wg *sync.WaitGroup) (func(), error) {
	if cfg.serialDev == "" {
		return func() {}, nil
	}
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	w := serial.NewAckWriter(ctx, sp, txQueueSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("serial_rx_end")
		buf := make([]byte, serialReadBufSize)
		acc := bytes.NewBuffer(nil)
		backoff := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := sp.Read(buf)
			if n > 0 {
				acc.Write(buf[:n])
				for {
					raw := nextSerialFrame(acc)
					if raw == nil {
						break
					}
					metrics.IncSerialRx()
					d.HandleFrame(w, raw)
				}
				if acc.Len() == 0 && cap(acc.Bytes()) > largeBufferReclaimThreshold {
					acc = bytes.NewBuffer(nil)
				}
				backoff = rxBackoffMin
			}
			if err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				var perr *os.PathError
				if errors.As(err, &perr) {
					return // device removed or fatal
				}
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					continue // ignore transient EOF
				}
				metrics.IncError(metrics.ErrSerialRead)
				l.Warn("serial_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff *= 2
				if backoff > rxBackoffMax {
					backoff = rxBackoffMax
				}
			}
		}
	}()
	return func() { _ = sp.Close(); w.Close() }, nil
}

// nextSerialFrame extracts one complete source frame from acc, or nil when
// more bytes are needed. The serial stream carries the same self-delimiting
// 13 + 13·N layout as the TCP side.
func nextSerialFrame(acc *bytes.Buffer) []byte {
	b := acc.Bytes()
	if len(b) < wire.MetaSize {
		return nil
	}
	total := wire.MetaSize + int(b[12])*wire.RecordSize
	if len(b) < total {
		return nil
	}
	raw := make([]byte, total)
	_, _ = acc.Read(raw)
	return raw
}

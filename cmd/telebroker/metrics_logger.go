package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shigarus/telebroker/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"source_rx", snap.SourceRx,
					"serial_rx", snap.SerialRx,
					"acks_ok", snap.AcksOK,
					"acks_fail", snap.AcksFail,
					"malformed", snap.Malformed,
					"corrupt_records", snap.Corrupt,
					"lines_tx", snap.LinesTx,
					"hub_drops", snap.HubDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Package dispatch is the broker's coordinator. The Dispatcher owns both
// registries and both connection tables, drives source-frame ingestion,
// acknowledges sources, and fans text lines out to listeners. Per listener,
// the announce line for a source is always queued before any telemetry line
// referencing that source.
package dispatch

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shigarus/telebroker/internal/hub"
	"github.com/shigarus/telebroker/internal/logging"
	"github.com/shigarus/telebroker/internal/metrics"
	"github.com/shigarus/telebroker/internal/registry"
	"github.com/shigarus/telebroker/internal/transport"
	"github.com/shigarus/telebroker/internal/wire"
)

type Dispatcher struct {
	sources   *registry.Sources
	listeners *registry.Listeners
	hub       *hub.Hub

	connMu      sync.Mutex
	sourceConns map[string]io.Writer

	parser transport.FrameParser
	acks   transport.AckEncoder

	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides the wall-clock source (tests).
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func WithParser(p transport.FrameParser) Option { return func(d *Dispatcher) { d.parser = p } }
func WithAcks(a transport.AckEncoder) Option    { return func(d *Dispatcher) { d.acks = a } }

// New creates a Dispatcher using h as the listener connection table. Each
// Dispatcher carries its own registries, so several can coexist in one
// process.
func New(h *hub.Hub, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sources:     registry.NewSources(),
		listeners:   registry.NewListeners(),
		hub:         h,
		sourceConns: make(map[string]io.Writer),
		parser:      wire.Codec{},
		acks:        wire.Codec{},
		logger:      logging.L(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Sources exposes the source registry (read-mostly callers, tests).
func (d *Dispatcher) Sources() *registry.Sources { return d.sources }

// Listeners exposes the listener registry.
func (d *Dispatcher) Listeners() *registry.Listeners { return d.listeners }

// HandleFrame runs the ingestion pipeline for one raw frame read from conn:
// parse, registry upsert, connection-table insert, ack, fan-out. A parse
// reject produces only a failure ack; the connection stays usable.
func (d *Dispatcher) HandleFrame(conn io.Writer, raw []byte) {
	metrics.IncSourceRx()
	fr, err := d.parser.Parse(raw)
	if err != nil {
		d.logger.Debug("frame_rejected", "error", err)
		d.writeAck(conn, false, 0)
		return
	}
	now := d.now()
	d.sources.Update(fr.SourceID, fr.Serial, fr.State, now)
	d.connMu.Lock()
	// Overwrite with the newest stream: a source may re-announce on a fresh
	// TCP connection after a drop.
	d.sourceConns[fr.SourceID] = conn
	d.connMu.Unlock()
	d.writeAck(conn, true, fr.Serial)
	d.logger.Debug("frame_accepted",
		"source", fr.SourceID, "serial", fr.Serial,
		"state", fr.State.String(), "items", len(fr.Items))
	d.fanOut(fr, now)
}

func (d *Dispatcher) writeAck(conn io.Writer, ok bool, serial uint16) {
	if _, err := conn.Write(d.acks.EncodeAck(ok, serial)); err != nil {
		metrics.IncError(metrics.ErrTCPWrite)
		d.logger.Warn("ack_write_error", "error", err)
		return
	}
	metrics.IncAck(ok)
}

// fanOut queues the frame's text lines for every connected listener. For a
// listener not yet told about the source, the announce line and the telemetry
// lines go out as one chunk and the notified set is advanced only if the
// chunk was accepted, so a dropped chunk retries the announce with the next
// frame instead of orphaning telemetry.
func (d *Dispatcher) fanOut(fr wire.Frame, now time.Time) {
	clients := d.hub.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	if len(clients) > 0 {
		max, sum := 0, 0
		for _, c := range clients {
			l := len(c.Out)
			if l > max {
				max = l
			}
			sum += l
		}
		metrics.SetQueueDepth(max, sum/len(clients))
	}
	src, ok := d.sources.Get(fr.SourceID)
	if !ok || len(clients) == 0 {
		return
	}
	var lines []byte
	nLines := 0
	for _, it := range fr.Items {
		if it.Corrupt {
			continue
		}
		lines = appendTelemetryLine(lines, fr.SourceID, it)
		nLines++
	}
	for _, c := range clients {
		announce := !d.listeners.IsNotified(c.ID, fr.SourceID)
		var chunk []byte
		switch {
		case announce:
			chunk = appendAnnounceLine(nil, src, now)
			chunk = append(chunk, lines...)
		case nLines == 0:
			continue
		default:
			chunk = lines // shared across listeners; writers only read it
		}
		if !d.hub.Offer(c, chunk) {
			continue
		}
		if announce {
			d.listeners.MarkNotified(c.ID, fr.SourceID)
			metrics.AddListenerLines(nLines + 1)
		} else {
			metrics.AddListenerLines(nLines)
		}
	}
}

// ListenerConnected registers a new listener and queues its backfill: one
// announce line per known source, in registry order, as a single chunk.
// The returned client handle is already in the hub; the caller drives its
// writer loop and calls ListenerClosed when the connection dies.
func (d *Dispatcher) ListenerConnected() *hub.Client {
	id := d.listeners.Add()
	c := hub.NewClient(id, d.hub.OutBufSize)
	d.hub.Add(c)
	snap := d.sources.Snapshot()
	if len(snap) > 0 {
		now := d.now()
		var chunk []byte
		for _, s := range snap {
			chunk = appendAnnounceLine(chunk, s, now)
		}
		if d.hub.Offer(c, chunk) {
			for _, s := range snap {
				d.listeners.MarkNotified(id, s.ID)
			}
			metrics.AddListenerLines(len(snap))
		}
	}
	d.logger.Info("listener_connected", "listener_id", id, "backfill", len(snap))
	return c
}

// ListenerClosed removes the listener from the connection table and the
// registry. Idempotent.
func (d *Dispatcher) ListenerClosed(c *hub.Client) {
	d.hub.Remove(c)
	d.listeners.Remove(c.ID)
	d.logger.Info("listener_disconnected", "listener_id", c.ID)
}

// SourceClosed drops the connection-table entries referencing the closed
// stream. The source registry keeps its entry so late-joining listeners still
// learn of the source. Identity is compared so a stale loop exiting after a
// re-announce cannot evict the newer connection.
func (d *Dispatcher) SourceClosed(conn io.Writer) {
	d.connMu.Lock()
	for id, c := range d.sourceConns {
		if c == conn {
			delete(d.sourceConns, id)
			d.logger.Info("source_disconnected", "source", id)
		}
	}
	d.connMu.Unlock()
}

// SourceConn returns the live connection for a source id, if any.
func (d *Dispatcher) SourceConn(id string) (io.Writer, bool) {
	d.connMu.Lock()
	c, ok := d.sourceConns[id]
	d.connMu.Unlock()
	return c, ok
}

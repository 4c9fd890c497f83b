package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shigarus/telebroker/internal/logging"
)

// Prometheus counters
var (
	SourceRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "source_rx_frames_total",
		Help: "Total source frames received (TCP and serial, before validation).",
	})
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "Total source frames read from the serial link.",
	})
	SerialTxAcks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_acks_total",
		Help: "Total acknowledgements written to the serial link.",
	})
	AcksTx = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acks_tx_total",
		Help: "Total acknowledgements sent to sources, by status.",
	}, []string{"status"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (bad header, unknown state, length mismatch, truncated).",
	})
	CorruptRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corrupt_records_total",
		Help: "Total telemetry records dropped due to XOR mismatch.",
	})
	ListenerTxLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listener_tx_lines_total",
		Help: "Total text lines queued for listeners (announces and telemetry).",
	})
	HubDroppedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_chunks_total",
		Help: "Total outbound chunks dropped by the hub due to slow listeners.",
	})
	HubKickedListeners = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_listeners_total",
		Help: "Total listeners disconnected due to backpressure kick policy.",
	})
	HubRejectedListeners = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_listeners_total",
		Help: "Total listener connection attempts rejected (e.g., max-listeners).",
	})
	HubActiveListeners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_listeners",
		Help: "Current number of connected listeners.",
	})
	KnownSources = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "known_sources",
		Help: "Number of sources the registry has ever seen.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of listeners targeted in the most recent fan-out.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued chunks among listeners since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued chunks per listener in last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrSerialRead     = "serial_read"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
)

// Ack status label values.
const (
	AckStatusOK   = "ok"
	AckStatusFail = "fail"
)

// StartHTTP exposes /metrics and /ready on addr and returns the server for shutdown.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_http_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local atomic mirrors used by Snap for the periodic metrics logger.
var (
	localSourceRx  uint64
	localSerialRx  uint64
	localAcksOK    uint64
	localAcksFail  uint64
	localMalformed uint64
	localCorrupt   uint64
	localLinesTx   uint64
	localHubDrops  uint64
	localErrors    uint64
	localQDMax     uint64
	localQDAvg     uint64
)

// Snapshot carries counter values for periodic logging.
type Snapshot struct {
	SourceRx  uint64
	SerialRx  uint64
	AcksOK    uint64
	AcksFail  uint64
	Malformed uint64
	Corrupt   uint64
	LinesTx   uint64
	HubDrops  uint64
	Errors    uint64 // sum across error labels
}

// Snap returns the current values of the local counter mirrors.
func Snap() Snapshot {
	return Snapshot{
		SourceRx:  atomic.LoadUint64(&localSourceRx),
		SerialRx:  atomic.LoadUint64(&localSerialRx),
		AcksOK:    atomic.LoadUint64(&localAcksOK),
		AcksFail:  atomic.LoadUint64(&localAcksFail),
		Malformed: atomic.LoadUint64(&localMalformed),
		Corrupt:   atomic.LoadUint64(&localCorrupt),
		LinesTx:   atomic.LoadUint64(&localLinesTx),
		HubDrops:  atomic.LoadUint64(&localHubDrops),
		Errors:    atomic.LoadUint64(&localErrors),
	}
}

func IncSourceRx() {
	SourceRxFrames.Inc()
	atomic.AddUint64(&localSourceRx, 1)
}

func IncSerialRx() {
	SerialRxFrames.Inc()
	atomic.AddUint64(&localSerialRx, 1)
}

func IncSerialTx() { SerialTxAcks.Inc() }

// IncAck counts one acknowledgement by outcome.
func IncAck(ok bool) {
	if ok {
		AcksTx.WithLabelValues(AckStatusOK).Inc()
		atomic.AddUint64(&localAcksOK, 1)
		return
	}
	AcksTx.WithLabelValues(AckStatusFail).Inc()
	atomic.AddUint64(&localAcksFail, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncCorruptRecord() {
	CorruptRecords.Inc()
	atomic.AddUint64(&localCorrupt, 1)
}

func AddListenerLines(n int) {
	ListenerTxLines.Add(float64(n))
	atomic.AddUint64(&localLinesTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedChunks.Inc()
	atomic.AddUint64(&localHubDrops, 1)
}

func IncHubKick() { HubKickedListeners.Inc() }

func IncHubReject() { HubRejectedListeners.Inc() }

func SetHubListeners(n int) { HubActiveListeners.Set(float64(n)) }

func SetKnownSources(n int) { KnownSources.Set(float64(n)) }

func SetBroadcastFanout(n int) { HubBroadcastFanout.Set(float64(n)) }

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite,
		ErrSerialRead, ErrSerialWrite, ErrSerialOverflow,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }

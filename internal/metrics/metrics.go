package metrics

import (
	"math"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-arcreactor/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcreactor_rx_frames_total",
		Help: "Total length-prefixed frames decoded from the device link.",
	})
	TxCommands = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcreactor_tx_commands_total",
		Help: "Total commands written to the device link.",
	})
	TelemetryIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcreactor_telemetry_ignored_total",
		Help: "Inbound frames that were not battery telemetry.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcreactor_malformed_frames_total",
		Help: "Total rejected inbound frames (truncated at end of stream).",
	})
	Connects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcreactor_connects_total",
		Help: "Successful link connects.",
	})
	ConnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcreactor_connect_failures_total",
		Help: "Failed link connect attempts (resolution or dial errors, already connected).",
	})
	Disconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcreactor_disconnects_total",
		Help: "Connected to disconnected transitions, caller or error initiated.",
	})
	LinkUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arcreactor_link_up",
		Help: "1 while a device link is connected.",
	})
	BatteryLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arcreactor_battery_level",
		Help: "Last battery level reported by the device.",
	})
	CommandQueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcreactor_command_queue_dropped_total",
		Help: "Commands dropped because the asynchronous command queue was full.",
	})
	HubDroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_events_total",
		Help: "Total events dropped by hub due to slow subscribers.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total subscribers disconnected due to backpressure kick policy.",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of event stream subscribers.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of subscribers targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Deepest subscriber queue observed at the most recent broadcast.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Average subscriber queue depth at the most recent broadcast.",
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
	ErrLinkConnect = "link_connect"
	ErrLinkWrite   = "link_write"
	ErrLinkRead    = "link_read"
	ErrEnumerate   = "enumerate"
	ErrQueueSend   = "command_queue"
	ErrHTTP        = "http"
	ErrWSWrite     = "ws_write"
	ErrWSUpgrade   = "ws_upgrade"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRx         uint64
	localTx         uint64
	localIgnored    uint64
	localMalformed  uint64
	localConnects   uint64
	localConnFail   uint64
	localDisconnect uint64
	localQueueDrop  uint64
	localHubDrop    uint64
	localHubKick    uint64
	localHubClients uint64
	localFanout     uint64
	localErrors     uint64
	localBattery    uint64 // float64 bits
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	RxFrames         uint64
	TxCommands       uint64
	TelemetryIgnored uint64
	Malformed        uint64
	Connects         uint64
	ConnectFailures  uint64
	Disconnects      uint64
	QueueDrops       uint64
	HubDrops         uint64
	HubKicks         uint64
	HubClients       uint64
	Fanout           uint64
	Errors           uint64 // sum across error labels
	BatteryLevel     float64
}

func Snap() Snapshot {
	return Snapshot{
		RxFrames:         atomic.LoadUint64(&localRx),
		TxCommands:       atomic.LoadUint64(&localTx),
		TelemetryIgnored: atomic.LoadUint64(&localIgnored),
		Malformed:        atomic.LoadUint64(&localMalformed),
		Connects:         atomic.LoadUint64(&localConnects),
		ConnectFailures:  atomic.LoadUint64(&localConnFail),
		Disconnects:      atomic.LoadUint64(&localDisconnect),
		QueueDrops:       atomic.LoadUint64(&localQueueDrop),
		HubDrops:         atomic.LoadUint64(&localHubDrop),
		HubKicks:         atomic.LoadUint64(&localHubKick),
		HubClients:       atomic.LoadUint64(&localHubClients),
		Fanout:           atomic.LoadUint64(&localFanout),
		Errors:           atomic.LoadUint64(&localErrors),
		BatteryLevel:     math.Float64frombits(atomic.LoadUint64(&localBattery)),
	}
}

// Wrapper helpers to keep call sites simple.
func IncRx() {
	RxFrames.Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncTx() {
	TxCommands.Inc()
	atomic.AddUint64(&localTx, 1)
}

func IncTelemetryIgnored() {
	TelemetryIgnored.Inc()
	atomic.AddUint64(&localIgnored, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// IncConnect records a successful connect and marks the link up.
func IncConnect() {
	Connects.Inc()
	LinkUp.Set(1)
	atomic.AddUint64(&localConnects, 1)
}

func IncConnectFailure() {
	ConnectFailures.Inc()
	atomic.AddUint64(&localConnFail, 1)
}

// IncDisconnect records a disconnect transition and marks the link down.
func IncDisconnect() {
	Disconnects.Inc()
	LinkUp.Set(0)
	atomic.AddUint64(&localDisconnect, 1)
}

func IncQueueDrop() {
	CommandQueueDrops.Inc()
	atomic.AddUint64(&localQueueDrop, 1)
}

func IncHubDrop() {
	HubDroppedEvents.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

// SetQueueDepth records subscriber queue depth sampled during a broadcast.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
}

func SetBatteryLevel(v float64) {
	BatteryLevel.Set(v)
	atomic.StoreUint64(&localBattery, math.Float64bits(v))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrLinkConnect, ErrLinkWrite, ErrLinkRead, ErrEnumerate,
		ErrQueueSend, ErrHTTP, ErrWSWrite, ErrWSUpgrade,
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

package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of one machine. Every recording
// method is safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Env metrics
	EnvsLive  prometheus.Gauge
	EnvExits  *prometheus.CounterVec
	Forks     prometheus.Counter
	Syscalls  *prometheus.CounterVec
	Faults    *prometheus.CounterVec
	IPCSends  prometheus.Counter
	PagesUsed prometheus.Gauge

	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	TotalRequests int64   `json:"total_requests"`
	TotalErrors   int64   `json:"total_errors"`
	TotalDuration float64 `json:"total_duration_seconds"`
	EnvsLive      int64   `json:"envs_live"`
	PagesInUse    int64   `json:"pages_in_use"`
	Forks         int64   `json:"forks"`
	Faults        int64   `json:"faults"`
	FatalFaults   int64   `json:"fatal_faults"`
	IPCMessages   int64   `json:"ipc_messages"`
}

// NewMetrics creates a metrics collector backed by its own registry, so
// several machines can live in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowfork_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cowfork_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),

		// Env metrics
		EnvsLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cowfork_envs_live",
				Help: "Number of live envs",
			},
		),
		EnvExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowfork_env_exits_total",
				Help: "Total number of destroyed envs by reason",
			},
			[]string{"reason"},
		),
		Forks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cowfork_forks_total",
				Help: "Total number of envs created by exofork",
			},
		),
		Syscalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowfork_syscalls_total",
				Help: "Total number of syscalls by name and result",
			},
			[]string{"syscall", "result"},
		),
		Faults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowfork_page_faults_total",
				Help: "Total number of user page faults by outcome",
			},
			[]string{"outcome"},
		),
		IPCSends: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cowfork_ipc_messages_total",
				Help: "Total number of delivered IPC messages",
			},
		),
		PagesUsed: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cowfork_pages_in_use",
				Help: "Number of allocated physical frames",
			},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "cowfork_uptime_seconds",
			Help: "Machine uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.TotalDuration += duration.Seconds()
	if status[0] == '4' || status[0] == '5' {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// SetEnvsLive sets the number of live envs
func (m *Metrics) SetEnvsLive(count int) {
	if m == nil {
		return
	}
	m.EnvsLive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.EnvsLive = int64(count)
	m.mu.Unlock()
}

// SetPagesInUse sets the number of allocated frames
func (m *Metrics) SetPagesInUse(count int) {
	if m == nil {
		return
	}
	m.PagesUsed.Set(float64(count))
	m.mu.Lock()
	m.snapshot.PagesInUse = int64(count)
	m.mu.Unlock()
}

// RecordExit records a destroyed env
func (m *Metrics) RecordExit(reason string) {
	if m == nil {
		return
	}
	m.EnvExits.WithLabelValues(reason).Inc()
}

// RecordFork records an exofork
func (m *Metrics) RecordFork() {
	if m == nil {
		return
	}
	m.Forks.Inc()
	m.mu.Lock()
	m.snapshot.Forks++
	m.mu.Unlock()
}

// RecordSyscall records a syscall and whether it failed
func (m *Metrics) RecordSyscall(name string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Syscalls.WithLabelValues(name, result).Inc()
}

// RecordFault records a user page fault. Outcome is "upcall" when the fault
// was handed to the env and "fatal" when the env was destroyed.
func (m *Metrics) RecordFault(outcome string) {
	if m == nil {
		return
	}
	m.Faults.WithLabelValues(outcome).Inc()
	m.mu.Lock()
	m.snapshot.Faults++
	if outcome == "fatal" {
		m.snapshot.FatalFaults++
	}
	m.mu.Unlock()
}

// RecordIPC records a delivered IPC message
func (m *Metrics) RecordIPC() {
	if m == nil {
		return
	}
	m.IPCSends.Inc()
	m.mu.Lock()
	m.snapshot.IPCMessages++
	m.mu.Unlock()
}

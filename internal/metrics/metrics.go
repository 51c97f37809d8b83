// Package metrics exposes the scripting subsystem's Prometheus collectors:
// EVAL cache traffic, script executions by status, SCRIPT KILL signals, and
// debugger sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the scripting subsystem's Prometheus collectors, separate
// from the default global registry so embedding callers can mount it
// wherever they like.
var Registry = prometheus.NewRegistry()

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scriptd",
		Subsystem: "evalcache",
		Name:      "hits_total",
		Help:      "Total number of EVAL cache lookups that found a cached script.",
	})

	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scriptd",
		Subsystem: "evalcache",
		Name:      "misses_total",
		Help:      "Total number of EVAL cache lookups that required a compile.",
	})

	cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scriptd",
		Subsystem: "evalcache",
		Name:      "evictions_total",
		Help:      "Total number of scripts evicted from the EVAL cache's LRU list.",
	})

	cacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scriptd",
		Subsystem: "evalcache",
		Name:      "entries",
		Help:      "Current number of scripts held in the EVAL cache.",
	})

	scriptExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scriptd",
			Subsystem: "scripts",
			Name:      "executions_total",
			Help:      "Total number of script executions by engine and outcome.",
		},
		[]string{"engine", "status"},
	)

	scriptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scriptd",
			Subsystem: "scripts",
			Name:      "execution_duration_seconds",
			Help:      "Duration of script executions by engine.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16), // 100us to ~3.3s
		},
		[]string{"engine"},
	)

	scriptKills = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scriptd",
		Subsystem: "scripts",
		Name:      "kills_total",
		Help:      "Total number of SCRIPT KILL commands that terminated a running script.",
	})

	debuggerSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scriptd",
		Subsystem: "debugger",
		Name:      "active_sessions",
		Help:      "Current number of active script debugger sessions.",
	})

	debuggerSessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scriptd",
		Subsystem: "debugger",
		Name:      "sessions_total",
		Help:      "Total number of debugger sessions started.",
	})
)

func init() {
	Registry.MustRegister(
		cacheHits,
		cacheMisses,
		cacheEvictions,
		cacheSize,
		scriptExecutions,
		scriptDuration,
		scriptKills,
		debuggerSessions,
		debuggerSessionsTotal,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordCacheHit increments the EVAL cache hit counter.
func RecordCacheHit() { cacheHits.Inc() }

// RecordCacheMiss increments the EVAL cache miss counter.
func RecordCacheMiss() { cacheMisses.Inc() }

// RecordCacheEviction increments the EVAL cache eviction counter.
func RecordCacheEviction() { cacheEvictions.Inc() }

// SetCacheSize sets the current EVAL cache entry count gauge.
func SetCacheSize(n int) { cacheSize.Set(float64(n)) }

// RecordScriptExecution records one script execution's outcome and duration.
func RecordScriptExecution(engine, status string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	scriptExecutions.WithLabelValues(engine, status).Inc()
	scriptDuration.WithLabelValues(engine).Observe(duration.Seconds())
}

// RecordScriptKill increments the SCRIPT KILL counter.
func RecordScriptKill() { scriptKills.Inc() }

// RecordDebuggerSessionStart marks a debugger session as started.
func RecordDebuggerSessionStart() {
	debuggerSessions.Inc()
	debuggerSessionsTotal.Inc()
}

// RecordDebuggerSessionEnd marks a debugger session as ended.
func RecordDebuggerSessionEnd() { debuggerSessions.Dec() }

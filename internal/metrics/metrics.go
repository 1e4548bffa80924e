// Package metrics exposes the Prometheus instrumentation for the session
// core and samples process-level resource usage for the system.metrics
// envelope stream.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lx_ws_connections_total",
		Help: "Total WebSocket connections accepted",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lx_ws_connections_active",
		Help: "Current number of attached WebSocket connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lx_ws_connections_rejected_total",
		Help: "Connections rejected before upgrade, by reason",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lx_ws_disconnects_total",
		Help: "Connection closures by reason",
	}, []string{"reason"})

	// Envelope metrics
	envelopesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lx_envelopes_sent_total",
		Help: "Envelopes written to clients, by type",
	}, []string{"type"})

	envelopesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lx_envelopes_received_total",
		Help: "Envelopes received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lx_bytes_sent_total",
		Help: "Bytes written to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lx_bytes_received_total",
		Help: "Bytes received from clients",
	})

	// Delivery queue metrics
	queueDroppedOldest = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lx_queue_dropped_oldest_total",
		Help: "Droppable envelopes shed from delivery queues under pressure",
	})

	queueOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lx_queue_overflow_total",
		Help: "Delivery queue overflows that closed a connection",
	})

	// Resume / replay metrics
	resumesServed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lx_resumes_served_total",
		Help: "Successful session resumes (snapshot plus replay)",
	})

	resumesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lx_resumes_rejected_total",
		Help: "Resume attempts answered with session.new, by reason",
	}, []string{"reason"})

	replayedEnvelopes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lx_replayed_envelopes_total",
		Help: "Envelopes retransmitted from the replay window",
	})

	// Commit log metrics
	commitsAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lx_commits_appended_total",
		Help: "Records appended to session commit logs, by type",
	}, []string{"type"})

	commitsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lx_commits_evicted_total",
		Help: "Commit log records evicted by count, byte, or age bounds",
	})

	// Session metrics
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lx_sessions_active",
		Help: "Current number of live sessions",
	})

	sessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lx_sessions_started_total",
		Help: "Sessions started",
	})

	sessionsStopped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lx_sessions_stopped_total",
		Help: "Sessions stopped, by cause",
	}, []string{"cause"})

	admissionRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lx_session_admission_rejections_total",
		Help: "Session starts refused, by reason",
	}, []string{"reason"})

	heartbeatTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lx_heartbeat_timeouts_total",
		Help: "Connections closed for inbound silence",
	})

	rateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lx_rate_limited_messages_total",
		Help: "Inbound client messages rejected by the rate limiter",
	})

	producerFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lx_producer_faults_total",
		Help: "Producer errors surfaced as status envelopes, by source",
	}, []string{"source"})

	// Ingest metrics
	ingestReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lx_ingest_received_total",
		Help: "Events received from the ingest bus",
	})

	ingestDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lx_ingest_dropped_total",
		Help: "Ingest events dropped because the worker pool was saturated",
	})

	// System metrics
	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lx_cpu_usage_percent",
		Help: "Process CPU usage percentage",
	})

	memoryRSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lx_memory_rss_bytes",
		Help: "Process resident set size in bytes",
	})

	memoryLimitBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lx_memory_limit_bytes",
		Help: "Container memory limit from cgroup, 0 when unlimited",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lx_goroutines_active",
		Help: "Current goroutine count",
	})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsRejected)
	prometheus.MustRegister(disconnectsTotal)

	prometheus.MustRegister(envelopesSent)
	prometheus.MustRegister(envelopesReceived)
	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(bytesReceived)

	prometheus.MustRegister(queueDroppedOldest)
	prometheus.MustRegister(queueOverflows)

	prometheus.MustRegister(resumesServed)
	prometheus.MustRegister(resumesRejected)
	prometheus.MustRegister(replayedEnvelopes)

	prometheus.MustRegister(commitsAppended)
	prometheus.MustRegister(commitsEvicted)

	prometheus.MustRegister(sessionsActive)
	prometheus.MustRegister(sessionsStarted)
	prometheus.MustRegister(sessionsStopped)
	prometheus.MustRegister(admissionRejections)
	prometheus.MustRegister(heartbeatTimeouts)
	prometheus.MustRegister(rateLimitedMessages)
	prometheus.MustRegister(producerFaults)

	prometheus.MustRegister(ingestReceived)
	prometheus.MustRegister(ingestDropped)

	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(memoryRSSBytes)
	prometheus.MustRegister(memoryLimitBytes)
	prometheus.MustRegister(goroutinesActive)
}

// Connection lifecycle.

func ConnectionOpened() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

func ConnectionClosed(reason string) {
	connectionsActive.Dec()
	disconnectsTotal.WithLabelValues(reason).Inc()
}

func ConnectionRejected(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// Envelope flow.

func EnvelopeSent(typ string, n int) {
	envelopesSent.WithLabelValues(typ).Inc()
	bytesSent.Add(float64(n))
}

func EnvelopeReceived(n int) {
	envelopesReceived.Inc()
	bytesReceived.Add(float64(n))
}

// Delivery pressure.

func QueueDrops(droppedOldest uint64) {
	if droppedOldest > 0 {
		queueDroppedOldest.Add(float64(droppedOldest))
	}
}

func QueueOverflow() { queueOverflows.Inc() }

// Resume path.

func ResumeServed(replayed int) {
	resumesServed.Inc()
	replayedEnvelopes.Add(float64(replayed))
}

func ResumeRejected(reason string) { resumesRejected.WithLabelValues(reason).Inc() }

// Commit log.

func CommitAppended(typ string) { commitsAppended.WithLabelValues(typ).Inc() }

func CommitsEvicted(n uint64) {
	if n > 0 {
		commitsEvicted.Add(float64(n))
	}
}

// Sessions.

func SessionStarted() {
	sessionsStarted.Inc()
	sessionsActive.Inc()
}

func SessionStopped(cause string) {
	sessionsActive.Dec()
	sessionsStopped.WithLabelValues(cause).Inc()
}

func AdmissionRejected(reason string) { admissionRejections.WithLabelValues(reason).Inc() }

func HeartbeatTimeout() { heartbeatTimeouts.Inc() }

func RateLimited() { rateLimitedMessages.Inc() }

func ProducerFault(source string) { producerFaults.WithLabelValues(source).Inc() }

// Ingest bus.

func IngestReceived() { ingestReceived.Inc() }

func IngestDropped() { ingestDropped.Inc() }

// System gauges, fed by the Sampler.

func setSystemGauges(cpuPct float64, rss uint64, goroutines int) {
	cpuUsagePercent.Set(cpuPct)
	memoryRSSBytes.Set(float64(rss))
	goroutinesActive.Set(float64(goroutines))
}

// SetMemoryLimit records the detected container memory limit.
func SetMemoryLimit(limit int64) {
	memoryLimitBytes.Set(float64(limit))
}

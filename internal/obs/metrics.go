package obs

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wastelink_ws_connections",
		Help: "Authenticated realtime connections currently open.",
	})

	wsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wastelink_ws_rejected_total",
			Help: "Realtime connection attempts refused during authentication.",
		},
		[]string{"reason"},
	)

	broadcastDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wastelink_ws_broadcast_dropped_total",
		Help: "Realtime events dropped because a subscriber buffer was full.",
	})

	taskTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wastelink_task_transitions_total",
			Help: "Pickup task lifecycle operations by outcome.",
		},
		[]string{"op", "result"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wastelink_notifications_total",
			Help: "Notification fan-out outcomes.",
		},
		[]string{"result"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wastelink_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	initOnce sync.Once
)

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			wsConnections, wsRejected, broadcastDropped,
			taskTransitions, notificationsTotal, ready,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests for next.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource identifiers so metric labels stay bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(raw, "/")
	// /v1/tasks/{id}[/action] and /v1/notifications/{id}/read
	if len(parts) >= 4 && parts[1] == "v1" {
		switch parts[2] {
		case "tasks":
			parts[3] = ":id"
		case "notifications":
			if len(parts) == 5 && parts[4] == "read" {
				parts[3] = ":id"
			}
		}
	}
	return strings.Join(parts, "/")
}

// ConnectionOpened and ConnectionClosed track the live realtime connection set.
func ConnectionOpened() { wsConnections.Inc() }
func ConnectionClosed() { wsConnections.Dec() }

// ConnectionRejected counts a refused realtime handshake.
func ConnectionRejected(reason string) { wsRejected.WithLabelValues(reason).Inc() }

// BroadcastDropped counts an event a slow subscriber could not accept.
func BroadcastDropped() { broadcastDropped.Inc() }

// TaskTransition counts a lifecycle operation outcome.
func TaskTransition(op, result string) { taskTransitions.WithLabelValues(op, result).Inc() }

// NotificationResult counts a fan-out outcome (created, failed, dropped).
func NotificationResult(result string) { notificationsTotal.WithLabelValues(result).Inc() }

// SetReady publishes the readiness probe result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes the websocket upgrade through to the underlying writer.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "framecast"

// Collector exposes frame pipeline counters for both the transmitter and
// the receiver. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	framesCaptured  prometheus.Counter
	framesSent      prometheus.Counter
	bytesSent       prometheus.Counter
	framesDropped   *prometheus.CounterVec
	sendRetries     prometheus.Counter
	sessionsActive  prometheus.Gauge
	sessionsClosed  *prometheus.CounterVec
	framesReceived  prometheus.Counter
	bytesReceived   prometheus.Counter
	decodeErrors    prometheus.Counter
	connectAttempts prometheus.Counter
	disconnects     *prometheus.CounterVec
	segments        prometheus.Counter
	receiverState   prometheus.Gauge
}

// New creates a collector with its own registry.
func New(namespace string) *Collector {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	counter := func(subsystem, name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
	}
	c.framesCaptured = counter("transmitter", "frames_captured_total", "Frames produced by the capture source.")
	c.framesSent = counter("transmitter", "frames_sent_total", "Frames fully written to a peer socket.")
	c.bytesSent = counter("transmitter", "bytes_sent_total", "Wire bytes written to peers, headers included.")
	c.sendRetries = counter("transmitter", "send_retries_total", "Send attempts that failed and were retried.")
	c.framesReceived = counter("receiver", "frames_received_total", "Frames decoded from the stream.")
	c.bytesReceived = counter("receiver", "bytes_received_total", "Payload bytes received.")
	c.decodeErrors = counter("receiver", "decode_errors_total", "Frames dropped because the payload could not be decoded.")
	c.connectAttempts = counter("receiver", "connect_attempts_total", "Connection attempts made by the receiver.")
	c.segments = counter("recorder", "segments_opened_total", "Recording segments opened.")

	c.framesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "transmitter", Name: "frames_dropped_total",
		Help: "Frames discarded by a session queue overflow policy.",
	}, []string{"policy"})
	c.sessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "transmitter", Name: "sessions_closed_total",
		Help: "Client sessions that ended, by reason.",
	}, []string{"reason"})
	c.disconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "receiver", Name: "disconnects_total",
		Help: "Stream interruptions, by cause.",
	}, []string{"cause"})
	c.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "transmitter", Name: "sessions_active",
		Help: "Connected client sessions.",
	})
	c.receiverState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "receiver", Name: "state",
		Help: "Receiver connection state (0 disconnected, 1 connecting, 2 streaming, 3 shutting down).",
	})

	c.registry.MustRegister(
		c.framesCaptured, c.framesSent, c.bytesSent, c.framesDropped, c.sendRetries,
		c.sessionsActive, c.sessionsClosed, c.framesReceived, c.bytesReceived,
		c.decodeErrors, c.connectAttempts, c.disconnects, c.segments, c.receiverState,
	)
	return c
}

// Registry returns the prometheus registry managed by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) FrameCaptured() {
	if c != nil {
		c.framesCaptured.Inc()
	}
}

func (c *Collector) FrameSent(wireBytes int) {
	if c != nil {
		c.framesSent.Inc()
		c.bytesSent.Add(float64(wireBytes))
	}
}

func (c *Collector) FrameDropped(policy string) {
	if c != nil {
		c.framesDropped.WithLabelValues(policy).Inc()
	}
}

func (c *Collector) SendRetried() {
	if c != nil {
		c.sendRetries.Inc()
	}
}

func (c *Collector) SessionOpened() {
	if c != nil {
		c.sessionsActive.Inc()
	}
}

func (c *Collector) SessionClosed(reason string) {
	if c != nil {
		c.sessionsActive.Dec()
		c.sessionsClosed.WithLabelValues(reason).Inc()
	}
}

func (c *Collector) FrameReceived(payloadBytes int) {
	if c != nil {
		c.framesReceived.Inc()
		c.bytesReceived.Add(float64(payloadBytes))
	}
}

func (c *Collector) DecodeFailed() {
	if c != nil {
		c.decodeErrors.Inc()
	}
}

func (c *Collector) ConnectAttempted() {
	if c != nil {
		c.connectAttempts.Inc()
	}
}

func (c *Collector) Disconnected(cause string) {
	if c != nil {
		c.disconnects.WithLabelValues(cause).Inc()
	}
}

func (c *Collector) SegmentOpened() {
	if c != nil {
		c.segments.Inc()
	}
}

func (c *Collector) ReceiverState(state int) {
	if c != nil {
		c.receiverState.Set(float64(state))
	}
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	if c == nil {
		return errors.New("metrics: nil collector")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

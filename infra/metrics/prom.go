package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/fleetstream/core/metrics"
)

// PromSink exposes operational events as Prometheus metrics.
type PromSink struct {
	ingest          *prometheus.CounterVec
	payloadBytes    prometheus.Histogram
	connected       prometheus.Gauge
	connectFailures prometheus.Counter
	sessions        prometheus.Gauge
	sessionEvents   *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec
	health          *prometheus.CounterVec
}

// NewPromSink registers metrics on the default Prometheus registerer.
// The Prometheus server should be started separately using cfg.PrometheusPort.
func NewPromSink(cfg coremetrics.Config) (*PromSink, error) {
	return NewPromSinkWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer. Collectors
// already registered by an earlier sink are reused.
func NewPromSinkWithRegistry(_ coremetrics.Config, reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{}
	var err error
	if s.ingest, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_telemetry_messages_total",
		Help: "Telemetry payloads handled, by source and result",
	}, []string{"source", "result"})); err != nil {
		return nil, err
	}
	if s.payloadBytes, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_telemetry_payload_bytes",
		Help:    "Size of telemetry payloads",
		Buckets: prometheus.ExponentialBuckets(64, 2, 10),
	})); err != nil {
		return nil, err
	}
	if s.connected, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_broker_connected",
		Help: "1 while the broker session is up",
	})); err != nil {
		return nil, err
	}
	if s.connectFailures, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_broker_connect_failures_total",
		Help: "Failed connection attempts and session losses",
	})); err != nil {
		return nil, err
	}
	if s.sessions, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_stream_sessions",
		Help: "Open dashboard stream sessions",
	})); err != nil {
		return nil, err
	}
	if s.sessionEvents, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_stream_session_events_total",
		Help: "Stream session lifecycle events",
	}, []string{"action"})); err != nil {
		return nil, err
	}
	if s.commands, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_commands_total",
		Help: "Commands by type and final status",
	}, []string{"command_type", "status"})); err != nil {
		return nil, err
	}
	if s.commandLatency, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_command_latency_seconds",
		Help:    "Time between command issue and broker acknowledgment",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})); err != nil {
		return nil, err
	}
	if s.health, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_vehicle_health_transitions_total",
		Help: "Vehicle health transitions by target state",
	}, []string{"to"})); err != nil {
		return nil, err
	}
	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (s *PromSink) RecordIngest(ev coremetrics.IngestEvent) error {
	s.ingest.WithLabelValues(ev.Source, ev.Result).Inc()
	if ev.Size > 0 {
		s.payloadBytes.Observe(float64(ev.Size))
	}
	return nil
}

func (s *PromSink) RecordConnection(ev coremetrics.ConnectionEvent) error {
	if ev.Connected {
		s.connected.Set(1)
		return nil
	}
	s.connected.Set(0)
	s.connectFailures.Inc()
	return nil
}

func (s *PromSink) RecordSession(ev coremetrics.SessionEvent) error {
	switch ev.Action {
	case coremetrics.SessionOpened:
		s.sessions.Inc()
	case coremetrics.SessionClosed, coremetrics.SessionReaped:
		s.sessions.Dec()
	}
	s.sessionEvents.WithLabelValues(ev.Action).Inc()
	return nil
}

func (s *PromSink) RecordCommand(ev coremetrics.CommandEvent) error {
	s.commands.WithLabelValues(ev.CommandType, ev.Status).Inc()
	s.commandLatency.WithLabelValues(ev.Status).Observe(ev.Latency.Seconds())
	return nil
}

func (s *PromSink) RecordHealth(ev coremetrics.HealthEvent) error {
	s.health.WithLabelValues(ev.To).Inc()
	return nil
}

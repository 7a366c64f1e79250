// Package app wires the fleet telemetry pipeline into a single service.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kilianp07/fleetstream/api"
	"github.com/kilianp07/fleetstream/config"
	"github.com/kilianp07/fleetstream/core/command"
	"github.com/kilianp07/fleetstream/core/fleet"
	"github.com/kilianp07/fleetstream/core/ingest"
	coremetrics "github.com/kilianp07/fleetstream/core/metrics"
	"github.com/kilianp07/fleetstream/core/monitoring"
	"github.com/kilianp07/fleetstream/core/registry"
	"github.com/kilianp07/fleetstream/core/stream"
	"github.com/kilianp07/fleetstream/core/telemetry"
	"github.com/kilianp07/fleetstream/infra/logger"
	"github.com/kilianp07/fleetstream/infra/metrics"
	infmon "github.com/kilianp07/fleetstream/infra/monitoring"
	"github.com/kilianp07/fleetstream/infra/mqtt"
)

// ErrShutdown is returned by Init and Run after Shutdown.
var ErrShutdown = errors.New("service shut down")

// Service owns every pipeline component. Init connects once, Run drives
// the background loops and Shutdown tears everything down once.
type Service struct {
	cfg *config.Config
	log logger.Logger

	Broker      *mqtt.PahoClient
	Store       *fleet.Store
	Broadcaster *stream.Broadcaster
	Registry    *registry.Registry
	Ingestor    *ingest.Ingestor
	Commands    *command.Publisher
	API         *api.Server
	sink        coremetrics.MetricsSink

	mu          sync.Mutex
	initialized bool
	shutdown    bool
}

// Option customizes a Service.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now for freshness tracking and stream sessions.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New builds a Service from the configuration without connecting.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	log := logger.New("service")
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	mon, err := infmon.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	monitoring.Init(mon)

	sink, err := metrics.NewSink(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("metrics sink: %w", err)
	}

	topics := telemetry.NewTopics(cfg.Topics)
	decoder := telemetry.NewDecoder(topics)

	store := fleet.NewStore(cfg.Fleet,
		fleet.WithClock(o.now),
		fleet.WithLogger(logger.New("fleet")),
		fleet.WithRecorder(sink))
	broadcaster := stream.NewBroadcaster(cfg.Stream, store,
		stream.WithClock(o.now),
		stream.WithLogger(logger.New("stream")),
		stream.WithRecorder(sink))
	store.SetNotifier(broadcaster)

	ingestor := ingest.New(cfg.Ingest, decoder, store,
		ingest.WithLogger(logger.New("ingest")),
		ingest.WithRecorder(sink))

	broker := mqtt.NewPahoClient(cfg.MQTT,
		mqtt.WithLogger(logger.New("mqtt")),
		mqtt.WithRecorder(sink))
	reg := registry.New(topics, broker, ingestor.HandleMessage, store,
		registry.WithClock(o.now),
		registry.WithLogger(logger.New("registry")))

	commands := command.NewPublisher(cfg.Command, topics, broker, store,
		command.WithLogger(logger.New("command")),
		command.WithRecorder(sink),
		command.WithNotifier(broadcaster))

	server := api.NewServer(cfg.HTTP, api.Deps{
		Store:     store,
		Registry:  reg,
		Sessions:  broadcaster,
		Commands:  commands,
		Ingest:    ingestor,
		Validator: decoder,
		Broker:    broker,
		Heartbeat: cfg.Stream.Heartbeat(),
	}, logger.New("api"))

	svc := &Service{
		cfg:         cfg,
		log:         log,
		Broker:      broker,
		Store:       store,
		Broadcaster: broadcaster,
		Registry:    reg,
		Ingestor:    ingestor,
		Commands:    commands,
		API:         server,
		sink:        sink,
	}
	broker.OnReady(reg.Resubscribe)
	broker.OnConnectionLost(svc.brokerLost)
	return svc, nil
}

// brokerLost runs when an established broker session drops. Vehicles turn
// FRESH again on their next event after the reconnect.
func (s *Service) brokerLost(err error) {
	n := s.Store.MarkAllStale()
	s.Registry.Deactivate()
	s.log.Warnf("broker connection lost (%v), %d vehicles marked stale", err, n)
}

// Init declares the configured vehicles and connects to the broker.
// Subsequent calls return nil once a call has succeeded.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShutdown
	}
	if s.initialized {
		return nil
	}
	for _, id := range s.cfg.Fleet.Vehicles {
		if err := s.Registry.Declare(id); err != nil {
			return fmt.Errorf("declare %s: %w", id, err)
		}
	}
	if err := s.Broker.Start(ctx); err != nil {
		return err
	}
	s.initialized = true
	s.log.Infof("service initialized with %d declared vehicles", len(s.cfg.Fleet.Vehicles))
	return nil
}

// Run initializes the service if needed and blocks until ctx ends or a
// background loop fails.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Init(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Ingestor.Run(ctx) })
	g.Go(func() error { return s.Store.RunSweeper(ctx) })
	g.Go(func() error { return s.Broadcaster.RunReaper(ctx) })
	g.Go(func() error { return s.API.Run(ctx) })
	if s.cfg.Metrics.PrometheusEnabled {
		g.Go(func() error { return metrics.StartPromServer(ctx, s.cfg.Metrics.PrometheusPort) })
	}
	return g.Wait()
}

// Shutdown stops the broker session, fails pending commands and closes all
// streaming sessions. It is safe to call more than once.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil
	}
	s.shutdown = true

	s.Commands.Close()
	err := s.Broker.Stop()
	s.Broadcaster.Close()
	metrics.CloseSink(s.sink)
	monitoring.Flush(2 * time.Second)
	s.log.Infof("service shut down")
	return err
}

package metrics

import (
	"context"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/fleetstream/core/metrics"
	"github.com/kilianp07/fleetstream/infra/logger"
)

// influxQueueSize bounds the points waiting for the write API.
const influxQueueSize = 1024

// InfluxSink writes operational events to InfluxDB: broker connectivity,
// command outcomes, health transitions and stream session activity.
// Telemetry itself is not persisted; ingest events are ignored.
//
// Recording never waits on InfluxDB. Points are queued and handed to the
// batching write API by a single goroutine; when the queue is full the point
// is dropped and counted.
type InfluxSink struct {
	coremetrics.NopSink
	client   influxdb2.Client
	writeAPI api.WriteAPI
	log      logger.Logger

	mu      sync.RWMutex
	closed  bool
	points  chan *write.Point
	done    chan struct{}
	dropped atomic.Uint64
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	s := &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPI(org, bucket),
		log:      logger.New("influx-sink"),
		points:   make(chan *write.Point, influxQueueSize),
		done:     make(chan struct{}),
	}
	go s.handleWriteErrors(s.writeAPI.Errors())
	go s.forward()
	return s
}

func (s *InfluxSink) handleWriteErrors(errs <-chan error) {
	for err := range errs {
		s.log.Warnf("influx write: %v", err)
	}
}

func (s *InfluxSink) forward() {
	defer close(s.done)
	for p := range s.points {
		s.writeAPI.WritePoint(p)
	}
}

// Dropped returns how many points were discarded because the queue was full.
func (s *InfluxSink) Dropped() uint64 { return s.dropped.Load() }

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a
// NopSink if the health check fails.
func NewInfluxSinkWithFallback(cfg coremetrics.Config) coremetrics.MetricsSink {
	sink := NewInfluxSink(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

func (s *InfluxSink) write(p *write.Point) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.points <- p:
	default:
		if s.dropped.Add(1)%influxQueueSize == 1 {
			s.log.Warnf("influx queue full, %d points dropped so far", s.dropped.Load())
		}
	}
	return nil
}

// RecordConnection writes a broker session transition.
func (s *InfluxSink) RecordConnection(ev coremetrics.ConnectionEvent) error {
	p := write.NewPointWithMeasurement("broker_connection").
		AddTag("component", "mqtt").
		AddField("connected", ev.Connected).
		AddField("attempt", ev.Attempt).
		SetTime(ev.Time)
	if ev.Error != "" {
		p = p.AddField("error", ev.Error)
	}
	return s.write(p)
}

// RecordCommand writes the final outcome of a command.
func (s *InfluxSink) RecordCommand(ev coremetrics.CommandEvent) error {
	p := write.NewPointWithMeasurement("command_result").
		AddTag("vehicle_id", ev.VehicleID).
		AddTag("command_type", ev.CommandType).
		AddTag("status", ev.Status).
		AddTag("request_id", ev.RequestID).
		AddField("latency_ms", round3(ev.Latency.Seconds()*1000)).
		AddField("errors", ev.Error).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordHealth writes a vehicle health transition.
func (s *InfluxSink) RecordHealth(ev coremetrics.HealthEvent) error {
	p := write.NewPointWithMeasurement("vehicle_health").
		AddTag("vehicle_id", ev.VehicleID).
		AddTag("to", ev.To).
		AddField("from", ev.From).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordSession writes a stream session lifecycle event.
func (s *InfluxSink) RecordSession(ev coremetrics.SessionEvent) error {
	p := write.NewPointWithMeasurement("stream_session").
		AddTag("action", ev.Action).
		AddField("session_id", ev.SessionID).
		SetTime(ev.Time)
	return s.write(p)
}

// Close writes out queued points and releases the client.
func (s *InfluxSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.points)
	s.mu.Unlock()

	<-s.done
	s.writeAPI.Flush()
	s.client.Close()
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

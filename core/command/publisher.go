package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
	"github.com/google/uuid"

	"github.com/kilianp07/fleetstream/core/logger"
	coremetrics "github.com/kilianp07/fleetstream/core/metrics"
	"github.com/kilianp07/fleetstream/core/model"
	"github.com/kilianp07/fleetstream/core/monitoring"
	coremqtt "github.com/kilianp07/fleetstream/core/mqtt"
	"github.com/kilianp07/fleetstream/core/telemetry"
)

var (
	ErrUnknownVehicle   = errors.New("unknown vehicle")
	ErrInvalidCommand   = errors.New("invalid command")
	ErrDuplicateRequest = errors.New("duplicate request id")
	ErrUnknownRequest   = errors.New("unknown request id")
	// ErrCommandTimeout is returned when the broker did not acknowledge the
	// command within the ack timeout.
	ErrCommandTimeout = errors.New("command not acknowledged in time")
	ErrClosed         = errors.New("command publisher closed")
)

// VehicleDirectory tells which vehicles may receive commands.
type VehicleDirectory interface {
	Known(vehicleID string) bool
}

// ResultNotifier is told about every terminal command result.
type ResultNotifier interface {
	NotifyCommand(model.CommandResult)
}

type outcome struct {
	result model.CommandResult
	err    error
}

type pending struct {
	req  model.CommandRequest
	done chan struct{}
	out  outcome
}

// Publisher delivers commands to vehicles over the broker and tracks their
// outcome. Publish returns immediately; delivery happens in the background.
type Publisher struct {
	cfg        Config
	ackTimeout time.Duration
	topics     telemetry.Topics
	transport  coremqtt.Publisher
	dir        VehicleDirectory
	notifier   ResultNotifier
	log        logger.Logger
	rec        coremetrics.CommandRecorder
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]*pending
	results  cache.Cache[string, outcome]
}

// Option customizes a Publisher.
type Option func(*Publisher)

func WithLogger(l logger.Logger) Option { return func(p *Publisher) { p.log = logger.OrNop(l) } }

func WithRecorder(r coremetrics.CommandRecorder) Option {
	return func(p *Publisher) {
		if r != nil {
			p.rec = r
		}
	}
}

func WithNotifier(n ResultNotifier) Option { return func(p *Publisher) { p.notifier = n } }

// WithAckTimeout overrides the configured acknowledgment timeout.
func WithAckTimeout(d time.Duration) Option { return func(p *Publisher) { p.ackTimeout = d } }

func NewPublisher(cfg Config, topics telemetry.Topics, transport coremqtt.Publisher, dir VehicleDirectory, opts ...Option) *Publisher {
	cfg.SetDefaults()
	if cfg.QoS < 1 {
		cfg.QoS = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		cfg:        cfg,
		ackTimeout: cfg.AckTimeout(),
		topics:     topics,
		transport:  transport,
		dir:        dir,
		log:        logger.Nop{},
		rec:        coremetrics.NopSink{},
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[string]*pending),
		results: cache.NewCache[string, outcome]().
			WithTTL(cfg.ResultTTL()).
			WithMaxKeys(cfg.MaxResults),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Publish validates req and starts delivery. It returns the request id,
// generating one when req.RequestID is empty.
func (p *Publisher) Publish(req model.CommandRequest) (string, error) {
	if req.VehicleID == "" || req.CommandType == "" {
		return "", fmt.Errorf("%w: vehicleId and commandType are required", ErrInvalidCommand)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return "", fmt.Errorf("%w: payload is not valid JSON", ErrInvalidCommand)
	}
	if !p.dir.Known(req.VehicleID) {
		return "", fmt.Errorf("%w: %s", ErrUnknownVehicle, req.VehicleID)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.IssuedAt.IsZero() {
		req.IssuedAt = p.now()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrClosed
	}
	if _, ok := p.inflight[req.RequestID]; ok {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateRequest, req.RequestID)
	}
	if _, ok := p.results.Peek(req.RequestID); ok {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateRequest, req.RequestID)
	}
	pd := &pending{req: req, done: make(chan struct{})}
	p.inflight[req.RequestID] = pd
	p.wg.Add(1)
	p.mu.Unlock()

	go p.deliver(pd)
	return req.RequestID, nil
}

type envelope struct {
	RequestID   string          `json:"requestId"`
	VehicleID   string          `json:"vehicleId"`
	CommandType string          `json:"commandType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	IssuedAt    int64           `json:"issuedAt"`
}

func (p *Publisher) deliver(pd *pending) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			monitoring.CapturePanic(r, map[string]string{"component": "command"})
			p.complete(pd, monitoring.PanicError(r))
		}
	}()

	req := pd.req
	payload, err := json.Marshal(envelope{
		RequestID:   req.RequestID,
		VehicleID:   req.VehicleID,
		CommandType: req.CommandType,
		Payload:     req.Payload,
		IssuedAt:    req.IssuedAt.UnixMilli(),
	})
	if err != nil {
		p.complete(pd, err)
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.ackTimeout)
	defer cancel()
	p.complete(pd, p.send(ctx, p.topics.Command(req.VehicleID), payload))
}

// send publishes with retries while the session is down. Any other error,
// or the end of ctx, stops the attempts.
func (p *Publisher) send(ctx context.Context, topic string, payload []byte) error {
	backoff := p.cfg.RetryBackoff()
	var err error
	for attempt := 0; attempt <= p.cfg.Retries(); attempt++ {
		err = p.transport.Publish(ctx, topic, p.cfg.QoS, payload)
		if err == nil || !errors.Is(err, coremqtt.ErrNotConnected) {
			break
		}
		p.log.Warnf("publish attempt %d to %s failed: %v", attempt+1, topic, err)
		if attempt == p.cfg.Retries() {
			break
		}
		t := time.NewTimer(backoff * time.Duration(1<<attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *Publisher) complete(pd *pending, err error) {
	req := pd.req
	res := model.CommandResult{
		RequestID:   req.RequestID,
		VehicleID:   req.VehicleID,
		CommandType: req.CommandType,
		Status:      model.CommandAcknowledged,
		IssuedAt:    req.IssuedAt,
		CompletedAt: p.now(),
	}
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, coremqtt.ErrAckTimeout):
		err = fmt.Errorf("%w: %s after %s", ErrCommandTimeout, req.RequestID, p.ackTimeout)
	case errors.Is(err, context.Canceled), errors.Is(err, coremqtt.ErrStopped):
		err = fmt.Errorf("%w: %s", ErrClosed, req.RequestID)
	}
	if err != nil {
		res.Status = model.CommandFailed
		res.Error = err.Error()
	}

	p.mu.Lock()
	delete(p.inflight, req.RequestID)
	pd.out = outcome{result: res, err: err}
	p.results.Set(req.RequestID, pd.out, 0)
	p.mu.Unlock()
	defer close(pd.done)

	latency := res.CompletedAt.Sub(res.IssuedAt)
	if err != nil {
		p.log.Warnf("command %s to %s failed: %v", req.RequestID, req.VehicleID, err)
		if !errors.Is(err, ErrClosed) {
			monitoring.CaptureException(err, map[string]string{"component": "command", "vehicle_id": req.VehicleID})
		}
	} else {
		p.log.Infow("command acknowledged", map[string]any{
			"request_id": req.RequestID, "vehicle_id": req.VehicleID, "latency_ms": latency.Milliseconds(),
		})
	}
	if rerr := p.rec.RecordCommand(coremetrics.CommandEvent{
		RequestID:   req.RequestID,
		VehicleID:   req.VehicleID,
		CommandType: req.CommandType,
		Status:      string(res.Status),
		Latency:     latency,
		Error:       res.Error,
		Time:        res.CompletedAt,
	}); rerr != nil {
		p.log.Warnf("record command: %v", rerr)
	}
	if p.notifier != nil {
		p.notifier.NotifyCommand(res)
	}
}

// Status returns the current result for a request. In-flight requests are
// reported as PENDING.
func (p *Publisher) Status(requestID string) (model.CommandResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pd, ok := p.inflight[requestID]; ok {
		return model.CommandResult{
			RequestID:   pd.req.RequestID,
			VehicleID:   pd.req.VehicleID,
			CommandType: pd.req.CommandType,
			Status:      model.CommandPending,
			IssuedAt:    pd.req.IssuedAt,
		}, true
	}
	out, ok := p.results.Get(requestID)
	return out.result, ok
}

// Await blocks until the request reaches a terminal status or ctx ends. The
// returned error is non-nil for FAILED commands.
func (p *Publisher) Await(ctx context.Context, requestID string) (model.CommandResult, error) {
	p.mu.Lock()
	pd, inflight := p.inflight[requestID]
	out, cached := p.results.Get(requestID)
	p.mu.Unlock()

	switch {
	case inflight:
		select {
		case <-pd.done:
			return pd.out.result, pd.out.err
		case <-ctx.Done():
			return model.CommandResult{}, ctx.Err()
		}
	case cached:
		return out.result, out.err
	}
	return model.CommandResult{}, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
}

// Send publishes req and waits for its outcome.
func (p *Publisher) Send(ctx context.Context, req model.CommandRequest) (model.CommandResult, error) {
	id, err := p.Publish(req)
	if err != nil {
		return model.CommandResult{}, err
	}
	return p.Await(ctx, id)
}

// Close cancels in-flight deliveries and waits for them to settle.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

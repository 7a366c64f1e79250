package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	coremetrics "github.com/kilianp07/fleetstream/core/metrics"
	"github.com/kilianp07/fleetstream/core/monitoring"
	coremqtt "github.com/kilianp07/fleetstream/core/mqtt"
	"github.com/kilianp07/fleetstream/infra/logger"
)

// QoSTelemetry is the Config.QoS key for telemetry subscriptions. Command
// publishes use command.qos.
const QoSTelemetry = "telemetry"

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// PahoClient owns the broker session. It connects on Start, reconnects with
// jittered exponential backoff after a loss and runs the ready hook on every
// (re)connect before reporting itself ready.
type PahoClient struct {
	cfg Config
	log logger.Logger
	rec coremetrics.ConnectionRecorder

	onReady func() error
	onLost  func(error)

	lifecycle sync.Mutex
	started   bool
	cancel    context.CancelFunc
	stopped   chan struct{}
	wg        sync.WaitGroup

	cliMu sync.RWMutex
	cli   pahoClient

	connected atomic.Bool
	ready     atomic.Bool
	lost      chan error
	attempts  atomic.Int64
}

// Option customizes a PahoClient.
type Option func(*PahoClient)

func WithLogger(l logger.Logger) Option {
	return func(p *PahoClient) {
		if l != nil {
			p.log = l
		}
	}
}

func WithRecorder(r coremetrics.ConnectionRecorder) Option {
	return func(p *PahoClient) {
		if r != nil {
			p.rec = r
		}
	}
}

// NewPahoClient prepares a client without connecting.
func NewPahoClient(cfg Config, opts ...Option) *PahoClient {
	cfg.SetDefaults()
	p := &PahoClient{
		cfg:  cfg,
		log:  logger.NopLogger{},
		rec:  coremetrics.NopSink{},
		lost: make(chan error, 1),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// OnReady registers the hook run after every successful connect. A failing
// hook drops the connection and counts as a failed attempt.
func (p *PahoClient) OnReady(fn func() error) { p.onReady = fn }

// OnConnectionLost registers the hook run when an established session drops.
func (p *PahoClient) OnConnectionLost(fn func(error)) { p.onLost = fn }

func (p *PahoClient) client() pahoClient {
	p.cliMu.RLock()
	defer p.cliMu.RUnlock()
	return p.cli
}

// IsConnected reports whether the transport is up.
func (p *PahoClient) IsConnected() bool { return p.connected.Load() }

// Ready reports whether the session is up and subscriptions were restored.
func (p *PahoClient) Ready() bool { return p.ready.Load() }

// Start connects to the broker, retrying up to InitialRetries times, and
// then keeps the session alive until Stop. Calling Start on a started client
// is a no-op.
func (p *PahoClient) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.started {
		return nil
	}

	opts, err := NewClientOptions(p.cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", coremqtt.ErrConnection, err)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) { p.connectionLost(err) })
	cli := newMQTTClient(opts)
	p.cliMu.Lock()
	p.cli = cli
	p.stopped = make(chan struct{})
	p.cliMu.Unlock()

	b := newJitterBackoff(p.cfg.reconnectBase(), p.cfg.reconnectMax())
	var lastErr error
	for attempt := 0; attempt <= p.cfg.InitialRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, b.Next()); err != nil {
				return fmt.Errorf("%w: %w", coremqtt.ErrConnection, err)
			}
		}
		if lastErr = p.connect(ctx, cli); lastErr == nil {
			break
		}
		p.log.Warnf("mqtt connect attempt %d/%d to %s failed: %v", attempt+1, p.cfg.InitialRetries+1, p.cfg.Broker, lastErr)
	}
	if lastErr != nil {
		monitoring.CaptureException(lastErr, map[string]string{"component": "mqtt", "broker": p.cfg.Broker})
		return fmt.Errorf("%w: %s: %w", coremqtt.ErrConnection, p.cfg.Broker, lastErr)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.started = true
	p.wg.Add(1)
	go p.superviseLoop(runCtx)
	return nil
}

// connect performs one attempt including the ready hook.
func (p *PahoClient) connect(ctx context.Context, cli pahoClient) error {
	p.attempts.Add(1)
	tok := cli.Connect()
	if err := wait(ctx, tok, p.cfg.connectTimeout()); err != nil {
		p.record(false, err)
		return err
	}
	p.connected.Store(true)
	if p.onReady != nil {
		if err := p.onReady(); err != nil {
			p.connected.Store(false)
			cli.Disconnect(250)
			p.record(false, err)
			return fmt.Errorf("restore subscriptions: %w", err)
		}
	}
	p.ready.Store(true)
	p.record(true, nil)
	p.log.Infof("mqtt connected to %s", p.cfg.Broker)
	return nil
}

func (p *PahoClient) connectionLost(err error) {
	p.connected.Store(false)
	p.ready.Store(false)
	p.log.Errorf("mqtt connection lost: %v", err)
	p.record(false, err)
	if p.onLost != nil {
		p.onLost(err)
	}
	select {
	case p.lost <- err:
	default:
	}
}

// superviseLoop waits for connection losses and reconnects until ctx ends.
func (p *PahoClient) superviseLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.lost:
		}
		p.reconnect(ctx)
	}
}

func (p *PahoClient) reconnect(ctx context.Context) {
	cli := p.client()
	b := newJitterBackoff(p.cfg.reconnectBase(), p.cfg.reconnectMax())
	for attempt := 1; ; attempt++ {
		d := b.Next()
		p.log.Warnf("mqtt reconnect attempt %d in %s", attempt, d)
		if err := sleep(ctx, d); err != nil {
			return
		}
		err := p.connect(ctx, cli)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		p.log.Warnf("mqtt reconnect attempt %d failed: %v", attempt, err)
	}
}

func (p *PahoClient) record(connected bool, err error) {
	ev := coremetrics.ConnectionEvent{Connected: connected, Attempt: int(p.attempts.Load()), Time: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	if rerr := p.rec.RecordConnection(ev); rerr != nil {
		p.log.Warnf("record connection: %v", rerr)
	}
}

// Stop ends the session and cancels reconnects and in-flight waits.
func (p *PahoClient) Stop() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if !p.started {
		return nil
	}
	p.cancel()
	p.cliMu.Lock()
	close(p.stopped)
	p.cliMu.Unlock()
	p.wg.Wait()
	if cli := p.client(); cli != nil && cli.IsConnected() {
		cli.Disconnect(250)
	}
	p.connected.Store(false)
	p.ready.Store(false)
	p.started = false
	p.log.Infof("mqtt client stopped")
	return nil
}

func (p *PahoClient) stopCh() <-chan struct{} {
	p.cliMu.RLock()
	defer p.cliMu.RUnlock()
	return p.stopped
}

// Publish sends payload and waits until the broker acknowledged it at the
// given QoS, ctx ends or the client stops.
func (p *PahoClient) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	cli := p.client()
	if cli == nil || !p.IsConnected() {
		return coremqtt.ErrNotConnected
	}
	tok := cli.Publish(topic, qos, false, payload)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh():
		return coremqtt.ErrStopped
	}
}

// Subscribe subscribes topic at the telemetry QoS. Panics in handler are
// recovered and reported.
func (p *PahoClient) Subscribe(topic string, handler coremqtt.MessageHandler) error {
	cli := p.client()
	if cli == nil {
		return coremqtt.ErrNotConnected
	}
	tok := cli.Subscribe(topic, p.cfg.qos(QoSTelemetry), p.wrap(handler))
	if err := wait(context.Background(), tok, p.cfg.connectTimeout()); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	p.log.Debugf("subscribed to %s", topic)
	return nil
}

// Unsubscribe removes a subscription.
func (p *PahoClient) Unsubscribe(topic string) error {
	cli := p.client()
	if cli == nil {
		return coremqtt.ErrNotConnected
	}
	if err := wait(context.Background(), cli.Unsubscribe(topic), p.cfg.connectTimeout()); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

func (p *PahoClient) wrap(handler coremqtt.MessageHandler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		defer func() {
			if r := recover(); r != nil {
				p.log.Errorf("mqtt handler panic on %s: %v", msg.Topic(), r)
				monitoring.CapturePanic(r, map[string]string{"component": "mqtt", "topic": msg.Topic()})
			}
		}()
		handler(msg.Topic(), msg.Payload())
	}
}

// wait blocks on a paho token. A zero timeout waits for ctx only.
func wait(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer:
		return coremqtt.ErrAckTimeout
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ coremqtt.Client = (*PahoClient)(nil)

// Package openrail maintains the live subscription to the rail feed
// broker. It owns connecting, durable subscription, reconnection with
// backoff, staleness detection, and the per-topic message queues the
// ingestion drain loop reads from.
package openrail

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"go.uber.org/zap"
)

// Config holds the broker connection settings.
type Config struct {
	// BrokerAddr is the host:port of the STOMP endpoint.
	BrokerAddr string

	Username string
	Password string

	// Topics to subscribe to, one or two in practice.
	Topics []string

	// Durable requests a durable subscription named after ClientID.
	Durable  bool
	ClientID string

	// ConnectWindow bounds the total time spent retrying a connect.
	ConnectWindow time.Duration

	// QueueSize caps each per-topic queue. Messages arriving while a
	// queue is full are dropped and counted.
	QueueSize int
}

const (
	defaultConnectWindow = 200 * time.Second
	defaultQueueSize     = 65536

	initialBackoff = 250 * time.Millisecond
	maxBackoff     = 60 * time.Second

	stalenessInterval = 50 * time.Millisecond
	// Staleness tolerance shrinks when a connection fault was seen
	// recently, so a flaky link gets refreshed sooner.
	toleranceAfterFault = 30 * time.Second
	toleranceNormal     = 120 * time.Second
	recentFaultWindow   = 60 * time.Second

	// New connections spread their receive goroutines with a short
	// randomized delay for the first 30 seconds to avoid all topics
	// contending at once on a fresh subscription backlog.
	spreadWindow   = 30 * time.Second
	maxSpreadDelay = 2 * time.Millisecond
)

// nextBackoff doubles the reconnect delay up to the cap.
func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Conn abstracts the broker session so tests can inject a fake.
type Conn interface {
	Subscribe(topic string) (Subscription, error)
	Close() error
}

// Subscription delivers frames for one topic. The channel closes when
// the subscription dies; a Delivery with Err set precedes the close.
type Subscription interface {
	C() <-chan Delivery
	Unsubscribe() error
}

// Delivery is one raw frame, or a terminal subscription error.
type Delivery struct {
	Body        []byte
	ContentType string
	Err         error
}

// DialFunc opens a broker session. The production implementation is
// stompDial; tests substitute their own.
type DialFunc func(ctx context.Context, cfg Config) (Conn, error)

// Receiver runs the connection state machine and exposes the per-topic
// queues. All observable state is safe for concurrent read.
type Receiver struct {
	cfg  Config
	dial DialFunc
	log  *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	connected     atomic.Bool
	connectedAtMs atomic.Int64
	lastMsgMs     atomic.Int64
	lastFaultMs   atomic.Int64

	counts  map[string]*atomic.Uint64
	dropped map[string]*atomic.Uint64
	queues  map[string]chan Message
	errs    chan error
}

// NewReceiver creates a receiver for the given config. A nil dial
// uses the STOMP implementation.
func NewReceiver(cfg Config, dial DialFunc, log *zap.SugaredLogger) *Receiver {
	if cfg.ConnectWindow <= 0 {
		cfg.ConnectWindow = defaultConnectWindow
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if dial == nil {
		dial = stompDial
	}

	r := &Receiver{
		cfg:     cfg,
		dial:    dial,
		log:     log,
		counts:  make(map[string]*atomic.Uint64, len(cfg.Topics)),
		dropped: make(map[string]*atomic.Uint64, len(cfg.Topics)),
		queues:  make(map[string]chan Message, len(cfg.Topics)),
		errs:    make(chan error, 64),
	}
	for _, topic := range cfg.Topics {
		r.counts[topic] = &atomic.Uint64{}
		r.dropped[topic] = &atomic.Uint64{}
		r.queues[topic] = make(chan Message, cfg.QueueSize)
	}
	return r
}

// Messages returns the queue for a topic, or nil for an unknown topic.
func (r *Receiver) Messages(topic string) <-chan Message {
	return r.queues[topic]
}

// Errors returns the channel connection faults are reported on.
func (r *Receiver) Errors() <-chan error {
	return r.errs
}

// IsConnected reports whether a broker session is currently live.
func (r *Receiver) IsConnected() bool {
	return r.connected.Load()
}

// IsRunning reports whether the management loop is active.
func (r *Receiver) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// MessageCount returns the number of messages received on a topic
// since Start.
func (r *Receiver) MessageCount(topic string) uint64 {
	if c, ok := r.counts[topic]; ok {
		return c.Load()
	}
	return 0
}

// LastMessageAt returns the receive time of the most recent message,
// or the zero time if none has arrived.
func (r *Receiver) LastMessageAt() time.Time {
	ms := r.lastMsgMs.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Start launches the management loop. Starting an already running
// receiver is a no-op.
func (r *Receiver) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.manage(loopCtx)
}

// RequestStop signals cancellation and waits for the management loop
// to tear down the connection and exit.
func (r *Receiver) RequestStop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
}

func (r *Receiver) manage(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(r.done)
	}()

	for {
		sess, err := r.connect(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			// Window exhausted: fatal for this receiver.
			r.pushErr(err)
			r.log.Errorw("broker connect failed", "error", err)
			return
		}

		r.connected.Store(true)
		now := time.Now()
		r.connectedAtMs.Store(now.UnixMilli())
		r.lastMsgMs.Store(now.UnixMilli())
		r.log.Infow("broker connected", "addr", r.cfg.BrokerAddr, "topics", r.cfg.Topics)

		reason := r.monitor(ctx, sess.down)
		r.connected.Store(false)
		r.teardown(sess)

		if reason == monitorCancelled {
			return
		}
		r.log.Warnw("broker connection lost, reconnecting", "reason", reason)
	}
}

// session is one established broker connection with its subscriptions.
// down closes when any subscription faults.
type session struct {
	conn Conn
	subs []Subscription
	down <-chan struct{}
}

// connect runs the backoff loop. It returns an established session, or
// an error when cancelled or the window is exhausted.
func (r *Receiver) connect(ctx context.Context) (*session, error) {
	deadline := time.Now().Add(r.cfg.ConnectWindow)
	backoff := initialBackoff
	var lastErr error

	for {
		if ctx.Err() != nil {
			return nil, context.Canceled
		}

		sess, err := r.attempt(ctx)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		r.lastFaultMs.Store(time.Now().UnixMilli())
		r.log.Warnw("broker connect attempt failed", "error", err, "retry_in", backoff)

		if time.Now().Add(backoff).After(deadline) {
			return nil, &ConnectTimeoutError{Window: r.cfg.ConnectWindow, LastErr: lastErr}
		}

		select {
		case <-ctx.Done():
			return nil, context.Canceled
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

// attempt opens one connection and all subscriptions. Any failure
// tears the partial session down and counts as a failed attempt.
func (r *Receiver) attempt(ctx context.Context) (*session, error) {
	conn, err := r.dial(ctx, r.cfg)
	if err != nil {
		return nil, err
	}

	down := make(chan struct{})
	var downOnce sync.Once
	signalDown := func() { downOnce.Do(func() { close(down) }) }

	subs := make([]Subscription, 0, len(r.cfg.Topics))
	for _, topic := range r.cfg.Topics {
		sub, err := conn.Subscribe(topic)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			_ = conn.Close()
			return nil, err
		}
		subs = append(subs, sub)
		go r.pump(topic, sub, signalDown)
	}
	return &session{conn: conn, subs: subs, down: down}, nil
}

// pump moves one subscription's frames onto the topic queue. It must
// never block on anything but the subscription channel itself.
func (r *Receiver) pump(topic string, sub Subscription, signalDown func()) {
	connectedAt := time.Now()
	queue := r.queues[topic]

	for delivery := range sub.C() {
		if delivery.Err != nil {
			r.lastFaultMs.Store(time.Now().UnixMilli())
			r.pushErr(&ConnectionError{Topic: topic, Err: delivery.Err})
			signalDown()
			return
		}

		if time.Since(connectedAt) < spreadWindow {
			time.Sleep(time.Duration(rand.Int63n(int64(maxSpreadDelay))))
		}

		now := time.Now()
		msg := Message{
			Topic:      topic,
			Kind:       classifyMessage(delivery.ContentType, delivery.Body),
			Body:       delivery.Body,
			ReceivedAt: now,
		}
		r.counts[topic].Add(1)
		r.lastMsgMs.Store(now.UnixMilli())

		select {
		case queue <- msg:
		default:
			r.dropped[topic].Add(1)
		}
	}
	signalDown()
}

type monitorReason string

const (
	monitorCancelled monitorReason = "cancelled"
	monitorStale     monitorReason = "stale"
	monitorFault     monitorReason = "fault"
)

// monitor watches an established session until cancellation, a fault,
// or staleness.
func (r *Receiver) monitor(ctx context.Context, sessionDown <-chan struct{}) monitorReason {
	ticker := time.NewTicker(stalenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return monitorCancelled
		case <-sessionDown:
			return monitorFault
		case <-ticker.C:
			if r.isStale(time.Now()) {
				return monitorStale
			}
		}
	}
}

// isStale reports whether the connection has gone quiet for longer
// than the current tolerance.
func (r *Receiver) isStale(now time.Time) bool {
	last := time.UnixMilli(r.lastMsgMs.Load())
	return now.Sub(last) > r.tolerance(now)
}

func (r *Receiver) tolerance(now time.Time) time.Duration {
	faultMs := r.lastFaultMs.Load()
	if faultMs > 0 && now.Sub(time.UnixMilli(faultMs)) < recentFaultWindow {
		return toleranceAfterFault
	}
	return toleranceNormal
}

// teardown unsubscribes each consumer and closes the session. Each
// step is failure-isolated so a broken close never blocks shutdown.
// Durable subscriptions are left registered: a STOMP UNSUBSCRIBE would
// delete the broker-side durable subscription and lose the backlog.
func (r *Receiver) teardown(sess *session) {
	if sess == nil {
		return
	}
	if !r.cfg.Durable {
		for _, sub := range sess.subs {
			if err := sub.Unsubscribe(); err != nil {
				r.log.Debugw("broker unsubscribe failed", "error", err)
			}
		}
	}
	if err := sess.conn.Close(); err != nil {
		r.log.Debugw("broker close failed", "error", err)
	}
}

func (r *Receiver) pushErr(err error) {
	select {
	case r.errs <- err:
	default:
	}
}

// stompDial opens a STOMP session against the configured broker.
func stompDial(ctx context.Context, cfg Config) (Conn, error) {
	dialer := &net.Dialer{Timeout: 15 * time.Second}
	netConn, err := dialer.DialContext(ctx, "tcp", cfg.BrokerAddr)
	if err != nil {
		return nil, err
	}

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(15*time.Second, 15*time.Second),
	}
	if cfg.Username != "" {
		opts = append(opts, stomp.ConnOpt.Login(cfg.Username, cfg.Password))
	}
	if cfg.Durable && cfg.ClientID != "" {
		opts = append(opts, stomp.ConnOpt.Header("client-id", cfg.ClientID))
	}

	conn, err := stomp.Connect(netConn, opts...)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}
	return &stompConn{conn: conn, cfg: cfg}, nil
}

type stompConn struct {
	conn *stomp.Conn
	cfg  Config
}

func (c *stompConn) Subscribe(topic string) (Subscription, error) {
	var opts []func(*frame.Frame) error
	if c.cfg.Durable && c.cfg.ClientID != "" {
		opts = append(opts, stomp.SubscribeOpt.Header("activemq.subscriptionName", c.cfg.ClientID))
	}

	sub, err := c.conn.Subscribe(topic, stomp.AckAuto, opts...)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery, 16)
	go func() {
		defer close(out)
		for msg := range sub.C {
			if msg == nil {
				return
			}
			if msg.Err != nil {
				out <- Delivery{Err: msg.Err}
				return
			}
			out <- Delivery{Body: msg.Body, ContentType: msg.ContentType}
		}
	}()
	return &stompSubscription{sub: sub, out: out}, nil
}

func (c *stompConn) Close() error {
	return c.conn.Disconnect()
}

type stompSubscription struct {
	sub *stomp.Subscription
	out chan Delivery
}

func (s *stompSubscription) C() <-chan Delivery {
	return s.out
}

func (s *stompSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

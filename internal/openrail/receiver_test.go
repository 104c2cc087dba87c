package openrail

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeSub struct {
	ch           chan Delivery
	unsubscribed atomic.Bool
}

func (s *fakeSub) C() <-chan Delivery { return s.ch }

func (s *fakeSub) Unsubscribe() error {
	s.unsubscribed.Store(true)
	return nil
}

type fakeConn struct {
	mu     sync.Mutex
	subs   map[string]*fakeSub
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{subs: make(map[string]*fakeSub)}
}

func (c *fakeConn) Subscribe(topic string) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &fakeSub{ch: make(chan Delivery, 16)}
	c.subs[topic] = sub
	return sub, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		for _, sub := range c.subs {
			close(sub.ch)
		}
	}
	return nil
}

func (c *fakeConn) deliver(topic string, d Delivery) {
	c.mu.Lock()
	sub := c.subs[topic]
	c.mu.Unlock()
	sub.ch <- d
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}

	d := initialBackoff
	for i, expected := range want {
		if d != expected {
			t.Errorf("step %d = %s, want %s", i, d, expected)
		}
		d = nextBackoff(d)
	}
}

func TestStalenessTolerance(t *testing.T) {
	r := NewReceiver(Config{Topics: []string{"T"}}, func(context.Context, Config) (Conn, error) {
		return nil, errors.New("unused")
	}, zap.NewNop().Sugar())

	now := time.Now()

	// No fault on record: the relaxed tolerance applies.
	if got := r.tolerance(now); got != toleranceNormal {
		t.Errorf("tolerance = %s, want %s", got, toleranceNormal)
	}

	// Fault 10s ago: the aggressive tolerance applies.
	r.lastFaultMs.Store(now.Add(-10 * time.Second).UnixMilli())
	if got := r.tolerance(now); got != toleranceAfterFault {
		t.Errorf("tolerance after recent fault = %s, want %s", got, toleranceAfterFault)
	}

	// Fault 90s ago: outside the recent-fault window.
	r.lastFaultMs.Store(now.Add(-90 * time.Second).UnixMilli())
	if got := r.tolerance(now); got != toleranceNormal {
		t.Errorf("tolerance after old fault = %s, want %s", got, toleranceNormal)
	}
}

func TestIsStale(t *testing.T) {
	r := NewReceiver(Config{Topics: []string{"T"}}, func(context.Context, Config) (Conn, error) {
		return nil, errors.New("unused")
	}, zap.NewNop().Sugar())

	now := time.Now()
	r.lastMsgMs.Store(now.Add(-60 * time.Second).UnixMilli())

	// Quiet for 60s with no recent fault: within the 120s tolerance.
	if r.isStale(now) {
		t.Error("stale after 60s quiet with no fault, want fresh")
	}

	// Same quiet period but a fault 5s ago trips the 30s tolerance.
	r.lastFaultMs.Store(now.Add(-5 * time.Second).UnixMilli())
	if !r.isStale(now) {
		t.Error("fresh after 60s quiet with recent fault, want stale")
	}
}

func TestReceiveAndCounts(t *testing.T) {
	conn := newFakeConn()
	dial := func(context.Context, Config) (Conn, error) { return conn, nil }

	r := NewReceiver(Config{Topics: []string{"TRAIN_MVT"}}, dial, zap.NewNop().Sugar())
	r.Start(context.Background())
	defer r.RequestStop()

	waitFor(t, time.Second, r.IsConnected)

	conn.deliver("TRAIN_MVT", Delivery{Body: []byte(`{"header":{}}`), ContentType: "text/plain"})

	select {
	case msg := <-r.Messages("TRAIN_MVT"):
		if msg.Kind != KindText {
			t.Errorf("kind = %v, want text", msg.Kind)
		}
		if string(msg.Body) != `{"header":{}}` {
			t.Errorf("body = %q", msg.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("message never reached the queue")
	}

	if got := r.MessageCount("TRAIN_MVT"); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}
	if r.LastMessageAt().IsZero() {
		t.Error("last message time not recorded")
	}
}

func TestConnectTimeoutEmbedsLastError(t *testing.T) {
	dialErr := errors.New("connection refused")
	dial := func(context.Context, Config) (Conn, error) { return nil, dialErr }

	r := NewReceiver(Config{
		Topics:        []string{"T"},
		ConnectWindow: 100 * time.Millisecond,
	}, dial, zap.NewNop().Sugar())
	r.Start(context.Background())

	select {
	case err := <-r.Errors():
		var timeout *ConnectTimeoutError
		if !errors.As(err, &timeout) {
			t.Fatalf("error = %v, want ConnectTimeoutError", err)
		}
		if !errors.Is(err, dialErr) {
			t.Errorf("timeout does not wrap the last dial error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error surfaced")
	}

	waitFor(t, time.Second, func() bool { return !r.IsRunning() })
}

func TestCancellationDuringConnectIsNotTimeout(t *testing.T) {
	dial := func(context.Context, Config) (Conn, error) {
		return nil, errors.New("still down")
	}

	r := NewReceiver(Config{
		Topics:        []string{"T"},
		ConnectWindow: time.Hour,
	}, dial, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	waitFor(t, 2*time.Second, func() bool { return !r.IsRunning() })

	select {
	case err := <-r.Errors():
		t.Errorf("cancelled connect surfaced %v, want nothing", err)
	default:
	}
}

func TestReconnectAfterFault(t *testing.T) {
	var dials atomic.Int32
	conns := make(chan *fakeConn, 4)
	dial := func(context.Context, Config) (Conn, error) {
		dials.Add(1)
		c := newFakeConn()
		conns <- c
		return c, nil
	}

	r := NewReceiver(Config{Topics: []string{"T"}}, dial, zap.NewNop().Sugar())
	r.Start(context.Background())
	defer r.RequestStop()

	first := <-conns
	waitFor(t, time.Second, r.IsConnected)

	first.deliver("T", Delivery{Err: errors.New("broker went away")})

	waitFor(t, 5*time.Second, func() bool { return dials.Load() >= 2 })

	select {
	case err := <-r.Errors():
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			t.Errorf("error = %v, want ConnectionError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("fault never surfaced on the error channel")
	}
}

func TestTeardownUnsubscribesConsumers(t *testing.T) {
	conns := make(chan *fakeConn, 4)
	dial := func(context.Context, Config) (Conn, error) {
		c := newFakeConn()
		conns <- c
		return c, nil
	}

	r := NewReceiver(Config{Topics: []string{"T"}}, dial, zap.NewNop().Sugar())
	r.Start(context.Background())

	first := <-conns
	waitFor(t, time.Second, r.IsConnected)
	first.deliver("T", Delivery{Err: errors.New("broker went away")})

	// The faulted session is torn down before the reconnect dials.
	<-conns
	first.mu.Lock()
	sub := first.subs["T"]
	first.mu.Unlock()
	waitFor(t, time.Second, sub.unsubscribed.Load)

	r.RequestStop()
}

func TestTeardownKeepsDurableSubscription(t *testing.T) {
	conn := newFakeConn()
	dial := func(context.Context, Config) (Conn, error) { return conn, nil }

	r := NewReceiver(Config{
		Topics:   []string{"T"},
		Durable:  true,
		ClientID: "traintime-1",
	}, dial, zap.NewNop().Sugar())
	r.Start(context.Background())

	waitFor(t, time.Second, r.IsConnected)
	r.RequestStop()

	conn.mu.Lock()
	sub, closed := conn.subs["T"], conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Error("connection not closed on stop")
	}
	if sub.unsubscribed.Load() {
		t.Error("durable subscription was unsubscribed, want it kept")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	dial := func(context.Context, Config) (Conn, error) { return conn, nil }

	r := NewReceiver(Config{Topics: []string{"T"}}, dial, zap.NewNop().Sugar())
	r.Start(context.Background())
	r.Start(context.Background())
	defer r.RequestStop()

	waitFor(t, time.Second, r.IsConnected)
	if !r.IsRunning() {
		t.Error("not running after Start")
	}
}

func TestClassifyMessage(t *testing.T) {
	cases := []struct {
		contentType string
		body        []byte
		want        MessageKind
	}{
		{"text/plain", []byte("x"), KindText},
		{"application/json", []byte("{}"), KindText},
		{"", []byte("x"), KindText},
		{"application/octet-stream", []byte{0x1}, KindBytes},
		{"text/plain", nil, KindUnsupported},
	}
	for _, tc := range cases {
		if got := classifyMessage(tc.contentType, tc.body); got != tc.want {
			t.Errorf("classify(%q) = %v, want %v", tc.contentType, got, tc.want)
		}
	}
}

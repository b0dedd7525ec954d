package feed

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dquist/feedmux/internal/transport"
)

// fakeTransport implements transport.Client for tests.
type fakeTransport struct {
	connectErr error

	mu        sync.Mutex
	sent      [][]byte
	connected bool
	closed    bool

	messages chan transport.Message
	errors   chan error
}

func newFakeTransport(connectErr error) *fakeTransport {
	return &fakeTransport{
		connectErr: connectErr,
		messages:   make(chan transport.Message, 64),
		errors:     make(chan error, 1),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.connected = false
	close(f.messages)
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Messages() <-chan transport.Message { return f.messages }
func (f *fakeTransport) Errors() <-chan error               { return f.errors }

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// push delivers an inbound frame to the service.
func (f *fakeTransport) push(data string) {
	f.messages <- transport.Message{Data: []byte(data), ReceivedAt: time.Now()}
}

// fail delivers a transport error.
func (f *fakeTransport) fail(err error) {
	f.errors <- err
}

// remoteClose simulates the server dropping the connection.
func (f *fakeTransport) remoteClose() {
	f.Close()
}

// wire decodes everything sent so far.
func (f *fakeTransport) wire(t *testing.T) []wireRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	reqs := make([]wireRequest, 0, len(f.sent))
	for _, data := range f.sent {
		var req wireRequest
		if err := json.Unmarshal(data, &req); err != nil {
			t.Fatalf("sent frame is not a wire request: %v", err)
		}
		reqs = append(reqs, req)
	}
	return reqs
}

// countMethod counts sent frames with the given method.
func (f *fakeTransport) countMethod(t *testing.T, method string) int {
	t.Helper()
	n := 0
	for _, req := range f.wire(t) {
		if req.Method == method {
			n++
		}
	}
	return n
}

// fakeDialer hands out a fresh fakeTransport per connection attempt.
type fakeDialer struct {
	mu          sync.Mutex
	clients     []*fakeTransport
	failAttempt func(n int) error // error for the n-th dial (0-based), nil = success
}

func (d *fakeDialer) dial() transport.Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	var connectErr error
	if d.failAttempt != nil {
		connectErr = d.failAttempt(len(d.clients))
	}
	ft := newFakeTransport(connectErr)
	d.clients = append(d.clients, ft)
	return ft
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

func testConfig(d *fakeDialer) Config {
	cfg := DefaultConfig()
	cfg.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.ReconnectMaxDelay = 40 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	cfg.Dial = d.dial
	return cfg
}

// waitFor polls until cond holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForState(t *testing.T, svc *Service, st State) {
	t.Helper()
	waitFor(t, "state "+string(st), func() bool { return svc.Status() == st })
}

func TestSubscribeRefCounting(t *testing.T) {
	dialer := &fakeDialer{}
	svc := NewService(testConfig(dialer), nil)

	noop := func(json.RawMessage) {}

	// First interest connects lazily and subscribes once.
	release1 := svc.Subscribe("trades", map[string]any{"coin": "BTC"}, noop)
	waitForState(t, svc, StateConnected)

	ft := dialer.last()
	waitFor(t, "subscribe frame", func() bool { return ft.countMethod(t, "subscribe") == 1 })

	// Second consumer on the same topic shares the wire subscription.
	release2 := svc.Subscribe("trades", map[string]any{"coin": "BTC"}, noop)
	time.Sleep(20 * time.Millisecond)
	if got := ft.countMethod(t, "subscribe"); got != 1 {
		t.Errorf("subscribe frames after second consumer = %d, want 1", got)
	}

	// Releasing one consumer keeps the topic on the wire.
	release1()
	if got := ft.countMethod(t, "unsubscribe"); got != 0 {
		t.Errorf("unsubscribe frames after first release = %d, want 0", got)
	}

	// Releasing the last consumer unsubscribes exactly once.
	release2()
	if got := ft.countMethod(t, "unsubscribe"); got != 1 {
		t.Errorf("unsubscribe frames after last release = %d, want 1", got)
	}

	// Release handles are idempotent.
	release2()
	release1()
	if got := ft.countMethod(t, "unsubscribe"); got != 1 {
		t.Errorf("unsubscribe frames after repeated release = %d, want 1", got)
	}
}

func TestSubscribeWhileConnectedSendsImmediately(t *testing.T) {
	dialer := &fakeDialer{}
	svc := NewService(testConfig(dialer), nil)

	svc.Subscribe("trades", map[string]any{"coin": "BTC"}, func(json.RawMessage) {})
	waitForState(t, svc, StateConnected)
	ft := dialer.last()
	waitFor(t, "initial subscribe", func() bool { return ft.countMethod(t, "subscribe") == 1 })

	svc.Subscribe("l2Book", map[string]any{"coin": "BTC", "nSigFigs": 4}, func(json.RawMessage) {})
	waitFor(t, "second subscribe", func() bool { return ft.countMethod(t, "subscribe") == 2 })

	svc.Disconnect()
}

func TestResubscribeOnReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	svc := NewService(testConfig(dialer), nil)

	noop := func(json.RawMessage) {}
	svc.Subscribe("trades", map[string]any{"coin": "BTC"}, noop)
	svc.Subscribe("l2Book", map[string]any{"coin": "ETH"}, noop)
	waitForState(t, svc, StateConnected)

	first := dialer.last()
	waitFor(t, "initial subscribes", func() bool { return first.countMethod(t, "subscribe") == 2 })

	// Server drops the connection; the service reconnects and re-sends the
	// full subscription set with no duplicates and no omissions.
	first.remoteClose()
	waitFor(t, "reconnect", func() bool { return dialer.count() == 2 && dialer.last().IsConnected() })

	second := dialer.last()
	waitFor(t, "resubscribe", func() bool { return second.countMethod(t, "subscribe") == 2 })

	seen := make(map[string]int)
	for _, req := range second.wire(t) {
		if req.Method == "subscribe" {
			seen[TopicKey(req.Subscription["type"].(string), req.Subscription)]++
		}
	}
	for key, n := range seen {
		if n != 1 {
			t.Errorf("topic %s re-subscribed %d times, want 1", key, n)
		}
	}
	if len(seen) != 2 {
		t.Errorf("re-subscribed %d distinct topics, want 2", len(seen))
	}

	svc.Disconnect()
}

func TestReconnectBackoffAndCeiling(t *testing.T) {
	dialer := &fakeDialer{
		failAttempt: func(n int) error { return transport.ErrNotConnected },
	}
	svc := NewService(testConfig(dialer), nil)

	svc.Subscribe("trades", map[string]any{"coin": "BTC"}, func(json.RawMessage) {})

	// Initial dial plus MaxReconnectAttempts retries, then StateError.
	waitForState(t, svc, StateError)
	waitFor(t, "dial attempts", func() bool { return dialer.count() == 4 })

	// Held at error: no further dials.
	time.Sleep(100 * time.Millisecond)
	if got := dialer.count(); got != 4 {
		t.Errorf("dial attempts while held at error = %d, want 4", got)
	}

	// Manual reconnect resets the counter and dials again.
	dialer.mu.Lock()
	dialer.failAttempt = nil
	dialer.mu.Unlock()

	svc.Reconnect()
	waitForState(t, svc, StateConnected)

	svc.mu.Lock()
	attempts := svc.attempts
	svc.mu.Unlock()
	if attempts != 0 {
		t.Errorf("attempt counter after successful open = %d, want 0", attempts)
	}

	svc.Disconnect()
}

func TestNextDelaySequence(t *testing.T) {
	svc := NewService(Config{
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  60 * time.Second,
	}, nil)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for attempt, w := range want {
		if got := svc.nextDelay(attempt); got != w {
			t.Errorf("nextDelay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestScheduleReconnectIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	svc := NewService(testConfig(dialer), nil)

	// Firing both the error and close handlers for one failure must not
	// double-schedule.
	svc.mu.Lock()
	svc.scheduleReconnectLocked()
	timer := svc.retryTimer
	attempts := svc.attempts
	svc.scheduleReconnectLocked()
	sameTimer := svc.retryTimer == timer
	sameAttempts := svc.attempts == attempts
	svc.stopRetryTimerLocked()
	svc.mu.Unlock()

	if !sameTimer {
		t.Error("second schedule replaced the pending timer")
	}
	if !sameAttempts {
		t.Error("second schedule incremented the attempt counter")
	}
}

func TestErrorThenCloseSchedulesOneReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	svc := NewService(testConfig(dialer), nil)

	svc.Subscribe("trades", map[string]any{"coin": "BTC"}, func(json.RawMessage) {})
	waitForState(t, svc, StateConnected)

	// A transport error marks the error state and forces the close, which
	// in turn schedules exactly one reconnect.
	dialer.last().fail(transport.ErrStaleConnection)
	waitFor(t, "reconnect", func() bool { return dialer.count() == 2 })

	time.Sleep(100 * time.Millisecond)
	if got := dialer.count(); got != 2 {
		t.Errorf("dial attempts after single failure = %d, want 2", got)
	}

	svc.Disconnect()
}

func TestPauseResumeRestoresSubscriptionSet(t *testing.T) {
	dialer := &fakeDialer{}
	svc := NewService(testConfig(dialer), nil)

	noop := func(json.RawMessage) {}
	svc.Subscribe("trades", map[string]any{"coin": "BTC"}, noop)
	svc.Subscribe("twapStatus", map[string]any{"coin": "BTC"}, noop)
	waitForState(t, svc, StateConnected)

	ft := dialer.last()
	waitFor(t, "initial subscribes", func() bool { return ft.countMethod(t, "subscribe") == 2 })

	svc.Pause()
	if !svc.IsPaused() {
		t.Fatal("IsPaused() = false after Pause")
	}
	if got := ft.countMethod(t, "unsubscribe"); got != 2 {
		t.Errorf("unsubscribe frames after pause = %d, want 2", got)
	}

	// Pause is idempotent.
	svc.Pause()
	if got := ft.countMethod(t, "unsubscribe"); got != 2 {
		t.Errorf("unsubscribe frames after second pause = %d, want 2", got)
	}

	// Local subscription state survives the pause.
	svc.mu.Lock()
	topics := len(svc.topics)
	svc.mu.Unlock()
	if topics != 2 {
		t.Errorf("local topics during pause = %d, want 2", topics)
	}

	svc.Resume()
	if svc.IsPaused() {
		t.Fatal("IsPaused() = true after Resume")
	}
	if got := ft.countMethod(t, "subscribe"); got != 4 {
		t.Errorf("subscribe frames after resume = %d, want 4", got)
	}

	// Resume is idempotent.
	svc.Resume()
	if got := ft.countMethod(t, "subscribe"); got != 4 {
		t.Errorf("subscribe frames after second resume = %d, want 4", got)
	}

	svc.Disconnect()
}

func TestPauseSuppressesReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	svc := NewService(testConfig(dialer), nil)

	svc.Subscribe("trades", map[string]any{"coin": "BTC"}, func(json.RawMessage) {})
	waitForState(t, svc, StateConnected)

	svc.Pause()

	// A close while paused must not trigger the reconnection policy.
	dialer.last().remoteClose()
	waitForState(t, svc, StateDisconnected)
	time.Sleep(100 * time.Millisecond)
	if got := dialer.count(); got != 1 {
		t.Errorf("dial attempts while paused = %d, want 1", got)
	}

	// Resume with registered topics pursues the connection again.
	svc.Resume()
	waitForState(t, svc, StateConnected)
	if got := dialer.count(); got != 2 {
		t.Errorf("dial attempts after resume = %d, want 2", got)
	}

	svc.Disconnect()
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	svc := NewService(testConfig(dialer), nil)

	svc.Subscribe("trades", map[string]any{"coin": "BTC"}, func(json.RawMessage) {})
	waitForState(t, svc, StateConnected)

	dialer.last().remoteClose()
	svc.Disconnect()

	time.Sleep(100 * time.Millisecond)
	if got := dialer.count(); got != 1 {
		t.Errorf("dial attempts after disconnect = %d, want 1", got)
	}
	if got := svc.Status(); got != StateDisconnected {
		t.Errorf("state after disconnect = %v, want %v", got, StateDisconnected)
	}
}

func TestStatusListeners(t *testing.T) {
	dialer := &fakeDialer{}
	svc := NewService(testConfig(dialer), nil)

	var mu sync.Mutex
	var states []State
	release := svc.SubscribeStatus(func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	svc.Subscribe("trades", map[string]any{"coin": "BTC"}, func(json.RawMessage) {})
	waitFor(t, "status notifications", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	})

	mu.Lock()
	got := append([]State(nil), states...)
	mu.Unlock()
	want := []State{StateConnecting, StateConnected}
	if len(got) != len(want) {
		t.Fatalf("state transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state transitions = %v, want %v", got, want)
		}
	}

	// Released listeners stop receiving; double release is a no-op.
	release()
	release()
	svc.Disconnect()
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	after := len(states)
	mu.Unlock()
	if after != len(want) {
		t.Errorf("released listener still invoked: %d transitions recorded, want %d", after, len(want))
	}
}

func TestParamOrderCollidesToOneSubscription(t *testing.T) {
	dialer := &fakeDialer{}
	svc := NewService(testConfig(dialer), nil)

	noop := func(json.RawMessage) {}
	r1 := svc.Subscribe("l2Book", map[string]any{"coin": "BTC", "nSigFigs": 4}, noop)
	waitForState(t, svc, StateConnected)
	ft := dialer.last()
	waitFor(t, "subscribe frame", func() bool { return ft.countMethod(t, "subscribe") == 1 })

	r2 := svc.Subscribe("l2Book", map[string]any{"nSigFigs": 4, "coin": "BTC"}, noop)
	time.Sleep(20 * time.Millisecond)
	if got := ft.countMethod(t, "subscribe"); got != 1 {
		t.Errorf("subscribe frames for identical params = %d, want 1", got)
	}

	r1()
	r2()
	if got := ft.countMethod(t, "unsubscribe"); got != 1 {
		t.Errorf("unsubscribe frames = %d, want 1", got)
	}

	svc.Disconnect()
}

func TestInboundDelivery(t *testing.T) {
	dialer := &fakeDialer{}
	svc := NewService(testConfig(dialer), nil)

	var mu sync.Mutex
	var payloads []string
	svc.Subscribe("trades", map[string]any{"coin": "BTC"}, func(data json.RawMessage) {
		mu.Lock()
		payloads = append(payloads, string(data))
		mu.Unlock()
	})
	waitForState(t, svc, StateConnected)

	dialer.last().push(`{"channel":"trades","data":[{"coin":"BTC","px":"106000"}]}`)

	waitFor(t, "payload delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads) == 1
	})

	mu.Lock()
	got := payloads[0]
	mu.Unlock()
	if got != `[{"coin":"BTC","px":"106000"}]` {
		t.Errorf("delivered payload = %s", got)
	}

	svc.Disconnect()
}

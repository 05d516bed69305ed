package socket

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/kleeedolinux/resocket/socket/transport"
)

type closeCall struct {
	code   int
	reason string
}

// fakeTransport is driven by the test: nothing happens until open, drop,
// fail or receive is called.
type fakeTransport struct {
	url       string
	protocols []string

	mu         sync.Mutex
	state      transport.ReadyState
	binaryType transport.BinaryType
	started    bool
	sent       []transport.Payload
	closes     []closeCall
	sendErr    error

	onOpen    func()
	onClose   func(transport.CloseEvent)
	onError   func(error)
	onMessage func(transport.MessageEvent)
}

func (f *fakeTransport) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
}

func (f *fakeTransport) BinaryType() transport.BinaryType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.binaryType
}

func (f *fakeTransport) SetBinaryType(bt transport.BinaryType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binaryType = bt
}

func (f *fakeTransport) Send(p transport.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}
	if f.state != transport.Open {
		return transport.ErrNotOpen
	}
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	f.closes = append(f.closes, closeCall{code: code, reason: reason})
	state := f.state
	f.state = transport.Closed
	onClose := f.onClose
	f.mu.Unlock()

	if state == transport.Closed || onClose == nil {
		return nil
	}
	ev := transport.CloseEvent{Code: transport.CloseAbnormalClosure}
	if state == transport.Open {
		ev = transport.CloseEvent{Code: code, Reason: reason, WasClean: true}
	}
	onClose(ev)
	return nil
}

func (f *fakeTransport) OnOpen(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onOpen = fn
}

func (f *fakeTransport) OnClose(fn func(transport.CloseEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = fn
}

func (f *fakeTransport) OnError(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onError = fn
}

func (f *fakeTransport) OnMessage(fn func(transport.MessageEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = fn
}

func (f *fakeTransport) ReadyState() transport.ReadyState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) BufferedAmount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, p := range f.sent {
		n += len(p.Data)
	}
	return n
}

func (f *fakeTransport) Extensions() string {
	return "permessage-deflate"
}

func (f *fakeTransport) Protocol() string {
	if len(f.protocols) == 0 {
		return ""
	}
	return f.protocols[0]
}

func (f *fakeTransport) URL() string {
	return f.url
}

func (f *fakeTransport) open() {
	f.mu.Lock()
	f.state = transport.Open
	onOpen := f.onOpen
	f.mu.Unlock()

	onOpen()
}

// drop simulates the peer going away.
func (f *fakeTransport) drop(code int) {
	f.mu.Lock()
	f.state = transport.Closed
	onClose := f.onClose
	f.mu.Unlock()

	onClose(transport.CloseEvent{Code: code})
}

func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	onError := f.onError
	f.mu.Unlock()

	onError(err)
}

func (f *fakeTransport) receive(ev transport.MessageEvent) {
	f.mu.Lock()
	onMessage := f.onMessage
	f.mu.Unlock()

	onMessage(ev)
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) sentText() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.sent))
	for _, p := range f.sent {
		out = append(out, string(p.Data))
	}
	return out
}

func (f *fakeTransport) closeCalls() []closeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]closeCall(nil), f.closes...)
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	failNext   error
}

func (d *fakeDialer) dial(rawURL string, protocols []string) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failNext; err != nil {
		d.failNext = nil
		return nil, err
	}

	f := &fakeTransport{url: rawURL, protocols: protocols, state: transport.Connecting}
	d.transports = append(d.transports, f)
	return f, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

func (d *fakeDialer) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = err
}

type manualTimer struct {
	mu      sync.Mutex
	tick    func()
	started bool
	stopped bool
}

func (m *manualTimer) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.started = true
	}
}

func (m *manualTimer) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

// fire ticks if the timer is running, like a real ticker would.
func (m *manualTimer) fire() bool {
	m.mu.Lock()
	running := m.started && !m.stopped
	m.mu.Unlock()

	if running {
		m.tick()
	}
	return running
}

func (m *manualTimer) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (m *manualTimers) new(_ time.Duration, tick func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &manualTimer{tick: tick}
	m.timers = append(m.timers, t)
	return t
}

func (m *manualTimers) last() *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers[len(m.timers)-1]
}

// recorder collects notifications in the order handlers saw them.
type recorder struct {
	mu     sync.Mutex
	events []string
	errs   []error
	msgs   []Message
	closes []CloseEvent
}

func (r *recorder) attach(c *Client) {
	c.OnOpen(func() { r.add("open") })
	c.OnReady(func() { r.add("ready") })
	c.OnMessage(func(m Message) {
		r.mu.Lock()
		r.msgs = append(r.msgs, m)
		r.mu.Unlock()
		r.add("message:" + m.Text())
	})
	c.OnError(func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
		r.add("error")
	})
	c.OnClose(func(ev CloseEvent) {
		r.mu.Lock()
		r.closes = append(r.closes, ev)
		r.mu.Unlock()
		r.add(fmt.Sprintf("close:%d", ev.Code))
	})
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(ev string) int {
	n := 0
	for _, e := range r.seen() {
		if e == ev {
			n++
		}
	}
	return n
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

type harness struct {
	client *Client
	dialer *fakeDialer
	timers *manualTimers
	events *recorder
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()

	if cfg.Address == "" {
		cfg.Address = "ws://example.com/x"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = -1
	}

	h := &harness{
		dialer: &fakeDialer{},
		timers: &manualTimers{},
		events: &recorder{},
	}

	opts = append([]Option{
		WithDialer(h.dialer.dial),
		WithTimerFunc(h.timers.new),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}, opts...)

	h.client = New(cfg, opts...)
	h.events.attach(h.client)
	return h
}

// settle waits until everything posted to the client so far has run.
func (h *harness) settle(t *testing.T) {
	t.Helper()

	for i := 0; i < 2; i++ {
		done := make(chan struct{})
		h.client.loop.post(func() { close(done) })

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("client loop did not settle")
		}
	}
}

// connect runs a full open sequence up to ready and returns the handle.
func (h *harness) connect(t *testing.T) *fakeTransport {
	t.Helper()

	n := h.dialer.count()
	h.client.Open()
	h.settle(t)
	require.Equal(t, n+1, h.dialer.count())

	f := h.dialer.last()
	f.open()
	h.settle(t)

	require.True(t, h.timers.last().fire())
	h.settle(t)
	require.True(t, h.client.IsReady())

	return f
}

var errBoom = errors.New("boom")

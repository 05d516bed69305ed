package socket

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kleeedolinux/resocket/debug"
	"github.com/kleeedolinux/resocket/socket/transport"
)

// attempt is one transport handle together with the state that belongs to
// it. Callbacks from a handle that is no longer current are dropped.
type attempt struct {
	id       string
	t        transport.Transport
	timer    Timer
	deadline *time.Timer
	ready    atomic.Bool
	epoch    uint64
	log      *logrus.Entry
}

// Client keeps one logical websocket connection alive. Sends made before
// the connection is ready are queued and flushed in order once it is, and
// an unexpected close is followed by a new connection when AutoReconnect
// is set.
//
// All state changes and all handlers run on a single goroutine owned by
// the client, in the order the underlying events happened.
//
// Reconnects wait for a jittered exponential delay starting at
// ReconnectInitialDelay. To reopen immediately instead, pass
//
//	WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })
type Client struct {
	id  string
	cfg Config
	log *logrus.Entry

	dial       transport.Dialer
	newTimer   TimerFunc
	newBackOff func() backoff.BackOff

	loop loop

	mu         sync.RWMutex
	cur        *attempt
	binaryType transport.BinaryType

	pending queue

	// epoch changes on every explicit close; reconnects scheduled under an
	// older epoch are abandoned.
	epoch   atomic.Uint64
	backoff backoff.BackOff
	retry   *time.Timer

	onOpen    emitter[struct{}]
	onReady   emitter[struct{}]
	onMessage emitter[Message]
	onError   emitter[error]
	onClose   emitter[CloseEvent]
}

type Option func(*Client)

func WithDialer(d transport.Dialer) Option {
	return func(c *Client) {
		c.dial = d
	}
}

func WithTimerFunc(f TimerFunc) Option {
	return func(c *Client) {
		c.newTimer = f
	}
}

func WithLogger(l *logrus.Entry) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithBackOff replaces the reconnect schedule. The function is called once
// per client; the schedule is reset every time a connection becomes ready.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) {
		c.newBackOff = f
	}
}

func New(cfg Config, opts ...Option) *Client {
	cfg.applyDefaults()

	c := &Client{
		id:         generateID(),
		cfg:        cfg,
		binaryType: cfg.BinaryType,
		newTimer:   NewTimer,
		log:        debug.WithComponent("client"),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.log = c.log.WithFields(logrus.Fields{"client": c.id, "url": cfg.Address})

	if c.dial == nil {
		c.dial = transport.WebSocketDialer(cfg.transportOptions(c.log)...)
	}
	if c.newBackOff == nil {
		c.newBackOff = cfg.backOff
	}
	c.backoff = c.newBackOff()

	return c
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Config() Config {
	return c.cfg
}

// Open starts a new connection attempt, replacing the current handle if
// there is one. The previous handle is not closed; its events are ignored
// from now on. Failures are reported to the error handlers.
func (c *Client) Open() {
	c.loop.post(c.open)
}

// Connect is an alias for Open.
func (c *Client) Connect() {
	c.Open()
}

func (c *Client) open() {
	c.cancelRetry()
	c.discard()

	t, err := c.dial(c.cfg.Address, c.cfg.Protocols)
	if err != nil {
		c.log.WithError(err).Debug("dial failed")
		c.setCurrent(nil)
		c.emitError(&Error{Op: "dial", URL: c.cfg.Address, Err: err})
		return
	}

	a := &attempt{
		id:    uuid.NewString(),
		t:     t,
		epoch: c.epoch.Load(),
	}
	a.log = c.log.WithField("attempt", a.id)
	a.timer = c.newTimer(c.cfg.ReadyPollInterval, func() {
		c.loop.post(func() { c.poll(a) })
	})

	c.mu.RLock()
	t.SetBinaryType(c.binaryType)
	c.mu.RUnlock()

	t.OnOpen(func() {
		c.loop.post(func() { c.handleOpen(a) })
	})
	t.OnClose(func(ev transport.CloseEvent) {
		c.loop.post(func() { c.handleClose(a, ev, true) })
	})
	t.OnError(func(err error) {
		c.loop.post(func() { c.handleError(a, err) })
	})
	t.OnMessage(func(ev transport.MessageEvent) {
		c.loop.post(func() { c.handleMessage(a, ev) })
	})

	c.setCurrent(a)
	c.armDeadline(a)

	a.log.Debug("opening")
	t.Start()
}

func (c *Client) discard() {
	a := c.cur
	if a == nil {
		return
	}
	a.timer.Stop()
	c.stopDeadline(a)
	a.ready.Store(false)
}

func (c *Client) setCurrent(a *attempt) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cur = a
}

func (c *Client) handleOpen(a *attempt) {
	if a != c.cur {
		return
	}

	a.log.Debug("transport open")
	c.onOpen.emit(struct{}{})
	a.timer.Start()
}

func (c *Client) poll(a *attempt) {
	if a != c.cur || a.ready.Load() {
		return
	}
	if a.t.ReadyState() != transport.Open {
		return
	}

	a.timer.Stop()
	c.stopDeadline(a)
	a.ready.Store(true)
	c.backoff.Reset()

	a.log.Debug("ready")
	c.onReady.emit(struct{}{})
	c.flush(a)
}

// flush sends everything queued so far. Sends posted while it runs are
// handled after it.
func (c *Client) flush(a *attempt) {
	batch := c.pending.take()
	for i, p := range batch {
		if !c.transmit(a, p) {
			c.pending.requeue(batch[i:])
			return
		}
	}
}

// transmit hands p to the transport. It returns false when p has to wait
// for the next ready connection.
func (c *Client) transmit(a *attempt, p transport.Payload) bool {
	err := a.t.Send(p)
	if err == nil {
		return true
	}

	if errors.Is(err, transport.ErrNotOpen) {
		a.log.Debug("transport no longer open, queueing")
		a.ready.Store(false)
		return false
	}

	c.emitError(&Error{Op: "send", URL: a.t.URL(), Err: err})
	return true
}

func (c *Client) handleClose(a *attempt, ev transport.CloseEvent, reconnect bool) {
	if a != c.cur {
		return
	}

	a.timer.Stop()
	c.stopDeadline(a)
	a.ready.Store(false)

	a.log.WithFields(logrus.Fields{"code": ev.Code, "clean": ev.WasClean}).Debug("closed")
	c.onClose.emit(ev)

	if reconnect && c.cfg.AutoReconnect && a.epoch == c.epoch.Load() {
		c.scheduleReconnect()
	}
}

func (c *Client) handleError(a *attempt, err error) {
	if a != c.cur {
		return
	}
	c.emitError(&Error{Op: "transport", URL: a.t.URL(), Err: err})
}

func (c *Client) handleMessage(a *attempt, ev transport.MessageEvent) {
	if a != c.cur {
		return
	}
	msgs := normalize(ev)
	if msgs == nil {
		a.log.WithField("data", fmt.Sprintf("%T", ev.Data)).Debug("dropping message with unsupported payload")
		return
	}
	for _, msg := range msgs {
		c.onMessage.emit(msg)
	}
}

func (c *Client) emitError(err error) {
	c.log.WithError(err).Debug("error")
	c.onError.emit(err)
}

func (c *Client) scheduleReconnect() {
	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop {
		c.emitError(&Error{Op: "reconnect", URL: c.cfg.Address, Err: ErrReconnectExhausted})
		return
	}

	c.log.WithField("delay", delay).Debug("reconnecting")

	epoch := c.epoch.Load()
	var tm *time.Timer
	tm = time.AfterFunc(delay, func() {
		c.loop.post(func() {
			if c.retry != tm || c.epoch.Load() != epoch {
				return
			}
			c.retry = nil
			c.open()
		})
	})
	c.retry = tm
}

func (c *Client) cancelRetry() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Client) armDeadline(a *attempt) {
	if c.cfg.ConnectTimeout <= 0 {
		return
	}
	a.deadline = time.AfterFunc(c.cfg.ConnectTimeout, func() {
		c.loop.post(func() { c.expire(a) })
	})
}

func (c *Client) stopDeadline(a *attempt) {
	if a.deadline != nil {
		a.deadline.Stop()
	}
}

// expire gives up on an attempt that did not become ready in time. The
// handle keeps its reconnecting close callback.
func (c *Client) expire(a *attempt) {
	if a != c.cur || a.ready.Load() {
		return
	}
	if state := a.t.ReadyState(); state == transport.Closing || state == transport.Closed {
		return
	}

	a.timer.Stop()
	c.emitError(&Error{Op: "connect", URL: a.t.URL(), Err: ErrConnectTimeout})

	if err := a.t.Close(0, ""); err != nil {
		c.emitError(&Error{Op: "close", URL: a.t.URL(), Err: err})
	}
}

// Close closes the connection without an auto-reconnect following it.
func (c *Client) Close() error {
	return c.CloseWithReason(0, "")
}

// CloseWithReason closes with a status code (1000 or 3000-4999, 0 for
// none) and a reason of at most 123 bytes. Only invalid arguments are
// returned; the close itself is reported through the close handlers.
func (c *Client) CloseWithReason(code int, reason string) error {
	if err := transport.ValidateClose(code, reason); err != nil {
		return err
	}

	c.epoch.Add(1)
	c.loop.post(func() { c.close(code, reason) })
	return nil
}

func (c *Client) close(code int, reason string) {
	c.cancelRetry()

	a := c.cur
	if a == nil {
		return
	}

	a.t.OnClose(func(ev transport.CloseEvent) {
		c.loop.post(func() { c.handleClose(a, ev, false) })
	})
	c.stopDeadline(a)

	a.log.WithField("code", code).Debug("closing")
	if err := a.t.Close(code, reason); err != nil {
		c.emitError(&Error{Op: "close", URL: a.t.URL(), Err: err})
	}
}

// Send queues data as a binary message until the connection is ready and
// writes it straight through afterwards.
func (c *Client) Send(data []byte) {
	c.send(transport.Payload{Type: transport.BinaryMessage, Data: append([]byte(nil), data...)})
}

func (c *Client) SendText(text string) {
	c.send(transport.Payload{Type: transport.TextMessage, Data: []byte(text)})
}

// SendJSON sends v encoded as a JSON text message. Only encoding errors are
// returned.
func (c *Client) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.send(transport.Payload{Type: transport.TextMessage, Data: data})
	return nil
}

func (c *Client) send(p transport.Payload) {
	c.loop.post(func() {
		a := c.cur
		if a == nil || !a.ready.Load() {
			c.pending.push(p)
			return
		}
		if !c.transmit(a, p) {
			c.pending.requeue([]transport.Payload{p})
		}
	})
}

func (c *Client) OnOpen(fn func()) *Subscription {
	return c.onOpen.on(func(struct{}) { fn() })
}

func (c *Client) OnReady(fn func()) *Subscription {
	return c.onReady.on(func(struct{}) { fn() })
}

func (c *Client) OnMessage(fn func(Message)) *Subscription {
	return c.onMessage.on(fn)
}

func (c *Client) OnError(fn func(error)) *Subscription {
	return c.onError.on(fn)
}

func (c *Client) OnClose(fn func(CloseEvent)) *Subscription {
	return c.onClose.on(fn)
}

// Off removes every handler registered for event.
func (c *Client) Off(event Event) {
	switch event {
	case EventOpen:
		c.onOpen.off()
	case EventReady:
		c.onReady.off()
	case EventMessage:
		c.onMessage.off()
	case EventError:
		c.onError.off()
	case EventClose:
		c.onClose.off()
	}
}

func (c *Client) current() transport.Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cur == nil {
		return nil
	}
	return c.cur.t
}

// IsReady reports whether the current connection passed its readiness
// check and has not closed since.
func (c *Client) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.cur != nil && c.cur.ready.Load()
}

// Pending is the number of payloads waiting for a ready connection.
func (c *Client) Pending() int {
	return c.pending.len()
}

func (c *Client) BinaryType() transport.BinaryType {
	if t := c.current(); t != nil {
		return t.BinaryType()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.binaryType
}

// SetBinaryType applies to the current handle and every later one.
func (c *Client) SetBinaryType(bt transport.BinaryType) {
	if bt == "" {
		bt = transport.ArrayBuffer
	}

	c.mu.Lock()
	c.binaryType = bt
	c.mu.Unlock()

	if t := c.current(); t != nil {
		t.SetBinaryType(bt)
	}
}

func (c *Client) BufferedAmount() int {
	if t := c.current(); t != nil {
		return t.BufferedAmount()
	}
	return 0
}

func (c *Client) Extensions() string {
	if t := c.current(); t != nil {
		return t.Extensions()
	}
	return ""
}

func (c *Client) Protocol() string {
	if t := c.current(); t != nil {
		return t.Protocol()
	}
	return ""
}

func (c *Client) ReadyState() transport.ReadyState {
	if t := c.current(); t != nil {
		return t.ReadyState()
	}
	return transport.Closed
}

func (c *Client) URL() string {
	if t := c.current(); t != nil {
		return t.URL()
	}
	return c.cfg.Address
}

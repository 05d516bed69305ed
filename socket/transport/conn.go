package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/kleeedolinux/resocket/debug"
)

// wire is the part of a connection that differs between websocket
// libraries. Conn drives it from its read and write pumps.
type wire interface {
	nextReader() (MessageType, io.Reader, error)
	write(p Payload) error
	writeClose(code int, reason string) error
	closeNow() error
	closeStatus(err error) (code int, reason string, ok bool)
	subprotocol() string
}

type dialFunc func(ctx context.Context) (wire, http.Header, error)

type outbound struct {
	payload Payload
	close   bool
	code    int
	reason  string
}

// Conn implements Transport on top of a wire. It owns the connection
// state, the callback slots, bufferedAmount and the read/write pumps.
type Conn struct {
	url          string
	protocols    []string
	dial         dialFunc
	closeTimeout time.Duration
	chunkSize    int
	log          *logrus.Entry

	state    atomic.Int32
	buffered atomic.Int64

	mu         sync.Mutex
	binaryType BinaryType
	onOpen     func()
	onClose    func(CloseEvent)
	onError    func(error)
	onMessage  func(MessageEvent)
	w          wire
	extensions string
	protocol   string
	started    bool
	cancelDial context.CancelFunc
	closeTimer *time.Timer
	outq       []outbound

	wake     chan struct{}
	tmb      tomb.Tomb
	finished sync.Once
}

func newConn(u string, protocols []string, dial dialFunc, o *options) *Conn {
	c := &Conn{
		url:          u,
		protocols:    append([]string(nil), protocols...),
		dial:         dial,
		closeTimeout: o.closeTimeout,
		chunkSize:    o.chunkSize,
		log:          o.logger.WithField("url", u),
		binaryType:   ArrayBuffer,
		wake:         make(chan struct{}, 1),
	}
	c.state.Store(int32(Connecting))
	return c
}

func (c *Conn) Start() {
	c.mu.Lock()
	if c.started || c.ReadyState() != Connecting {
		c.mu.Unlock()
		return
	}
	c.started = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.mu.Unlock()

	go c.connect(ctx)
}

func (c *Conn) connect(ctx context.Context) {
	c.log.Debug("dialing")

	w, header, err := c.dial(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.log.WithError(err).Debug("dial failed")
			c.emitError(err)
		}
		c.finish(CloseEvent{Code: CloseAbnormalClosure})
		return
	}

	c.mu.Lock()
	if c.ReadyState() != Connecting {
		c.mu.Unlock()
		w.closeNow()
		c.finish(CloseEvent{Code: CloseAbnormalClosure})
		return
	}
	c.w = w
	c.protocol = w.subprotocol()
	if header != nil {
		c.extensions = header.Get("Sec-WebSocket-Extensions")
	}
	c.state.Store(int32(Open))
	onOpen := c.onOpen
	c.mu.Unlock()

	c.log.WithField("protocol", c.protocol).Debug("connected")

	if onOpen != nil {
		onOpen()
	}

	c.tmb.Go(c.readPump)
	c.tmb.Go(c.writePump)
}

func (c *Conn) readPump() error {
	defer c.log.Debug("read pump stopped")

	for {
		typ, r, err := c.w.nextReader()
		if err == nil {
			var data interface{}
			data, err = c.readMessage(typ, r)
			if err == nil {
				c.emitMessage(MessageEvent{Type: typ, Data: data})
				continue
			}
		}

		ev := CloseEvent{Code: CloseAbnormalClosure}
		if code, reason, ok := c.w.closeStatus(err); ok {
			ev = CloseEvent{Code: code, Reason: reason, WasClean: true}
		} else if c.ReadyState() == Open {
			c.log.WithError(err).Debug("read failed")
			c.emitError(err)
		}

		c.w.closeNow()
		c.tmb.Kill(nil)
		c.finish(ev)
		return nil
	}
}

func (c *Conn) readMessage(typ MessageType, r io.Reader) (interface{}, error) {
	if typ == TextMessage {
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}

	switch c.BinaryType() {
	case NodeBuffer:
		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(r); err != nil {
			return nil, err
		}
		return buf, nil
	case Fragments:
		return readFragments(r, c.chunkSize)
	default:
		return io.ReadAll(r)
	}
}

func readFragments(r io.Reader, chunkSize int) ([][]byte, error) {
	fragments := make([][]byte, 0, 1)
	chunk := make([]byte, chunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			fragments = append(fragments, append([]byte(nil), chunk[:n]...))
		}
		if err == io.EOF {
			return fragments, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *Conn) writePump() error {
	defer c.log.Debug("write pump stopped")

	for {
		select {
		case <-c.tmb.Dying():
			return nil
		case <-c.wake:
		}

		for {
			item, ok := c.dequeue()
			if !ok {
				break
			}

			if item.close {
				if err := c.w.writeClose(item.code, item.reason); err != nil {
					err = multierror.Append(err, c.w.closeNow())
					c.log.WithError(err).Debug("close frame failed")
					return nil
				}
				c.armCloseTimeout()
				return nil
			}

			err := c.w.write(item.payload)
			c.buffered.Add(-int64(len(item.payload.Data)))
			if err != nil {
				c.log.WithError(err).Debug("write failed")
				c.emitError(err)
				c.w.closeNow()
				return nil
			}
		}
	}
}

func (c *Conn) enqueue(item outbound) {
	c.mu.Lock()
	c.outq = append(c.outq, item)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conn) dequeue() (outbound, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.outq) == 0 {
		return outbound{}, false
	}
	item := c.outq[0]
	c.outq[0] = outbound{}
	c.outq = c.outq[1:]
	return item, true
}

func (c *Conn) armCloseTimeout() {
	if c.closeTimeout <= 0 {
		return
	}

	c.mu.Lock()
	w := c.w
	c.closeTimer = time.AfterFunc(c.closeTimeout, func() {
		c.log.Debug("close handshake timed out")
		w.closeNow()
	})
	c.mu.Unlock()
}

func (c *Conn) finish(ev CloseEvent) {
	c.finished.Do(func() {
		c.mu.Lock()
		c.state.Store(int32(Closed))
		if c.closeTimer != nil {
			c.closeTimer.Stop()
		}
		if c.cancelDial != nil {
			c.cancelDial()
		}
		for _, item := range c.outq {
			if !item.close {
				c.buffered.Add(-int64(len(item.payload.Data)))
			}
		}
		c.outq = nil
		onClose := c.onClose
		c.mu.Unlock()

		c.log.WithFields(logrus.Fields{"code": ev.Code, "clean": ev.WasClean}).Debug("closed")

		if onClose != nil {
			onClose(ev)
		}
	})
}

func (c *Conn) Send(p Payload) error {
	if c.ReadyState() != Open {
		return ErrNotOpen
	}

	c.buffered.Add(int64(len(p.Data)))
	c.enqueue(outbound{payload: p})
	return nil
}

func (c *Conn) Close(code int, reason string) error {
	if err := ValidateClose(code, reason); err != nil {
		return err
	}

	c.mu.Lock()
	switch c.ReadyState() {
	case Closing, Closed:
		c.mu.Unlock()
		return nil
	case Connecting:
		c.state.Store(int32(Closing))
		started := c.started
		cancel := c.cancelDial
		c.mu.Unlock()

		if started {
			cancel()
		} else {
			c.finish(CloseEvent{Code: CloseAbnormalClosure})
		}
		return nil
	}
	c.state.Store(int32(Closing))
	c.mu.Unlock()

	c.enqueue(outbound{close: true, code: code, reason: reason})
	return nil
}

// Wait blocks until the pumps of an opened connection have stopped.
func (c *Conn) Wait() error {
	return c.tmb.Wait()
}

func (c *Conn) emitError(err error) {
	c.mu.Lock()
	onError := c.onError
	c.mu.Unlock()

	if onError != nil {
		onError(err)
	}
}

func (c *Conn) emitMessage(ev MessageEvent) {
	c.mu.Lock()
	onMessage := c.onMessage
	c.mu.Unlock()

	if onMessage != nil {
		onMessage(ev)
	}
}

func (c *Conn) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = fn
}

func (c *Conn) OnClose(fn func(CloseEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

func (c *Conn) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

func (c *Conn) OnMessage(fn func(MessageEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *Conn) BinaryType() BinaryType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binaryType
}

func (c *Conn) SetBinaryType(bt BinaryType) {
	if bt == "" {
		bt = ArrayBuffer
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binaryType = bt
}

func (c *Conn) ReadyState() ReadyState {
	return ReadyState(c.state.Load())
}

func (c *Conn) BufferedAmount() int {
	return int(c.buffered.Load())
}

func (c *Conn) Extensions() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extensions
}

func (c *Conn) Protocol() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

func (c *Conn) URL() string {
	return c.url
}

// DefaultReadLimit applies to both websocket libraries so they accept the
// same messages.
const DefaultReadLimit = 32 << 20

type options struct {
	headers          http.Header
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	closeTimeout     time.Duration
	compression      bool
	readLimit        int64
	chunkSize        int
	logger           *logrus.Entry
}

type WebSocketOption func(*options)

func WithHeaders(headers http.Header) WebSocketOption {
	return func(o *options) {
		o.headers = headers.Clone()
	}
}

func WithHandshakeTimeout(timeout time.Duration) WebSocketOption {
	return func(o *options) {
		o.handshakeTimeout = timeout
	}
}

func WithWriteTimeout(timeout time.Duration) WebSocketOption {
	return func(o *options) {
		o.writeTimeout = timeout
	}
}

func WithCloseTimeout(timeout time.Duration) WebSocketOption {
	return func(o *options) {
		o.closeTimeout = timeout
	}
}

func WithCompression(enabled bool) WebSocketOption {
	return func(o *options) {
		o.compression = enabled
	}
}

// WithReadLimit caps the size of one inbound message. Zero keeps
// DefaultReadLimit.
func WithReadLimit(limit int64) WebSocketOption {
	return func(o *options) {
		if limit > 0 {
			o.readLimit = limit
		}
	}
}

// WithFragmentSize bounds the chunks produced in Fragments mode.
func WithFragmentSize(size int) WebSocketOption {
	return func(o *options) {
		if size > 0 {
			o.chunkSize = size
		}
	}
}

func WithLogger(logger *logrus.Entry) WebSocketOption {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []WebSocketOption) *options {
	o := &options{
		headers:          make(http.Header),
		handshakeTimeout: 10 * time.Second,
		writeTimeout:     10 * time.Second,
		closeTimeout:     5 * time.Second,
		readLimit:        DefaultReadLimit,
		chunkSize:        4096,
		logger:           debug.WithComponent("transport"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

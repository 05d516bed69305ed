package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

type coderWire struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewCoderWebSocket builds a Transport on github.com/coder/websocket. It
// behaves like NewWebSocket and exists so either library can sit under a
// client.
func NewCoderWebSocket(rawURL string, protocols []string, opts ...WebSocketOption) (*Conn, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if err := ValidateProtocols(protocols); err != nil {
		return nil, err
	}

	o := newOptions(opts)

	dialOpts := &websocket.DialOptions{
		HTTPHeader:      o.headers,
		Subprotocols:    protocols,
		CompressionMode: websocket.CompressionDisabled,
	}
	if o.compression {
		dialOpts.CompressionMode = websocket.CompressionContextTakeover
	}
	target := u.String()

	dial := func(ctx context.Context) (wire, http.Header, error) {
		if o.handshakeTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.handshakeTimeout)
			defer cancel()
		}

		conn, resp, err := websocket.Dial(ctx, target, dialOpts)
		if err != nil {
			return nil, nil, fmt.Errorf("websocket dial: %w", err)
		}
		conn.SetReadLimit(o.readLimit)

		var header http.Header
		if resp != nil {
			header = resp.Header
		}
		return &coderWire{conn: conn, writeTimeout: o.writeTimeout}, header, nil
	}

	return newConn(rawURL, protocols, dial, o), nil
}

func CoderDialer(opts ...WebSocketOption) Dialer {
	return func(rawURL string, protocols []string) (Transport, error) {
		c, err := NewCoderWebSocket(rawURL, protocols, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func (w *coderWire) nextReader() (MessageType, io.Reader, error) {
	typ, r, err := w.conn.Reader(context.Background())
	if err != nil {
		return 0, nil, err
	}
	if typ == websocket.MessageText {
		return TextMessage, r, nil
	}
	return BinaryMessage, r, nil
}

func (w *coderWire) write(p Payload) error {
	ctx := context.Background()
	if w.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.writeTimeout)
		defer cancel()
	}

	typ := websocket.MessageBinary
	if p.Type == TextMessage {
		typ = websocket.MessageText
	}
	return w.conn.Write(ctx, typ, p.Data)
}

// writeClose runs the full close handshake; the read pump observes the
// peer's close frame and reports the close event.
func (w *coderWire) writeClose(code int, reason string) error {
	status := websocket.StatusCode(code)
	if code == 0 {
		status = websocket.StatusNoStatusRcvd
	}
	go w.conn.Close(status, reason)
	return nil
}

func (w *coderWire) closeNow() error {
	return w.conn.CloseNow()
}

func (w *coderWire) closeStatus(err error) (int, string, bool) {
	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.StatusAbnormalClosure {
		return int(ce.Code), ce.Reason, true
	}
	return 0, "", false
}

func (w *coderWire) subprotocol() string {
	return w.conn.Subprotocol()
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

type gorillaWire struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWebSocket builds a gorilla/websocket backed Transport. The URL and
// sub-protocols are validated here; the handshake only happens after Start.
func NewWebSocket(rawURL string, protocols []string, opts ...WebSocketOption) (*Conn, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if err := ValidateProtocols(protocols); err != nil {
		return nil, err
	}

	o := newOptions(opts)

	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  o.handshakeTimeout,
		Subprotocols:      protocols,
		EnableCompression: o.compression,
	}
	target := u.String()

	dial := func(ctx context.Context) (wire, http.Header, error) {
		conn, resp, err := dialer.DialContext(ctx, target, o.headers)
		if err != nil {
			if resp != nil {
				return nil, nil, fmt.Errorf("websocket handshake: %w (status %s)", err, resp.Status)
			}
			return nil, nil, fmt.Errorf("websocket dial: %w", err)
		}
		conn.SetReadLimit(o.readLimit)
		return &gorillaWire{conn: conn, writeTimeout: o.writeTimeout}, resp.Header, nil
	}

	return newConn(rawURL, protocols, dial, o), nil
}

func WebSocketDialer(opts ...WebSocketOption) Dialer {
	return func(rawURL string, protocols []string) (Transport, error) {
		c, err := NewWebSocket(rawURL, protocols, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func (g *gorillaWire) nextReader() (MessageType, io.Reader, error) {
	mt, r, err := g.conn.NextReader()
	if err != nil {
		return 0, nil, err
	}
	return MessageType(mt), r, nil
}

func (g *gorillaWire) write(p Payload) error {
	if g.writeTimeout > 0 {
		if err := g.conn.SetWriteDeadline(time.Now().Add(g.writeTimeout)); err != nil {
			return err
		}
	}
	return g.conn.WriteMessage(int(p.Type), p.Data)
}

func (g *gorillaWire) writeClose(code int, reason string) error {
	if code == 0 {
		code = CloseNoStatusReceived
	}
	msg := websocket.FormatCloseMessage(code, reason)
	return g.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (g *gorillaWire) closeNow() error {
	return g.conn.Close()
}

func (g *gorillaWire) closeStatus(err error) (int, string, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (g *gorillaWire) subprotocol() string {
	return g.conn.Subprotocol()
}

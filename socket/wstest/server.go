// Package wstest runs throwaway websocket servers for tests, in the spirit
// of net/http/httptest.
package wstest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kleeedolinux/resocket/debug"
)

type Frame struct {
	ConnID string
	Type   int
	Data   []byte
}

type Server struct {
	URL string

	srv      *httptest.Server
	upgrader websocket.Upgrader
	echo     bool

	mu    sync.Mutex
	conns []*Conn

	accepted chan *Conn
	received chan Frame
	done     chan struct{}
	once     sync.Once
}

type ServerOption func(*Server)

func WithSubprotocols(protocols ...string) ServerOption {
	return func(s *Server) {
		s.upgrader.Subprotocols = protocols
	}
}

func WithCompression() ServerOption {
	return func(s *Server) {
		s.upgrader.EnableCompression = true
	}
}

// WithEcho writes every inbound message back on the connection it came from.
func WithEcho() ServerOption {
	return func(s *Server) {
		s.echo = true
	}
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		accepted: make(chan *Conn, 64),
		received: make(chan Frame, 1024),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.srv = httptest.NewServer(s)
	s.URL = "ws" + strings.TrimPrefix(s.srv.URL, "http")

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Printf("wstest: upgrade failed: %v", err)
		return
	}

	c := newConn(uuid.NewString(), ws, r.Header.Clone())

	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	select {
	case s.accepted <- c:
	default:
	}

	s.readLoop(c)
}

func (s *Server) readLoop(c *Conn) {
	defer c.shutdown()

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			debug.Printf("wstest %s: read error: %v", c.ID, err)
			return
		}

		select {
		case s.received <- Frame{ConnID: c.ID, Type: mt, Data: data}:
		case <-s.done:
			return
		}

		if s.echo {
			c.Write(mt, data)
		}
	}
}

// Accepted yields every connection as soon as its upgrade completes.
func (s *Server) Accepted() <-chan *Conn {
	return s.accepted
}

// Received yields every data frame read from any connection, in order.
func (s *Server) Received() <-chan Frame {
	return s.received
}

func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conn(nil), s.conns...)
}

func (s *Server) Broadcast(mt int, data []byte) {
	for _, c := range s.Conns() {
		c.Write(mt, data)
	}
}

// CloseAll starts a close handshake on every connection.
func (s *Server) CloseAll(code int, reason string) {
	for _, c := range s.Conns() {
		c.Close(code, reason)
	}
}

// DropAll tears down every TCP connection without a close frame.
func (s *Server) DropAll() {
	for _, c := range s.Conns() {
		c.Drop()
	}
}

func (s *Server) Close() {
	s.once.Do(func() {
		close(s.done)
		s.DropAll()
		s.srv.Close()
	})
}

type Conn struct {
	ID     string
	Header http.Header

	ws       *websocket.Conn
	sendCh   chan outbound
	closeCh  chan struct{}
	writeWg  sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	shutOnce sync.Once
}

type outbound struct {
	mt   int
	data []byte
}

func newConn(id string, ws *websocket.Conn, header http.Header) *Conn {
	c := &Conn{
		ID:      id,
		Header:  header,
		ws:      ws,
		sendCh:  make(chan outbound, 256),
		closeCh: make(chan struct{}),
	}

	c.writeWg.Add(1)
	go c.writePump()

	return c
}

func (c *Conn) Subprotocol() string {
	return c.ws.Subprotocol()
}

func (c *Conn) writePump() {
	defer c.writeWg.Done()

	for {
		select {
		case <-c.closeCh:
			return
		case msg := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.ws.WriteMessage(msg.mt, msg.data); err != nil {
				debug.Printf("wstest %s: write error: %v", c.ID, err)
				return
			}
		}
	}
}

func (c *Conn) Write(mt int, data []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}

	select {
	case c.sendCh <- outbound{mt: mt, data: data}:
	case <-c.closeCh:
	}
}

func (c *Conn) WriteText(text string) {
	c.Write(websocket.TextMessage, []byte(text))
}

// Close sends a close frame and gives the peer a second to answer before
// the socket is torn down.
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.ws.SetReadDeadline(time.Now().Add(time.Second))
}

func (c *Conn) Drop() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.shutdown()
}

func (c *Conn) shutdown() {
	c.shutOnce.Do(func() {
		close(c.closeCh)
		c.writeWg.Wait()
		c.ws.Close()
	})
}

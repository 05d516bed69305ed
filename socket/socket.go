package socket

import (
	"errors"
	"fmt"

	"github.com/kleeedolinux/resocket/socket/transport"
)

type Event string

const (
	EventOpen    Event = "open"
	EventReady   Event = "ready"
	EventMessage Event = "message"
	EventError   Event = "error"
	EventClose   Event = "close"
)

// Message is one inbound message with its payload normalized to bytes.
type Message struct {
	Type transport.MessageType
	Data []byte
}

func (m Message) Text() string {
	return string(m.Data)
}

type CloseEvent = transport.CloseEvent

type Socket interface {
	ID() string

	Open()

	Send(data []byte)

	SendText(text string)

	Close() error

	ReadyState() transport.ReadyState

	IsReady() bool
}

var _ Socket = (*Client)(nil)

// Error is the value delivered to error handlers. Op names the step that
// failed: dial, transport, send, close, connect or reconnect.
type Error struct {
	Op  string
	URL string
	Err error
}

func (e *Error) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("socket %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("socket %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrNoAddress          = errors.New("no address configured")
	ErrConnectTimeout     = errors.New("connection not ready before timeout")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

package transport

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type ReadyState int32

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// BinaryType selects how inbound binary messages are handed to OnMessage:
// ArrayBuffer delivers a []byte, NodeBuffer a *bytes.Buffer and Fragments
// a [][]byte holding the chunks as they were read off the wire.
type BinaryType string

const (
	ArrayBuffer BinaryType = "arraybuffer"
	NodeBuffer  BinaryType = "nodebuffer"
	Fragments   BinaryType = "fragments"
)

func ParseBinaryType(s string) (BinaryType, error) {
	switch bt := BinaryType(strings.ToLower(strings.TrimSpace(s))); bt {
	case "":
		return ArrayBuffer, nil
	case ArrayBuffer, NodeBuffer, Fragments:
		return bt, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBinaryType, s)
	}
}

func (b *BinaryType) UnmarshalText(text []byte) error {
	bt, err := ParseBinaryType(string(text))
	if err != nil {
		return err
	}
	*b = bt
	return nil
}

// MessageType values match the opcodes used on the wire.
type MessageType int

const (
	TextMessage   MessageType = 1
	BinaryMessage MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

type Payload struct {
	Type MessageType
	Data []byte
}

// MessageEvent carries one inbound message. Data is a string for text
// messages and depends on the BinaryType for binary ones.
type MessageEvent struct {
	Type MessageType
	Data interface{}
}

type CloseEvent struct {
	Code     int
	Reason   string
	WasClean bool
}

const (
	CloseNormalClosure    = 1000
	CloseGoingAway        = 1001
	CloseNoStatusReceived = 1005
	CloseAbnormalClosure  = 1006
)

// Transport is a single websocket connection in the shape the client
// drives: construction performs no I/O, Start begins the opening handshake
// and every state change is reported through the On* callbacks.
type Transport interface {
	Start()

	BinaryType() BinaryType
	SetBinaryType(BinaryType)

	Send(p Payload) error
	Close(code int, reason string) error

	OnOpen(func())
	OnClose(func(CloseEvent))
	OnError(func(error))
	OnMessage(func(MessageEvent))

	ReadyState() ReadyState
	BufferedAmount() int
	Extensions() string
	Protocol() string
	URL() string
}

// Dialer constructs a Transport for the given address and sub-protocols.
type Dialer func(rawURL string, protocols []string) (Transport, error)

var (
	ErrNotOpen           = errors.New("transport is not open")
	ErrInvalidURL        = errors.New("invalid websocket url")
	ErrInvalidProtocol   = errors.New("invalid sub-protocol")
	ErrInvalidCloseCode  = errors.New("invalid close code")
	ErrReasonTooLong     = errors.New("close reason longer than 123 bytes")
	ErrInvalidBinaryType = errors.New("invalid binary type")
)

func ParseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if u.Fragment != "" {
		return nil, fmt.Errorf("%w: fragment not allowed", ErrInvalidURL)
	}

	return u, nil
}

func ValidateProtocols(protocols []string) error {
	seen := make(map[string]struct{}, len(protocols))
	for _, p := range protocols {
		if !isToken(p) {
			return fmt.Errorf("%w: %q", ErrInvalidProtocol, p)
		}
		key := strings.ToLower(p)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: %q requested twice", ErrInvalidProtocol, p)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// ValidateClose accepts code 0 (no status), 1000 and the 3000-4999
// application range.
func ValidateClose(code int, reason string) error {
	if code != 0 && code != CloseNormalClosure && (code < 3000 || code > 4999) {
		return fmt.Errorf("%w: %d", ErrInvalidCloseCode, code)
	}
	if len(reason) > 123 {
		return ErrReasonTooLong
	}
	return nil
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= 0x20 || c >= 0x7f || strings.IndexByte(`()<>@,;:\"/[]?={}`, c) >= 0 {
			return false
		}
	}
	return true
}

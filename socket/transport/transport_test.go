package transport

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "ws://host/x", want: "ws://host/x"},
		{in: "wss://host:8443/feed?x=1", want: "wss://host:8443/feed?x=1"},
		{in: "http://host/x", want: "ws://host/x"},
		{in: "https://host/x", want: "wss://host/x"},
		{in: "ftp://host/x", err: true},
		{in: "ws:///x", err: true},
		{in: "ws://host/x#top", err: true},
		{in: "://bad", err: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			u, err := ParseURL(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, ErrInvalidURL)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}
}

func TestValidateProtocols(t *testing.T) {
	assert.NoError(t, ValidateProtocols(nil))
	assert.NoError(t, ValidateProtocols([]string{"chat", "v2.chat", "x-custom"}))

	assert.ErrorIs(t, ValidateProtocols([]string{""}), ErrInvalidProtocol)
	assert.ErrorIs(t, ValidateProtocols([]string{"has space"}), ErrInvalidProtocol)
	assert.ErrorIs(t, ValidateProtocols([]string{"a,b"}), ErrInvalidProtocol)
	assert.ErrorIs(t, ValidateProtocols([]string{"chat", "Chat"}), ErrInvalidProtocol)
}

func TestValidateClose(t *testing.T) {
	for _, code := range []int{0, 1000, 3000, 4999} {
		assert.NoError(t, ValidateClose(code, ""), code)
	}
	for _, code := range []int{1, 999, 1001, 1006, 2999, 5000} {
		assert.ErrorIs(t, ValidateClose(code, ""), ErrInvalidCloseCode, code)
	}

	assert.NoError(t, ValidateClose(1000, strings.Repeat("a", 123)))
	assert.ErrorIs(t, ValidateClose(1000, strings.Repeat("a", 124)), ErrReasonTooLong)
}

func TestParseBinaryType(t *testing.T) {
	for in, want := range map[string]BinaryType{
		"":            ArrayBuffer,
		"arraybuffer": ArrayBuffer,
		"NodeBuffer":  NodeBuffer,
		" fragments ": Fragments,
	} {
		got, err := ParseBinaryType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseBinaryType("blob")
	assert.ErrorIs(t, err, ErrInvalidBinaryType)

	var bt BinaryType
	require.NoError(t, bt.UnmarshalText([]byte("fragments")))
	assert.Equal(t, Fragments, bt)
	assert.Error(t, bt.UnmarshalText([]byte("blob")))
	assert.Equal(t, Fragments, bt)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "CONNECTING", Connecting.String())
	assert.Equal(t, "OPEN", Open.String())
	assert.Equal(t, "CLOSING", Closing.String())
	assert.Equal(t, "CLOSED", Closed.String())
	assert.Equal(t, "UNKNOWN", ReadyState(9).String())

	assert.Equal(t, "text", TextMessage.String())
	assert.Equal(t, "binary", BinaryMessage.String())
	assert.Equal(t, "MessageType(9)", MessageType(9).String())
}

func TestReadFragments(t *testing.T) {
	frags, err := readFragments(iotest.OneByteReader(strings.NewReader("abcde")), 4)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")}, frags)

	frags, err = readFragments(strings.NewReader("abcdefghij"), 4)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", string(bytes.Join(frags, nil)))
	for _, f := range frags {
		assert.LessOrEqual(t, len(f), 4)
	}

	frags, err = readFragments(strings.NewReader(""), 4)
	require.NoError(t, err)
	assert.Empty(t, frags)

	boom := errors.New("boom")
	_, err = readFragments(io.MultiReader(strings.NewReader("ab"), iotest.ErrReader(boom)), 4)
	assert.ErrorIs(t, err, boom)
}

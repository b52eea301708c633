package network

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedConn is an in-memory net.Conn that serves canned input and records writes.
type scriptedConn struct {
	in     *bytes.Reader
	out    bytes.Buffer
	writes int
}

func newScriptedConn(in []byte) *scriptedConn {
	return &scriptedConn{in: bytes.NewReader(in)}
}

func (c *scriptedConn) Read(buf []byte) (int, error) {
	return c.in.Read(buf)
}

func (c *scriptedConn) Write(buf []byte) (int, error) {
	c.writes++
	return c.out.Write(buf)
}

func (c *scriptedConn) Close() error                       { return nil }
func (c *scriptedConn) LocalAddr() net.Addr                { return &net.TCPAddr{IP: net.IPv4zero} }
func (c *scriptedConn) RemoteAddr() net.Addr               { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000} }
func (c *scriptedConn) SetDeadline(t time.Time) error      { return nil }
func (c *scriptedConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *scriptedConn) SetWriteDeadline(t time.Time) error { return nil }

func TestTCPFramerRoundTrip(t *testing.T) {
	query := []byte("\x12\x34roundtrip-query")

	framed, err := FrameTCP(query)
	require.NoError(t, err)

	framer := NewTCPFramer()

	decoded, err := framer.ReadQuery(newScriptedConn(framed))
	require.NoError(t, err)
	assert.Equal(t, query, decoded)
}

func TestTCPFramerSizeMismatch(t *testing.T) {
	tests := []struct {
		name     string
		declared uint16
		payload  []byte
		reason   string
	}{
		{
			name:     "declared larger than payload",
			declared: 10,
			payload:  []byte("short"),
			reason:   "undersized packet",
		},
		{
			name:     "declared smaller than payload",
			declared: 2,
			payload:  []byte("much longer payload"),
			reason:   "oversized packet",
		},
	}

	framer := NewTCPFramer()

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			framed := append([]byte{byte(test.declared >> 8), byte(test.declared)}, test.payload...)

			_, err := framer.ReadQuery(newScriptedConn(framed))
			require.Error(t, err)

			var framingErr *FramingError
			require.True(t, errors.As(err, &framingErr))
			assert.Equal(t, test.reason, framingErr.Reason)
		})
	}
}

func TestTCPFramerMissingPrefix(t *testing.T) {
	framer := NewTCPFramer()

	_, err := framer.ReadQuery(newScriptedConn([]byte{0x01}))
	require.Error(t, err)

	var framingErr *FramingError
	require.True(t, errors.As(err, &framingErr))
}

func TestTCPFramerTrimsPadding(t *testing.T) {
	query := []byte("padded")

	framed, err := FrameTCP(query)
	require.NoError(t, err)

	// Trailing whitespace padding is stripped before length validation.
	padded := append(framed, []byte("\n\r\t  ")...)

	framer := NewTCPFramer()

	decoded, err := framer.ReadQuery(newScriptedConn(padded))
	require.NoError(t, err)
	assert.Equal(t, query, decoded)
}

func TestTCPFramerWriteReplyAtomic(t *testing.T) {
	reply := []byte("local-answer")
	conn := newScriptedConn(nil)

	framer := NewTCPFramer()
	require.NoError(t, framer.WriteReply(conn, reply))

	expected, err := FrameTCP(reply)
	require.NoError(t, err)

	assert.Equal(t, expected, conn.out.Bytes())
	assert.Equal(t, 1, conn.writes, "framed reply must be written in a single write")
}

func TestUDPFramerReadTrims(t *testing.T) {
	framer := NewUDPFramer()

	decoded, err := framer.ReadQuery(newScriptedConn([]byte("  datagram-query \n")))
	require.NoError(t, err)
	assert.Equal(t, []byte("datagram-query"), decoded)
}

func TestUDPFramerWriteRaw(t *testing.T) {
	reply := []byte("datagram-reply")
	conn := newScriptedConn(nil)

	framer := NewUDPFramer()
	require.NoError(t, framer.WriteReply(conn, reply))

	assert.Equal(t, reply, conn.out.Bytes())
	assert.Equal(t, 1, conn.writes)
}

func TestFrameTCPTooLarge(t *testing.T) {
	_, err := FrameTCP(make([]byte, 0x10000))
	assert.Error(t, err)
}

package network

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// MaxMessageSize is the hard cap on the number of bytes read for a single DNS message, on either
// transport. Larger messages are truncated by the underlying read, which manifests as a framing
// size mismatch on TCP.
const MaxMessageSize = 8192

// FramingError indicates that a message failed the transport's framing validation; a dispatch
// cycle that encounters one terminates without a reply.
type FramingError struct {
	Reason string
}

// Error satisfies the error interface.
func (e *FramingError) Error() string {
	return fmt.Sprintf("framer: %s", e.Reason)
}

// Framer determines a complete DNS message's byte boundaries within a transport's data stream.
// The two implementations are intentionally asymmetric: TCP carries a two-octet big-endian length
// prefix per RFC 1035 section 4.2.2, while UDP treats every datagram as one complete message.
type Framer interface {
	// ReadQuery reads a single framed query from the connection and returns the bare message
	// bytes, with any transport framing stripped.
	ReadQuery(conn net.Conn) ([]byte, error)

	// WriteReply frames a reply message appropriately for the transport and writes it to the
	// connection in a single all-or-nothing write.
	WriteReply(conn net.Conn, reply []byte) error
}

// TCPFramer frames messages with a two-octet big-endian length prefix, validated strictly against
// the received payload size.
type TCPFramer struct{}

// UDPFramer treats each datagram as one complete, unprefixed message.
type UDPFramer struct{}

// NewTCPFramer creates a Framer for TCP transports.
func NewTCPFramer() Framer {
	return &TCPFramer{}
}

// ReadQuery reads up to MaxMessageSize bytes from the stream, strips surrounding whitespace
// padding, and validates the declared length against the payload exactly. A declared length
// larger than the payload fails as undersized; smaller fails as oversized.
func (f *TCPFramer) ReadQuery(conn net.Conn) ([]byte, error) {
	buf := make([]byte, MaxMessageSize)

	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("framer: error reading query from client: err=%v", err)
	}

	data := bytes.TrimSpace(buf[:n])
	if len(data) < 2 {
		return nil, &FramingError{"missing length prefix"}
	}

	sz := int(binary.BigEndian.Uint16(data[:2]))
	payload := data[2:]

	if len(payload) < sz {
		return nil, &FramingError{"undersized packet"}
	}

	if len(payload) > sz {
		return nil, &FramingError{"oversized packet"}
	}

	return payload, nil
}

// WriteReply prepends a freshly computed length prefix and writes the framed reply atomically.
func (f *TCPFramer) WriteReply(conn net.Conn, reply []byte) error {
	framed, err := FrameTCP(reply)
	if err != nil {
		return err
	}

	n, err := conn.Write(framed)
	if err != nil {
		return fmt.Errorf("framer: error writing reply to client: err=%v", err)
	}

	if n != len(framed) {
		return fmt.Errorf("framer: short write of reply: expected=%d actual=%d", len(framed), n)
	}

	return nil
}

// NewUDPFramer creates a Framer for UDP transports.
func NewUDPFramer() Framer {
	return &UDPFramer{}
}

// ReadQuery reads a single datagram and strips surrounding whitespace padding. The originating
// address is tracked by the UDPConn so that the reply can find its way back.
func (f *UDPFramer) ReadQuery(conn net.Conn) ([]byte, error) {
	buf := make([]byte, MaxMessageSize)

	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("framer: error reading query from client: err=%v", err)
	}

	return bytes.TrimSpace(buf[:n]), nil
}

// WriteReply sends the raw reply bytes as a single datagram back to the originating address.
func (f *UDPFramer) WriteReply(conn net.Conn, reply []byte) error {
	n, err := conn.Write(reply)
	if err != nil {
		return fmt.Errorf("framer: error writing reply to client: err=%v", err)
	}

	if n != len(reply) {
		return fmt.Errorf("framer: short write of reply: expected=%d actual=%d", len(reply), n)
	}

	return nil
}

// FrameTCP prepends the two-octet big-endian length prefix to a message, producing a single
// buffer suitable for one atomic write.
func FrameTCP(msg []byte) ([]byte, error) {
	if len(msg) > 0xffff {
		return nil, fmt.Errorf("framer: message too large to frame: bytes=%d", len(msg))
	}

	framed := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(framed[:2], uint16(len(msg)))
	copy(framed[2:], msg)

	return framed, nil
}

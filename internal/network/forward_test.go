package network

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homedns/internal/log"
	"homedns/internal/metrics"
)

// targetFor parses a listener address into an UpstreamTarget.
func targetFor(t *testing.T, addr string) UpstreamTarget {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return UpstreamTarget{Host: host, Port: port}
}

// deadTarget produces a loopback target with nothing listening on it.
func deadTarget(t *testing.T, transport string) UpstreamTarget {
	t.Helper()

	switch transport {
	case "tcp":
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())
		return targetFor(t, addr)
	default:
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := pc.LocalAddr().String()
		require.NoError(t, pc.Close())
		return targetFor(t, addr)
	}
}

// mockUDPUpstream runs a datagram server that records each received query and replies with a
// fixed payload.
func mockUDPUpstream(t *testing.T, reply []byte) (UpstreamTarget, chan []byte, func()) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	received := make(chan []byte, 16)

	go func() {
		buf := make([]byte, MaxMessageSize)
		for {
			n, clientAddr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}

			query := make([]byte, n)
			copy(query, buf[:n])
			received <- query

			pc.WriteTo(reply, clientAddr)
		}
	}()

	return targetFor(t, pc.LocalAddr().String()), received, func() { pc.Close() }
}

// mockTCPUpstream runs a stream server that records each received payload and replies with a
// fixed payload.
func mockTCPUpstream(t *testing.T, reply []byte) (UpstreamTarget, chan []byte, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	received := make(chan []byte, 16)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			go func(conn net.Conn) {
				defer conn.Close()

				buf := make([]byte, MaxMessageSize)
				n, err := conn.Read(buf)
				if err != nil {
					return
				}

				query := make([]byte, n)
				copy(query, buf[:n])
				received <- query

				conn.Write(reply)
			}(conn)
		}
	}()

	return targetFor(t, ln.Addr().String()), received, func() { ln.Close() }
}

// forwarderFunc adapts a function to the Forwarder interface for composition tests.
type forwarderFunc func(query []byte) ([]byte, error)

func (f forwarderFunc) Forward(query []byte) ([]byte, error) {
	return f(query)
}

func TestUpstreamTargetAddress(t *testing.T) {
	assert.Equal(t, "192.0.2.1:53", UpstreamTarget{Host: "192.0.2.1"}.Address(53))
	assert.Equal(t, "192.0.2.1:5353", UpstreamTarget{Host: "192.0.2.1", Port: 5353}.Address(53))
	assert.Equal(t, "192.0.2.2:853", UpstreamTarget{Host: "192.0.2.2", ServerName: "dns.example"}.Address(853))
}

func TestUDPForwarderFailover(t *testing.T) {
	reply := []byte("udp-upstream-reply")

	live, liveReceived, cleanupLive := mockUDPUpstream(t, reply)
	defer cleanupLive()

	spare, spareReceived, cleanupSpare := mockUDPUpstream(t, []byte("never-used"))
	defer cleanupSpare()

	forwarder := NewUDPForwarder(
		[]UpstreamTarget{deadTarget(t, "udp"), live, spare},
		250*time.Millisecond,
		metrics.NewNoopForwardHook(),
		log.NewNoopLogger(),
	)

	query := []byte("udp-query")

	result, err := forwarder.Forward(query)
	require.NoError(t, err)
	assert.Equal(t, reply, result)

	select {
	case got := <-liveReceived:
		assert.Equal(t, query, got)
	case <-time.After(time.Second):
		t.Fatal("live upstream never received the query")
	}

	// Targets after the first success are never attempted.
	select {
	case <-spareReceived:
		t.Fatal("target after a successful one was attempted")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUDPForwarderAllTargetsFail(t *testing.T) {
	forwarder := NewUDPForwarder(
		[]UpstreamTarget{deadTarget(t, "udp"), deadTarget(t, "udp")},
		100*time.Millisecond,
		metrics.NewNoopForwardHook(),
		log.NewNoopLogger(),
	)

	result, err := forwarder.Forward([]byte("query"))
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrAllTargetsFailed)
}

func TestTCPForwarderFailover(t *testing.T) {
	reply := []byte("tcp-upstream-reply")

	live, liveReceived, cleanup := mockTCPUpstream(t, reply)
	defer cleanup()

	forwarder := NewTCPForwarder(
		[]UpstreamTarget{deadTarget(t, "tcp"), live},
		500*time.Millisecond,
		metrics.NewNoopForwardHook(),
		log.NewNoopLogger(),
	)

	query := []byte("tcp-query")

	result, err := forwarder.Forward(query)
	require.NoError(t, err)

	// The upstream reply is relayed verbatim, framing included.
	assert.Equal(t, reply, result)

	// The outgoing query must carry the two-octet length prefix.
	expected, err := FrameTCP(query)
	require.NoError(t, err)

	select {
	case got := <-liveReceived:
		assert.Equal(t, expected, got)
	case <-time.After(time.Second):
		t.Fatal("live upstream never received the query")
	}
}

func TestTCPForwarderAllTargetsFail(t *testing.T) {
	forwarder := NewTCPForwarder(
		[]UpstreamTarget{deadTarget(t, "tcp"), deadTarget(t, "tcp")},
		100*time.Millisecond,
		metrics.NewNoopForwardHook(),
		log.NewNoopLogger(),
	)

	result, err := forwarder.Forward([]byte("query"))
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrAllTargetsFailed)
}

func TestFailoverForwarderOrder(t *testing.T) {
	var calls []string

	failing := forwarderFunc(func(query []byte) ([]byte, error) {
		calls = append(calls, "failing")
		return nil, ErrAllTargetsFailed
	})
	succeeding := forwarderFunc(func(query []byte) ([]byte, error) {
		calls = append(calls, "succeeding")
		return []byte("reply"), nil
	})
	never := forwarderFunc(func(query []byte) ([]byte, error) {
		calls = append(calls, "never")
		return []byte("unexpected"), nil
	})

	forwarder := NewFailoverForwarder(failing, succeeding, never)

	result, err := forwarder.Forward([]byte("query"))
	require.NoError(t, err)
	assert.Equal(t, []byte("reply"), result)
	assert.Equal(t, []string{"failing", "succeeding"}, calls)
}

func TestFailoverForwarderAllFail(t *testing.T) {
	failing := forwarderFunc(func(query []byte) ([]byte, error) {
		return nil, ErrAllTargetsFailed
	})

	forwarder := NewFailoverForwarder(failing, failing)

	result, err := forwarder.Forward([]byte("query"))
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrAllTargetsFailed)
}

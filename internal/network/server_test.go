package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homedns/internal/metrics"
)

// echoHandler reads one framed query per cycle and replies with the query plus a fixed suffix.
type echoHandler struct {
	framer Framer
	errors chan error
}

func (h *echoHandler) Handle(ctx context.Context, conn net.Conn) error {
	query, err := h.framer.ReadQuery(conn)
	if err != nil {
		return err
	}

	return h.framer.WriteReply(conn, append(query, []byte("-reply")...))
}

func (h *echoHandler) ConsumeError(ctx context.Context, err error) {
	select {
	case h.errors <- err:
	default:
	}
}

// freeAddr reserves a loopback address for a server under test.
func freeAddr(t *testing.T, transport string) string {
	t.Helper()

	switch transport {
	case "tcp":
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())
		return addr
	default:
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := pc.LocalAddr().String()
		require.NoError(t, pc.Close())
		return addr
	}
}

func TestUDPServerServesDatagrams(t *testing.T) {
	addr := freeAddr(t, "udp")
	handler := &echoHandler{framer: NewUDPFramer(), errors: make(chan error, 16)}

	server := NewUDPServer(addr, UDPServerOpts{MaxConcurrentConnections: 4})
	require.NoError(t, server.ListenAndServe(handler))

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, MaxMessageSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping-reply"), buf[:n])
}

func TestTCPServerServesConnections(t *testing.T) {
	addr := freeAddr(t, "tcp")
	handler := &echoHandler{framer: NewTCPFramer(), errors: make(chan error, 16)}

	server := NewTCPServer(addr, metrics.NewNoopConnectionLifecycleHook(), TCPServerOpts{
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	go server.ListenAndServe(handler)

	// Wait for the accept loop to come up.
	var conn net.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, err = net.Dial("tcp", addr)
		return err == nil
	}, 2*time.Second, 50*time.Millisecond)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	framed, err := FrameTCP([]byte("ping"))
	require.NoError(t, err)

	_, err = conn.Write(framed)
	require.NoError(t, err)

	buf := make([]byte, MaxMessageSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	expected, err := FrameTCP([]byte("ping-reply"))
	require.NoError(t, err)
	assert.Equal(t, expected, buf[:n])
}

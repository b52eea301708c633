package protocol

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/getsentry/raven-go"
	"lib.kevinlin.info/aperture/lib"

	"homedns/internal/log"
	"homedns/internal/metrics"
	"homedns/internal/network"
)

// LookupStatus is the status code contract returned by the local lookup collaborator.
type LookupStatus int

const (
	// StatusAnswered indicates the store produced a local answer; the response bytes may be
	// empty, in which case nothing is sent.
	StatusAnswered LookupStatus = 0
	// StatusForward indicates no local answer exists and the query requires forwarding.
	StatusForward LookupStatus = 1
	// StatusBlocked indicates the client is denylisted for the requested record type and the
	// query is silently dropped.
	StatusBlocked LookupStatus = 2
)

// LookupFunc is the function-shaped local lookup collaborator. It receives the raw query bytes,
// the transport tag, and the set of record types denied for the requesting client, and returns a
// status code with optional response bytes. The dispatcher does not interpret the query or the
// response beyond framing.
type LookupFunc func(query []byte, transport string, denied TypeSet) (LookupStatus, []byte, error)

// DispatchHandler is a transport-agnostic server handler implementing the per-request dispatch
// cycle: frame the query, compute the client's denied record types, consult the local lookup
// collaborator, then answer locally, forward upstream, or drop.
type DispatchHandler struct {
	Framer         network.Framer
	Forwarder      network.Forwarder
	Lookup         LookupFunc
	Denylist       []DenyRule
	ClientCxIOHook metrics.ConnectionIOHook
	DispatchHook   metrics.DispatchHook
	Logger         log.Logger
}

// ConsumeError logs the dispatch cycle error and captures it for error reporting.
func (h *DispatchHandler) ConsumeError(ctx context.Context, err error) {
	h.Logger.Error("%v", err)
	h.DispatchHook.EmitError()

	tags := map[string]string{}
	if transport, ok := ctx.Value(network.TransportContextKey).(network.Transport); ok {
		tags["transport"] = transport.String()
	}

	raven.CaptureError(err, tags)
}

// Handle runs one dispatch cycle over the client connection. A fault at any point in the cycle
// terminates it without a reply; the error is consumed by the caller and never reaches the
// listener loop or other in-flight cycles.
func (h *DispatchHandler) Handle(ctx context.Context, conn net.Conn) (err error) {
	defer func() {
		if fault := recover(); fault != nil {
			err = fmt.Errorf("dispatch: unhandled fault in cycle: fault=%v", fault)
		}
	}()

	rttTimer := lib.NewStopwatch()
	transport, _ := ctx.Value(network.TransportContextKey).(network.Transport)

	/* Read the framed query from the client */

	query, err := h.Framer.ReadQuery(conn)
	if err != nil {
		h.ClientCxIOHook.EmitReadError(conn.RemoteAddr())
		return err
	}

	// The client address is known only after the first read on connectionless transports.
	client := conn.RemoteAddr()

	if transport == network.UDP {
		// The initial UDP read blocks until a datagram arrives. Reset the RTT timer here
		// to get an approximately correct estimate of end-to-end latency.
		rttTimer = lib.NewStopwatch()
	}

	h.DispatchHook.EmitQuerySize(int64(len(query)), client)
	h.Logger.Debug(
		"dispatch: read query from client: client=%s query_bytes=%d transport=%s",
		clientIP(client),
		len(query),
		transport,
	)

	/* Compute the record types denied for this client */

	denied := DeniedTypes(clientIP(client), h.Denylist)
	h.Logger.Debug("dispatch: computed denied types: client=%s denied=%d", clientIP(client), len(denied))

	/* Consult the local lookup collaborator and route on its status */

	status, answer, err := h.Lookup(query, transport.String(), denied)
	if err != nil {
		return fmt.Errorf("dispatch: local lookup failed: err=%v", err)
	}

	switch status {
	case StatusAnswered:
		return h.answer(conn, client, answer, rttTimer.Elapsed)
	case StatusForward:
		return h.forward(conn, client, query, rttTimer.Elapsed)
	case StatusBlocked:
		h.Logger.Info("dispatch: dropped query from denylisted client: client=%s", clientIP(client))
		h.DispatchHook.EmitResult("blocked", client)
		return nil
	default:
		h.DispatchHook.EmitResult("errored", client)
		return fmt.Errorf("dispatch: lookup returned undefined status code: code=%d", status)
	}
}

// answer sends a local answer back to the client through the transport framer. An empty answer is
// a silent no-op; the cycle still terminates successfully.
func (h *DispatchHandler) answer(conn net.Conn, client net.Addr, answer []byte, rtt func() time.Duration) error {
	if len(answer) == 0 {
		h.Logger.Debug("dispatch: empty local answer; nothing sent: client=%s", clientIP(client))
		h.DispatchHook.EmitResult("answered", client)
		return nil
	}

	if err := h.Framer.WriteReply(conn, answer); err != nil {
		h.ClientCxIOHook.EmitWriteError(client)
		return err
	}

	h.Logger.Info("dispatch: answered from local store: client=%s reply_bytes=%d", clientIP(client), len(answer))

	h.DispatchHook.EmitReplySize(int64(len(answer)), client)
	h.DispatchHook.EmitResult("answered", client)
	h.DispatchHook.EmitRTT(rtt(), client)

	return nil
}

// forward relays the original query bytes upstream and, on success, relays the upstream reply to
// the client verbatim. When every target fails, the client receives silence and must rely on its
// own retry behavior; that outcome is not a cycle error.
func (h *DispatchHandler) forward(conn net.Conn, client net.Addr, query []byte, rtt func() time.Duration) error {
	reply, err := h.Forwarder.Forward(query)
	if err != nil {
		h.Logger.Warn("dispatch: forwarding produced no reply: client=%s err=%v", clientIP(client), err)
		h.DispatchHook.EmitResult("forwarded", client)
		return nil
	}

	// Upstream replies are already framed for the transport in use; write them through
	// directly rather than re-framing.
	n, err := conn.Write(reply)
	if err != nil || n != len(reply) {
		h.ClientCxIOHook.EmitWriteError(client)
		return fmt.Errorf("dispatch: error relaying upstream reply to client: err=%v", err)
	}

	h.Logger.Info("dispatch: relayed upstream reply: client=%s reply_bytes=%d", clientIP(client), len(reply))

	h.DispatchHook.EmitReplySize(int64(len(reply)), client)
	h.DispatchHook.EmitResult("forwarded", client)
	h.DispatchHook.EmitRTT(rtt(), client)

	return nil
}

// clientIP extracts the IP component of a client address for denylist matching and logging.
func clientIP(addr net.Addr) string {
	switch concrete := addr.(type) {
	case *net.TCPAddr:
		return concrete.IP.String()
	case *net.UDPAddr:
		return concrete.IP.String()
	}

	if addr == nil {
		return ""
	}

	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}

	return addr.String()
}

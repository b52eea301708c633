package network

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"lib.kevinlin.info/aperture/lib"

	"homedns/internal/log"
	"homedns/internal/metrics"
)

// ErrAllTargetsFailed indicates that every configured upstream target failed to produce a reply.
// The caller must not fabricate a reply; the original requester receives silence.
var ErrAllTargetsFailed = errors.New("forward: all upstream targets failed")

// defaultAttemptTimeout bounds each upstream attempt when no timeout is configured, keeping total
// latency low under multi-target fallback.
const defaultAttemptTimeout = 3 * time.Second

// UpstreamTarget identifies a single upstream resolver by host and optional port. ServerName is
// set only for TLS-secured targets.
type UpstreamTarget struct {
	Host       string
	Port       int
	ServerName string
}

// Address renders the target as a dialable host:port string, substituting the supplied default
// port when none is configured.
func (t UpstreamTarget) Address(defaultPort int) string {
	port := t.Port
	if port == 0 {
		port = defaultPort
	}

	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Forwarder relays a raw query to an ordered sequence of upstream targets, returning the first
// successful reply. Targets are tried strictly in declared order with a fresh socket per attempt;
// a per-target failure is logged and the next target is tried.
type Forwarder interface {
	Forward(query []byte) ([]byte, error)
}

// TCPForwarder forwards queries over plaintext TCP with RFC 1035 length-prefix framing.
type TCPForwarder struct {
	targets []UpstreamTarget
	timeout time.Duration
	hook    metrics.ForwardHook
	logger  log.Logger
}

// UDPForwarder forwards queries as single datagrams.
type UDPForwarder struct {
	targets []UpstreamTarget
	timeout time.Duration
	hook    metrics.ForwardHook
	logger  log.Logger
}

// DoTForwarder forwards queries over TLS-secured TCP with RFC 1035 length-prefix framing. It
// serves clients on either transport: when the client transport is UDP, the stream framing of the
// upstream reply is stripped before relaying.
type DoTForwarder struct {
	targets   []UpstreamTarget
	timeout   time.Duration
	transport Transport
	hook      metrics.ForwardHook
	logger    log.Logger
	rootCAs   *x509.CertPool
}

// DoHForwarder forwards queries over DNS-over-HTTPS per RFC 8484, POSTing the raw query to each
// target's /dns-query endpoint. The HTTPS reply body is a bare DNS message; when the client
// transport is TCP, stream framing is applied before relaying.
type DoHForwarder struct {
	targets   []UpstreamTarget
	timeout   time.Duration
	transport Transport
	hook      metrics.ForwardHook
	logger    log.Logger
	rootCAs   *x509.CertPool
}

// FailoverForwarder composes several Forwarders, trying each in declared order and stopping at
// the first that produces a reply.
type FailoverForwarder struct {
	children []Forwarder
}

// NewTCPForwarder creates a TCP forwarder over the specified targets. A non-positive timeout
// selects the default per-attempt timeout.
func NewTCPForwarder(targets []UpstreamTarget, timeout time.Duration, hook metrics.ForwardHook, logger log.Logger) Forwarder {
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}

	return &TCPForwarder{targets, timeout, hook, logger}
}

// Forward tries each target in declared order over a fresh TCP socket, returning the first reply.
func (f *TCPForwarder) Forward(query []byte) ([]byte, error) {
	for _, target := range f.targets {
		addr := target.Address(53)

		f.hook.EmitAttempt(addr)
		f.logger.Info("forward: attempting upstream: target=%s transport=tcp", addr)

		txTimer := lib.NewStopwatch()

		raw, err := net.DialTimeout("tcp", addr, f.timeout)
		if err != nil {
			f.logger.Warn("forward: upstream connect failed: target=%s err=%v", addr, err)
			f.hook.EmitTargetError(addr)
			continue
		}

		reply, err := transactFramed(NewTCPConn(raw, f.timeout, f.timeout), query)
		raw.Close()

		if err != nil {
			f.logger.Warn("forward: upstream I/O failed: target=%s err=%v", addr, err)
			f.hook.EmitTargetError(addr)
			continue
		}

		f.hook.EmitUpstreamLatency(txTimer.Elapsed(), addr)
		f.logger.Debug("forward: received upstream reply: target=%s reply_bytes=%d", addr, len(reply))

		return reply, nil
	}

	f.hook.EmitExhausted()

	return nil, ErrAllTargetsFailed
}

// NewUDPForwarder creates a UDP forwarder over the specified targets. A non-positive timeout
// selects the default per-attempt timeout.
func NewUDPForwarder(targets []UpstreamTarget, timeout time.Duration, hook metrics.ForwardHook, logger log.Logger) Forwarder {
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}

	return &UDPForwarder{targets, timeout, hook, logger}
}

// Forward tries each target in declared order over a fresh UDP socket, returning the first reply
// datagram.
func (f *UDPForwarder) Forward(query []byte) ([]byte, error) {
	for _, target := range f.targets {
		addr := target.Address(53)

		f.hook.EmitAttempt(addr)
		f.logger.Info("forward: attempting upstream: target=%s transport=udp", addr)

		txTimer := lib.NewStopwatch()

		reply, err := f.transact(addr, query)
		if err != nil {
			f.logger.Warn("forward: upstream I/O failed: target=%s err=%v", addr, err)
			f.hook.EmitTargetError(addr)
			continue
		}

		f.hook.EmitUpstreamLatency(txTimer.Elapsed(), addr)
		f.logger.Debug("forward: received upstream reply: target=%s reply_bytes=%d", addr, len(reply))

		return reply, nil
	}

	f.hook.EmitExhausted()

	return nil, ErrAllTargetsFailed
}

// transact performs a single send-receive exchange with one target over a fresh socket.
func (f *UDPForwarder) transact(addr string, query []byte) ([]byte, error) {
	conn, err := net.DialTimeout("udp", addr, f.timeout)
	if err != nil {
		return nil, fmt.Errorf("forward: error opening upstream socket: err=%v", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(f.timeout)); err != nil {
		return nil, err
	}

	if _, err := conn.Write(query); err != nil {
		return nil, fmt.Errorf("forward: error sending query to upstream: err=%v", err)
	}

	buf := make([]byte, MaxMessageSize)

	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("forward: error reading reply from upstream: err=%v", err)
	}

	return buf[:n], nil
}

// NewDoTForwarder creates a DNS-over-TLS forwarder over the specified targets, serving clients on
// the specified transport. A non-positive timeout selects the default per-attempt timeout.
func NewDoTForwarder(targets []UpstreamTarget, timeout time.Duration, transport Transport, hook metrics.ForwardHook, logger log.Logger) Forwarder {
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}

	return &DoTForwarder{
		targets:   targets,
		timeout:   timeout,
		transport: transport,
		hook:      hook,
		logger:    logger,
	}
}

// Forward tries each target in declared order over a fresh TLS connection, returning the first
// reply. The target's server name is validated during the handshake.
func (f *DoTForwarder) Forward(query []byte) ([]byte, error) {
	for _, target := range f.targets {
		addr := target.Address(853)

		f.hook.EmitAttempt(addr)
		f.logger.Info("forward: attempting upstream: target=%s transport=dot", addr)

		txTimer := lib.NewStopwatch()

		raw, err := net.DialTimeout("tcp", addr, f.timeout)
		if err != nil {
			f.logger.Warn("forward: upstream connect failed: target=%s err=%v", addr, err)
			f.hook.EmitTargetError(addr)
			continue
		}

		reply, err := f.transact(raw, target.ServerName, query)
		raw.Close()

		if err != nil {
			f.logger.Warn("forward: upstream I/O failed: target=%s err=%v", addr, err)
			f.hook.EmitTargetError(addr)
			continue
		}

		// The upstream reply carries stream framing. A UDP client expects a bare datagram,
		// so omit the two-octet size header on that path.
		if f.transport == UDP && len(reply) >= 2 {
			reply = reply[2:]
		}

		f.hook.EmitUpstreamLatency(txTimer.Elapsed(), addr)
		f.logger.Debug("forward: received upstream reply: target=%s reply_bytes=%d", addr, len(reply))

		return reply, nil
	}

	f.hook.EmitExhausted()

	return nil, ErrAllTargetsFailed
}

// transact performs the TLS handshake followed by a framed exchange over the secured connection.
func (f *DoTForwarder) transact(raw net.Conn, serverName string, query []byte) ([]byte, error) {
	if err := raw.SetDeadline(time.Now().Add(f.timeout)); err != nil {
		return nil, err
	}

	tlsConn := tls.Client(raw, &tls.Config{ServerName: serverName, RootCAs: f.rootCAs})
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("forward: TLS handshake failed: err=%v", err)
	}

	return transactFramed(NewTCPConn(tlsConn, f.timeout, f.timeout), query)
}

// NewDoHForwarder creates a DNS-over-HTTPS forwarder over the specified targets, serving clients
// on the specified transport. A non-positive timeout selects the default per-attempt timeout.
func NewDoHForwarder(targets []UpstreamTarget, timeout time.Duration, transport Transport, hook metrics.ForwardHook, logger log.Logger) Forwarder {
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}

	return &DoHForwarder{
		targets:   targets,
		timeout:   timeout,
		transport: transport,
		hook:      hook,
		logger:    logger,
	}
}

// Forward tries each target in declared order with a fresh HTTPS exchange, returning the first
// reply. The target's server name is used for both SNI and certificate validation, so targets may
// be addressed by bare IP.
func (f *DoHForwarder) Forward(query []byte) ([]byte, error) {
	for _, target := range f.targets {
		addr := target.Address(443)

		f.hook.EmitAttempt(addr)
		f.logger.Info("forward: attempting upstream: target=%s transport=doh", addr)

		txTimer := lib.NewStopwatch()

		reply, err := f.transact(addr, target.ServerName, query)
		if err != nil {
			f.logger.Warn("forward: upstream I/O failed: target=%s err=%v", addr, err)
			f.hook.EmitTargetError(addr)
			continue
		}

		// The HTTPS body is an unframed message. A TCP client expects stream framing on the
		// relayed reply, so apply it on that path.
		if f.transport == TCP {
			framed, err := FrameTCP(reply)
			if err != nil {
				f.logger.Warn("forward: upstream reply unframeable: target=%s err=%v", addr, err)
				f.hook.EmitTargetError(addr)
				continue
			}

			reply = framed
		}

		f.hook.EmitUpstreamLatency(txTimer.Elapsed(), addr)
		f.logger.Debug("forward: received upstream reply: target=%s reply_bytes=%d", addr, len(reply))

		return reply, nil
	}

	f.hook.EmitExhausted()

	return nil, ErrAllTargetsFailed
}

// transact performs a single POST exchange with one target over a fresh HTTPS client. Keep-alives
// are disabled so that no upstream socket outlives its attempt.
func (f *DoHForwarder) transact(addr string, serverName string, query []byte) ([]byte, error) {
	client := &http.Client{
		Timeout: f.timeout,
		Transport: &http.Transport{
			TLSClientConfig:   &tls.Config{ServerName: serverName, RootCAs: f.rootCAs},
			DisableKeepAlives: true,
		},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequest(
		http.MethodPost,
		fmt.Sprintf("https://%s/dns-query", addr),
		bytes.NewReader(query),
	)
	if err != nil {
		return nil, fmt.Errorf("forward: error building HTTPS request: err=%v", err)
	}

	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward: error performing HTTPS exchange: err=%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forward: upstream returned non-OK HTTPS status: status=%d", resp.StatusCode)
	}

	reply, err := io.ReadAll(io.LimitReader(resp.Body, MaxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("forward: error reading reply from upstream: err=%v", err)
	}

	return reply, nil
}

// NewFailoverForwarder composes child forwarders in strict declared order.
func NewFailoverForwarder(children ...Forwarder) Forwarder {
	return &FailoverForwarder{children}
}

// Forward tries each child in order, stopping at the first reply. Children after a success are
// never attempted.
func (f *FailoverForwarder) Forward(query []byte) ([]byte, error) {
	for _, child := range f.children {
		if reply, err := child.Forward(query); err == nil {
			return reply, nil
		}
	}

	return nil, ErrAllTargetsFailed
}

// transactFramed writes a length-prefixed query on a stream connection and performs a single read
// for the reply. The reply is returned verbatim, prefix included, for relaying to the original
// requester without re-validation.
func transactFramed(conn net.Conn, query []byte) ([]byte, error) {
	framed, err := FrameTCP(query)
	if err != nil {
		return nil, err
	}

	n, err := conn.Write(framed)
	if err != nil || n != len(framed) {
		return nil, fmt.Errorf("forward: error sending query to upstream: err=%v", err)
	}

	buf := make([]byte, MaxMessageSize)

	n, err = conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("forward: error reading reply from upstream: err=%v", err)
	}

	return buf[:n], nil
}

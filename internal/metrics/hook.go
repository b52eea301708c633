package metrics

import (
	"fmt"
	"net"
	"time"
)

// ConnectionLifecycleHook is a metrics hook interface for reporting events that occur during a TCP
// connection lifecycle. Note that it is not pertinent to UDP transports, since UDP is an
// inherently connectionless protocol.
type ConnectionLifecycleHook interface {
	// EmitConnectionOpen reports the event that a connection was successfully opened.
	EmitConnectionOpen(latency time.Duration, addr net.Addr)

	// EmitConnectionClose reports the event that a connection was closed.
	EmitConnectionClose(addr net.Addr)

	// EmitConnectionError reports occurrence of an error establishing a connection.
	EmitConnectionError()
}

// ConnectionIOHook is a metrics hook interface for reporting events related to I/O with an
// established TCP or UDP connection.
type ConnectionIOHook interface {
	// EmitReadError reports the event that a connection read failed.
	EmitReadError(addr net.Addr)

	// EmitWriteError reports the event that a connection write failed.
	EmitWriteError(addr net.Addr)
}

// DispatchHook is a metrics hook interface for reporting the outcome and latency of individual
// dispatch cycles.
type DispatchHook interface {
	// EmitQuerySize reports the size of the framed client query on the wire.
	EmitQuerySize(bytes int64, client net.Addr)

	// EmitReplySize reports the size of the reply sent back to the client, if any.
	EmitReplySize(bytes int64, client net.Addr)

	// EmitResult reports the terminal state of a dispatch cycle: one of answered, forwarded,
	// blocked, or errored.
	EmitResult(result string, client net.Addr)

	// EmitRTT reports the total, end-to-end latency associated with serving a single request
	// from a client, from framing through reply or drop.
	EmitRTT(latency time.Duration, client net.Addr)

	// EmitError reports the occurrence of a fault that terminated a dispatch cycle without a
	// reply.
	EmitError()
}

// ForwardHook is a metrics hook interface for reporting upstream forwarding behavior, including
// per-target failover.
type ForwardHook interface {
	// EmitAttempt reports that a forwarding attempt was started against a target.
	EmitAttempt(target string)

	// EmitTargetError reports that a single target failed to produce a reply, triggering
	// failover to the next target in order.
	EmitTargetError(target string)

	// EmitExhausted reports that every configured target failed to produce a reply.
	EmitExhausted()

	// EmitUpstreamLatency reports the latency of a successful upstream transaction.
	EmitUpstreamLatency(latency time.Duration, target string)
}

// AsyncStatsdConnectionLifecycleHook is an implementation of ConnectionLifecycleHook that outputs
// metrics asynchronously to statsd.
type AsyncStatsdConnectionLifecycleHook struct {
	client *StatsdClient
	source string
}

// AsyncStatsdConnectionIOHook is an implementation of ConnectionIOHook that outputs metrics
// asynchronously to statsd.
type AsyncStatsdConnectionIOHook struct {
	client *StatsdClient
	source string
}

// AsyncStatsdDispatchHook is an implementation of DispatchHook that outputs metrics asynchronously
// to statsd.
type AsyncStatsdDispatchHook struct {
	client *StatsdClient
}

// AsyncStatsdForwardHook is an implementation of ForwardHook that outputs metrics asynchronously
// to statsd.
type AsyncStatsdForwardHook struct {
	client *StatsdClient
}

// NoopConnectionLifecycleHook implements the ConnectionLifecycleHook interface but noops on all
// emissions.
type NoopConnectionLifecycleHook struct{}

// NoopConnectionIOHook implements the ConnectionIOHook interface but noops on all emissions.
type NoopConnectionIOHook struct{}

// NoopDispatchHook implements the DispatchHook interface but noops on all emissions.
type NoopDispatchHook struct{}

// NoopForwardHook implements the ForwardHook interface but noops on all emissions.
type NoopForwardHook struct{}

// NewAsyncStatsdConnectionLifecycleHook creates a new hook with the specified source, statsd
// address, statsd sample rate, and version identifier. The source denotes the entity with whom
// the server is opening and closing TCP connections.
func NewAsyncStatsdConnectionLifecycleHook(source string, addr string, sampleRate float64, version string) (ConnectionLifecycleHook, error) {
	client, err := statsdClientFactory(addr, sampleRate, version)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdConnectionLifecycleHook{
		client: client,
		source: source,
	}, nil
}

// EmitConnectionOpen statsd implementation
func (h *AsyncStatsdConnectionLifecycleHook) EmitConnectionOpen(latency time.Duration, addr net.Addr) {
	go func() {
		tags := map[string]string{
			"addr":      ipFromAddr(addr),
			"transport": transportFromAddr(addr),
		}

		h.client.Count(fmt.Sprintf("event.%s.cx_open", h.source), 1, tags)

		if latency > 0 {
			h.client.Timing(fmt.Sprintf("latency.%s.cx_open", h.source), latency, tags)
		}
	}()
}

// EmitConnectionClose statsd implementation
func (h *AsyncStatsdConnectionLifecycleHook) EmitConnectionClose(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.cx_close", h.source), 1, map[string]string{
		"addr":      ipFromAddr(addr),
		"transport": transportFromAddr(addr),
	})
}

// EmitConnectionError statsd implementation
func (h *AsyncStatsdConnectionLifecycleHook) EmitConnectionError() {
	go h.client.Count(fmt.Sprintf("event.%s.cx_error", h.source), 1, nil)
}

// NewNoopConnectionLifecycleHook creates a noop implementation of ConnectionLifecycleHook.
func NewNoopConnectionLifecycleHook() ConnectionLifecycleHook {
	return &NoopConnectionLifecycleHook{}
}

// EmitConnectionOpen noops.
func (h *NoopConnectionLifecycleHook) EmitConnectionOpen(latency time.Duration, addr net.Addr) {}

// EmitConnectionClose noops.
func (h *NoopConnectionLifecycleHook) EmitConnectionClose(addr net.Addr) {}

// EmitConnectionError noops.
func (h *NoopConnectionLifecycleHook) EmitConnectionError() {}

// NewAsyncStatsdConnectionIOHook creates a new hook with the specified source, statsd address,
// statsd sample rate, and version identifier. The source denotes the entity with whom the server
// is performing I/O.
func NewAsyncStatsdConnectionIOHook(source string, addr string, sampleRate float64, version string) (ConnectionIOHook, error) {
	client, err := statsdClientFactory(addr, sampleRate, version)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdConnectionIOHook{
		client: client,
		source: source,
	}, nil
}

// EmitReadError statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitReadError(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.read_error", h.source), 1, map[string]string{
		"addr":      ipFromAddr(addr),
		"transport": transportFromAddr(addr),
	})
}

// EmitWriteError statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitWriteError(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.write_error", h.source), 1, map[string]string{
		"addr":      ipFromAddr(addr),
		"transport": transportFromAddr(addr),
	})
}

// NewNoopConnectionIOHook creates a noop implementation of ConnectionIOHook.
func NewNoopConnectionIOHook() ConnectionIOHook {
	return &NoopConnectionIOHook{}
}

// EmitReadError noops.
func (h *NoopConnectionIOHook) EmitReadError(addr net.Addr) {}

// EmitWriteError noops.
func (h *NoopConnectionIOHook) EmitWriteError(addr net.Addr) {}

// NewAsyncStatsdDispatchHook creates a new hook with the specified statsd address, sample rate,
// and version identifier.
func NewAsyncStatsdDispatchHook(addr string, sampleRate float64, version string) (DispatchHook, error) {
	client, err := statsdClientFactory(addr, sampleRate, version)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdDispatchHook{client}, nil
}

// EmitQuerySize statsd implementation
func (h *AsyncStatsdDispatchHook) EmitQuerySize(bytes int64, client net.Addr) {
	go h.client.Size("size.dispatch.query", bytes, map[string]string{
		"addr": ipFromAddr(client),
	})
}

// EmitReplySize statsd implementation
func (h *AsyncStatsdDispatchHook) EmitReplySize(bytes int64, client net.Addr) {
	go h.client.Size("size.dispatch.reply", bytes, map[string]string{
		"addr": ipFromAddr(client),
	})
}

// EmitResult statsd implementation
func (h *AsyncStatsdDispatchHook) EmitResult(result string, client net.Addr) {
	go h.client.Count(fmt.Sprintf("event.dispatch.%s", result), 1, map[string]string{
		"addr":      ipFromAddr(client),
		"transport": transportFromAddr(client),
	})
}

// EmitRTT statsd implementation
func (h *AsyncStatsdDispatchHook) EmitRTT(latency time.Duration, client net.Addr) {
	go h.client.Timing("latency.dispatch.rtt", latency, map[string]string{
		"addr":      ipFromAddr(client),
		"transport": transportFromAddr(client),
	})
}

// EmitError statsd implementation
func (h *AsyncStatsdDispatchHook) EmitError() {
	go h.client.Count("event.dispatch.error", 1, nil)
}

// NewNoopDispatchHook creates a noop implementation of DispatchHook.
func NewNoopDispatchHook() DispatchHook {
	return &NoopDispatchHook{}
}

// EmitQuerySize noops.
func (h *NoopDispatchHook) EmitQuerySize(bytes int64, client net.Addr) {}

// EmitReplySize noops.
func (h *NoopDispatchHook) EmitReplySize(bytes int64, client net.Addr) {}

// EmitResult noops.
func (h *NoopDispatchHook) EmitResult(result string, client net.Addr) {}

// EmitRTT noops.
func (h *NoopDispatchHook) EmitRTT(latency time.Duration, client net.Addr) {}

// EmitError noops.
func (h *NoopDispatchHook) EmitError() {}

// NewAsyncStatsdForwardHook creates a new hook with the specified statsd address, sample rate,
// and version identifier.
func NewAsyncStatsdForwardHook(addr string, sampleRate float64, version string) (ForwardHook, error) {
	client, err := statsdClientFactory(addr, sampleRate, version)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdForwardHook{client}, nil
}

// EmitAttempt statsd implementation
func (h *AsyncStatsdForwardHook) EmitAttempt(target string) {
	go h.client.Count("event.forward.attempt", 1, map[string]string{
		"target": target,
	})
}

// EmitTargetError statsd implementation
func (h *AsyncStatsdForwardHook) EmitTargetError(target string) {
	go h.client.Count("event.forward.target_error", 1, map[string]string{
		"target": target,
	})
}

// EmitExhausted statsd implementation
func (h *AsyncStatsdForwardHook) EmitExhausted() {
	go h.client.Count("event.forward.exhausted", 1, nil)
}

// EmitUpstreamLatency statsd implementation
func (h *AsyncStatsdForwardHook) EmitUpstreamLatency(latency time.Duration, target string) {
	go h.client.Timing("latency.forward.upstream", latency, map[string]string{
		"target": target,
	})
}

// NewNoopForwardHook creates a noop implementation of ForwardHook.
func NewNoopForwardHook() ForwardHook {
	return &NoopForwardHook{}
}

// EmitAttempt noops.
func (h *NoopForwardHook) EmitAttempt(target string) {}

// EmitTargetError noops.
func (h *NoopForwardHook) EmitTargetError(target string) {}

// EmitExhausted noops.
func (h *NoopForwardHook) EmitExhausted() {}

// EmitUpstreamLatency noops.
func (h *NoopForwardHook) EmitUpstreamLatency(latency time.Duration, target string) {}

// statsdClientFactory creates a StatsdClient with the standard application prefix and a default
// version tag shared by all hook implementations.
func statsdClientFactory(addr string, sampleRate float64, version string) (*StatsdClient, error) {
	defaultTags := map[string]string{}
	if version != "" {
		defaultTags["version"] = version
	}

	return NewStatsdClient(addr, "homedns", defaultTags, float32(sampleRate))
}

// ipFromAddr extracts the IP component of a network address for use as a metrics tag.
func ipFromAddr(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}

	switch concrete := addr.(type) {
	case *net.TCPAddr:
		return concrete.IP.String()
	case *net.UDPAddr:
		return concrete.IP.String()
	}

	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}

	return addr.String()
}

// transportFromAddr names the network transport of an address for use as a metrics tag.
func transportFromAddr(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}

	return addr.Network()
}

package store

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"homedns/internal/log"
	"homedns/internal/protocol"
)

// udpPayloadSize is the maximum reply size on UDP transports before truncation applies.
const udpPayloadSize = 512

// Resolver implements the local lookup collaborator on top of a record Store. It is the only
// component that interprets query bytes and record-type identifiers; the dispatch core treats
// both as opaque.
type Resolver struct {
	store  *Store
	logger log.Logger
}

// NewResolver creates a Resolver backed by the specified store.
func NewResolver(store *Store, logger log.Logger) *Resolver {
	return &Resolver{store, logger}
}

// Lookup resolves a raw query against the local store. It returns StatusBlocked when the question
// type (or the "*" wildcard) appears in the client's denied set, StatusAnswered with a packed
// authoritative reply when local records match, and StatusForward otherwise. Its signature
// satisfies protocol.LookupFunc.
func (r *Resolver) Lookup(query []byte, transport string, denied protocol.TypeSet) (protocol.LookupStatus, []byte, error) {
	var msg dns.Msg
	if err := msg.Unpack(query); err != nil {
		return 0, nil, fmt.Errorf("store: error parsing query message: err=%v", err)
	}

	if len(msg.Question) == 0 {
		return 0, nil, fmt.Errorf("store: query carries no question")
	}

	question := msg.Question[0]
	qtype := dns.TypeToString[question.Qtype]

	if denied.Contains("*") || denied.Contains(qtype) {
		r.logger.Debug("store: question type denied for client: qtype=%s", qtype)
		return protocol.StatusBlocked, nil, nil
	}

	name := strings.ToLower(dns.Fqdn(question.Name))

	records, err := r.store.Find(name, qtype)
	if err != nil {
		return 0, nil, err
	}

	if len(records) == 0 {
		return protocol.StatusForward, nil, nil
	}

	reply := new(dns.Msg)
	reply.SetReply(&msg)
	reply.Authoritative = true

	for _, record := range records {
		rr, err := dns.NewRR(fmt.Sprintf("%s %d IN %s %s", name, record.TTL, record.Type, record.Value))
		if err != nil {
			// A malformed row should not poison the remaining records.
			r.logger.Warn("store: skipping malformed record: name=%s type=%s err=%v", name, record.Type, err)
			continue
		}

		reply.Answer = append(reply.Answer, rr)
	}

	if len(reply.Answer) == 0 {
		return protocol.StatusForward, nil, nil
	}

	if transport == "udp" {
		reply.Truncate(udpPayloadSize)
	}

	packed, err := reply.Pack()
	if err != nil {
		return 0, nil, fmt.Errorf("store: error packing reply message: err=%v", err)
	}

	return protocol.StatusAnswered, packed, nil
}

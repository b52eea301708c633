package protocol

// DenyRule pairs a client IP with a record-type identifier denied to that client. Rules are
// static configuration, loaded once before serving begins and never mutated during a run.
type DenyRule struct {
	ClientIP   string
	RecordType string
}

// TypeSet is a set of record-type identifiers. The identifiers are opaque to the dispatch core;
// interpretation (including wildcards) belongs to the local lookup collaborator.
type TypeSet map[string]struct{}

// Contains reports whether the set holds the specified record type.
func (s TypeSet) Contains(recordType string) bool {
	_, ok := s[recordType]
	return ok
}

// DeniedTypes collects the record types denied for a client IP by linearly scanning the rule
// sequence. Matching is an exact string comparison on the IP; duplicates from overlapping rules
// collapse. The result is empty when no rule matches.
func DeniedTypes(clientIP string, rules []DenyRule) TypeSet {
	denied := make(TypeSet)

	for _, rule := range rules {
		if rule.ClientIP == clientIP {
			denied[rule.RecordType] = struct{}{}
		}
	}

	return denied
}

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeniedTypesCollectsAllMatches(t *testing.T) {
	rules := []DenyRule{
		{ClientIP: "192.0.2.10", RecordType: "A"},
		{ClientIP: "192.0.2.10", RecordType: "AAAA"},
		{ClientIP: "192.0.2.20", RecordType: "MX"},
	}

	denied := DeniedTypes("192.0.2.10", rules)

	assert.Len(t, denied, 2)
	assert.True(t, denied.Contains("A"))
	assert.True(t, denied.Contains("AAAA"))
	assert.False(t, denied.Contains("MX"))
}

func TestDeniedTypesNoMatch(t *testing.T) {
	rules := []DenyRule{
		{ClientIP: "192.0.2.10", RecordType: "A"},
		{ClientIP: "192.0.2.20", RecordType: "MX"},
	}

	assert.Empty(t, DeniedTypes("192.0.2.30", rules))
}

func TestDeniedTypesCollapsesDuplicates(t *testing.T) {
	rules := []DenyRule{
		{ClientIP: "192.0.2.10", RecordType: "A"},
		{ClientIP: "192.0.2.10", RecordType: "A"},
	}

	denied := DeniedTypes("192.0.2.10", rules)

	assert.Len(t, denied, 1)
	assert.True(t, denied.Contains("A"))
}

func TestDeniedTypesExactIPMatchOnly(t *testing.T) {
	// Matching is an exact string comparison; no CIDR or prefix semantics.
	rules := []DenyRule{
		{ClientIP: "192.0.2.0/24", RecordType: "A"},
	}

	assert.Empty(t, DeniedTypes("192.0.2.10", rules))
}

func TestDeniedTypesEmptyRules(t *testing.T) {
	assert.Empty(t, DeniedTypes("192.0.2.10", nil))
}

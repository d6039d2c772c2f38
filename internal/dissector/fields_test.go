package dissector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldSpecAlwaysForcesAbsoluteSequenceNumbers(t *testing.T) {
	// This scenario would fail if relative ISNs slipped through (§9):
	// the absolute-sequence-numbers override must appear on every
	// invocation regardless of which optional fields are requested.
	for _, spec := range []FieldSpec{
		{},
		{IncludeTLSClientHello: true},
		{IncludeF5Trailer: true},
		{IncludeTLSClientHello: true, IncludeF5Trailer: true},
	} {
		args := spec.Args()
		assert.Contains(t, args, "tcp.relative_sequence_numbers:false")
	}
}

func TestFieldSpecOrderAppendsOptionalFieldsLast(t *testing.T) {
	spec := FieldSpec{IncludeTLSClientHello: true, IncludeF5Trailer: true}
	order := spec.Order()

	assert.Equal(t, FieldFrame, order[0])
	assert.Contains(t, order, FieldTLSRandom)
	assert.Contains(t, order, FieldF5PeerIP)

	// optional fields must come after the mandatory set.
	assert.Greater(t, indexOf(order, FieldTLSRandom), indexOf(order, FieldPayload))
}

func indexOf(xs []string, x string) int {
	for i, v := range xs {
		if v == x {
			return i
		}
	}
	return -1
}

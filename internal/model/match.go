package model

// Score carries the weighted-feature evaluation of a candidate pair.
type Score struct {
	// Normalized is raw / AvailableWeight, in [0,1].
	Normalized float64

	// AvailableWeight is the sum of weights for features both sides
	// actually produced a value for.
	AvailableWeight float64

	// IPIDMatch is the necessary condition (§4.D.3): without it a pair
	// can never be accepted regardless of score.
	IPIDMatch bool

	// ForceAccept is the strong-IP-ID override (§4.D.4) or a fast-path
	// hit (F5 trailer, TLS ClientHello) that bypasses the weighted score.
	ForceAccept bool

	// Evidence enumerates which features matched, e.g.
	// "syn_options,client_isn,ipid" or "F5_TRAILER".
	Evidence string
}

// Accepted reports whether this score represents a valid match (§4.D.4,
// invariant 2 in §8): IPIDMatch and (Normalized >= threshold or ForceAccept).
func (s Score) Accepted(threshold float64) bool {
	if !s.IPIDMatch {
		return false
	}
	return s.ForceAccept || s.Normalized >= threshold
}

// Match is an immutable pairing of two Connections from different capture
// files, produced only by the Matcher.
type Match struct {
	A     *Connection
	B     *Connection
	Score Score
}

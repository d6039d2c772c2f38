package shared

// TimeRangesOverlap reports whether [aFirst, aLast] and [bFirst, bLast],
// both nanosecond timestamps, share any instant (§4.D.3 pre-filter 2).
// Two connections with an identical 5-tuple but disjoint time ranges are
// distinct reuse instances of the same ephemeral port, not the same flow
// observed at two hops, and must be rejected here before any scoring.
func TimeRangesOverlap(aFirst, aLast, bFirst, bLast int64) bool {
	return aFirst <= bLast && bFirst <= aLast
}

// IsMicroflow reports whether a connection is a microflow by the §4.D.4
// canonical thresholds: at most 3 packets, or a lifetime of at most 2
// seconds. Microflows relax the IP-ID pre-filter and raise the score
// threshold, since there is too little evidence to be as strict as a
// long-lived connection allows.
func IsMicroflow(packetCount int, firstTS, lastTS int64) bool {
	const maxMicroflowPackets = 3
	const maxMicroflowDurationNS = 2_000_000_000

	if packetCount <= maxMicroflowPackets {
		return true
	}
	return lastTS-firstTS <= maxMicroflowDurationNS
}

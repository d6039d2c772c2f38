// Package shared holds the primitives every CapMaster component depends
// on: direction-independent flow hashing, TTL-to-hop derivation, IP-ID set
// utilities, and timing helpers. None of it holds state across calls —
// every function here is pure, which is what lets the worker pool in
// internal/runner call into it without synchronization.
package shared

import (
	"encoding/binary"
	"hash/fnv"
	"net"
)

// FlowSide indicates which endpoint of the canonical 5-tuple ordering a
// caller's (src, dst) pair landed on, per the GLOSSARY's flow-hash
// definition: ordering is fixed by lexicographic comparison of the two
// endpoints so that (src,dst) and (dst,src) hash equal.
type FlowSide int

const (
	// SideA means the caller's src/sport sorted first (the "A" side of
	// the canonical ordering).
	SideA FlowSide = iota
	// SideB means the caller's src/sport sorted second.
	SideB
)

// FlowHash computes a 64-bit direction-independent hash of a TCP 5-tuple.
// Computing FlowHash(src, sport, dst, dport) and FlowHash(dst, dport, src,
// sport) always returns the same hash value; the returned FlowSide differs
// so a caller can still recover which endpoint it passed as "src".
func FlowHash(srcIP net.IP, srcPort uint16, dstIP net.IP, dstPort uint16) (uint64, FlowSide) {
	srcKey := endpointKey(srcIP, srcPort)
	dstKey := endpointKey(dstIP, dstPort)

	var (
		first, second string
		side          FlowSide
	)

	if srcKey <= dstKey {
		first, second = srcKey, dstKey
		side = SideA
	} else {
		first, second = dstKey, srcKey
		side = SideB
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(first))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(second))

	return h.Sum64(), side
}

func endpointKey(ip net.IP, port uint16) string {
	b := make([]byte, 0, net.IPv6len+2)
	if ip4 := ip.To4(); ip4 != nil {
		b = append(b, ip4...)
	} else if ip16 := ip.To16(); ip16 != nil {
		b = append(b, ip16...)
	}

	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	b = append(b, portBytes...)

	return string(b)
}

// Package model holds the data types shared by every CapMaster component:
// the transient Packet, the long-lived Connection, and the Match/Diff
// records produced by the matcher and differ.
package model

import "net"

// TCP flag bits, as carried in the single tcp.flags byte tshark reports.
const (
	FlagFIN byte = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

// Packet is a single dissected TCP segment. It is consumed once by the
// ConnectionExtractor and then discarded — CapMaster keeps no long-term
// per-packet store.
type Packet struct {
	StreamID    int64
	FrameNumber int64
	TimestampNS int64

	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16

	Flags      byte
	Seq        uint32
	Ack        uint32
	PayloadLen int
	// Payload holds the raw TCP payload bytes decoded from the dissector's
	// hex payload field; the extractor hashes only the first
	// PayloadHashBytes of it.
	Payload []byte

	IPID uint16
	TTL  uint8

	// TCPOptions is the SYN option string as reported by tshark
	// (e.g. "MSS=1460,WS=128,SACK_PERM,TS"), empty on non-SYN packets.
	TCPOptions string
	HasTSval   bool
	TSval      uint32
	HasTSecr   bool
	TSecr      uint32

	// Optional TLS ClientHello fields.
	HasTLSClientHello bool
	TLSRandom         [32]byte
	TLSSessionID      string

	// Optional F5 BIG-IP trailer fields.
	HasF5Trailer bool
	F5PeerIP     net.IP
	F5PeerPort   uint16
}

// IsClientSYN reports whether the packet carries the SYN flag without ACK,
// i.e. it is the first packet of a handshake sent by the client.
func (p *Packet) IsClientSYN() bool {
	return p.Flags&FlagSYN != 0 && p.Flags&FlagACK == 0
}

// IsServerSYNACK reports whether the packet is a SYN-ACK, sent by the server.
func (p *Packet) IsServerSYNACK() bool {
	return p.Flags&FlagSYN != 0 && p.Flags&FlagACK != 0
}

package dissector

// Field names requested from tshark for the ConnectionExtractor's fixed
// selection (§4.B step 1). Order matters: FieldSpec.Order() defines the
// column order the extractor's line parser expects.
const (
	FieldFrame      = "frame.number"
	FieldStreamID   = "tcp.stream"
	FieldTimestamp  = "frame.time_epoch"
	FieldSrcIP      = "ip.src"
	FieldDstIP      = "ip.dst"
	FieldSrcIPv6    = "ipv6.src"
	FieldDstIPv6    = "ipv6.dst"
	FieldSrcPort    = "tcp.srcport"
	FieldDstPort    = "tcp.dstport"
	FieldFlags      = "tcp.flags"
	FieldSeq        = "tcp.seq"
	FieldAck        = "tcp.ack"
	FieldPayloadLen = "tcp.len"
	FieldIPID       = "ip.id"
	FieldTTL        = "ip.ttl"
	FieldTCPOptions = "tcp.options"
	FieldTSval      = "tcp.options.timestamp.tsval"
	FieldTSecr      = "tcp.options.timestamp.tsecr"
	FieldPayload    = "tcp.payload"

	// optional fields, requested only when the caller asks for them.
	FieldTLSRandom    = "tls.handshake.random"
	FieldTLSSessionID = "tls.handshake.session_id"
	FieldF5PeerIP     = "f5ethtrailer.peeraddr"
	FieldF5PeerPort   = "f5ethtrailer.peerport"
)

// baseFields is the canonical, fixed column order for the mandatory
// field set (§4.B step 1). Optional fields, when requested, are always
// appended after these in FieldSpec.Order().
var baseFields = []string{
	FieldFrame, FieldStreamID, FieldTimestamp,
	FieldSrcIP, FieldDstIP, FieldSrcIPv6, FieldDstIPv6,
	FieldSrcPort, FieldDstPort,
	FieldFlags, FieldSeq, FieldAck, FieldPayloadLen,
	FieldIPID, FieldTTL,
	FieldTCPOptions, FieldTSval, FieldTSecr,
	FieldPayload,
}

// FieldSpec describes which optional field groups to request in addition
// to the mandatory TCP field set.
type FieldSpec struct {
	IncludeTLSClientHello bool
	IncludeF5Trailer      bool
}

// Order returns the full, ordered field list this spec requests.
func (f FieldSpec) Order() []string {
	fields := append([]string{}, baseFields...)
	if f.IncludeTLSClientHello {
		fields = append(fields, FieldTLSRandom, FieldTLSSessionID)
	}
	if f.IncludeF5Trailer {
		fields = append(fields, FieldF5PeerIP, FieldF5PeerPort)
	}
	return fields
}

// Args builds the tshark argument list for a TCP field-extraction
// invocation, always including the absolute-sequence-number override
// (§6, §9 "Absolute vs relative sequence numbers" — a correctness
// requirement, not a performance tweak).
func (f FieldSpec) Args() []string {
	args := []string{
		"-Y", "tcp",
		"-T", "fields",
		"-o", "tcp.relative_sequence_numbers:false",
		"-o", "tcp.desegment_tcp_streams:false",
		"-E", "occurrence=l",
		"-E", "separator=,",
	}

	for _, field := range f.Order() {
		args = append(args, "-e", field)
	}

	return args
}

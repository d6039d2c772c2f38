package extractor

import (
	"encoding/hex"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/rickypin/capmaster/internal/dissector"
	"github.com/rickypin/capmaster/internal/model"
)

// rawRow is a line already split on the "," field separator tshark was
// told to use (§6 "-E separator=,"), positioned per the requested
// dissector.FieldSpec.Order().
type rawRow struct {
	fields []string
	spec   dissector.FieldSpec
}

// parseLine splits one tshark output line into a rawRow. tshark's "last
// occurrence" convention (-E occurrence=l) guarantees each requested field
// contributes at most one value per column, so a plain split on comma is
// sufficient — payload bytes (the last mandatory field) may themselves
// contain colons (hex pairs) but never a literal separator comma.
func parseLine(line string, spec dissector.FieldSpec) (rawRow, error) {
	fields := strings.Split(line, ",")
	want := len(spec.Order())

	if len(fields) < want {
		// tshark omits trailing empty optional columns entirely on some
		// versions rather than emitting empty strings; pad out.
		padded := make([]string, want)
		copy(padded, fields)
		fields = padded
	}

	return rawRow{fields: fields, spec: spec}, nil
}

func (r rawRow) field(name string) string {
	order := r.spec.Order()
	for i, f := range order {
		if f == name {
			if i < len(r.fields) {
				return r.fields[i]
			}
			return ""
		}
	}
	return ""
}

// toPacket converts a rawRow into a model.Packet. Any parse error here is
// logged and the line skipped by the caller (§4.B "Failure semantics"),
// never aborting the whole extraction.
func toPacket(r rawRow) (*model.Packet, error) {
	p := &model.Packet{}

	var err error

	if p.FrameNumber, err = parseInt64(r.field(dissector.FieldFrame)); err != nil {
		return nil, errors.Wrap(err, "frame.number")
	}
	if p.StreamID, err = parseInt64(r.field(dissector.FieldStreamID)); err != nil {
		return nil, errors.Wrap(err, "tcp.stream")
	}

	ts := r.field(dissector.FieldTimestamp)
	tsFloat, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return nil, errors.Wrap(err, "frame.time_epoch")
	}
	p.TimestampNS = int64(tsFloat * 1e9)

	if src := r.field(dissector.FieldSrcIP); src != "" {
		p.SrcIP = net.ParseIP(src)
	} else {
		p.SrcIP = net.ParseIP(r.field(dissector.FieldSrcIPv6))
	}
	if dst := r.field(dissector.FieldDstIP); dst != "" {
		p.DstIP = net.ParseIP(dst)
	} else {
		p.DstIP = net.ParseIP(r.field(dissector.FieldDstIPv6))
	}

	srcPort, err := parseUint16(r.field(dissector.FieldSrcPort))
	if err != nil {
		return nil, errors.Wrap(err, "tcp.srcport")
	}
	p.SrcPort = srcPort

	dstPort, err := parseUint16(r.field(dissector.FieldDstPort))
	if err != nil {
		return nil, errors.Wrap(err, "tcp.dstport")
	}
	p.DstPort = dstPort

	flags, err := parseFlags(r.field(dissector.FieldFlags))
	if err != nil {
		return nil, errors.Wrap(err, "tcp.flags")
	}
	p.Flags = flags

	seq, err := parseUint32(r.field(dissector.FieldSeq))
	if err != nil {
		return nil, errors.Wrap(err, "tcp.seq")
	}
	p.Seq = seq

	ack, err := parseUint32(r.field(dissector.FieldAck))
	if err != nil {
		return nil, errors.Wrap(err, "tcp.ack")
	}
	p.Ack = ack

	payloadLen, err := strconv.Atoi(emptyZero(r.field(dissector.FieldPayloadLen)))
	if err != nil {
		return nil, errors.Wrap(err, "tcp.len")
	}
	p.PayloadLen = payloadLen

	if ipid := r.field(dissector.FieldIPID); ipid != "" {
		v, perr := parseHexOrDecUint16(ipid)
		if perr == nil {
			p.IPID = v
		}
	}

	if ttl := r.field(dissector.FieldTTL); ttl != "" {
		v, perr := strconv.Atoi(ttl)
		if perr == nil {
			p.TTL = uint8(v)
		}
	}

	if payloadHex := r.field(dissector.FieldPayload); payloadHex != "" {
		cleaned := strings.ReplaceAll(payloadHex, ":", "")
		if raw, perr := hex.DecodeString(cleaned); perr == nil {
			p.Payload = raw
		}
	}

	p.TCPOptions = r.field(dissector.FieldTCPOptions)

	// malformed TCP timestamp option: leave TSval/TSecr empty (§4.B edge case).
	if tsval := r.field(dissector.FieldTSval); tsval != "" {
		if v, perr := strconv.ParseUint(tsval, 10, 32); perr == nil {
			p.TSval, p.HasTSval = uint32(v), true
		}
	}
	if tsecr := r.field(dissector.FieldTSecr); tsecr != "" {
		if v, perr := strconv.ParseUint(tsecr, 10, 32); perr == nil {
			p.TSecr, p.HasTSecr = uint32(v), true
		}
	}

	if r.spec.IncludeTLSClientHello {
		if randHex := r.field(dissector.FieldTLSRandom); randHex != "" {
			if raw, perr := hex.DecodeString(randHex); perr == nil && len(raw) == 32 {
				copy(p.TLSRandom[:], raw)
				p.HasTLSClientHello = true
			}
		}
		p.TLSSessionID = r.field(dissector.FieldTLSSessionID)
	}

	if r.spec.IncludeF5Trailer {
		if peerIP := r.field(dissector.FieldF5PeerIP); peerIP != "" {
			p.F5PeerIP = net.ParseIP(peerIP)
			p.HasF5Trailer = p.F5PeerIP != nil
		}
		if peerPort := r.field(dissector.FieldF5PeerPort); peerPort != "" {
			if v, perr := parseUint16(peerPort); perr == nil {
				p.F5PeerPort = v
			}
		}
	}

	return p, nil
}

func emptyZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func parseInt64(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("empty value")
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseUint16(s string) (uint16, error) {
	if s == "" {
		return 0, errors.New("empty value")
	}
	v, err := strconv.ParseUint(s, 10, 16)
	return uint16(v), err
}

func parseUint32(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

func parseHexOrDecUint16(s string) (uint16, error) {
	if strings.HasPrefix(s, "0x") {
		v, err := strconv.ParseUint(s[2:], 16, 16)
		return uint16(v), err
	}
	v, err := strconv.ParseUint(s, 10, 16)
	return uint16(v), err
}

// parseFlags parses tshark's tcp.flags field, which may render as a hex
// string ("0x018") or decimal depending on preferences; both are accepted.
func parseFlags(s string) (byte, error) {
	if s == "" {
		return 0, nil
	}
	v, err := parseHexOrDecUint16(s)
	return byte(v), err
}

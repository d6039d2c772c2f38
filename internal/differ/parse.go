package differ

import (
	"net"
	"strconv"
	"strings"

	"github.com/rickypin/capmaster/internal/model"
)

// rawDiffPacket holds the raw endpoint fields long enough for extract to
// compute a model.DiffPacket's Direction relative to the match's client.
type rawDiffPacket struct {
	pkt     model.DiffPacket
	srcIP   net.IP
	dstIP   net.IP
	srcPort uint16
}

// parseRawDiffLine parses one tshark CSV line in diffFields order:
// frame,ts,srcip,dstip,srcipv6,dstipv6,srcport,dstport,flags,seq,ack,ipid.
func parseRawDiffLine(line string) (*rawDiffPacket, bool) {
	fields := strings.Split(line, ",")
	const want = 12
	if len(fields) < want {
		padded := make([]string, want)
		copy(padded, fields)
		fields = padded
	}

	frame, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, false
	}

	tsFloat, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return nil, false
	}

	var srcIP, dstIP net.IP
	if fields[2] != "" {
		srcIP = net.ParseIP(fields[2])
	} else {
		srcIP = net.ParseIP(fields[4])
	}
	if fields[3] != "" {
		dstIP = net.ParseIP(fields[3])
	} else {
		dstIP = net.ParseIP(fields[5])
	}

	srcPort, err := strconv.ParseUint(fields[6], 10, 16)
	if err != nil {
		return nil, false
	}

	var flags byte
	if fields[8] != "" {
		v, ferr := strconv.ParseUint(strings.TrimPrefix(fields[8], "0x"), 16, 16)
		if ferr != nil {
			v, ferr = strconv.ParseUint(fields[8], 10, 16)
		}
		if ferr == nil {
			flags = byte(v)
		}
	}

	var seq, ack uint32
	if fields[9] != "" {
		if v, perr := strconv.ParseUint(fields[9], 10, 32); perr == nil {
			seq = uint32(v)
		}
	}
	if fields[10] != "" {
		if v, perr := strconv.ParseUint(fields[10], 10, 32); perr == nil {
			ack = uint32(v)
		}
	}

	var ipid uint16
	if fields[11] != "" {
		s := strings.TrimPrefix(fields[11], "0x")
		if v, perr := strconv.ParseUint(s, 16, 16); perr == nil {
			ipid = uint16(v)
		} else if v, perr := strconv.ParseUint(fields[11], 10, 16); perr == nil {
			ipid = uint16(v)
		}
	}

	return &rawDiffPacket{
		pkt: model.DiffPacket{
			FrameNumber: frame,
			TimestampNS: int64(tsFloat * 1e9),
			Flags:       flags,
			Seq:         seq,
			Ack:         ack,
			IPID:        ipid,
		},
		srcIP:   srcIP,
		dstIP:   dstIP,
		srcPort: uint16(srcPort),
	}, true
}

// Package server implements the ServerDetector (§4.C): the single source
// of truth for which endpoint of a Connection is the server.
//
// The two-phase collect/classify shape and the per-endpoint statistics it
// accumulates are adapted from the teacher's atomicIPProfileMap
// (decoder/ipProfile.go), which keeps a running per-IP profile built up
// as packets arrive. ServerDetector's phase 1 plays the same role —
// accumulate cross-connection statistics before any per-connection
// decision is made — but needs no locking: detection runs on the
// submitting goroutine after per-file extraction has already completed
// (§5 "ServerDetector and Matcher are serial").
package server

import (
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rickypin/capmaster/internal/logging"
	"github.com/rickypin/capmaster/internal/model"
)

// endpoint identifies one side of a connection by address and port.
type endpoint struct {
	ip   string
	port uint16
}

// ServiceList maps a well-known port to a service name, loaded from the
// curated service list file (§6 "Service list file").
type ServiceList map[uint16]string

// Detector runs the two-phase ServerDetector algorithm over one batch of
// Connections. A Detector is single-use: call Collect for every
// Connection in the batch, then Finalize once, then Classify for each.
type Detector struct {
	services ServiceList
	log      *zap.Logger

	endpointClients   map[endpoint]map[string]struct{}
	portServerIPs     map[uint16]map[string]struct{}
	endpointPeerPorts map[endpoint]map[uint16]struct{}

	finalized bool
}

// New builds a Detector. services may be nil, in which case rule 2
// (well-known port) never fires.
func New(services ServiceList, log *zap.Logger) *Detector {
	return &Detector{
		services:          services,
		log:               log,
		endpointClients:   make(map[endpoint]map[string]struct{}),
		portServerIPs:     make(map[uint16]map[string]struct{}),
		endpointPeerPorts: make(map[endpoint]map[uint16]struct{}),
	}
}

// Collect accumulates phase-1 statistics for one Connection using its
// extractor-tentative client/server assignment (§4.C phase 1). Call for
// every Connection in the batch before calling Finalize.
func (d *Detector) Collect(c *model.Connection) {
	if d.finalized {
		panic("server: Collect called after Finalize")
	}

	clientEP := endpoint{ip: ipKey(c.ClientIP), port: c.ClientPort}
	serverEP := endpoint{ip: ipKey(c.ServerIP), port: c.ServerPort}

	d.addClient(serverEP, ipKey(c.ClientIP))
	d.addServerIP(c.ServerPort, ipKey(c.ServerIP))
	d.addPeerPort(clientEP, c.ServerPort)
	d.addPeerPort(serverEP, c.ClientPort)
}

func (d *Detector) addClient(server endpoint, clientIP string) {
	set, ok := d.endpointClients[server]
	if !ok {
		set = make(map[string]struct{})
		d.endpointClients[server] = set
	}
	set[clientIP] = struct{}{}
}

func (d *Detector) addServerIP(port uint16, ip string) {
	set, ok := d.portServerIPs[port]
	if !ok {
		set = make(map[string]struct{})
		d.portServerIPs[port] = set
	}
	set[ip] = struct{}{}
}

func (d *Detector) addPeerPort(ep endpoint, peerPort uint16) {
	set, ok := d.endpointPeerPorts[ep]
	if !ok {
		set = make(map[uint16]struct{})
		d.endpointPeerPorts[ep] = set
	}
	set[peerPort] = struct{}{}
}

// Finalize closes phase 1. Classify must not be called before Finalize,
// and Collect must not be called after (§4.C "Calling phase 2 before
// finalize is an error").
func (d *Detector) Finalize() {
	d.finalized = true
}

// Classify applies the priority-ordered rule set (§4.C phase 2) to one
// Connection, swapping client/server fields if the winning rule disagrees
// with the extractor's tentative assignment, and freezing the Connection's
// directional buffers once the decision is made (invariant i).
//
// Classify is idempotent: calling it twice on the same Connection after a
// single Finalize yields the identical assignment and confidence, since it
// only ever reads phase-1 statistics and the Connection's own fields.
func (d *Detector) Classify(c *model.Connection) {
	if !d.finalized {
		panic("server: Classify called before Finalize")
	}

	serverIsCurrentServer, confidence := d.decide(c)

	if !serverIsCurrentServer {
		before := logTuple(c)
		c.SwapRoles()
		d.log.Debug("server: swapped roles",
			zap.String("before", before),
			zap.String("after", logTuple(c)),
			logging.DumpField("connection", c),
		)
	}

	c.Confidence = confidence
	c.Finalized()
}

// decide returns whether the Connection's current ServerIP/ServerPort
// assignment is the winning side, and the confidence grade. It never
// mutates c.
func (d *Detector) decide(c *model.Connection) (serverIsCurrent bool, confidence model.Confidence) {
	// Rule 1: SYN direction. The extractor always arranges ServerIP/Port
	// to be the SYN recipient when HasSYN is true (§4.B step 4a), so the
	// current assignment already reflects this rule.
	if c.HasSYN {
		return true, model.ConfidenceHigh
	}

	// Rule 2: well-known port.
	if d.services != nil {
		_, serverKnown := d.services[c.ServerPort]
		_, clientKnown := d.services[c.ClientPort]
		switch {
		case serverKnown && !clientKnown:
			return true, model.ConfidenceHigh
		case clientKnown && !serverKnown:
			return false, model.ConfidenceHigh
		}
	}

	clientEP := endpoint{ip: ipKey(c.ClientIP), port: c.ClientPort}
	serverEP := endpoint{ip: ipKey(c.ServerIP), port: c.ServerPort}

	// Rule 3: endpoint cardinality — how many distinct peers has each
	// side, acting as the server, been observed to serve?
	serverPeers := len(d.endpointClients[serverEP])
	clientPeers := len(d.endpointClients[clientEP])

	if ok, conf := cardinalityVerdict(serverPeers, clientPeers); ok != 0 {
		return ok > 0, conf
	}

	// Rule 4: port reuse — how many distinct IPs have used each side's
	// port number in the server role?
	serverPortIPs := len(d.portServerIPs[c.ServerPort])
	clientPortIPs := len(d.portServerIPs[c.ClientPort])

	if serverPortIPs >= 2 && clientPortIPs < 2 {
		return true, model.ConfidenceMedium
	}
	if clientPortIPs >= 2 && serverPortIPs < 2 {
		return false, model.ConfidenceMedium
	}

	// Rule 5: port stability — the server side talks to many peer ports
	// on the client, while the client side only ever uses one port
	// against this server.
	serverPeerPorts := len(d.endpointPeerPorts[serverEP])
	clientPeerPorts := len(d.endpointPeerPorts[clientEP])

	if serverPeerPorts >= 2 && clientPeerPorts == 1 {
		return true, model.ConfidenceMedium
	}
	if clientPeerPorts >= 2 && serverPeerPorts == 1 {
		return false, model.ConfidenceMedium
	}

	// Rule 6: fallback — lower port number is the server.
	return c.ServerPort <= c.ClientPort, model.ConfidenceVeryLow
}

// cardinalityVerdict implements rule 3's two confidence tiers. It returns
// ok=0 when the rule does not fire, ok>0 when the current server side
// wins, ok<0 when the current client side wins.
func cardinalityVerdict(serverPeers, clientPeers int) (ok int, confidence model.Confidence) {
	switch {
	case serverPeers >= 5 && clientPeers <= 1:
		return 1, model.ConfidenceHigh
	case clientPeers >= 5 && serverPeers <= 1:
		return -1, model.ConfidenceHigh
	case serverPeers >= 2 && serverPeers <= 4 && clientPeers <= 1:
		return 1, model.ConfidenceMedium
	case clientPeers >= 2 && clientPeers <= 4 && serverPeers <= 1:
		return -1, model.ConfidenceMedium
	default:
		return 0, model.ConfidenceVeryLow
	}
}

func ipKey(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func logTuple(c *model.Connection) string {
	return c.ClientIP.String() + ":" + strconv.Itoa(int(c.ClientPort)) + "->" + c.ServerIP.String() + ":" + strconv.Itoa(int(c.ServerPort))
}

// LoadServiceList parses the curated service list format (§6): one entry
// per line, "<port> <service-name>", "#"-prefixed comment lines ignored.
func LoadServiceList(lines []string) ServiceList {
	out := make(ServiceList)
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed[0] == '#' {
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) < 2 {
			continue
		}
		port, err := strconv.ParseUint(fields[0], 10, 16)
		if err != nil {
			continue
		}
		out[uint16(port)] = fields[1]
	}
	return out
}

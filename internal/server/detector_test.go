package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rickypin/capmaster/internal/model"
)

func conn(clientIP, serverIP string, clientPort, serverPort uint16, hasSYN bool) *model.Connection {
	return &model.Connection{
		ClientIP:   net.ParseIP(clientIP),
		ClientPort: clientPort,
		ServerIP:   net.ParseIP(serverIP),
		ServerPort: serverPort,
		HasSYN:     hasSYN,
	}
}

func TestClassifyBeforeFinalizePanics(t *testing.T) {
	d := New(nil, zap.NewNop())
	c := conn("10.0.0.1", "10.0.0.2", 5000, 80, true)
	assert.Panics(t, func() { d.Classify(c) })
}

func TestCollectAfterFinalizePanics(t *testing.T) {
	d := New(nil, zap.NewNop())
	d.Finalize()
	c := conn("10.0.0.1", "10.0.0.2", 5000, 80, true)
	assert.Panics(t, func() { d.Collect(c) })
}

func TestSYNDirectionWinsWithHighConfidence(t *testing.T) {
	d := New(nil, zap.NewNop())
	c := conn("10.0.0.1", "10.0.0.2", 5000, 80, true)
	d.Collect(c)
	d.Finalize()
	d.Classify(c)

	assert.Equal(t, "10.0.0.2", c.ServerIP.String())
	assert.Equal(t, uint16(80), c.ServerPort)
	assert.Equal(t, model.ConfidenceHigh, c.Confidence)
}

func TestWellKnownPortOverridesTentativeAssignmentWhenNoSYN(t *testing.T) {
	services := ServiceList{80: "http"}
	d := New(services, zap.NewNop())

	// extractor's tentative guess put 10.0.0.1:80 as client, 10.0.0.2:5000
	// as server (no SYN observed); rule 2 must flip it.
	c := conn("10.0.0.1", "10.0.0.2", 80, 5000, false)
	d.Collect(c)
	d.Finalize()
	d.Classify(c)

	assert.Equal(t, "10.0.0.1", c.ServerIP.String())
	assert.Equal(t, uint16(80), c.ServerPort)
	assert.Equal(t, model.ConfidenceHigh, c.Confidence)
}

func TestEndpointCardinalityHighConfidence(t *testing.T) {
	d := New(nil, zap.NewNop())

	// 10.0.0.2:80 serves 5 distinct clients; no client endpoint is ever
	// seen in the server role.
	var conns []*model.Connection
	for i := 0; i < 5; i++ {
		clientIP := net.IPv4(10, 0, 0, byte(10+i)).String()
		c := conn(clientIP, "10.0.0.2", 6000+uint16(i), 80, false)
		conns = append(conns, c)
		d.Collect(c)
	}
	d.Finalize()

	for _, c := range conns {
		d.Classify(c)
		assert.Equal(t, "10.0.0.2", c.ServerIP.String())
		assert.Equal(t, model.ConfidenceHigh, c.Confidence)
	}
}

func TestFallbackLowerPortWinsWithVeryLowConfidence(t *testing.T) {
	d := New(nil, zap.NewNop())
	c := conn("10.0.0.1", "10.0.0.2", 9000, 500, false)
	d.Collect(c)
	d.Finalize()
	d.Classify(c)

	// 500 < 9000: server side becomes 10.0.0.2:500, already the tentative
	// assignment, so no swap should occur.
	assert.Equal(t, "10.0.0.2", c.ServerIP.String())
	assert.Equal(t, uint16(500), c.ServerPort)
	assert.Equal(t, model.ConfidenceVeryLow, c.Confidence)
}

func TestFallbackSwapsWhenClientPortIsLower(t *testing.T) {
	d := New(nil, zap.NewNop())
	c := conn("10.0.0.1", "10.0.0.2", 22, 9000, false)
	d.Collect(c)
	d.Finalize()
	d.Classify(c)

	assert.Equal(t, "10.0.0.1", c.ServerIP.String())
	assert.Equal(t, uint16(22), c.ServerPort)
	assert.Equal(t, model.ConfidenceVeryLow, c.Confidence)
}

func TestLoadServiceListSkipsCommentsAndBlankLines(t *testing.T) {
	services := LoadServiceList([]string{
		"# curated well-known ports",
		"",
		"80 http",
		"443 https",
		"  22   ssh  ",
	})

	require.Len(t, services, 3)
	assert.Equal(t, "http", services[80])
	assert.Equal(t, "https", services[443])
	assert.Equal(t, "ssh", services[22])
}

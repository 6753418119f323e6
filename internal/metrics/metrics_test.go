package metrics

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayStatsExport(t *testing.T) {
	reg := prometheus.NewRegistry()
	var s GatewayStats
	require.NoError(t, s.Register(reg))

	s.Received.Add(3)
	s.Invalid.Add(1)
	s.Joined.Store(true)

	expected := `
# HELP rbms_gateway_datagrams_received_total Datagrams received on the ingress socket.
# TYPE rbms_gateway_datagrams_received_total counter
rbms_gateway_datagrams_received_total 3
# HELP rbms_gateway_multicast_joined 1 while the multicast group is joined.
# TYPE rbms_gateway_multicast_joined gauge
rbms_gateway_multicast_joined 1
# HELP rbms_gateway_payloads_invalid_total Payloads rejected by validation.
# TYPE rbms_gateway_payloads_invalid_total counter
rbms_gateway_payloads_invalid_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"rbms_gateway_datagrams_received_total",
		"rbms_gateway_multicast_joined",
		"rbms_gateway_payloads_invalid_total",
	))
}

func TestBridgeStatsExport(t *testing.T) {
	reg := NewRegistry()
	var s BridgeStats
	require.NoError(t, s.Register(reg))

	s.PointsWritten.Add(10)
	s.Buffered.Store(2)

	n, err := testutil.GatherAndCount(reg, "rbms_bridge_points_written_total", "rbms_bridge_buffered_points")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// registering twice must fail rather than silently double count
	assert.Error(t, s.Register(reg))
}

func TestStatsLogObject(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	var s GatewayStats
	s.Received.Add(5)
	s.Published.Add(4)
	logger.Info().EmbedObject(&s).Msg("stats")

	out := buf.String()
	assert.Contains(t, out, `"rx":5`)
	assert.Contains(t, out, `"pub":4`)
	assert.Contains(t, out, `"joined":false`)
}

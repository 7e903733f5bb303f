package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitAndCount(t *testing.T) {
	// counters are no-ops before Init, but the shadow totals still move
	rtxBefore, paddingBefore := ProbingBytes()
	AddProbingBytes(ProbingPathRtx, 10)
	IncrementHandshake(HandshakeResultSuccess)

	reg := prometheus.NewRegistry()
	require.NoError(t, Init("node", reg))
	// second Init is ignored
	require.NoError(t, Init("node", reg))

	AddProbingBytes(ProbingPathRtx, 100)
	AddProbingBytes(ProbingPathPadding, 267)
	IncrementProbingRequests()
	IncrementHandshake(HandshakeResultResumed)
	IncrementAlert("fatal", true)
	IncrementPacerPackets(PacketResultSent, 267)

	require.Equal(t, float64(100), testutil.ToFloat64(promProbingBytes.WithLabelValues(string(ProbingPathRtx))))
	require.Equal(t, float64(267), testutil.ToFloat64(promProbingBytes.WithLabelValues(string(ProbingPathPadding))))
	require.Equal(t, float64(1), testutil.ToFloat64(promHandshakes.WithLabelValues(string(HandshakeResultResumed))))
	require.Equal(t, float64(1), testutil.ToFloat64(promAlerts.WithLabelValues("fatal", "remote")))
	require.Equal(t, float64(267), testutil.ToFloat64(promPacerBytes))

	rtx, padding := ProbingBytes()
	require.Equal(t, rtxBefore+110, rtx)
	require.Equal(t, paddingBefore+267, padding)
}

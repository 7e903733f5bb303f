package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

type PacketResult string

const (
	PacketResultSent    PacketResult = "sent"
	PacketResultFailed  PacketResult = "failed"
	PacketResultDropped PacketResult = "dropped"
)

var (
	promPacerPackets *prometheus.CounterVec
	promPacerBytes   prometheus.Counter
)

func initPacerStats(constLabels prometheus.Labels) []prometheus.Collector {
	promPacerPackets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "pacer",
		Name:        "packets",
		ConstLabels: constLabels,
	}, []string{"result"})
	promPacerBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "pacer",
		Name:        "bytes",
		ConstLabels: constLabels,
	})

	return []prometheus.Collector{promPacerPackets, promPacerBytes}
}

func IncrementPacerPackets(result PacketResult, bytes int) {
	if !initialized.Load() {
		return
	}
	promPacerPackets.WithLabelValues(string(result)).Inc()
	if result == PacketResultSent {
		promPacerBytes.Add(float64(bytes))
	}
}

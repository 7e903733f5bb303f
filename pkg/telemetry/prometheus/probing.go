package prometheus

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type ProbingPath string

const (
	ProbingPathRtx     ProbingPath = "rtx"
	ProbingPathPadding ProbingPath = "padding"
)

var (
	atomicProbingBytesRtx     uint64
	atomicProbingBytesPadding uint64

	promProbingBytes    *prometheus.CounterVec
	promProbingRequests prometheus.Counter
)

func initProbingStats(constLabels prometheus.Labels) []prometheus.Collector {
	promProbingBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "probing",
		Name:        "bytes",
		ConstLabels: constLabels,
	}, []string{"path"})
	promProbingRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "probing",
		Name:        "requests",
		ConstLabels: constLabels,
	})

	return []prometheus.Collector{promProbingBytes, promProbingRequests}
}

func IncrementProbingRequests() {
	if !initialized.Load() {
		return
	}
	promProbingRequests.Inc()
}

func AddProbingBytes(path ProbingPath, count uint64) {
	if path == ProbingPathRtx {
		atomic.AddUint64(&atomicProbingBytesRtx, count)
	} else {
		atomic.AddUint64(&atomicProbingBytesPadding, count)
	}

	if !initialized.Load() {
		return
	}
	promProbingBytes.WithLabelValues(string(path)).Add(float64(count))
}

// ProbingBytes returns process wide totals, including those recorded before Init.
func ProbingBytes() (rtx uint64, padding uint64) {
	return atomic.LoadUint64(&atomicProbingBytesRtx), atomic.LoadUint64(&atomicProbingBytesPadding)
}

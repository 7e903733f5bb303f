package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

type HandshakeResult string

const (
	HandshakeResultSuccess        HandshakeResult = "success"
	HandshakeResultResumed        HandshakeResult = "resumed"
	HandshakeResultNoProfile      HandshakeResult = "no_profile"
	HandshakeResultFailed         HandshakeResult = "failed"
	HandshakeResultExportFailed   HandshakeResult = "export_failed"
	HandshakeResultBadCredentials HandshakeResult = "bad_credentials"
)

var (
	promHandshakes *prometheus.CounterVec
	promAlerts     *prometheus.CounterVec
)

func initDTLSStats(constLabels prometheus.Labels) []prometheus.Collector {
	promHandshakes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "dtls",
		Name:        "handshakes",
		ConstLabels: constLabels,
	}, []string{"result"})
	promAlerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "dtls",
		Name:        "alerts",
		ConstLabels: constLabels,
	}, []string{"level", "origin"})

	return []prometheus.Collector{promHandshakes, promAlerts}
}

func IncrementHandshake(result HandshakeResult) {
	if !initialized.Load() {
		return
	}
	promHandshakes.WithLabelValues(string(result)).Inc()
}

func IncrementAlert(level string, remote bool) {
	if !initialized.Load() {
		return
	}
	origin := "local"
	if remote {
		origin = "remote"
	}
	promAlerts.WithLabelValues(level, origin).Inc()
}

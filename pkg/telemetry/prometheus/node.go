package prometheus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	namespace string = "media_transform"
)

var (
	initLock    sync.Mutex
	initialized atomic.Bool
)

// Init creates and registers all collectors. Until it returns successfully
// the increment helpers are no-ops.
func Init(nodeID string, registerer prometheus.Registerer) error {
	initLock.Lock()
	defer initLock.Unlock()

	if initialized.Load() {
		return nil
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	constLabels := prometheus.Labels{"node_id": nodeID}
	for _, init := range []func(prometheus.Labels) []prometheus.Collector{
		initProbingStats,
		initPacerStats,
		initDTLSStats,
	} {
		for _, c := range init(constLabels) {
			if err := registerer.Register(c); err != nil {
				return err
			}
		}
	}

	initialized.Store(true)
	return nil
}

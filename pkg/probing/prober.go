//
// Prober schedules probe clusters.
//
// A cluster asks for a target rate over a short window. Part of that rate is
// expected to come from media already flowing; the prober only makes up the
// shortfall, by calling OnSendProbe with the number of bytes still missing.
// OnSendProbe is normally wired to Engine.RequestProbing, which tops the
// stream up with retransmissions and padding.
//
// Clusters run one after another on a goroutine that only lives while
// clusters are queued. A cluster ends once its desired bytes have been sent
// and its minimum duration has elapsed, or when its maximum duration runs
// out, whichever comes first.
//
// Wake up interval is derived from the rate: probing at 5 Mbps for 1/2 second
// with 4 Mbps expected from media leaves 62500 bytes of probes, about 63
// probes of 1000 bytes, one every 8 ms.
//
package probing

import (
	"fmt"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"
	"github.com/livekit/protocol/logger"
	"go.uber.org/atomic"
)

const (
	bytesPerProbe       = 1000
	maxPacketsPerProbe  = 8
	minClusterSleepTime = time.Millisecond
)

type ClusterID uint32

const ClusterIDInvalid ClusterID = 0

type ProberParams struct {
	// OnSendProbe is asked to send bytesToSend and returns what it actually sent.
	OnSendProbe func(bytesToSend int) int
	Logger      logger.Logger
}

type Prober struct {
	params ProberParams

	clusterID atomic.Uint32

	clustersMu    sync.Mutex
	clusters      deque.Deque[*Cluster]
	activeCluster *Cluster

	stopped core.Fuse
}

func NewProber(params ProberParams) *Prober {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Prober{
		params: params,
	}
}

func (p *Prober) IsRunning() bool {
	p.clustersMu.Lock()
	defer p.clustersMu.Unlock()

	return p.clusters.Len() > 0
}

// Reset drops the active cluster and everything queued behind it.
func (p *Prober) Reset() {
	p.clustersMu.Lock()
	defer p.clustersMu.Unlock()

	if p.activeCluster != nil {
		p.params.Logger.Debugw("prober: resetting active cluster", "cluster", p.activeCluster)
	}
	p.clusters.Clear()
	p.activeCluster = nil
}

// Stop ends probing for good. Clusters added afterwards are ignored.
func (p *Prober) Stop() {
	p.stopped.Break()
	p.Reset()
}

func (p *Prober) AddCluster(desiredRateBps int, expectedRateBps int, minDuration time.Duration, maxDuration time.Duration) ClusterID {
	if desiredRateBps <= 0 || minDuration <= 0 || p.stopped.IsBroken() {
		return ClusterIDInvalid
	}
	if maxDuration < minDuration {
		maxDuration = minDuration
	}

	id := ClusterID(p.clusterID.Inc())
	cluster := NewCluster(id, desiredRateBps, expectedRateBps, minDuration, maxDuration)
	p.params.Logger.Debugw("cluster added", "cluster", cluster)

	p.pushBackClusterAndMaybeStart(cluster)
	return id
}

// PacketSent accounts media sent while a cluster is active towards its goal.
func (p *Prober) PacketSent(size int) {
	cluster := p.getFrontCluster()
	if cluster == nil {
		return
	}

	cluster.PacketSent(size)
}

func (p *Prober) GetActiveClusterID() ClusterID {
	p.clustersMu.Lock()
	defer p.clustersMu.Unlock()

	if p.activeCluster != nil {
		return p.activeCluster.ID()
	}
	return ClusterIDInvalid
}

func (p *Prober) getFrontCluster() *Cluster {
	p.clustersMu.Lock()
	defer p.clustersMu.Unlock()

	if p.activeCluster != nil {
		return p.activeCluster
	}

	if p.clusters.Len() == 0 {
		p.activeCluster = nil
	} else {
		p.activeCluster = p.clusters.Front()
		p.activeCluster.Start()
	}
	return p.activeCluster
}

func (p *Prober) popFrontCluster(cluster *Cluster) {
	p.clustersMu.Lock()
	defer p.clustersMu.Unlock()

	if p.clusters.Len() == 0 {
		p.activeCluster = nil
		return
	}

	if p.clusters.Front() == cluster {
		p.clusters.PopFront()
	}

	if cluster == p.activeCluster {
		p.activeCluster = nil
	}
}

func (p *Prober) pushBackClusterAndMaybeStart(cluster *Cluster) {
	p.clustersMu.Lock()
	defer p.clustersMu.Unlock()

	p.clusters.PushBack(cluster)

	if p.clusters.Len() == 1 {
		go p.run()
	}
}

func (p *Prober) run() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		cluster := p.getFrontCluster()
		if cluster == nil {
			return
		}

		ticker.Reset(cluster.GetSleepDuration())
		select {
		case <-ticker.C:
		case <-p.stopped.Watch():
			return
		}

		// wake up and check for probes to send
		cluster = p.getFrontCluster()
		if cluster == nil {
			return
		}

		if !cluster.Process(p.params.OnSendProbe) {
			p.params.Logger.Debugw("cluster done", "cluster", cluster)
			p.popFrontCluster(cluster)
		}
	}
}

// ---------------------------------

type Cluster struct {
	lock sync.RWMutex

	id           ClusterID
	desiredBytes int
	minDuration  time.Duration
	maxDuration  time.Duration

	sleepDuration time.Duration

	bytesSentProbe    int
	bytesSentNonProbe int
	startTime         time.Time
}

func NewCluster(id ClusterID, desiredRateBps int, expectedRateBps int, minDuration time.Duration, maxDuration time.Duration) *Cluster {
	minDurationMs := minDuration.Milliseconds()
	desiredBytes := int((int64(desiredRateBps)*minDurationMs/time.Second.Milliseconds() + 7) / 8)
	expectedBytes := int((int64(expectedRateBps)*minDurationMs/time.Second.Milliseconds() + 7) / 8)

	// pace based on sending approximately 1000 bytes per probe
	numProbes := (desiredBytes - expectedBytes + bytesPerProbe - 1) / bytesPerProbe
	if numProbes < 1 {
		numProbes = 1
	}
	sleepDuration := time.Duration(int64(minDuration) / int64(numProbes))
	if sleepDuration < minClusterSleepTime {
		sleepDuration = minClusterSleepTime
	}

	return &Cluster{
		id:            id,
		desiredBytes:  desiredBytes,
		minDuration:   minDuration,
		maxDuration:   maxDuration,
		sleepDuration: sleepDuration,
	}
}

func (c *Cluster) ID() ClusterID {
	return c.id
}

func (c *Cluster) Start() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.startTime.IsZero() {
		c.startTime = time.Now()
	}
}

func (c *Cluster) GetSleepDuration() time.Duration {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.sleepDuration
}

func (c *Cluster) PacketSent(size int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.bytesSentNonProbe += size
}

func (c *Cluster) BytesSent() (probe int, nonProbe int) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.bytesSentProbe, c.bytesSentNonProbe
}

// Process sends whatever the cluster is behind on and reports whether the
// cluster should keep running.
func (c *Cluster) Process(onSendProbe func(bytesToSend int) int) bool {
	c.lock.RLock()

	// if already past deadline, end the cluster
	timeElapsed := time.Since(c.startTime)
	if timeElapsed > c.maxDuration {
		c.lock.RUnlock()
		return false
	}

	// Bytes that should have been sent by now. Once minDuration has passed
	// the whole goal is due.
	windowDone := float64(timeElapsed) / float64(c.minDuration)
	if windowDone > 1.0 {
		windowDone = 1.0
	}

	bytesShouldHaveBeenSent := int(windowDone * float64(c.desiredBytes))
	bytesShortFall := bytesShouldHaveBeenSent - c.bytesSentProbe - c.bytesSentNonProbe
	if bytesShortFall < 0 {
		bytesShortFall = 0
	}
	// cap short fall to a few padding packets per iteration
	if bytesShortFall > PaddingPacketSize*maxPacketsPerProbe {
		bytesShortFall = PaddingPacketSize * maxPacketsPerProbe
	}
	// round up to packet size
	bytesShortFall = ((bytesShortFall + PaddingPacketSize - 1) / PaddingPacketSize) * PaddingPacketSize
	c.lock.RUnlock()

	bytesSent := 0
	if bytesShortFall > 0 && onSendProbe != nil {
		bytesSent = onSendProbe(bytesShortFall)
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	c.bytesSentProbe += bytesSent

	// do not end cluster until minDuration elapses even if rate is achieved,
	// the next cluster must not start early
	return (c.bytesSentProbe+c.bytesSentNonProbe) < c.desiredBytes || timeElapsed < c.minDuration
}

func (c *Cluster) String() string {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return fmt.Sprintf("id: %d, bytes: desired %d / probe %d / non-probe %d, time(ms): sleep %d / min %d / max %d",
		c.id,
		c.desiredBytes,
		c.bytesSentProbe,
		c.bytesSentNonProbe,
		c.sleepDuration.Milliseconds(),
		c.minDuration.Milliseconds(),
		c.maxDuration.Milliseconds(),
	)
}

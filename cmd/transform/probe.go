package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/media-transform/pkg/config"
	"github.com/livekit/media-transform/pkg/events"
	"github.com/livekit/media-transform/pkg/pacer"
	"github.com/livekit/media-transform/pkg/packet"
	"github.com/livekit/media-transform/pkg/packetcache"
	"github.com/livekit/media-transform/pkg/payloadtype"
	"github.com/livekit/media-transform/pkg/probing"
	"github.com/livekit/media-transform/pkg/rtx"
)

const (
	probeVideoPayloadType = 96
	probeRtxPayloadType   = 97
	mediaTickInterval     = 20 * time.Millisecond
	videoClockRate        = 90000
)

// trafficCounter is the track writer at the end of the pacer, it classifies
// what actually went out.
type trafficCounter struct {
	rtxSSRC uint32

	mediaPackets   atomic.Uint64
	mediaBytes     atomic.Uint64
	rtxPackets     atomic.Uint64
	rtxBytes       atomic.Uint64
	paddingPackets atomic.Uint64
	paddingBytes   atomic.Uint64
}

func (t *trafficCounter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	size := header.MarshalSize() + len(payload)
	switch {
	case t.rtxSSRC != 0 && header.SSRC == t.rtxSSRC:
		t.rtxPackets.Inc()
		t.rtxBytes.Add(uint64(size))
	case header.Padding && len(payload) > 0 && int(payload[len(payload)-1]) == len(payload):
		t.paddingPackets.Inc()
		t.paddingBytes.Add(uint64(size))
	default:
		t.mediaPackets.Inc()
		t.mediaBytes.Add(uint64(size))
	}
	return size, nil
}

func (t *trafficCounter) Write(b []byte) (int, error) {
	var p rtp.Packet
	if err := p.Unmarshal(b); err != nil {
		return 0, err
	}
	return t.WriteRTP(&p.Header, p.Payload)
}

// mediaSource produces a synthetic video stream, caching every packet it sends.
type mediaSource struct {
	ssrc        uint32
	payloadSize int
	cache       *packetcache.Cache
	sink        packet.Sink

	sequenceNumber uint16
	timestamp      uint32
}

func (m *mediaSource) send(count int) error {
	batch := make([]*packet.Outbound, 0, count)
	for i := 0; i < count; i++ {
		p := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == count-1,
				PayloadType:    probeVideoPayloadType,
				SequenceNumber: m.sequenceNumber,
				Timestamp:      m.timestamp,
				SSRC:           m.ssrc,
			},
			Payload: make([]byte, m.payloadSize),
		}
		m.sequenceNumber++

		buf, err := p.Marshal()
		if err != nil {
			return err
		}
		if err = m.cache.Insert(buf); err != nil {
			return err
		}
		batch = append(batch, &packet.Outbound{Header: p.Header, Payload: p.Payload})
	}
	m.timestamp += uint32(videoClockRate * mediaTickInterval / time.Second)

	m.sink.Send(batch)
	return nil
}

func runProbe(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return errors.Wrap(err, "get config")
	}

	ssrc := uint32(c.Uint("ssrc"))
	rtxSSRC := uint32(c.Uint("rtx-ssrc"))
	expectedBitrate := c.Int("expected-bitrate")

	counter := &trafficCounter{rtxSSRC: rtxSSRC}
	p, err := newPacer(conf)
	if err != nil {
		return err
	}
	defer p.Stop()

	var prober *probing.Prober
	sink := pacer.NewSink(pacer.SinkParams{
		Pacer:       p,
		WriteStream: counter,
		OnPacketSent: func(size int, isProbe bool) {
			if !isProbe {
				prober.PacketSent(size)
			}
		},
	})

	cache := packetcache.New(packetcache.Params{
		PacketsPerStream: conf.PacketCache.PacketsPerStream,
		Logger:           logger.GetLogger().WithName("packetcache"),
	})
	rtxSender := rtx.NewSender(rtx.SenderParams{
		Next:   sink,
		Logger: logger.GetLogger().WithName("rtx"),
	})
	engine := probing.NewEngine(probing.EngineParams{
		Cache:       cache,
		RtxSink:     rtxSender,
		PaddingSink: sink,
		Logger:      logger.GetLogger().WithName("probing"),
	})
	prober = probing.NewProber(probing.ProberParams{
		OnSendProbe: func(bytesToSend int) int {
			return engine.RequestProbing(ssrc, bytesToSend)
		},
		Logger: logger.GetLogger().WithName("prober"),
	})
	defer prober.Stop()

	feed := events.NewFeed(events.FeedParams{})
	feed.AddObserver("probing", engine)
	feed.AddObserver("rtx", rtxSender)
	if err = configureFeed(feed, ssrc, rtxSSRC); err != nil {
		return err
	}

	media := &mediaSource{
		ssrc:        ssrc,
		payloadSize: c.Int("packet-size"),
		cache:       cache,
		sink:        sink,
	}
	if err = media.send(c.Int("packets")); err != nil {
		return err
	}

	start := time.Now()
	id := prober.AddCluster(c.Int("desired-bitrate"), expectedBitrate, conf.Probing.ClusterMinDuration, conf.Probing.ClusterMaxDuration)
	if id == probing.ClusterIDInvalid {
		return fmt.Errorf("could not start probe cluster")
	}

	packetsPerTick := mediaPacketsPerTick(expectedBitrate, media.payloadSize)

	ticker := time.NewTicker(mediaTickInterval)
	defer ticker.Stop()
	deadline := time.After(conf.Probing.ClusterMaxDuration + time.Second)
	for prober.IsRunning() {
		select {
		case <-ticker.C:
			if packetsPerTick > 0 {
				if err = media.send(packetsPerTick); err != nil {
					return err
				}
			}
		case <-deadline:
			logger.Warnw("probe cluster did not finish in time", nil, "cluster", id)
			prober.Reset()
		case <-c.Context.Done():
			return c.Context.Err()
		}
	}
	elapsed := time.Since(start)

	printProbe(counter, engine.Stats(), rtxSender.Stats(), elapsed)
	fmt.Println(engine.Stats().Block())
	return nil
}

// mediaPacketsPerTick is how many packets of payloadSize keep a stream at
// bitrate, rounded up.
func mediaPacketsPerTick(bitrate int, payloadSize int) int {
	packetSize := payloadSize + probing.RTPHeaderSize
	bytesPerTick := bitrate / 8 * int(mediaTickInterval) / int(time.Second)
	return (bytesPerTick + packetSize - 1) / packetSize
}

func newPacer(conf *config.Config) (pacer.Pacer, error) {
	return pacer.New(pacer.Params{
		Kind:     conf.Probing.Pacer,
		Interval: conf.Probing.LeakyBucketInterval,
		Bitrate:  conf.Probing.LeakyBucketBitrate,
		Logger:   logger.GetLogger().WithName("pacer"),
	})
}

func configureFeed(feed *events.Feed, ssrc uint32, rtxSSRC uint32) error {
	vp8, err := payloadtype.NewVp8(probeVideoPayloadType, nil)
	if err != nil {
		return err
	}
	if err = feed.AddPayloadType(vp8); err != nil {
		return err
	}
	feed.SetLocalSsrc(payloadtype.MediaKindVideo, ssrc)

	if rtxSSRC == 0 {
		return nil
	}
	rtxPayloadType, err := payloadtype.NewRtx(probeRtxPayloadType, probeVideoPayloadType, nil)
	if err != nil {
		return err
	}
	if err = feed.AddPayloadType(rtxPayloadType); err != nil {
		return err
	}
	feed.AssociateSsrcs(ssrc, rtxSSRC, events.AssociationTypeRtx)
	return nil
}

func printProbe(counter *trafficCounter, stats probing.Stats, rtxStats rtx.Stats, elapsed time.Duration) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{
		"Traffic",
		"Packets",
		"Bytes",
		"Rate",
	})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
	})

	row := func(name string, packets uint64, bytes uint64) []string {
		rate := uint64(0)
		if elapsed > 0 {
			rate = uint64(float64(bytes*8) / elapsed.Seconds())
		}
		return []string{
			name,
			humanize.Comma(int64(packets)),
			humanize.Bytes(bytes),
			humanize.SI(float64(rate), "bps"),
		}
	}
	table.Append(row("media", counter.mediaPackets.Load(), counter.mediaBytes.Load()))
	table.Append(row("rtx", counter.rtxPackets.Load(), counter.rtxBytes.Load()))
	table.Append(row("padding", counter.paddingPackets.Load(), counter.paddingBytes.Load()))
	table.SetFooter([]string{
		elapsed.Round(time.Millisecond).String(),
		fmt.Sprintf("%d wrapped, %d as is", rtxStats.PacketsWrapped, rtxStats.PacketsPassThrough),
		fmt.Sprintf("%s probing", humanize.Bytes(stats.BytesSentRtx+stats.BytesSentPadding)),
		"",
	})
	table.Render()
}

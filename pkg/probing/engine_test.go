package probing

import (
	"math/rand"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/media-transform/pkg/events"
	"github.com/livekit/media-transform/pkg/packet"
	"github.com/livekit/media-transform/pkg/payloadtype"
)

const (
	testMediaSSRC = uint32(1111)
	testLocalSSRC = uint32(2222)
)

type fakeRecord struct {
	data []byte
}

func (r *fakeRecord) Data() []byte {
	return r.data
}

type fakeCache struct {
	records map[uint32][]packet.CachedPacket
	calls   int
}

func (c *fakeCache) GetMany(ssrc uint32, _ int) []packet.CachedPacket {
	c.calls++
	return c.records[ssrc]
}

type recordingSink struct {
	batches [][]*packet.Outbound
}

func (s *recordingSink) Send(batch []*packet.Outbound) {
	s.batches = append(s.batches, batch)
}

func (s *recordingSink) packets() []*packet.Outbound {
	var all []*packet.Outbound
	for _, b := range s.batches {
		all = append(all, b...)
	}
	return all
}

func (s *recordingSink) bytes() int {
	total := 0
	for _, p := range s.packets() {
		total += p.Len()
	}
	return total
}

type fixedRand struct {
	values []uint32
}

func (r *fixedRand) Uint32() uint32 {
	v := r.values[0]
	r.values = r.values[1:]
	return v
}

func cachedPacket(t *testing.T, sn uint16, size int) *fakeRecord {
	t.Helper()

	p := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    100,
			SequenceNumber: sn,
			Timestamp:      1234,
			SSRC:           testMediaSSRC,
		},
		Payload: make([]byte, size-RTPHeaderSize),
	}
	buf, err := p.Marshal()
	require.NoError(t, err)
	require.Len(t, buf, size)
	return &fakeRecord{data: buf}
}

type testEngine struct {
	*Engine
	cache       *fakeCache
	rtxSink     *recordingSink
	paddingSink *recordingSink
}

func newTestEngine(t *testing.T, sizes ...int) *testEngine {
	t.Helper()

	cache := &fakeCache{records: map[uint32][]packet.CachedPacket{}}
	for i, size := range sizes {
		cache.records[testMediaSSRC] = append(cache.records[testMediaSSRC], cachedPacket(t, uint16(i+1), size))
	}
	te := &testEngine{
		cache:       cache,
		rtxSink:     &recordingSink{},
		paddingSink: &recordingSink{},
	}
	te.Engine = NewEngine(EngineParams{
		Cache:       cache,
		RtxSink:     te.rtxSink,
		PaddingSink: te.paddingSink,
		Rand:        rand.New(rand.NewSource(1)),
	})
	return te
}

func (te *testEngine) addRtx(t *testing.T) {
	rtx, err := payloadtype.NewRtx(96, 100, nil)
	require.NoError(t, err)
	te.HandleEvent(events.PayloadTypeAdded{PayloadType: rtx})
}

func (te *testEngine) addVideo(t *testing.T, number int) {
	vp8, err := payloadtype.NewVp8(number, nil)
	require.NoError(t, err)
	te.HandleEvent(events.PayloadTypeAdded{PayloadType: vp8})
}

func (te *testEngine) setLocalVideoSsrc() {
	te.HandleEvent(events.LocalSsrcSet{Kind: payloadtype.MediaKindVideo, SSRC: testLocalSSRC})
}

func TestRetransmissionBudgetRespected(t *testing.T) {
	sizes := []int{120, 300, 80, 1200, 64, 500, 90, 700}
	for _, budget := range []int{0, 1, 63, 120, 121, 500, 1000, 2000, 3054, 6108, 10000} {
		te := newTestEngine(t, sizes...)
		te.addRtx(t)

		sent := te.RequestProbing(testMediaSSRC, budget)
		require.LessOrEqual(t, te.rtxSink.bytes(), budget, "budget %d", budget)
		require.Equal(t, te.rtxSink.bytes(), sent, "budget %d", budget)
		require.LessOrEqual(t, len(te.rtxSink.batches), 1)
		require.Empty(t, te.paddingSink.batches)
	}
}

func TestRetransmissionWalksWindowTwice(t *testing.T) {
	te := newTestEngine(t, 100, 100, 100)
	te.addRtx(t)

	sent := te.RequestProbing(testMediaSSRC, 550)
	require.Equal(t, 500, sent)
	require.Len(t, te.rtxSink.batches, 1)

	var sns []uint16
	for _, p := range te.rtxSink.packets() {
		require.True(t, p.Retransmission)
		require.True(t, p.Probing)
		sns = append(sns, p.Header.SequenceNumber)
	}
	require.Equal(t, []uint16{1, 2, 3, 1, 2}, sns)

	// never more than two passes
	te = newTestEngine(t, 100, 100, 100)
	te.addRtx(t)
	require.Equal(t, 600, te.RequestProbing(testMediaSSRC, 10000))
	require.Len(t, te.rtxSink.packets(), 6)
}

func TestRetransmissionStopsAtFirstOverflow(t *testing.T) {
	te := newTestEngine(t, 100, 300, 50)
	te.addRtx(t)

	require.Equal(t, 100, te.RequestProbing(testMediaSSRC, 120))
	require.Len(t, te.rtxSink.packets(), 1)
}

func TestRetransmissionSkipsRecycledRecords(t *testing.T) {
	te := newTestEngine(t, 100, 100, 100)
	te.cache.records[testMediaSSRC][1].(*fakeRecord).data = nil
	te.cache.records[testMediaSSRC] = append(te.cache.records[testMediaSSRC], nil)
	te.addRtx(t)

	require.Equal(t, 400, te.RequestProbing(testMediaSSRC, 1000))
	var sns []uint16
	for _, p := range te.rtxSink.packets() {
		sns = append(sns, p.Header.SequenceNumber)
	}
	require.Equal(t, []uint16{1, 3, 1, 3}, sns)
}

func TestRetransmissionCopiesPackets(t *testing.T) {
	te := newTestEngine(t, 100)
	te.addRtx(t)

	require.Equal(t, 200, te.RequestProbing(testMediaSSRC, 200))
	pkts := te.rtxSink.packets()
	require.Len(t, pkts, 2)
	require.NotSame(t, pkts[0], pkts[1])

	// overwrite the cache's storage, as a recycling cache would
	src := te.cache.records[testMediaSSRC][0].(*fakeRecord).data
	for i := range src {
		src[i] = 0xff
	}
	require.Equal(t, uint32(testMediaSSRC), pkts[0].Header.SSRC)
	require.Equal(t, uint16(1), pkts[0].Header.SequenceNumber)
	require.Equal(t, make([]byte, 100-RTPHeaderSize), pkts[0].Payload)
	require.Equal(t, 100, pkts[0].Len())
}

func TestUnknownStreamYieldsNothing(t *testing.T) {
	te := newTestEngine(t)
	te.addRtx(t)

	require.Equal(t, 0, te.RequestProbing(testMediaSSRC, 1000))
	require.Equal(t, 1, te.cache.calls)
	require.Empty(t, te.rtxSink.batches)
}

func TestRtxGating(t *testing.T) {
	te := newTestEngine(t, 100, 100)
	te.addVideo(t, 100)

	te.RequestProbing(testMediaSSRC, 1000)
	require.Equal(t, 0, te.cache.calls)
	require.Empty(t, te.rtxSink.batches)

	te.addRtx(t)
	require.True(t, te.IsRtxSupported())
	te.HandleEvent(events.PayloadTypesCleared{})
	require.False(t, te.IsRtxSupported())

	te.RequestProbing(testMediaSSRC, 1000)
	require.Equal(t, 0, te.cache.calls)
	require.Empty(t, te.rtxSink.batches)
}

func TestPaddingOvershoot(t *testing.T) {
	testCases := []struct {
		need        int
		wantPackets int
	}{
		{1, 1},
		{266, 1},
		{267, 2},
		{1000, 4},
		{2670, 11},
	}
	for _, tc := range testCases {
		te := newTestEngine(t)
		te.addVideo(t, 100)
		te.setLocalVideoSsrc()

		sent := te.RequestProbing(testMediaSSRC, tc.need)
		require.Equal(t, tc.wantPackets*PaddingPacketSize, sent, "need %d", tc.need)
		require.GreaterOrEqual(t, sent, PaddingPacketSize)
		// an exact multiple of the packet size still gets one extra packet
		require.LessOrEqual(t, sent-tc.need, PaddingPacketSize)

		// one packet per send
		require.Len(t, te.paddingSink.batches, tc.wantPackets)
		for _, b := range te.paddingSink.batches {
			require.Len(t, b, 1)
			p := b[0]
			require.Equal(t, PaddingPacketSize, p.Len())
			require.True(t, p.Header.Padding)
			require.True(t, p.Probing)
			require.False(t, p.Retransmission)
			require.Equal(t, uint8(100), p.Header.PayloadType)
			require.Equal(t, testLocalSSRC, p.Header.SSRC)
			require.Equal(t, byte(RTPPaddingPayloadSize), p.Payload[len(p.Payload)-1])
		}
	}
}

func TestPaddingGating(t *testing.T) {
	// no local ssrc
	te := newTestEngine(t)
	te.addVideo(t, 100)
	require.Equal(t, 0, te.RequestProbing(testMediaSSRC, 1000))
	require.Empty(t, te.paddingSink.batches)

	// no video payload type
	te = newTestEngine(t)
	te.setLocalVideoSsrc()
	te.addRtx(t)
	require.Equal(t, 0, te.RequestProbing(testMediaSSRC, 1000))
	require.Empty(t, te.paddingSink.batches)

	// audio ssrc does not count
	te = newTestEngine(t)
	te.addVideo(t, 100)
	te.HandleEvent(events.LocalSsrcSet{Kind: payloadtype.MediaKindAudio, SSRC: 1})
	require.Equal(t, 0, te.RequestProbing(testMediaSSRC, 1000))
}

func TestRetransmissionThenPadding(t *testing.T) {
	te := newTestEngine(t, 250)
	te.addRtx(t)
	te.addVideo(t, 100)
	te.setLocalVideoSsrc()

	// rtx: 250 + 250 = 500, padding for the remaining 500: 2 packets
	sent := te.RequestProbing(testMediaSSRC, 1000)
	require.Equal(t, 500+2*PaddingPacketSize, sent)
	require.Equal(t, 500, te.rtxSink.bytes())
	require.Equal(t, 2*PaddingPacketSize, te.paddingSink.bytes())

	// rtx fills the budget exactly, no padding
	te = newTestEngine(t, 250)
	te.addRtx(t)
	te.addVideo(t, 100)
	te.setLocalVideoSsrc()
	require.Equal(t, 500, te.RequestProbing(testMediaSSRC, 500))
	require.Empty(t, te.paddingSink.batches)
}

func TestPaddingSequenceNumbersAndTimestamps(t *testing.T) {
	te := newTestEngine(t)
	te.Engine = NewEngine(EngineParams{
		PaddingSink: te.paddingSink,
		Rand:        &fixedRand{values: []uint32{65530, 1000}},
	})
	te.addVideo(t, 100)
	te.setLocalVideoSsrc()

	// 10 packets
	te.RequestProbing(testMediaSSRC, 9*PaddingPacketSize)
	pkts := te.paddingSink.packets()
	require.Len(t, pkts, 10)
	expectedSN := uint16(65530)
	for _, p := range pkts {
		require.Equal(t, expectedSN, p.Header.SequenceNumber)
		require.Equal(t, uint32(1000), p.Header.Timestamp)
		expectedSN++
	}
	require.Equal(t, uint16(3), pkts[9].Header.SequenceNumber)

	te.paddingSink.batches = nil
	te.RequestProbing(testMediaSSRC, 1)
	pkts = te.paddingSink.packets()
	require.Len(t, pkts, 1)
	require.Equal(t, uint16(4), pkts[0].Header.SequenceNumber)
	require.Equal(t, uint32(4000), pkts[0].Header.Timestamp)
}

func TestPaddingTimestampWraps(t *testing.T) {
	sink := &recordingSink{}
	e := NewEngine(EngineParams{
		PaddingSink: sink,
		Rand:        &fixedRand{values: []uint32{0, 0xffffffff - 1000}},
	})
	vp8, _ := payloadtype.NewVp8(100, nil)
	e.HandleEvent(events.PayloadTypeAdded{PayloadType: vp8})
	e.HandleEvent(events.LocalSsrcSet{Kind: payloadtype.MediaKindVideo, SSRC: testLocalSSRC})

	e.RequestProbing(testMediaSSRC, 1)
	e.RequestProbing(testMediaSSRC, 1)
	pkts := sink.packets()
	require.Len(t, pkts, 2)
	require.Equal(t, uint32(0xffffffff-1000), pkts[0].Header.Timestamp)
	require.Equal(t, uint32(1999), pkts[1].Header.Timestamp)
}

type countingSink struct {
	count  int
	lastSN uint16
}

func (s *countingSink) Send(batch []*packet.Outbound) {
	for _, p := range batch {
		s.count++
		s.lastSN = p.Header.SequenceNumber
	}
}

func TestPaddingSequenceNumberFullCycle(t *testing.T) {
	sink := &countingSink{}
	e := NewEngine(EngineParams{
		PaddingSink: sink,
		Rand:        &fixedRand{values: []uint32{12345, 0}},
	})
	vp8, _ := payloadtype.NewVp8(100, nil)
	e.HandleEvent(events.PayloadTypeAdded{PayloadType: vp8})
	e.HandleEvent(events.LocalSsrcSet{Kind: payloadtype.MediaKindVideo, SSRC: testLocalSSRC})

	// exactly 65536 packets
	e.RequestProbing(testMediaSSRC, 65535*PaddingPacketSize)
	require.Equal(t, 65536, sink.count)
	require.Equal(t, uint16(12344), sink.lastSN)

	e.RequestProbing(testMediaSSRC, 1)
	require.Equal(t, uint16(12345), sink.lastSN)
}

func TestCountersAreCumulative(t *testing.T) {
	te := newTestEngine(t, 100, 150)
	te.addRtx(t)
	te.addVideo(t, 100)
	te.setLocalVideoSsrc()

	var prev Stats
	var rtxTotal, paddingTotal uint64
	for _, budget := range []int{0, 50, 100, 260, 500, 1000, 3000} {
		rtxBefore := te.rtxSink.bytes()
		paddingBefore := te.paddingSink.bytes()

		sent := te.RequestProbing(testMediaSSRC, budget)

		rtxTotal += uint64(te.rtxSink.bytes() - rtxBefore)
		paddingTotal += uint64(te.paddingSink.bytes() - paddingBefore)
		require.Equal(t, uint64(sent), uint64(te.rtxSink.bytes()-rtxBefore+te.paddingSink.bytes()-paddingBefore))

		stats := te.Stats()
		require.GreaterOrEqual(t, stats.BytesSentRtx, prev.BytesSentRtx)
		require.GreaterOrEqual(t, stats.BytesSentPadding, prev.BytesSentPadding)
		require.Equal(t, rtxTotal, stats.BytesSentRtx)
		require.Equal(t, paddingTotal, stats.BytesSentPadding)
		prev = stats
	}

	// reading stats does not reset them
	require.Equal(t, prev, te.Stats())
}

func TestClearResetsState(t *testing.T) {
	te := newTestEngine(t, 100, 100)
	te.addRtx(t)
	te.addVideo(t, 100)
	te.HandleEvent(events.PayloadTypesCleared{})

	fresh := newTestEngine(t, 100, 100)

	for _, e := range []*testEngine{te, fresh} {
		require.Equal(t, 0, e.RequestProbing(testMediaSSRC, 1000))
		require.Equal(t, 0, e.cache.calls)
		require.Empty(t, e.rtxSink.batches)
		require.Empty(t, e.paddingSink.batches)
		require.False(t, e.IsRtxSupported())
	}

	// local ssrc alone is not enough after a clear
	te.setLocalVideoSsrc()
	require.Equal(t, 0, te.RequestProbing(testMediaSSRC, 1000))

	// types signaled again bring probing back
	te.addVideo(t, 98)
	require.Equal(t, 4*PaddingPacketSize, te.RequestProbing(testMediaSSRC, 1000))
	require.Equal(t, uint8(98), te.paddingSink.packets()[0].Header.PayloadType)
}

func TestFirstVideoPayloadTypeWins(t *testing.T) {
	te := newTestEngine(t)
	te.addVideo(t, 100)
	vp9, _ := payloadtype.NewVideo(100, payloadtype.EncodingVP9, nil)
	te.HandleEvent(events.PayloadTypeAdded{PayloadType: vp9})
	te.addVideo(t, 98)
	opus, _ := payloadtype.New(111, payloadtype.EncodingOpus, payloadtype.MediaKindAudio, 48000, nil)
	te.HandleEvent(events.PayloadTypeAdded{PayloadType: opus})
	te.setLocalVideoSsrc()

	te.RequestProbing(testMediaSSRC, 1)
	pkts := te.paddingSink.packets()
	require.Len(t, pkts, 1)
	require.Equal(t, uint8(100), pkts[0].Header.PayloadType)
}

func TestStatsBlock(t *testing.T) {
	block := Stats{BytesSentRtx: 10, BytesSentPadding: 534}.Block()
	require.Equal(t, "Probing data sender", block.Name)
	require.Equal(t, []string{
		"num_bytes_of_probing_data_sent_as_rtx: 10",
		"num_bytes_of_probing_data_sent_as_padding: 534",
	}, block.Lines)
	require.Equal(t,
		"Probing data sender:\n  num_bytes_of_probing_data_sent_as_rtx: 10\n  num_bytes_of_probing_data_sent_as_padding: 534",
		block.String(),
	)
}

package pacer

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/media-transform/pkg/packet"
)

type writeStream struct {
	lock    sync.Mutex
	packets []rtp.Packet
	err     error
}

func (w *writeStream) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.err != nil {
		return 0, w.err
	}
	w.packets = append(w.packets, rtp.Packet{Header: header.Clone(), Payload: append([]byte(nil), payload...)})
	return header.MarshalSize() + len(payload), nil
}

func (w *writeStream) Write(b []byte) (int, error) {
	return len(b), nil
}

func (w *writeStream) written() []rtp.Packet {
	w.lock.Lock()
	defer w.lock.Unlock()

	return append([]rtp.Packet(nil), w.packets...)
}

func testPacket(w *writeStream, sn uint16, size int) Packet {
	return Packet{
		Header: &rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: sn,
			SSRC:           1234,
		},
		Payload:     make([]byte, size),
		WriteStream: w,
	}
}

func TestNew(t *testing.T) {
	p, err := New(Params{})
	require.NoError(t, err)
	require.IsType(t, &PassThrough{}, p)

	p, err = New(Params{Kind: KindNoQueue})
	require.NoError(t, err)
	require.IsType(t, &NoQueue{}, p)
	p.Stop()

	_, err = New(Params{Kind: KindLeakyBucket})
	require.Error(t, err)

	p, err = New(Params{Kind: KindLeakyBucket, Interval: 5 * time.Millisecond, Bitrate: 1_000_000})
	require.NoError(t, err)
	require.IsType(t, &LeakyBucket{}, p)
	p.Stop()

	_, err = New(Params{Kind: "bogus"})
	require.Error(t, err)
}

func TestPassThrough(t *testing.T) {
	w := &writeStream{}
	p := NewPassThrough(logger.GetLogger())

	var sentSize int
	pkt := testPacket(w, 1, 100)
	pkt.AbsSendTimeExtID = 3
	pkt.OnSent = func(sentHeader *rtp.Header, payloadSize int, sentTime time.Time, sendError error) {
		require.NoError(t, sendError)
		require.False(t, sentTime.IsZero())
		sentSize = payloadSize
	}
	p.Enqueue(pkt)

	written := w.written()
	require.Len(t, written, 1)
	require.Equal(t, 100, sentSize)
	require.NotNil(t, written[0].Header.GetExtension(3))
}

func TestSendPacketErrors(t *testing.T) {
	b := NewBase(logger.GetLogger())

	w := &writeStream{err: io.ErrClosedPipe}
	var sendErr error
	pkt := testPacket(w, 1, 10)
	pkt.OnSent = func(_ *rtp.Header, _ int, _ time.Time, err error) {
		sendErr = err
	}
	n, err := b.SendPacket(&pkt)
	require.ErrorIs(t, err, io.ErrClosedPipe)
	require.ErrorIs(t, sendErr, io.ErrClosedPipe)
	require.Zero(t, n)

	pkt = testPacket(nil, 1, 10)
	pkt.WriteStream = nil
	_, err = b.SendPacket(&pkt)
	require.ErrorIs(t, err, errNoWriteStream)
}

func TestNoQueuePreservesOrder(t *testing.T) {
	w := &writeStream{}
	p := NewNoQueue(logger.GetLogger())
	defer p.Stop()

	for sn := uint16(0); sn < 50; sn++ {
		p.Enqueue(testPacket(w, sn, 10))
	}

	require.Eventually(t, func() bool {
		return len(w.written()) == 50
	}, time.Second, 5*time.Millisecond)
	for i, pkt := range w.written() {
		require.Equal(t, uint16(i), pkt.SequenceNumber)
	}
}

func TestNoQueueRejectsAfterStop(t *testing.T) {
	w := &writeStream{}
	p := NewNoQueue(logger.GetLogger())
	p.Stop()

	var sendErr error
	pkt := testPacket(w, 1, 10)
	pkt.OnSent = func(_ *rtp.Header, _ int, _ time.Time, err error) {
		sendErr = err
	}
	p.Enqueue(pkt)

	require.ErrorIs(t, sendErr, errPacerStopped)
	require.Empty(t, w.written())
}

func TestLeakyBucketDrains(t *testing.T) {
	w := &writeStream{}
	// 10 ms at 800 kbps = 1000 bytes per interval
	l := NewLeakyBucket(logger.GetLogger(), 10*time.Millisecond, 800_000)
	defer l.Stop()

	for sn := uint16(0); sn < 20; sn++ {
		l.Enqueue(testPacket(w, sn, 488))
	}
	require.Eventually(t, func() bool {
		return len(w.written()) == 20
	}, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, l.QueueLength())

	for i, pkt := range w.written() {
		require.Equal(t, uint16(i), pkt.SequenceNumber)
	}
}

func TestLeakyBucketStop(t *testing.T) {
	w := &writeStream{}
	l := NewLeakyBucket(logger.GetLogger(), time.Hour, 1)
	l.Stop()

	l.Enqueue(testPacket(w, 1, 10))
	require.Zero(t, l.QueueLength())
	require.Empty(t, w.written())
}

func TestSink(t *testing.T) {
	w := &writeStream{}

	type sent struct {
		size    int
		probing bool
	}
	var notified []sent
	s := NewSink(SinkParams{
		Pacer:       NewPassThrough(logger.GetLogger()),
		WriteStream: w,
		OnPacketSent: func(size int, probing bool) {
			notified = append(notified, sent{size, probing})
		},
	})

	s.Send([]*packet.Outbound{
		{
			Header:  rtp.Header{Version: 2, SequenceNumber: 7, SSRC: 1},
			Payload: make([]byte, 20),
		},
		nil,
		{
			Header:  rtp.Header{Version: 2, Padding: true, SequenceNumber: 8, SSRC: 1},
			Payload: make([]byte, 255),
			Probing: true,
		},
	})

	written := w.written()
	require.Len(t, written, 2)
	require.Equal(t, uint16(7), written[0].SequenceNumber)
	require.Equal(t, uint16(8), written[1].SequenceNumber)
	require.Equal(t, []sent{{32, false}, {267, true}}, notified)
}

func TestLeakyBucketMediaFirst(t *testing.T) {
	w := &writeStream{}
	l := NewLeakyBucket(logger.GetLogger(), 20*time.Millisecond, 8_000_000)
	defer l.Stop()

	for sn := uint16(0); sn < 3; sn++ {
		probe := testPacket(w, 100+sn, 200)
		probe.Probing = true
		l.Enqueue(probe)
	}
	l.Enqueue(testPacket(w, 1, 200))
	l.Enqueue(testPacket(w, 2, 200))
	require.Equal(t, 5, l.QueueLength())

	require.Eventually(t, func() bool {
		return len(w.written()) == 5
	}, 2*time.Second, 5*time.Millisecond)

	var order []uint16
	for _, pkt := range w.written() {
		order = append(order, pkt.SequenceNumber)
	}
	require.Equal(t, []uint16{1, 2, 100, 101, 102}, order)
}

func TestLeakyBucketDropsStaleProbes(t *testing.T) {
	w := &writeStream{}
	l := NewLeakyBucket(logger.GetLogger(), 300*time.Millisecond, 8_000_000)
	defer l.Stop()

	errs := make(chan error, 1)
	probe := testPacket(w, 1, 200)
	probe.Probing = true
	probe.OnSent = func(_ *rtp.Header, _ int, _ time.Time, err error) {
		errs <- err
	}
	l.Enqueue(probe)

	select {
	case err := <-errs:
		require.ErrorIs(t, err, errProbeExpired)
	case <-time.After(2 * time.Second):
		t.Fatal("probe was neither sent nor dropped")
	}
	require.Empty(t, w.written())
	require.Zero(t, l.QueueLength())
}

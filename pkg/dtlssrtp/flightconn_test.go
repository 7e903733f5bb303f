package dtlssrtp

import (
	"net"
	"testing"
	"time"

	"github.com/pion/dtls/v2/pkg/protocol"
	"github.com/pion/dtls/v2/pkg/protocol/handshake"
	"github.com/pion/dtls/v2/pkg/protocol/recordlayer"
	"github.com/pion/transport/v2/dpipe"
	"github.com/stretchr/testify/require"
)

func handshakeRecord(t *testing.T, typ handshake.Type, bodyLen int) []byte {
	msg, err := (&handshake.Header{
		Type:           typ,
		Length:         uint32(bodyLen),
		FragmentLength: uint32(bodyLen),
	}).Marshal()
	require.NoError(t, err)
	msg = append(msg, make([]byte, bodyLen)...)

	header, err := (&recordlayer.Header{
		ContentType: protocol.ContentTypeHandshake,
		Version:     protocol.Version1_2,
		ContentLen:  uint16(len(msg)),
	}).Marshal()
	require.NoError(t, err)
	return append(header, msg...)
}

func changeCipherSpecRecord(t *testing.T) []byte {
	header, err := (&recordlayer.Header{
		ContentType: protocol.ContentTypeChangeCipherSpec,
		Version:     protocol.Version1_2,
		ContentLen:  1,
	}).Marshal()
	require.NoError(t, err)
	return append(header, 1)
}

func pipeWithDatagrams(t *testing.T, datagrams ...[]byte) (*flightConn, net.Conn) {
	clientSide, serverSide := dpipe.Pipe()
	t.Cleanup(func() {
		_ = clientSide.Close()
		_ = serverSide.Close()
	})
	for _, d := range datagrams {
		_, err := serverSide.Write(d)
		require.NoError(t, err)
	}
	return newFlightConn(clientSide), serverSide
}

func TestFlightScan(t *testing.T) {
	var scan flightScan
	scan.add(handshakeRecord(t, handshake.TypeHelloVerifyRequest, 20))
	require.False(t, scan.holding())

	scan.add(handshakeRecord(t, handshake.TypeServerHello, 70))
	require.True(t, scan.holding())
	scan.add(handshakeRecord(t, handshake.TypeCertificate, 900))
	require.True(t, scan.holding())
	scan.add(handshakeRecord(t, handshake.TypeServerHelloDone, 0))
	require.False(t, scan.holding())

	// two messages in one record
	var packed flightScan
	hello := handshakeRecord(t, handshake.TypeServerHello, 70)
	done := handshakeRecord(t, handshake.TypeServerHelloDone, 0)
	record := append([]byte(nil), hello...)
	record = append(record, done[recordlayer.HeaderSize:]...)
	record[recordlayer.HeaderSize-2] = 0
	record[recordlayer.HeaderSize-1] = byte(len(record) - recordlayer.HeaderSize)
	packed.add(record)
	require.True(t, packed.serverHello)
	require.False(t, packed.holding())

	var garbled flightScan
	garbled.add([]byte{22, 0xfe})
	require.False(t, garbled.holding())
}

func TestFlightConnGathersServerFlight(t *testing.T) {
	hello := handshakeRecord(t, handshake.TypeServerHello, 70)
	cert := handshakeRecord(t, handshake.TypeCertificate, 900)
	done := handshakeRecord(t, handshake.TypeServerHelloDone, 0)
	conn, _ := pipeWithDatagrams(t, hello, cert, done)

	b := make([]byte, 8192)
	n, err := conn.Read(b)
	require.NoError(t, err)
	require.Equal(t, len(hello)+len(cert)+len(done), n)

	records, err := recordlayer.UnpackDatagram(b[:n])
	require.NoError(t, err)
	require.Len(t, records, 3)
}

func TestFlightConnGathersResumption(t *testing.T) {
	hello := handshakeRecord(t, handshake.TypeServerHello, 70)
	ccs := changeCipherSpecRecord(t)
	conn, _ := pipeWithDatagrams(t, hello, ccs)

	b := make([]byte, 8192)
	n, err := conn.Read(b)
	require.NoError(t, err)
	require.Equal(t, len(hello)+len(ccs), n)
}

func TestFlightConnKeepsDatagramsThatDoNotFit(t *testing.T) {
	hello := handshakeRecord(t, handshake.TypeServerHello, 70)
	cert := handshakeRecord(t, handshake.TypeCertificate, 900)
	done := handshakeRecord(t, handshake.TypeServerHelloDone, 0)
	conn, _ := pipeWithDatagrams(t, hello, cert, done)

	b := make([]byte, 1000)
	n, err := conn.Read(b)
	require.NoError(t, err)
	require.Equal(t, len(hello), n)

	n, err = conn.Read(b)
	require.NoError(t, err)
	require.Equal(t, cert, b[:n])

	n, err = conn.Read(b)
	require.NoError(t, err)
	require.Equal(t, done, b[:n])
}

func TestFlightConnHonorsReadDeadline(t *testing.T) {
	hello := handshakeRecord(t, handshake.TypeServerHello, 70)
	conn, serverSide := pipeWithDatagrams(t, hello)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))

	start := time.Now()
	b := make([]byte, 8192)
	n, err := conn.Read(b)
	require.NoError(t, err)
	require.Equal(t, len(hello), n)
	require.Less(t, time.Since(start), time.Second)

	// deadline cleared, later datagrams still arrive
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	done := handshakeRecord(t, handshake.TypeServerHelloDone, 0)
	_, err = serverSide.Write(done)
	require.NoError(t, err)
	n, err = conn.Read(b)
	require.NoError(t, err)
	require.Equal(t, done, b[:n])
}

func TestFlightConnPassesThroughAfterHandshake(t *testing.T) {
	hello := handshakeRecord(t, handshake.TypeServerHello, 70)
	done := handshakeRecord(t, handshake.TypeServerHelloDone, 0)
	conn, _ := pipeWithDatagrams(t, hello, done)
	conn.finishHandshake()

	b := make([]byte, 8192)
	n, err := conn.Read(b)
	require.NoError(t, err)
	require.Equal(t, hello, b[:n])
}

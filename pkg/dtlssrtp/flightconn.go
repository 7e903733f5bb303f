package dtlssrtp

import (
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2/pkg/protocol"
	"github.com/pion/dtls/v2/pkg/protocol/handshake"
	"github.com/pion/dtls/v2/pkg/protocol/recordlayer"
	"go.uber.org/atomic"
)

// upper bound on holding back a partial server flight
const maxFlightGather = 5 * time.Second

// flightScan tracks what of the server's second flight has been read.
type flightScan struct {
	serverHello bool
	complete    bool
}

// add inspects the plaintext records of one datagram. Anything that cannot
// be parsed ends the flight so it is handed on untouched.
func (s *flightScan) add(datagram []byte) {
	records, err := recordlayer.UnpackDatagram(datagram)
	if err != nil {
		s.complete = true
		return
	}

	for _, record := range records {
		var header recordlayer.Header
		if err = header.Unmarshal(record); err != nil {
			s.complete = true
			return
		}

		switch header.ContentType {
		case protocol.ContentTypeChangeCipherSpec, protocol.ContentTypeAlert:
			s.complete = true
		case protocol.ContentTypeHandshake:
			if header.Epoch != 0 {
				continue
			}
			content := record[recordlayer.HeaderSize:]
			for len(content) >= handshake.HeaderLength {
				var msg handshake.Header
				if err = msg.Unmarshal(content); err != nil {
					break
				}
				switch msg.Type {
				case handshake.TypeServerHello:
					s.serverHello = true
				case handshake.TypeServerHelloDone:
					s.complete = true
				}

				next := handshake.HeaderLength + int(msg.FragmentLength)
				if next > len(content) {
					break
				}
				content = content[next:]
			}
		}
	}
}

func (s *flightScan) holding() bool {
	return s.serverHello && !s.complete
}

// flightConn hands a ServerHello to the engine only together with the rest
// of its flight, ServerHelloDone for a full handshake or ChangeCipherSpec
// for a resumed one. pion/dtls parses a partial flight more than once, and
// with a session store the second parse takes the server's fresh session ID
// for a resumption. Once the handshake is over reads pass straight through.
type flightConn struct {
	net.Conn

	handshakeDone atomic.Bool

	lock         sync.Mutex
	readDeadline time.Time
	pending      [][]byte
}

func newFlightConn(conn net.Conn) *flightConn {
	return &flightConn{Conn: conn}
}

func (c *flightConn) finishHandshake() {
	c.handshakeDone.Store(true)
}

func (c *flightConn) Read(b []byte) (int, error) {
	c.lock.Lock()
	if len(c.pending) != 0 {
		n := copy(b, c.pending[0])
		c.pending = c.pending[1:]
		c.lock.Unlock()
		return n, nil
	}
	c.lock.Unlock()

	n, err := c.Conn.Read(b)
	if err != nil || c.handshakeDone.Load() {
		return n, err
	}

	var scan flightScan
	scan.add(b[:n])
	if !scan.holding() {
		return n, nil
	}

	gatherUntil := time.Now().Add(maxFlightGather)
	overflow := false
	for scan.holding() {
		if err = c.setGatherDeadline(gatherUntil); err != nil {
			break
		}
		datagram := make([]byte, len(b))
		m, readErr := c.Conn.Read(datagram)
		if readErr != nil {
			// a timeout hands on what arrived, other errors repeat on the next read
			break
		}
		scan.add(datagram[:m])

		if overflow || n+m > len(b) {
			overflow = true
			c.lock.Lock()
			c.pending = append(c.pending, datagram[:m])
			c.lock.Unlock()
			continue
		}
		n += copy(b[n:], datagram[:m])
	}

	c.restoreDeadline()
	return n, nil
}

func (c *flightConn) setGatherDeadline(until time.Time) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	deadline := until
	if !c.readDeadline.IsZero() && c.readDeadline.Before(until) {
		deadline = c.readDeadline
	}
	return c.Conn.SetReadDeadline(deadline)
}

func (c *flightConn) restoreDeadline() {
	c.lock.Lock()
	defer c.lock.Unlock()

	_ = c.Conn.SetReadDeadline(c.readDeadline)
}

func (c *flightConn) SetReadDeadline(t time.Time) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.readDeadline = t
	return c.Conn.SetReadDeadline(t)
}

func (c *flightConn) SetDeadline(t time.Time) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.readDeadline = t
	return c.Conn.SetDeadline(t)
}

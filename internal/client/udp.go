package client

import (
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"vox/protocol"
)

const (
	// udpRetries is the number of attempts a correlated request gets before
	// failing with ErrTimeout; datagrams are lossy, so lost requests are
	// simply sent again.
	udpRetries = 3

	// udpRetryBackoff is the pause between attempts.
	udpRetryBackoff = 100 * time.Millisecond

	// maxDatagram comfortably holds the framing header plus a maximum-size
	// Opus packet.
	maxDatagram = 2048
)

// UDPEndpoint owns one connected voice socket. One reader goroutine
// packetizes incoming datagrams; outgoing datagrams are written directly
// (UDP writes do not block on the peer).
type UDPEndpoint struct {
	conn net.Conn

	// timeout is the per-attempt response deadline; overridable in tests.
	timeout time.Duration

	packets chan protocol.Packet

	mu      sync.Mutex
	pending map[uint64]chan protocol.Packet

	closed    chan struct{}
	closeOnce sync.Once
}

// NewUDPEndpoint wraps a connected UDP socket and starts its reader.
func NewUDPEndpoint(conn net.Conn) *UDPEndpoint {
	ep := &UDPEndpoint{
		conn:    conn,
		timeout: requestTimeout,
		packets: make(chan protocol.Packet, eventBuffer),
		pending: make(map[uint64]chan protocol.Packet),
		closed:  make(chan struct{}),
	}
	go ep.readLoop()
	return ep
}

// Packets returns the stream of incoming packets that did not complete a
// pending request (voice data, mostly).
func (ep *UDPEndpoint) Packets() <-chan protocol.Packet {
	return ep.packets
}

// Done is closed when the socket is gone.
func (ep *UDPEndpoint) Done() <-chan struct{} {
	return ep.closed
}

// Send writes one packet as a single datagram.
func (ep *UDPEndpoint) Send(p protocol.Packet) error {
	select {
	case <-ep.closed:
		return ErrDisconnected
	default:
	}
	_, err := ep.conn.Write(protocol.Encode(p))
	return err
}

// SendRequest performs a correlated request over the lossy channel: up to
// udpRetries attempts, each with its own requestTimeout, separated by
// udpRetryBackoff.
func (ep *UDPEndpoint) SendRequest(p protocol.Packet) (protocol.Packet, error) {
	reqID, ok := protocol.RequestID(p)
	if !ok {
		return nil, errors.New("client: packet carries no request id")
	}
	data := protocol.Encode(p)

	for attempt := 0; attempt < udpRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(udpRetryBackoff)
		}

		slot := make(chan protocol.Packet, 1)
		ep.mu.Lock()
		ep.pending[reqID] = slot
		ep.mu.Unlock()

		if _, err := ep.conn.Write(data); err != nil {
			ep.removePending(reqID)
			return nil, err
		}

		timer := time.NewTimer(ep.timeout)
		select {
		case resp := <-slot:
			timer.Stop()
			return resp, nil
		case <-timer.C:
			ep.removePending(reqID)
		case <-ep.closed:
			timer.Stop()
			ep.removePending(reqID)
			return nil, ErrDisconnected
		}
	}
	return nil, ErrTimeout
}

// Close tears the socket down.
func (ep *UDPEndpoint) Close() {
	ep.closeOnce.Do(func() {
		close(ep.closed)
		ep.conn.Close()
	})
}

func (ep *UDPEndpoint) removePending(reqID uint64) {
	ep.mu.Lock()
	delete(ep.pending, reqID)
	ep.mu.Unlock()
}

func (ep *UDPEndpoint) takePending(reqID uint64) (chan protocol.Packet, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	slot, ok := ep.pending[reqID]
	if ok {
		delete(ep.pending, reqID)
	}
	return slot, ok
}

func (ep *UDPEndpoint) readLoop() {
	defer ep.Close()
	defer close(ep.packets)

	buf := make([]byte, maxDatagram)
	for {
		n, err := ep.conn.Read(buf)
		if err != nil {
			return
		}

		// One datagram is exactly one packet.
		pkt, _, err := protocol.Decode(buf[:n])
		if err != nil {
			log.Printf("[udp] decode: %v", err)
			continue
		}

		if reqID, ok := protocol.RequestID(pkt); ok && protocol.IsResponse(pkt) {
			if slot, ok := ep.takePending(reqID); ok {
				slot <- pkt
				continue
			}
		}

		select {
		case ep.packets <- pkt:
		default:
			// Voice is time-critical; a frame the consumer cannot take now
			// is worthless later.
		}
	}
}

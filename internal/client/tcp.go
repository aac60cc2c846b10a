// Package client implements the connection side of the platform: the framed
// TCP control endpoint, the datagram UDP voice endpoint, and the session
// orchestrator that drives login, voice auth, and the audio pipelines.
package client

import (
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"vox/protocol"
)

// Sentinel errors surfaced by correlated requests.
var (
	ErrDisconnected = errors.New("client: disconnected")
	ErrTimeout      = errors.New("client: request timed out")
)

// requestTimeout is the budget for one correlated request attempt.
const requestTimeout = 5 * time.Second

// eventBuffer bounds the public packet stream. A slow consumer loses events
// rather than stalling the socket reader.
const eventBuffer = 256

// outgoing pairs an encoded packet with the response slot to register before
// the bytes hit the wire.
type outgoing struct {
	data  []byte
	reqID uint64
	slot  chan protocol.Packet
}

// TCPEndpoint owns one control connection. A writer goroutine drains the
// send queue; a reader goroutine accumulates bytes and decodes packets from
// the head, delivering responses to their pending slots and publishing every
// packet on the event stream.
type TCPEndpoint struct {
	conn net.Conn

	sendCh chan outgoing
	events chan protocol.Packet

	mu      sync.Mutex
	pending map[uint64]chan protocol.Packet

	closed    chan struct{}
	closeOnce sync.Once
}

// NewTCPEndpoint wraps an established control connection and starts its
// reader and writer goroutines.
func NewTCPEndpoint(conn net.Conn) *TCPEndpoint {
	ep := &TCPEndpoint{
		conn:    conn,
		sendCh:  make(chan outgoing, 64),
		events:  make(chan protocol.Packet, eventBuffer),
		pending: make(map[uint64]chan protocol.Packet),
		closed:  make(chan struct{}),
	}
	go ep.writeLoop()
	go ep.readLoop()
	return ep
}

// Events returns the stream of every packet the server sends, responses
// included. Dropped when the consumer lags.
func (ep *TCPEndpoint) Events() <-chan protocol.Packet {
	return ep.events
}

// Done is closed when the connection is gone.
func (ep *TCPEndpoint) Done() <-chan struct{} {
	return ep.closed
}

// SendEvent writes a packet that expects no response.
func (ep *TCPEndpoint) SendEvent(p protocol.Packet) error {
	select {
	case ep.sendCh <- outgoing{data: protocol.Encode(p)}:
		return nil
	case <-ep.closed:
		return ErrDisconnected
	}
}

// SendRequest writes a correlated request and waits for its response. The
// packet must carry a correlation id.
func (ep *TCPEndpoint) SendRequest(p protocol.Packet) (protocol.Packet, error) {
	reqID, ok := protocol.RequestID(p)
	if !ok {
		return nil, errors.New("client: packet carries no request id")
	}

	slot := make(chan protocol.Packet, 1)
	select {
	case ep.sendCh <- outgoing{data: protocol.Encode(p), reqID: reqID, slot: slot}:
	case <-ep.closed:
		return nil, ErrDisconnected
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case resp := <-slot:
		return resp, nil
	case <-timer.C:
		ep.removePending(reqID)
		return nil, ErrTimeout
	case <-ep.closed:
		ep.removePending(reqID)
		return nil, ErrDisconnected
	}
}

// Close tears the connection down. Pending requests fail with
// ErrDisconnected.
func (ep *TCPEndpoint) Close() {
	ep.closeOnce.Do(func() {
		close(ep.closed)
		ep.conn.Close()
	})
}

func (ep *TCPEndpoint) addPending(reqID uint64, slot chan protocol.Packet) {
	ep.mu.Lock()
	ep.pending[reqID] = slot
	ep.mu.Unlock()
}

func (ep *TCPEndpoint) removePending(reqID uint64) {
	ep.mu.Lock()
	delete(ep.pending, reqID)
	ep.mu.Unlock()
}

func (ep *TCPEndpoint) takePending(reqID uint64) (chan protocol.Packet, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	slot, ok := ep.pending[reqID]
	if ok {
		delete(ep.pending, reqID)
	}
	return slot, ok
}

func (ep *TCPEndpoint) writeLoop() {
	for {
		select {
		case out := <-ep.sendCh:
			// Register the slot before writing so a fast response cannot
			// race the bookkeeping.
			if out.slot != nil {
				ep.addPending(out.reqID, out.slot)
			}
			if _, err := ep.conn.Write(out.data); err != nil {
				if out.slot != nil {
					ep.removePending(out.reqID)
				}
				log.Printf("[tcp] write: %v", err)
				ep.Close()
				return
			}
		case <-ep.closed:
			return
		}
	}
}

func (ep *TCPEndpoint) readLoop() {
	defer ep.Close()
	defer close(ep.events)

	var acc []byte
	buf := make([]byte, 4096)
	for {
		n, err := ep.conn.Read(buf)
		if err != nil {
			return
		}
		acc = append(acc, buf[:n]...)

		for len(acc) > 0 {
			pkt, consumed, err := protocol.Decode(acc)
			if err != nil {
				if protocol.IsRecoverable(err) {
					break // wait for more bytes
				}
				// Garbage at the head; drop the accumulator and resync on
				// whatever the server sends next.
				log.Printf("[tcp] decode: %v, resetting accumulator", err)
				acc = acc[:0]
				break
			}
			acc = acc[consumed:]
			ep.dispatch(pkt)
		}
	}
}

func (ep *TCPEndpoint) dispatch(pkt protocol.Packet) {
	if protocol.IsResponse(pkt) {
		if reqID, ok := protocol.RequestID(pkt); ok {
			if slot, ok := ep.takePending(reqID); ok {
				slot <- pkt
			}
		}
	}
	select {
	case ep.events <- pkt:
	default:
		log.Printf("[tcp] event stream full, dropping %T", pkt)
	}
}

package relay

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"vox/protocol"
)

// voiceSession is the voice server's view of one user: the token issued at
// connect, the in-voice flag, and the UDP endpoint bound by voice auth.
type voiceSession struct {
	token   uint64
	inVoice bool
	muted   bool
	addr    net.Addr // nil until the first successful auth

	health sendHealth // circuit breaker for fan-out to this endpoint
}

// voiceDataIDOffset is where the speaker identifier sits inside an encoded
// VoiceData packet: right after the framing header. The relay stamps the
// authenticated identity there before fan-out.
const voiceDataIDOffset = protocol.HeaderSize

// VoiceServer relays voice datagrams: it authenticates source addresses by
// token, rewrites the speaker identity, and fans each datagram out to every
// other in-voice endpoint.
type VoiceServer struct {
	conn net.PacketConn

	mu       sync.Mutex
	sessions map[uint64]*voiceSession
	byToken  map[uint64]uint64 // token -> user id
	byAddr   map[string]uint64 // bound source address -> user id

	datagrams atomic.Uint64
	bytes     atomic.Uint64
	dropped   atomic.Uint64
	skipped   atomic.Uint64 // fan-out sends skipped by open circuit breakers
}

// NewVoiceServer creates the voice plane on conn.
func NewVoiceServer(conn net.PacketConn) *VoiceServer {
	return &VoiceServer{
		conn:     conn,
		sessions: make(map[uint64]*voiceSession),
		byToken:  make(map[uint64]uint64),
		byAddr:   make(map[string]uint64),
	}
}

// Run consumes internal control events and incoming datagrams until ctx is
// canceled.
func (s *VoiceServer) Run(ctx context.Context, events <-chan Event) error {
	go func() {
		for {
			select {
			case ev := <-events:
				s.HandleEvent(ev)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	log.Printf("[voice] listening on %s", s.conn.LocalAddr())
	buf := make([]byte, 2048)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay: voice read: %w", err)
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.HandleDatagram(pkt, from)
	}
}

// HandleEvent applies one internal control-plane event.
func (s *VoiceServer) HandleEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case UserConnected:
		s.sessions[ev.UserID] = &voiceSession{token: ev.Token}
		s.byToken[ev.Token] = ev.UserID

	case VoiceJoined:
		if sess, ok := s.sessions[ev.UserID]; ok {
			sess.inVoice = true
			sess.muted = false
		}

	case VoiceLeft:
		if sess, ok := s.sessions[ev.UserID]; ok {
			sess.inVoice = false
		}

	case MuteChanged:
		if sess, ok := s.sessions[ev.UserID]; ok {
			sess.muted = ev.Muted
		}

	case UserDisconnected:
		sess, ok := s.sessions[ev.UserID]
		if !ok {
			return
		}
		delete(s.sessions, ev.UserID)
		delete(s.byToken, sess.token)
		if sess.addr != nil {
			delete(s.byAddr, sess.addr.String())
		}
	}
}

// HandleDatagram processes one packet from a source address: voice auth
// binds the address, voice data is stamped and fanned out, anything else is
// dropped.
func (s *VoiceServer) HandleDatagram(data []byte, from net.Addr) {
	pkt, _, err := protocol.Decode(data)
	if err != nil {
		s.dropped.Add(1)
		return
	}

	switch p := pkt.(type) {
	case protocol.VoiceAuthRequest:
		s.handleAuth(p, from)
	case protocol.VoiceData:
		s.relay(data, from)
	default:
		// Only auth and voice data belong on this channel.
		s.dropped.Add(1)
	}
}

// handleAuth binds (or rebinds) the datagram's source address to the user
// that holds the token and acknowledges over the same channel.
func (s *VoiceServer) handleAuth(p protocol.VoiceAuthRequest, from net.Addr) {
	s.mu.Lock()
	userID, ok := s.byToken[p.VoiceToken]
	if ok {
		sess := s.sessions[userID]
		if sess.addr != nil {
			// A later auth from a new address rebinds the endpoint.
			delete(s.byAddr, sess.addr.String())
		}
		sess.addr = from
		s.byAddr[from.String()] = userID
	}
	s.mu.Unlock()

	resp := protocol.Encode(protocol.VoiceAuthResponse{RequestID: p.RequestID, Success: ok})
	if _, err := s.conn.WriteTo(resp, from); err != nil {
		log.Printf("[voice] auth reply to %s: %v", from, err)
	}
	if ok {
		log.Printf("[voice] bound %s to user %d", from, userID)
	}
}

// relay stamps the authenticated sender identity into the datagram and fans
// it out to every other in-voice endpoint. Datagrams from unbound source
// addresses are dropped silently.
func (s *VoiceServer) relay(data []byte, from net.Addr) {
	s.mu.Lock()
	senderID, ok := s.byAddr[from.String()]
	if !ok {
		s.mu.Unlock()
		s.dropped.Add(1)
		return
	}
	sender := s.sessions[senderID]
	if sender == nil || !sender.inVoice || sender.muted {
		s.mu.Unlock()
		s.dropped.Add(1)
		return
	}

	// Snapshot the fan-out set under the lock, send outside it.
	type target struct {
		id     uint64
		addr   net.Addr
		health *sendHealth
	}
	targets := make([]target, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if id == senderID || !sess.inVoice || sess.addr == nil {
			continue
		}
		targets = append(targets, target{id: id, addr: sess.addr, health: &sess.health})
	}
	s.mu.Unlock()

	// The sender-supplied identifier is always overwritten with the identity
	// bound to the source address; clients cannot speak as anyone else.
	binary.BigEndian.PutUint64(data[voiceDataIDOffset:], senderID)

	s.datagrams.Add(1)
	s.bytes.Add(uint64(len(data)))

	for _, t := range targets {
		if t.health.shouldSkip() {
			s.skipped.Add(1)
			continue
		}
		if _, err := s.conn.WriteTo(data, t.addr); err != nil {
			if n := t.health.recordFailure(); n == breakerThreshold {
				log.Printf("[voice] circuit breaker open for user %d at %s", t.id, t.addr)
			}
		} else if t.health.failures.Load() > 0 {
			if t.health.recordSuccess() {
				log.Printf("[voice] circuit breaker closed for user %d, send recovered", t.id)
			}
		}
	}
}

// Stats returns and resets the datagram counters.
func (s *VoiceServer) Stats() (datagrams, bytes, dropped, skipped uint64) {
	return s.datagrams.Swap(0), s.bytes.Swap(0), s.dropped.Swap(0), s.skipped.Swap(0)
}

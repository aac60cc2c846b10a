package client

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"vox/protocol"
)

// SpeakerPipeline is one remote speaker's receive pipeline: datagrams go in,
// 10 ms device-rate slices come out. Implemented by playout.Queue.
type SpeakerPipeline interface {
	Insert(pkt protocol.VoiceData)
	Pull(out []float32)
}

// PipelineFactory builds a fresh receive pipeline for a speaker. The session
// calls it on demand when the first datagram from an unknown speaker arrives.
type PipelineFactory func(userID uint64) (SpeakerPipeline, error)

// Session is the client orchestrator: it drives the connect sequence and
// owns the control endpoint, the voice endpoint, the per-speaker pipelines,
// and the input sample sink.
type Session struct {
	tcp *TCPEndpoint
	udp *UDPEndpoint

	userID     uint64
	voiceToken uint64

	// participants is the snapshot carried by the login response; presence
	// afterwards is learned from events.
	participants []protocol.ParticipantInfo

	factory PipelineFactory

	mu       sync.Mutex
	speakers map[uint64]SpeakerPipeline
	volumes  map[uint64]float32
	scratch  []float32

	voiceIn chan protocol.VoiceData
	events  chan protocol.Packet
	stats   *statsTracker

	reqID  atomic.Uint64
	closed chan struct{}
	once   sync.Once
}

// Connect dials the control and voice addresses, logs in under name, and
// authenticates the voice path. It blocks until both channels are live.
func Connect(controlAddr, voiceAddr, name string, factory PipelineFactory) (*Session, error) {
	conn, err := net.DialTimeout("tcp", controlAddr, requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial control: %w", err)
	}

	s := &Session{
		tcp:      NewTCPEndpoint(conn),
		factory:  factory,
		speakers: make(map[uint64]SpeakerPipeline),
		volumes:  make(map[uint64]float32),
		voiceIn:  make(chan protocol.VoiceData, 64),
		events:   make(chan protocol.Packet, eventBuffer),
		stats:    newStatsTracker(),
		closed:   make(chan struct{}),
	}
	s.reqID.Store(uint64(time.Now().UnixNano()))

	resp, err := s.tcp.SendRequest(protocol.LoginRequest{RequestID: s.nextReqID(), Username: name})
	if err != nil {
		s.tcp.Close()
		return nil, fmt.Errorf("client: login: %w", err)
	}
	login, ok := resp.(protocol.LoginResponse)
	if !ok {
		s.tcp.Close()
		return nil, fmt.Errorf("client: login: unexpected response %T", resp)
	}
	s.userID = login.UserID
	s.voiceToken = login.VoiceToken
	s.participants = login.Participants

	raddr, err := net.ResolveUDPAddr("udp", voiceAddr)
	if err != nil {
		s.tcp.Close()
		return nil, fmt.Errorf("client: resolve voice addr: %w", err)
	}
	uconn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		s.tcp.Close()
		return nil, fmt.Errorf("client: dial voice: %w", err)
	}
	s.udp = NewUDPEndpoint(uconn)

	authResp, err := s.udp.SendRequest(protocol.VoiceAuthRequest{
		RequestID:  s.nextReqID(),
		VoiceToken: s.voiceToken,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("client: voice auth: %w", err)
	}
	auth, ok := authResp.(protocol.VoiceAuthResponse)
	if !ok || !auth.Success {
		s.Close()
		return nil, fmt.Errorf("client: voice auth rejected")
	}

	go s.forwardEvents()
	go s.routeVoice()
	go s.sendVoice()

	log.Printf("[session] connected as %q id=%d", name, s.userID)
	return s, nil
}

func (s *Session) nextReqID() uint64 {
	return s.reqID.Add(1)
}

// UserID returns the server-assigned identifier for this session.
func (s *Session) UserID() uint64 {
	return s.userID
}

// Participants returns the snapshot delivered with the login response.
func (s *Session) Participants() []protocol.ParticipantInfo {
	return s.participants
}

// Events returns the control event feed. Presence is learned here, never by
// polling.
func (s *Session) Events() <-chan protocol.Packet {
	return s.events
}

// VoiceIn returns the sink the capture pipeline feeds encoded frames into.
func (s *Session) VoiceIn() chan<- protocol.VoiceData {
	return s.voiceIn
}

// Done is closed when the session is torn down or the control connection is
// lost.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// JoinVoice asks the relay to add this user to the voice room.
func (s *Session) JoinVoice() error {
	resp, err := s.tcp.SendRequest(protocol.JoinVoiceRequest{RequestID: s.nextReqID()})
	if err != nil {
		return err
	}
	if r, ok := resp.(protocol.JoinVoiceResponse); !ok || !r.Success {
		return fmt.Errorf("client: join voice refused")
	}
	return nil
}

// LeaveVoice removes this user from the voice room.
func (s *Session) LeaveVoice() error {
	resp, err := s.tcp.SendRequest(protocol.LeaveVoiceRequest{RequestID: s.nextReqID()})
	if err != nil {
		return err
	}
	if r, ok := resp.(protocol.LeaveVoiceResponse); !ok || !r.Success {
		return fmt.Errorf("client: leave voice refused")
	}
	return nil
}

// SendChat sends a chat message. The echoed UserSentMessage event is the
// authoritative copy, for the sender too.
func (s *Session) SendChat(message string) error {
	resp, err := s.tcp.SendRequest(protocol.ChatRequest{RequestID: s.nextReqID(), Message: message})
	if err != nil {
		return err
	}
	if r, ok := resp.(protocol.ChatResponse); !ok || !r.Success {
		return fmt.Errorf("client: chat refused")
	}
	return nil
}

// SendMute announces this user's mute state.
func (s *Session) SendMute(muted bool) error {
	return s.tcp.SendEvent(protocol.UserMuteState{UserID: s.userID, Muted: muted})
}

// Ping measures the control round trip.
func (s *Session) Ping() (time.Duration, error) {
	start := time.Now()
	resp, err := s.tcp.SendRequest(protocol.PingRequest{RequestID: s.nextReqID()})
	if err != nil {
		return 0, err
	}
	if _, ok := resp.(protocol.PingResponse); !ok {
		return 0, fmt.Errorf("client: unexpected ping response %T", resp)
	}
	rtt := time.Since(start)
	s.stats.ObserveRTT(rtt)
	return rtt, nil
}

// Metrics returns connection-quality numbers derived from the voice stream
// and pings.
func (s *Session) Metrics() Metrics {
	return s.stats.Snapshot()
}

// SetUserVolume sets the playback multiplier for one speaker (0.0-2.0).
func (s *Session) SetUserVolume(userID uint64, volume float32) {
	if volume < 0 {
		volume = 0
	}
	if volume > 2 {
		volume = 2
	}
	s.mu.Lock()
	s.volumes[userID] = volume
	s.mu.Unlock()
}

// MixOutput pulls 10 ms from every active speaker pipeline, applies per-user
// volume, and mixes into out. It reports an underrun when speakers exist but
// none produced audio. Suitable as the audio.Mixer.
func (s *Session) MixOutput(out []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.speakers) == 0 {
		return false
	}
	if cap(s.scratch) < len(out) {
		s.scratch = make([]float32, len(out))
	}
	scratch := s.scratch[:len(out)]

	for id, sp := range s.speakers {
		sp.Pull(scratch)
		vol := float32(1)
		if v, ok := s.volumes[id]; ok {
			vol = v
		}
		for i, sample := range scratch {
			out[i] += sample * vol
		}
	}
	for i, sample := range out {
		if sample > 1 {
			out[i] = 1
		} else if sample < -1 {
			out[i] = -1
		}
	}
	return allZero(out)
}

// Speaker returns the pipeline handle for one remote speaker, if it exists.
func (s *Session) Speaker(userID uint64) (SpeakerPipeline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.speakers[userID]
	return sp, ok
}

// DropSpeakers tears down every speaker pipeline, e.g. when the output
// device rate changes and pipelines must be rebuilt.
func (s *Session) DropSpeakers() {
	s.mu.Lock()
	s.speakers = make(map[uint64]SpeakerPipeline)
	s.mu.Unlock()
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.tcp.Close()
		if s.udp != nil {
			s.udp.Close()
		}
	})
}

// forwardEvents republishes control packets and maintains the speaker map on
// presence changes.
func (s *Session) forwardEvents() {
	for {
		select {
		case pkt, ok := <-s.tcp.Events():
			if !ok {
				s.Close()
				return
			}
			if left, ok := pkt.(protocol.UserLeftVoice); ok {
				s.removeSpeaker(left.UserID)
			}
			if left, ok := pkt.(protocol.UserLeftServer); ok {
				s.removeSpeaker(left.UserID)
			}
			select {
			case s.events <- pkt:
			default:
				log.Printf("[session] event feed full, dropping %T", pkt)
			}
		case <-s.closed:
			return
		}
	}
}

// routeVoice feeds incoming datagrams to the matching speaker pipeline,
// creating one on demand.
func (s *Session) routeVoice() {
	for {
		select {
		case pkt, ok := <-s.udp.Packets():
			if !ok {
				return
			}
			vd, ok := pkt.(protocol.VoiceData)
			if !ok {
				continue
			}
			s.stats.Observe(vd.UserID, vd.Sequence, time.Now())
			if sp := s.speakerFor(vd.UserID); sp != nil {
				sp.Insert(vd)
			}
		case <-s.closed:
			return
		}
	}
}

// sendVoice stamps outgoing frames with our identity and forwards them to
// the voice socket. The relay rewrites the id anyway; stamping it keeps the
// datagram honest.
func (s *Session) sendVoice() {
	for {
		select {
		case pkt := <-s.voiceIn:
			pkt.UserID = s.userID
			if err := s.udp.Send(pkt); err != nil {
				log.Printf("[session] voice send: %v", err)
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) speakerFor(userID uint64) SpeakerPipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp, ok := s.speakers[userID]; ok {
		return sp
	}
	if s.factory == nil {
		return nil
	}
	sp, err := s.factory(userID)
	if err != nil {
		log.Printf("[session] create pipeline for speaker %d: %v", userID, err)
		return nil
	}
	s.speakers[userID] = sp
	return sp
}

func (s *Session) removeSpeaker(userID uint64) {
	s.mu.Lock()
	delete(s.speakers, userID)
	s.mu.Unlock()
}

func allZero(buf []float32) bool {
	for _, s := range buf {
		if s != 0 {
			return false
		}
	}
	return true
}

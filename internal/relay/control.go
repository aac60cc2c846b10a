package relay

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"vox/protocol"
)

// MaxNameLength is the display-name limit in UTF-8 bytes.
const MaxNameLength = 32

// controlRateLimit caps control packets per second per connection; burst
// allows a short flurry (login immediately followed by join and chat).
const (
	controlRateLimit = 50
	controlRateBurst = 25
)

// validateName enforces the display-name rules: non-empty, at most
// MaxNameLength UTF-8 bytes, valid UTF-8, printable characters only.
func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("relay: empty display name")
	}
	if len(name) > MaxNameLength {
		return "", fmt.Errorf("relay: display name exceeds %d bytes", MaxNameLength)
	}
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("relay: display name is not valid UTF-8")
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return "", fmt.Errorf("relay: display name contains non-printable characters")
		}
	}
	return name, nil
}

// ControlServer accepts control connections and runs one handler per
// connection. Presence changes are pushed to the voice server over the
// internal event queue; the voice server never calls back.
type ControlServer struct {
	room   *Room
	events chan<- Event
}

// NewControlServer wires the control plane to the room and the voice event
// queue.
func NewControlServer(room *Room, events chan<- Event) *ControlServer {
	return &ControlServer{room: room, events: events}
}

// Run accepts connections on ln until ctx is canceled.
func (s *ControlServer) Run(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Printf("[server] control listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay: accept: %w", err)
		}
		go s.handle(ctx, conn)
	}
}

// publish pushes an internal event toward the voice server.
func (s *ControlServer) publish(ev Event) {
	select {
	case s.events <- ev:
	default:
		// The voice server drains quickly; a full queue means it is gone,
		// and blocking the control plane on it would help nobody.
		log.Printf("[server] voice event queue full, dropped %v for user %d", ev.Kind, ev.UserID)
	}
}

// handle owns one control connection from accept to disconnect.
func (s *ControlServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	user := s.room.AddUser(conn.RemoteAddr().String())
	s.publish(Event{Kind: UserConnected, UserID: user.ID, Token: user.Token})

	// Writer goroutine: the single place that writes this socket, draining
	// both responses and broadcasts in enqueue order.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		for {
			select {
			case data := <-user.SendQueue():
				if _, err := conn.Write(data); err != nil {
					return
				}
			case <-connDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	defer func() {
		loggedIn, wasInVoice := s.teardown(user)
		if loggedIn {
			s.room.Broadcast(protocol.UserLeftServer{UserID: user.ID}, "")
			if wasInVoice {
				s.room.Broadcast(protocol.UserLeftVoice{UserID: user.ID}, "")
			}
		}
		s.publish(Event{Kind: UserDisconnected, UserID: user.ID})
	}()

	limiter := rate.NewLimiter(rate.Limit(controlRateLimit), controlRateBurst)

	var acc []byte
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		acc = append(acc, buf[:n]...)

		for len(acc) > 0 {
			pkt, consumed, err := protocol.Decode(acc)
			if err != nil {
				if protocol.IsRecoverable(err) {
					break
				}
				// Garbage at the head; drop the accumulator and resync on
				// the next packets the client sends.
				log.Printf("[server] user %d: decode: %v, resetting accumulator", user.ID, err)
				acc = acc[:0]
				break
			}
			acc = acc[consumed:]

			if !limiter.Allow() {
				log.Printf("[server] user %d: control rate limit exceeded, dropping %T", user.ID, pkt)
				continue
			}
			if !s.dispatch(user, pkt) {
				return
			}
		}
	}
}

// teardown removes the record and reports what presence it had.
func (s *ControlServer) teardown(user *User) (loggedIn, wasInVoice bool) {
	removed := s.room.RemoveUser(user.ID)
	if removed == nil {
		return false, false
	}
	return removed.Name != "", removed.InVoice
}

// dispatch handles one decoded control packet. Returning false closes the
// connection.
func (s *ControlServer) dispatch(user *User, pkt protocol.Packet) bool {
	switch p := pkt.(type) {
	case protocol.LoginRequest:
		return s.handleLogin(user, p)

	case protocol.JoinVoiceRequest:
		if !s.room.SetInVoice(user.ID, true) {
			return false
		}
		s.reply(user, protocol.JoinVoiceResponse{RequestID: p.RequestID, Success: true})
		s.publish(Event{Kind: VoiceJoined, UserID: user.ID})
		s.room.Broadcast(protocol.UserJoinedVoice{UserID: user.ID}, user.Addr)
		log.Printf("[server] user %d joined voice", user.ID)

	case protocol.LeaveVoiceRequest:
		if !s.room.SetInVoice(user.ID, false) {
			return false
		}
		s.reply(user, protocol.LeaveVoiceResponse{RequestID: p.RequestID, Success: true})
		s.publish(Event{Kind: VoiceLeft, UserID: user.ID})
		s.room.Broadcast(protocol.UserLeftVoice{UserID: user.ID}, user.Addr)
		log.Printf("[server] user %d left voice", user.ID)

	case protocol.ChatRequest:
		info, ok := s.room.Get(user.ID)
		if !ok || info.Username == "" {
			return false
		}
		s.reply(user, protocol.ChatResponse{RequestID: p.RequestID, Success: true})
		// Chat goes to everyone, sender included, so every client reads one
		// consistent message stream.
		s.room.Broadcast(protocol.UserSentMessage{
			UserID:   user.ID,
			Username: info.Username,
			Message:  p.Message,
		}, "")

	case protocol.PingRequest:
		s.reply(user, protocol.PingResponse{RequestID: p.RequestID})

	case protocol.UserMuteState:
		// Clients may only announce their own state; the id on the wire is
		// ignored in favour of the connection's identity.
		if !s.room.SetMuted(user.ID, p.Muted) {
			return false
		}
		s.publish(Event{Kind: MuteChanged, UserID: user.ID, Muted: p.Muted})
		s.room.Broadcast(protocol.UserMuteState{UserID: user.ID, Muted: p.Muted}, user.Addr)

	default:
		// Unexpected packet shape in this context; log and carry on.
		log.Printf("[server] user %d: unexpected %T on control channel", user.ID, pkt)
	}
	return true
}

func (s *ControlServer) handleLogin(user *User, p protocol.LoginRequest) bool {
	name, err := validateName(p.Username)
	if err != nil {
		log.Printf("[server] user %d: login rejected: %v", user.ID, err)
		return false
	}

	// Snapshot the existing participants before the newcomer appears in it.
	participants := s.room.Participants(user.ID)
	if !s.room.SetName(user.ID, name) {
		return false
	}

	s.reply(user, protocol.LoginResponse{
		RequestID:    p.RequestID,
		UserID:       user.ID,
		VoiceToken:   user.Token,
		Participants: participants,
	})

	// Published strictly after the response is enqueued, so observers learn
	// about the newcomer only once it knows its identifier.
	s.room.Broadcast(protocol.UserJoinedServer{
		Participant: protocol.ParticipantInfo{UserID: user.ID, Username: name},
	}, user.Addr)

	log.Printf("[server] user %d logged in as %q", user.ID, name)
	return true
}

// reply enqueues a response on the connection's writer queue.
func (s *ControlServer) reply(user *User, pkt protocol.Packet) {
	if !user.send(protocol.Encode(pkt)) {
		log.Printf("[server] user %d: response queue full, dropping %T", user.ID, pkt)
	}
}

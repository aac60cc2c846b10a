// Package protocol implements the binary wire format shared by the control
// (TCP) and voice (UDP) channels.
//
// Every packet is framed as [packet_id: u8][payload_len: u16 BE][payload].
// Requests and responses carry a 64-bit correlation id as the first payload
// field; events and voice datagrams do not. Strings are u16-length-prefixed
// UTF-8, booleans are single bytes, integers are big-endian.
package protocol

// Packet identifiers, partitioned by role.
const (
	// Requests (0x01-0x1F)
	IDLoginRequest      byte = 0x01
	IDJoinVoiceRequest  byte = 0x02
	IDVoiceAuthRequest  byte = 0x03
	IDLeaveVoiceRequest byte = 0x04
	IDChatRequest       byte = 0x05
	IDPingRequest       byte = 0x06

	// Responses (0x20-0x3F)
	IDLoginResponse      byte = 0x21
	IDVoiceAuthResponse  byte = 0x22
	IDJoinVoiceResponse  byte = 0x23
	IDLeaveVoiceResponse byte = 0x24
	IDChatResponse       byte = 0x25
	IDPingResponse       byte = 0x26

	// Events (0x40-0x5F)
	IDUserJoinedServer byte = 0x41
	IDUserJoinedVoice  byte = 0x42
	IDUserLeftVoice    byte = 0x43
	IDUserLeftServer   byte = 0x44
	IDUserSentMessage  byte = 0x45
	IDUserMuteState    byte = 0x46

	// Bulk data (0x60+)
	IDVoiceData byte = 0x61
)

// HeaderSize is the framing overhead preceding every payload.
const HeaderSize = 3

// Voice stream constants. These are invariants of the wire protocol, not of
// any audio device: 48 kHz mono, 20 ms frames.
const (
	SampleRate         = 48000
	FrameSize          = 960 // samples per 20 ms frame
	TimestampIncrement = 960 // RTP-style timestamp step per frame
)

// ParticipantInfo is the wire snapshot of one connected user, serialized
// inside login responses and join-server events.
type ParticipantInfo struct {
	UserID   uint64
	Username string
	InVoice  bool
	Muted    bool
}

// Packet is one decoded wire packet. The set of implementations is closed;
// decoding an id outside it yields UnknownPacketIDError.
type Packet interface {
	id() byte
	writePayload(w *writer)
}

// Request packets.

type LoginRequest struct {
	RequestID uint64
	Username  string
}

type JoinVoiceRequest struct {
	RequestID uint64
}

type LeaveVoiceRequest struct {
	RequestID uint64
}

type PingRequest struct {
	RequestID uint64
}

type ChatRequest struct {
	RequestID uint64
	Message   string
}

// VoiceAuthRequest is the only request sent over the voice channel. It binds
// the sender's UDP source address to the user that was issued the token.
type VoiceAuthRequest struct {
	RequestID  uint64
	VoiceToken uint64
}

// Response packets.

type LoginResponse struct {
	RequestID    uint64
	UserID       uint64
	VoiceToken   uint64
	Participants []ParticipantInfo
}

type JoinVoiceResponse struct {
	RequestID uint64
	Success   bool
}

type LeaveVoiceResponse struct {
	RequestID uint64
	Success   bool
}

type ChatResponse struct {
	RequestID uint64
	Success   bool
}

type PingResponse struct {
	RequestID uint64
}

type VoiceAuthResponse struct {
	RequestID uint64
	Success   bool
}

// Event packets.

type UserJoinedServer struct {
	Participant ParticipantInfo
}

type UserJoinedVoice struct {
	UserID uint64
}

type UserLeftVoice struct {
	UserID uint64
}

type UserLeftServer struct {
	UserID uint64
}

type UserSentMessage struct {
	UserID   uint64
	Username string
	Message  string
}

type UserMuteState struct {
	UserID uint64
	Muted  bool
}

// VoiceData is one compressed voice frame. The relay rewrites UserID with the
// identity bound to the datagram's source address before fan-out.
type VoiceData struct {
	UserID    uint64
	Sequence  uint32
	Timestamp uint32
	Opus      []byte
}

func (LoginRequest) id() byte      { return IDLoginRequest }
func (JoinVoiceRequest) id() byte  { return IDJoinVoiceRequest }
func (VoiceAuthRequest) id() byte  { return IDVoiceAuthRequest }
func (LeaveVoiceRequest) id() byte { return IDLeaveVoiceRequest }
func (ChatRequest) id() byte       { return IDChatRequest }
func (PingRequest) id() byte       { return IDPingRequest }

func (LoginResponse) id() byte      { return IDLoginResponse }
func (VoiceAuthResponse) id() byte  { return IDVoiceAuthResponse }
func (JoinVoiceResponse) id() byte  { return IDJoinVoiceResponse }
func (LeaveVoiceResponse) id() byte { return IDLeaveVoiceResponse }
func (ChatResponse) id() byte       { return IDChatResponse }
func (PingResponse) id() byte       { return IDPingResponse }

func (UserJoinedServer) id() byte { return IDUserJoinedServer }
func (UserJoinedVoice) id() byte  { return IDUserJoinedVoice }
func (UserLeftVoice) id() byte    { return IDUserLeftVoice }
func (UserLeftServer) id() byte   { return IDUserLeftServer }
func (UserSentMessage) id() byte  { return IDUserSentMessage }
func (UserMuteState) id() byte    { return IDUserMuteState }

func (VoiceData) id() byte { return IDVoiceData }

func (p LoginRequest) writePayload(w *writer) {
	w.u64(p.RequestID)
	w.string(p.Username)
}

func (p JoinVoiceRequest) writePayload(w *writer)  { w.u64(p.RequestID) }
func (p LeaveVoiceRequest) writePayload(w *writer) { w.u64(p.RequestID) }
func (p PingRequest) writePayload(w *writer)       { w.u64(p.RequestID) }

func (p ChatRequest) writePayload(w *writer) {
	w.u64(p.RequestID)
	w.string(p.Message)
}

func (p VoiceAuthRequest) writePayload(w *writer) {
	w.u64(p.RequestID)
	w.u64(p.VoiceToken)
}

func (p LoginResponse) writePayload(w *writer) {
	w.u64(p.RequestID)
	w.u64(p.UserID)
	w.u64(p.VoiceToken)
	w.u16(uint16(len(p.Participants)))
	for _, part := range p.Participants {
		w.u64(part.UserID)
		w.string(part.Username)
		w.bool(part.InVoice)
		w.bool(part.Muted)
	}
}

func (p JoinVoiceResponse) writePayload(w *writer) {
	w.u64(p.RequestID)
	w.bool(p.Success)
}

func (p LeaveVoiceResponse) writePayload(w *writer) {
	w.u64(p.RequestID)
	w.bool(p.Success)
}

func (p ChatResponse) writePayload(w *writer) {
	w.u64(p.RequestID)
	w.bool(p.Success)
}

func (p PingResponse) writePayload(w *writer) { w.u64(p.RequestID) }

func (p VoiceAuthResponse) writePayload(w *writer) {
	w.u64(p.RequestID)
	w.bool(p.Success)
}

func (p UserJoinedServer) writePayload(w *writer) {
	w.u64(p.Participant.UserID)
	w.string(p.Participant.Username)
	w.bool(p.Participant.InVoice)
	w.bool(p.Participant.Muted)
}

func (p UserJoinedVoice) writePayload(w *writer) { w.u64(p.UserID) }
func (p UserLeftVoice) writePayload(w *writer)   { w.u64(p.UserID) }
func (p UserLeftServer) writePayload(w *writer)  { w.u64(p.UserID) }

func (p UserSentMessage) writePayload(w *writer) {
	w.u64(p.UserID)
	w.string(p.Username)
	w.string(p.Message)
}

func (p UserMuteState) writePayload(w *writer) {
	w.u64(p.UserID)
	w.bool(p.Muted)
}

func (p VoiceData) writePayload(w *writer) {
	w.u64(p.UserID)
	w.u32(p.Sequence)
	w.u32(p.Timestamp)
	w.bytes(p.Opus)
}

// Encode serializes p into a freshly allocated framed buffer.
func Encode(p Packet) []byte {
	w := newWriter()
	w.u8(p.id())
	lenPos := w.reserveU16()
	start := w.len()
	p.writePayload(w)
	w.patchU16(lenPos, uint16(w.len()-start))
	return w.buf
}

// Decode parses one packet from the head of buf. On success it also returns
// the number of bytes consumed so a stream receiver can trim its accumulator.
// A ShortBufferError or IncompletePayloadError means buf holds a packet
// prefix and more bytes should be awaited; any other error means the head of
// buf is not a valid packet.
func Decode(buf []byte) (Packet, int, error) {
	hdr := newReader(buf)
	id, err := hdr.u8()
	if err != nil {
		return nil, 0, err
	}
	payloadLen, err := hdr.u16()
	if err != nil {
		return nil, 0, err
	}
	if len(buf)-HeaderSize < int(payloadLen) {
		return nil, 0, &IncompletePayloadError{Expected: int(payloadLen), Got: len(buf) - HeaderSize}
	}

	r := newReader(buf[HeaderSize : HeaderSize+int(payloadLen)])
	p, err := decodePayload(id, r)
	if err != nil {
		return nil, 0, err
	}
	return p, HeaderSize + int(payloadLen), nil
}

func decodePayload(id byte, r *reader) (Packet, error) {
	switch id {
	case IDLoginRequest:
		reqID, err := r.u64()
		if err != nil {
			return nil, err
		}
		name, err := r.string()
		if err != nil {
			return nil, err
		}
		return LoginRequest{RequestID: reqID, Username: name}, nil

	case IDJoinVoiceRequest:
		reqID, err := r.u64()
		if err != nil {
			return nil, err
		}
		return JoinVoiceRequest{RequestID: reqID}, nil

	case IDLeaveVoiceRequest:
		reqID, err := r.u64()
		if err != nil {
			return nil, err
		}
		return LeaveVoiceRequest{RequestID: reqID}, nil

	case IDPingRequest:
		reqID, err := r.u64()
		if err != nil {
			return nil, err
		}
		return PingRequest{RequestID: reqID}, nil

	case IDChatRequest:
		reqID, err := r.u64()
		if err != nil {
			return nil, err
		}
		msg, err := r.string()
		if err != nil {
			return nil, err
		}
		return ChatRequest{RequestID: reqID, Message: msg}, nil

	case IDVoiceAuthRequest:
		reqID, err := r.u64()
		if err != nil {
			return nil, err
		}
		token, err := r.u64()
		if err != nil {
			return nil, err
		}
		return VoiceAuthRequest{RequestID: reqID, VoiceToken: token}, nil

	case IDLoginResponse:
		reqID, err := r.u64()
		if err != nil {
			return nil, err
		}
		userID, err := r.u64()
		if err != nil {
			return nil, err
		}
		token, err := r.u64()
		if err != nil {
			return nil, err
		}
		count, err := r.u16()
		if err != nil {
			return nil, err
		}
		participants := make([]ParticipantInfo, 0, count)
		for i := 0; i < int(count); i++ {
			part, err := readParticipant(r)
			if err != nil {
				return nil, err
			}
			participants = append(participants, part)
		}
		return LoginResponse{RequestID: reqID, UserID: userID, VoiceToken: token, Participants: participants}, nil

	case IDJoinVoiceResponse:
		return decodeAck(r, func(reqID uint64, ok bool) Packet {
			return JoinVoiceResponse{RequestID: reqID, Success: ok}
		})

	case IDLeaveVoiceResponse:
		return decodeAck(r, func(reqID uint64, ok bool) Packet {
			return LeaveVoiceResponse{RequestID: reqID, Success: ok}
		})

	case IDChatResponse:
		return decodeAck(r, func(reqID uint64, ok bool) Packet {
			return ChatResponse{RequestID: reqID, Success: ok}
		})

	case IDVoiceAuthResponse:
		return decodeAck(r, func(reqID uint64, ok bool) Packet {
			return VoiceAuthResponse{RequestID: reqID, Success: ok}
		})

	case IDPingResponse:
		reqID, err := r.u64()
		if err != nil {
			return nil, err
		}
		return PingResponse{RequestID: reqID}, nil

	case IDUserJoinedServer:
		part, err := readParticipant(r)
		if err != nil {
			return nil, err
		}
		return UserJoinedServer{Participant: part}, nil

	case IDUserJoinedVoice:
		userID, err := r.u64()
		if err != nil {
			return nil, err
		}
		return UserJoinedVoice{UserID: userID}, nil

	case IDUserLeftVoice:
		userID, err := r.u64()
		if err != nil {
			return nil, err
		}
		return UserLeftVoice{UserID: userID}, nil

	case IDUserLeftServer:
		userID, err := r.u64()
		if err != nil {
			return nil, err
		}
		return UserLeftServer{UserID: userID}, nil

	case IDUserSentMessage:
		userID, err := r.u64()
		if err != nil {
			return nil, err
		}
		name, err := r.string()
		if err != nil {
			return nil, err
		}
		msg, err := r.string()
		if err != nil {
			return nil, err
		}
		return UserSentMessage{UserID: userID, Username: name, Message: msg}, nil

	case IDUserMuteState:
		userID, err := r.u64()
		if err != nil {
			return nil, err
		}
		muted, err := r.bool()
		if err != nil {
			return nil, err
		}
		return UserMuteState{UserID: userID, Muted: muted}, nil

	case IDVoiceData:
		userID, err := r.u64()
		if err != nil {
			return nil, err
		}
		seq, err := r.u32()
		if err != nil {
			return nil, err
		}
		ts, err := r.u32()
		if err != nil {
			return nil, err
		}
		return VoiceData{UserID: userID, Sequence: seq, Timestamp: ts, Opus: r.rest()}, nil
	}
	return nil, UnknownPacketIDError(id)
}

func readParticipant(r *reader) (ParticipantInfo, error) {
	userID, err := r.u64()
	if err != nil {
		return ParticipantInfo{}, err
	}
	name, err := r.string()
	if err != nil {
		return ParticipantInfo{}, err
	}
	inVoice, err := r.bool()
	if err != nil {
		return ParticipantInfo{}, err
	}
	muted, err := r.bool()
	if err != nil {
		return ParticipantInfo{}, err
	}
	return ParticipantInfo{UserID: userID, Username: name, InVoice: inVoice, Muted: muted}, nil
}

func decodeAck(r *reader, build func(uint64, bool) Packet) (Packet, error) {
	reqID, err := r.u64()
	if err != nil {
		return nil, err
	}
	ok, err := r.bool()
	if err != nil {
		return nil, err
	}
	return build(reqID, ok), nil
}

// RequestID extracts the correlation id from a request or response packet.
// Events and voice datagrams have none.
func RequestID(p Packet) (uint64, bool) {
	switch v := p.(type) {
	case LoginRequest:
		return v.RequestID, true
	case JoinVoiceRequest:
		return v.RequestID, true
	case LeaveVoiceRequest:
		return v.RequestID, true
	case PingRequest:
		return v.RequestID, true
	case ChatRequest:
		return v.RequestID, true
	case VoiceAuthRequest:
		return v.RequestID, true
	case LoginResponse:
		return v.RequestID, true
	case JoinVoiceResponse:
		return v.RequestID, true
	case LeaveVoiceResponse:
		return v.RequestID, true
	case ChatResponse:
		return v.RequestID, true
	case PingResponse:
		return v.RequestID, true
	case VoiceAuthResponse:
		return v.RequestID, true
	}
	return 0, false
}

// IsResponse reports whether the packet id falls in the response range.
func IsResponse(p Packet) bool {
	id := p.id()
	return id >= 0x20 && id <= 0x3F
}

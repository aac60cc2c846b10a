package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllVariants(t *testing.T) {
	participants := []ParticipantInfo{
		{UserID: 1, Username: "alice", InVoice: true, Muted: false},
		{UserID: 2, Username: "bob", InVoice: false, Muted: true},
	}

	packets := []Packet{
		LoginRequest{RequestID: 7, Username: "alice"},
		JoinVoiceRequest{RequestID: 8},
		LeaveVoiceRequest{RequestID: 9},
		PingRequest{RequestID: 10},
		ChatRequest{RequestID: 11, Message: "hello there"},
		VoiceAuthRequest{RequestID: 12, VoiceToken: 0x1122334455667788},
		LoginResponse{RequestID: 7, UserID: 3, VoiceToken: 0xDEADBEEFCAFEF00D, Participants: participants},
		LoginResponse{RequestID: 7, UserID: 3, VoiceToken: 1, Participants: []ParticipantInfo{}},
		JoinVoiceResponse{RequestID: 8, Success: true},
		LeaveVoiceResponse{RequestID: 9, Success: false},
		ChatResponse{RequestID: 11, Success: true},
		PingResponse{RequestID: 10},
		VoiceAuthResponse{RequestID: 12, Success: true},
		UserJoinedServer{Participant: participants[0]},
		UserJoinedVoice{UserID: 4},
		UserLeftVoice{UserID: 5},
		UserLeftServer{UserID: 6},
		UserSentMessage{UserID: 4, Username: "alice", Message: "hi"},
		UserMuteState{UserID: 4, Muted: true},
		VoiceData{UserID: 4, Sequence: 42, Timestamp: 40320, Opus: []byte{0xF8, 0x01, 0x02}},
		VoiceData{UserID: 4, Sequence: 0xFFFFFFFF, Timestamp: 0xFFFFFFFF, Opus: []byte{}},
	}

	for _, p := range packets {
		encoded := Encode(p)
		decoded, n, err := Decode(encoded)
		require.NoError(t, err, "%T", p)
		assert.Equal(t, len(encoded), n, "%T consumed length", p)
		assert.Equal(t, p, decoded, "%T", p)
	}
}

func TestDecodeConsumesOnlyOnePacket(t *testing.T) {
	first := Encode(PingRequest{RequestID: 1})
	second := Encode(ChatRequest{RequestID: 2, Message: "x"})
	stream := append(append([]byte{}, first...), second...)

	p, n, err := Decode(stream)
	require.NoError(t, err)
	assert.Equal(t, PingRequest{RequestID: 1}, p)
	assert.Equal(t, len(first), n)

	p, n, err = Decode(stream[n:])
	require.NoError(t, err)
	assert.Equal(t, ChatRequest{RequestID: 2, Message: "x"}, p)
	assert.Equal(t, len(second), n)
}

func TestDecodeEmptyBuffer(t *testing.T) {
	_, _, err := Decode(nil)
	var short *ShortBufferError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 1, short.Expected)
	assert.Equal(t, 0, short.Got)
	assert.True(t, IsRecoverable(err))
}

func TestDecodeTruncatedHeader(t *testing.T) {
	_, _, err := Decode([]byte{IDPingRequest, 0x00})
	var short *ShortBufferError
	require.ErrorAs(t, err, &short)
	assert.True(t, IsRecoverable(err))
}

func TestDecodeIncompletePayload(t *testing.T) {
	full := Encode(ChatRequest{RequestID: 3, Message: "hello"})
	_, _, err := Decode(full[:len(full)-2])
	var incomplete *IncompletePayloadError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, incomplete.Expected-incomplete.Got, 2)
	assert.True(t, IsRecoverable(err))
}

func TestDecodeUnknownPacketID(t *testing.T) {
	_, _, err := Decode([]byte{0xEE, 0x00, 0x00})
	var unknown UnknownPacketIDError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, byte(0xEE), byte(unknown))
	assert.False(t, IsRecoverable(err))
}

func TestDecodeInvalidUTF8(t *testing.T) {
	// LoginRequest with a 2-byte string that is not valid UTF-8.
	buf := []byte{
		IDLoginRequest, 0x00, 0x0C, // header: 12-byte payload
		0, 0, 0, 0, 0, 0, 0, 1, // request id
		0x00, 0x02, 0xFF, 0xFE, // bad string
	}
	_, _, err := Decode(buf)
	require.ErrorIs(t, err, ErrInvalidUTF8)
	assert.False(t, IsRecoverable(err))
}

func TestDecodeTruncatedStringInsidePayload(t *testing.T) {
	// Payload length admits the string length prefix but not the body.
	buf := []byte{
		IDLoginRequest, 0x00, 0x0A, // header: 10-byte payload
		0, 0, 0, 0, 0, 0, 0, 1, // request id
		0x00, 0x05, // string claims 5 bytes, none present
	}
	_, _, err := Decode(buf)
	var short *ShortBufferError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 5, short.Expected)
	assert.Equal(t, 0, short.Got)
}

func TestVoiceDataTailAliasesNothing(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	encoded := Encode(VoiceData{UserID: 9, Sequence: 1, Timestamp: 960, Opus: payload})
	decoded, _, err := Decode(encoded)
	require.NoError(t, err)

	// Mutating the original buffer must not reach into the decoded packet.
	for i := range encoded {
		encoded[i] = 0
	}
	assert.Equal(t, []byte{1, 2, 3, 4}, decoded.(VoiceData).Opus)
}

func TestRequestIDExtraction(t *testing.T) {
	id, ok := RequestID(ChatRequest{RequestID: 99, Message: "m"})
	assert.True(t, ok)
	assert.Equal(t, uint64(99), id)

	id, ok = RequestID(VoiceAuthResponse{RequestID: 44, Success: true})
	assert.True(t, ok)
	assert.Equal(t, uint64(44), id)

	_, ok = RequestID(UserJoinedVoice{UserID: 1})
	assert.False(t, ok)

	_, ok = RequestID(VoiceData{UserID: 1})
	assert.False(t, ok)
}

func TestIsResponse(t *testing.T) {
	assert.True(t, IsResponse(PingResponse{}))
	assert.True(t, IsResponse(LoginResponse{}))
	assert.False(t, IsResponse(PingRequest{}))
	assert.False(t, IsResponse(UserLeftServer{}))
	assert.False(t, IsResponse(VoiceData{}))
}

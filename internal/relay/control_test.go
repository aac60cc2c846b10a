package relay

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"vox/protocol"
)

// testConn drives one side of a control connection in tests.
type testConn struct {
	conn net.Conn
	acc  []byte
	t    *testing.T
}

func (c *testConn) send(pkt protocol.Packet) {
	c.t.Helper()
	if _, err := c.conn.Write(protocol.Encode(pkt)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testConn) recv() protocol.Packet {
	c.t.Helper()
	buf := make([]byte, 4096)
	for {
		if len(c.acc) > 0 {
			pkt, n, err := protocol.Decode(c.acc)
			if err == nil {
				c.acc = c.acc[n:]
				return pkt
			}
			if !protocol.IsRecoverable(err) {
				c.t.Fatalf("decode: %v", err)
			}
		}
		c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := c.conn.Read(buf)
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
		c.acc = append(c.acc, buf[:n]...)
	}
}

// recvUntil reads packets until one matches, skipping others.
func (c *testConn) recvUntil(match func(protocol.Packet) bool) protocol.Packet {
	c.t.Helper()
	for i := 0; i < 16; i++ {
		pkt := c.recv()
		if match(pkt) {
			return pkt
		}
	}
	c.t.Fatal("expected packet never arrived")
	return nil
}

// startControl runs a ControlServer on a real listener and returns a dialer.
func startControl(t *testing.T) (dial func() *testConn, events chan Event) {
	t.Helper()
	room := NewRoom()
	events = make(chan Event, 64)
	srv := NewControlServer(room, events)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx, ln)
	t.Cleanup(cancel)

	dial = func() *testConn {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { conn.Close() })
		return &testConn{conn: conn, t: t}
	}
	return dial, events
}

func login(t *testing.T, c *testConn, name string, reqID uint64) protocol.LoginResponse {
	t.Helper()
	c.send(protocol.LoginRequest{RequestID: reqID, Username: name})
	resp := c.recvUntil(func(p protocol.Packet) bool {
		_, ok := p.(protocol.LoginResponse)
		return ok
	})
	return resp.(protocol.LoginResponse)
}

func expectEvent(t *testing.T, events chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("internal event %v never published", kind)
		}
	}
}

func TestLoginAssignsIdentityAndToken(t *testing.T) {
	dial, events := startControl(t)
	c := dial()

	connected := expectEvent(t, events, UserConnected)

	resp := login(t, c, "alice", 1)
	if resp.RequestID != 1 {
		t.Errorf("request id %d, want 1", resp.RequestID)
	}
	if resp.UserID != connected.UserID {
		t.Errorf("user id %d, want %d", resp.UserID, connected.UserID)
	}
	if resp.VoiceToken != connected.Token {
		t.Errorf("token mismatch between response and internal event")
	}
	if len(resp.Participants) != 0 {
		t.Errorf("first user should see an empty room, got %d", len(resp.Participants))
	}
}

func TestSecondLoginSeesSnapshotAndFirstSeesEvent(t *testing.T) {
	dial, _ := startControl(t)
	a := dial()
	loginA := login(t, a, "alice", 1)

	b := dial()
	loginB := login(t, b, "bob", 2)

	if len(loginB.Participants) != 1 || loginB.Participants[0].Username != "alice" {
		t.Fatalf("bob's snapshot: %#v", loginB.Participants)
	}

	joined := a.recvUntil(func(p protocol.Packet) bool {
		_, ok := p.(protocol.UserJoinedServer)
		return ok
	}).(protocol.UserJoinedServer)
	if joined.Participant.UserID != loginB.UserID || joined.Participant.Username != "bob" {
		t.Fatalf("alice saw %#v", joined.Participant)
	}
	_ = loginA
}

func TestLoginNameBoundaries(t *testing.T) {
	dial, _ := startControl(t)

	// Exactly 32 bytes is accepted.
	c := dial()
	resp := login(t, c, strings.Repeat("a", MaxNameLength), 1)
	if resp.UserID == 0 {
		t.Fatal("32-byte name rejected")
	}

	// 33 bytes closes the connection without a response.
	bad := dial()
	bad.send(protocol.LoginRequest{RequestID: 2, Username: strings.Repeat("a", MaxNameLength+1)})
	bad.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	if _, err := bad.conn.Read(buf); err == nil {
		t.Fatal("33-byte name should close the connection")
	}
}

func TestJoinVoiceFlow(t *testing.T) {
	dial, events := startControl(t)
	a := dial()
	login(t, a, "alice", 1)
	b := dial()
	loginB := login(t, b, "bob", 2)

	b.send(protocol.JoinVoiceRequest{RequestID: 3})
	resp := b.recvUntil(func(p protocol.Packet) bool {
		_, ok := p.(protocol.JoinVoiceResponse)
		return ok
	}).(protocol.JoinVoiceResponse)
	if !resp.Success || resp.RequestID != 3 {
		t.Fatalf("join response %#v", resp)
	}

	ev := expectEvent(t, events, VoiceJoined)
	if ev.UserID != loginB.UserID {
		t.Errorf("internal event for user %d, want %d", ev.UserID, loginB.UserID)
	}

	joined := a.recvUntil(func(p protocol.Packet) bool {
		_, ok := p.(protocol.UserJoinedVoice)
		return ok
	}).(protocol.UserJoinedVoice)
	if joined.UserID != loginB.UserID {
		t.Errorf("broadcast for user %d, want %d", joined.UserID, loginB.UserID)
	}
}

func TestChatEchoesToSender(t *testing.T) {
	dial, _ := startControl(t)
	a := dial()
	loginA := login(t, a, "alice", 1)

	a.send(protocol.ChatRequest{RequestID: 2, Message: "hello room"})

	gotResponse, gotEcho := false, false
	for i := 0; i < 4 && !(gotResponse && gotEcho); i++ {
		switch p := a.recv().(type) {
		case protocol.ChatResponse:
			if !p.Success || p.RequestID != 2 {
				t.Fatalf("chat response %#v", p)
			}
			gotResponse = true
		case protocol.UserSentMessage:
			if p.UserID != loginA.UserID || p.Username != "alice" || p.Message != "hello room" {
				t.Fatalf("echo %#v", p)
			}
			gotEcho = true
		}
	}
	if !gotResponse || !gotEcho {
		t.Fatalf("response=%v echo=%v", gotResponse, gotEcho)
	}
}

func TestPingEchoesCorrelationID(t *testing.T) {
	dial, _ := startControl(t)
	c := dial()
	login(t, c, "alice", 1)

	c.send(protocol.PingRequest{RequestID: 777})
	resp := c.recvUntil(func(p protocol.Packet) bool {
		_, ok := p.(protocol.PingResponse)
		return ok
	}).(protocol.PingResponse)
	if resp.RequestID != 777 {
		t.Fatalf("ping response id %d, want 777", resp.RequestID)
	}
}

func TestMuteStateBroadcast(t *testing.T) {
	dial, events := startControl(t)
	a := dial()
	login(t, a, "alice", 1)
	b := dial()
	loginB := login(t, b, "bob", 2)

	// The wire id is ignored; the connection's identity wins.
	b.send(protocol.UserMuteState{UserID: 9999, Muted: true})

	ev := expectEvent(t, events, MuteChanged)
	if ev.UserID != loginB.UserID || !ev.Muted {
		t.Fatalf("internal mute event %#v", ev)
	}

	state := a.recvUntil(func(p protocol.Packet) bool {
		_, ok := p.(protocol.UserMuteState)
		return ok
	}).(protocol.UserMuteState)
	if state.UserID != loginB.UserID || !state.Muted {
		t.Fatalf("broadcast %#v", state)
	}
}

func TestDisconnectBroadcastsPresence(t *testing.T) {
	dial, events := startControl(t)
	a := dial()
	login(t, a, "alice", 1)
	b := dial()
	loginB := login(t, b, "bob", 2)

	b.send(protocol.JoinVoiceRequest{RequestID: 3})
	b.recvUntil(func(p protocol.Packet) bool {
		_, ok := p.(protocol.JoinVoiceResponse)
		return ok
	})

	b.conn.Close()

	gotLeftServer, gotLeftVoice := false, false
	for i := 0; i < 8 && !(gotLeftServer && gotLeftVoice); i++ {
		switch p := a.recv().(type) {
		case protocol.UserLeftServer:
			if p.UserID == loginB.UserID {
				gotLeftServer = true
			}
		case protocol.UserLeftVoice:
			if p.UserID == loginB.UserID {
				gotLeftVoice = true
			}
		}
	}
	if !gotLeftServer || !gotLeftVoice {
		t.Fatalf("left_server=%v left_voice=%v", gotLeftServer, gotLeftVoice)
	}

	expectEvent(t, events, UserDisconnected)
}

func TestValidateName(t *testing.T) {
	cases := []struct {
		name string
		in   string
		ok   bool
	}{
		{"simple", "alice", true},
		{"trimmed", "  alice  ", true},
		{"empty", "", false},
		{"whitespace only", "   ", false},
		{"max length", strings.Repeat("x", 32), true},
		{"over length", strings.Repeat("x", 33), false},
		{"multibyte within limit", strings.Repeat("é", 16), true},
		{"multibyte over limit", strings.Repeat("é", 17), false},
		{"control characters", "al\x00ice", false},
		{"newline", "al\nice", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := validateName(tc.in)
			if (err == nil) != tc.ok {
				t.Errorf("validateName(%q) err=%v, want ok=%v", tc.in, err, tc.ok)
			}
		})
	}
}

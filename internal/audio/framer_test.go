package audio

import (
	"testing"

	"vox/protocol"
)

// stubEncoder records frame lengths and returns a fixed payload.
type stubEncoder struct {
	frames [][]float32
}

func (e *stubEncoder) Encode(frame []float32) ([]byte, error) {
	cp := make([]float32, len(frame))
	copy(cp, frame)
	e.frames = append(e.frames, cp)
	return []byte{0xF8}, nil
}

func TestFramerEmitsFullFramesAtWireRate(t *testing.T) {
	enc := &stubEncoder{}
	fr, err := newFramer(enc, protocol.SampleRate)
	if err != nil {
		t.Fatal(err)
	}

	// 3 x 480-sample chunks: one full frame after the second, remainder held.
	var packets []protocol.VoiceData
	for i := 0; i < 3; i++ {
		out, err := fr.push(make([]float32, 480))
		if err != nil {
			t.Fatal(err)
		}
		packets = append(packets, out...)
	}

	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if len(enc.frames) != 1 || len(enc.frames[0]) != FrameSize {
		t.Fatalf("encoder saw %d frames", len(enc.frames))
	}
	if packets[0].Sequence != 0 || packets[0].Timestamp != 0 {
		t.Fatalf("first packet stamped seq=%d ts=%d", packets[0].Sequence, packets[0].Timestamp)
	}
}

func TestFramerSequenceAndTimestampAdvance(t *testing.T) {
	enc := &stubEncoder{}
	fr, err := newFramer(enc, protocol.SampleRate)
	if err != nil {
		t.Fatal(err)
	}
	packets, err := fr.push(make([]float32, FrameSize*3))
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) != 3 {
		t.Fatalf("got %d packets, want 3", len(packets))
	}
	for i, pkt := range packets {
		if pkt.Sequence != uint32(i) {
			t.Errorf("packet %d: seq %d", i, pkt.Sequence)
		}
		if pkt.Timestamp != uint32(i)*protocol.TimestampIncrement {
			t.Errorf("packet %d: ts %d", i, pkt.Timestamp)
		}
	}
}

func TestFramerSequenceWrap(t *testing.T) {
	enc := &stubEncoder{}
	fr, err := newFramer(enc, protocol.SampleRate)
	if err != nil {
		t.Fatal(err)
	}
	fr.seq = 0xFFFFFFFF
	fr.timestamp = 0xFFFFFFFF - protocol.TimestampIncrement + 1

	packets, err := fr.push(make([]float32, FrameSize*2))
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) != 2 {
		t.Fatalf("got %d packets, want 2", len(packets))
	}
	if packets[0].Sequence != 0xFFFFFFFF || packets[1].Sequence != 0 {
		t.Fatalf("wrap sequence: got %d then %d", packets[0].Sequence, packets[1].Sequence)
	}
	if packets[1].Timestamp != packets[0].Timestamp+protocol.TimestampIncrement {
		t.Fatalf("wrap timestamp: %d then %d", packets[0].Timestamp, packets[1].Timestamp)
	}
}

func TestFramerResamplesDeviceRate(t *testing.T) {
	enc := &stubEncoder{}
	fr, err := newFramer(enc, 44100)
	if err != nil {
		t.Fatal(err)
	}
	// 1 second of 44.1 kHz input must produce ~50 wire frames.
	var packets []protocol.VoiceData
	for i := 0; i < 100; i++ {
		out, err := fr.push(make([]float32, 441))
		if err != nil {
			t.Fatal(err)
		}
		packets = append(packets, out...)
	}
	if len(packets) < 49 || len(packets) > 50 {
		t.Fatalf("1 s at 44.1 kHz produced %d frames, want ~50", len(packets))
	}
}

func TestFramerHoldsPartialFrame(t *testing.T) {
	enc := &stubEncoder{}
	fr, err := newFramer(enc, protocol.SampleRate)
	if err != nil {
		t.Fatal(err)
	}
	packets, err := fr.push(make([]float32, FrameSize-1))
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) != 0 {
		t.Fatalf("partial frame emitted %d packets", len(packets))
	}
	packets, err = fr.push(make([]float32, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) != 1 {
		t.Fatalf("completed frame emitted %d packets", len(packets))
	}
}

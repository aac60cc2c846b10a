package jitter

import (
	"testing"

	"vox/protocol"
)

func pkt(seq uint32) protocol.VoiceData {
	return protocol.VoiceData{
		Sequence:  seq,
		Timestamp: seq * protocol.TimestampIncrement,
		Opus:      []byte{byte(seq)},
	}
}

// drain pops everything currently in sequence.
func drain(b *Buffer) []uint32 {
	var out []uint32
	for {
		p, ok := b.NextAvailable()
		if !ok {
			return out
		}
		out = append(out, p.Sequence)
	}
}

func TestInOrderDelivery(t *testing.T) {
	b := New(10)
	for seq := uint32(0); seq < 3; seq++ {
		p, ok := b.Insert(pkt(seq))
		if !ok {
			t.Fatalf("seq %d: expected immediate delivery", seq)
		}
		if p.Sequence != seq {
			t.Fatalf("seq %d: got %d", seq, p.Sequence)
		}
	}
	if b.NextSequence() != 3 {
		t.Errorf("next sequence: got %d, want 3", b.NextSequence())
	}
}

func TestReorderedDelivery(t *testing.T) {
	// Frames arrive 0,1,2,4,3,5 and must come out 0,1,2,3,4,5.
	b := New(10)
	var got []uint32
	for _, seq := range []uint32{0, 1, 2, 4, 3, 5} {
		if p, ok := b.Insert(pkt(seq)); ok {
			got = append(got, p.Sequence)
			got = append(got, drain(b)...)
		}
	}
	want := []uint32{0, 1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}
}

func TestDuplicateNotRedelivered(t *testing.T) {
	b := New(10)
	if _, ok := b.Insert(pkt(0)); !ok {
		t.Fatal("first insert should deliver")
	}
	if _, ok := b.Insert(pkt(0)); ok {
		t.Fatal("duplicate of a delivered packet must not be redelivered")
	}
	if b.NextSequence() != 1 {
		t.Errorf("next sequence: got %d, want 1", b.NextSequence())
	}
}

func TestOldPacketDropped(t *testing.T) {
	b := New(10)
	b.Insert(pkt(0))
	b.Insert(pkt(1))
	if _, ok := b.Insert(pkt(0)); ok {
		t.Fatal("packet behind the cursor must be dropped")
	}
}

func TestOverflowSkipsSmallGap(t *testing.T) {
	// Depth 3; after delivering 0, buffer 2,3,4 (gap at 1), then 5 overflows
	// and the buffer skips to 2.
	b := New(3)
	if _, ok := b.Insert(pkt(0)); !ok {
		t.Fatal("packet 0 should deliver")
	}
	for _, seq := range []uint32{2, 3, 4} {
		if _, ok := b.Insert(pkt(seq)); ok {
			t.Fatalf("seq %d should be buffered behind the gap", seq)
		}
	}
	p, ok := b.Insert(pkt(5))
	if !ok {
		t.Fatal("overflow should have skipped the gap")
	}
	if p.Sequence != 2 {
		t.Fatalf("skip delivered seq %d, want 2", p.Sequence)
	}
	rest := drain(b)
	want := []uint32{3, 4, 5}
	for i, seq := range want {
		if i >= len(rest) || rest[i] != seq {
			t.Fatalf("after skip delivered %v, want %v", rest, want)
		}
	}
}

func TestCatastrophicGapClears(t *testing.T) {
	// Frames 0,1,2 then 2000+: once the buffer overflows, the 1997-packet gap
	// exceeds the skip threshold and the buffer clears instead of bridging.
	b := New(3)
	for seq := uint32(0); seq < 3; seq++ {
		b.Insert(pkt(seq))
	}
	for seq := uint32(2000); seq < 2004; seq++ {
		if _, ok := b.Insert(pkt(seq)); ok {
			t.Fatalf("seq %d delivered across a catastrophic gap", seq)
		}
	}
	if b.Len() != 0 {
		t.Fatalf("buffer should have cleared, still holds %d", b.Len())
	}
	// A straggler from the pre-gap range is not delivered after the clear.
	if _, ok := b.Insert(pkt(1500)); ok {
		t.Fatal("pre-gap sequence delivered after clear")
	}
}

func TestSequenceWrap(t *testing.T) {
	// 2^32-1 followed by 0 are consecutive.
	b := New(10)
	start := uint32(0xFFFFFFFE)
	var got []uint32
	for _, seq := range []uint32{start, start + 1, 0, 1} {
		if p, ok := b.Insert(pkt(seq)); ok {
			got = append(got, p.Sequence)
			got = append(got, drain(b)...)
		}
	}
	want := []uint32{0xFFFFFFFE, 0xFFFFFFFF, 0, 1}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}
}

func TestWrapReorderAcrossBoundary(t *testing.T) {
	b := New(10)
	b.Insert(pkt(0xFFFFFFFF))
	// 0 arrives before... no: insert 1 (future) then 0.
	if _, ok := b.Insert(pkt(1)); ok {
		t.Fatal("seq 1 should wait for seq 0 across the wrap")
	}
	p, ok := b.Insert(pkt(0))
	if !ok || p.Sequence != 0 {
		t.Fatalf("expected seq 0, got %v %v", p.Sequence, ok)
	}
	p, ok = b.NextAvailable()
	if !ok || p.Sequence != 1 {
		t.Fatalf("expected seq 1 after wrap, got %v %v", p.Sequence, ok)
	}
}

func TestAtMostOncePerSequence(t *testing.T) {
	b := New(5)
	seen := make(map[uint32]int)
	// A noisy arrival pattern with duplicates and reordering.
	for _, seq := range []uint32{0, 1, 1, 3, 2, 2, 4, 3, 5} {
		if p, ok := b.Insert(pkt(seq)); ok {
			seen[p.Sequence]++
			for _, s := range drain(b) {
				seen[s]++
			}
		}
	}
	for seq, n := range seen {
		if n > 1 {
			t.Errorf("seq %d delivered %d times", seq, n)
		}
	}
}

// Package jitter implements the per-speaker reordering buffer for voice
// datagrams.
//
// Packets are indexed by their 32-bit sequence number. The buffer restores
// order within a bounded window, skips small gaps rather than starving on a
// lost packet, and clears entirely when the gap is too large to be worth
// bridging.
package jitter

import (
	"log"

	"vox/protocol"
)

const (
	// ancientThreshold is the wrap distance beyond which an arriving packet
	// is treated as behind the cursor and dropped.
	ancientThreshold = 100000

	// skipThreshold is the largest gap the buffer will bridge by advancing
	// the cursor. Anything larger clears the buffer.
	skipThreshold = 1000
)

// Buffer reorders voice datagrams for a single speaker. Not safe for
// concurrent use; each speaker's consumer owns its buffer.
type Buffer struct {
	packets  map[uint32]protocol.VoiceData
	nextSeq  uint32
	maxDepth int
}

// New creates a buffer that holds at most maxDepth packets before it starts
// skipping gaps.
func New(maxDepth int) *Buffer {
	if maxDepth < 1 {
		maxDepth = 1
	}
	return &Buffer{
		packets:  make(map[uint32]protocol.VoiceData),
		maxDepth: maxDepth,
	}
}

// Insert stores a packet and returns the next in-sequence packet if the
// insert completed one. Packets more than ancientThreshold behind the cursor
// (in wrap arithmetic) are dropped.
func (b *Buffer) Insert(pkt protocol.VoiceData) (protocol.VoiceData, bool) {
	seq := pkt.Sequence

	// Seed the cursor from the first packet of the stream.
	if len(b.packets) == 0 && b.nextSeq == 0 {
		b.nextSeq = seq
	}

	if seq-b.nextSeq > ancientThreshold {
		return protocol.VoiceData{}, false
	}

	b.packets[seq] = pkt
	return b.tryPop()
}

// NextAvailable returns the next in-sequence packet if one is buffered.
// Callers drain in a loop after each Insert.
func (b *Buffer) NextAvailable() (protocol.VoiceData, bool) {
	return b.tryPop()
}

func (b *Buffer) tryPop() (protocol.VoiceData, bool) {
	if pkt, ok := b.packets[b.nextSeq]; ok {
		delete(b.packets, b.nextSeq)
		b.nextSeq++
		return pkt, true
	}

	if len(b.packets) > b.maxDepth {
		oldest, ok := b.oldestSeq()
		if !ok {
			return protocol.VoiceData{}, false
		}
		gap := oldest - b.nextSeq
		if gap <= skipThreshold {
			// A missed packet; skip ahead to the next one we hold.
			b.nextSeq = oldest
			return b.tryPop()
		}
		// Unrecoverable loss; start over rather than building delay.
		log.Printf("[jitter] gap of %d packets at seq %d, clearing buffer", gap, b.nextSeq)
		b.packets = make(map[uint32]protocol.VoiceData)
	}

	return protocol.VoiceData{}, false
}

// oldestSeq returns the stored sequence closest ahead of the cursor in wrap
// arithmetic.
func (b *Buffer) oldestSeq() (uint32, bool) {
	var (
		best  uint32
		dist  uint32
		found bool
	)
	for seq := range b.packets {
		d := seq - b.nextSeq
		if !found || d < dist {
			best, dist, found = seq, d, true
		}
	}
	return best, found
}

// Skip advances the cursor past one missing packet. It is a no-op when the
// expected packet is actually buffered; callers conceal the skipped frame.
func (b *Buffer) Skip() {
	if _, ok := b.packets[b.nextSeq]; ok {
		return
	}
	b.nextSeq++
}

// NextSequence returns the sequence number the buffer expects next.
func (b *Buffer) NextSequence() uint32 {
	return b.nextSeq
}

// Len returns the number of packets currently buffered.
func (b *Buffer) Len() int {
	return len(b.packets)
}

// Clear drops all buffered packets. The cursor is kept; use on stream reset.
func (b *Buffer) Clear() {
	b.packets = make(map[uint32]protocol.VoiceData)
}

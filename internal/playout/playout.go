// Package playout implements the adaptive per-speaker receive pipeline: a
// jitter-managed queue in front of the speaker's decoder, pulled in 10 ms
// slices at the output device rate.
//
// Late or missing frames are concealed through the decoder's PLC mode. When
// the queue runs persistently dry it raises its target depth (expand); when
// frames pile up beyond the high watermark it drops one per pull
// (accelerate) to shed latency.
package playout

import (
	"fmt"
	"sync"

	"vox/internal/jitter"
	"vox/internal/resample"
	"vox/protocol"
)

// FrameDecoder is the decoder seam, satisfied by audio.Decoder. Slices
// returned by Decode and Conceal are only valid until the next call.
type FrameDecoder interface {
	Decode(data []byte) ([]float32, error)
	Conceal() ([]float32, error)
}

const (
	// resampleChunk is the slice size fed through the output resampler;
	// 10 ms at the wire rate.
	resampleChunk = 480

	// Depth bounds in 20 ms frames. minDepth keeps one frame of reorder
	// slack; maxDepth caps added latency at 160 ms.
	minDepth = 2
	maxDepth = 8

	// concealStreak raises the target depth after this many consecutive
	// concealed frames; steadyPulls lowers it again after a clean stretch.
	concealStreak = 3
	steadyPulls   = 500
)

// Queue is one remote speaker's playout queue. Insert is called by the
// packet router, Pull by the output loop; both are safe concurrently.
type Queue struct {
	mu sync.Mutex

	jb    *jitter.Buffer
	dec   FrameDecoder
	rs    *resample.Resampler // nil when the device runs at the wire rate
	ready []protocol.VoiceData

	// pcm is decoded audio at the device rate awaiting pulls.
	pcm []float32

	deviceRate int
	pullSize   int

	started     bool
	targetDepth int
	streak      int // consecutive concealed frames
	clean       int // pulls since the last concealment

	delivered   uint64
	concealed   uint64
	accelerated uint64
}

// New creates a queue for one speaker. deviceRate is the output device's
// sample rate; dec must be a fresh decoder owned by this queue.
func New(dec FrameDecoder, deviceRate int) (*Queue, error) {
	if deviceRate <= 0 {
		return nil, fmt.Errorf("playout: invalid device rate %d", deviceRate)
	}
	q := &Queue{
		jb:          jitter.New(maxDepth * 2),
		dec:         dec,
		deviceRate:  deviceRate,
		pullSize:    deviceRate / 100,
		targetDepth: minDepth,
	}
	if deviceRate != protocol.SampleRate {
		rs, err := resample.New(protocol.SampleRate, deviceRate, resampleChunk)
		if err != nil {
			return nil, err
		}
		q.rs = rs
	}
	return q, nil
}

// PullSize returns the number of samples one Pull produces: 10 ms at the
// device rate.
func (q *Queue) PullSize() int {
	return q.pullSize
}

// Insert queues one datagram for this speaker.
func (q *Queue) Insert(pkt protocol.VoiceData) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if p, ok := q.jb.Insert(pkt); ok {
		q.ready = append(q.ready, p)
		q.drainReady()
	}

	// Bound the in-sequence backlog so a stalled output loop cannot grow it
	// without limit.
	if over := len(q.ready) - maxDepth*4; over > 0 {
		q.ready = q.ready[over:]
	}
}

func (q *Queue) drainReady() {
	for {
		p, ok := q.jb.NextAvailable()
		if !ok {
			return
		}
		q.ready = append(q.ready, p)
	}
}

// Pull fills out with the next 10 ms of this speaker's audio at the device
// rate. It never blocks; before the stream is primed (or after it goes dry
// with nothing to conceal from) it writes silence.
func (q *Queue) Pull(out []float32) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.started {
		if len(q.ready)+q.jb.Len() < q.targetDepth {
			zero(out)
			return
		}
		q.started = true
	}

	for len(q.pcm) < len(out) {
		if !q.produceFrame() {
			break
		}
	}

	n := copy(out, q.pcm)
	q.pcm = q.pcm[:copy(q.pcm, q.pcm[n:])]
	zero(out[n:])
}

// produceFrame decodes or conceals one 20 ms frame into pcm. Returns false
// when nothing could be produced (fresh stream with an empty queue).
func (q *Queue) produceFrame() bool {
	var samples []float32
	var err error

	switch {
	case len(q.ready) > 0:
		pkt := q.ready[0]
		q.ready = q.ready[1:]
		samples, err = q.dec.Decode(pkt.Opus)
		q.delivered++
		q.markClean()
	case q.jb.Len() > 0:
		// The next frame is stuck behind a gap; conceal it and move the
		// cursor so the stream does not stall.
		q.jb.Skip()
		q.drainReady()
		samples, err = q.dec.Conceal()
		q.markConcealed()
	default:
		// True starvation: nothing buffered at all.
		samples, err = q.dec.Conceal()
		q.markConcealed()
	}
	if err != nil {
		// Decoder failure for this frame; emit silence in its place.
		samples = make([]float32, protocol.FrameSize)
	}

	q.appendAtDeviceRate(samples)

	// Accelerate: drop one backlogged frame per pull once the queue exceeds
	// the high watermark, trading one frame for lower latency.
	if len(q.ready)+q.jb.Len() > q.targetDepth+maxDepth/2 {
		if len(q.ready) > 0 {
			drop := q.ready[0]
			q.ready = q.ready[1:]
			// Run it through the decoder so PLC state stays current.
			if _, err := q.dec.Decode(drop.Opus); err == nil {
				q.accelerated++
			}
		}
	}
	return true
}

func (q *Queue) markConcealed() {
	q.concealed++
	q.streak++
	q.clean = 0
	if q.streak >= concealStreak && q.targetDepth < maxDepth {
		q.targetDepth++
		q.streak = 0
	}
}

func (q *Queue) markClean() {
	q.streak = 0
	q.clean++
	if q.clean >= steadyPulls && q.targetDepth > minDepth {
		q.targetDepth--
		q.clean = 0
	}
}

func (q *Queue) appendAtDeviceRate(samples []float32) {
	if q.rs == nil {
		q.pcm = append(q.pcm, samples...)
		return
	}
	for off := 0; off+resampleChunk <= len(samples); off += resampleChunk {
		converted, err := q.rs.Resample(samples[off : off+resampleChunk])
		if err != nil {
			return
		}
		q.pcm = append(q.pcm, converted...)
	}
}

// Depth returns the queued backlog in frames, for diagnostics.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + q.jb.Len()
}

// Stats returns the lifetime delivered/concealed/accelerated frame counts.
func (q *Queue) Stats() (delivered, concealed, accelerated uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delivered, q.concealed, q.accelerated
}

func zero(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

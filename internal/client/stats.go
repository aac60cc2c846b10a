package client

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds connection-quality numbers derived from the voice stream
// and control pings.
type Metrics struct {
	RTTMs      float64 // smoothed control round trip
	PacketLoss float64 // 0.0-1.0 over the last interval
	JitterMs   float64 // smoothed inter-arrival deviation from the 20 ms cadence
	Quality    string  // "good", "moderate", or "poor"
}

// qualityLevel classifies connection quality. Thresholds: good (loss<2%,
// RTT<100 ms, jitter<20 ms), moderate (loss<10%, RTT<300 ms, jitter<50 ms),
// poor otherwise.
func qualityLevel(loss, rttMs, jitterMs float64) string {
	if loss >= 0.10 || rttMs >= 300 || jitterMs >= 50 {
		return "poor"
	}
	if loss >= 0.02 || rttMs >= 100 || jitterMs >= 20 {
		return "moderate"
	}
	return "good"
}

const (
	// expectedGapMs is one voice frame.
	expectedGapMs = 20.0

	// jitterAlpha is the RFC 3550 inter-arrival jitter gain.
	jitterAlpha = 1.0 / 16.0

	// rttAlpha is the RFC 6298 EWMA gain for RTT samples.
	rttAlpha = 0.125

	// statsPruneAfter drops per-speaker tracking once a speaker has been
	// silent this long.
	statsPruneAfter = 30 * time.Second
)

// speakerTrack is per-speaker loss and arrival accounting.
type speakerTrack struct {
	lastSeq     uint32
	hasSeq      bool
	lastArrival time.Time
	lastSeen    time.Time
}

// statsTracker accumulates connection metrics. Observe is called from the
// voice routing goroutine, ObserveRTT from request paths, Snapshot from
// anywhere.
type statsTracker struct {
	mu       sync.Mutex
	speakers map[uint64]*speakerTrack

	smoothedRTT    atomic.Uint64 // float64 bits
	smoothedJitter atomic.Uint64 // float64 bits

	lost     atomic.Uint64
	expected atomic.Uint64
}

func newStatsTracker() *statsTracker {
	return &statsTracker{speakers: make(map[uint64]*speakerTrack)}
}

// Observe accounts one received voice datagram: forward sequence gaps feed
// the loss estimate, arrival spacing feeds the jitter estimate. Reordered or
// replayed packets are delivered to the jitter buffer elsewhere but do not
// corrupt the estimates here.
func (t *statsTracker) Observe(senderID uint64, seq uint32, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.speakers[senderID]
	if !ok {
		tr = &speakerTrack{}
		t.speakers[senderID] = tr
		t.pruneLocked(now)
	}
	tr.lastSeen = now

	forward := false
	if tr.hasSeq {
		diff := seq - tr.lastSeq // wraps
		if diff > 0 && diff < 1000 {
			forward = true
			tr.lastSeq = seq
			t.expected.Add(uint64(diff))
			if diff > 1 {
				t.lost.Add(uint64(diff - 1))
			}
		}
	} else {
		forward = true
		tr.lastSeq = seq
		tr.hasSeq = true
	}

	if forward {
		if !tr.lastArrival.IsZero() {
			gapMs := float64(now.Sub(tr.lastArrival).Microseconds()) / 1000.0
			if gapMs < 100.0 {
				d := math.Abs(gapMs - expectedGapMs)
				old := math.Float64frombits(t.smoothedJitter.Load())
				t.smoothedJitter.Store(math.Float64bits(old + jitterAlpha*(d-old)))
			}
		}
		tr.lastArrival = now
	}
}

// ObserveRTT folds one control round-trip sample into the smoothed estimate.
func (t *statsTracker) ObserveRTT(rtt time.Duration) {
	sample := float64(rtt.Microseconds()) / 1000.0
	old := math.Float64frombits(t.smoothedRTT.Load())
	next := sample
	if old != 0 {
		next = rttAlpha*sample + (1-rttAlpha)*old
	}
	t.smoothedRTT.Store(math.Float64bits(next))
}

// Snapshot returns the current metrics and resets the interval loss
// counters.
func (t *statsTracker) Snapshot() Metrics {
	lost := t.lost.Swap(0)
	expected := t.expected.Swap(0)
	var loss float64
	if expected > 0 {
		loss = float64(lost) / float64(expected)
		if loss > 1 {
			loss = 1
		}
	}
	rtt := math.Float64frombits(t.smoothedRTT.Load())
	jitter := math.Float64frombits(t.smoothedJitter.Load())
	return Metrics{
		RTTMs:      rtt,
		PacketLoss: loss,
		JitterMs:   jitter,
		Quality:    qualityLevel(loss, rtt, jitter),
	}
}

// pruneLocked drops stale speaker tracks. Called with the mutex held when a
// new speaker appears, which bounds the map by churn rather than by time.
func (t *statsTracker) pruneLocked(now time.Time) {
	for id, tr := range t.speakers {
		if now.Sub(tr.lastSeen) > statsPruneAfter {
			delete(t.speakers, id)
		}
	}
}

package audio

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"vox/protocol"
)

// Codec constants. The wire protocol fixes the stream at 48 kHz mono with
// 20 ms frames regardless of what any device runs at.
const (
	codecSampleRate = protocol.SampleRate
	codecChannels   = 1

	// FrameSize is the number of PCM samples in one encoded frame.
	FrameSize = protocol.FrameSize

	// maxPacketBytes is the RFC 6716 maximum Opus packet size.
	maxPacketBytes = 1275
)

// Encoder compresses 20 ms mono frames for the voice channel. Buffers are
// reused across calls; not safe for concurrent use.
type Encoder struct {
	enc *opus.Encoder
	pcm []int16
	buf []byte
}

// NewEncoder creates a VOIP-tuned encoder. bitrate is in bits per second;
// zero selects the library maximum.
func NewEncoder(bitrate int) (*Encoder, error) {
	enc, err := opus.NewEncoder(codecSampleRate, codecChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audio: create encoder: %w", err)
	}
	if bitrate > 0 {
		err = enc.SetBitrate(bitrate)
	} else {
		err = enc.SetBitrateToMax()
	}
	if err != nil {
		return nil, fmt.Errorf("audio: set bitrate: %w", err)
	}
	return &Encoder{
		enc: enc,
		pcm: make([]int16, FrameSize),
		buf: make([]byte, maxPacketBytes),
	}, nil
}

// Encode compresses one frame of at most FrameSize samples. Short frames are
// zero-padded to a full 20 ms; longer input is an error. The returned slice
// is a fresh copy the caller owns.
func (e *Encoder) Encode(frame []float32) ([]byte, error) {
	if len(frame) > FrameSize {
		return nil, fmt.Errorf("audio: frame of %d samples exceeds %d", len(frame), FrameSize)
	}
	for i := range e.pcm {
		if i < len(frame) {
			e.pcm[i] = int16(clampFloat32(frame[i]) * 32767)
		} else {
			e.pcm[i] = 0
		}
	}
	n, err := e.enc.Encode(e.pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("audio: encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

// Decoder decompresses one speaker's stream. Not safe for concurrent use;
// each speaker pipeline owns its own decoder.
type Decoder struct {
	dec *opus.Decoder
	pcm []int16
	out []float32
}

// NewDecoder creates a 48 kHz mono decoder.
func NewDecoder() (*Decoder, error) {
	dec, err := opus.NewDecoder(codecSampleRate, codecChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create decoder: %w", err)
	}
	return &Decoder{
		dec: dec,
		pcm: make([]int16, FrameSize),
		out: make([]float32, FrameSize),
	}, nil
}

// Decode decompresses one frame. The returned slice is valid until the next
// Decode or Conceal call.
func (d *Decoder) Decode(data []byte) ([]float32, error) {
	n, err := d.dec.Decode(data, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("audio: decode: %w", err)
	}
	return d.toFloat(n), nil
}

// Conceal synthesizes a plausible 20 ms frame from decoder state when the
// expected packet never arrived.
func (d *Decoder) Conceal() ([]float32, error) {
	if err := d.dec.DecodePLC(d.pcm); err != nil {
		return nil, fmt.Errorf("audio: plc: %w", err)
	}
	return d.toFloat(FrameSize), nil
}

func (d *Decoder) toFloat(n int) []float32 {
	for i := 0; i < n; i++ {
		d.out[i] = float32(d.pcm[i]) / 32768.0
	}
	return d.out[:n]
}

// clampFloat32 clamps v to [-1.0, 1.0].
func clampFloat32(v float32) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}

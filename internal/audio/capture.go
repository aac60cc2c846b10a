package audio

import (
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"vox/internal/resample"
	"vox/protocol"
)

const (
	// captureChunkMs is the device read granularity. 10 ms keeps latency low
	// and lines up with the 480-sample resampler chunk at 48 kHz.
	captureChunkMs = 10

	// captureQueueDepth bounds the handoff between the device reader and the
	// encode pipeline; frames are dropped (and counted) when it is full.
	captureQueueDepth = 30
)

// frameEncoder is the codec seam for the capture pipeline, satisfied by
// *Encoder.
type frameEncoder interface {
	Encode(frame []float32) ([]byte, error)
}

// framer turns a stream of mono device-rate sample chunks into encoded
// VoiceData packets: resample to the wire rate, accumulate 20 ms frames,
// encode, stamp wrapping sequence/timestamp.
type framer struct {
	enc frameEncoder
	rs  *resample.Resampler // nil when the device already runs at 48 kHz

	resampleBuf []float32 // device-rate samples awaiting a full chunk
	encodeBuf   []float32 // wire-rate samples awaiting a full frame

	seq       uint32
	timestamp uint32
}

func newFramer(enc frameEncoder, deviceRate int) (*framer, error) {
	f := &framer{enc: enc}
	if deviceRate != protocol.SampleRate {
		rs, err := resample.New(deviceRate, protocol.SampleRate, resampleChunkSize)
		if err != nil {
			return nil, err
		}
		f.rs = rs
	}
	return f, nil
}

// resampleChunkSize is the input chunk drained through the capture resampler.
const resampleChunkSize = 480

// push consumes one mono chunk and returns any completed packets.
func (f *framer) push(mono []float32) ([]protocol.VoiceData, error) {
	if f.rs == nil {
		f.encodeBuf = append(f.encodeBuf, mono...)
	} else {
		f.resampleBuf = append(f.resampleBuf, mono...)
		for len(f.resampleBuf) >= resampleChunkSize {
			out, err := f.rs.Resample(f.resampleBuf[:resampleChunkSize])
			if err != nil {
				return nil, err
			}
			f.encodeBuf = append(f.encodeBuf, out...)
			n := copy(f.resampleBuf, f.resampleBuf[resampleChunkSize:])
			f.resampleBuf = f.resampleBuf[:n]
		}
	}

	var packets []protocol.VoiceData
	for len(f.encodeBuf) >= FrameSize {
		opus, err := f.enc.Encode(f.encodeBuf[:FrameSize])
		if err != nil {
			return nil, err
		}
		n := copy(f.encodeBuf, f.encodeBuf[FrameSize:])
		f.encodeBuf = f.encodeBuf[:n]

		packets = append(packets, protocol.VoiceData{
			Sequence:  f.seq,
			Timestamp: f.timestamp,
			Opus:      opus,
		})
		f.seq++ // wraps
		f.timestamp += protocol.TimestampIncrement
	}
	return packets, nil
}

// CaptureConfig describes how to open the input side.
type CaptureConfig struct {
	DeviceID    int     // -1 selects the system default
	Bitrate     int     // encoder bits per second; 0 = library max
	Sensitivity float64 // RMS below this is treated as silence (0 disables)
}

// Capture owns one microphone pipeline: device reader goroutine feeding an
// encode goroutine through a bounded queue. Rebuilt on device or rate change.
type Capture struct {
	stream *portaudio.Stream

	queue  chan []float32
	stopCh chan struct{}
	wg     sync.WaitGroup

	running atomic.Bool
	muted   atomic.Bool

	dropped    atomic.Uint64
	inputLevel atomic.Uint32 // float32 bits of the latest pre-gate RMS
}

// StartCapture opens the input device and begins emitting encoded packets on
// out. Sends never block: packets are dropped (and counted) when out is full.
func StartCapture(cfg CaptureConfig, out chan<- protocol.VoiceData) (*Capture, error) {
	inputDev, err := resolveDevice(cfg.DeviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return nil, fmt.Errorf("audio: resolve input device: %w", err)
	}

	deviceRate := int(inputDev.DefaultSampleRate)
	if deviceRate <= 0 {
		deviceRate = protocol.SampleRate
	}
	channels := inputDev.MaxInputChannels
	if channels > 2 {
		channels = 2
	}
	chunk := deviceRate * captureChunkMs / 1000

	enc, err := NewEncoder(cfg.Bitrate)
	if err != nil {
		return nil, err
	}
	fr, err := newFramer(enc, deviceRate)
	if err != nil {
		return nil, err
	}

	buf := make([]float32, chunk*channels)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inputDev,
			Channels: channels,
			Latency:  inputDev.DefaultLowInputLatency,
		},
		SampleRate:      float64(deviceRate),
		FramesPerBuffer: chunk,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("audio: open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("audio: start capture stream: %w", err)
	}

	c := &Capture{
		stream: stream,
		queue:  make(chan []float32, captureQueueDepth),
		stopCh: make(chan struct{}),
	}
	c.running.Store(true)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop(buf, channels, chunk, cfg.Sensitivity)
	}()
	go func() {
		defer c.wg.Done()
		c.encodeLoop(fr, out)
	}()

	log.Printf("[audio] capture started device=%s rate=%d channels=%d", inputDev.Name, deviceRate, channels)
	return c, nil
}

// readLoop runs on its own goroutine so the device read never waits on the
// encoder. It downmixes to mono and hands chunks to the bounded queue.
func (c *Capture) readLoop(buf []float32, channels, chunk int, sensitivity float64) {
	defer close(c.queue)
	for c.running.Load() {
		if err := c.stream.Read(); err != nil {
			if c.running.Load() {
				log.Printf("[audio] capture read: %v", err)
			}
			return
		}

		mono := make([]float32, chunk)
		Downmix(buf, channels, mono)

		rms := rmsLevel(mono)
		c.inputLevel.Store(math.Float32bits(rms))

		if c.muted.Load() {
			continue
		}
		if sensitivity > 0 && float64(rms) < sensitivity {
			continue
		}

		select {
		case c.queue <- mono:
		default:
			c.dropped.Add(1)
		}
	}
}

// encodeLoop drains the capture queue through the framer and forwards
// packets without blocking.
func (c *Capture) encodeLoop(fr *framer, out chan<- protocol.VoiceData) {
	for mono := range c.queue {
		packets, err := fr.push(mono)
		if err != nil {
			log.Printf("[audio] encode: %v", err)
			continue
		}
		for _, pkt := range packets {
			select {
			case out <- pkt:
			case <-c.stopCh:
				return
			}
		}
	}
}

// SetMuted stops packet production without closing the device.
func (c *Capture) SetMuted(muted bool) {
	c.muted.Store(muted)
}

// InputLevel returns the most recent RMS mic level (0.0-1.0), suitable for a
// level meter.
func (c *Capture) InputLevel() float32 {
	return math.Float32frombits(c.inputLevel.Load())
}

// Dropped returns and resets the count of chunks dropped because the encode
// queue was full.
func (c *Capture) Dropped() uint64 {
	return c.dropped.Swap(0)
}

// Stop halts the pipeline and releases the device. The stream is stopped
// before Close so a blocked Read returns and the goroutines can exit.
func (c *Capture) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stopCh)
	if err := c.stream.Stop(); err != nil {
		log.Printf("[audio] capture stop: %v", err)
	}
	c.wg.Wait()
	c.stream.Close()
	log.Println("[audio] capture stopped")
}

func rmsLevel(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}

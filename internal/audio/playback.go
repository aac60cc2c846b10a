package audio

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"vox/protocol"
)

// Mixer fills a 10 ms mono slice at the device rate with the mixed audio of
// every active speaker and reports whether it underran (active speakers but
// nothing to play). Implementations must not block; on nothing to play they
// leave the slice silent.
type Mixer func(out []float32) (underrun bool)

// PlaybackConfig describes how to open the output side.
type PlaybackConfig struct {
	DeviceID int          // -1 selects the system default
	Format   SampleFormat // device buffer encoding; FormatFloat32 by default
}

// Playback owns the output device stream. A single write loop pulls 10 ms of
// mixed mono audio per cycle, spreads it across the device's channels,
// converts to the device sample format, and writes to the hardware buffer.
type Playback struct {
	stream *portaudio.Stream

	running  atomic.Bool
	wg       sync.WaitGroup
	underrun atomic.Uint64

	deviceRate int
}

// StartPlayback opens the output device and begins draining mix.
func StartPlayback(cfg PlaybackConfig, mix Mixer) (*Playback, error) {
	outputDev, err := resolveDevice(cfg.DeviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return nil, fmt.Errorf("audio: resolve output device: %w", err)
	}

	deviceRate := int(outputDev.DefaultSampleRate)
	if deviceRate <= 0 {
		deviceRate = protocol.SampleRate
	}
	channels := outputDev.MaxOutputChannels
	if channels > 2 {
		channels = 2
	}
	chunk := deviceRate / 100 // 10 ms

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: channels,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(deviceRate),
		FramesPerBuffer: chunk,
	}

	p := &Playback{deviceRate: deviceRate}

	// The stream buffer type fixes the device sample format; the write loop
	// converts the mixed mono float into it.
	var stream *portaudio.Stream
	var writeFrame func(mono []float32)
	switch cfg.Format {
	case FormatInt16:
		buf := make([]int16, chunk*channels)
		stream, err = portaudio.OpenStream(params, buf)
		writeFrame = func(mono []float32) { SpreadInt16(mono, channels, buf) }
	case FormatUint16:
		buf := make([]uint16, chunk*channels)
		stream, err = portaudio.OpenStream(params, buf)
		writeFrame = func(mono []float32) { SpreadUint16(mono, channels, buf) }
	default:
		buf := make([]float32, chunk*channels)
		stream, err = portaudio.OpenStream(params, buf)
		writeFrame = func(mono []float32) { SpreadFloat32(mono, channels, buf) }
	}
	if err != nil {
		return nil, fmt.Errorf("audio: open playback stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("audio: start playback stream: %w", err)
	}
	p.stream = stream
	p.running.Store(true)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.writeLoop(chunk, mix, writeFrame)
	}()

	log.Printf("[audio] playback started device=%s rate=%d channels=%d", outputDev.Name, deviceRate, channels)
	return p, nil
}

// DeviceRate returns the output device sample rate; speaker pipelines are
// built against it and rebuilt when it changes.
func (p *Playback) DeviceRate() int {
	return p.deviceRate
}

// Underruns returns and resets the count of cycles the mixer produced
// nothing and silence was written.
func (p *Playback) Underruns() uint64 {
	return p.underrun.Swap(0)
}

func (p *Playback) writeLoop(chunk int, mix Mixer, writeFrame func([]float32)) {
	mono := make([]float32, chunk)
	for p.running.Load() {
		zeroFloat32(mono)
		if mix != nil && mix(mono) {
			// Underruns surface in logs only; the device still gets silence
			// so the stream keeps its cadence.
			if n := p.underrun.Add(1); n%500 == 1 {
				log.Printf("[audio] playback underrun (%d so far)", n)
			}
		}
		writeFrame(mono)
		if err := p.stream.Write(); err != nil {
			if p.running.Load() {
				log.Printf("[audio] playback write: %v", err)
			}
			return
		}
	}
}

// Stop halts playback and releases the device.
func (p *Playback) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	if err := p.stream.Stop(); err != nil {
		log.Printf("[audio] playback stop: %v", err)
	}
	p.wg.Wait()
	p.stream.Close()
	log.Println("[audio] playback stopped")
}

func zeroFloat32(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

package audio

// SampleFormat names the device buffer encoding for the playback stream.
type SampleFormat int

const (
	FormatFloat32 SampleFormat = iota
	FormatInt16
	FormatUint16
)

// Downmix averages an interleaved multi-channel frame into dst, one mono
// sample per frame. dst must hold len(src)/channels samples.
func Downmix(src []float32, channels int, dst []float32) {
	if channels <= 1 {
		copy(dst, src)
		return
	}
	frames := len(src) / channels
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += src[i*channels+c]
		}
		dst[i] = sum / float32(channels)
	}
}

// SpreadFloat32 duplicates each mono sample across the device's channels.
func SpreadFloat32(mono []float32, channels int, dst []float32) {
	for i, s := range mono {
		s = clampFloat32(s)
		for c := 0; c < channels; c++ {
			dst[i*channels+c] = s
		}
	}
}

// SpreadInt16 duplicates mono samples across channels as signed 16-bit PCM.
func SpreadInt16(mono []float32, channels int, dst []int16) {
	for i, s := range mono {
		v := int16(clampFloat32(s) * 32767)
		for c := 0; c < channels; c++ {
			dst[i*channels+c] = v
		}
	}
}

// SpreadUint16 duplicates mono samples across channels as unsigned 16-bit
// PCM with the zero level at 0x8000.
func SpreadUint16(mono []float32, channels int, dst []uint16) {
	for i, s := range mono {
		v := uint16(int32(clampFloat32(s)*32767) + 32768)
		for c := 0; c < channels; c++ {
			dst[i*channels+c] = v
		}
	}
}

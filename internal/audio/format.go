package audio

import (
	"encoding/binary"
	"time"
)

// BytesPerSample is the sample width for signed 16-bit little-endian PCM.
const BytesPerSample = 2

// Format describes a raw PCM stream: sample rate and interleaved channel count.
// All audio in the pipeline is s16le; only rate and channels vary.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerFrame returns the byte width of one frame (all channels of one sample).
func (f Format) BytesPerFrame() int {
	return BytesPerSample * f.Channels
}

// BytesFor returns the byte length of d worth of audio, frame-aligned.
func (f Format) BytesFor(d time.Duration) int {
	frames := int(float64(f.SampleRate) * d.Seconds())
	return frames * f.BytesPerFrame()
}

// Duration returns the play time of n bytes of audio in this format.
func (f Format) Duration(n int) time.Duration {
	frames := n / f.BytesPerFrame()
	return time.Duration(float64(frames) / float64(f.SampleRate) * float64(time.Second))
}

// Silence returns d worth of zero samples in this format.
func (f Format) Silence(d time.Duration) []byte {
	return make([]byte, f.BytesFor(d))
}

// DecodeS16LE converts little-endian 16-bit PCM bytes to samples.
// A trailing odd byte is ignored.
func DecodeS16LE(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// EncodeS16LE converts samples to little-endian 16-bit PCM bytes.
func EncodeS16LE(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

// MeanAbsLevel returns the mean absolute amplitude of the samples normalized
// to [0,1]. Used by the barge-in gate as its energy estimate.
func MeanAbsLevel(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}
	var sum int64
	for _, s := range samples {
		v := int64(s)
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return float64(sum) / float64(len(samples)) / 32768.0
}

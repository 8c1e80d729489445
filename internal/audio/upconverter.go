package audio

import (
	"encoding/binary"
)

// Upconverter resamples the synthesis engine's native mono PCM to the
// canonical stereo playback format, keeping filter state across calls so a
// sentence streamed in many small buffers produces the same samples as one
// big conversion. State must never survive across sentences: call Reset at
// each sentence start.
type Upconverter struct {
	src Format // native engine format (mono)
	dst Format // canonical playback format (stereo)

	step   float64 // source samples per output sample
	pos    float64 // fractional read position, relative to the carried sample
	prev   int16   // last source sample of the previous call
	primed bool
}

// NewUpconverter creates a converter from srcRate mono to dstRate stereo.
func NewUpconverter(srcRate, dstRate int) *Upconverter {
	return &Upconverter{
		src:  Format{SampleRate: srcRate, Channels: 1},
		dst:  Format{SampleRate: dstRate, Channels: 2},
		step: float64(srcRate) / float64(dstRate),
	}
}

// Source returns the native input format.
func (u *Upconverter) Source() Format { return u.src }

// Dest returns the canonical output format.
func (u *Upconverter) Dest() Format { return u.dst }

// Reset clears the resampler state. Stale state bleeding into a new
// sentence's first samples produces an audible blip, so this runs once per
// sentence, never mid-sentence.
func (u *Upconverter) Reset() {
	u.pos = 0
	u.prev = 0
	u.primed = false
}

// Convert resamples one buffer of native mono PCM and duplicates it to
// stereo (L=R, a pure duplication, not a mix). Output is deterministic for
// identical input sequences and prior state. The final source sample is
// carried into the next call for interpolation continuity; the remainder of
// a frame shorter than one output step is not emitted until more input
// arrives.
func (u *Upconverter) Convert(nativePCM []byte) []byte {
	if len(nativePCM) < BytesPerSample {
		return nil
	}
	n := len(nativePCM) / BytesPerSample

	// Source window: carried sample (if any) followed by this call's samples.
	window := make([]int16, 0, n+1)
	if u.primed {
		window = append(window, u.prev)
	}
	for i := 0; i < n; i++ {
		window = append(window, int16(binary.LittleEndian.Uint16(nativePCM[i*BytesPerSample:])))
	}
	if len(window) < 2 {
		// Not enough to interpolate yet; carry and wait for more.
		u.prev = window[len(window)-1]
		u.primed = true
		return nil
	}

	out := make([]byte, 0, (int(float64(len(window))/u.step)+2)*u.dst.BytesPerFrame())
	pos := u.pos
	for {
		i := int(pos)
		if i+1 >= len(window) {
			break
		}
		frac := pos - float64(i)
		v := float64(window[i])*(1.0-frac) + float64(window[i+1])*frac
		s := clampS16(v)
		var frame [4]byte
		binary.LittleEndian.PutUint16(frame[0:], uint16(s))
		binary.LittleEndian.PutUint16(frame[2:], uint16(s))
		out = append(out, frame[:]...)
		pos += u.step
	}

	// Carry the last sample; positions are rebased so pos stays relative to it.
	consumed := len(window) - 1
	u.pos = pos - float64(consumed)
	u.prev = window[len(window)-1]
	u.primed = true
	return out
}

func clampS16(v float64) int16 {
	r := int32(v + 0.5)
	if v < 0 {
		r = int32(v - 0.5)
	}
	if r > 32767 {
		return 32767
	}
	if r < -32768 {
		return -32768
	}
	return int16(r)
}

package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func sineS16LE(rate int, freq float64, n int) []byte {
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(12000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func TestUpconverter_StereoDuplication(t *testing.T) {
	up := NewUpconverter(24000, 44100)
	in := sineS16LE(24000, 440, 2400)

	out := up.Convert(in)
	if len(out)%4 != 0 {
		t.Fatalf("Output not frame-aligned: %d bytes", len(out))
	}

	// Every frame must carry identical left and right samples
	for i := 0; i < len(out); i += 4 {
		l := int16(binary.LittleEndian.Uint16(out[i:]))
		r := int16(binary.LittleEndian.Uint16(out[i+2:]))
		if l != r {
			t.Fatalf("Frame %d: left %d != right %d", i/4, l, r)
		}
	}
}

func TestUpconverter_OutputLength(t *testing.T) {
	up := NewUpconverter(24000, 44100)
	in := sineS16LE(24000, 440, 24000) // 1 second

	out := up.Convert(in)
	frames := len(out) / 4

	// ~44100 output frames for 1s of input, within a small carry tolerance
	if frames < 44000 || frames > 44100 {
		t.Errorf("Expected about 44100 output frames, got %d", frames)
	}
}

func TestUpconverter_StatefulContinuity(t *testing.T) {
	in := sineS16LE(24000, 440, 4800)

	whole := NewUpconverter(24000, 44100)
	wantOut := whole.Convert(in)

	// Feed the same input in uneven pieces; carried state must make the
	// concatenated output byte-identical.
	split := NewUpconverter(24000, 44100)
	var got []byte
	for _, cut := range [][2]int{{0, 700}, {700, 702}, {702, 3000}, {3000, 4800}} {
		got = append(got, split.Convert(in[cut[0]*2:cut[1]*2])...)
	}

	if len(got) > len(wantOut) {
		t.Fatalf("Split output longer than whole: %d > %d", len(got), len(wantOut))
	}
	if !bytes.Equal(got, wantOut[:len(got)]) {
		t.Error("Split conversion diverged from whole-buffer conversion")
	}
	// The split path may hold back at most one output step of audio
	if len(wantOut)-len(got) > 8 {
		t.Errorf("Split path withheld too much audio: %d bytes", len(wantOut)-len(got))
	}
}

func TestUpconverter_Deterministic(t *testing.T) {
	in := sineS16LE(24000, 330, 2400)

	a := NewUpconverter(24000, 44100)
	b := NewUpconverter(24000, 44100)
	if !bytes.Equal(a.Convert(in), b.Convert(in)) {
		t.Error("Identical input and state produced different output")
	}
}

func TestUpconverter_ResetClearsState(t *testing.T) {
	up := NewUpconverter(24000, 44100)
	first := up.Convert(sineS16LE(24000, 440, 2400))

	// After Reset the same input must convert exactly as a fresh instance
	up.Reset()
	second := up.Convert(sineS16LE(24000, 440, 2400))
	if !bytes.Equal(first, second) {
		t.Error("Reset did not restore initial resampler state")
	}
}

func TestUpconverter_EmptyInput(t *testing.T) {
	up := NewUpconverter(24000, 44100)
	if out := up.Convert(nil); out != nil {
		t.Errorf("Expected nil output for empty input, got %d bytes", len(out))
	}
}

func TestMeanAbsLevel(t *testing.T) {
	if lvl := MeanAbsLevel(nil); lvl != 0 {
		t.Errorf("Expected 0 for empty samples, got %f", lvl)
	}

	flat := []int16{3277, -3277, 3277, -3277}
	lvl := MeanAbsLevel(flat)
	want := 3277.0 / 32768.0
	if math.Abs(lvl-want) > 1e-9 {
		t.Errorf("Expected level %f, got %f", want, lvl)
	}
}

func TestFormat_BytesForDuration(t *testing.T) {
	f := Format{SampleRate: 44100, Channels: 2}
	n := f.BytesFor(250 * 1e6) // 250ms
	if n != 44100/4*4 {
		t.Errorf("Expected 44100 bytes for 250ms stereo s16le, got %d", n)
	}
	if f.Duration(n) != 250*1e6 {
		t.Errorf("Duration round-trip failed: %v", f.Duration(n))
	}
}

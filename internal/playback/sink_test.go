package playback

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/voxloop/voice-loop/internal/audio"
)

var testFormat = audio.Format{SampleRate: 44100, Channels: 2}

// writeStub writes an executable shell script standing in for ffplay.
func writeStub(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// consumeStub swallows stdin until killed, like a healthy player.
func consumeStub(t *testing.T) string {
	return writeStub(t, "player", "cat > /dev/null\n")
}

func testSinkConfig(path string) SinkConfig {
	return SinkConfig{
		FfplayPath: path,
		Format:     testFormat,
		Fade:       6 * time.Millisecond,
		Prime:      25 * time.Millisecond,
		ProbeDelay: 50 * time.Millisecond,
	}
}

func TestSink_WritesQueuedChunks(t *testing.T) {
	q := NewQueue()
	played := make(chan struct{})
	sink := NewSink(testSinkConfig(consumeStub(t)), q, nil, func() { close(played) })

	if err := sink.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sink.Stop()

	q.Put(Chunk{PCM: testFormat.Silence(100 * time.Millisecond), Label: "hello."})

	select {
	case <-played:
	case <-time.After(2 * time.Second):
		t.Fatal("First-play callback never fired")
	}
}

func TestSink_StereoProbeFallback(t *testing.T) {
	// Rejects the stereo channel flag the way incompatible ffplay builds do,
	// plays along otherwise.
	argFile := filepath.Join(t.TempDir(), "args")
	stub := writeStub(t, "player", `
for a in "$@"; do
  if [ "$a" = "-ac" ]; then
    echo "Option not found" >&2
    exit 1
  fi
done
echo "$@" > `+argFile+`
cat > /dev/null
`)

	capability := &Capability{}
	q := NewQueue()
	sink := NewSink(testSinkConfig(stub), q, capability, nil)
	if err := sink.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sink.Stop()

	if !capability.UseMono() {
		t.Fatal("Expected mono downgrade after stereo probe failure")
	}

	time.Sleep(100 * time.Millisecond)
	args, err := os.ReadFile(argFile)
	if err != nil {
		t.Fatalf("Fallback spawn never ran: %v", err)
	}
	if strings.Contains(string(args), "-ac") {
		t.Errorf("Fallback invocation still carries the channel flag: %s", args)
	}
	if !strings.Contains(string(args), "pan=stereo") {
		t.Errorf("Fallback invocation missing the upmix filter: %s", args)
	}
}

func TestSink_FallbackRemembered(t *testing.T) {
	argFile := filepath.Join(t.TempDir(), "args")
	stub := writeStub(t, "player", `
echo "$@" > `+argFile+`
cat > /dev/null
`)

	capability := &Capability{}
	capability.setMono()

	sink := NewSink(testSinkConfig(stub), NewQueue(), capability, nil)
	if err := sink.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sink.Stop()

	time.Sleep(100 * time.Millisecond)
	args, err := os.ReadFile(argFile)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(args), "-ac") {
		t.Error("Negotiated downgrade must skip the stereo attempt on later spawns")
	}
}

func TestSink_StartupFailureIsError(t *testing.T) {
	stub := writeStub(t, "player", `echo "no audio device" >&2; exit 1`)

	sink := NewSink(testSinkConfig(stub), NewQueue(), nil, nil)
	if err := sink.Start(); err == nil {
		sink.Stop()
		t.Fatal("Expected error for an early exit without the channel-flag signature")
	}
}

func TestSink_HardStopDiscardsQueue(t *testing.T) {
	q := NewQueue()
	sink := NewSink(testSinkConfig(consumeStub(t)), q, nil, nil)
	if err := sink.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Queue far more audio than could play out before the stop bound
	for i := 0; i < 50; i++ {
		q.Put(Chunk{PCM: testFormat.Silence(time.Second)})
	}

	start := time.Now()
	sink.Stop()
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Errorf("Stop took %v, expected a bounded hard stop", elapsed)
	}
	if !q.Empty() {
		t.Errorf("Queue not discarded on stop: %d chunks remain", q.Len())
	}
	if q.Put(Chunk{PCM: []byte{0, 0}}) {
		t.Error("Queue must reject puts after stop")
	}
}

func TestSink_StopIdempotent(t *testing.T) {
	sink := NewSink(testSinkConfig(consumeStub(t)), NewQueue(), nil, nil)
	if err := sink.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sink.Stop()
	sink.Stop()
}

func TestApplyFades_ShortChunkUntouched(t *testing.T) {
	pcm := testFormat.Silence(5 * time.Millisecond)
	for i := range pcm {
		pcm[i] = 0x7f
	}
	out := applyFades(pcm, testFormat, 6*time.Millisecond)
	for i := range out {
		if out[i] != 0x7f {
			t.Fatal("Chunk shorter than twice the fade must pass through untouched")
		}
	}
}

func TestApplyFades_BoundariesAttenuated(t *testing.T) {
	samples := make([]int16, 44100/10*2) // 100ms stereo
	for i := range samples {
		samples[i] = 10000
	}
	out := audio.DecodeS16LE(applyFades(audio.EncodeS16LE(samples), testFormat, 6*time.Millisecond))

	if out[0] != 0 || out[1] != 0 {
		t.Errorf("First frame not faded in: %d,%d", out[0], out[1])
	}
	if out[len(out)-2] != 0 || out[len(out)-1] != 0 {
		t.Errorf("Last frame not faded out: %d,%d", out[len(out)-2], out[len(out)-1])
	}
	mid := len(out) / 2
	if out[mid] != 10000 {
		t.Errorf("Chunk body must be unattenuated, got %d", out[mid])
	}
}

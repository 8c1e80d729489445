package mic

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeCaptureStub writes an executable shell script standing in for the
// capture tool.
func writeCaptureStub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(command string) ProcessConfig {
	return ProcessConfig{
		Command:    command,
		Device:     "default",
		SampleRate: 16000,
		FrameMs:    20, // 320 samples, 640 bytes per frame
	}
}

func TestProcessSource_DeliversFrames(t *testing.T) {
	// Exactly three frames of silence, then EOF.
	stub := writeCaptureStub(t, `head -c 1920 /dev/zero`)
	src := NewProcessSource(testConfig(stub))

	frames := make(chan int, 16)
	if err := src.Start(func(samples []int16) {
		frames <- len(samples)
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer src.Stop()

	for i := 0; i < 3; i++ {
		select {
		case n := <-frames:
			if n != 320 {
				t.Errorf("Frame %d has %d samples, want 320", i, n)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Frame %d never arrived", i)
		}
	}

	// EOF must not produce a fourth frame
	select {
	case n := <-frames:
		t.Errorf("Unexpected extra frame with %d samples", n)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestProcessSource_StartFailure(t *testing.T) {
	src := NewProcessSource(testConfig(filepath.Join(t.TempDir(), "missing")))
	if err := src.Start(func([]int16) {}); err == nil {
		src.Stop()
		t.Fatal("Expected an error for a missing capture command")
	}
}

func TestProcessSource_DoubleStartRejected(t *testing.T) {
	stub := writeCaptureStub(t, `exec sleep 10`)
	src := NewProcessSource(testConfig(stub))
	if err := src.Start(func([]int16) {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer src.Stop()

	if err := src.Start(func([]int16) {}); err == nil {
		t.Fatal("Second Start must fail while capture is running")
	}
}

func TestProcessSource_StopIsBounded(t *testing.T) {
	stub := writeCaptureStub(t, `exec sleep 30`)
	src := NewProcessSource(testConfig(stub))
	if err := src.Start(func([]int16) {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	start := time.Now()
	src.Stop()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop took %v", elapsed)
	}

	src.Stop() // idempotent
}

func TestBuildArgs_SelectsTool(t *testing.T) {
	ff := NewProcessSource(testConfig("/usr/bin/ffmpeg")).buildArgs()
	if ff[len(ff)-1] != "-" {
		t.Errorf("ffmpeg invocation must write to stdout, got %v", ff)
	}

	ar := NewProcessSource(testConfig("arecord")).buildArgs()
	found := false
	for i, a := range ar {
		if a == "-t" && i+1 < len(ar) && ar[i+1] == "raw" {
			found = true
		}
	}
	if !found {
		t.Errorf("arecord invocation must request raw output, got %v", ar)
	}
}

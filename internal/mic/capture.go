package mic

import (
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxloop/voice-loop/internal/audio"
	"github.com/voxloop/voice-loop/internal/observability"
)

// Source delivers fixed-size mono s16le microphone frames to a callback.
// Frames arrive on the source's own reader goroutine; callbacks must be fast
// and non-blocking or capture falls behind the device.
type Source interface {
	Start(onFrame func(samples []int16)) error
	Stop()
}

// ProcessConfig describes the external capture process.
type ProcessConfig struct {
	Command    string // ffmpeg or arecord (selected by basename)
	Device     string
	SampleRate int
	FrameMs    int
}

// ProcessSource captures audio through an external process writing raw
// s16le mono PCM to stdout. One process per source; Stop kills it.
type ProcessSource struct {
	cfg    ProcessConfig
	logger zerolog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	done    chan struct{}
	stopped bool
}

// NewProcessSource creates a capture source for the given device settings.
func NewProcessSource(cfg ProcessConfig) *ProcessSource {
	return &ProcessSource{
		cfg:    cfg,
		logger: observability.ForComponent("mic"),
	}
}

// Start spawns the capture process and begins delivering frames. Returns an
// error when the process cannot be spawned; callers degrade rather than fail
// the conversation on that.
func (s *ProcessSource) Start(onFrame func(samples []int16)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return fmt.Errorf("capture already started")
	}

	cmd := exec.Command(s.cfg.Command, s.buildArgs()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start capture process %s: %w", s.cfg.Command, err)
	}

	s.cmd = cmd
	s.stdout = stdout
	s.done = make(chan struct{})
	s.stopped = false

	frameBytes := s.cfg.SampleRate * s.cfg.FrameMs / 1000 * audio.BytesPerSample

	s.logger.Info().
		Str("command", s.cfg.Command).
		Str("device", s.cfg.Device).
		Int("sample_rate", s.cfg.SampleRate).
		Int("frame_bytes", frameBytes).
		Msg("Microphone capture started")

	go s.readLoop(stdout, frameBytes, onFrame)
	return nil
}

func (s *ProcessSource) readLoop(r io.Reader, frameBytes int, onFrame func([]int16)) {
	defer close(s.done)

	buf := make([]byte, frameBytes)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if !stopped {
				observability.RecordError("capture_read", "mic")
				s.logger.Warn().Err(err).Msg("Microphone capture stream ended")
			}
			return
		}
		onFrame(audio.DecodeS16LE(buf))
	}
}

// Stop kills the capture process and waits briefly for the reader to exit.
func (s *ProcessSource) Stop() {
	s.mu.Lock()
	if s.cmd == nil || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cmd := s.cmd
	stdout := s.stdout
	done := s.done
	s.mu.Unlock()

	stdout.Close()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	go func() { _ = cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		s.logger.Warn().Msg("Capture reader did not exit in time")
	}

	s.logger.Info().Msg("Microphone capture stopped")
}

// buildArgs assembles the raw-PCM-to-stdout invocation for the configured
// capture tool.
func (s *ProcessSource) buildArgs() []string {
	rate := strconv.Itoa(s.cfg.SampleRate)
	switch filepath.Base(s.cfg.Command) {
	case "arecord":
		return []string{
			"-q",
			"-D", s.cfg.Device,
			"-f", "S16_LE",
			"-r", rate,
			"-c", "1",
			"-t", "raw",
		}
	default: // ffmpeg
		return []string{
			"-hide_banner",
			"-loglevel", "error",
			"-f", "alsa",
			"-i", s.cfg.Device,
			"-f", "s16le",
			"-ac", "1",
			"-ar", rate,
			"-",
		}
	}
}

package synth

import (
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/voxloop/voice-loop/internal/observability"
)

// ProcessEngineConfig describes the external synthesis process.
type ProcessEngineConfig struct {
	Command    string // piper-style: text on stdin, raw s16le mono on stdout
	ModelPath  string
	SampleRate int
}

// ProcessEngine renders speech through an external synthesis process, one
// invocation per sentence. Raw PCM increments stream off the process's
// stdout straight into the chunk callback, so coalescing and playback start
// before the sentence finishes rendering.
type ProcessEngine struct {
	cfg    ProcessEngineConfig
	logger zerolog.Logger

	mu  sync.Mutex
	cmd *exec.Cmd // current render, nil between sentences
}

// NewProcessEngine creates an engine for the configured command.
func NewProcessEngine(cfg ProcessEngineConfig) *ProcessEngine {
	return &ProcessEngine{
		cfg:    cfg,
		logger: observability.ForComponent("engine"),
	}
}

// Synthesize renders one sentence, delivering raw increments to onChunk.
func (e *ProcessEngine) Synthesize(text string, onChunk func(raw []byte)) error {
	cmd := exec.Command(e.cfg.Command, e.buildArgs()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("engine stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("engine stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start synthesis process %s: %w", e.cfg.Command, err)
	}

	e.mu.Lock()
	e.cmd = cmd
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cmd = nil
		e.mu.Unlock()
	}()

	go func() {
		io.WriteString(stdin, text+"\n")
		stdin.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			inc := make([]byte, n)
			copy(inc, buf[:n])
			onChunk(inc)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return fmt.Errorf("engine output read: %w", readErr)
		}
	}

	if err := cmd.Wait(); err != nil {
		// A stop control killed it mid-render; not a render failure
		e.mu.Lock()
		stopped := e.cmd == nil
		e.mu.Unlock()
		if stopped {
			return nil
		}
		return fmt.Errorf("synthesis process failed: %w", err)
	}
	return nil
}

// StopControls exposes the halt paths in preference order: a graceful
// terminate first, then a hard kill.
func (e *ProcessEngine) StopControls() []StopControl {
	return []StopControl{
		{Name: "terminate", Call: func() error { return e.signal(syscall.SIGTERM) }},
		{Name: "kill", Call: func() error { return e.signal(syscall.SIGKILL) }},
	}
}

func (e *ProcessEngine) signal(sig syscall.Signal) error {
	e.mu.Lock()
	cmd := e.cmd
	e.cmd = nil
	e.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return fmt.Errorf("no render in progress")
	}
	return cmd.Process.Signal(sig)
}

func (e *ProcessEngine) buildArgs() []string {
	switch filepath.Base(e.cfg.Command) {
	case "piper":
		args := []string{"--output-raw", "--sentence-silence", "0"}
		if e.cfg.ModelPath != "" {
			args = append(args, "--model", e.cfg.ModelPath)
		}
		return args
	default:
		// Any tool that reads text on stdin and writes raw PCM to stdout
		return nil
	}
}

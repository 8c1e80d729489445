package playback

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxloop/voice-loop/internal/audio"
	"github.com/voxloop/voice-loop/internal/observability"
)

// Capability remembers negotiated sink downgrades across sink instances.
// Interrupts replace the whole sink, and re-probing the stereo flag on every
// replacement would pay the probe delay again for a fact that cannot change
// mid-session.
type Capability struct {
	monoFallback atomic.Bool
}

// UseMono reports whether the stereo invocation is known unsupported.
func (c *Capability) UseMono() bool { return c.monoFallback.Load() }

func (c *Capability) setMono() { c.monoFallback.Store(true) }

// SinkConfig describes the external playback process and chunk shaping.
type SinkConfig struct {
	FfplayPath string
	SDLDriver  string
	Format     audio.Format // canonical stereo playback format
	Fade       time.Duration
	Prime      time.Duration
	HeadPad    time.Duration
	ProbeDelay time.Duration
}

// session is one live playback process. Replaced atomically on respawn,
// never mutated; there is exactly one live session per sink.
type session struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *boundedBuffer
	exited  chan struct{}
	waitErr error
}

func (s *session) dead() bool {
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

// Sink owns a single external PCM-rendering process and feeds it chunks in
// order from its queue. A dedicated worker goroutine does all pipe writes;
// Stop is the hard-stop path for barge-in.
type Sink struct {
	cfg    SinkConfig
	queue  *Queue
	cap    *Capability
	logger zerolog.Logger

	onFirstPlay func()
	firstPlayed bool
	headPadDone bool

	mu       sync.Mutex // guards sess
	sess     *session
	stopping atomic.Bool
	worker   chan struct{}
}

// NewSink creates a sink reading from queue. onFirstPlay, if non-nil, runs
// once on the first successful chunk write (used for first-speech latency).
func NewSink(cfg SinkConfig, queue *Queue, capability *Capability, onFirstPlay func()) *Sink {
	if cfg.ProbeDelay <= 0 {
		cfg.ProbeDelay = 120 * time.Millisecond
	}
	if capability == nil {
		capability = &Capability{}
	}
	return &Sink{
		cfg:         cfg,
		queue:       queue,
		cap:         capability,
		logger:      observability.ForComponent("playback"),
		onFirstPlay: onFirstPlay,
		worker:      make(chan struct{}),
	}
}

// Start spawns the playback process, negotiating the stereo capability on the
// first spawn of the session, primes it with silence, and starts the writer
// worker.
func (s *Sink) Start() error {
	sess, err := s.spawnNegotiated()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()

	s.prime(sess)
	go s.run()
	return nil
}

// spawnNegotiated spawns the process, probing the stereo invocation unless a
// mono downgrade was already negotiated this session.
func (s *Sink) spawnNegotiated() (*session, error) {
	if s.cap.UseMono() {
		return s.spawn(true)
	}

	sess, err := s.spawn(false)
	if err != nil {
		return nil, err
	}

	// Brief probe for an early exit that names the channel flag. Any other
	// early death is a real startup failure.
	select {
	case <-sess.exited:
		stderr := sess.stderr.String()
		if !stereoFlagUnsupported(stderr) {
			return nil, fmt.Errorf("playback process exited at startup: %v (%s)",
				sess.waitErr, strings.TrimSpace(stderr))
		}
		s.cap.setMono()
		observability.RecordSinkRespawn("probe_fallback")
		s.logger.Info().Msg("Stereo flag unsupported, falling back to mono with upmix filter")
		return s.spawn(true)
	case <-time.After(s.cfg.ProbeDelay):
		return sess, nil
	}
}

func (s *Sink) spawn(mono bool) (*session, error) {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nodisp",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-probesize", "32",
		"-analyzeduration", "0",
		"-f", "s16le",
		"-ar", strconv.Itoa(s.cfg.Format.SampleRate),
	}
	if mono {
		// Mono input, duplicated to both speakers by the filter chain.
		args = append(args, "-af", "pan=stereo|c0=c0|c1=c0")
	} else {
		args = append(args, "-ac", strconv.Itoa(s.cfg.Format.Channels))
	}
	args = append(args, "-i", "-")

	cmd := exec.Command(s.cfg.FfplayPath, args...)
	if s.cfg.SDLDriver != "" {
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER="+s.cfg.SDLDriver)
	}

	stderr := &boundedBuffer{}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("playback stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start playback process %s: %w", s.cfg.FfplayPath, err)
	}

	sess := &session{
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		exited: make(chan struct{}),
	}
	go func() {
		sess.waitErr = cmd.Wait()
		close(sess.exited)
	}()

	s.logger.Debug().Bool("mono", mono).Int("pid", cmd.Process.Pid).Msg("Playback process spawned")
	return sess, nil
}

// prime writes a short silence burst so the first real chunk starts without
// an audible cold-start gap.
func (s *Sink) prime(sess *session) {
	if s.cfg.Prime <= 0 {
		return
	}
	if _, err := sess.stdin.Write(s.shapeForPipe(s.cfg.Format.Silence(s.cfg.Prime))); err != nil {
		s.logger.Warn().Err(err).Msg("Priming write failed")
	}
}

// run is the writer worker: pull, shape, write, with one respawn-and-retry
// per failed write.
func (s *Sink) run() {
	defer close(s.worker)

	for !s.stopping.Load() {
		chunk, ok := s.queue.Get(200 * time.Millisecond)
		if !ok {
			continue
		}
		if s.stopping.Load() {
			return
		}

		if err := s.writeChunk(chunk); err != nil {
			if s.stopping.Load() {
				return
			}
			observability.RecordSinkRespawn("write_failed")
			s.logger.Warn().Err(err).Int("bytes", len(chunk.PCM)).Msg("Write failed, respawning sink")
			if err := s.respawn(); err != nil {
				s.dropChunk(chunk, err)
				continue
			}
			if err := s.writeChunk(chunk); err != nil {
				s.dropChunk(chunk, err)
			}
		}
	}
}

func (s *Sink) writeChunk(chunk Chunk) error {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()

	if sess == nil || sess.dead() {
		if s.stopping.Load() {
			return fmt.Errorf("sink stopping")
		}
		observability.RecordSinkRespawn("died")
		s.logger.Warn().Msg("Playback process died, respawning")
		if err := s.respawn(); err != nil {
			return err
		}
		s.mu.Lock()
		sess = s.sess
		s.mu.Unlock()
	}

	if !s.headPadDone {
		s.headPadDone = true
		if s.cfg.HeadPad > 0 {
			// Once per session: guards against device startup truncating
			// the very first audio.
			if _, err := sess.stdin.Write(s.shapeForPipe(s.cfg.Format.Silence(s.cfg.HeadPad))); err != nil {
				return err
			}
		}
	}

	pcm := s.shapeForPipe(applyFades(chunk.PCM, s.cfg.Format, s.cfg.Fade))
	if _, err := sess.stdin.Write(pcm); err != nil {
		return err
	}

	observability.RecordAudioOut(len(pcm))
	if !s.firstPlayed {
		s.firstPlayed = true
		if s.onFirstPlay != nil {
			s.onFirstPlay()
		}
	}
	return nil
}

// respawn replaces the session, killing any remains of the old one first.
func (s *Sink) respawn() error {
	s.mu.Lock()
	old := s.sess
	s.mu.Unlock()
	if old != nil {
		terminate(old, 100*time.Millisecond)
	}

	sess, err := s.spawn(s.cap.UseMono())
	if err != nil {
		return err
	}
	s.prime(sess)

	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
	return nil
}

func (s *Sink) dropChunk(chunk Chunk, err error) {
	observability.RecordChunkDropped()
	observability.RecordError("chunk_dropped", "playback")
	s.logger.Error().Err(err).
		Int("bytes", len(chunk.PCM)).
		Str("sentence", chunk.Label).
		Msg("Dropping chunk after failed retry")
}

// Stop is the hard stop: no further respawns, pipe closed, process killed
// after a short grace period, worker joined with a bound, queue discarded.
// Audible output ceases within the grace+join bounds no matter how much
// audio was queued.
func (s *Sink) Stop() {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()

	if sess != nil {
		terminate(sess, 200*time.Millisecond)
	}

	select {
	case <-s.worker:
	case <-time.After(1 * time.Second):
		s.logger.Warn().Msg("Playback worker did not exit in time")
	}

	s.queue.Close()
	s.logger.Debug().Msg("Playback sink stopped")
}

// shapeForPipe adapts canonical stereo PCM to what the spawned invocation
// expects: in the mono downgrade the pipe carries one channel and the filter
// chain duplicates it.
func (s *Sink) shapeForPipe(stereo []byte) []byte {
	if !s.cap.UseMono() {
		return stereo
	}
	samples := audio.DecodeS16LE(stereo)
	mono := make([]int16, 0, len(samples)/2)
	for i := 0; i+1 < len(samples); i += 2 {
		mono = append(mono, samples[i])
	}
	return audio.EncodeS16LE(mono)
}

// terminate closes the pipe, gives the process a grace period, then kills.
func terminate(sess *session, grace time.Duration) {
	_ = sess.stdin.Close()
	if sess.cmd.Process != nil {
		_ = sess.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-sess.exited:
	case <-time.After(grace):
		if sess.cmd.Process != nil {
			_ = sess.cmd.Process.Kill()
		}
		select {
		case <-sess.exited:
		case <-time.After(grace):
		}
	}
}

// applyFades applies a linear fade-in and fade-out of the given duration at
// the chunk boundaries, suppressing clicks at coalescing seams. Chunks
// shorter than twice the fade pass through untouched.
func applyFades(pcm []byte, f audio.Format, fade time.Duration) []byte {
	fadeBytes := f.BytesFor(fade)
	if fade <= 0 || len(pcm) < 2*fadeBytes {
		return pcm
	}

	samples := audio.DecodeS16LE(pcm)
	fadeFrames := fadeBytes / f.BytesPerFrame()
	ch := f.Channels

	for i := 0; i < fadeFrames; i++ {
		gain := float64(i) / float64(fadeFrames)
		for c := 0; c < ch; c++ {
			samples[i*ch+c] = int16(float64(samples[i*ch+c]) * gain)
		}
	}
	total := len(samples) / ch
	for i := 0; i < fadeFrames; i++ {
		gain := float64(i) / float64(fadeFrames)
		frame := total - 1 - i
		for c := 0; c < ch; c++ {
			samples[frame*ch+c] = int16(float64(samples[frame*ch+c]) * gain)
		}
	}
	return audio.EncodeS16LE(samples)
}

func stereoFlagUnsupported(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "option 'ac'") ||
		strings.Contains(lower, "option not found") ||
		strings.Contains(lower, "unrecognized option")
}

// boundedBuffer captures a process's stderr without growing unbounded.
type boundedBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := 4096 - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

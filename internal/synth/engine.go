package synth

import (
	"github.com/rs/zerolog"
)

// Engine is the speech-synthesis collaborator. Synthesize renders one
// sentence, invoking onChunk once per raw audio increment in the engine's
// native format (mono s16le at a fixed sample rate). Rendering is
// synchronous: Synthesize returns after the last increment or on error.
type Engine interface {
	Synthesize(text string, onChunk func(raw []byte)) error
	StopControls() []StopControl
}

// StopControl is one way to halt the engine mid-render. Engines differ in
// what they expose (stop, flush, close), so controls are tried in the
// engine's preference order until one succeeds.
type StopControl struct {
	Name string
	Call func() error
}

// tryStop walks the engine's stop controls in order. First success wins;
// failures are logged and swallowed. Best effort only.
func tryStop(engine Engine, logger zerolog.Logger) {
	for _, ctl := range engine.StopControls() {
		if ctl.Call == nil {
			continue
		}
		if err := ctl.Call(); err != nil {
			logger.Debug().Str("control", ctl.Name).Err(err).Msg("Stop control failed")
			continue
		}
		logger.Debug().Str("control", ctl.Name).Msg("Engine stopped")
		return
	}
}

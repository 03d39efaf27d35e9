package tts

import "context"

// Synthesizer turns a short text prompt into a playable WAV clip.
type Synthesizer interface {
	// Synthesize returns a complete WAV file (PCM16, 24kHz mono).
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

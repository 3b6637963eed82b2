package speech

import (
	"context"
	"time"
)

// Transcriber turns a stored audio payload into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (text string, elapsed time.Duration, err error)
}

// Synthesizer renders text to an audio file at outPath and returns the path
// actually written.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, outPath string) (audioPath string, elapsed time.Duration, err error)
}

// Provider bundles both directions of a speech engine pair.
type Provider interface {
	Transcriber
	Synthesizer
}

// Combine pairs an independent transcriber and synthesizer into a Provider.
func Combine(t Transcriber, s Synthesizer) Provider {
	return combined{Transcriber: t, Synthesizer: s}
}

type combined struct {
	Transcriber
	Synthesizer
}

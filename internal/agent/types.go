package agent

import (
	"context"
	"time"

	"github.com/chadiek/voicecall/internal/stream"
)

// Transcriber turns one utterance of 8kHz mu-law audio into text. An empty
// string means nothing intelligible was said.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// LLM is a minimal interface to generate a single response for a prompt.
type LLM interface {
	Generate(ctx context.Context, text, instructions string) (string, error)
}

// TTS synthesizes 8kHz mu-law audio for the given text.
type TTS interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Observer is told about every completed exchange. Observe must not block.
type Observer interface {
	Observe(callID string, startedAt time.Time, history []stream.Exchange)
}

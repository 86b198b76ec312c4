package tts

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

type DeepgramClient struct {
	apiKey     string
	model      string
	sampleRate int
	encoding   string

	// idleWindow ends collection once audio stopped arriving; deadline caps
	// the whole synthesis.
	idleWindow time.Duration
	deadline   time.Duration
}

func NewDeepgramClient(apiKey, model string) *DeepgramClient {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &DeepgramClient{
		apiKey:     apiKey,
		model:      model,
		sampleRate: 8000,
		encoding:   "mulaw",
		idleWindow: 400 * time.Millisecond,
		deadline:   12 * time.Second,
	}
}

// Synthesize speaks text over Deepgram's websocket API and returns the
// collected 8kHz mu-law audio.
func (d *DeepgramClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("deepgram: API key missing")
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("deepgram: empty text")
	}

	options := &clientinterfaces.WSSpeakOptions{
		Model:      d.model,
		Encoding:   d.encoding,
		SampleRate: d.sampleRate,
	}

	cb := newCollector()
	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return nil, fmt.Errorf("deepgram: create ws client: %w", err)
	}
	defer dg.Stop()

	if ok := dg.Connect(); !ok {
		return nil, fmt.Errorf("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return nil, fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		return nil, fmt.Errorf("deepgram: flush: %w", err)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(d.deadline)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-cb.flushed:
			return cb.audio(), nil
		case <-deadline.C:
			if audio := cb.audio(); len(audio) > 0 {
				return audio, nil
			}
			return nil, fmt.Errorf("deepgram: no audio before deadline")
		case <-ticker.C:
			if last, ok := cb.lastAudio(); ok && time.Since(last) > d.idleWindow {
				return cb.audio(), nil
			}
		}
	}
}

// speakCollector buffers binary frames until Deepgram acknowledges the flush.
type speakCollector struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	last    time.Time
	flushed chan struct{}
	once    sync.Once
}

func newCollector() *speakCollector { return &speakCollector{flushed: make(chan struct{})} }

func (s *speakCollector) audio() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf.Bytes())
}

func (s *speakCollector) lastAudio() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, !s.last.IsZero()
}

func (s *speakCollector) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCollector) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCollector) Flush(*msginterfaces.FlushedResponse) error {
	s.once.Do(func() { close(s.flushed) })
	return nil
}
func (s *speakCollector) Clear(*msginterfaces.ClearedResponse) error   { return nil }
func (s *speakCollector) Close(*msginterfaces.CloseResponse) error     { return nil }
func (s *speakCollector) Warning(*msginterfaces.WarningResponse) error { return nil }
func (s *speakCollector) Error(*msginterfaces.ErrorResponse) error     { return nil }
func (s *speakCollector) UnhandledEvent([]byte) error                  { return nil }
func (s *speakCollector) Binary(byMsg []byte) error {
	if len(byMsg) == 0 {
		return nil
	}
	s.mu.Lock()
	s.buf.Write(byMsg)
	s.last = time.Now()
	s.mu.Unlock()
	return nil
}

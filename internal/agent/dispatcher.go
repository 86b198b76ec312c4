package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/chadiek/voicecall/internal/metrics"
	"github.com/chadiek/voicecall/internal/store"
	"github.com/chadiek/voicecall/internal/stream"
	"github.com/chadiek/voicecall/internal/vad"
	"github.com/chadiek/voicecall/internal/workerpool"
)

// Dispatcher answers utterances: STT -> LLM -> TTS -> playback slot.
// It implements stream.UtteranceHandler.
type Dispatcher struct {
	stt      Transcriber
	llm      LLM
	tts      TTS
	store    store.TranscriptStore
	observer Observer
	pool     *workerpool.Pool
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	generateTimeout time.Duration
	persistTimeout  time.Duration
}

// Deps are the collaborators of a Dispatcher. Store, Observer, Logger and
// Metrics are optional.
type Deps struct {
	Transcriber Transcriber
	LLM         LLM
	TTS         TTS
	Store       store.TranscriptStore
	Observer    Observer
	Pool        *workerpool.Pool
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

func NewDispatcher(d Deps) *Dispatcher {
	if d.Pool == nil {
		d.Pool = workerpool.New(5)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Dispatcher{
		stt:             d.Transcriber,
		llm:             d.LLM,
		tts:             d.TTS,
		store:           d.Store,
		observer:        d.Observer,
		pool:            d.Pool,
		logger:          d.Logger,
		metrics:         d.Metrics,
		now:             time.Now,
		generateTimeout: 20 * time.Second,
		persistTimeout:  10 * time.Second,
	}
}

// HandleUtterance processes u for sess. It does nothing unless the session
// is LISTENING, and always leaves the session LISTENING or RESPONDING.
func (d *Dispatcher) HandleUtterance(ctx context.Context, sess *stream.Session, u vad.Utterance) {
	if !sess.CompareAndSwapState(stream.StateListening, stream.StateProcessing) {
		d.metrics.Dispatch("skipped")
		return
	}
	log := d.logger.With("call_sid", sess.ID)

	start := time.Now()
	heard, err := workerpool.Do(ctx, d.pool, func(ctx context.Context) (string, error) {
		return d.stt.Transcribe(ctx, u.Bytes())
	})
	d.metrics.ObserveProvider("transcribe", start)
	if err != nil {
		log.Error("transcription failed", "error", err)
		d.backToListening(sess, "transcribe_error")
		return
	}
	heard = strings.TrimSpace(heard)
	if heard == "" {
		d.backToListening(sess, "empty")
		return
	}
	log.Info("heard", "text", heard)

	prompt := buildConversationPrompt(sess.History(), heard)
	start = time.Now()
	reply, err := workerpool.Do(ctx, d.pool, func(ctx context.Context) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, d.generateTimeout)
		defer cancel()
		return d.llm.Generate(ctx, prompt, sess.Instructions)
	})
	d.metrics.ObserveProvider("generate", start)
	reply = strings.TrimSpace(reply)
	if err != nil || reply == "" {
		log.Error("response generation failed", "error", err)
		d.backToListening(sess, "generate_error")
		return
	}

	start = time.Now()
	audio, err := workerpool.Do(ctx, d.pool, func(ctx context.Context) ([]byte, error) {
		return d.tts.Synthesize(ctx, reply)
	})
	d.metrics.ObserveProvider("synthesize", start)
	if err != nil || len(audio) == 0 {
		log.Error("speech synthesis failed", "error", err)
		d.backToListening(sess, "synthesize_error")
		return
	}

	at := d.now().UTC()
	sess.AppendExchange(stream.Exchange{User: heard, Assistant: reply, At: at})
	// RESPONDING before the payload lands so the send duty's hand-back to
	// LISTENING cannot be overtaken.
	if !sess.CompareAndSwapState(stream.StateProcessing, stream.StateResponding) {
		log.Info("session closed before reply could play")
		d.metrics.Dispatch("closed")
	} else {
		sess.Playback().Enqueue(audio)
		d.metrics.Dispatch("responded")
		log.Info("replying", "text", reply, "audio_bytes", len(audio))
	}

	d.persist(ctx, sess, heard, reply, at, log)
}

func (d *Dispatcher) backToListening(sess *stream.Session, outcome string) {
	sess.CompareAndSwapState(stream.StateProcessing, stream.StateListening)
	d.metrics.Dispatch(outcome)
}

// persist records the exchange and notifies the observer. It outlives
// session termination so the last turn of a call is not lost.
func (d *Dispatcher) persist(ctx context.Context, sess *stream.Session, heard, reply string, at time.Time, log *slog.Logger) {
	if d.store != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.persistTimeout)
		err := d.store.AppendTranscript(ctx, sess.ID,
			store.Entry{Role: store.RoleUser, Message: heard, Timestamp: at},
			store.Entry{Role: store.RoleAssistant, Message: reply, Timestamp: at},
		)
		cancel()
		if err != nil {
			log.Error("persist transcript", "error", err)
		}
	}
	if d.observer != nil {
		d.observer.Observe(sess.ID, sess.CreatedAt, sess.History())
	}
}

// buildConversationPrompt formats all previous turns plus the latest user
// text with [USER]/[ASSISTANT] labels.
func buildConversationPrompt(history []stream.Exchange, latestUser string) string {
	var b strings.Builder
	for _, e := range history {
		b.WriteString("[USER] ")
		b.WriteString(e.User)
		b.WriteString("\n[ASSISTANT] ")
		b.WriteString(e.Assistant)
		b.WriteString("\n")
	}
	b.WriteString("[USER] ")
	b.WriteString(latestUser)
	return b.String()
}

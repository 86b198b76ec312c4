package agent

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chadiek/voicecall/internal/store"
	"github.com/chadiek/voicecall/internal/stream"
	"github.com/chadiek/voicecall/internal/vad"
	"github.com/chadiek/voicecall/internal/workerpool"
)

type fakeTranscriber struct {
	text  string
	err   error
	calls int32
	gate  chan struct{}
	got   []byte
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	f.got = audio
	if f.gate != nil {
		<-f.gate
	}
	return f.text, f.err
}

type fakeLLM struct {
	reply string
	err   error

	mu           sync.Mutex
	prompts      []string
	instructions []string
}

func (f *fakeLLM) Generate(ctx context.Context, text, instructions string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, text)
	f.instructions = append(f.instructions, instructions)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeTTS struct {
	audio []byte
	err   error
}

func (f fakeTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return f.audio, f.err
}

type fakeObserver struct {
	calls int32
	last  []stream.Exchange
}

func (o *fakeObserver) Observe(callID string, startedAt time.Time, history []stream.Exchange) {
	atomic.AddInt32(&o.calls, 1)
	o.last = history
}

func utterance() vad.Utterance {
	return vad.Utterance{bytes.Repeat([]byte{0x80}, 160), bytes.Repeat([]byte{0x81}, 160)}
}

func newTestSession() *stream.Session {
	return stream.NewSession("CA1", "be brief", time.Now(), 1)
}

func TestDispatcher_RespondsAndRecordsExchange(t *testing.T) {
	stt := &fakeTranscriber{text: "  what time is it  "}
	llm := &fakeLLM{reply: "It is noon."}
	mem := store.NewMemory()
	obs := &fakeObserver{}
	d := NewDispatcher(Deps{Transcriber: stt, LLM: llm, TTS: fakeTTS{audio: []byte{1, 2, 3}}, Store: mem, Observer: obs})
	sess := newTestSession()

	d.HandleUtterance(context.Background(), sess, utterance())

	if sess.State() != stream.StateResponding {
		t.Fatalf("state = %s, want RESPONDING", sess.State())
	}
	payload, _, ok := sess.Playback().Peek()
	if !ok || !bytes.Equal(payload, []byte{1, 2, 3}) {
		t.Fatalf("playback slot = %v, %v", payload, ok)
	}
	if len(stt.got) != 320 {
		t.Fatalf("transcriber got %d bytes, want 320", len(stt.got))
	}
	if llm.instructions[0] != "be brief" {
		t.Fatalf("instructions not passed: %q", llm.instructions[0])
	}
	h := sess.History()
	if len(h) != 1 || h[0].User != "what time is it" || h[0].Assistant != "It is noon." {
		t.Fatalf("unexpected history %+v", h)
	}
	c, err := mem.GetCall(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if len(c.Transcript) != 2 || c.Transcript[0].Role != store.RoleUser || c.Transcript[1].Role != store.RoleAssistant {
		t.Fatalf("unexpected transcript %+v", c.Transcript)
	}
	if atomic.LoadInt32(&obs.calls) != 1 || len(obs.last) != 1 {
		t.Fatalf("observer not notified")
	}
}

func TestDispatcher_EmptyTranscriptIsNoop(t *testing.T) {
	for _, text := range []string{"", "   \n\t"} {
		llm := &fakeLLM{reply: "unused"}
		d := NewDispatcher(Deps{Transcriber: &fakeTranscriber{text: text}, LLM: llm, TTS: fakeTTS{audio: []byte{1}}})
		sess := newTestSession()

		d.HandleUtterance(context.Background(), sess, utterance())

		if sess.State() != stream.StateListening {
			t.Fatalf("state = %s, want LISTENING", sess.State())
		}
		if _, _, ok := sess.Playback().Peek(); ok {
			t.Fatalf("expected empty playback slot")
		}
		if len(llm.prompts) != 0 {
			t.Fatalf("llm should not be called for %q", text)
		}
		if len(sess.History()) != 0 {
			t.Fatalf("history should be empty")
		}
	}
}

func TestDispatcher_ProviderFailuresReturnToListening(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name string
		stt  *fakeTranscriber
		llm  *fakeLLM
		tts  fakeTTS
	}{
		{"transcribe", &fakeTranscriber{err: boom}, &fakeLLM{reply: "x"}, fakeTTS{audio: []byte{1}}},
		{"generate", &fakeTranscriber{text: "hi"}, &fakeLLM{err: boom}, fakeTTS{audio: []byte{1}}},
		{"generate_empty", &fakeTranscriber{text: "hi"}, &fakeLLM{reply: " "}, fakeTTS{audio: []byte{1}}},
		{"synthesize", &fakeTranscriber{text: "hi"}, &fakeLLM{reply: "hello"}, fakeTTS{err: boom}},
		{"synthesize_empty", &fakeTranscriber{text: "hi"}, &fakeLLM{reply: "hello"}, fakeTTS{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mem := store.NewMemory()
			d := NewDispatcher(Deps{Transcriber: tc.stt, LLM: tc.llm, TTS: tc.tts, Store: mem})
			sess := newTestSession()

			d.HandleUtterance(context.Background(), sess, utterance())

			if sess.State() != stream.StateListening {
				t.Fatalf("state = %s, want LISTENING", sess.State())
			}
			if _, _, ok := sess.Playback().Peek(); ok {
				t.Fatalf("no audio expected on failure")
			}
			if _, err := mem.GetCall(context.Background(), "CA1"); !errors.Is(err, store.ErrCallNotFound) {
				t.Fatalf("nothing should be persisted, got err=%v", err)
			}

			// the next utterance is unaffected
			tc.stt.err, tc.stt.text = nil, "again"
			d2 := NewDispatcher(Deps{Transcriber: tc.stt, LLM: &fakeLLM{reply: "ok"}, TTS: fakeTTS{audio: []byte{9}}})
			d2.HandleUtterance(context.Background(), sess, utterance())
			if sess.State() != stream.StateResponding {
				t.Fatalf("follow-up state = %s, want RESPONDING", sess.State())
			}
		})
	}
}

func TestDispatcher_SkipsWhenNotListening(t *testing.T) {
	for _, st := range []stream.State{stream.StateProcessing, stream.StateResponding, stream.StateClosed} {
		stt := &fakeTranscriber{text: "hi"}
		d := NewDispatcher(Deps{Transcriber: stt, LLM: &fakeLLM{reply: "x"}, TTS: fakeTTS{audio: []byte{1}}})
		sess := newTestSession()
		sess.SetState(st)

		d.HandleUtterance(context.Background(), sess, utterance())

		if atomic.LoadInt32(&stt.calls) != 0 {
			t.Fatalf("transcriber called in state %s", st)
		}
		if sess.State() != st {
			t.Fatalf("state changed from %s to %s", st, sess.State())
		}
	}
}

func TestDispatcher_NeverRunsTwiceConcurrently(t *testing.T) {
	stt := &fakeTranscriber{text: "hi", gate: make(chan struct{})}
	d := NewDispatcher(Deps{Transcriber: stt, LLM: &fakeLLM{reply: "hello"}, TTS: fakeTTS{audio: []byte{1}}, Pool: workerpool.New(5)})
	sess := newTestSession()

	done := make(chan struct{})
	go func() {
		d.HandleUtterance(context.Background(), sess, utterance())
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&stt.calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// second utterance while the first is still PROCESSING
	d.HandleUtterance(context.Background(), sess, utterance())
	close(stt.gate)
	<-done

	if n := atomic.LoadInt32(&stt.calls); n != 1 {
		t.Fatalf("transcriber called %d times, want 1", n)
	}
	if len(sess.History()) != 1 {
		t.Fatalf("history len = %d, want 1", len(sess.History()))
	}
}

func TestDispatcher_ClosedSessionGetsNoAudio(t *testing.T) {
	sess := newTestSession()
	llm := &fakeLLM{reply: "late"}
	stt := &fakeTranscriber{text: "hi"}
	tts := closingTTS{sess: sess}
	d := NewDispatcher(Deps{Transcriber: stt, LLM: llm, TTS: tts})

	d.HandleUtterance(context.Background(), sess, utterance())

	if sess.State() != stream.StateClosed {
		t.Fatalf("state = %s, want CLOSED", sess.State())
	}
	if _, _, ok := sess.Playback().Peek(); ok {
		t.Fatalf("closed session must not get audio")
	}
}

// closingTTS closes the session while synthesis is in flight.
type closingTTS struct{ sess *stream.Session }

func (c closingTTS) Synthesize(context.Context, string) ([]byte, error) {
	c.sess.SetState(stream.StateClosed)
	return []byte{1}, nil
}

func TestBuildConversationPrompt(t *testing.T) {
	got := buildConversationPrompt([]stream.Exchange{{User: "hi", Assistant: "hello"}}, "how are you")
	want := "[USER] hi\n[ASSISTANT] hello\n[USER] how are you"
	if got != want {
		t.Fatalf("prompt = %q, want %q", got, want)
	}
	if !strings.HasPrefix(buildConversationPrompt(nil, "x"), "[USER] x") {
		t.Fatalf("empty history prompt malformed")
	}
}

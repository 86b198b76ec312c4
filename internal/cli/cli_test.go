package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/voicecall/internal/agent"
	"github.com/chadiek/voicecall/internal/analysis"
	"github.com/chadiek/voicecall/internal/config"
	"github.com/chadiek/voicecall/internal/llm"
	"github.com/chadiek/voicecall/internal/store"
	"github.com/chadiek/voicecall/internal/stream"
	"github.com/chadiek/voicecall/internal/tts"
	"github.com/chadiek/voicecall/internal/vad"
)

// stalledModel holds every analysis until release is closed.
type stalledModel struct{ release chan struct{} }

func (m stalledModel) GenerateJSON(ctx context.Context, _, _ string, _ any) error {
	select {
	case <-m.release:
	case <-ctx.Done():
	}
	return nil
}

type instant struct{}

func (instant) Transcribe(context.Context, []byte) (string, error)       { return "hello", nil }
func (instant) Generate(context.Context, string, string) (string, error) { return "hi there", nil }
func (instant) Synthesize(context.Context, string) ([]byte, error)       { return []byte{0x7F}, nil }

func TestPools_AnalysisBacklogDoesNotDelayReplies(t *testing.T) {
	workers := newPools(5)
	require.NotSame(t, workers.reply, workers.analysis)

	release := make(chan struct{})
	analyzer := analysis.New(context.Background(), stalledModel{release: release}, store.NewMemory(), workers.analysis, analysis.Options{})
	defer func() {
		close(release)
		analyzer.Wait()
	}()
	history := []stream.Exchange{{User: "u", Assistant: "a", At: time.Now()}}
	for i := 0; i < 10; i++ {
		analyzer.Observe("CA-other", time.Now(), history)
	}

	d := agent.NewDispatcher(agent.Deps{Transcriber: instant{}, LLM: instant{}, TTS: instant{}, Pool: workers.reply})
	sess := stream.NewSession("CA1", "", time.Now(), 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.HandleUtterance(context.Background(), sess, vad.Utterance{[]byte{1}})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reply waited behind queued analysis")
	}
	assert.Equal(t, stream.StateResponding, sess.State())
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["call"])
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestCallCmd_PostsToServer(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/calls" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"call_sid":"CA1","status":"initiated"}`))
	}))
	defer srv.Close()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"call", "+15550001111", "--instructions", "You are Bob.", "--api", srv.URL})
	require.NoError(t, root.Execute())

	assert.Equal(t, "+15550001111", got["phone_number"])
	assert.Equal(t, "You are Bob.", got["system_instructions"])
	assert.Equal(t, "call CA1 initiated\n", out.String())
}

func TestPlaceCall_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"phone_number is required"}`))
	}))
	defer srv.Close()

	err := placeCall(&bytes.Buffer{}, srv.URL, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phone_number is required")
}

func TestNewChatModel(t *testing.T) {
	ctx := context.Background()

	m, err := newChatModel(ctx, config.LLMConfig{Provider: config.ProviderCerebras}, "k", "")
	require.NoError(t, err)
	c, ok := m.(*llm.ChatClient)
	require.True(t, ok)
	assert.Equal(t, "gpt-oss-120b", c.Model)
	assert.Equal(t, llm.CerebrasBaseURL, c.BaseURL)

	m, err = newChatModel(ctx, config.LLMConfig{Provider: config.ProviderOpenAI, BaseURL: "http://localhost:1234/v1"}, "k", "gpt-4o")
	require.NoError(t, err)
	c = m.(*llm.ChatClient)
	assert.Equal(t, "gpt-4o", c.Model)
	assert.Equal(t, "http://localhost:1234/v1", c.BaseURL)

	_, err = newChatModel(ctx, config.LLMConfig{Provider: config.ProviderGemini}, "", "")
	assert.Error(t, err)
}

func TestNewTTS(t *testing.T) {
	_, ok := newTTS(config.TTSConfig{Provider: config.ProviderDeepgram}).(*tts.DeepgramClient)
	assert.True(t, ok)
	_, ok = newTTS(config.TTSConfig{Provider: config.ProviderElevenLabs}).(*tts.ElevenLabsClient)
	assert.True(t, ok)
}

func TestOpenStore_MemoryWithoutURL(t *testing.T) {
	st, err := openStore(context.Background(), "", nil)
	require.NoError(t, err)
	_, ok := st.(*store.Memory)
	assert.True(t, ok)
}

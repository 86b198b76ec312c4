package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chadiek/voicecall/internal/agent"
	"github.com/chadiek/voicecall/internal/analysis"
	"github.com/chadiek/voicecall/internal/config"
	"github.com/chadiek/voicecall/internal/llm"
	"github.com/chadiek/voicecall/internal/store"
	"github.com/chadiek/voicecall/internal/tts"
	"github.com/chadiek/voicecall/internal/workerpool"
)

// chatModel generates both spoken replies and analysis verdicts.
type chatModel interface {
	agent.LLM
	analysis.JSONModel
}

var defaultModels = map[string]string{
	config.ProviderOpenAI:   "gpt-4o-mini",
	config.ProviderCerebras: "gpt-oss-120b",
	config.ProviderGemini:   "gemini-2.0-flash",
}

func newChatModel(ctx context.Context, cfg config.LLMConfig, key, model string) (chatModel, error) {
	if model == "" {
		model = defaultModels[cfg.Provider]
	}
	switch cfg.Provider {
	case config.ProviderGemini:
		if key == "" {
			return nil, fmt.Errorf("LLM_PROVIDER=gemini requires GEMINI_API_KEY")
		}
		g, err := llm.NewGemini(ctx, key, model, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return g, nil
	case config.ProviderCerebras:
		c := llm.NewCerebrasClient(key, model)
		if cfg.BaseURL != "" {
			c.BaseURL = cfg.BaseURL
		}
		return c, nil
	default:
		c := llm.NewOpenAIClient(key, model)
		if cfg.BaseURL != "" {
			c.BaseURL = cfg.BaseURL
		}
		return c, nil
	}
}

// pools splits provider work so background analysis never queues ahead of
// a caller waiting for a reply.
type pools struct {
	reply    *workerpool.Pool
	analysis *workerpool.Pool
}

func newPools(size int) pools {
	return pools{reply: workerpool.New(size), analysis: workerpool.New(size)}
}

func newTTS(cfg config.TTSConfig) agent.TTS {
	if cfg.Provider == config.ProviderDeepgram {
		return tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel)
	}
	return tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
}

func openStore(ctx context.Context, databaseURL string, logger *slog.Logger) (store.Store, error) {
	if databaseURL == "" {
		return store.NewMemory(), nil
	}
	pg, err := store.OpenPostgres(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to postgres")
	return pg, nil
}

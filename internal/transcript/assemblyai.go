package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const defaultStreamingURL = "wss://streaming.assemblyai.com/v3/ws"

// chunkBytes is 200ms of 8kHz mu-law; the streaming API wants 50-1000ms per message.
const (
	chunkBytes    = 1600
	chunkDuration = 200 * time.Millisecond
)

// AssemblyAI transcribes finished utterances over the v3 streaming API:
// one websocket session per utterance, audio sent in chunks, then Terminate,
// and the finalized turns read back.
type AssemblyAI struct {
	APIKey string
	// URL overrides the streaming endpoint (tests).
	URL string
	// ChunkInterval paces audio messages. The streaming API expects audio at
	// the rate it was spoken.
	ChunkInterval time.Duration
	Dialer        *websocket.Dialer
	Logger        *slog.Logger
}

// AssemblyAI message types
type BeginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type TurnMessage struct {
	Type          string `json:"type"`
	TurnOrder     int    `json:"turn_order"`
	Transcript    string `json:"transcript"`
	EndOfTurn     bool   `json:"end_of_turn"`
	TurnFormatted bool   `json:"turn_is_formatted"`
}

type TerminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewAssemblyAI(apiKey string, logger *slog.Logger) *AssemblyAI {
	if logger == nil {
		logger = slog.Default()
	}
	return &AssemblyAI{
		APIKey:        apiKey,
		ChunkInterval: chunkDuration,
		Dialer:        &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		Logger:        logger,
	}
}

// Transcribe returns the text spoken in audio (8kHz mu-law). An utterance
// with no recognizable speech yields "".
func (s *AssemblyAI) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if s.APIKey == "" {
		return "", fmt.Errorf("AssemblyAI API key is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", "8000")
	params.Set("encoding", "pcm_mulaw")
	params.Set("format_turns", "true")
	endpoint := s.URL
	if endpoint == "" {
		endpoint = defaultStreamingURL
	}
	wsURL := endpoint + "?" + params.Encode()

	headers := http.Header{"Authorization": {s.APIKey}}
	conn, resp, err := s.Dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return "", fmt.Errorf("connect to AssemblyAI (status %d): %w", resp.StatusCode, err)
		}
		return "", fmt.Errorf("connect to AssemblyAI: %w", err)
	}
	defer conn.Close()

	// Unblock reads and writes if the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := s.sendAudio(ctx, conn, audio); err != nil {
		return "", err
	}
	if err := conn.WriteJSON(map[string]string{"type": "Terminate"}); err != nil {
		return "", s.wrapErr(ctx, "send terminate", err)
	}

	var turns turnCollector
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return turns.text(), nil
			}
			return "", s.wrapErr(ctx, "read", err)
		}
		done, err := s.processMessage(message, &turns)
		if err != nil {
			return "", err
		}
		if done {
			return turns.text(), nil
		}
	}
}

// sendAudio streams audio in chunkBytes messages, one per ChunkInterval.
func (s *AssemblyAI) sendAudio(ctx context.Context, conn *websocket.Conn, audio []byte) error {
	var pace *time.Ticker
	if s.ChunkInterval > 0 {
		pace = time.NewTicker(s.ChunkInterval)
		defer pace.Stop()
	}
	for off := 0; off < len(audio); off += chunkBytes {
		if off > 0 && pace != nil {
			select {
			case <-ctx.Done():
				return s.wrapErr(ctx, "send audio", ctx.Err())
			case <-pace.C:
			}
		}
		end := min(off+chunkBytes, len(audio))
		if err := conn.WriteMessage(websocket.BinaryMessage, audio[off:end]); err != nil {
			return s.wrapErr(ctx, "send audio", err)
		}
	}
	return nil
}

func (s *AssemblyAI) wrapErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("assemblyai %s: %w", op, ctxErr)
	}
	return fmt.Errorf("assemblyai %s: %w", op, err)
}

// processMessage handles different message types from AssemblyAI. It
// reports true once the session has terminated.
func (s *AssemblyAI) processMessage(message []byte, turns *turnCollector) (bool, error) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		return false, fmt.Errorf("assemblyai: decode message: %w", err)
	}
	switch base.Type {
	case "Begin":
		var msg BeginMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			s.Logger.Debug("assemblyai session began", "id", msg.ID)
		}
	case "Turn":
		var msg TurnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return false, fmt.Errorf("assemblyai: decode turn: %w", err)
		}
		turns.add(msg)
	case "Termination":
		var msg TerminationMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			s.Logger.Debug("assemblyai session terminated", "audio_seconds", msg.AudioDurationSeconds)
		}
		return true, nil
	case "Error":
		var msg ErrorMessage
		_ = json.Unmarshal(message, &msg)
		return false, errors.New("assemblyai error: " + msg.Error)
	default:
		s.Logger.Debug("assemblyai unknown message type", "type", base.Type)
	}
	return false, nil
}

// turnCollector keeps the latest transcript for every turn, preferring the
// formatted end-of-turn version once it arrives.
type turnCollector struct {
	order []int
	byID  map[int]TurnMessage
}

func (c *turnCollector) add(m TurnMessage) {
	if c.byID == nil {
		c.byID = make(map[int]TurnMessage)
	}
	prev, seen := c.byID[m.TurnOrder]
	if !seen {
		c.order = append(c.order, m.TurnOrder)
	} else if prev.EndOfTurn && prev.TurnFormatted && !m.TurnFormatted {
		return
	}
	if strings.TrimSpace(m.Transcript) == "" && seen {
		return
	}
	c.byID[m.TurnOrder] = m
}

func (c *turnCollector) text() string {
	parts := make([]string, 0, len(c.order))
	for _, id := range c.order {
		if t := strings.TrimSpace(c.byID[id].Transcript); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

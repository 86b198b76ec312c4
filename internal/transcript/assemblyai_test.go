package transcript

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeStreaming plays an AssemblyAI streaming session: it swallows audio
// until Terminate, then replies with the given messages.
func fakeStreaming(t *testing.T, replies []string, gotAudio *atomic.Int64) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		q := r.URL.Query()
		if q.Get("sample_rate") != "8000" || q.Get("encoding") != "pcm_mulaw" {
			http.Error(w, "bad params", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Begin","id":"s1","expires_at":0}`))
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				gotAudio.Add(int64(len(data)))
				continue
			}
			if strings.Contains(string(data), "Terminate") {
				break
			}
		}
		for _, m := range replies {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(m))
		}
	}))
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func TestAssemblyAI_CollectsFinalTurns(t *testing.T) {
	var got atomic.Int64
	srv := fakeStreaming(t, []string{
		`{"type":"Turn","turn_order":0,"transcript":"hello there","end_of_turn":false}`,
		`{"type":"Turn","turn_order":0,"transcript":"hello there","end_of_turn":true,"turn_is_formatted":false}`,
		`{"type":"Turn","turn_order":0,"transcript":"Hello there.","end_of_turn":true,"turn_is_formatted":true}`,
		`{"type":"Turn","turn_order":1,"transcript":"How are you?","end_of_turn":true,"turn_is_formatted":true}`,
		`{"type":"Termination","audio_duration_seconds":1.2}`,
	}, &got)
	defer srv.Close()

	s := NewAssemblyAI("key", nil)
	s.URL = wsURL(srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	text, err := s.Transcribe(ctx, make([]byte, 4000))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "Hello there. How are you?" {
		t.Fatalf("text = %q", text)
	}
	if got.Load() != 4000 {
		t.Fatalf("server received %d audio bytes, want 4000", got.Load())
	}
}

func TestAssemblyAI_PacesAudioAtChunkInterval(t *testing.T) {
	var got atomic.Int64
	srv := fakeStreaming(t, []string{`{"type":"Termination"}`}, &got)
	defer srv.Close()

	s := NewAssemblyAI("key", nil)
	if s.ChunkInterval != 200*time.Millisecond {
		t.Fatalf("default interval = %s, want 200ms of audio per chunk", s.ChunkInterval)
	}
	s.URL = wsURL(srv)
	s.ChunkInterval = 40 * time.Millisecond

	start := time.Now()
	if _, err := s.Transcribe(context.Background(), make([]byte, 4*chunkBytes)); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	// four chunks, three waits between them
	if elapsed := time.Since(start); elapsed < 120*time.Millisecond {
		t.Fatalf("audio sent in %s, faster than the chunk interval allows", elapsed)
	}
	if got.Load() != 4*chunkBytes {
		t.Fatalf("server received %d audio bytes", got.Load())
	}
}

func TestAssemblyAI_CancelWhilePacing(t *testing.T) {
	var got atomic.Int64
	srv := fakeStreaming(t, []string{`{"type":"Termination"}`}, &got)
	defer srv.Close()

	s := NewAssemblyAI("key", nil)
	s.URL = wsURL(srv)
	s.ChunkInterval = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.Transcribe(ctx, make([]byte, 2*chunkBytes))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}

func TestAssemblyAI_SilenceYieldsEmpty(t *testing.T) {
	var got atomic.Int64
	srv := fakeStreaming(t, []string{`{"type":"Termination"}`}, &got)
	defer srv.Close()

	s := NewAssemblyAI("key", nil)
	s.URL = wsURL(srv)
	text, err := s.Transcribe(context.Background(), make([]byte, 800))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty transcript, got %q", text)
	}
}

func TestAssemblyAI_Errors(t *testing.T) {
	if _, err := NewAssemblyAI("", nil).Transcribe(context.Background(), []byte{1}); err == nil {
		t.Fatalf("expected error with missing key")
	}

	var got atomic.Int64
	srv := fakeStreaming(t, []string{`{"type":"Error","error":"quota exceeded"}`}, &got)
	defer srv.Close()
	s := NewAssemblyAI("key", nil)
	s.URL = wsURL(srv)
	_, err := s.Transcribe(context.Background(), []byte{1, 2})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected provider error, got %v", err)
	}

	s = NewAssemblyAI("wrong", nil)
	s.URL = wsURL(srv)
	if _, err := s.Transcribe(context.Background(), []byte{1}); err == nil {
		t.Fatalf("expected handshake error")
	}
}

func TestTurnCollector_KeepsFormattedVersion(t *testing.T) {
	var c turnCollector
	c.add(TurnMessage{TurnOrder: 0, Transcript: "Hi.", EndOfTurn: true, TurnFormatted: true})
	c.add(TurnMessage{TurnOrder: 0, Transcript: "hi", EndOfTurn: true})
	if c.text() != "Hi." {
		t.Fatalf("text = %q", c.text())
	}
}

package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestElevenLabs_Synthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/voice1/stream" || r.Header.Get("xi-api-key") != "key" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("output_format") != "ulaw_8000" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["text"] != "hello" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write(bytes.Repeat([]byte{0x7F}, 3000))
	}))
	defer srv.Close()

	e := NewElevenLabsClient("key", "voice1")
	e.BaseURL = srv.URL
	audio, err := e.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(audio) != 3000 {
		t.Fatalf("got %d bytes, want 3000", len(audio))
	}
}

func TestElevenLabs_Failures(t *testing.T) {
	if _, err := NewElevenLabsClient("", "v").Synthesize(context.Background(), "hi"); err == nil {
		t.Fatalf("expected error with missing key")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"bad key"}`))
	}))
	defer srv.Close()
	e := NewElevenLabsClient("key", "v")
	e.BaseURL = srv.URL
	if _, err := e.Synthesize(context.Background(), "hi"); err == nil {
		t.Fatalf("expected error on 401")
	}
}

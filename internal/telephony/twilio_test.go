package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStreamResponse(t *testing.T) {
	xml, err := StreamResponse("Hi there", "wss://example.com/stream/CA1")
	if err != nil {
		t.Fatalf("twiml: %v", err)
	}
	for _, want := range []string{"<Say>Hi there</Say>", "<Connect>", `<Stream url="wss://example.com/stream/CA1"`} {
		if !strings.Contains(xml, want) {
			t.Fatalf("twiml %q missing %q", xml, want)
		}
	}

	xml, err = StreamResponse("", "wss://example.com/s")
	if err != nil {
		t.Fatalf("twiml: %v", err)
	}
	if strings.Contains(xml, "<Say") {
		t.Fatalf("empty greeting should not emit Say: %s", xml)
	}
}

func TestHangupResponse(t *testing.T) {
	xml, err := HangupResponse("Bye")
	if err != nil {
		t.Fatalf("twiml: %v", err)
	}
	if !strings.Contains(xml, "<Say>Bye</Say>") || !strings.Contains(xml, "<Hangup") {
		t.Fatalf("unexpected twiml: %s", xml)
	}
}

func TestPublicURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		host    string
		headers map[string]string
		want    string
	}{
		{name: "configured base wins", base: "https://api.example.com/", host: "internal:8080",
			headers: map[string]string{"X-Forwarded-Proto": "http", "X-Forwarded-Host": "proxy"},
			want:    "https://api.example.com/twilio/voice"},
		{name: "forwarded headers", host: "internal:8080",
			headers: map[string]string{"X-Forwarded-Proto": "https", "X-Forwarded-Host": "abc.ngrok.io"},
			want:    "https://abc.ngrok.io/twilio/voice"},
		{name: "localhost is http", host: "localhost:8080", want: "http://localhost:8080/twilio/voice"},
		{name: "other hosts default https", host: "calls.example.com", want: "https://calls.example.com/twilio/voice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			r.Host = tt.host
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := PublicURL(tt.base, r, "twilio/voice"); got != tt.want {
				t.Fatalf("PublicURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWebsocketURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	if got := WebsocketURL("https://api.example.com", r, "/stream/CA1"); got != "wss://api.example.com/stream/CA1" {
		t.Fatalf("got %q", got)
	}
	r.Host = "localhost:8080"
	if got := WebsocketURL("", r, "/stream/CA1"); got != "ws://localhost:8080/stream/CA1" {
		t.Fatalf("got %q", got)
	}
}

func TestClient_RequiresCredentials(t *testing.T) {
	c := NewClient(Config{})
	if _, err := c.PlaceCall(context.Background(), OutboundCall{To: "+15550001111"}); err == nil {
		t.Fatal("expected missing credentials error")
	}
	if err := c.EndCall(context.Background(), "CA1"); err == nil {
		t.Fatal("expected missing credentials error")
	}
	c = NewClient(Config{AccountSID: "AC1", AuthToken: "tok"})
	if _, err := c.PlaceCall(context.Background(), OutboundCall{To: "+15550001111"}); err == nil {
		t.Fatal("expected missing phone number error")
	}
}

func TestClient_DownloadRecording(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC1" || pass != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/Recordings/RE1.wav" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("RIFFdata"))
	}))
	defer srv.Close()

	c := NewClient(Config{AccountSID: "AC1", AuthToken: "tok"})
	data, err := c.DownloadRecording(context.Background(), srv.URL+"/Recordings/RE1")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "RIFFdata" {
		t.Fatalf("got %q", data)
	}

	bad := NewClient(Config{AccountSID: "AC1", AuthToken: "wrong"})
	if _, err := bad.DownloadRecording(context.Background(), srv.URL+"/Recordings/RE1"); err == nil {
		t.Fatal("expected error on 401")
	}
}

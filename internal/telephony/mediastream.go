// Package telephony connects the service to Twilio: REST calls, TwiML and
// the Media Streams websocket.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/voicecall/internal/stream"
)

// Twilio Media Streams message types.
type mediaMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startMessage `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Stop      *stopMessage  `json:"stop,omitempty"`
}

type startMessage struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // Base64 encoded audio
}

type stopMessage struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

var (
	_ stream.Conn       = (*MediaStream)(nil)
	_ stream.KeepAliver = (*MediaStream)(nil)
)

// MediaStream adapts one Twilio Media Streams websocket to stream.Conn.
// Inbound media payloads become frames; a "stop" event ends the stream
// with io.EOF.
type MediaStream struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	frames  chan []byte
	started chan struct{}
	closed  chan struct{}

	mu        sync.RWMutex
	streamSID string
	callSID   string
	readErr   error

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewMediaStream starts reading from ws.
func NewMediaStream(ws *websocket.Conn) *MediaStream {
	m := &MediaStream{
		ws:           ws,
		writeTimeout: 5 * time.Second,
		frames:       make(chan []byte, 256),
		started:      make(chan struct{}),
		closed:       make(chan struct{}),
	}
	go m.readLoop()
	return m
}

// WaitStart blocks until Twilio sends the "start" event and returns the
// call SID it names.
func (m *MediaStream) WaitStart(ctx context.Context) (string, error) {
	select {
	case <-m.started:
		return m.CallSID(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-m.closed:
		return "", io.ErrClosedPipe
	}
}

func (m *MediaStream) CallSID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callSID
}

func (m *MediaStream) StreamSID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streamSID
}

func (m *MediaStream) ReceiveFrame(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame, ok := <-m.frames:
		if !ok {
			return nil, m.err()
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, stream.ErrReceiveTimeout
	}
}

// SendFrame writes one chunk of mu-law audio as a media event.
func (m *MediaStream) SendFrame(_ context.Context, frame []byte) error {
	return m.writeJSON(mediaMessage{
		Event:     "media",
		StreamSID: m.StreamSID(),
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
	})
}

// Clear drops audio Twilio has buffered but not yet played.
func (m *MediaStream) Clear(context.Context) error {
	return m.writeJSON(mediaMessage{Event: "clear", StreamSID: m.StreamSID()})
}

// KeepAlive sends a websocket ping.
func (m *MediaStream) KeepAlive(context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.writeTimeout))
}

func (m *MediaStream) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		m.writeMu.Lock()
		_ = m.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		m.writeMu.Unlock()
		err = m.ws.Close()
	})
	return err
}

func (m *MediaStream) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = m.ws.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	if err := m.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("media stream write: %w", err)
	}
	return nil
}

func (m *MediaStream) err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.readErr == nil {
		return io.EOF
	}
	return m.readErr
}

func (m *MediaStream) fail(err error) {
	m.mu.Lock()
	if m.readErr == nil {
		m.readErr = err
	}
	m.mu.Unlock()
}

// readLoop reads messages from the WebSocket.
func (m *MediaStream) readLoop() {
	defer close(m.frames)
	var startOnce sync.Once
	for {
		_, data, err := m.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.fail(io.EOF)
			} else {
				select {
				case <-m.closed:
					m.fail(io.EOF)
				default:
					m.fail(fmt.Errorf("media stream read: %w", err))
				}
			}
			return
		}

		var msg mediaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Event {
		case "start":
			if msg.Start == nil {
				continue
			}
			m.mu.Lock()
			m.streamSID = msg.Start.StreamSID
			m.callSID = msg.Start.CallSID
			m.mu.Unlock()
			startOnce.Do(func() { close(m.started) })

		case "media":
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			if msg.Media.Track != "" && msg.Media.Track != "inbound" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			select {
			case m.frames <- audio:
			case <-m.closed:
				return
			}

		case "stop":
			m.fail(io.EOF)
			return
		}
	}
}

package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store used when no database is configured.
type Memory struct {
	mu     sync.Mutex
	calls  map[string]*Call
	events []Event
	scores []Score
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{calls: make(map[string]*Call), now: time.Now}
}

func (m *Memory) CreateCall(_ context.Context, c Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[c.ID]; ok {
		return nil
	}
	m.calls[c.ID] = m.fill(c)
	return nil
}

func (m *Memory) fill(c Call) *Call {
	now := m.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = now
	}
	if c.Status == "" {
		c.Status = "in-progress"
	}
	if c.Persona == "" {
		c.Persona = "default"
	}
	if c.Target == "" {
		c.Target = "unknown"
	}
	c.Transcript = append([]Entry(nil), c.Transcript...)
	return &c
}

func (m *Memory) AppendTranscript(_ context.Context, callID string, entries ...Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		c = m.fill(Call{ID: callID})
		m.calls[callID] = c
	}
	c.Transcript = append(c.Transcript, entries...)
	return nil
}

func (m *Memory) MarkCallEnded(_ context.Context, callID string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	t := endedAt.UTC()
	c.Status = "ended"
	c.EndedAt = &t
	c.Duration = durationSeconds(c.StartedAt, t)
	return nil
}

func (m *Memory) GetCall(_ context.Context, callID string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	out := *c
	out.Transcript = append([]Entry(nil), c.Transcript...)
	return out, nil
}

func (m *Memory) SetRecordingURL(_ context.Context, callID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	c.RecordingURL = url
	return nil
}

func (m *Memory) InsertEvent(_ context.Context, e Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *Memory) InsertScore(_ context.Context, s Score) error {
	m.mu.Lock()
	m.scores = append(m.scores, s)
	m.mu.Unlock()
	return nil
}

// Events returns the events recorded for callID.
func (m *Memory) Events(callID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.CallID == callID {
			out = append(out, e)
		}
	}
	return out
}

// Scores returns the scores recorded for callID.
func (m *Memory) Scores(callID string) []Score {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Score
	for _, s := range m.scores {
		if s.CallID == callID {
			out = append(out, s)
		}
	}
	return out
}

func (m *Memory) Close() {}

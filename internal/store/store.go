// Package store persists call records, transcripts and analysis results.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrCallNotFound is returned when no record exists for a call ID.
var ErrCallNotFound = errors.New("store: call not found")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Entry is one line of a call transcript.
type Entry struct {
	Role      string    `json:"role"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Call is the persisted record of a phone call.
type Call struct {
	ID           string
	Status       string
	Persona      string
	Target       string
	RecordingURL string
	CreatedAt    time.Time
	StartedAt    time.Time
	EndedAt      *time.Time
	// Duration is whole seconds between StartedAt and EndedAt.
	Duration   int
	Transcript []Entry
}

// Event is a notable moment flagged by call analysis.
type Event struct {
	ID           string
	CallID       string
	Timestamp    time.Time
	TimeIntoCall float64
	Type         string
	Description  string
}

// Score is a conversation quality rating.
type Score struct {
	ID         string
	CallID     string
	Timestamp  time.Time
	Politeness float64
}

// TranscriptStore is what the live call path needs.
type TranscriptStore interface {
	// AppendTranscript adds entries to the call's transcript, creating the
	// call record if it does not exist yet.
	AppendTranscript(ctx context.Context, callID string, entries ...Entry) error
	// MarkCallEnded sets the status to ended and computes the duration from
	// the call's start.
	MarkCallEnded(ctx context.Context, callID string, endedAt time.Time) error
}

// Store is the full persistence surface.
type Store interface {
	TranscriptStore
	CreateCall(ctx context.Context, c Call) error
	GetCall(ctx context.Context, callID string) (Call, error)
	SetRecordingURL(ctx context.Context, callID, url string) error
	InsertEvent(ctx context.Context, e Event) error
	InsertScore(ctx context.Context, s Score) error
	Close()
}

func durationSeconds(start, end time.Time) int {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

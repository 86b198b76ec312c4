package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrSessionExists is returned by Open when the call already has a live stream.
	ErrSessionExists = errors.New("stream: session already open for call")
	// ErrCallNotFound is returned for an unknown call SID.
	ErrCallNotFound = errors.New("stream: call not found")
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Call statuses set by this service; Twilio's own status values are stored
// verbatim next to them.
const (
	StatusInitiated  = "initiated"
	StatusInProgress = "in-progress"
	StatusEnded      = "ended"
)

// IsTerminalStatus reports whether a call status means the call is over.
func IsTerminalStatus(status string) bool {
	switch status {
	case "completed", "busy", "failed", "no-answer", "canceled", StatusEnded:
		return true
	}
	return false
}

// CallInfo is what the service knows about one call.
type CallInfo struct {
	SID          string     `json:"call_sid"`
	Direction    Direction  `json:"direction"`
	To           string     `json:"to,omitempty"`
	From         string     `json:"from,omitempty"`
	Instructions string     `json:"system_instructions"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	State        string     `json:"state,omitempty"`
	History      []Exchange `json:"conversation_history"`
}

// Registry tracks calls by SID and owns at most one live Session per call.
// Sessions are created when the media stream connects and removed when it
// closes.
type Registry struct {
	defaultInstructions string
	maxInFlight         int
	retention           time.Duration
	logger              *slog.Logger

	mu       sync.RWMutex
	calls    map[string]*CallInfo
	sessions map[string]*Session
}

// NewRegistry returns an empty registry. Ended calls are kept for retention
// before Sweep forgets them.
func NewRegistry(defaultInstructions string, maxInFlight int, retention time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		defaultInstructions: defaultInstructions,
		maxInFlight:         maxInFlight,
		retention:           retention,
		logger:              logger,
		calls:               make(map[string]*CallInfo),
		sessions:            make(map[string]*Session),
	}
}

// Register records a call, or merges info into an existing record. Empty
// fields never overwrite known values.
func (r *Registry) Register(info CallInfo) CallInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[info.SID]
	if !ok {
		c = &CallInfo{SID: info.SID, Direction: DirectionInbound, Status: StatusInitiated, Instructions: r.defaultInstructions}
		r.calls[info.SID] = c
	}
	if info.Direction != "" {
		c.Direction = info.Direction
	}
	if info.To != "" {
		c.To = info.To
	}
	if info.From != "" {
		c.From = info.From
	}
	if info.Instructions != "" {
		c.Instructions = info.Instructions
	}
	if info.Status != "" {
		c.Status = info.Status
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = info.StartedAt
		if c.StartedAt.IsZero() {
			c.StartedAt = time.Now().UTC()
		}
	}
	return r.snapshotLocked(c)
}

// Call returns a copy of the call record, with the live session's state and
// history when a stream is connected.
func (r *Registry) Call(sid string) (CallInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[sid]
	if !ok {
		return CallInfo{}, false
	}
	return r.snapshotLocked(c), true
}

func (r *Registry) snapshotLocked(c *CallInfo) CallInfo {
	out := *c
	out.History = append([]Exchange(nil), c.History...)
	if s, ok := r.sessions[c.SID]; ok {
		out.State = s.State().String()
		out.History = s.History()
	}
	return out
}

// UpdateStatus stores a new status. A terminal status stamps EndedAt once.
func (r *Registry) UpdateStatus(sid, status string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[sid]
	if !ok {
		return ErrCallNotFound
	}
	c.Status = status
	if IsTerminalStatus(status) && c.EndedAt == nil {
		t := now.UTC()
		c.EndedAt = &t
	}
	return nil
}

// Open creates the live session for sid. Calls that never hit a webhook
// are registered on the fly with the default instructions.
func (r *Registry) Open(sid string, now time.Time) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sid]; ok {
		return nil, ErrSessionExists
	}
	c, ok := r.calls[sid]
	if !ok {
		c = &CallInfo{SID: sid, Direction: DirectionInbound, Instructions: r.defaultInstructions, StartedAt: now.UTC()}
		r.calls[sid] = c
	}
	c.Status = StatusInProgress
	s := NewSession(sid, c.Instructions, now, r.maxInFlight)
	r.sessions[sid] = s
	return s, nil
}

// Session returns the live session for sid.
func (r *Registry) Session(sid string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	return s, ok
}

// Close removes the live session and folds its history into the call record.
func (r *Registry) Close(sid string, now time.Time) (CallInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[sid]
	if !ok {
		return CallInfo{}, ErrCallNotFound
	}
	if s, ok := r.sessions[sid]; ok {
		s.SetState(StateClosed)
		c.History = s.History()
		c.State = StateClosed.String()
		delete(r.sessions, sid)
	}
	if !IsTerminalStatus(c.Status) {
		c.Status = StatusEnded
	}
	if c.EndedAt == nil {
		t := now.UTC()
		c.EndedAt = &t
	}
	return r.snapshotLocked(c), nil
}

// Active returns the number of live sessions.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep forgets ended calls older than the retention window that have no
// live session. It returns how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for sid, c := range r.calls {
		if _, live := r.sessions[sid]; live || c.EndedAt == nil {
			continue
		}
		if now.Sub(*c.EndedAt) > r.retention {
			delete(r.calls, sid)
			removed++
		}
	}
	return removed
}

// Run sweeps on every tick until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.Sweep(now); n > 0 {
				r.logger.Info("swept ended calls", slog.Int("count", n), slog.Int("active_sessions", r.Active()))
			}
		}
	}
}

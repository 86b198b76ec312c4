package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/chadiek/voicecall/internal/workerpool"
)

// State is the lifecycle state of a stream session.
type State int32

const (
	StateListening State = iota
	StateProcessing
	StateResponding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateProcessing:
		return "PROCESSING"
	case StateResponding:
		return "RESPONDING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Exchange is one caller utterance and the assistant's reply to it.
type Exchange struct {
	User      string    `json:"human"`
	Assistant string    `json:"ai"`
	At        time.Time `json:"timestamp"`
}

// Session is the state of one live call stream. The coordinator owns it for
// the lifetime of the connection; the registry only hands out the pointer.
type Session struct {
	ID           string
	Instructions string
	CreatedAt    time.Time

	state        atomic.Int32
	lastActivity atomic.Int64

	playback *Playback
	tasks    *workerpool.Pool

	mu      sync.Mutex
	history []Exchange
}

// NewSession returns a LISTENING session. maxInFlight caps the number of
// utterance tasks that may run for this session at once.
func NewSession(id, instructions string, now time.Time, maxInFlight int) *Session {
	s := &Session{
		ID:           id,
		Instructions: instructions,
		CreatedAt:    now,
		playback:     &Playback{},
		tasks:        workerpool.New(maxInFlight),
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) SetState(st State) { s.state.Store(int32(st)) }

// CompareAndSwapState moves the session from old to new only if it is
// currently in old. It is the guard that keeps one utterance in flight.
func (s *Session) CompareAndSwapState(old, new State) bool {
	return s.state.CompareAndSwap(int32(old), int32(new))
}

// Touch records inbound activity.
func (s *Session) Touch(now time.Time) { s.lastActivity.Store(now.UnixNano()) }

func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

func (s *Session) Playback() *Playback { return s.playback }

// AppendExchange adds to the history in arrival order. Entries are never
// reordered or deduplicated.
func (s *Session) AppendExchange(e Exchange) {
	s.mu.Lock()
	s.history = append(s.history, e)
	s.mu.Unlock()
}

// History returns a copy of the exchanges so far.
func (s *Session) History() []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Exchange, len(s.history))
	copy(out, s.history)
	return out
}

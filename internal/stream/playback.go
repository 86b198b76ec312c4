package stream

import "sync"

// Playback is the single-slot queue of synthesized audio for a session.
// Enqueue replaces whatever the slot holds, including a payload the send
// duty has started but not finished; the sender notices at the next chunk
// boundary and drops the rest of the old payload.
type Playback struct {
	mu      sync.Mutex
	payload []byte
	gen     uint64
}

// Enqueue puts payload in the slot and returns its generation.
func (p *Playback) Enqueue(payload []byte) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.payload = payload
	return p.gen
}

// Peek returns the slot content without removing it.
func (p *Playback) Peek() ([]byte, uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.payload == nil {
		return nil, p.gen, false
	}
	return p.payload, p.gen, true
}

// Current reports whether gen still owns the slot.
func (p *Playback) Current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payload != nil && p.gen == gen
}

// ClearIf empties the slot if gen still owns it.
func (p *Playback) ClearIf(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.payload == nil {
		return false
	}
	p.payload = nil
	return true
}

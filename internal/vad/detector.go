// Package vad segments a stream of telephony audio frames into utterances
// using a run-length energy detector.
package vad

import "fmt"

// Config holds the detector thresholds. Frame counts are in frames, not time,
// so they scale with whatever frame size the transport delivers.
type Config struct {
	// SilenceThreshold is the mean absolute amplitude (linear 16-bit scale)
	// below which a frame counts as silence.
	SilenceThreshold float64
	// MinSpeechFrames consecutive loud frames start an utterance.
	MinSpeechFrames int
	// EndOfSpeechFrames consecutive silent frames end an utterance.
	EndOfSpeechFrames int
	// MaxPendingFrames bounds the buffer while nobody is speaking; once
	// exceeded only the newest KeepPendingFrames are retained.
	MaxPendingFrames  int
	KeepPendingFrames int
	Encoding          Encoding
}

// DefaultConfig returns thresholds tuned for 20ms mu-law frames from Twilio.
func DefaultConfig() Config {
	return Config{
		SilenceThreshold:  500,
		MinSpeechFrames:   5,
		EndOfSpeechFrames: 15,
		MaxPendingFrames:  100,
		KeepPendingFrames: 50,
		Encoding:          EncodingMulaw,
	}
}

// Validate reports thresholds that would make the detector misbehave.
func (c Config) Validate() error {
	if c.SilenceThreshold <= 0 {
		return fmt.Errorf("silence threshold must be positive, got %v", c.SilenceThreshold)
	}
	if c.MinSpeechFrames <= 0 {
		return fmt.Errorf("min speech frames must be positive, got %d", c.MinSpeechFrames)
	}
	if c.EndOfSpeechFrames <= 0 {
		return fmt.Errorf("end of speech frames must be positive, got %d", c.EndOfSpeechFrames)
	}
	if c.KeepPendingFrames <= 0 || c.KeepPendingFrames > c.MaxPendingFrames {
		return fmt.Errorf("keep pending frames must be in (0, %d], got %d", c.MaxPendingFrames, c.KeepPendingFrames)
	}
	if c.MinSpeechFrames > c.KeepPendingFrames {
		// a trim while the run is still qualifying would cut its start
		return fmt.Errorf("min speech frames (%d) must not exceed keep pending frames (%d)", c.MinSpeechFrames, c.KeepPendingFrames)
	}
	if c.Encoding != EncodingMulaw && c.Encoding != EncodingPCM16LE {
		return fmt.Errorf("unsupported encoding %q", c.Encoding)
	}
	return nil
}

// Utterance is the ordered run of frames from the first loud frame of a
// qualifying speech run through the last loud frame before end-of-speech.
type Utterance [][]byte

// Bytes concatenates the frames in arrival order.
func (u Utterance) Bytes() []byte {
	n := 0
	for _, f := range u {
		n += len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range u {
		out = append(out, f...)
	}
	return out
}

// Detector is not safe for concurrent use; a stream session feeds it from a
// single goroutine so frames are classified strictly in arrival order.
type Detector struct {
	cfg Config

	speaking   bool
	speechRun  int
	silenceRun int

	pending  [][]byte
	runStart int // index in pending of the first loud frame of the current run
	lastLoud int // index in pending of the most recent loud frame while speaking
}

// NewDetector returns a detector in the not-speaking state.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Speaking reports whether the detector is inside an utterance.
func (d *Detector) Speaking() bool { return d.speaking }

// Pending returns the number of frames currently buffered.
func (d *Detector) Pending() int { return len(d.pending) }

// IsSilent classifies a single frame.
func (d *Detector) IsSilent(frame []byte) bool {
	return MeanAbsAmplitude(frame, d.cfg.Encoding) < d.cfg.SilenceThreshold
}

// Push feeds one frame and returns a completed utterance, if this frame
// ended one.
func (d *Detector) Push(frame []byte) (Utterance, bool) {
	silent := d.IsSilent(frame)
	d.pending = append(d.pending, frame)
	idx := len(d.pending) - 1

	if !silent {
		d.silenceRun = 0
		if !d.speaking {
			if d.speechRun == 0 {
				d.runStart = idx
			}
			d.speechRun++
			if d.speechRun >= d.cfg.MinSpeechFrames {
				d.speaking = true
			}
		}
		d.lastLoud = idx
	} else if d.speaking {
		d.silenceRun++
		if d.silenceRun >= d.cfg.EndOfSpeechFrames {
			utt := make(Utterance, d.lastLoud-d.runStart+1)
			copy(utt, d.pending[d.runStart:d.lastLoud+1])
			d.Reset()
			return utt, true
		}
	} else {
		// a blip shorter than MinSpeechFrames never becomes speech
		d.speechRun = 0
	}

	if !d.speaking && len(d.pending) > d.cfg.MaxPendingFrames {
		drop := len(d.pending) - d.cfg.KeepPendingFrames
		kept := make([][]byte, d.cfg.KeepPendingFrames)
		copy(kept, d.pending[drop:])
		d.pending = kept
		d.runStart -= drop
		d.lastLoud -= drop
		if d.runStart < 0 {
			d.runStart = 0
		}
	}
	return nil, false
}

// Reset clears all counters and drops buffered frames.
func (d *Detector) Reset() {
	d.speaking = false
	d.speechRun = 0
	d.silenceRun = 0
	d.pending = nil
	d.runStart = 0
	d.lastLoud = 0
}

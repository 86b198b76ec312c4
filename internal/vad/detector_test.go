package vad

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frameLen = 160 // 20ms at 8kHz

func loudFrame(tag byte) []byte {
	f := bytes.Repeat([]byte{0x80}, frameLen)
	f[0] = 0x80 ^ (tag & 0x0F) // keep it loud but distinguishable
	return f
}

func silentFrame() []byte { return bytes.Repeat([]byte{0xFF}, frameLen) }

func feed(d *Detector, frames ...[]byte) []Utterance {
	var out []Utterance
	for _, f := range frames {
		if u, ok := d.Push(f); ok {
			out = append(out, u)
		}
	}
	return out
}

func repeat(f func() []byte, n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = f()
	}
	return out
}

func loudRun(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = loudFrame(byte(i))
	}
	return out
}

func TestMeanAbsAmplitude(t *testing.T) {
	assert.Equal(t, 0.0, MeanAbsAmplitude(silentFrame(), EncodingMulaw))
	assert.InDelta(t, 32124.0, MeanAbsAmplitude(bytes.Repeat([]byte{0x80}, 4), EncodingMulaw), 0.001)
	assert.Equal(t, 0.0, MeanAbsAmplitude(nil, EncodingMulaw))

	pcm := make([]byte, 4)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(1000))
	v := int16(-3000)
	binary.LittleEndian.PutUint16(pcm[2:], uint16(v))
	assert.InDelta(t, 2000.0, MeanAbsAmplitude(pcm, EncodingPCM16LE), 0.001)
	assert.Equal(t, 0.0, MeanAbsAmplitude([]byte{1}, EncodingPCM16LE))
}

func TestDecodeULaw_Symmetric(t *testing.T) {
	assert.Equal(t, int16(0), DecodeULaw(0xFF))
	assert.Equal(t, int16(32124), DecodeULaw(0x80))
	assert.Equal(t, int16(-32124), DecodeULaw(0x00))
}

func TestDetector_FourLoudFramesNeverSpeak(t *testing.T) {
	d := NewDetector(DefaultConfig())
	frames := append(loudRun(4), repeat(silentFrame, 40)...)
	got := feed(d, frames...)
	assert.Empty(t, got)
	assert.False(t, d.Speaking())
}

func TestDetector_FiveLoudThenFifteenSilentEmitsOne(t *testing.T) {
	d := NewDetector(DefaultConfig())
	speech := loudRun(5)
	frames := append(append([][]byte{}, speech...), repeat(silentFrame, 15)...)
	got := feed(d, frames...)
	require.Len(t, got, 1)
	assert.Len(t, got[0], 5)
	for i := range speech {
		assert.Equal(t, speech[i], got[0][i])
	}
	assert.Equal(t, 0, d.Pending(), "buffer must be cleared after an utterance")
}

func TestDetector_FourteenSilentFramesDoNotEnd(t *testing.T) {
	d := NewDetector(DefaultConfig())
	got := feed(d, append(loudRun(5), repeat(silentFrame, 14)...)...)
	assert.Empty(t, got)
	assert.True(t, d.Speaking())
}

func TestDetector_LeadingSilenceExcluded(t *testing.T) {
	d := NewDetector(DefaultConfig())
	frames := repeat(silentFrame, 10)
	frames = append(frames, loudRun(6)...)
	frames = append(frames, repeat(silentFrame, 15)...)
	got := feed(d, frames...)
	require.Len(t, got, 1)
	assert.Len(t, got[0], 6)
}

func TestDetector_ShortPauseInsideSpeechKept(t *testing.T) {
	d := NewDetector(DefaultConfig())
	frames := loudRun(5)
	frames = append(frames, repeat(silentFrame, 3)...)
	frames = append(frames, loudRun(2)...)
	frames = append(frames, repeat(silentFrame, 15)...)
	got := feed(d, frames...)
	require.Len(t, got, 1)
	assert.Len(t, got[0], 10)
}

func TestDetector_NoiseBlipResetsSpeechCount(t *testing.T) {
	d := NewDetector(DefaultConfig())
	// 3 loud, 1 silent, 3 loud: never 5 consecutive
	frames := loudRun(3)
	frames = append(frames, silentFrame())
	frames = append(frames, loudRun(3)...)
	frames = append(frames, repeat(silentFrame, 20)...)
	assert.Empty(t, feed(d, frames...))
}

func TestDetector_RestartsAfterUtterance(t *testing.T) {
	d := NewDetector(DefaultConfig())
	var frames [][]byte
	for i := 0; i < 3; i++ {
		frames = append(frames, loudRun(7)...)
		frames = append(frames, repeat(silentFrame, 15)...)
	}
	got := feed(d, frames...)
	require.Len(t, got, 3)
	for _, u := range got {
		assert.Len(t, u, 7)
	}
}

func TestDetector_BoundsPendingWhileIdle(t *testing.T) {
	d := NewDetector(DefaultConfig())
	feed(d, repeat(silentFrame, 101)...)
	assert.Equal(t, 50, d.Pending())
	feed(d, repeat(silentFrame, 50)...)
	assert.LessOrEqual(t, d.Pending(), 100)
}

func TestDetector_RunSurvivesTrim(t *testing.T) {
	d := NewDetector(DefaultConfig())
	frames := repeat(silentFrame, 98)
	frames = append(frames, loudRun(4)...) // trim happens mid-run at frame 101
	frames = append(frames, loudRun(2)...)
	frames = append(frames, repeat(silentFrame, 15)...)
	got := feed(d, frames...)
	require.Len(t, got, 1)
	assert.Len(t, got[0], 6)
}

func TestDetector_LongestValidSpeechMinimumSurvivesTrim(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSpeechFrames = cfg.KeepPendingFrames
	require.NoError(t, cfg.Validate())

	d := NewDetector(cfg)
	// the trim lands one frame before the run qualifies
	frames := repeat(silentFrame, cfg.MaxPendingFrames+2-cfg.MinSpeechFrames)
	frames = append(frames, loudRun(cfg.MinSpeechFrames)...)
	frames = append(frames, repeat(silentFrame, cfg.EndOfSpeechFrames)...)
	got := feed(d, frames...)
	require.Len(t, got, 1)
	assert.Len(t, got[0], cfg.MinSpeechFrames)
}

func TestUtterance_Bytes(t *testing.T) {
	u := Utterance{[]byte{1, 2}, []byte{3}}
	assert.Equal(t, []byte{1, 2, 3}, u.Bytes())
}

// At most one utterance per contiguous speech-then-silence run that meets the
// thresholds, for arbitrary frame sequences.
func TestDetector_AtMostOneUtterancePerQualifyingRun(t *testing.T) {
	cfg := DefaultConfig()
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		var loud []bool
		for i := 0; i < 400; i++ {
			// bursty sequence: long runs of either class
			if len(loud) > 0 && rng.Intn(10) > 1 {
				loud = append(loud, loud[len(loud)-1])
				continue
			}
			loud = append(loud, rng.Intn(2) == 0)
		}

		d := NewDetector(cfg)
		emitted := 0
		for _, l := range loud {
			f := silentFrame()
			if l {
				f = loudFrame(0)
			}
			if _, ok := d.Push(f); ok {
				emitted++
			}
		}

		// upper bound: number of silent runs of at least EndOfSpeechFrames
		// that follow a loud run of at least MinSpeechFrames
		bound := 0
		i := 0
		for i < len(loud) {
			j := i
			for j < len(loud) && loud[j] == loud[i] {
				j++
			}
			if loud[i] && j-i >= cfg.MinSpeechFrames {
				bound++
			}
			i = j
		}
		require.LessOrEqual(t, emitted, bound, "trial %d", trial)
	}
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MinSpeechFrames = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.KeepPendingFrames = 200
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MinSpeechFrames = bad.KeepPendingFrames + 1
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Encoding = "opus"
	assert.Error(t, bad.Validate())
}

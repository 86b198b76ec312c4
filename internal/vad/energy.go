package vad

import "encoding/binary"

// Encoding names the sample format of an audio frame.
type Encoding string

const (
	// EncodingMulaw is 8-bit G.711 mu-law, the Twilio Media Streams default.
	EncodingMulaw Encoding = "mulaw"
	// EncodingPCM16LE is signed 16-bit little-endian linear PCM.
	EncodingPCM16LE Encoding = "pcm16le"
)

// ulawTable maps every mu-law byte to its linear 16-bit value.
var ulawTable = buildULawTable()

func buildULawTable() [256]int16 {
	var t [256]int16
	for i := range t {
		u := ^byte(i)
		exponent := (u >> 4) & 0x07
		mantissa := int(u & 0x0F)
		sample := ((mantissa << 3) + 0x84) << exponent
		sample -= 0x84
		if u&0x80 != 0 {
			sample = -sample
		}
		t[i] = int16(sample)
	}
	return t
}

// DecodeULaw returns the linear value of a single mu-law byte.
func DecodeULaw(b byte) int16 { return ulawTable[b] }

// MeanAbsAmplitude returns the mean absolute linear amplitude of frame.
// An empty frame (or a PCM frame shorter than one sample) has amplitude 0.
func MeanAbsAmplitude(frame []byte, enc Encoding) float64 {
	switch enc {
	case EncodingPCM16LE:
		n := len(frame) / 2
		if n == 0 {
			return 0
		}
		var sum float64
		for i := 0; i < n; i++ {
			v := int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2]))
			sum += abs(float64(v))
		}
		return sum / float64(n)
	default:
		if len(frame) == 0 {
			return 0
		}
		var sum float64
		for _, b := range frame {
			sum += abs(float64(ulawTable[b]))
		}
		return sum / float64(len(frame))
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

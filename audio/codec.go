// Package audio converts between the telephony μ-law encoding and linear PCM.
//
// PCM buffers are signed 16-bit little-endian mono samples held in byte
// slices, which is the format STT and TTS vendors exchange over HTTP.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	mulawBias = 0x84
	mulawClip = 32635

	// MulawSilenceByte is the μ-law code for a zero sample.
	MulawSilenceByte = 0xFF
)

var mulawTable [256]int16

func init() {
	for i := range mulawTable {
		mulawTable[i] = mulawToLinear(byte(i))
	}
}

func mulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + mulawBias
	value <<= uint(exp)
	value -= mulawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

func linearToMulaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exp := 7
	for mask := 0x4000; s&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := (s >> (exp + 3)) & 0x0F
	return ^byte(sign | exp<<4 | mant)
}

// DecodeMulaw expands μ-law bytes into PCM16.
func DecodeMulaw(data []byte) []byte {
	pcm := make([]byte, len(data)*2)
	for i, b := range data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(mulawTable[b]))
	}
	return pcm
}

// EncodeMulaw compresses PCM16 into μ-law bytes. A trailing odd byte is ignored.
func EncodeMulaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = linearToMulaw(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// Samples unpacks PCM16 bytes.
func Samples(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// FromSamples packs samples into PCM16 bytes.
func FromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Resample converts mono PCM16 between sample rates using linear
// interpolation. The output holds round(n*toRate/fromRate) samples.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return pcm
	}

	in := Samples(pcm)
	if len(in) == 0 {
		return []byte{}
	}

	ratio := float64(toRate) / float64(fromRate)
	outLen := int(math.Round(float64(len(in)) * ratio))
	out := make([]int16, outLen)
	last := len(in) - 1

	for i := range out {
		pos := float64(i) / ratio
		idx := int(pos)
		frac := pos - float64(idx)
		if idx >= last {
			out[i] = in[last]
			continue
		}
		out[i] = int16(math.Round(float64(in[idx])*(1-frac) + float64(in[idx+1])*frac))
	}
	return FromSamples(out)
}

// RMS returns the root-mean-square energy of a PCM16 buffer.
func RMS(pcm []byte) int {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return int(math.Sqrt(sum / float64(n)))
}

// IsSpeech is a cheap energy classifier: RMS strictly above threshold.
func IsSpeech(pcm []byte, threshold int) bool {
	return RMS(pcm) > threshold
}

// Silence returns d worth of zeroed PCM16 at the given rate.
func Silence(d time.Duration, rate int) []byte {
	return make([]byte, sampleCount(d, rate)*2)
}

// MulawSilence returns d worth of μ-law silence at 8kHz.
func MulawSilence(d time.Duration) []byte {
	out := make([]byte, sampleCount(d, 8000))
	for i := range out {
		out[i] = MulawSilenceByte
	}
	return out
}

// Duration reports how long a PCM16 buffer plays at rate.
func Duration(pcm []byte, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(len(pcm)/2) * time.Second / time.Duration(rate)
}

func sampleCount(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}

package audio

import (
	"encoding/binary"
	"time"
)

// FrameDuration is the slice of audio carried by one outbound media message.
const FrameDuration = 20 * time.Millisecond

// FrameBytes is the size of a μ-law frame of length d at rate (one byte per sample).
func FrameBytes(d time.Duration, rate int) int {
	return sampleCount(d, rate)
}

// Frames splits μ-law audio into fixed-size frames. The last frame is padded
// with μ-law silence so every frame covers the same duration.
func Frames(mulaw []byte, size int) [][]byte {
	if size <= 0 || len(mulaw) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(mulaw)+size-1)/size)
	for off := 0; off < len(mulaw); off += size {
		end := off + size
		if end <= len(mulaw) {
			frames = append(frames, mulaw[off:end])
			continue
		}
		frame := make([]byte, size)
		n := copy(frame, mulaw[off:])
		for i := n; i < size; i++ {
			frame[i] = MulawSilenceByte
		}
		frames = append(frames, frame)
	}
	return frames
}

// WAV wraps mono PCM16 in a RIFF/WAVE container.
func WAV(pcm []byte, rate int) []byte {
	out := make([]byte, 44+len(pcm))
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:], 1) // mono
	binary.LittleEndian.PutUint32(out[24:], uint32(rate))
	binary.LittleEndian.PutUint32(out[28:], uint32(rate*2))
	binary.LittleEndian.PutUint16(out[32:], 2)
	binary.LittleEndian.PutUint16(out[34:], 16)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}

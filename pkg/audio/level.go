package audio

import (
	"encoding/binary"
	"math"
)

// fullScale is the magnitude of the largest 16-bit sample.
const fullScale = 32768.0

// RMS returns the root-mean-square amplitude of 16-bit little-endian PCM.
// Returns 0 for buffers shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// LevelDB converts the RMS of pcm to dBFS, clamped to [SilenceFloorDB, 0].
func LevelDB(pcm []byte) float64 {
	rms := RMS(pcm)
	if rms <= 0 {
		return SilenceFloorDB
	}
	db := 20 * math.Log10(rms/fullScale)
	return max(SilenceFloorDB, min(0, db))
}

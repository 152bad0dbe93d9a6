package audio

import "time"

// Default capture format expected by the speech-to-text endpoint.
const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
	DefaultBitDepth   = 16
)

// SilenceFloorDB is the level reported for digital silence.
const SilenceFloorDB = -160.0

// Format describes a PCM stream layout.
type Format struct {
	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono.
	Channels int

	// BitDepth per sample. Only 16 is supported by the encoders in this package.
	BitDepth int
}

// BytesPerSecond returns the byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

// ChunkSize returns the number of bytes covering d, rounded down to a whole
// sample frame.
func (f Format) ChunkSize(d time.Duration) int {
	frame := f.Channels * f.BitDepth / 8
	if frame <= 0 {
		return 0
	}
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	return n - n%frame
}

// Options configures a single capture.
type Options struct {
	Format

	// Metering enables level readings in [Status].
	Metering bool

	// Dir is the directory the finished recording is written to. Empty means
	// the OS temp directory.
	Dir string
}

// DefaultOptions returns mono 16 kHz 16-bit capture with metering enabled.
func DefaultOptions() Options {
	return Options{
		Format: Format{
			SampleRate: DefaultSampleRate,
			Channels:   DefaultChannels,
			BitDepth:   DefaultBitDepth,
		},
		Metering: true,
	}
}

// Status is a point-in-time snapshot of a capture.
type Status struct {
	// Recording is false once the capture has stopped, for any reason.
	Recording bool

	// Metered reports whether LevelDB holds a reading. Some platforms only
	// deliver levels intermittently.
	Metered bool

	// LevelDB is the most recent input level in dBFS (0 is full scale).
	LevelDB float64

	// Duration is the amount of audio captured so far.
	Duration time.Duration
}

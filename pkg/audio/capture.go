// Package audio defines the microphone capture abstraction used by the voice
// engine, together with the PCM helpers its implementations share: WAV
// encoding and level metering.
//
// The two abstractions are:
//
//   - [Recorder] starts a capture and returns a [Recording].
//   - [Recording] reports live [Status] (including the input level used for
//     voice activity detection) and, when stopped, yields the location of the
//     finished WAV file.
//
// Implementations live in sub-packages (audio/pcmpipe for an external capture
// command, audio/mock for tests). The interfaces live under pkg/ because host
// applications are expected to provide their own platform recorders.
package audio

import (
	"context"
	"errors"
)

// ErrNotRecording is returned by operations that need a live capture.
var ErrNotRecording = errors.New("audio: not recording")

// Recorder opens microphone captures.
//
// Implementations must be safe for concurrent use, although the engine never
// holds more than one [Recording] at a time.
type Recorder interface {
	// Start begins capturing with opts. The returned Recording is live until
	// Stop is called or the platform ends it.
	Start(ctx context.Context, opts Options) (Recording, error)
}

// Recording is a single live capture.
type Recording interface {
	// Status returns the current capture status. An error means the platform
	// could not be queried; callers treat that as a hardware failure.
	Status(ctx context.Context) (Status, error)

	// Stop ends the capture and returns the URI of the finished recording
	// (a file path). Calling Stop more than once returns [ErrNotRecording].
	Stop(ctx context.Context) (uri string, err error)

	// Discard ends the capture and removes its output file, finished or not.
	Discard(ctx context.Context) error
}

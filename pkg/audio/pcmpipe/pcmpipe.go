// Package pcmpipe implements [audio.Recorder] on top of an external capture
// command that writes raw signed 16-bit little-endian PCM to stdout (ffmpeg,
// arecord, parec, ...).
//
// Each capture reads the stream in 100 ms chunks, meters the level of every
// chunk, and appends it to a WAV file that is finalised on Stop.
package pcmpipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/voicedesk/pkg/audio"
)

// chunkDuration is the metering granularity.
const chunkDuration = 100 * time.Millisecond

// Source opens a raw PCM stream in the requested format. Closing the stream
// must release the device.
type Source func(ctx context.Context, f audio.Format) (io.ReadCloser, error)

// Recorder starts captures from a [Source].
type Recorder struct {
	source Source
}

var _ audio.Recorder = (*Recorder)(nil)

// Option is a functional option for [New].
type Option func(*Recorder)

// WithCommand captures from name with the given arguments. The command must
// write PCM in the format requested from Start.
func WithCommand(name string, args ...string) Option {
	return func(r *Recorder) {
		r.source = commandSource(name, func(audio.Format) []string { return args })
	}
}

// WithSource replaces the capture source entirely.
func WithSource(s Source) Option {
	return func(r *Recorder) { r.source = s }
}

// New returns a Recorder. Without options it runs ffmpeg against the default
// input device of the host platform.
func New(opts ...Option) *Recorder {
	r := &Recorder{source: commandSource("ffmpeg", ffmpegArgs)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ffmpegArgs builds ffmpeg arguments for the current OS.
func ffmpegArgs(f audio.Format) []string {
	input := []string{"-f", "pulse", "-i", "default"}
	if runtime.GOOS == "darwin" {
		input = []string{"-f", "avfoundation", "-i", ":0"}
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	return append(args,
		"-ac", strconv.Itoa(f.Channels),
		"-ar", strconv.Itoa(f.SampleRate),
		"-f", "s16le", "-",
	)
}

// commandSource runs name and streams its stdout. The process is not tied to
// the Start context so a capture outlives the request that opened it.
func commandSource(name string, args func(audio.Format) []string) Source {
	return func(_ context.Context, f audio.Format) (io.ReadCloser, error) {
		if _, err := exec.LookPath(name); err != nil {
			return nil, fmt.Errorf("pcmpipe: capture command %q not found: %w", name, err)
		}
		cmd := exec.Command(name, args(f)...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("pcmpipe: open stdout: %w", err)
		}
		cmd.Stderr = io.Discard
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("pcmpipe: start %s: %w", name, err)
		}
		return &process{cmd: cmd, stdout: stdout}, nil
	}
}

type process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	once   sync.Once
}

func (p *process) Read(b []byte) (int, error) { return p.stdout.Read(b) }

func (p *process) Close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}

// Start opens the source and begins writing a WAV file in opts.Dir.
func (r *Recorder) Start(ctx context.Context, opts audio.Options) (audio.Recording, error) {
	if opts.BitDepth != 16 {
		return nil, fmt.Errorf("pcmpipe: unsupported bit depth %d", opts.BitDepth)
	}
	f, err := os.CreateTemp(opts.Dir, "utterance-*.wav")
	if err != nil {
		return nil, fmt.Errorf("pcmpipe: create output: %w", err)
	}
	ww, err := audio.NewWAVWriter(f, opts.Format)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	src, err := r.source(ctx, opts.Format)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}

	rec := &recording{
		opts: opts,
		src:  src,
		file: f,
		wav:  ww,
		done: make(chan struct{}),
	}
	go rec.pump()
	return rec, nil
}

type recording struct {
	opts audio.Options
	src  io.ReadCloser
	file *os.File
	wav  *audio.WAVWriter
	done chan struct{}

	mu       sync.Mutex
	level    float64
	metered  bool
	bytes    int
	readErr  error
	stopping bool
	finished bool
}

// pump copies chunks from the source into the WAV file until the source ends.
func (r *recording) pump() {
	defer close(r.done)
	buf := make([]byte, r.opts.ChunkSize(chunkDuration))
	for {
		n, err := io.ReadFull(r.src, buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := r.wav.Write(chunk); werr != nil {
				err = werr
			}
			r.mu.Lock()
			r.bytes += n
			if r.opts.Metering {
				r.level = audio.LevelDB(chunk)
				r.metered = true
			}
			r.mu.Unlock()
		}
		if err != nil {
			r.mu.Lock()
			if !r.stopping && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				r.readErr = err
			}
			r.finished = true
			r.mu.Unlock()
			return
		}
	}
}

func (r *recording) Status(_ context.Context) (audio.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readErr != nil {
		return audio.Status{}, fmt.Errorf("pcmpipe: capture failed: %w", r.readErr)
	}
	bps := r.opts.BytesPerSecond()
	var d time.Duration
	if bps > 0 {
		d = time.Duration(int64(r.bytes) * int64(time.Second) / int64(bps))
	}
	return audio.Status{
		Recording: !r.finished && !r.stopping,
		Metered:   r.metered,
		LevelDB:   r.level,
		Duration:  d,
	}, nil
}

// halt closes the source and waits for the pump to drain. It reports false
// if the recording was already stopped.
func (r *recording) halt() bool {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return false
	}
	r.stopping = true
	r.mu.Unlock()

	if err := r.src.Close(); err != nil {
		slog.Debug("pcmpipe: close source", "err", err)
	}
	<-r.done
	return true
}

func (r *recording) Stop(_ context.Context) (string, error) {
	if !r.halt() {
		return "", audio.ErrNotRecording
	}
	path := r.file.Name()
	if err := r.wav.Close(); err != nil {
		r.file.Close()
		return "", err
	}
	if err := r.file.Close(); err != nil {
		return "", fmt.Errorf("pcmpipe: close output: %w", err)
	}
	return path, nil
}

func (r *recording) Discard(_ context.Context) error {
	if r.halt() {
		r.file.Close()
	}
	if err := os.Remove(r.file.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("pcmpipe: remove output: %w", err)
	}
	return nil
}

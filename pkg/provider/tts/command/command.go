// Package command implements [tts.Player] by handing each clip to an external
// audio player (ffplay, aplay, afplay, ...).
package command

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/MrWong99/voicedesk/pkg/provider/tts"
)

// Player writes each clip to a temporary file and runs the configured
// command with the file path as its last argument.
type Player struct {
	name string
	args []string
	dir  string
}

var _ tts.Player = (*Player)(nil)

// Option is a functional option for [New].
type Option func(*Player)

// WithCommand sets the player binary and leading arguments.
func WithCommand(name string, args ...string) Option {
	return func(p *Player) {
		p.name = name
		p.args = args
	}
}

// WithTempDir sets where clips are staged before playback.
func WithTempDir(dir string) Option {
	return func(p *Player) { p.dir = dir }
}

// New returns a Player. The default command is ffplay on Linux and afplay on
// macOS.
func New(opts ...Option) *Player {
	p := &Player{name: "ffplay", args: []string{"-nodisp", "-autoexit", "-loglevel", "error"}}
	if runtime.GOOS == "darwin" {
		p.name, p.args = "afplay", nil
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns the player binary, used to label fallbacks.
func (p *Player) Name() string { return p.name }

// Play stages clip and blocks until the player process exits. Cancelling ctx
// kills the process.
func (p *Player) Play(ctx context.Context, clip []byte) error {
	if len(clip) == 0 {
		return tts.ErrEmptyClip
	}
	f, err := os.CreateTemp(p.dir, "reply-*")
	if err != nil {
		return fmt.Errorf("command: stage clip: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(clip); err != nil {
		f.Close()
		return fmt.Errorf("command: stage clip: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("command: stage clip: %w", err)
	}

	args := append(append([]string(nil), p.args...), f.Name())
	cmd := exec.CommandContext(ctx, p.name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("command: %s: %w (%s)", p.name, err, out)
	}
	return nil
}

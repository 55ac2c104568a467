package speech

import (
	"context"
	"os/exec"
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// NoopSpeaker discards text.
type NoopSpeaker struct{}

func (NoopSpeaker) Speak(context.Context, string) error {
	return nil
}

// CommandSpeaker speaks through a local text-to-speech program such as
// espeak or say. The process is killed when the utterance is cancelled.
type CommandSpeaker struct {
	Program string
	Voice   string
}

// DefaultProgram returns the text-to-speech program usually available on
// the current platform.
func DefaultProgram() string {
	if runtime.GOOS == "darwin" {
		return "say"
	}
	return "espeak"
}

// NewSpeaker resolves a configured program name. "none" and "" disable speech.
func NewSpeaker(program, voice string) (Speaker, error) {
	switch program {
	case "", "none":
		return NoopSpeaker{}, nil
	case "auto":
		program = DefaultProgram()
	}
	if _, err := exec.LookPath(program); err != nil {
		return nil, errors.Wrapf(err, "speech: %s not found", program)
	}
	return &CommandSpeaker{Program: program, Voice: voice}, nil
}

func (s *CommandSpeaker) Speak(ctx context.Context, text string) error {
	cmd := exec.CommandContext(ctx, s.Program, s.args(text)...)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(err, "speech: %s", s.Program)
	}
	return nil
}

func (s *CommandSpeaker) args(text string) []string {
	var args []string
	if s.Voice != "" {
		args = append(args, "-v", s.Voice)
	}
	if s.Program == "say" {
		return append(args, "--", text)
	}
	return append(args, text)
}

// RecordingSpeaker records requested texts and holds each utterance open until
// it is cancelled or released with Finish.
type RecordingSpeaker struct {
	mu       sync.Mutex
	texts    []string
	finish   chan struct{}
	canceled int
}

func NewRecordingSpeaker() *RecordingSpeaker {
	return &RecordingSpeaker{finish: make(chan struct{}, 16)}
}

func (r *RecordingSpeaker) Speak(ctx context.Context, text string) error {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	select {
	case <-r.finish:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		r.canceled++
		r.mu.Unlock()
		return ctx.Err()
	}
}

// Finish lets the oldest pending utterance end naturally.
func (r *RecordingSpeaker) Finish() {
	r.finish <- struct{}{}
}

func (r *RecordingSpeaker) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func (r *RecordingSpeaker) Canceled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

package tts

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput reports a missing or empty text payload.
	ErrInvalidInput = errors.New("text required")
	// ErrMisconfigured reports that required synthesizer paths are not set.
	ErrMisconfigured = errors.New("synthesizer not configured")
	// ErrSynthesisFailed reports a launch failure or a non-zero exit.
	ErrSynthesisFailed = errors.New("synthesis failed")
)

// SynthesisError describes a failed synthesizer run. ExitCode is -1 when the
// process never started or was killed by a signal.
type SynthesisError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *SynthesisError) Error() string {
	if e.ExitCode >= 0 {
		msg := fmt.Sprintf("piper exited %d", e.ExitCode)
		if e.Stderr != "" {
			msg += ": " + e.Stderr
		}
		return msg
	}
	if e.Stderr != "" {
		return fmt.Sprintf("piper failed: %v: %s", e.Err, e.Stderr)
	}
	return fmt.Sprintf("piper failed: %v", e.Err)
}

func (e *SynthesisError) Unwrap() []error {
	return []error{ErrSynthesisFailed, e.Err}
}

package orchestration

import (
	"errors"
	"fmt"
)

// ErrCaptureUnavailable is returned when a capture session cannot start
// because no usable microphone is configured or the device refused to open.
// It is fatal to the session being started and is never retried internally.
var ErrCaptureUnavailable = errors.New("audio capture unavailable: no microphone access")

// SynthesisError reports a failed fetch or decode for a single speakable
// unit. It is logged and the unit is skipped; it never aborts the delivery
// chain.
type SynthesisError struct {
	Seq int
	Err error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis failed for unit %d: %v", e.Seq, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Package callerr defines the error taxonomy shared by the streaming core.
//
// Every error raised while processing one call stays contained to that call.
// Only *LoadError is treated as process-fatal.
package callerr

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned for asset and session lookup misses.
var ErrNotFound = errors.New("not found")

// LoadError reports a failed audio library load. The library fails closed.
type LoadError struct {
	Asset string
	Path  string
	Err   error
}

func (e *LoadError) Error() string {
	switch {
	case e.Asset != "" && e.Path != "":
		return fmt.Sprintf("load asset %q (%s): %v", e.Asset, e.Path, e.Err)
	case e.Asset != "":
		return fmt.Sprintf("load asset %q: %v", e.Asset, e.Err)
	default:
		return fmt.Sprintf("load library: %v", e.Err)
	}
}

func (e *LoadError) Unwrap() error { return e.Err }

// TranscodeError reports compressed audio that could not be mapped cleanly
// onto the native sample format.
type TranscodeError struct {
	Reason string
	Err    error
}

func (e *TranscodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transcode: %s: %v", e.Reason, e.Err)
	}
	return "transcode: " + e.Reason
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// SynthesisError reports a TTS collaborator failure.
type SynthesisError struct {
	Provider string
	Err      error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis (%s): %v", e.Provider, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// TimeoutError reports a collaborator call that exceeded its bound.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// DuplicateSessionError is returned when a call id is already registered.
type DuplicateSessionError struct {
	ID string
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("session %q already exists", e.ID)
}

// TransportError is terminal for the affected call only.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is, or wraps, a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsDuplicate reports whether err is, or wraps, a *DuplicateSessionError.
func IsDuplicate(err error) bool {
	var de *DuplicateSessionError
	return errors.As(err, &de)
}

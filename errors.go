package main

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when a rasterize is already in flight.
	ErrBusy = errors.New("crop session is busy")
	// ErrNotReady is returned when an event is not valid in the current state.
	ErrNotReady = errors.New("crop session is not ready")
	// ErrSessionNotFound is returned by the session registry for unknown ids.
	ErrSessionNotFound = errors.New("crop session not found")
)

// ImageDecodeError means the source could not be fetched or decoded.
type ImageDecodeError struct {
	Source string
	Err    error
}

func (e *ImageDecodeError) Error() string {
	return fmt.Sprintf("failed to decode image %s: %v", e.Source, e.Err)
}

func (e *ImageDecodeError) Unwrap() error { return e.Err }

// SurfaceUnavailableError means the output surface could not be created.
type SurfaceUnavailableError struct {
	Size int
	Err  error
}

func (e *SurfaceUnavailableError) Error() string {
	return fmt.Sprintf("output surface %dx%d unavailable: %v", e.Size, e.Size, e.Err)
}

func (e *SurfaceUnavailableError) Unwrap() error { return e.Err }

type EncodeError struct {
	Format string
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("failed to encode %s: %v", e.Format, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// shortSource keeps data URLs out of log lines and error messages.
func shortSource(src string) string {
	const limit = 64
	if len(src) <= limit {
		return fmt.Sprintf("%q", src)
	}
	return fmt.Sprintf("%q...(%d bytes)", src[:limit], len(src))
}

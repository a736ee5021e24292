package proc

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateQueue   = errors.New("track is already playing or queued")
	ErrInvalidPosition  = errors.New("queue position out of range")
	ErrVoiceUnavailable = errors.New("voice channel unavailable")
	ErrQueueTooShort    = errors.New("queue needs at least two tracks")
	ErrNothingPlaying   = errors.New("nothing is playing")
	ErrSessionClosed    = errors.New("session closed")
	ErrNoResults        = errors.New("no results")
	ErrTimeInPast       = errors.New("time is in the past")
)

// AcquisitionKind classifies why a track could not be fetched.
type AcquisitionKind int

const (
	KindNetwork AcquisitionKind = iota
	KindExtraction
	KindTranscode
	KindTimeout
	KindCacheWrite
)

func (k AcquisitionKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindExtraction:
		return "extraction"
	case KindTranscode:
		return "transcode"
	case KindTimeout:
		return "timeout"
	case KindCacheWrite:
		return "cache write"
	default:
		return "unknown"
	}
}

type AcquisitionError struct {
	Kind       AcquisitionKind
	Identifier string
	Err        error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %s: %v", e.Identifier, e.Kind, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// PlaybackError is reported when the transport fails mid-track.
type PlaybackError struct {
	Err error
}

func (e *PlaybackError) Error() string { return "playback: " + e.Err.Error() }

func (e *PlaybackError) Unwrap() error { return e.Err }

// CacheWriteError means the cache directory rejected a write, usually for lack of space.
type CacheWriteError struct {
	Path string
	Err  error
}

func (e *CacheWriteError) Error() string {
	return fmt.Sprintf("cache write %s: %v", e.Path, e.Err)
}

func (e *CacheWriteError) Unwrap() error { return e.Err }

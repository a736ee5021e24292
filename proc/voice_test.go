package proc

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
)

// drain reads frames the way the voice connection does, until the provider
// reports the end of the stream.
func drain(t *testing.T, p *streamProvider) int {
	t.Helper()
	frames := 0
	for range 1000 {
		f, err := p.ProvideOpusFrame()
		if errors.Is(err, io.EOF) {
			return frames
		}
		if f != nil {
			frames++
		}
	}
	t.Fatal("stream never ended")
	return frames
}

func TestStreamProviderPlaysOutBufferedFrames(t *testing.T) {
	for track := range 20 {
		ctx, cancel := context.WithCancel(context.Background())
		var paused atomic.Bool
		var completions atomic.Int32
		p := newStreamProvider(ctx, &paused, func(error) { completions.Add(1) })

		for i := range 50 {
			p.push([]byte{byte(i)})
		}
		p.push(nil)
		cancel()

		if got := drain(t, p); got != 50 {
			t.Errorf("track %d: expected 50 frames, got %d", track, got)
		}
		if n := completions.Load(); n != 1 {
			t.Errorf("track %d: expected one completion, got %d", track, n)
		}
	}
}

func TestStreamProviderStopEndsEmptyStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var paused atomic.Bool
	var completions atomic.Int32
	p := newStreamProvider(ctx, &paused, func(err error) {
		if err != nil {
			t.Errorf("expected a clean stop, got %v", err)
		}
		completions.Add(1)
	})

	cancel()
	if got := drain(t, p); got != 0 {
		t.Errorf("expected no frames, got %d", got)
	}
	p.Close()
	if n := completions.Load(); n != 1 {
		t.Errorf("expected one completion, got %d", n)
	}
}

func TestStreamProviderReportsTranscodeError(t *testing.T) {
	var paused atomic.Bool
	var got error
	p := newStreamProvider(context.Background(), &paused, func(err error) { got = err })

	p.push([]byte{1})
	p.err = &PlaybackError{Err: errors.New("corrupt stream")}
	p.push(nil)

	if n := drain(t, p); n != 1 {
		t.Errorf("expected 1 frame, got %d", n)
	}
	var pe *PlaybackError
	if !errors.As(got, &pe) {
		t.Errorf("expected a PlaybackError, got %v", got)
	}
}

func TestStreamProviderWaitsWhilePaused(t *testing.T) {
	var paused atomic.Bool
	paused.Store(true)
	p := newStreamProvider(context.Background(), &paused, nil)
	p.push([]byte{1})

	if f, err := p.ProvideOpusFrame(); f != nil || err != nil {
		t.Errorf("expected silence while paused, got %v %v", f, err)
	}
	paused.Store(false)
	if f, err := p.ProvideOpusFrame(); len(f) != 1 || err != nil {
		t.Errorf("expected the buffered frame after resume, got %v %v", f, err)
	}
}

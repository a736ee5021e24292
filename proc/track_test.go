package proc

import (
	"testing"
	"time"
)

func TestYoutubeID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ?si=abc", "dQw4w9WgXcQ"},
		{"https://youtube.com/shorts/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/embed/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://music.youtube.com/watch?v=dQw4w9WgXcQ&list=RD", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/watch?v=short", ""},
		{"https://soundcloud.com/artist/song", ""},
		{"never gonna give you up", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := youtubeID(tt.in); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestTrackKey(t *testing.T) {
	if got := trackKey("https://youtu.be/dQw4w9WgXcQ"); got != "dQw4w9WgXcQ" {
		t.Errorf("expected the video id as key, got %q", got)
	}
	a := trackKey("https://soundcloud.com/artist/song")
	b := trackKey(" https://soundcloud.com/artist/song ")
	if a != b || len(a) != 24 {
		t.Errorf("expected a stable 24 char hash, got %q and %q", a, b)
	}
	if a == trackKey("https://soundcloud.com/artist/other") {
		t.Error("different links share a key")
	}
}

func TestIsURL(t *testing.T) {
	for in, want := range map[string]bool{
		"https://example.com/x": true,
		"http://example.com":    true,
		"ftp://example.com":     false,
		"example.com":           false,
		"lofi hip hop":          false,
	} {
		if got := isURL(in); got != want {
			t.Errorf("isURL(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestElapsedExcludesPauses(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &CurrentTrack{StartedAt: start}

	if got := c.Elapsed(start.Add(10 * time.Second)); got != 10*time.Second {
		t.Errorf("expected 10s, got %v", got)
	}

	c.LastPause = start.Add(10 * time.Second)
	if !c.Paused() {
		t.Fatal("expected paused")
	}
	if got := c.Elapsed(start.Add(25 * time.Second)); got != 10*time.Second {
		t.Errorf("expected elapsed frozen at 10s while paused, got %v", got)
	}

	c.TotalPaused, c.LastPause = 30*time.Second, time.Time{}
	if got := c.Elapsed(start.Add(45 * time.Second)); got != 15*time.Second {
		t.Errorf("expected 15s, got %v", got)
	}
	if got := c.Elapsed(start); got != 0 {
		t.Errorf("expected elapsed clamped at zero, got %v", got)
	}
}

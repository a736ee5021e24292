package proc

import (
	"errors"
	"math/rand/v2"
	"sort"
	"testing"
	"time"
)

func tracks(ids ...string) []QueuedTrack {
	out := make([]QueuedTrack, len(ids))
	for i, id := range ids {
		out[i] = QueuedTrack{Identifier: id, Title: id}
	}
	return out
}

func identifiers(q []QueuedTrack) []string {
	out := make([]string, len(q))
	for i, t := range q {
		out[i] = t.Identifier
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRemoveAt(t *testing.T) {
	tests := []struct {
		name    string
		pos     int
		want    []string
		removed string
		wantErr error
	}{
		{name: "head", pos: 1, want: []string{"b", "c", "d"}, removed: "a"},
		{name: "middle", pos: 3, want: []string{"a", "b", "d"}, removed: "c"},
		{name: "tail", pos: 4, want: []string{"a", "b", "c"}, removed: "d"},
		{name: "zero", pos: 0, want: []string{"a", "b", "c", "d"}, wantErr: ErrInvalidPosition},
		{name: "past the end", pos: 5, want: []string{"a", "b", "c", "d"}, wantErr: ErrInvalidPosition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tracks("a", "b", "c", "d")
			got, removed, err := removeAt(q, tt.pos)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if !equalStrings(identifiers(got), tt.want) {
				t.Errorf("expected %v, got %v", tt.want, identifiers(got))
			}
			if removed.Identifier != tt.removed {
				t.Errorf("expected %q removed, got %q", tt.removed, removed.Identifier)
			}
			// The input is left alone
			if !equalStrings(identifiers(q), []string{"a", "b", "c", "d"}) {
				t.Errorf("input modified: %v", identifiers(q))
			}
		})
	}
}

func TestShuffleKeepsTracks(t *testing.T) {
	q := tracks("a", "b", "c", "d", "e", "f")
	r := rand.New(rand.NewPCG(1, 2))
	if err := shuffleTracks(q, r); err != nil {
		t.Fatalf("shuffle: %v", err)
	}
	got := identifiers(q)
	sort.Strings(got)
	if !equalStrings(got, []string{"a", "b", "c", "d", "e", "f"}) {
		t.Errorf("shuffle changed the multiset: %v", got)
	}

	// Same seed, same order
	q2 := tracks("a", "b", "c", "d", "e", "f")
	if err := shuffleTracks(q2, rand.New(rand.NewPCG(1, 2))); err != nil {
		t.Fatalf("shuffle: %v", err)
	}
	if !equalStrings(identifiers(q), identifiers(q2)) {
		t.Errorf("expected a reproducible order, got %v and %v", identifiers(q), identifiers(q2))
	}
}

func TestShuffleTooShort(t *testing.T) {
	for _, q := range [][]QueuedTrack{nil, tracks("a")} {
		if err := shuffleTracks(q, nil); !errors.Is(err, ErrQueueTooShort) {
			t.Errorf("expected ErrQueueTooShort for %d tracks, got %v", len(q), err)
		}
	}
}

func TestPromote(t *testing.T) {
	got, moved, err := promote(tracks("a", "b", "c"), 3)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if moved.Identifier != "c" || !equalStrings(identifiers(got), []string{"c", "a", "b"}) {
		t.Errorf("unexpected result %v (moved %s)", identifiers(got), moved.Identifier)
	}
	if _, _, err := promote(tracks("a"), 2); !errors.Is(err, ErrInvalidPosition) {
		t.Errorf("expected ErrInvalidPosition, got %v", err)
	}
}

func TestQueueDuration(t *testing.T) {
	q := tracks("a", "b", "c")
	q[0].Duration = 2 * time.Minute
	q[2].Duration = 90 * time.Second

	total, unknown := queueDuration(q)
	if total != 210*time.Second || unknown != 1 {
		t.Errorf("expected 3m30s with one unknown, got %v and %d", total, unknown)
	}
}

func TestContainsTrackMatchesLinkForms(t *testing.T) {
	q := tracks("https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=42")
	for _, id := range []string{
		"https://youtu.be/dQw4w9WgXcQ",
		"https://music.youtube.com/watch?v=dQw4w9WgXcQ",
		"https://m.youtube.com/shorts/dQw4w9WgXcQ",
	} {
		if !containsTrack(q, id) {
			t.Errorf("expected %s to match", id)
		}
	}
	if containsTrack(q, "https://youtu.be/xxxxxxxxxxx") {
		t.Error("different video matched")
	}
}

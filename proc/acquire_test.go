package proc

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseMetadataLine(t *testing.T) {
	out := "dQw4w9WgXcQ\tNever Gonna Give You Up\tRick Astley\t212\tNA\thttps://www.youtube.com/watch?v=dQw4w9WgXcQ\n"
	md, ok := parseMetadataLine(out)
	if !ok {
		t.Fatal("expected a parsed line")
	}
	if md.Title != "Never Gonna Give You Up" || md.Uploader != "Rick Astley" {
		t.Errorf("unexpected metadata %+v", md)
	}
	if md.Duration != 212*time.Second {
		t.Errorf("expected 212s, got %v", md.Duration)
	}
	if md.Thumbnail != thumbnailFor("dQw4w9WgXcQ") {
		t.Errorf("expected a derived thumbnail, got %q", md.Thumbnail)
	}

	live, ok := parseMetadataLine("abcdefghijk\tStream\tNA\tNA\thttps://i.example/t.jpg\tNA")
	if !ok {
		t.Fatal("expected a parsed line")
	}
	if live.Duration != 0 || live.Uploader != "" || live.URL != "" {
		t.Errorf("expected NA fields blank, got %+v", live)
	}

	if _, ok := parseMetadataLine("garbage"); ok {
		t.Error("expected garbage rejected")
	}
}

func TestParseSearchLines(t *testing.T) {
	out := "https://www.youtube.com/watch?v=aaaaaaaaaaa\tFirst\tUploader\t61.0\taaaaaaaaaaa\n" +
		"NA\tBroken\tX\t1\tx\n" +
		"https://www.youtube.com/watch?v=bbbbbbbbbbb\tSecond\tNA\tNA\tbbbbbbbbbbb\n"

	got := parseSearchLines(out)
	if len(got) != 2 {
		t.Fatalf("expected two results, got %d", len(got))
	}
	if got[0].Title != "First" || got[0].Duration != 61*time.Second {
		t.Errorf("unexpected first result %+v", got[0])
	}
	if got[1].Uploader != "" || got[1].Duration != 0 {
		t.Errorf("expected NA fields blank, got %+v", got[1])
	}
	if got[1].Thumbnail != thumbnailFor("bbbbbbbbbbb") {
		t.Errorf("unexpected thumbnail %q", got[1].Thumbnail)
	}
}

func TestClassifyYtdlp(t *testing.T) {
	base := errors.New("exit status 1")
	tests := []struct {
		name     string
		err      error
		stderr   string
		wantKind AcquisitionKind
	}{
		{name: "private video", err: base, stderr: "ERROR: [youtube] x: Private video", wantKind: KindExtraction},
		{name: "unsupported", err: base, stderr: "ERROR: Unsupported URL: https://x", wantKind: KindExtraction},
		{name: "deadline", err: context.DeadlineExceeded, wantKind: KindTimeout},
		{name: "connection", err: base, stderr: "ERROR: unable to download webpage: connection reset", wantKind: KindNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ae *AcquisitionError
			if !errors.As(classifyYtdlp("id", tt.err, tt.stderr), &ae) {
				t.Fatal("expected AcquisitionError")
			}
			if ae.Kind != tt.wantKind {
				t.Errorf("expected %s, got %s", tt.wantKind, ae.Kind)
			}
		})
	}

	var cw *CacheWriteError
	if !errors.As(classifyYtdlp("id", base, "OSError: [Errno 28] No space left on device"), &cw) {
		t.Error("expected a full disk reported as a cache write failure")
	}
}

func TestLastLine(t *testing.T) {
	if got := lastLine("WARNING: a\nERROR: b\n"); got != "ERROR: b" {
		t.Errorf("expected the last line, got %q", got)
	}
}

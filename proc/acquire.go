package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/leeineian/thienlam/sys"
	"github.com/lrstanley/go-ytdlp"
)

// ProgressFunc receives download progress in bytes. total is zero when unknown.
type ProgressFunc func(downloaded, total int64)

// Acquirer fetches one track into dest and reports its metadata.
type Acquirer interface {
	Acquire(ctx context.Context, identifier, dest string, progress ProgressFunc) (TrackMetadata, error)
}

const audioFormat = "bestaudio[ext=webm]/bestaudio"

// YtdlpAcquirer downloads with yt-dlp and verifies the result decodes.
type YtdlpAcquirer struct {
	Proxy string
	// Skips the astiav playability check when false
	Verify bool
}

func (a *YtdlpAcquirer) command() *ytdlp.Command {
	cmd := ytdlp.New().
		NoWarnings().
		IgnoreConfig()
	if a.Proxy != "" {
		cmd.Proxy(a.Proxy)
	}
	return cmd
}

func (a *YtdlpAcquirer) Acquire(ctx context.Context, identifier, dest string, progress ProgressFunc) (TrackMetadata, error) {
	meta, err := a.metadata(ctx, identifier)
	if err != nil {
		return TrackMetadata{}, err
	}

	dl := a.command().
		Format(audioFormat).
		Output(dest).
		NoPart().
		NoPlaylist().
		ForceOverwrites()
	if progress != nil {
		dl.ProgressFunc(500*time.Millisecond, func(update ytdlp.ProgressUpdate) {
			progress(int64(update.DownloadedBytes), int64(update.TotalBytes))
		})
	}

	if err := a.downloadWithRetry(ctx, dl, identifier); err != nil {
		return meta, err
	}

	info, err := os.Stat(dest)
	if err != nil || info.Size() == 0 {
		return meta, &AcquisitionError{Kind: KindExtraction, Identifier: identifier, Err: errors.New("no media written")}
	}
	if a.Verify {
		if err := CheckAudio(dest); err != nil {
			return meta, &AcquisitionError{Kind: KindTranscode, Identifier: identifier, Err: err}
		}
	}
	return meta, nil
}

func (a *YtdlpAcquirer) downloadWithRetry(ctx context.Context, dl *ytdlp.Command, identifier string) error {
	var lastErr error
	for attempt := 0; attempt <= 1; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return classifyYtdlp(identifier, ctx.Err(), "")
			}
			sys.LogCache(sys.MsgCacheRetry, identifier)
		}

		res, err := dl.Run(ctx, identifier)
		if err == nil {
			return nil
		}
		stderr := ""
		if res != nil {
			stderr = res.Stderr
		}
		lastErr = classifyYtdlp(identifier, err, stderr)

		var ae *AcquisitionError
		if !errors.As(lastErr, &ae) || ae.Kind != KindNetwork || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// metadata reads track info without downloading.
func (a *YtdlpAcquirer) metadata(ctx context.Context, identifier string) (TrackMetadata, error) {
	res, err := a.command().
		Print("%(id)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(thumbnail)s\t%(webpage_url)s").
		Format(audioFormat).
		NoPlaylist().
		Run(ctx, "--skip-download", identifier)
	if err != nil {
		stderr := ""
		if res != nil {
			stderr = res.Stderr
		}
		return TrackMetadata{}, classifyYtdlp(identifier, err, stderr)
	}
	meta, ok := parseMetadataLine(res.Stdout)
	if !ok {
		return TrackMetadata{}, &AcquisitionError{Kind: KindExtraction, Identifier: identifier, Err: errors.New("unreadable metadata")}
	}
	if meta.URL == "" {
		meta.URL = identifier
	}
	return meta, nil
}

func parseMetadataLine(out string) (TrackMetadata, bool) {
	for _, l := range strings.Split(strings.TrimSpace(out), "\n") {
		ps := strings.Split(l, "\t")
		if len(ps) < 6 {
			continue
		}
		md := TrackMetadata{
			Title:     na(ps[1]),
			Uploader:  na(ps[2]),
			Thumbnail: na(ps[4]),
			URL:       na(ps[5]),
		}
		md.Duration, _ = time.ParseDuration(na(ps[3]) + "s")
		if md.Thumbnail == "" {
			md.Thumbnail = thumbnailFor(na(ps[0]))
		}
		return md, true
	}
	return TrackMetadata{}, false
}

// yt-dlp prints "NA" for missing fields
func na(s string) string {
	s = strings.TrimSpace(s)
	if s == "NA" {
		return ""
	}
	return s
}

var extractionHints = []string{
	"unsupported url",
	"video unavailable",
	"private video",
	"sign in to confirm",
	"drm",
	"unable to extract",
	"requested format is not available",
	"is not a valid url",
}

func classifyYtdlp(identifier string, err error, stderr string) error {
	msg := strings.ToLower(stderr + " " + err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &AcquisitionError{Kind: KindTimeout, Identifier: identifier, Err: err}
	case errors.Is(err, context.Canceled):
		return &AcquisitionError{Kind: KindNetwork, Identifier: identifier, Err: err}
	case strings.Contains(msg, "no space left"):
		return &CacheWriteError{Path: identifier, Err: err}
	}
	for _, hint := range extractionHints {
		if strings.Contains(msg, hint) {
			return &AcquisitionError{Kind: KindExtraction, Identifier: identifier, Err: fmt.Errorf("%w: %s", err, lastLine(stderr))}
		}
	}
	return &AcquisitionError{Kind: KindNetwork, Identifier: identifier, Err: err}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return sys.Truncate(s, 200)
}

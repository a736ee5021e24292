package proc

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/thienlam/sys"
)

// TrackMetadata describes a track as reported by search or extraction.
type TrackMetadata struct {
	URL       string        `json:"url"`
	Title     string        `json:"title"`
	Uploader  string        `json:"uploader,omitempty"`
	Thumbnail string        `json:"thumbnail,omitempty"`
	Duration  time.Duration `json:"duration"`
}

type QueuedTrack struct {
	Identifier  string
	Title       string
	Duration    time.Duration
	Thumbnail   string
	Uploader    string
	RequesterID snowflake.ID
	ChannelID   snowflake.ID
}

func trackFromMetadata(md TrackMetadata, requester, channel snowflake.ID) QueuedTrack {
	title := md.Title
	if title == "" {
		title = md.URL
	}
	return QueuedTrack{
		Identifier:  md.URL,
		Title:       title,
		Duration:    md.Duration,
		Thumbnail:   md.Thumbnail,
		Uploader:    md.Uploader,
		RequesterID: requester,
		ChannelID:   channel,
	}
}

// CurrentTrack is the runtime state of the track on air.
type CurrentTrack struct {
	Track     QueuedTrack
	Title     string
	Duration  time.Duration
	Thumbnail string

	StartedAt   time.Time
	TotalPaused time.Duration
	LastPause   time.Time

	// Unflushed rewards
	Exp      float64
	Currency int64

	accruedFor time.Duration
	profile    *sys.Profile
	entry      *CacheEntry
	flushed    bool
}

// Elapsed is the playing time so far, excluding every pause.
func (c *CurrentTrack) Elapsed(now time.Time) time.Duration {
	paused := c.TotalPaused
	if !c.LastPause.IsZero() {
		paused += now.Sub(c.LastPause)
	}
	e := now.Sub(c.StartedAt) - paused
	if e < 0 {
		return 0
	}
	return e
}

func (c *CurrentTrack) Paused() bool { return !c.LastPause.IsZero() }

// ===========================
// Identifiers
// ===========================

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// trackKey maps an identifier to a stable cache key. YouTube links share the
// video id as key whatever their form; anything else is hashed.
func trackKey(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if id := youtubeID(identifier); id != "" {
		return id
	}
	sum := sha256.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:12])
}

func youtubeID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	host = strings.TrimPrefix(host, "m.")

	var id string
	switch host {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com", "music.youtube.com":
		switch {
		case u.Path == "/watch":
			id = u.Query().Get("v")
		case strings.HasPrefix(u.Path, "/shorts/"), strings.HasPrefix(u.Path, "/embed/"), strings.HasPrefix(u.Path, "/live/"):
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			if len(parts) > 1 {
				id = parts[1]
			}
		}
	}
	if videoIDPattern.MatchString(id) {
		return id
	}
	return ""
}

func sameTrack(a, b string) bool {
	return a == b || trackKey(a) == trackKey(b)
}

func isURL(q string) bool {
	u, err := url.Parse(strings.TrimSpace(q))
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func thumbnailFor(videoID string) string {
	if videoID == "" {
		return ""
	}
	return "https://i.ytimg.com/vi/" + videoID + "/hqdefault.jpg"
}

package proc

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/leeineian/thienlam/sys"
	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
	"golang.org/x/sync/singleflight"
)

// Searcher turns a free text query into candidate tracks, best first.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]TrackMetadata, error)
	Suggest(ctx context.Context, query string) []TrackMetadata
}

type sourceFunc func(ctx context.Context, query string, limit int) ([]TrackMetadata, error)

type cachedSearch struct {
	results []TrackMetadata
	expires time.Time
}

// SearchResolver queries yt-dlp first and falls back to the YouTube Music and
// YouTube web searches. Results are cached for a short while.
type SearchResolver struct {
	primary   sourceFunc
	fallbacks []sourceFunc
	ttl       time.Duration
	now       func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cachedSearch
}

func NewSearchResolver(proxy string) *SearchResolver {
	return &SearchResolver{
		primary:   ytdlpSource(proxy),
		fallbacks: []sourceFunc{ytmusicSource, ytsearchSource},
		ttl:       10 * time.Minute,
		now:       time.Now,
		cache:     make(map[string]cachedSearch),
	}
}

func (r *SearchResolver) Search(ctx context.Context, query string, limit int) ([]TrackMetadata, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1
	}
	key := fmt.Sprintf("%d|%s", limit, strings.ToLower(query))

	r.mu.Lock()
	if c, ok := r.cache[key]; ok && r.now().Before(c.expires) {
		r.mu.Unlock()
		return slices.Clone(c.results), nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(key, func() (any, error) {
		results := r.lookup(ctx, query, limit)
		if len(results) > 0 {
			r.mu.Lock()
			r.cache[key] = cachedSearch{results: results, expires: r.now().Add(r.ttl)}
			r.mu.Unlock()
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	// Shared with the cache and other callers
	return slices.Clone(v.([]TrackMetadata)), nil
}

func (r *SearchResolver) lookup(ctx context.Context, query string, limit int) []TrackMetadata {
	if r.primary != nil {
		results, err := r.primary(ctx, query, limit)
		if err == nil && len(results) > 0 {
			return results
		}
		if err != nil {
			sys.LogSearch(sys.MsgSearchSourceFailed, "yt-dlp", err)
		}
	}
	for _, src := range r.fallbacks {
		if ctx.Err() != nil {
			return nil
		}
		results, err := src(ctx, query, limit)
		if err != nil {
			sys.LogSearch(sys.MsgSearchSourceFailed, "fallback", err)
			continue
		}
		if len(results) > 0 {
			return results
		}
	}
	return nil
}

// Suggest gathers quick suggestions for autocomplete from the fallback sources
// in parallel. Whatever arrives within the budget is returned.
func (r *SearchResolver) Suggest(ctx context.Context, query string) []TrackMetadata {
	query = strings.TrimSpace(query)
	if query == "" || len(r.fallbacks) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2300*time.Millisecond)
	defer cancel()

	batches := make([][]TrackMetadata, len(r.fallbacks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, src := range r.fallbacks {
		wg.Add(1)
		sys.SafeGo(func() {
			defer wg.Done()
			res, err := src(ctx, query, 25)
			if err != nil {
				return
			}
			mu.Lock()
			batches[i] = res
			mu.Unlock()
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	seen := make(map[string]bool)
	var out []TrackMetadata
	for _, batch := range batches {
		for _, md := range batch {
			k := trackKey(md.URL)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, md)
			if len(out) == 25 {
				return out
			}
		}
	}
	return out
}

// RunJanitor drops expired cache entries until ctx ends.
func (r *SearchResolver) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.prune(); n > 0 {
				sys.LogSearch(sys.MsgSearchJanitorPruned, n)
			}
		}
	}
}

func (r *SearchResolver) prune() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, c := range r.cache {
		if now.After(c.expires) {
			delete(r.cache, k)
			n++
		}
	}
	return n
}

// ===========================
// Sources
// ===========================

func ytdlpSource(proxy string) sourceFunc {
	return func(ctx context.Context, query string, limit int) ([]TrackMetadata, error) {
		cmd := ytdlp.New().
			FlatPlaylist().
			Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(id)s").
			PlaylistItems(fmt.Sprintf("1-%d", limit)).
			NoWarnings().
			IgnoreConfig()
		if proxy != "" {
			cmd.Proxy(proxy)
		}
		res, err := cmd.Run(ctx, fmt.Sprintf("ytsearch%d:%s", limit, query))
		if err != nil {
			return nil, err
		}
		return parseSearchLines(res.Stdout), nil
	}
}

func parseSearchLines(out string) []TrackMetadata {
	var results []TrackMetadata
	for _, l := range strings.Split(strings.TrimSpace(out), "\n") {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 || na(ps[0]) == "" {
			continue
		}
		d, _ := time.ParseDuration(na(ps[3]) + "s")
		md := TrackMetadata{URL: ps[0], Title: na(ps[1]), Uploader: na(ps[2]), Duration: d}
		id := youtubeID(md.URL)
		if id == "" && len(ps) > 4 {
			id = na(ps[4])
		}
		md.Thumbnail = thumbnailFor(id)
		results = append(results, md)
	}
	return results
}

func ytmusicSource(ctx context.Context, query string, limit int) ([]TrackMetadata, error) {
	type outcome struct {
		results []TrackMetadata
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := ytmusic.TrackSearch(query).Next()
		if err != nil {
			ch <- outcome{err: err}
			return
		}
		var results []TrackMetadata
		for _, t := range res.Tracks {
			if t.VideoID == "" {
				continue
			}
			md := TrackMetadata{
				URL:       "https://music.youtube.com/watch?v=" + t.VideoID,
				Title:     t.Title,
				Thumbnail: thumbnailFor(t.VideoID),
			}
			if len(t.Artists) > 0 {
				md.Uploader = t.Artists[0].Name
			}
			results = append(results, md)
			if len(results) == limit {
				break
			}
		}
		ch <- outcome{results: results}
	}()

	// The client takes no context
	select {
	case o := <-ch:
		return o.results, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func ytsearchSource(ctx context.Context, query string, limit int) ([]TrackMetadata, error) {
	res, err := ytsearch.NewClient(nil).Search(ctx, query)
	if err != nil {
		return nil, err
	}
	var results []TrackMetadata
	for _, v := range res.Results {
		if v.VideoID == "" {
			continue
		}
		results = append(results, TrackMetadata{
			URL:       "https://www.youtube.com/watch?v=" + v.VideoID,
			Title:     v.Title,
			Thumbnail: thumbnailFor(v.VideoID),
		})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

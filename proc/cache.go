package proc

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/leeineian/thienlam/sys"
)

const (
	mediaExt   = ".media"
	sidecarExt = ".json"
	partMarker = ".part-"
)

// CacheEntry is a downloaded track on disk.
type CacheEntry struct {
	Key        string
	Identifier string
	Path       string
	Meta       TrackMetadata
}

type sidecar struct {
	Identifier string        `json:"identifier"`
	Meta       TrackMetadata `json:"meta"`
	CreatedAt  time.Time     `json:"created_at"`
}

type acquireCall struct {
	done    chan struct{}
	entry   *CacheEntry
	err     error
	waiters int

	mu         sync.Mutex
	listeners  []ProgressFunc
	downloaded int64
	total      int64
}

// listen adds a progress listener and catches it up on what was already reported.
func (a *acquireCall) listen(p ProgressFunc) {
	if p == nil {
		return
	}
	a.mu.Lock()
	a.listeners = append(a.listeners, p)
	downloaded, total := a.downloaded, a.total
	a.mu.Unlock()
	if total > 0 {
		p(downloaded, total)
	}
}

// progress fans a download update out to every waiter.
func (a *acquireCall) progress(downloaded, total int64) {
	a.mu.Lock()
	a.downloaded, a.total = downloaded, total
	listeners := slices.Clone(a.listeners)
	a.mu.Unlock()
	for _, p := range listeners {
		p(downloaded, total)
	}
}

// Cache maps track identifiers to local media files. Entries handed out by
// Resolve are pinned until Release and are never evicted while pinned.
type Cache struct {
	dir      string
	keep     int
	timeout  time.Duration
	acquirer Acquirer
	now      func() time.Time

	mu       sync.Mutex
	entries  map[string]*CacheEntry
	inflight map[string]*acquireCall
	refs     map[string]int
}

type CacheStats struct {
	Entries    int
	Referenced int
	Bytes      int64
}

func NewCache(dir string, keep int, timeout time.Duration, acquirer Acquirer) *Cache {
	if keep < 1 {
		keep = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Cache{
		dir:      dir,
		keep:     keep,
		timeout:  timeout,
		acquirer: acquirer,
		now:      time.Now,
		entries:  make(map[string]*CacheEntry),
		inflight: make(map[string]*acquireCall),
		refs:     make(map[string]int),
	}
}

// Resolve returns the cached file for identifier, downloading it on a miss.
// Concurrent misses for the same identifier share one download. The returned
// entry is pinned and must be given back with Release.
func (c *Cache) Resolve(ctx context.Context, identifier string, progress ProgressFunc) (*CacheEntry, error) {
	key := trackKey(identifier)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if _, err := os.Stat(e.Path); err == nil {
			c.refs[key]++
			c.mu.Unlock()
			c.touch(e.Path)
			return e, nil
		}
		// Removed behind our back
		delete(c.entries, key)
	}

	call, ok := c.inflight[key]
	if ok {
		call.waiters++
	} else {
		call = &acquireCall{done: make(chan struct{}), waiters: 1}
		c.inflight[key] = call
		sys.SafeGo(func() { c.acquire(key, identifier, call) })
	}
	c.mu.Unlock()
	call.listen(progress)

	select {
	case <-call.done:
		return call.entry, call.err
	case <-ctx.Done():
		c.mu.Lock()
		select {
		case <-call.done:
			// Finished while we gave up; our pin was already taken
			if call.err == nil {
				c.releaseLocked(key)
			}
		default:
			call.waiters--
		}
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release unpins an entry returned by Resolve.
func (c *Cache) Release(e *CacheEntry) {
	if e == nil {
		return
	}
	c.mu.Lock()
	c.releaseLocked(e.Key)
	c.mu.Unlock()
}

func (c *Cache) releaseLocked(key string) {
	if n := c.refs[key] - 1; n > 0 {
		c.refs[key] = n
	} else {
		delete(c.refs, key)
	}
}

func (c *Cache) acquire(key, identifier string, call *acquireCall) {
	entry, err := c.download(key, identifier, call.progress)

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil {
		c.entries[key] = entry
		if call.waiters > 0 {
			c.refs[key] += call.waiters
		}
	}
	call.entry, call.err = entry, err
	close(call.done)
	c.mu.Unlock()
}

func (c *Cache) download(key, identifier string, progress ProgressFunc) (*CacheEntry, error) {
	// Detached from the requester so a cancelled command does not waste a shared download
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return nil, c.writeFailed(identifier, &CacheWriteError{Path: c.dir, Err: err})
	}

	part := filepath.Join(c.dir, key+partMarker+uuid.NewString())
	meta, err := c.acquirer.Acquire(ctx, identifier, part, progress)
	if err != nil {
		_ = os.Remove(part)
		var cw *CacheWriteError
		if errors.As(err, &cw) {
			return nil, c.writeFailed(identifier, cw)
		}
		var ae *AcquisitionError
		if errors.As(err, &ae) {
			return nil, ae
		}
		kind := KindNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return nil, &AcquisitionError{Kind: kind, Identifier: identifier, Err: err}
	}

	final := filepath.Join(c.dir, key+mediaExt)
	if err := os.Rename(part, final); err != nil {
		_ = os.Remove(part)
		return nil, c.writeFailed(identifier, &CacheWriteError{Path: final, Err: err})
	}
	if meta.URL == "" {
		meta.URL = identifier
	}

	data, _ := json.Marshal(sidecar{Identifier: identifier, Meta: meta, CreatedAt: c.now()})
	if err := os.WriteFile(filepath.Join(c.dir, key+sidecarExt), data, 0644); err != nil {
		// The media is usable; it just will not survive a restart scan
		sys.LogCache(sys.MsgCacheSidecarFail, key, err)
		if isNoSpace(err) {
			c.Sweep()
		}
	}
	c.touch(final)

	sys.LogCache(sys.MsgCacheStored, sys.Truncate(meta.Title, 60), key)
	return &CacheEntry{Key: key, Identifier: identifier, Path: final, Meta: meta}, nil
}

func (c *Cache) writeFailed(identifier string, cw *CacheWriteError) error {
	sys.LogCache(sys.MsgCacheWriteFailed, cw.Path, cw.Err)
	if n := c.Sweep(); n > 0 {
		sys.LogCache(sys.MsgCachePressureSweep, n)
	}
	return &AcquisitionError{Kind: KindCacheWrite, Identifier: identifier, Err: cw}
}

func (c *Cache) touch(path string) {
	now := c.now()
	_ = os.Chtimes(path, now, now)
}

// Sweep keeps the most recently used files and deletes the rest, skipping
// any entry that is pinned. It returns how many entries were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	type aged struct {
		key   string
		mtime time.Time
	}
	var list []aged
	for key, e := range c.entries {
		info, err := os.Stat(e.Path)
		if err != nil {
			delete(c.entries, key)
			continue
		}
		list = append(list, aged{key, info.ModTime()})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].mtime.After(list[j].mtime) })

	removed := 0
	for i, a := range list {
		if i < c.keep || c.refs[a.key] > 0 {
			continue
		}
		c.removeLocked(a.key)
		removed++
	}
	c.removeStrayParts()
	return removed
}

// Clear deletes every entry that is not pinned.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if c.refs[key] > 0 {
			continue
		}
		c.removeLocked(key)
		removed++
	}
	c.removeStrayParts()
	return removed
}

func (c *Cache) removeLocked(key string) {
	e := c.entries[key]
	delete(c.entries, key)
	if e != nil {
		_ = os.Remove(e.Path)
	}
	_ = os.Remove(filepath.Join(c.dir, key+sidecarExt))
}

func (c *Cache) removeStrayParts() {
	files, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	for _, f := range files {
		name := f.Name()
		idx := strings.Index(name, partMarker)
		if idx < 0 {
			continue
		}
		if _, busy := c.inflight[name[:idx]]; busy {
			continue
		}
		_ = os.Remove(filepath.Join(c.dir, name))
	}
}

// Scan rebuilds the manifest from the sidecars in the cache directory.
func (c *Cache) Scan() (int, error) {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return 0, err
	}
	files, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	found := 0
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, sidecarExt) {
			continue
		}
		key := strings.TrimSuffix(name, sidecarExt)
		media := filepath.Join(c.dir, key+mediaExt)
		if _, err := os.Stat(media); err != nil {
			_ = os.Remove(filepath.Join(c.dir, name))
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, name))
		if err != nil {
			continue
		}
		var sc sidecar
		if err := json.Unmarshal(data, &sc); err != nil || sc.Identifier == "" {
			continue
		}
		c.entries[key] = &CacheEntry{Key: key, Identifier: sc.Identifier, Path: media, Meta: sc.Meta}
		found++
	}

	// Media without a sidecar cannot be matched to an identifier
	for _, f := range files {
		name := f.Name()
		if strings.HasSuffix(name, mediaExt) {
			if _, ok := c.entries[strings.TrimSuffix(name, mediaExt)]; !ok {
				_ = os.Remove(filepath.Join(c.dir, name))
			}
		}
	}
	c.removeStrayParts()
	return found, nil
}

// Lookup reports a cached entry without pinning it.
func (c *Cache) Lookup(identifier string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[trackKey(identifier)]
	return e, ok
}

func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s CacheStats
	for key, e := range c.entries {
		s.Entries++
		if c.refs[key] > 0 {
			s.Referenced++
		}
		if info, err := os.Stat(e.Path); err == nil {
			s.Bytes += info.Size()
		}
	}
	return s
}

// RunSweeper sweeps on every interval until ctx ends.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				sys.LogCache(sys.MsgCacheSwept, n)
			}
		}
	}
}

func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || strings.Contains(strings.ToLower(err.Error()), "no space left")
}

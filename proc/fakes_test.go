package proc

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/thienlam/sys"
)

const (
	testGuild   snowflake.ID = 100
	testUser    snowflake.ID = 200
	testVoice   snowflake.ID = 300
	testChannel snowflake.ID = 400
)

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- clock ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// --- voice ---

type fakeConnector struct {
	mu       sync.Mutex
	channels map[snowflake.ID]snowflake.ID
	handles  []*fakeHandle
	failWith error
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{channels: map[snowflake.ID]snowflake.ID{testUser: testVoice}}
}

func (c *fakeConnector) UserChannel(_, userID snowflake.ID) (snowflake.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[userID]
	return ch, ok
}

func (c *fakeConnector) Connect(_ context.Context, _, _ snowflake.ID) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return nil, c.failWith
	}
	h := &fakeHandle{}
	c.handles = append(c.handles, h)
	return h, nil
}

func (c *fakeConnector) handle() *fakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handles) == 0 {
		return nil
	}
	return c.handles[len(c.handles)-1]
}

func (c *fakeConnector) handleAt(i int) *fakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.handles) {
		return nil
	}
	return c.handles[i]
}

type fakeHandle struct {
	mu           sync.Mutex
	plays        []string
	done         func(error)
	pauses       int
	resumes      int
	disconnected bool
}

func (h *fakeHandle) Play(path string, onComplete func(error)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.plays = append(h.plays, path)
	h.done = onComplete
	return nil
}

// finish ends the track on air as if the stream ran out or broke.
func (h *fakeHandle) finish(err error) {
	h.mu.Lock()
	done := h.done
	h.done = nil
	h.mu.Unlock()
	if done != nil {
		done(err)
	}
}

func (h *fakeHandle) Pause() {
	h.mu.Lock()
	h.pauses++
	h.mu.Unlock()
}

func (h *fakeHandle) Resume() {
	h.mu.Lock()
	h.resumes++
	h.mu.Unlock()
}

// Stop fires the pending completion off the caller's goroutine, like a
// provider being torn down.
func (h *fakeHandle) Stop() {
	h.mu.Lock()
	done := h.done
	h.done = nil
	h.mu.Unlock()
	if done != nil {
		go done(nil)
	}
}

func (h *fakeHandle) Disconnect(context.Context) {
	h.mu.Lock()
	h.disconnected = true
	h.mu.Unlock()
}

func (h *fakeHandle) playCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.plays)
}

func (h *fakeHandle) isDisconnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnected
}

// --- acquisition ---

type fakeAcquirer struct {
	mu    sync.Mutex
	fail  map[string]error
	gate  chan struct{}
	calls atomic.Int32
	// Report download progress halfway and at the end
	reportProgress bool
}

func newFakeAcquirer() *fakeAcquirer {
	return &fakeAcquirer{fail: make(map[string]error)}
}

func (a *fakeAcquirer) Acquire(ctx context.Context, identifier, dest string, progress ProgressFunc) (TrackMetadata, error) {
	a.calls.Add(1)
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return TrackMetadata{}, ctx.Err()
		}
	}
	a.mu.Lock()
	err := a.fail[identifier]
	a.mu.Unlock()
	if err != nil {
		return TrackMetadata{}, err
	}
	if progress != nil && a.reportProgress {
		progress(50, 100)
		progress(100, 100)
	}
	if err := os.WriteFile(dest, []byte("audio:"+identifier), 0644); err != nil {
		return TrackMetadata{}, err
	}
	return TrackMetadata{URL: identifier, Title: "title " + identifier, Duration: 3 * time.Minute}, nil
}

func (a *fakeAcquirer) failOn(identifier string, err error) {
	a.mu.Lock()
	a.fail[identifier] = err
	a.mu.Unlock()
}

// --- profiles ---

type fakeStore struct {
	mu       sync.Mutex
	profiles map[snowflake.ID]*sys.Profile
	updates  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{profiles: map[snowflake.ID]*sys.Profile{
		testUser: {ID: testUser, Name: "listener", Layer: 12, DailyStreak: 6},
	}}
}

func (s *fakeStore) GetUser(_ context.Context, userID snowflake.ID) (*sys.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, sys.ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) AddRewards(_ context.Context, userID snowflake.ID, exp, stones, secs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return sys.ErrProfileNotFound
	}
	p.Exp += exp
	p.Currency += stones
	p.MusicSeconds += secs
	s.updates++
	return nil
}

func (s *fakeStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

func (s *fakeStore) profile(userID snowflake.ID) sys.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.profiles[userID]
}

// --- status messages ---

type fakeSurface struct {
	mu      sync.Mutex
	nextID  snowflake.ID
	live    map[snowflake.ID]NowPlayingView
	notices []string
	deleted []snowflake.ID
	// Per message edit failures and successful edit counts
	failEdit map[snowflake.ID]error
	edits    map[snowflake.ID]int
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{
		nextID:   1000,
		live:     make(map[snowflake.ID]NowPlayingView),
		failEdit: make(map[snowflake.ID]error),
		edits:    make(map[snowflake.ID]int),
	}
}

func (f *fakeSurface) Create(_ context.Context, _ snowflake.ID, view NowPlayingView) (snowflake.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.live[f.nextID] = view
	return f.nextID, nil
}

func (f *fakeSurface) Edit(_ context.Context, _, messageID snowflake.ID, view NowPlayingView) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failEdit[messageID]; err != nil {
		return err
	}
	if _, ok := f.live[messageID]; !ok {
		return ErrStatusGone
	}
	f.live[messageID] = view
	f.edits[messageID]++
	return nil
}

func (f *fakeSurface) editCount(messageID snowflake.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.edits[messageID]
}

func (f *fakeSurface) Delete(_ context.Context, _, messageID snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	delete(f.live, messageID)
	return nil
}

func (f *fakeSurface) Notify(_ context.Context, _ snowflake.ID, text string) (snowflake.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.notices = append(f.notices, text)
	f.live[f.nextID] = NowPlayingView{}
	return f.nextID, nil
}

func (f *fakeSurface) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeSurface) noticeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notices)
}

// --- harness ---

type harness struct {
	engine    *Engine
	connector *fakeConnector
	acquirer  *fakeAcquirer
	store     *fakeStore
	surface   *fakeSurface
	clock     *fakeClock
	cache     *Cache
}

type harnessOption func(*harness, *Options)

// withDisplay wires the fake surface. Ticks are left to the test.
func withDisplay() harnessOption {
	return func(h *harness, o *Options) {
		o.Surface = h.surface
		o.DisplayInterval = time.Hour
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		connector: newFakeConnector(),
		acquirer:  newFakeAcquirer(),
		store:     newFakeStore(),
		surface:   newFakeSurface(),
		clock:     newFakeClock(),
	}
	h.cache = NewCache(t.TempDir(), 10, 5*time.Second, h.acquirer)
	o := Options{
		Cache:     h.cache,
		Connector: h.connector,
		Store:     h.store,
		Rewards:   NewRewards(nil),
		Clock:     h.clock.Now,
	}
	for _, fn := range opts {
		fn(h, &o)
	}
	h.engine = NewEngine(context.Background(), o)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.engine.Shutdown(ctx)
	})
	return h
}

func (h *harness) play(t *testing.T, identifier string) (QueueResult, error) {
	t.Helper()
	return h.playIn(t, testGuild, identifier)
}

func (h *harness) playIn(t *testing.T, guildID snowflake.ID, identifier string) (QueueResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.engine.Play(ctx, PlayRequest{
		GuildID:     guildID,
		RequesterID: testUser,
		ChannelID:   testChannel,
		Query:       identifier,
	})
}

func (h *harness) snapshot(t *testing.T) SessionSnapshot {
	t.Helper()
	return h.snapshotOf(t, testGuild)
}

func (h *harness) snapshotOf(t *testing.T, guildID snowflake.ID) SessionSnapshot {
	t.Helper()
	s, ok := h.engine.registry.Get(guildID)
	if !ok {
		return SessionSnapshot{State: StateDisconnected}
	}
	snap, err := s.Snapshot(context.Background())
	if errors.Is(err, ErrSessionClosed) {
		return SessionSnapshot{State: StateDisconnected}
	}
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func (h *harness) waitState(t *testing.T, want State) SessionSnapshot {
	t.Helper()
	var snap SessionSnapshot
	eventually(t, "state "+want.String(), func() bool {
		snap = h.snapshot(t)
		return snap.State == want
	})
	return snap
}

func (h *harness) waitPlaying(t *testing.T, identifier string) SessionSnapshot {
	t.Helper()
	return h.waitPlayingIn(t, testGuild, identifier)
}

func (h *harness) waitPlayingIn(t *testing.T, guildID snowflake.ID, identifier string) SessionSnapshot {
	t.Helper()
	var snap SessionSnapshot
	eventually(t, "playing "+identifier, func() bool {
		snap = h.snapshotOf(t, guildID)
		return snap.State == StatePlaying && snap.Current != nil && snap.Current.Track.Identifier == identifier
	})
	return snap
}

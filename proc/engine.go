package proc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/thienlam/sys"
)

// PlayRequest is one user's request to queue something in a guild.
type PlayRequest struct {
	GuildID     snowflake.ID
	RequesterID snowflake.ID
	// Text channel the request came from; notices go there
	ChannelID snowflake.ID
	Query     string
}

// QueueView is a read-only picture of a guild's queue.
type QueueView struct {
	Current *QueuedTrack
	Loading *QueuedTrack
	Tracks  []QueuedTrack
	Loop    bool
	State   State
}

// Duration sums the known lengths of the pending tracks. unknown counts live
// streams and tracks without metadata yet.
func (v QueueView) Duration() (total time.Duration, unknown int) {
	return queueDuration(v.Tracks)
}

type Options struct {
	Cache           *Cache
	Searcher        Searcher
	Connector       Connector
	Surface         StatusSurface
	Store           ProfileStore
	Rewards         *Rewards
	Clock           func() time.Time
	DisplayInterval time.Duration
}

// Engine plays queued tracks into voice channels, one session per guild.
type Engine struct {
	ctx       context.Context
	cache     *Cache
	searcher  Searcher
	connector Connector
	surface   StatusSurface
	store     ProfileStore
	rewards   *Rewards
	now       func() time.Time

	registry *Registry
	sync     *Synchronizer
}

func NewEngine(ctx context.Context, opts Options) *Engine {
	e := &Engine{
		ctx:       ctx,
		cache:     opts.Cache,
		searcher:  opts.Searcher,
		connector: opts.Connector,
		surface:   opts.Surface,
		store:     opts.Store,
		rewards:   opts.Rewards,
		now:       opts.Clock,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.surface != nil {
		e.sync = newSynchronizer(e, opts.DisplayInterval)
	}
	e.registry = NewRegistry(func(guildID snowflake.ID) *Session {
		return newSession(guildID, e)
	})
	return e
}

func (e *Engine) Cache() *Cache       { return e.cache }
func (e *Engine) Registry() *Registry { return e.registry }
func (e *Engine) Rewards() *Rewards   { return e.rewards }
func (e *Engine) Sessions() int       { return e.registry.Len() }

// RunDisplay ticks the status messages until ctx ends.
func (e *Engine) RunDisplay(ctx context.Context) {
	if e.sync != nil {
		e.sync.Run(ctx)
	}
}

// Play queues a link as is, or the best search hit for free text.
func (e *Engine) Play(ctx context.Context, req PlayRequest) (QueueResult, error) {
	md, err := e.resolveQuery(ctx, req.Query)
	if err != nil {
		return QueueResult{}, err
	}
	return e.Enqueue(ctx, req, md)
}

func (e *Engine) resolveQuery(ctx context.Context, query string) (TrackMetadata, error) {
	if isURL(query) {
		md := TrackMetadata{URL: query, Title: query}
		if id := youtubeID(query); id != "" {
			md.Thumbnail = thumbnailFor(id)
		}
		return md, nil
	}
	if e.searcher == nil {
		return TrackMetadata{}, ErrNoResults
	}
	results, err := e.searcher.Search(ctx, query, 1)
	if err != nil {
		return TrackMetadata{}, err
	}
	if len(results) == 0 {
		return TrackMetadata{}, ErrNoResults
	}
	return results[0], nil
}

// Enqueue queues md for the requester, joining their voice channel if needed.
func (e *Engine) Enqueue(ctx context.Context, req PlayRequest, md TrackMetadata) (QueueResult, error) {
	voiceChannel, ok := e.connector.UserChannel(req.GuildID, req.RequesterID)
	if !ok {
		return QueueResult{}, ErrVoiceUnavailable
	}
	t := trackFromMetadata(md, req.RequesterID, req.ChannelID)

	// A session closing under us is replaced once
	for attempt := 0; ; attempt++ {
		s := e.registry.GetOrCreate(req.GuildID)
		res, err := call(ctx, s, func() (QueueResult, error) {
			return s.connectAndEnqueue(voiceChannel, t)
		})
		if errors.Is(err, ErrSessionClosed) && attempt == 0 {
			continue
		}
		return res, err
	}
}

func (e *Engine) session(guildID snowflake.ID) (*Session, error) {
	s, ok := e.registry.Get(guildID)
	if !ok {
		return nil, ErrNothingPlaying
	}
	return s, nil
}

// Stop ends the guild's session. Stopping an absent session is not an error.
func (e *Engine) Stop(ctx context.Context, guildID snowflake.ID) error {
	s, ok := e.registry.Get(guildID)
	if !ok {
		return nil
	}
	return e.destroy(ctx, s)
}

// destroy terminates s, flushing rewards and retiring its messages. If ctx
// ends before the shutdown gets its turn, the shutdown retires the messages
// itself once it runs.
func (e *Engine) destroy(ctx context.Context, s *Session) error {
	var (
		mu     sync.Mutex
		owned  []StatusRef
		ran    bool
		gaveUp bool
	)
	err := s.do(ctx, func() {
		shutdownCtx := ctx
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		refs := s.shutdown(shutdownCtx)

		mu.Lock()
		defer mu.Unlock()
		owned, ran = refs, true
		if gaveUp {
			e.retireAsync(s, refs)
		}
	})
	e.registry.remove(s.GuildID, s)
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	if err != nil {
		mu.Lock()
		gaveUp = true
		late, refs := ran, owned
		mu.Unlock()
		if late {
			e.retireAsync(s, refs)
		} else {
			sys.LogVoice(sys.MsgVoiceShutdownLate, s.GuildID, err)
		}
		return err
	}

	sys.LogVoice(sys.MsgVoiceSessionClosed, s.GuildID)
	e.retire(ctx, s, owned)
	return nil
}

// retire deletes the messages a closed session owned.
func (e *Engine) retire(ctx context.Context, s *Session, owned []StatusRef) {
	if e.sync != nil {
		e.sync.forget(s.GuildID)
	}
	if e.surface == nil || len(owned) == 0 {
		return
	}
	// Wait out any render still holding the old message
	s.renderMu.Lock()
	defer s.renderMu.Unlock()
	for _, ref := range owned {
		if err := e.surface.Delete(ctx, ref.ChannelID, ref.MessageID); err != nil && !errors.Is(err, ErrStatusGone) {
			sys.LogDisplay(sys.MsgDisplayDeleteFailed, s.GuildID, err)
		}
	}
}

func (e *Engine) retireAsync(s *Session, owned []StatusRef) {
	sys.SafeGo(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		e.retire(ctx, s, owned)
	})
}

func (e *Engine) destroyAsync(s *Session) {
	sys.SafeGo(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = e.destroy(ctx, s)
	})
}

// HandleDisconnect tears the session down after the bot left voice by other means.
func (e *Engine) HandleDisconnect(guildID snowflake.ID) {
	s, ok := e.registry.Get(guildID)
	if !ok {
		return
	}
	sys.LogVoice(sys.MsgVoiceExternalDisconnect, guildID)
	e.destroyAsync(s)
}

func (e *Engine) Pause(ctx context.Context, guildID snowflake.ID) error {
	s, err := e.session(guildID)
	if err != nil {
		return err
	}
	_, err = call(ctx, s, func() (struct{}, error) { return struct{}{}, s.pause() })
	if err == nil {
		e.render(s)
	}
	return err
}

func (e *Engine) Resume(ctx context.Context, guildID snowflake.ID) error {
	s, err := e.session(guildID)
	if err != nil {
		return err
	}
	_, err = call(ctx, s, func() (struct{}, error) { return struct{}{}, s.resume() })
	if err == nil {
		e.render(s)
	}
	return err
}

// TogglePause pauses a playing track or resumes a paused one. It reports whether
// playback is now paused.
func (e *Engine) TogglePause(ctx context.Context, guildID snowflake.ID) (bool, error) {
	s, err := e.session(guildID)
	if err != nil {
		return false, err
	}
	paused, err := call(ctx, s, s.togglePause)
	if err == nil {
		e.render(s)
	}
	return paused, err
}

// Skip cuts the active track short. ok is false when nothing was active.
func (e *Engine) Skip(ctx context.Context, guildID snowflake.ID) (skipped QueuedTrack, ok bool, err error) {
	s, found := e.registry.Get(guildID)
	if !found {
		return QueuedTrack{}, false, nil
	}
	type result struct {
		t  QueuedTrack
		ok bool
	}
	r, err := call(ctx, s, func() (result, error) {
		t, ok := s.skip()
		return result{t, ok}, nil
	})
	return r.t, r.ok, err
}

func (e *Engine) ShuffleQueue(ctx context.Context, guildID snowflake.ID) error {
	s, ok := e.registry.Get(guildID)
	if !ok {
		return ErrQueueTooShort
	}
	_, err := call(ctx, s, func() (struct{}, error) { return struct{}{}, s.shuffle() })
	if err == nil {
		e.render(s)
	}
	return err
}

// ToggleLoop flips loop mode and returns the new setting.
func (e *Engine) ToggleLoop(ctx context.Context, guildID snowflake.ID) (bool, error) {
	s, err := e.session(guildID)
	if err != nil {
		return false, err
	}
	on, err := call(ctx, s, func() (bool, error) { return s.toggleLoop(), nil })
	if err == nil {
		e.render(s)
	}
	return on, err
}

func (e *Engine) ListQueue(ctx context.Context, guildID snowflake.ID) (QueueView, error) {
	s, ok := e.registry.Get(guildID)
	if !ok {
		return QueueView{State: StateDisconnected}, nil
	}
	snap, err := s.Snapshot(ctx)
	if errors.Is(err, ErrSessionClosed) {
		return QueueView{State: StateDisconnected}, nil
	}
	if err != nil {
		return QueueView{}, err
	}
	v := QueueView{Tracks: snap.Queue, Loop: snap.Loop, State: snap.State, Loading: snap.Loading}
	if snap.Current != nil {
		t := snap.Current.Track
		t.Title = snap.Current.Title
		v.Current = &t
	}
	return v, nil
}

// ClearQueue drops every pending track and returns how many there were.
func (e *Engine) ClearQueue(ctx context.Context, guildID snowflake.ID) (int, error) {
	s, ok := e.registry.Get(guildID)
	if !ok {
		return 0, nil
	}
	n, err := call(ctx, s, func() (int, error) { return s.clear(), nil })
	if err == nil && n > 0 {
		e.render(s)
	}
	return n, err
}

// PlayAt jumps to the track at the 1-based queue position.
func (e *Engine) PlayAt(ctx context.Context, guildID snowflake.ID, pos int) (QueuedTrack, error) {
	s, ok := e.registry.Get(guildID)
	if !ok {
		return QueuedTrack{}, ErrInvalidPosition
	}
	return call(ctx, s, func() (QueuedTrack, error) { return s.promoteToFront(pos) })
}

func (e *Engine) RemoveAt(ctx context.Context, guildID snowflake.ID, pos int) (QueuedTrack, error) {
	s, ok := e.registry.Get(guildID)
	if !ok {
		return QueuedTrack{}, ErrInvalidPosition
	}
	t, err := call(ctx, s, func() (QueuedTrack, error) { return s.removeAt(pos) })
	if err == nil {
		e.render(s)
	}
	return t, err
}

func (e *Engine) NowPlaying(ctx context.Context, guildID snowflake.ID) (NowPlayingView, error) {
	s, err := e.session(guildID)
	if err != nil {
		return NowPlayingView{}, err
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return NowPlayingView{}, ErrNothingPlaying
		}
		return NowPlayingView{}, err
	}
	v := buildView(snap, e.now())
	if !v.Active() && v.LoadingTitle == "" {
		return v, ErrNothingPlaying
	}
	return v, nil
}

// SleepAt schedules the session to stop at the given time, replacing any earlier timer.
func (e *Engine) SleepAt(ctx context.Context, guildID snowflake.ID, at time.Time) error {
	s, err := e.session(guildID)
	if err != nil {
		return err
	}
	d := at.Sub(e.now())
	if d <= 0 {
		return ErrTimeInPast
	}
	_, err = call(ctx, s, func() (struct{}, error) {
		s.setSleep(at, d)
		return struct{}{}, nil
	})
	if err == nil {
		e.render(s)
	}
	return err
}

func (e *Engine) Search(ctx context.Context, query string, limit int) ([]TrackMetadata, error) {
	if e.searcher == nil {
		return nil, nil
	}
	return e.searcher.Search(ctx, query, limit)
}

func (e *Engine) Suggest(ctx context.Context, query string) []TrackMetadata {
	if e.searcher == nil {
		return nil
	}
	return e.searcher.Suggest(ctx, query)
}

// Render refreshes the guild's status message now.
func (e *Engine) Render(ctx context.Context, guildID snowflake.ID) {
	if s, ok := e.registry.Get(guildID); ok && e.sync != nil {
		e.sync.render(ctx, s, false)
	}
}

func (e *Engine) render(s *Session) {
	if e.sync == nil {
		return
	}
	sys.SafeGo(func() {
		ctx, cancel := context.WithTimeout(e.ctx, 15*time.Second)
		defer cancel()
		e.sync.render(ctx, s, false)
	})
}

// Shutdown ends every session in parallel, flushing their rewards.
func (e *Engine) Shutdown(ctx context.Context) {
	sessions := e.registry.All()
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sys.Recover()
			_ = e.destroy(ctx, s)
		}()
	}
	wg.Wait()
	if len(sessions) > 0 {
		sys.LogVoice(sys.MsgVoiceShutdown, len(sessions))
	}
}

package proc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/thienlam/sys"
	"golang.org/x/time/rate"
)

var (
	// ErrStatusGone means the status message was deleted by someone else.
	ErrStatusGone = errors.New("status message gone")
	// ErrStatusRateLimited means the platform refused the edit for now.
	ErrStatusRateLimited = errors.New("status update rate limited")
)

// StatusSurface renders session views into chat messages.
type StatusSurface interface {
	Create(ctx context.Context, channelID snowflake.ID, view NowPlayingView) (snowflake.ID, error)
	Edit(ctx context.Context, channelID, messageID snowflake.ID, view NowPlayingView) error
	Delete(ctx context.Context, channelID, messageID snowflake.ID) error
	Notify(ctx context.Context, channelID snowflake.ID, text string) (snowflake.ID, error)
}

// NowPlayingView is everything a status message shows.
type NowPlayingView struct {
	GuildID     snowflake.ID
	State       State
	Title       string
	URL         string
	Thumbnail   string
	Uploader    string
	RequesterID snowflake.ID
	Elapsed     time.Duration
	Duration    time.Duration
	Progress    float64
	QueueLength int
	NextTitle   string
	Loop        bool
	Exp         float64
	Currency    int64

	// Set while a track is downloading
	LoadingTitle    string
	DownloadPercent int
	SleepAt         time.Time
}

func (v NowPlayingView) Active() bool {
	return v.State == StatePlaying || v.State == StatePaused
}

func buildView(snap SessionSnapshot, now time.Time) NowPlayingView {
	v := NowPlayingView{
		GuildID:     snap.GuildID,
		State:       snap.State,
		QueueLength: len(snap.Queue),
		Loop:        snap.Loop,
		SleepAt:     snap.SleepAt,
	}
	if len(snap.Queue) > 0 {
		v.NextTitle = snap.Queue[0].Title
	}
	if c := snap.Current; c != nil {
		v.Title = c.Title
		v.URL = c.Track.Identifier
		v.Thumbnail = c.Thumbnail
		v.Uploader = c.Track.Uploader
		v.RequesterID = c.Track.RequesterID
		v.Elapsed = c.Elapsed(now)
		v.Duration = c.Duration
		v.Exp = c.Exp
		v.Currency = c.Currency
		if c.Duration > 0 {
			v.Progress = min(1, float64(v.Elapsed)/float64(c.Duration))
		}
	}
	if l := snap.Loading; l != nil {
		v.LoadingTitle = l.Title
		v.DownloadPercent = snap.LoadPercent
		if v.Title == "" {
			v.Thumbnail = l.Thumbnail
			v.URL = l.Identifier
			v.RequesterID = l.RequesterID
		}
	}
	return v
}

// Synchronizer keeps one live status message per guild in step with its session.
type Synchronizer struct {
	engine   *Engine
	interval time.Duration

	mu       sync.Mutex
	limiters map[snowflake.ID]*rate.Limiter
}

func newSynchronizer(e *Engine, interval time.Duration) *Synchronizer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Synchronizer{engine: e, interval: interval, limiters: make(map[snowflake.ID]*rate.Limiter)}
}

func (y *Synchronizer) limiter(guildID snowflake.ID) *rate.Limiter {
	y.mu.Lock()
	defer y.mu.Unlock()
	l, ok := y.limiters[guildID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 3)
		y.limiters[guildID] = l
	}
	return l
}

func (y *Synchronizer) forget(guildID snowflake.ID) {
	y.mu.Lock()
	delete(y.limiters, guildID)
	y.mu.Unlock()
}

// render brings the status message up to date. Ticks give up when a render is
// already running or the guild is over its edit budget; commands wait.
func (y *Synchronizer) render(ctx context.Context, s *Session, tick bool) {
	if tick {
		if !s.renderMu.TryLock() {
			return
		}
	} else {
		s.renderMu.Lock()
	}
	defer s.renderMu.Unlock()

	snap, err := s.Snapshot(ctx)
	if err != nil || snap.State == StateDisconnected || snap.State == StateTerminating {
		return
	}
	channelID := snap.Status.ChannelID
	if channelID == 0 {
		channelID = snap.TextChannel
	}
	if channelID == 0 {
		return
	}
	// An idle session with no message has nothing worth posting
	if snap.Status.IsZero() && snap.State == StateIdle {
		return
	}

	lim := y.limiter(s.GuildID)
	if tick {
		if !lim.Allow() {
			return
		}
	} else if err := lim.Wait(ctx); err != nil {
		return
	}

	surface := y.engine.surface
	view := buildView(snap, y.engine.now())

	if !snap.Status.IsZero() {
		err := surface.Edit(ctx, snap.Status.ChannelID, snap.Status.MessageID, view)
		switch {
		case err == nil:
			return
		case errors.Is(err, ErrStatusRateLimited):
			return
		case !errors.Is(err, ErrStatusGone):
			sys.LogDisplay(sys.MsgDisplayEditFailed, s.GuildID, err)
			return
		}
		sys.LogDisplay(sys.MsgDisplayRecreate, s.GuildID)
	}

	id, err := surface.Create(ctx, channelID, view)
	if err != nil {
		if !errors.Is(err, ErrStatusRateLimited) {
			sys.LogDisplay(sys.MsgDisplayCreateFailed, s.GuildID, err)
		}
		return
	}
	ref := StatusRef{ChannelID: channelID, MessageID: id}
	var (
		old  StatusRef
		kept bool
	)
	if s.do(ctx, func() { old, kept = s.setStatus(ref) }) != nil || !kept {
		_ = surface.Delete(ctx, ref.ChannelID, ref.MessageID)
		return
	}
	if !old.IsZero() && old != ref {
		_ = surface.Delete(ctx, old.ChannelID, old.MessageID)
	}
}

// Run ticks every session until ctx ends. A failing guild never holds up the others.
func (y *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(y.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			y.tick(ctx)
		}
	}
}

func (y *Synchronizer) tick(ctx context.Context) {
	e := y.engine
	for _, s := range e.registry.All() {
		now := e.now()
		s.post(func() {
			if s.state == StatePlaying {
				s.accrue(now)
			}
		})
		sys.SafeGo(func() {
			rctx, cancel := context.WithTimeout(ctx, y.interval*3)
			defer cancel()
			y.render(rctx, s, true)
		})
	}
}

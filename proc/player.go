package proc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/thienlam/sys"
)

// maxSkipAhead bounds how many tracks in a row may fail to load before the
// session gives up and idles.
const maxSkipAhead = 10

// QueueResult describes where an enqueued track landed.
type QueueResult struct {
	Track    QueuedTrack
	Position int  // 1-based queue position, 0 when it started right away
	Started  bool // playback was idle and this track is loading now
}

// Everything in this file runs on the session goroutine.

func (s *Session) connect(voiceChannel, textChannel snowflake.ID) error {
	if s.handle != nil {
		return nil
	}
	e := s.engine
	ctx, cancel := context.WithTimeout(e.ctx, 15*time.Second)
	defer cancel()

	h, err := e.connector.Connect(ctx, s.GuildID, voiceChannel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVoiceUnavailable, err)
	}
	s.handle = h
	s.voiceChannel = voiceChannel
	s.state = StateIdle
	if s.textChannel == 0 {
		s.textChannel = textChannel
	}
	sys.LogVoice(sys.MsgVoiceConnected, voiceChannel, s.GuildID)
	return nil
}

func (s *Session) connectAndEnqueue(voiceChannel snowflake.ID, t QueuedTrack) (QueueResult, error) {
	if err := s.connect(voiceChannel, t.ChannelID); err != nil {
		if s.current == nil && s.loading == nil && len(s.queue) == 0 {
			s.engine.destroyAsync(s)
		}
		return QueueResult{}, err
	}
	return s.enqueue(t)
}

func (s *Session) enqueue(t QueuedTrack) (QueueResult, error) {
	if s.isDuplicate(t.Identifier) {
		return QueueResult{}, ErrDuplicateQueue
	}
	s.queue = append(s.queue, t)
	res := QueueResult{Track: t, Position: len(s.queue)}
	if s.state == StateIdle {
		s.failures = 0
		s.advance()
		if s.loading != nil && sameTrack(s.loading.Identifier, t.Identifier) {
			res.Position, res.Started = 0, true
		}
	}
	return res, nil
}

func (s *Session) isDuplicate(identifier string) bool {
	if s.current != nil && sameTrack(s.current.Track.Identifier, identifier) {
		return true
	}
	if s.loading != nil && sameTrack(s.loading.Identifier, identifier) {
		return true
	}
	return containsTrack(s.queue, identifier)
}

// advance starts loading the head of the queue when nothing is in flight.
func (s *Session) advance() {
	if s.closed || s.handle == nil || s.current != nil || s.loading != nil {
		return
	}
	if len(s.queue) == 0 {
		s.state = StateIdle
		s.failures = 0
		s.setChannelStatus("")
		s.requestRender()
		return
	}

	next := s.queue[0]
	s.queue = s.queue[1:]
	s.loading = &next
	s.state = StateLoading
	s.loadPercent = 0
	s.gen++
	gen := s.gen

	e := s.engine
	progress := s.progressFunc(gen)
	sys.SafeGo(func() {
		entry, err := e.cache.Resolve(e.ctx, next.Identifier, progress)
		if !s.post(func() { s.onResolved(gen, next, entry, err) }) && entry != nil {
			e.cache.Release(entry)
		}
	})
	s.requestRender()
}

func (s *Session) onResolved(gen uint64, t QueuedTrack, entry *CacheEntry, err error) {
	if s.closed || gen != s.gen {
		s.engine.cache.Release(entry)
		return
	}
	s.loading = nil
	if err != nil {
		s.trackFailed(t, err)
		return
	}
	s.startTrack(t, entry)
}

// trackFailed reports a load or play failure and moves on to the next track.
func (s *Session) trackFailed(t QueuedTrack, err error) {
	s.failures++
	sys.LogVoice(sys.MsgVoiceTrackFailed, t.Identifier, s.GuildID, err)
	s.notify(t.ChannelID, fmt.Sprintf(sys.MsgMusicLoadFailed, sys.Truncate(t.Title, 80), describeError(err)))

	if s.failures >= maxSkipAhead {
		s.state = StateIdle
		s.failures = 0
		s.notify(t.ChannelID, sys.MsgMusicTooManyFailures)
		s.requestRender()
		return
	}
	s.advance()
}

func (s *Session) startTrack(t QueuedTrack, entry *CacheEntry) {
	e := s.engine
	cur := &CurrentTrack{
		Track:     t,
		Title:     firstNonEmpty(entry.Meta.Title, t.Title),
		Duration:  entry.Meta.Duration,
		Thumbnail: firstNonEmpty(entry.Meta.Thumbnail, t.Thumbnail),
		StartedAt: e.now(),
		entry:     entry,
	}
	if cur.Duration <= 0 {
		cur.Duration = t.Duration
	}

	gen := s.gen
	err := s.handle.Play(entry.Path, func(perr error) {
		s.post(func() { s.onComplete(gen, perr) })
	})
	if err != nil {
		e.cache.Release(entry)
		s.trackFailed(t, &PlaybackError{Err: err})
		return
	}

	s.current = cur
	s.state = StatePlaying
	s.failures = 0
	s.loadPercent = 100
	sys.LogVoice(sys.MsgVoiceNowPlaying, sys.Truncate(cur.Title, 80), s.GuildID)
	s.setChannelStatus("🎶 " + cur.Title)
	s.requestRender()

	requester := t.RequesterID
	sys.SafeGo(func() {
		ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
		defer cancel()
		p, err := e.store.GetUser(ctx, requester)
		if err != nil {
			if !errors.Is(err, sys.ErrProfileNotFound) {
				sys.LogReward(sys.MsgRewardProfileLoadFailed, requester, err)
			}
			return
		}
		s.post(func() {
			if s.current == cur {
				cur.profile = p
			}
		})
	})
}

func (s *Session) onComplete(gen uint64, err error) {
	if s.closed || gen != s.gen || s.current == nil {
		return
	}
	finished := s.current.Track
	s.finishCurrent()

	if err != nil {
		s.notify(finished.ChannelID, fmt.Sprintf(sys.MsgMusicPlaybackFailed, sys.Truncate(finished.Title, 80), describeError(err)))
	} else if s.loop {
		s.queue = append([]QueuedTrack{finished}, s.queue...)
	}
	s.advance()
}

// finishCurrent closes out the current track: rewards are flushed and the
// cache pin is released.
func (s *Session) finishCurrent() {
	cur := s.current
	if cur == nil {
		return
	}
	now := s.engine.now()
	if cur.Paused() {
		cur.TotalPaused += now.Sub(cur.LastPause)
		cur.LastPause = time.Time{}
	}
	s.accrue(now)
	s.flush(cur, now)
	s.engine.cache.Release(cur.entry)
	cur.entry = nil
	s.current = nil
}

func (s *Session) accrue(now time.Time) {
	cur := s.current
	if cur == nil || s.engine.rewards == nil {
		return
	}
	elapsed := cur.Elapsed(now)
	delta := elapsed - cur.accruedFor
	if delta <= 0 {
		return
	}
	cur.accruedFor = elapsed
	exp, stones := s.engine.rewards.Accrue(cur.profile, delta, now)
	cur.Exp += exp
	cur.Currency += stones
}

// flush writes the accrued rewards once per track.
func (s *Session) flush(cur *CurrentTrack, now time.Time) {
	if cur.flushed {
		return
	}
	cur.flushed = true

	exp := int64(math.Round(cur.Exp))
	stones := cur.Currency
	secs := int64(cur.Elapsed(now).Seconds())
	cur.Exp, cur.Currency = 0, 0
	if exp == 0 && stones == 0 && secs == 0 {
		return
	}

	e := s.engine
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	userID := cur.Track.RequesterID
	if err := e.store.AddRewards(ctx, userID, exp, stones, secs); err != nil {
		if !errors.Is(err, sys.ErrProfileNotFound) {
			sys.LogReward(sys.MsgRewardFlushFailed, userID, err)
		}
		return
	}
	sys.LogReward(sys.MsgRewardFlushed, userID, exp, stones, secs)
}

// ===========================
// Commands
// ===========================

func (s *Session) skip() (QueuedTrack, bool) {
	var skipped QueuedTrack
	switch {
	case s.current != nil:
		skipped = s.current.Track
		s.gen++
		s.finishCurrent()
		s.handle.Stop()
	case s.loading != nil:
		skipped = *s.loading
		s.gen++
		s.loading = nil
	default:
		return QueuedTrack{}, false
	}
	if s.loop {
		s.queue = append(s.queue, skipped)
	}
	s.advance()
	return skipped, true
}

func (s *Session) pause() error {
	switch s.state {
	case StatePaused:
		return nil
	case StatePlaying:
	default:
		return ErrNothingPlaying
	}
	now := s.engine.now()
	s.accrue(now)
	s.current.LastPause = now
	s.handle.Pause()
	s.state = StatePaused
	s.setChannelStatus("⏸️ " + s.current.Title)
	return nil
}

func (s *Session) resume() error {
	switch s.state {
	case StatePlaying:
		return nil
	case StatePaused:
	default:
		return ErrNothingPlaying
	}
	now := s.engine.now()
	if cur := s.current; cur.Paused() {
		cur.TotalPaused += now.Sub(cur.LastPause)
		cur.LastPause = time.Time{}
	}
	s.handle.Resume()
	s.state = StatePlaying
	s.setChannelStatus("🎶 " + s.current.Title)
	return nil
}

func (s *Session) togglePause() (bool, error) {
	if s.state == StatePaused {
		return false, s.resume()
	}
	return true, s.pause()
}

func (s *Session) shuffle() error {
	return shuffleTracks(s.queue, nil)
}

func (s *Session) toggleLoop() bool {
	s.loop = !s.loop
	return s.loop
}

func (s *Session) removeAt(pos int) (QueuedTrack, error) {
	q, t, err := removeAt(s.queue, pos)
	if err != nil {
		return QueuedTrack{}, err
	}
	s.queue = q
	return t, nil
}

func (s *Session) clear() int {
	n := len(s.queue)
	s.queue = nil
	return n
}

// promoteToFront moves the track at pos to the head and cuts the active track short.
func (s *Session) promoteToFront(pos int) (QueuedTrack, error) {
	q, t, err := promote(s.queue, pos)
	if err != nil {
		return QueuedTrack{}, err
	}
	s.queue = q

	var stopped *QueuedTrack
	switch {
	case s.current != nil:
		st := s.current.Track
		stopped = &st
		s.gen++
		s.finishCurrent()
		s.handle.Stop()
	case s.loading != nil:
		stopped = s.loading
		s.gen++
		s.loading = nil
	}
	if stopped != nil && s.loop {
		s.queue = append(s.queue, *stopped)
	}
	s.advance()
	return t, nil
}

func (s *Session) setSleep(at time.Time, d time.Duration) {
	if s.sleepTimer != nil {
		s.sleepTimer.Stop()
	}
	e := s.engine
	s.sleepAt = at
	s.sleepTimer = time.AfterFunc(d, func() {
		sys.LogVoice(sys.MsgVoiceSleepFired, s.GuildID)
		ctx, cancel := context.WithTimeout(e.ctx, 15*time.Second)
		defer cancel()
		_ = e.destroy(ctx, s)
	})
}

// shutdown stops playback, flushes rewards and closes the mailbox. It returns
// the messages the session owned so the caller can retire them.
func (s *Session) shutdown(ctx context.Context) []StatusRef {
	if s.closed {
		return nil
	}
	s.state = StateTerminating
	s.gen++
	s.finishCurrent()
	s.loading = nil
	s.queue = nil
	if s.sleepTimer != nil {
		s.sleepTimer.Stop()
		s.sleepTimer = nil
	}
	if s.handle != nil {
		s.handle.Stop()
		s.handle.Disconnect(ctx)
		s.handle = nil
	}
	s.state = StateDisconnected
	s.closed = true

	owned := append([]StatusRef(nil), s.transient...)
	if !s.status.IsZero() {
		owned = append(owned, s.status)
	}
	s.transient, s.status = nil, StatusRef{}
	s.closeMailbox()
	return owned
}

// ===========================
// Side effects
// ===========================

func (s *Session) progressFunc(gen uint64) ProgressFunc {
	return func(downloaded, total int64) {
		if total <= 0 {
			return
		}
		pct := int(min(100, downloaded*100/total))
		s.post(func() {
			if gen != s.gen || s.loading == nil {
				return
			}
			if pct-s.loadPercent >= 15 || (pct == 100 && s.loadPercent < 100) {
				s.loadPercent = pct
				s.requestRender()
			}
		})
	}
}

func (s *Session) requestRender() {
	e := s.engine
	if e.sync == nil {
		return
	}
	sys.SafeGo(func() {
		ctx, cancel := context.WithTimeout(e.ctx, 15*time.Second)
		defer cancel()
		e.sync.render(ctx, s, false)
	})
}

// notify posts a short notice that is deleted when the session ends.
func (s *Session) notify(channelID snowflake.ID, text string) {
	if channelID == 0 {
		channelID = s.textChannel
	}
	e := s.engine
	if channelID == 0 || e.surface == nil {
		return
	}
	sys.SafeGo(func() {
		ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
		defer cancel()
		id, err := e.surface.Notify(ctx, channelID, text)
		if err != nil {
			sys.LogDisplay(sys.MsgDisplayNotifyFailed, s.GuildID, err)
			return
		}
		ref := StatusRef{ChannelID: channelID, MessageID: id}
		var kept bool
		if s.do(ctx, func() { kept = s.addTransient(ref) }) != nil || !kept {
			_ = e.surface.Delete(ctx, ref.ChannelID, ref.MessageID)
		}
	})
}

func (s *Session) setChannelStatus(text string) {
	cs, ok := s.handle.(channelStatuser)
	if !ok {
		return
	}
	sys.SafeGo(func() { cs.SetChannelStatus(text) })
}

func describeError(err error) string {
	var ae *AcquisitionError
	if errors.As(err, &ae) {
		switch ae.Kind {
		case KindExtraction:
			return sys.MsgMusicErrExtraction
		case KindTranscode:
			return sys.MsgMusicErrTranscode
		case KindTimeout:
			return sys.MsgMusicErrTimeout
		case KindCacheWrite:
			return sys.MsgMusicErrCacheWrite
		default:
			return sys.MsgMusicErrNetwork
		}
	}
	var pe *PlaybackError
	if errors.As(err, &pe) {
		return sys.MsgMusicErrPlayback
	}
	return sys.Truncate(err.Error(), 120)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

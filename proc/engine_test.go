package proc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	trackA = "https://www.youtube.com/watch?v=aaaaaaaaaaa"
	trackB = "https://www.youtube.com/watch?v=bbbbbbbbbbb"
	trackC = "https://www.youtube.com/watch?v=ccccccccccc"
)

func TestPlayFromEmptySession(t *testing.T) {
	h := newHarness(t)
	h.acquirer.gate = make(chan struct{})

	res, err := h.play(t, trackA)
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if !res.Started || res.Position != 0 {
		t.Errorf("expected track to start right away, got %+v", res)
	}
	if snap := h.snapshot(t); snap.State != StateLoading {
		t.Errorf("expected loading while the download is pending, got %s", snap.State)
	}

	close(h.acquirer.gate)
	h.waitPlaying(t, trackA)

	h.connector.handle().finish(nil)
	h.waitState(t, StateIdle)
}

func TestPlayWhilePlayingQueues(t *testing.T) {
	h := newHarness(t)
	if _, err := h.play(t, trackA); err != nil {
		t.Fatalf("play A: %v", err)
	}
	h.waitPlaying(t, trackA)

	res, err := h.play(t, trackB)
	if err != nil {
		t.Fatalf("play B: %v", err)
	}
	if res.Started || res.Position != 1 {
		t.Errorf("expected B queued at position 1, got %+v", res)
	}

	snap := h.snapshot(t)
	if snap.Current == nil || snap.Current.Track.Identifier != trackA {
		t.Fatalf("expected A still playing, got %+v", snap.Current)
	}
	if len(snap.Queue) != 1 || snap.Queue[0].Identifier != trackB {
		t.Errorf("expected queue [B], got %+v", snap.Queue)
	}
	if n := h.connector.handle().playCount(); n != 1 {
		t.Errorf("expected one stream, got %d", n)
	}
}

func TestPlayAtPromotesQueuedTrack(t *testing.T) {
	tests := []struct {
		name      string
		loop      bool
		wantQueue []string
	}{
		{name: "loop off discards the stopped track", loop: false, wantQueue: nil},
		{name: "loop on re-appends the stopped track", loop: true, wantQueue: []string{trackA}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()

			if _, err := h.play(t, trackA); err != nil {
				t.Fatalf("play A: %v", err)
			}
			h.waitPlaying(t, trackA)
			if _, err := h.play(t, trackB); err != nil {
				t.Fatalf("play B: %v", err)
			}
			if tt.loop {
				if on, err := h.engine.ToggleLoop(ctx, testGuild); err != nil || !on {
					t.Fatalf("toggle loop: %v %v", on, err)
				}
			}

			got, err := h.engine.PlayAt(ctx, testGuild, 1)
			if err != nil {
				t.Fatalf("play at: %v", err)
			}
			if got.Identifier != trackB {
				t.Errorf("expected B promoted, got %s", got.Identifier)
			}

			snap := h.waitPlaying(t, trackB)
			var queue []string
			for _, q := range snap.Queue {
				queue = append(queue, q.Identifier)
			}
			if strings.Join(queue, ",") != strings.Join(tt.wantQueue, ",") {
				t.Errorf("expected queue %v, got %v", tt.wantQueue, queue)
			}
		})
	}
}

func TestPlayAtRejectsBadPosition(t *testing.T) {
	h := newHarness(t)
	if _, err := h.play(t, trackA); err != nil {
		t.Fatalf("play: %v", err)
	}
	h.waitPlaying(t, trackA)

	if _, err := h.engine.PlayAt(context.Background(), testGuild, 3); !errors.Is(err, ErrInvalidPosition) {
		t.Errorf("expected ErrInvalidPosition, got %v", err)
	}
	h.waitPlaying(t, trackA)
}

func TestDuplicateBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.acquirer.gate = make(chan struct{})
	defer close(h.acquirer.gate)

	if _, err := h.play(t, trackA); err != nil {
		t.Fatalf("first play: %v", err)
	}
	if _, err := h.play(t, trackA); !errors.Is(err, ErrDuplicateQueue) {
		t.Errorf("expected ErrDuplicateQueue, got %v", err)
	}
	// Another spelling of the same video
	if _, err := h.play(t, "https://youtu.be/aaaaaaaaaaa"); !errors.Is(err, ErrDuplicateQueue) {
		t.Errorf("expected ErrDuplicateQueue for short link, got %v", err)
	}
}

func TestFailedAcquisitionAdvances(t *testing.T) {
	h := newHarness(t, withDisplay())
	h.acquirer.gate = make(chan struct{})
	h.acquirer.failOn(trackA, &AcquisitionError{Kind: KindExtraction, Identifier: trackA, Err: errors.New("video unavailable")})

	if _, err := h.play(t, trackA); err != nil {
		t.Fatalf("play A: %v", err)
	}
	if _, err := h.play(t, trackB); err != nil {
		t.Fatalf("play B: %v", err)
	}
	close(h.acquirer.gate)

	h.waitPlaying(t, trackB)
	eventually(t, "failure notice", func() bool { return h.surface.noticeCount() > 0 })

	h.surface.mu.Lock()
	notice := h.surface.notices[0]
	h.surface.mu.Unlock()
	if !strings.Contains(notice, "unavailable") {
		t.Errorf("expected extraction reason in notice, got %q", notice)
	}
}

func TestTooManyFailuresIdles(t *testing.T) {
	h := newHarness(t)
	h.acquirer.gate = make(chan struct{})

	ids := make([]string, 0, maxSkipAhead+1)
	for i := 0; i <= maxSkipAhead; i++ {
		id := "https://example.com/track/" + string(rune('a'+i))
		h.acquirer.failOn(id, errors.New("boom"))
		ids = append(ids, id)
	}
	for _, id := range ids {
		if _, err := h.play(t, id); err != nil {
			t.Fatalf("play %s: %v", id, err)
		}
	}
	close(h.acquirer.gate)

	snap := h.waitState(t, StateIdle)
	if len(snap.Queue) != 1 {
		t.Errorf("expected the last track left queued, got %d", len(snap.Queue))
	}
}

func TestSingleStreamWithManyQueued(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{trackA, trackB, trackC} {
		if _, err := h.play(t, id); err != nil {
			t.Fatalf("play %s: %v", id, err)
		}
	}
	h.waitPlaying(t, trackA)
	if n := h.connector.handle().playCount(); n != 1 {
		t.Errorf("expected one stream, got %d", n)
	}

	h.connector.handle().finish(nil)
	h.waitPlaying(t, trackB)
	if n := h.connector.handle().playCount(); n != 2 {
		t.Errorf("expected two streams in total, got %d", n)
	}
}

func TestPauseExcludesPausedTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.play(t, trackA); err != nil {
		t.Fatalf("play: %v", err)
	}
	h.waitPlaying(t, trackA)

	h.clock.Advance(10 * time.Second)
	if err := h.engine.Pause(ctx, testGuild); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// Pausing twice is a no-op
	if err := h.engine.Pause(ctx, testGuild); err != nil {
		t.Fatalf("second pause: %v", err)
	}
	h.clock.Advance(30 * time.Second)
	if err := h.engine.Resume(ctx, testGuild); err != nil {
		t.Fatalf("resume: %v", err)
	}

	snap := h.waitState(t, StatePlaying)
	if snap.Current.TotalPaused != 30*time.Second {
		t.Errorf("expected 30s paused, got %v", snap.Current.TotalPaused)
	}
	if got := snap.Current.Elapsed(h.clock.Now()); got != 10*time.Second {
		t.Errorf("expected 10s elapsed, got %v", got)
	}
	hd := h.connector.handle()
	hd.mu.Lock()
	pauses, resumes := hd.pauses, hd.resumes
	hd.mu.Unlock()
	if pauses != 1 || resumes != 1 {
		t.Errorf("expected one pause and one resume on the stream, got %d/%d", pauses, resumes)
	}
}

func TestPauseWithNothingPlaying(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Pause(context.Background(), testGuild); !errors.Is(err, ErrNothingPlaying) {
		t.Errorf("expected ErrNothingPlaying, got %v", err)
	}
	if _, err := h.engine.NowPlaying(context.Background(), testGuild); !errors.Is(err, ErrNothingPlaying) {
		t.Errorf("expected ErrNothingPlaying from now playing, got %v", err)
	}
}

func TestRewardsFlushedOnCompletion(t *testing.T) {
	h := newHarness(t)
	if _, err := h.play(t, trackA); err != nil {
		t.Fatalf("play: %v", err)
	}
	h.waitPlaying(t, trackA)

	h.clock.Advance(time.Minute)
	h.connector.handle().finish(nil)
	h.waitState(t, StateIdle)

	eventually(t, "profile update", func() bool { return h.store.updateCount() == 1 })
	p := h.store.profile(testUser)
	if p.MusicSeconds != 60 {
		t.Errorf("expected 60s listened, got %d", p.MusicSeconds)
	}
	// At least the minimum base rate for a full minute
	if p.Exp < 48 {
		t.Errorf("expected at least 48 exp, got %d", p.Exp)
	}
}

func TestRewardsFromTwoGuildsBothCounted(t *testing.T) {
	h := newHarness(t)
	const otherGuild = testGuild + 1

	if _, err := h.play(t, trackA); err != nil {
		t.Fatalf("play: %v", err)
	}
	h.waitPlaying(t, trackA)
	if _, err := h.playIn(t, otherGuild, trackB); err != nil {
		t.Fatalf("play in second guild: %v", err)
	}
	h.waitPlayingIn(t, otherGuild, trackB)

	h.clock.Advance(time.Minute)
	var wg sync.WaitGroup
	for _, hd := range []*fakeHandle{h.connector.handleAt(0), h.connector.handleAt(1)} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hd.finish(nil)
		}()
	}
	wg.Wait()

	eventually(t, "both flushes", func() bool { return h.store.updateCount() == 2 })
	if p := h.store.profile(testUser); p.MusicSeconds != 120 {
		t.Errorf("expected 120s listened across guilds, got %d", p.MusicSeconds)
	}
}

func TestLoopRepeatsFinishedTrack(t *testing.T) {
	h := newHarness(t)
	if _, err := h.play(t, trackA); err != nil {
		t.Fatalf("play: %v", err)
	}
	h.waitPlaying(t, trackA)
	if _, err := h.engine.ToggleLoop(context.Background(), testGuild); err != nil {
		t.Fatalf("loop: %v", err)
	}

	h.connector.handle().finish(nil)
	eventually(t, "second play of A", func() bool { return h.connector.handle().playCount() == 2 })
	h.waitPlaying(t, trackA)
}

func TestPlaybackErrorDoesNotLoop(t *testing.T) {
	h := newHarness(t)
	if _, err := h.play(t, trackA); err != nil {
		t.Fatalf("play: %v", err)
	}
	h.waitPlaying(t, trackA)
	if _, err := h.engine.ToggleLoop(context.Background(), testGuild); err != nil {
		t.Fatalf("loop: %v", err)
	}

	h.connector.handle().finish(&PlaybackError{Err: errors.New("stream broke")})
	snap := h.waitState(t, StateIdle)
	if len(snap.Queue) != 0 {
		t.Errorf("expected a broken track not to be repeated, got %+v", snap.Queue)
	}
}

func TestSkip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, _, err := h.engine.Skip(ctx, testGuild); err != nil {
		t.Fatalf("skip without session: %v", err)
	}

	for _, id := range []string{trackA, trackB} {
		if _, err := h.play(t, id); err != nil {
			t.Fatalf("play %s: %v", id, err)
		}
	}
	h.waitPlaying(t, trackA)

	skipped, ok, err := h.engine.Skip(ctx, testGuild)
	if err != nil || !ok {
		t.Fatalf("skip: %v %v", ok, err)
	}
	if skipped.Identifier != trackA {
		t.Errorf("expected A skipped, got %s", skipped.Identifier)
	}
	h.waitPlaying(t, trackB)
}

func TestSkipWithLoopAppendsToTail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{trackA, trackB} {
		if _, err := h.play(t, id); err != nil {
			t.Fatalf("play %s: %v", id, err)
		}
	}
	h.waitPlaying(t, trackA)
	if _, err := h.engine.ToggleLoop(ctx, testGuild); err != nil {
		t.Fatalf("loop: %v", err)
	}
	if _, _, err := h.engine.Skip(ctx, testGuild); err != nil {
		t.Fatalf("skip: %v", err)
	}

	snap := h.waitPlaying(t, trackB)
	if len(snap.Queue) != 1 || snap.Queue[0].Identifier != trackA {
		t.Errorf("expected A at the tail, got %+v", snap.Queue)
	}
}

func TestQueueEditing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{trackA, trackB, trackC, "https://example.com/d"} {
		if _, err := h.play(t, id); err != nil {
			t.Fatalf("play %s: %v", id, err)
		}
	}
	h.waitPlaying(t, trackA)

	removed, err := h.engine.RemoveAt(ctx, testGuild, 2)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed.Identifier != trackC {
		t.Errorf("expected C removed, got %s", removed.Identifier)
	}
	view, err := h.engine.ListQueue(ctx, testGuild)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(view.Tracks) != 2 || view.Tracks[0].Identifier != trackB || view.Tracks[1].Identifier != "https://example.com/d" {
		t.Errorf("unexpected order after remove: %+v", view.Tracks)
	}
	if view.Current == nil || view.Current.Identifier != trackA {
		t.Errorf("expected A current, got %+v", view.Current)
	}

	if _, err := h.engine.RemoveAt(ctx, testGuild, 0); !errors.Is(err, ErrInvalidPosition) {
		t.Errorf("expected ErrInvalidPosition, got %v", err)
	}
	if err := h.engine.ShuffleQueue(ctx, testGuild); err != nil {
		t.Errorf("shuffle two tracks: %v", err)
	}

	n, err := h.engine.ClearQueue(ctx, testGuild)
	if err != nil || n != 2 {
		t.Errorf("expected 2 cleared, got %d %v", n, err)
	}
	if err := h.engine.ShuffleQueue(ctx, testGuild); !errors.Is(err, ErrQueueTooShort) {
		t.Errorf("expected ErrQueueTooShort, got %v", err)
	}
	h.waitPlaying(t, trackA)
}

func TestStopTearsDown(t *testing.T) {
	h := newHarness(t, withDisplay())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := h.play(t, trackA); err != nil {
		t.Fatalf("play: %v", err)
	}
	h.waitPlaying(t, trackA)
	h.engine.Render(ctx, testGuild)
	if h.surface.liveCount() == 0 {
		t.Fatal("expected a status message")
	}
	handle := h.connector.handle()

	if err := h.engine.Stop(ctx, testGuild); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !handle.isDisconnected() {
		t.Error("expected voice disconnected")
	}
	if h.engine.Sessions() != 0 {
		t.Errorf("expected no sessions, got %d", h.engine.Sessions())
	}
	if n := h.surface.liveCount(); n != 0 {
		t.Errorf("expected every owned message deleted, %d left", n)
	}
	if err := h.engine.Stop(ctx, testGuild); err != nil {
		t.Errorf("second stop: %v", err)
	}

	// Pins are released
	eventually(t, "cache unpinned", func() bool { return h.cache.Stats().Referenced == 0 })
}

func TestStopTimeoutStillRetiresMessages(t *testing.T) {
	h := newHarness(t, withDisplay())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := h.play(t, trackA); err != nil {
		t.Fatalf("play: %v", err)
	}
	h.waitPlaying(t, trackA)
	h.engine.Render(ctx, testGuild)
	if h.surface.liveCount() == 0 {
		t.Fatal("expected a status message")
	}
	handle := h.connector.handle()

	// Hold the session busy so the stop cannot get its turn in time
	s, _ := h.engine.registry.Get(testGuild)
	release := make(chan struct{})
	s.post(func() { <-release })

	short, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelShort()
	if err := h.engine.Stop(short, testGuild); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the stop to time out, got %v", err)
	}
	if h.engine.Sessions() != 0 {
		t.Errorf("expected the session dropped, got %d", h.engine.Sessions())
	}

	close(release)
	eventually(t, "voice disconnected", handle.isDisconnected)
	eventually(t, "messages retired", func() bool { return h.surface.liveCount() == 0 })
}

func TestStopDuringDownloadDiscardsResult(t *testing.T) {
	h := newHarness(t)
	h.acquirer.gate = make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := h.play(t, trackA); err != nil {
		t.Fatalf("play: %v", err)
	}
	h.waitState(t, StateLoading)
	handle := h.connector.handle()

	if err := h.engine.Stop(ctx, testGuild); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(h.acquirer.gate)

	eventually(t, "download stored", func() bool { return h.cache.Stats().Entries == 1 })
	eventually(t, "pin released", func() bool { return h.cache.Stats().Referenced == 0 })
	if n := handle.playCount(); n != 0 {
		t.Errorf("stale download must not play, got %d streams", n)
	}
	if h.engine.Sessions() != 0 {
		t.Errorf("expected no sessions, got %d", h.engine.Sessions())
	}
}

func TestStatusMessageRecreated(t *testing.T) {
	h := newHarness(t, withDisplay())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := h.play(t, trackA); err != nil {
		t.Fatalf("play: %v", err)
	}
	h.waitPlaying(t, trackA)
	h.engine.Render(ctx, testGuild)
	first := h.snapshot(t).Status
	if first.IsZero() {
		t.Fatal("expected a status message")
	}

	// Someone deletes it by hand
	h.surface.mu.Lock()
	delete(h.surface.live, first.MessageID)
	h.surface.mu.Unlock()

	h.engine.Render(ctx, testGuild)
	second := h.snapshot(t).Status
	if second.IsZero() || second == first {
		t.Fatalf("expected a new status message, got %+v", second)
	}
	h.surface.mu.Lock()
	view, ok := h.surface.live[second.MessageID]
	h.surface.mu.Unlock()
	if !ok || view.Title == "" || view.State != StatePlaying {
		t.Errorf("expected a playing view, got %+v", view)
	}
}

func TestEnqueueRequiresVoice(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Play(context.Background(), PlayRequest{GuildID: testGuild, RequesterID: 999, Query: trackA})
	if !errors.Is(err, ErrVoiceUnavailable) {
		t.Errorf("expected ErrVoiceUnavailable, got %v", err)
	}
}

func TestConnectFailureDropsSession(t *testing.T) {
	h := newHarness(t)
	h.connector.failWith = errors.New("gateway closed")

	if _, err := h.play(t, trackA); !errors.Is(err, ErrVoiceUnavailable) {
		t.Fatalf("expected ErrVoiceUnavailable, got %v", err)
	}
	eventually(t, "session dropped", func() bool { return h.engine.Sessions() == 0 })
}

func TestHandleDisconnect(t *testing.T) {
	h := newHarness(t)
	if _, err := h.play(t, trackA); err != nil {
		t.Fatalf("play: %v", err)
	}
	h.waitPlaying(t, trackA)

	h.engine.HandleDisconnect(testGuild)
	eventually(t, "session dropped", func() bool { return h.engine.Sessions() == 0 })

	// A fresh play opens a new session
	if _, err := h.play(t, trackB); err != nil {
		t.Fatalf("play after disconnect: %v", err)
	}
	h.waitPlaying(t, trackB)
}

func TestSleepTimer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.engine.SleepAt(ctx, testGuild, h.clock.Now().Add(time.Minute)); !errors.Is(err, ErrNothingPlaying) {
		t.Errorf("expected ErrNothingPlaying without a session, got %v", err)
	}

	if _, err := h.play(t, trackA); err != nil {
		t.Fatalf("play: %v", err)
	}
	h.waitPlaying(t, trackA)

	if err := h.engine.SleepAt(ctx, testGuild, h.clock.Now().Add(-time.Second)); !errors.Is(err, ErrTimeInPast) {
		t.Errorf("expected ErrTimeInPast, got %v", err)
	}
	if err := h.engine.SleepAt(ctx, testGuild, h.clock.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	eventually(t, "sleep timer", func() bool { return h.engine.Sessions() == 0 })
}

func TestDownloadProgressShownWhileLoading(t *testing.T) {
	h := newHarness(t)
	h.acquirer.reportProgress = true
	if _, err := h.play(t, trackA); err != nil {
		t.Fatalf("play: %v", err)
	}
	snap := h.waitPlaying(t, trackA)
	if snap.LoadPercent != 100 {
		t.Errorf("expected load percent 100 once playing, got %d", snap.LoadPercent)
	}
}

package proc

import (
	"context"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/thienlam/sys"
)

type State int

const (
	StateDisconnected State = iota
	StateIdle
	StateLoading
	StatePlaying
	StatePaused
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// StatusRef points at a message the session owns.
type StatusRef struct {
	ChannelID snowflake.ID
	MessageID snowflake.ID
}

func (r StatusRef) IsZero() bool { return r.MessageID == 0 }

const mailboxSize = 64

// Session is the playback state of one guild. Every field below the mailbox
// is owned by the run goroutine and must only be touched from posted ops.
type Session struct {
	GuildID snowflake.ID
	engine  *Engine

	ops      chan func()
	done     chan struct{}
	postMu   sync.Mutex
	closing  bool
	renderMu sync.Mutex

	state        State
	handle       Handle
	voiceChannel snowflake.ID
	textChannel  snowflake.ID
	current      *CurrentTrack
	loading      *QueuedTrack
	queue        []QueuedTrack
	loop         bool
	gen          uint64
	failures     int
	status       StatusRef
	transient    []StatusRef
	loadPercent  int
	sleepTimer   *time.Timer
	sleepAt      time.Time
	closed       bool
}

func newSession(guildID snowflake.ID, e *Engine) *Session {
	s := &Session{
		GuildID: guildID,
		engine:  e,
		ops:     make(chan func(), mailboxSize),
		done:    make(chan struct{}),
		state:   StateDisconnected,
	}
	sys.SafeGo(s.run)
	return s
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.ops:
			s.exec(fn)
		case <-s.done:
			// Nothing can be posted once closing is set, so this empties the mailbox for good
			for {
				select {
				case fn := <-s.ops:
					s.exec(fn)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) exec(fn func()) {
	defer sys.Recover()
	fn()
}

// post queues fn on the session goroutine. It reports false once the session is closed.
func (s *Session) post(fn func()) bool {
	for {
		s.postMu.Lock()
		if s.closing {
			s.postMu.Unlock()
			return false
		}
		select {
		case s.ops <- fn:
			s.postMu.Unlock()
			return true
		default:
		}
		s.postMu.Unlock()

		// Mailbox full
		select {
		case <-s.done:
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// closeMailbox runs on the session goroutine.
func (s *Session) closeMailbox() {
	s.postMu.Lock()
	s.closing = true
	s.postMu.Unlock()
	close(s.done)
}

// Closed reports whether the session has terminated.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// do runs fn on the session goroutine and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !s.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrSessionClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the session goroutine and returns its result.
func call[T any](ctx context.Context, s *Session, fn func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	if derr := s.do(ctx, func() {
		if s.closed {
			err = ErrSessionClosed
			return
		}
		out, err = fn()
	}); derr != nil {
		return out, derr
	}
	return out, err
}

// ===========================
// Snapshots
// ===========================

type SessionSnapshot struct {
	GuildID     snowflake.ID
	State       State
	Current     *CurrentTrack
	Loading     *QueuedTrack
	Queue       []QueuedTrack
	Loop        bool
	Status      StatusRef
	TextChannel snowflake.ID
	LoadPercent int
	SleepAt     time.Time
}

func (s *Session) snapshot() SessionSnapshot {
	snap := SessionSnapshot{
		GuildID:     s.GuildID,
		State:       s.state,
		Queue:       append([]QueuedTrack(nil), s.queue...),
		Loop:        s.loop,
		Status:      s.status,
		TextChannel: s.textChannel,
		LoadPercent: s.loadPercent,
		SleepAt:     s.sleepAt,
	}
	if s.current != nil {
		c := *s.current
		c.profile, c.entry = nil, nil
		snap.Current = &c
	}
	if s.loading != nil {
		l := *s.loading
		snap.Loading = &l
	}
	return snap
}

func (s *Session) Snapshot(ctx context.Context) (SessionSnapshot, error) {
	return call(ctx, s, func() (SessionSnapshot, error) { return s.snapshot(), nil })
}

// setStatus records a freshly created status message, replacing the old one.
func (s *Session) setStatus(ref StatusRef) (old StatusRef, ok bool) {
	if s.closed {
		return StatusRef{}, false
	}
	old = s.status
	s.status = ref
	return old, true
}

func (s *Session) addTransient(ref StatusRef) bool {
	if s.closed {
		return false
	}
	s.transient = append(s.transient, ref)
	return true
}

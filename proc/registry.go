package proc

import (
	"sync"

	"github.com/disgoorg/snowflake/v2"
)

// Registry owns the one live session of every guild.
type Registry struct {
	mu       sync.Mutex
	sessions map[snowflake.ID]*Session
	factory  func(guildID snowflake.ID) *Session
}

func NewRegistry(factory func(guildID snowflake.ID) *Session) *Registry {
	return &Registry{sessions: make(map[snowflake.ID]*Session), factory: factory}
}

// GetOrCreate returns the guild's session, replacing one that has already closed.
func (r *Registry) GetOrCreate(guildID snowflake.ID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[guildID]; ok && !s.Closed() {
		return s
	}
	s := r.factory(guildID)
	r.sessions[guildID] = s
	return s
}

func (r *Registry) Get(guildID snowflake.ID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[guildID]
	if !ok || s.Closed() {
		return nil, false
	}
	return s, true
}

func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if !s.Closed() {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.All())
}

// remove drops s if it is still the guild's session.
func (r *Registry) remove(guildID snowflake.ID, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[guildID]; ok && cur == s {
		delete(r.sessions, guildID)
	}
}

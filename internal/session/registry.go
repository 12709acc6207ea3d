package session

import (
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/panoptes-ai/panoptes/internal/agent/core"
	"github.com/panoptes-ai/panoptes/internal/toolchan"
)

// Session binds one tool channel and orchestrator to a session id.
type Session struct {
	ID           string
	ServerType   string
	Channel      *toolchan.Channel
	Orchestrator *core.Orchestrator
	CreatedAt    time.Time

	mu         sync.Mutex
	lastActive time.Time
}

// Touch marks the session as recently used
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the most recent use time
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) teardown(logger *log.Logger) {
	if s.Channel == nil {
		return
	}
	if err := s.Channel.Close(); err != nil {
		logger.Printf("teardown of session %s: %v", s.ID, err)
	}
}

// Registry holds all live sessions for this process.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *log.Logger
	stop     chan struct{}
	stopped  bool
}

// NewRegistry creates an empty registry
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(log.Writer(), "[SESSIONS] ", log.LstdFlags)
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Put stores a session. An existing session with the same id is
// replaced and torn down.
func (r *Registry) Put(s *Session) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.Touch()

	r.mu.Lock()
	old := r.sessions[s.ID]
	r.sessions[s.ID] = s
	r.mu.Unlock()

	if old != nil {
		r.logger.Printf("replacing existing session %s", s.ID)
		old.teardown(r.logger)
	}
}

// Get returns the session for an id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Delete removes and tears down a session. Deleting an unknown id is
// a no-op; teardown failures are logged, not returned.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		s.teardown(r.logger)
		r.logger.Printf("session %s deleted", id)
	}
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown tears down every session and stops the janitor
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	if !r.stopped {
		r.stopped = true
		close(r.stop)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.teardown(r.logger)
	}
	r.logger.Printf("shutdown complete, %d sessions torn down", len(sessions))
}

// StartJanitor sweeps idle sessions on a cron schedule
func (r *Registry) StartJanitor(schedule string, idleTTL time.Duration) error {
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return err
	}
	go func() {
		for {
			next := expr.Next(time.Now())
			select {
			case <-time.After(time.Until(next)):
				r.sweep(idleTTL)
			case <-r.stop:
				return
			}
		}
	}()
	return nil
}

func (r *Registry) sweep(idleTTL time.Duration) {
	cutoff := time.Now().Add(-idleTTL)

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.LastActive().Before(cutoff) {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.logger.Printf("expiring idle session %s", s.ID)
		s.teardown(r.logger)
	}
}

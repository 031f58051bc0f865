package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chadiek/callstream/internal/callerr"
)

// ErrCapacity is returned when the registry is at its concurrent call limit.
var ErrCapacity = errors.New("session registry at capacity")

const releaseTimeout = 3 * time.Second

// Claimer reserves a call id across replicas.
type Claimer interface {
	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

// Registry maps live call ids to sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	max      int
	claimer  Claimer
	logger   *zap.Logger
}

// NewRegistry creates a registry. max <= 0 means unbounded; claimer may be nil.
func NewRegistry(max int, claimer Claimer, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{sessions: make(map[string]*Session), max: max, claimer: claimer, logger: logger}
}

// Create builds and registers a session. A duplicate id fails with
// *callerr.DuplicateSessionError and leaves the existing entry untouched.
// The entry is removed automatically when the session ends.
func (r *Registry) Create(ctx context.Context, id string, dir Direction, deps Deps, opts Options) (*Session, error) {
	s, err := New(id, dir, deps, opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, &callerr.DuplicateSessionError{ID: id}
	}
	if r.max > 0 && len(r.sessions) >= r.max {
		r.mu.Unlock()
		return nil, ErrCapacity
	}
	r.sessions[id] = s
	r.mu.Unlock()

	claimed := false
	if r.claimer != nil {
		ok, err := r.claimer.Claim(ctx, id)
		switch {
		case err != nil:
			// Claim store unreachable: the call proceeds unclaimed.
			r.logger.Warn("call claim unavailable, continuing locally", zap.String("call_sid", id), zap.Error(err))
		case !ok:
			r.remove(id, s)
			return nil, &callerr.DuplicateSessionError{ID: id}
		default:
			claimed = true
		}
	}

	s.release = func() {
		r.remove(id, s)
		if claimed {
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := r.claimer.Release(rctx, id); err != nil {
				r.logger.Warn("release call claim", zap.String("call_sid", id), zap.Error(err))
			}
		}
	}
	return s, nil
}

// remove deletes id only while it still maps to s.
func (r *Registry) remove(id string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
	}
}

// Get returns the live session for id or callerr.ErrNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, callerr.ErrNotFound)
	}
	return s, nil
}

// Remove asks the session for id to end. The entry is dropped by the
// session itself once it has ended, so the id stays taken until then. A
// session that was never run is ended here.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	if s.started.CompareAndSwap(false, true) {
		s.end(ReasonHangup)
		return
	}
	s.Hangup(ReasonHangup)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns snapshots of all live sessions ordered by id.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()
	out := make([]Snapshot, 0, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HangupAll ends every live session, used on shutdown.
func (r *Registry) HangupAll(reason string) {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()
	for _, s := range live {
		s.Hangup(reason)
	}
}

// Package session provides the process-wide registry that maps session
// identifiers to run output directories, and strategy names to the session
// that currently owns them.
//
// State is in memory only and lost when the process restarts. All
// operations are serialized under one mutex. An optional bound evicts the
// least recently used session once exceeded.
package session

import (
	"container/list"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rhuss/backtestd/pkg/api"
	"github.com/rhuss/backtestd/pkg/debug"
	"github.com/rhuss/backtestd/pkg/observability"
)

// ErrNotFound is returned when a session or strategy name is not registered.
var ErrNotFound = errors.New("session not found")

// Session is a snapshot of a registered session.
type Session struct {
	ID         string
	RunID      string
	Dir        string
	Strategies []string
	CreatedAt  time.Time
}

// Info converts the snapshot to its wire form.
func (s Session) Info() api.SessionInfo {
	return api.SessionInfo{
		ID:         s.ID,
		RunID:      s.RunID,
		Strategies: append([]string{}, s.Strategies...),
		CreatedAt:  s.CreatedAt.Unix(),
	}
}

// EvictFunc is called, outside the registry lock, for every session that
// leaves the registry through eviction, Release, or Close.
type EvictFunc func(s Session)

type entry struct {
	sess    Session
	lruElem *list.Element
}

// Registry maps session IDs to directories and strategy names to session IDs.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	issued   map[string]struct{} // every ID handed out since New
	owners   map[string]string // strategy name -> session ID
	lruList  *list.List        // front = most recently used
	maxSize  int               // 0 = unlimited
	onEvict  EvictFunc
	newID    func() string
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithEvictFunc sets the hook invoked when sessions leave the registry.
func WithEvictFunc(fn EvictFunc) Option {
	return func(r *Registry) { r.onEvict = fn }
}

// New creates a registry. If maxSize is 0 the registry grows without limit.
func New(maxSize int, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*entry),
		issued:   make(map[string]struct{}),
		owners:   make(map[string]string),
		lruList:  list.New(),
		maxSize:  maxSize,
		newID:    api.NewSessionID,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allocate creates a session for dir and returns its identifier. An
// identifier is handed out at most once per registry, even after its
// session was released or evicted. Allocating beyond the size bound evicts
// the least recently used session.
func (r *Registry) Allocate(runID, dir string) string {
	r.mu.Lock()

	id := r.newID()
	for {
		if _, taken := r.issued[id]; !taken {
			break
		}
		id = r.newID()
	}
	r.issued[id] = struct{}{}

	var evicted []Session
	for r.maxSize > 0 && len(r.sessions) >= r.maxSize {
		s, ok := r.evictOldest()
		if !ok {
			break
		}
		evicted = append(evicted, s)
	}

	e := &entry{sess: Session{ID: id, RunID: runID, Dir: dir, CreatedAt: r.now()}}
	e.lruElem = r.lruList.PushFront(id)
	r.sessions[id] = e
	active := len(r.sessions)
	r.mu.Unlock()

	observability.SessionsActive.Set(float64(active))
	debug.Log("sessions", "allocated", "session_id", id, "run_id", runID, "dir", dir)
	for _, s := range evicted {
		observability.SessionsEvictedTotal.Inc()
		slog.Info("session evicted", "session_id", s.ID, "strategies", s.Strategies)
		r.notify(s)
	}
	return id
}

// Register points every strategy name at the session. A name already owned
// by another session is taken over (last writer wins); the previous
// session stays reachable through its ID.
func (r *Registry) Register(names []string, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	for _, name := range names {
		if prev, owned := r.owners[name]; owned && prev != id {
			debug.Log("sessions", "strategy ownership moved", "strategy", name, "from", prev, "to", id)
		}
		r.owners[name] = id
	}
	e.sess.Strategies = append(e.sess.Strategies, names...)
	r.lruList.MoveToFront(e.lruElem)
	return nil
}

// Resolve returns the session that currently owns a strategy name.
func (r *Registry) Resolve(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.owners[name]
	if !ok {
		return "", ErrNotFound
	}
	r.touch(id)
	return id, nil
}

// DirectoryOf returns the output directory of a session.
func (r *Registry) DirectoryOf(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return "", ErrNotFound
	}
	r.lruList.MoveToFront(e.lruElem)
	return e.sess.Dir, nil
}

// Lookup resolves a strategy name and returns its session in one step.
func (r *Registry) Lookup(name string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.owners[name]
	if !ok {
		return Session{}, ErrNotFound
	}
	return r.getLocked(id)
}

// Get returns a snapshot of a session.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.getLocked(id)
}

// List returns snapshots of all sessions, newest first.
func (r *Registry) List() []Session {
	r.mu.Lock()
	result := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		result = append(result, snapshot(e.sess))
	}
	r.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Release removes a session and the strategy names it owns.
func (r *Registry) Release(id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	s := r.removeLocked(e)
	active := len(r.sessions)
	r.mu.Unlock()

	observability.SessionsActive.Set(float64(active))
	debug.Log("sessions", "released", "session_id", id)
	r.notify(s)
	return nil
}

// Close releases every session.
func (r *Registry) Close() error {
	r.mu.Lock()
	released := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		released = append(released, r.removeLocked(e))
	}
	r.mu.Unlock()

	observability.SessionsActive.Set(0)
	for _, s := range released {
		r.notify(s)
	}
	return nil
}

func (r *Registry) getLocked(id string) (Session, error) {
	e, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	r.lruList.MoveToFront(e.lruElem)
	return snapshot(e.sess), nil
}

// touch marks a session as recently used. Must be called with r.mu held.
func (r *Registry) touch(id string) {
	if e, ok := r.sessions[id]; ok {
		r.lruList.MoveToFront(e.lruElem)
	}
}

// evictOldest removes the least recently used session.
// Must be called with r.mu held.
func (r *Registry) evictOldest() (Session, bool) {
	back := r.lruList.Back()
	if back == nil {
		return Session{}, false
	}
	e := r.sessions[back.Value.(string)]
	return r.removeLocked(e), true
}

// removeLocked drops a session and every owner mapping still pointing at
// it. Must be called with r.mu held.
func (r *Registry) removeLocked(e *entry) Session {
	r.lruList.Remove(e.lruElem)
	delete(r.sessions, e.sess.ID)
	for _, name := range e.sess.Strategies {
		if r.owners[name] == e.sess.ID {
			delete(r.owners, name)
		}
	}
	return snapshot(e.sess)
}

func (r *Registry) notify(s Session) {
	if r.onEvict != nil {
		r.onEvict(s)
	}
}

func snapshot(s Session) Session {
	s.Strategies = append([]string(nil), s.Strategies...)
	return s
}

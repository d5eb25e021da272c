// Package registry tracks live WebSocket relay sessions and enforces the
// concurrent session ceiling.
package registry

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrCapacityExceeded is returned by Reserve when the session ceiling is reached.
var ErrCapacityExceeded = errors.New("too many WebSocket connections")

// ErrShuttingDown is returned by Reserve and Register once CloseAll has run.
var ErrShuttingDown = errors.New("proxy is shutting down")

const replacedReason = "Session replaced"

// Registry maps session ids to live sessions. A max of zero or less means no limit.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	pending  int
	max      int

	closed      bool
	closeCode   int
	closeReason string

	newID func() string
}

// New creates an empty Registry holding at most max sessions.
func New(max int) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		max:      max,
		newID:    uuid.NewString,
	}
}

// Reservation holds one slot while the outbound side is still connecting.
type Reservation struct {
	r    *Registry
	once sync.Once
}

// Reserve claims a slot, failing with ErrCapacityExceeded at the ceiling.
func (r *Registry) Reserve() (*Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrShuttingDown
	}
	if r.max > 0 && len(r.sessions)+r.pending >= r.max {
		return nil, ErrCapacityExceeded
	}
	r.pending++
	return &Reservation{r: r}, nil
}

// Release frees the slot if it was never turned into a session.
func (res *Reservation) Release() {
	res.once.Do(func() {
		res.r.mu.Lock()
		res.r.pending--
		res.r.mu.Unlock()
	})
}

// Register converts the reservation into a registered session and returns its id.
// The session removes itself from the registry when it is closed. After CloseAll
// the session is closed with the shutdown code and ErrShuttingDown is returned.
func (res *Reservation) Register(s *Session) (string, error) {
	var (
		id  string
		err error
	)
	res.once.Do(func() {
		r := res.r
		s.onClose = r.evict

		r.mu.Lock()
		r.pending--
		if r.closed {
			code, reason := r.closeCode, r.closeReason
			r.mu.Unlock()
			s.Close(code, reason)
			err = ErrShuttingDown
			return
		}
		id = r.newID()
		s.id = id
		prev := r.sessions[id]
		r.sessions[id] = s
		r.mu.Unlock()

		// The earlier holder of the id is closed, never dropped silently.
		if prev != nil {
			prev.Close(websocket.CloseGoingAway, replacedReason)
		}
	})
	return id, err
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes id from the registry and reports whether it was present.
// It does not close the session.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// evict removes s only while it is still the session stored under its id.
func (r *Registry) evict(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Max returns the configured session ceiling.
func (r *Registry) Max() int {
	return r.max
}

// CloseAll closes every registered session with code and reason and empties
// the registry. Sessions still connecting are closed the same way when they
// register, and no new slots are handed out.
func (r *Registry) CloseAll(code int, reason string) int {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		r.closeCode, r.closeReason = code, reason
	}
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close(code, reason)
		}()
	}
	wg.Wait()

	return len(sessions)
}

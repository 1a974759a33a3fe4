package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// MinAPIKeyLength is the shortest API key accepted at login.
	MinAPIKeyLength = 20

	defaultStopTimeout = 5 * time.Second
)

// EventType names a registry change.
type EventType string

const (
	EventCreated EventType = "session.created"
	EventUpdated EventType = "session.updated"
	EventRemoved EventType = "session.removed"
)

// Reasons attached to EventRemoved.
const (
	ReasonLogout   = "logout"
	ReasonReaped   = "reaped"
	ReasonShutdown = "shutdown"
)

// Event describes a change to a session in the registry.
type Event struct {
	Type    EventType `json:"type"`
	Session Summary   `json:"session"`
	Reason  string    `json:"reason,omitempty"`
}

// Options configures a Registry.
type Options struct {
	Launcher  Launcher
	Responder Responder
	// StopTimeout bounds the wait between terminate and kill.
	StopTimeout time.Duration
	// MaxSessions caps the number of sessions. Zero means unlimited.
	MaxSessions int
	Catalog     Catalog
	Now         func() time.Time
}

// Registry is the concurrency-safe store of sessions keyed by session ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	launcher    Launcher
	responder   Responder
	stopTimeout time.Duration
	maxSessions int
	now         func() time.Time

	catalogMu sync.RWMutex
	catalog   Catalog

	observerMu sync.RWMutex
	observer   func(Event)
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		sessions:    make(map[string]*Session),
		launcher:    opts.Launcher,
		responder:   opts.Responder,
		stopTimeout: opts.StopTimeout,
		maxSessions: opts.MaxSessions,
		now:         opts.Now,
		catalog:     opts.Catalog,
	}
	if r.responder == nil {
		r.responder = EchoResponder{}
	}
	if r.stopTimeout <= 0 {
		r.stopTimeout = defaultStopTimeout
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.catalog.Validate() != nil {
		r.catalog = DefaultCatalog()
	}
	return r
}

// SetObserver registers fn to receive every registry event.
func (r *Registry) SetObserver(fn func(Event)) {
	r.observerMu.Lock()
	r.observer = fn
	r.observerMu.Unlock()
}

func (r *Registry) emit(ev Event) {
	r.observerMu.RLock()
	fn := r.observer
	r.observerMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// SetCatalog replaces the model catalog used for sessions created from now on.
func (r *Registry) SetCatalog(c Catalog) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.catalogMu.Lock()
	r.catalog = c.clone()
	r.catalogMu.Unlock()
	return nil
}

// Catalog returns the catalog new sessions are created with.
func (r *Registry) Catalog() Catalog {
	r.catalogMu.RLock()
	defer r.catalogMu.RUnlock()
	return r.catalog.clone()
}

// Create registers a new session for apiKey in the created state.
func (r *Registry) Create(apiKey string) (*Session, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key required", ErrInvalidCredential)
	}
	if utf8.RuneCountInString(apiKey) < MinAPIKeyLength {
		return nil, ErrInvalidCredential
	}

	catalog := r.Catalog()
	now := r.now()
	sess := &Session{
		apiKey:          apiKey,
		createdAt:       now,
		availableModels: catalog.Models,
		launcher:        r.launcher,
		responder:       r.responder,
		stopTimeout:     r.stopTimeout,
		now:             r.now,
		status:          StatusCreated,
		lastActivity:    now,
		currentModel:    catalog.Default,
		output:          NewRingBuffer(defaultOutputCapacity),
	}
	sess.onChange = func(s *Session) {
		r.emit(Event{Type: EventUpdated, Session: s.Summary()})
	}

	r.mu.Lock()
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrSessionLimit, r.maxSessions)
	}
	id := uuid.New().String()
	for r.sessions[id] != nil {
		id = uuid.New().String()
	}
	sess.id = id
	r.sessions[id] = sess
	r.mu.Unlock()

	slog.Info("session created", "sessionId", id)
	r.emit(Event{Type: EventCreated, Session: sess.Summary()})
	return sess, nil
}

// Get returns the session bound to id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotAuthenticated
	}
	return sess, nil
}

// Remove stops the session's worker and deletes the session.
func (r *Registry) Remove(id string) error {
	sess, err := r.Get(id)
	if err != nil {
		return err
	}

	if err := sess.close(); err != nil {
		slog.Error("worker may still be alive, removing session anyway", "sessionId", id, "error", err)
	}

	r.mu.Lock()
	removed := r.sessions[id] == sess
	if removed {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if removed {
		slog.Info("session removed", "sessionId", id, "reason", ReasonLogout)
		r.emit(Event{Type: EventRemoved, Session: sess.Summary(), Reason: ReasonLogout})
	}
	return nil
}

// List returns summaries of all sessions, oldest first.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	result := make([]Summary, 0, len(sessions))
	for _, sess := range sessions {
		result = append(result, sess.Summary())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep removes every session idle for longer than idle and stops its
// worker. Victims are detached under the lock and stopped after it is
// released. It returns the IDs of the removed sessions.
func (r *Registry) Sweep(now time.Time, idle time.Duration) []string {
	victims := r.detachWhere(func(s *Session) bool {
		return s.idleSince(now) > idle
	})

	ids := make([]string, 0, len(victims))
	for _, sess := range victims {
		if err := sess.close(); err != nil {
			slog.Error("worker may still be alive, session reaped anyway", "sessionId", sess.id, "error", err)
		}
		slog.Info("cleaned up inactive session", "sessionId", sess.id)
		r.emit(Event{Type: EventRemoved, Session: sess.Summary(), Reason: ReasonReaped})
		ids = append(ids, sess.id)
	}
	return ids
}

// Shutdown stops every worker and empties the registry.
func (r *Registry) Shutdown() {
	victims := r.detachWhere(func(*Session) bool { return true })

	var wg sync.WaitGroup
	for _, sess := range victims {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			if err := sess.close(); err != nil {
				slog.Error("worker may still be alive at shutdown", "sessionId", sess.id, "error", err)
			}
			r.emit(Event{Type: EventRemoved, Session: sess.Summary(), Reason: ReasonShutdown})
		}(sess)
	}
	wg.Wait()
	slog.Info("registry shutdown complete", "sessionsClosed", len(victims))
}

// detachWhere removes matching sessions from the map and returns them.
func (r *Registry) detachWhere(predicate func(*Session) bool) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var detached []*Session
	for id, sess := range r.sessions {
		if predicate(sess) {
			detached = append(detached, sess)
			delete(r.sessions, id)
		}
	}
	return detached
}

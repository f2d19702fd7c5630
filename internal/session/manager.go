package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxSessions bounds concurrent sessions per process.
const DefaultMaxSessions = 64

// ErrManagerClosed is returned by Add after Shutdown.
var ErrManagerClosed = errors.New("session: manager closed")

// ErrAtCapacity is returned by Add when the worker limit is reached.
var ErrAtCapacity = errors.New("session: at capacity")

// Manager tracks live sessions by ID and runs each on a bounded worker
// group. A session's failure tears down that session only; the others keep
// ticking. All exported methods are safe for concurrent use.
type Manager struct {
	log   *slog.Logger
	group *errgroup.Group

	mu      sync.Mutex
	closed  bool
	entries map[string]*managed
}

type managed struct {
	sess   *Session
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager allowing up to maxSessions concurrent
// sessions (<= 0 selects [DefaultMaxSessions]).
func NewManager(maxSessions int, log *slog.Logger) *Manager {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if log == nil {
		log = slog.Default()
	}
	g := &errgroup.Group{}
	g.SetLimit(maxSessions)
	return &Manager{
		log:     log,
		group:   g,
		entries: make(map[string]*managed),
	}
}

// Add registers sess and starts its tick loop under ctx. The session runs
// until ctx is cancelled, Remove is called, or the session fails on its own.
func (m *Manager) Add(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, exists := m.entries[sess.ID()]; exists {
		m.mu.Unlock()
		return fmt.Errorf("session: id %s already registered", sess.ID())
	}

	sctx, cancel := context.WithCancel(ctx)
	entry := &managed{sess: sess, cancel: cancel, done: make(chan struct{})}
	m.entries[sess.ID()] = entry
	m.mu.Unlock()

	started := m.group.TryGo(func() error {
		defer close(entry.done)
		defer m.drop(sess.ID())

		if err := sess.Run(sctx); err != nil {
			// A session failure is local: log it, never propagate it into
			// the group where it would look process-fatal.
			m.log.Error("session terminated", "session_id", sess.ID(), "error", err)
		}
		if err := sess.Close(); err != nil {
			m.log.Warn("session close", "session_id", sess.ID(), "error", err)
		}
		return nil
	})
	if !started {
		m.drop(sess.ID())
		cancel()
		return fmt.Errorf("%w (max reached)", ErrAtCapacity)
	}
	return nil
}

// Remove stops the identified session and waits for its loop to exit.
// Removing an unknown ID is a no-op.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	entry, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	entry.cancel()
	<-entry.done
}

// Get returns the session with the given ID, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[id]; ok {
		return entry.sess
	}
	return nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Shutdown stops every session and waits for all loops to exit. The manager
// accepts no new sessions afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	cancels := make([]context.CancelFunc, 0, len(m.entries))
	for _, entry := range m.entries {
		cancels = append(cancels, entry.cancel)
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	_ = m.group.Wait()
}

func (m *Manager) drop(id string) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

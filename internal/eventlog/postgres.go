// Package eventlog archives emitted turn events to PostgreSQL for post-call
// analysis. Writes are buffered and flushed by a background worker so the
// archive never sits on the per-frame path; when the buffer is full, events
// are dropped and counted rather than backpressuring a session.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidewave/tidewave/internal/turn"
)

const ddlTurnEvents = `
CREATE TABLE IF NOT EXISTS turn_events (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    kind        TEXT         NOT NULL,
    frame       BIGINT       NOT NULL,
    probability DOUBLE PRECISION NOT NULL,
    duration_ns BIGINT       NOT NULL DEFAULT 0,
    recorded_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turn_events_session_id
    ON turn_events (session_id);

CREATE INDEX IF NOT EXISTS idx_turn_events_recorded_at
    ON turn_events (recorded_at);
`

// bufferDepth is the number of pending events held before drops begin. Turn
// events arrive at conversational rates, so this is hours of slack.
const bufferDepth = 1024

// flushTimeout bounds one insert attempt by the background worker.
const flushTimeout = 5 * time.Second

// Entry is one archived event.
type Entry struct {
	SessionID   string
	Kind        string
	Frame       uint64
	Probability float64
	Duration    time.Duration
	RecordedAt  time.Time
}

// Store is the PostgreSQL-backed turn event archive. All exported methods
// are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger

	queue   chan Entry
	dropped atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewStore connects to the database at dsn, ensures the schema exists, and
// starts the background writer.
func NewStore(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("eventlog: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlTurnEvents); err != nil {
		pool.Close()
		return nil, fmt.Errorf("eventlog: migrate: %w", err)
	}

	s := &Store{
		pool:  pool,
		log:   log,
		queue: make(chan Entry, bufferDepth),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Record queues one event for archival. Never blocks: a full buffer drops
// the event and increments the drop counter.
func (s *Store) Record(sessionID string, ev turn.Event) {
	entry := Entry{
		SessionID:   sessionID,
		Kind:        ev.Kind.String(),
		Frame:       ev.Frame,
		Probability: ev.Probability,
		Duration:    ev.Duration,
		RecordedAt:  time.Now().UTC(),
	}
	select {
	case s.queue <- entry:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to a full buffer.
func (s *Store) Dropped() uint64 {
	return s.dropped.Load()
}

// Events returns the archived events for a session in emission order.
func (s *Store) Events(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, kind, frame, probability, duration_ns, recorded_at
		FROM turn_events
		WHERE session_id = $1
		ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var durationNs int64
		if err := rows.Scan(&e.SessionID, &e.Kind, &e.Frame, &e.Probability,
			&durationNs, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		e.Duration = time.Duration(durationNs)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping reports archive reachability for the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close flushes pending events, stops the writer and releases the pool.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.pool.Close()
	})
}

// writeLoop drains the queue until Close. Insert failures are logged and the
// event is lost; the archive is best effort.
func (s *Store) writeLoop() {
	defer close(s.done)
	for {
		select {
		case entry := <-s.queue:
			s.insert(entry)
		case <-s.stop:
			// Final drain.
			for {
				select {
				case entry := <-s.queue:
					s.insert(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) insert(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO turn_events (session_id, kind, frame, probability, duration_ns, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.SessionID, e.Kind, e.Frame, e.Probability, e.Duration.Nanoseconds(), e.RecordedAt)
	if err != nil {
		s.log.Warn("eventlog: insert failed",
			"session_id", e.SessionID, "kind", e.Kind, "error", err)
	}
}

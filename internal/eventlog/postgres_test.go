package eventlog_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidewave/tidewave/internal/eventlog"
	"github.com/tidewave/tidewave/internal/turn"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if TIDEWAVE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TIDEWAVE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TIDEWAVE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a store against a clean turn_events table.
func newTestStore(t *testing.T) *eventlog.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS turn_events`); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	store, err := eventlog.NewStore(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_RecordAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Record("sess-1", turn.Event{Kind: turn.SpeechStart, Frame: 13, Probability: 0.9})
	store.Record("sess-1", turn.Event{
		Kind: turn.SpeechEnd, Frame: 33, Probability: 0.1, Duration: 260 * time.Millisecond,
	})
	store.Record("sess-2", turn.Event{Kind: turn.BargeIn, Frame: 50, Probability: 0.8})

	// The writer is asynchronous; poll for the rows.
	var events []eventlog.Entry
	deadline := time.Now().Add(5 * time.Second)
	for {
		var err error
		events, err = store.Events(ctx, "sess-1")
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		if len(events) == 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events for sess-1, want 2", len(events))
	}

	if events[0].Kind != "speech_start" || events[0].Frame != 13 {
		t.Errorf("first event = %+v, want speech_start at frame 13", events[0])
	}
	if events[1].Kind != "speech_end" || events[1].Duration != 260*time.Millisecond {
		t.Errorf("second event = %+v, want speech_end with 260ms duration", events[1])
	}

	other, err := store.Events(ctx, "sess-2")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(other) != 1 || other[0].Kind != "barge_in" {
		t.Errorf("sess-2 events = %+v, want one barge_in", other)
	}
}

func TestStore_CloseFlushesQueue(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	store, err := eventlog.NewStore(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	store.Record("sess-flush", turn.Event{Kind: turn.SpeechStart, Frame: 1, Probability: 0.9})
	store.Close()

	// Read back with a fresh store; the event must have been flushed.
	verify, err := eventlog.NewStore(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer verify.Close()
	events, err := verify.Events(ctx, "sess-flush")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("event queued before Close was not flushed")
	}
}

func TestStore_PingAfterConnect(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

package sqlite_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/condominio/portero/internal/db"
	"github.com/condominio/portero/internal/portero/store"
	sqlitestore "github.com/condominio/portero/internal/portero/store/sqlite"
)

var base = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

func TestAccessEventStore_RecordEvent_ColumnsCorrect(t *testing.T) {
	conn := openTestDB(t)
	es := sqlitestore.NewAccessEventStore(conn, newTestWriter(t, conn))

	err := es.RecordEvent(context.Background(), store.AccessEventRecord{
		ShellID:    "shell-1",
		SessionID:  "sess-1",
		Kind:       "gate",
		Action:     "close",
		Automatic:  true,
		OK:         false,
		Plate:      "ABC123",
		Message:    "Could not close the gate",
		OccurredAt: base,
	})
	if err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	var (
		sessionID, plate sql.NullString
		automatic, ok    int
		message          string
		occurredMs       int64
	)
	err = conn.QueryRowContext(context.Background(), `
SELECT session_id, plate, automatic, ok, message, occurred_at_ms
FROM access_events WHERE shell_id = ?`, "shell-1",
	).Scan(&sessionID, &plate, &automatic, &ok, &message, &occurredMs)
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if sessionID.String != "sess-1" || plate.String != "ABC123" {
		t.Errorf("unexpected session/plate: %v %v", sessionID, plate)
	}
	if automatic != 1 || ok != 0 {
		t.Errorf("expected automatic=1 ok=0, got %d %d", automatic, ok)
	}
	if occurredMs != base.UnixMilli() {
		t.Errorf("expected occurred_at_ms=%d, got %d", base.UnixMilli(), occurredMs)
	}
}

func TestAccessEventStore_RecordEvent_EmptyOptionalFieldsAreNull(t *testing.T) {
	conn := openTestDB(t)
	es := sqlitestore.NewAccessEventStore(conn, newTestWriter(t, conn))

	err := es.RecordEvent(context.Background(), store.AccessEventRecord{
		ShellID: "shell-1", Kind: "door", Action: "reject", Message: "busy", OccurredAt: base,
	})
	if err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	var sessionID, plate sql.NullString
	if err := conn.QueryRow(`SELECT session_id, plate FROM access_events`).Scan(&sessionID, &plate); err != nil {
		t.Fatalf("query: %v", err)
	}
	if sessionID.Valid || plate.Valid {
		t.Errorf("expected NULL session_id and plate, got %v %v", sessionID, plate)
	}
}

func TestAccessEventStore_RecordEvent_RejectsUnknownKind(t *testing.T) {
	conn := openTestDB(t)
	es := sqlitestore.NewAccessEventStore(conn, newTestWriter(t, conn))

	err := es.RecordEvent(context.Background(), store.AccessEventRecord{
		ShellID: "shell-1", Kind: "window", Action: "open", OccurredAt: base,
	})
	if err == nil {
		t.Fatal("expected CHECK constraint violation for kind=window")
	}
}

func TestAccessEventStore_ListEvents_NewestFirst(t *testing.T) {
	conn := openTestDB(t)
	es := sqlitestore.NewAccessEventStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	recs := []store.AccessEventRecord{
		{ShellID: "a", Kind: "gate", Action: "open", OK: true, SessionID: "s1", Plate: "XYZ9", OccurredAt: base},
		{ShellID: "b", Kind: "door", Action: "open", OK: true, OccurredAt: base.Add(time.Second)},
		{ShellID: "a", Kind: "gate", Action: "close", OK: true, SessionID: "s1", Automatic: true, OccurredAt: base.Add(180 * time.Second)},
	}
	for _, r := range recs {
		if err := es.RecordEvent(ctx, r); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}

	got, err := es.ListEvents(ctx, "a", 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events for shell a, got %d", len(got))
	}
	if got[0].Action != "close" || !got[0].Automatic || !got[0].OK {
		t.Errorf("expected automatic close first, got %+v", got[0])
	}
	if got[1].Plate != "XYZ9" || got[1].SessionID != "s1" {
		t.Errorf("unexpected open event: %+v", got[1])
	}
	if !got[1].OccurredAt.Equal(base) {
		t.Errorf("expected occurred_at %v, got %v", base, got[1].OccurredAt)
	}
}

func TestAccessEventStore_ListEvents_Limit(t *testing.T) {
	conn := openTestDB(t)
	es := sqlitestore.NewAccessEventStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := es.RecordEvent(ctx, store.AccessEventRecord{
			ShellID: "a", Kind: "door", Action: "open", OccurredAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}

	got, err := es.ListEvents(ctx, "a", 3)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if !got[0].OccurredAt.Equal(base.Add(4 * time.Second)) {
		t.Errorf("expected newest event first, got %v", got[0].OccurredAt)
	}
}

func TestAccessEventStore_PruneOlderThan(t *testing.T) {
	conn := openTestDB(t)
	es := sqlitestore.NewAccessEventStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	for _, at := range []time.Time{base.Add(-72 * time.Hour), base.Add(-25 * time.Hour), base} {
		if err := es.RecordEvent(ctx, store.AccessEventRecord{
			ShellID: "a", Kind: "gate", Action: "open", OccurredAt: at,
		}); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}

	n, err := es.PruneOlderThan(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows pruned, got %d", n)
	}

	var count int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM access_events`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 remaining row, got %d", count)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	conn := openTestDB(t)

	applied, err := db.Migrate(context.Background(), conn)
	if err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected nothing applied on second run, got %v", applied)
	}
}

func TestWorker_DoAfterClose(t *testing.T) {
	conn := openTestDB(t)
	w := db.NewWorker(conn)
	w.Close()

	err := w.Do(context.Background(), func(context.Context, *sql.Tx) error { return nil })
	if err != db.ErrWorkerClosed {
		t.Fatalf("expected ErrWorkerClosed, got %v", err)
	}
	w.Close()
}

package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	dbpkg "github.com/condominio/portero/internal/db"
	"github.com/condominio/portero/internal/portero/store"
)

type AccessEventStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewAccessEventStore(db *sql.DB, writer *dbpkg.Worker) *AccessEventStore {
	return &AccessEventStore{db: db, writer: writer}
}

func (s *AccessEventStore) RecordEvent(ctx context.Context, rec store.AccessEventRecord) error {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO access_events(
  shell_id, session_id, kind, action, automatic, ok, plate, message, occurred_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			rec.ShellID, nullable(rec.SessionID), rec.Kind, rec.Action,
			boolInt(rec.Automatic), boolInt(rec.OK), nullable(rec.Plate),
			rec.Message, rec.OccurredAt.UTC().UnixMilli(),
		)
		return errors.Wrap(err, "RecordEvent insert")
	})
}

// ListEvents reads directly from the pool; WAL lets it run beside the writer.
func (s *AccessEventStore) ListEvents(ctx context.Context, shellID string, limit int) ([]store.AccessEventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT shell_id, session_id, kind, action, automatic, ok, plate, message, occurred_at_ms
FROM access_events
WHERE shell_id = ?
ORDER BY occurred_at_ms DESC, event_id DESC
LIMIT ?;
`, shellID, store.ClampLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "ListEvents query")
	}
	defer rows.Close()

	var out []store.AccessEventRecord
	for rows.Next() {
		var (
			rec              store.AccessEventRecord
			sessionID, plate sql.NullString
			automatic, ok    int
			occurredMs       int64
		)
		if err := rows.Scan(
			&rec.ShellID, &sessionID, &rec.Kind, &rec.Action,
			&automatic, &ok, &plate, &rec.Message, &occurredMs,
		); err != nil {
			return nil, errors.Wrap(err, "ListEvents scan")
		}
		rec.SessionID = sessionID.String
		rec.Plate = plate.String
		rec.Automatic = automatic == 1
		rec.OK = ok == 1
		rec.OccurredAt = time.UnixMilli(occurredMs).UTC()
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "ListEvents rows")
}

func (s *AccessEventStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM access_events WHERE occurred_at_ms < ?;`,
			cutoff.UTC().UnixMilli(),
		)
		if err != nil {
			return errors.Wrap(err, "PruneOlderThan delete")
		}
		n, err = res.RowsAffected()
		return errors.Wrap(err, "PruneOlderThan rows affected")
	})
	return n, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

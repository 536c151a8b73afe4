// ABOUTME: Transition log persistence for lock engine telemetry records
// ABOUTME: Append-only table with filtered, newest-first listing and age-based pruning

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/applockd/internal/telemetry"
)

// tsLayout is fixed width so timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// AppendRecord appends a telemetry record to the transition log.
// Stamps the record with the current time if it has none.
func (s *SQLiteStore) AppendRecord(ctx context.Context, rec telemetry.Record) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}

	query := `
		INSERT INTO transition_log (id, kind, app_id, from_state, event, to_state, reason, epoch, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.New().String(),
		string(rec.Kind),
		rec.AppID,
		nullString(rec.From),
		nullString(rec.Event),
		nullString(rec.To),
		nullString(rec.Reason),
		int64(rec.Epoch),
		rec.At.UTC().Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting transition log entry: %w", err)
	}
	return nil
}

const transitionLogQuery = `
	SELECT id, kind, app_id, from_state, event, to_state, reason, epoch, ts
	FROM transition_log
	WHERE (? IS NULL OR app_id = ?)
	  AND (? IS NULL OR kind = ?)
	  AND (? IS NULL OR ts >= ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// ListTransitions returns transition log entries matching the filter.
// Results are returned newest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, f TransitionFilter) ([]TransitionEntry, error) {
	var kind, since *string
	if f.Kind != nil {
		k := string(*f.Kind)
		kind = &k
	}
	if f.Since != nil {
		ts := f.Since.UTC().Format(tsLayout)
		since = &ts
	}

	rows, err := s.db.QueryContext(ctx, transitionLogQuery,
		f.AppID, f.AppID,
		kind, kind,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying transition log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []TransitionEntry{}
	for rows.Next() {
		e, err := scanTransitionEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transition log: %w", err)
	}
	return entries, nil
}

// PruneTransitions deletes entries older than before and returns how many
// were removed.
func (s *SQLiteStore) PruneTransitions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM transition_log WHERE ts < ?`, before.UTC().Format(tsLayout))
	if err != nil {
		return 0, fmt.Errorf("pruning transition log: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned transition log", "removed", n)
	}
	return n, nil
}

// scanTransitionEntry scans a row into a TransitionEntry.
func scanTransitionEntry(scanner interface{ Scan(dest ...any) error }) (TransitionEntry, error) {
	var e TransitionEntry
	var kind, tsStr string
	var from, event, to, reason *string
	var epoch int64

	if err := scanner.Scan(&e.ID, &kind, &e.AppID, &from, &event, &to, &reason, &epoch, &tsStr); err != nil {
		return e, fmt.Errorf("scanning transition log entry: %w", err)
	}
	e.Kind = telemetry.Kind(kind)
	e.From = ptrToString(from)
	e.Event = ptrToString(event)
	e.To = ptrToString(to)
	e.Reason = ptrToString(reason)
	e.Epoch = uint64(epoch)

	var err error
	e.At, err = time.Parse(tsLayout, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}
	return e, nil
}

// nullString maps the empty string to SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func ptrToString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

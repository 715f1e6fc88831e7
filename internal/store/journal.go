package store

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// SyncEntry is one autosave cycle outcome.
type SyncEntry struct {
	Seq         int64
	SessionUUID string
	Revision    int64
	ContentHash string
	Outcome     string
	Detail      string
	At          time.Time
}

// AppendSync appends an entry to the journal and returns its sequence
// number. Seq and At on the input are ignored; At is taken from the store
// clock.
func (s *Store) AppendSync(ctx context.Context, e SyncEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_log (session_uuid, revision, content_hash, outcome, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.SessionUUID, e.Revision, e.ContentHash, e.Outcome, e.Detail, s.nowMillis())
	if err != nil {
		return 0, fmt.Errorf("append sync entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append sync entry: %w", err)
	}
	return seq, nil
}

// ReadSyncLog returns journal entries in write order. An empty sessionUUID
// returns entries for every session. limit <= 0 means no limit; otherwise
// the most recent limit entries are returned, still in write order.
func (s *Store) ReadSyncLog(ctx context.Context, sessionUUID string, limit int) ([]SyncEntry, error) {
	query := `
		SELECT seq, session_uuid, revision, content_hash, outcome, detail, at
		FROM sync_log
		WHERE (? = '' OR session_uuid = ?)
		ORDER BY seq DESC
	`
	args := []any{sessionUUID, sessionUUID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync log: %w", err)
	}
	defer rows.Close()

	entries := []SyncEntry{}
	for rows.Next() {
		var e SyncEntry
		var at int64
		if err := rows.Scan(&e.Seq, &e.SessionUUID, &e.Revision, &e.ContentHash, &e.Outcome, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan sync entry: %w", err)
		}
		e.At = time.UnixMilli(at).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync log: %w", err)
	}

	slices.Reverse(entries)
	return entries, nil
}

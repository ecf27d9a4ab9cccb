package store

import (
	"fmt"
	"time"

	"github.com/hydralab/hydra/pkg/types"
)

// ActivityTotals is the per-user aggregate maintained on every insert.
type ActivityTotals struct {
	Username       string `db:"username"`
	TotalEntries   int64  `db:"total_entries"`
	TotalSizeBytes int64  `db:"total_size_bytes"`
}

// InsertActivity appends an activity entry and maintains the per-user
// aggregate. Returns the updated totals so the caller can decide whether
// archival is due.
func (s *Store) InsertActivity(e *types.ActivityEntry) (*ActivityTotals, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	size := e.EstimatedSize()

	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO activity_log
		(username, timestamp, category, action, target, success, duration_ms,
		 details, ip_address, user_agent, session_id, request_id, estimated_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Username, e.Timestamp, e.Category, e.Action, e.Target, e.Success,
		e.DurationMS, nullableJSON(e.Details), e.IPAddress, e.UserAgent,
		e.SessionID, e.RequestID, size)
	if err != nil {
		return nil, fmt.Errorf("failed to insert activity entry: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`INSERT INTO activity_totals (username, total_entries, total_size_bytes)
		VALUES (?, 1, ?)
		ON CONFLICT(username) DO UPDATE SET
			total_entries = total_entries + 1,
			total_size_bytes = total_size_bytes + excluded.total_size_bytes`,
		e.Username, size); err != nil {
		return nil, err
	}

	var totals ActivityTotals
	if err := tx.Get(&totals, `SELECT * FROM activity_totals WHERE username = ?`, e.Username); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &totals, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// GetActivityTotals returns the aggregate for a user (zero values when the
// user has never logged anything).
func (s *Store) GetActivityTotals(username string) (*ActivityTotals, error) {
	var totals ActivityTotals
	err := s.db.Get(&totals, `SELECT * FROM activity_totals WHERE username = ?`, username)
	if err != nil {
		return &ActivityTotals{Username: username}, nil
	}
	return &totals, nil
}

// ArchiveOldestActivity moves the oldest fraction (numerator/denominator)
// of a user's live entries into the archive table stamped with
// archiveYear, and updates the aggregate. Returns the number archived.
func (s *Store) ArchiveOldestActivity(username string, fractionPct int, archiveYear int) (int64, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var totals ActivityTotals
	if err := tx.Get(&totals, `SELECT * FROM activity_totals WHERE username = ?`, username); err != nil {
		return 0, nil // nothing to archive
	}
	n := totals.TotalEntries * int64(fractionPct) / 100
	if n == 0 {
		return 0, tx.Commit()
	}

	res, err := tx.Exec(`INSERT INTO activity_log_archive
		SELECT *, ? AS archive_year FROM activity_log
		WHERE username = ? ORDER BY timestamp ASC, id ASC LIMIT ?`,
		archiveYear, username, n)
	if err != nil {
		return 0, fmt.Errorf("failed to copy entries to archive: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	var freed int64
	if err := tx.Get(&freed, `SELECT COALESCE(SUM(estimated_size), 0) FROM (
		SELECT estimated_size FROM activity_log
		WHERE username = ? ORDER BY timestamp ASC, id ASC LIMIT ?)`, username, n); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`DELETE FROM activity_log WHERE id IN (
		SELECT id FROM activity_log WHERE username = ? ORDER BY timestamp ASC, id ASC LIMIT ?)`,
		username, n); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`UPDATE activity_totals SET
		total_entries = total_entries - ?,
		total_size_bytes = MAX(total_size_bytes - ?, 0)
		WHERE username = ?`, moved, freed, username); err != nil {
		return 0, err
	}

	return moved, tx.Commit()
}

// ArchiveActivityBefore moves every live entry (all users) with a
// timestamp strictly before boundary into the archive stamped with
// archiveYear. Used by the yearly rollover.
func (s *Store) ArchiveActivityBefore(boundary time.Time, archiveYear int) (int64, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	boundary = boundary.UTC()

	res, err := tx.Exec(`INSERT INTO activity_log_archive
		SELECT *, ? AS archive_year FROM activity_log WHERE timestamp < ?`,
		archiveYear, boundary)
	if err != nil {
		return 0, fmt.Errorf("failed to copy entries to archive: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	// Rebuild per-user aggregates from what remains.
	if _, err := tx.Exec(`DELETE FROM activity_log WHERE timestamp < ?`, boundary); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`DELETE FROM activity_totals`); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`INSERT INTO activity_totals (username, total_entries, total_size_bytes)
		SELECT username, COUNT(*), COALESCE(SUM(estimated_size), 0)
		FROM activity_log GROUP BY username`); err != nil {
		return 0, err
	}

	return moved, tx.Commit()
}

// ActivityQuery filters activity log reads.
type ActivityQuery struct {
	Username string
	Category types.ActivityCategory
	Since    *time.Time
	Limit    int
}

// QueryActivity reads live entries, newest first. Username is required for
// non-admin queries; an empty username returns entries across users.
func (s *Store) QueryActivity(q ActivityQuery) ([]*types.ActivityEntry, error) {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 200
	}

	where := "1=1"
	args := []any{}
	if q.Username != "" {
		where += " AND username = ?"
		args = append(args, q.Username)
	}
	if q.Category != "" {
		where += " AND category = ?"
		args = append(args, q.Category)
	}
	if q.Since != nil {
		where += " AND timestamp >= ?"
		args = append(args, q.Since.UTC())
	}
	args = append(args, q.Limit)

	var entries []*types.ActivityEntry
	err := s.db.Select(&entries, `SELECT id, username, timestamp, category, action, target,
		success, duration_ms, details, ip_address, user_agent, session_id, request_id
		FROM activity_log WHERE `+where+` ORDER BY timestamp DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// CountActivityBefore counts live entries older than boundary.
func (s *Store) CountActivityBefore(boundary time.Time) (int64, error) {
	var n int64
	err := s.db.Get(&n, `SELECT COUNT(*) FROM activity_log WHERE timestamp < ?`, boundary.UTC())
	return n, err
}

// CountArchivedActivity counts archived entries for a year.
func (s *Store) CountArchivedActivity(archiveYear int) (int64, error) {
	var n int64
	err := s.db.Get(&n, `SELECT COUNT(*) FROM activity_log_archive WHERE archive_year = ?`, archiveYear)
	return n, err
}

package store

import (
	"time"

	"github.com/hydralab/hydra/pkg/types"
)

// InsertSecurityEvent records a security event.
func (s *Store) InsertSecurityEvent(e *types.SecurityEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	res, err := s.db.Exec(`INSERT INTO security_events
		(timestamp, username, container_name, event_type, severity, description, metrics, action_taken)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.Username, e.ContainerName, e.EventType, e.Severity,
		e.Description, nullableJSON(e.Metrics), e.ActionTaken)
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

// ListSecurityEvents returns recent events, optionally filtered by user.
func (s *Store) ListSecurityEvents(username string, limit int) ([]*types.SecurityEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var events []*types.SecurityEvent
	var err error
	if username == "" {
		err = s.db.Select(&events, `SELECT * FROM security_events
			ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	} else {
		err = s.db.Select(&events, `SELECT * FROM security_events
			WHERE username = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, username, limit)
	}
	if err != nil {
		return nil, err
	}
	return events, nil
}

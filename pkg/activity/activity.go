package activity

import (
	"context"
	"time"

	"github.com/hydralab/hydra/pkg/events"
	"github.com/hydralab/hydra/pkg/log"
	"github.com/hydralab/hydra/pkg/store"
	"github.com/hydralab/hydra/pkg/types"
)

const (
	// defaultCapBytes bounds the live log per user when no cap is
	// configured.
	defaultCapBytes int64 = 100 << 20
	// archiveAtPct triggers archival once the estimated size passes this
	// share of the cap.
	archiveAtPct = 80
	// archiveFractionPct is the share of oldest entries moved out.
	archiveFractionPct = 20
)

// Service is the write path of the activity log: append, per-user size
// accounting with archival, and fan-out to SSE subscribers.
type Service struct {
	store    *store.Store
	bus      *events.Broker
	capBytes int64
}

func New(st *store.Store, bus *events.Broker, capBytes int64) *Service {
	if capBytes <= 0 {
		capBytes = defaultCapBytes
	}
	return &Service{store: st, bus: bus, capBytes: capBytes}
}

// Record appends an entry, archiving the user's oldest entries when the
// estimated footprint passes the threshold. Logging failures are
// swallowed so callers never fail an operation over bookkeeping.
func (s *Service) Record(ctx context.Context, e *types.ActivityEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	totals, err := s.store.InsertActivity(e)
	if err != nil {
		log.WithUsername(e.Username).Error().Err(err).
			Str("action", e.Action).
			Msg("failed to record activity entry")
		return
	}

	if totals.TotalSizeBytes > s.capBytes*archiveAtPct/100 {
		year := time.Now().UTC().Year()
		n, err := s.store.ArchiveOldestActivity(e.Username, archiveFractionPct, year)
		if err != nil {
			log.WithUsername(e.Username).Error().Err(err).Msg("activity archival failed")
		} else if n > 0 {
			log.WithUsername(e.Username).Info().
				Int64("archived", n).
				Int64("size_bytes", totals.TotalSizeBytes).
				Msg("archived oldest activity entries")
		}
	}

	s.bus.Publish(&events.Event{
		Type:     events.EventActivity,
		Username: e.Username,
		Message:  e.Action,
		Data: map[string]string{
			"category": string(e.Category),
			"target":   e.Target,
		},
	})
}

// Query reads live entries for a user; an empty username is the admin
// variant across all users.
func (s *Service) Query(q store.ActivityQuery) ([]*types.ActivityEntry, error) {
	return s.store.QueryActivity(q)
}

// Totals returns the user's live-entry accounting.
func (s *Service) Totals(username string) (*store.ActivityTotals, error) {
	return s.store.GetActivityTotals(username)
}

// RunRollover archives everything older than each new year as it
// starts, then keeps waiting for the next January 1.
func (s *Service) RunRollover(ctx context.Context) {
	logger := log.WithComponent("activity-rollover")
	for {
		next := nextYearStart(time.Now().UTC())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
		n, err := s.store.ArchiveActivityBefore(next, next.Year()-1)
		if err != nil {
			logger.Error().Err(err).Msg("yearly activity rollover failed")
			continue
		}
		logger.Info().Int64("archived", n).Int("year", next.Year()-1).Msg("yearly activity rollover done")
	}
}

func nextYearStart(now time.Time) time.Time {
	return time.Date(now.Year()+1, time.January, 1, 0, 0, 0, 0, time.UTC)
}

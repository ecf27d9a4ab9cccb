package activity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydralab/hydra/pkg/events"
	"github.com/hydralab/hydra/pkg/store"
	"github.com/hydralab/hydra/pkg/types"
)

func newService(t *testing.T) (*Service, *events.Broker) {
	t.Helper()
	svc, bus := newServiceWithCap(t, 0)
	return svc, bus
}

func newServiceWithCap(t *testing.T, capBytes int64) (*Service, *events.Broker) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)
	return New(st, bus, capBytes), bus
}

func TestRecordAndQuery(t *testing.T) {
	svc, _ := newService(t)

	svc.Record(context.Background(), &types.ActivityEntry{
		Username: "alice", Category: types.ActivityContainer,
		Action: "container_init", Target: "student-alice", Success: true,
	})
	svc.Record(context.Background(), &types.ActivityEntry{
		Username: "alice", Category: types.ActivityRoute,
		Action: "route_added", Target: "tensorboard", Success: true,
	})

	entries, err := svc.Query(store.ActivityQuery{Username: "alice"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "route_added", entries[0].Action, "newest first")
	assert.False(t, entries[0].Timestamp.IsZero())

	totals, err := svc.Totals("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), totals.TotalEntries)
}

func TestConfiguredCapArchivesOldest(t *testing.T) {
	// Every entry is estimated at a bit over 256 bytes, so a 2 KiB cap
	// crosses the archival threshold within a handful of inserts.
	svc, _ := newServiceWithCap(t, 2048)

	const inserted = 10
	for i := 0; i < inserted; i++ {
		svc.Record(context.Background(), &types.ActivityEntry{
			Username: "alice", Category: types.ActivityContainer,
			Action: "container_start", Target: "student-alice", Success: true,
		})
	}

	totals, err := svc.Totals("alice")
	require.NoError(t, err)
	assert.Less(t, totals.TotalEntries, int64(inserted), "oldest entries moved to the archive")
}

func TestZeroCapFallsBackToDefault(t *testing.T) {
	svc, _ := newServiceWithCap(t, 0)
	assert.Equal(t, defaultCapBytes, svc.capBytes)
}

func TestRecordPublishesToBus(t *testing.T) {
	svc, bus := newService(t)
	sub := bus.SubscribeUser("alice")
	defer bus.Unsubscribe(sub)

	svc.Record(context.Background(), &types.ActivityEntry{
		Username: "alice", Category: types.ActivityAuth, Action: "login", Success: true,
	})

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventActivity, ev.Type)
		assert.Equal(t, "login", ev.Message)
		assert.Equal(t, "auth", ev.Data["category"])
	case <-time.After(2 * time.Second):
		t.Fatal("no activity event on the bus")
	}
}

func TestNextYearStart(t *testing.T) {
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{
			time.Date(2026, time.August, 26, 12, 0, 0, 0, time.UTC),
			time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			time.Date(2026, time.December, 31, 23, 59, 59, 0, time.UTC),
			time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2028, time.January, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextYearStart(tt.now))
	}
}

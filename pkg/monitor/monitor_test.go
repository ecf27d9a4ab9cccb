package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydralab/hydra/pkg/config"
	"github.com/hydralab/hydra/pkg/metrics"
	"github.com/hydralab/hydra/pkg/events"
	"github.com/hydralab/hydra/pkg/orchestrator"
	"github.com/hydralab/hydra/pkg/orchestrator/orchestratortest"
	"github.com/hydralab/hydra/pkg/store"
	"github.com/hydralab/hydra/pkg/types"
)

type fixture struct {
	mon   *Monitor
	store *store.Store
	orch  *orchestratortest.Fake
	bus   *events.Broker
}

func newFixture(t *testing.T, enforce bool) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	orch := orchestratortest.New()
	cfg := &config.Config{MiningEnforcementEnabled: enforce, StatsInterval: time.Minute}
	return &fixture{mon: New(st, orch, bus, cfg), store: st, orch: orch, bus: bus}
}

func (f *fixture) runningWorkload(t *testing.T, username string) {
	t.Helper()
	require.NoError(t, f.orch.CreateWorkload(context.Background(), &orchestrator.WorkloadSpec{
		Username: username, Node: "gpu-a",
	}))
}

func (f *fixture) lastEvent(t *testing.T, username string) *types.SecurityEvent {
	t.Helper()
	evs, err := f.store.ListSecurityEvents(username, 1)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	return evs[0]
}

func TestMatchMiners(t *testing.T) {
	tests := []struct {
		name  string
		procs []string
		want  int
	}{
		{"clean", []string{"python train.py", "bash", "code-server"}, 0},
		{"xmrig", []string{"bash", "/tmp/.hidden/xmrig -o pool.example.com"}, 1},
		{"case insensitive", []string{"XMRig --donate-level 0"}, 1},
		{"stratum url in args", []string{"miner stratum+tcp://pool:3333"}, 1},
		{"fake kernel thread", []string{"kswapd0"}, 1},
		{"multiple", []string{"xmrig", "ethminer", "bash"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, matchMiners(tt.procs), tt.want)
		})
	}
}

func TestHandleEventSeverity(t *testing.T) {
	tests := []struct {
		name      string
		event     orchestrator.Event
		eventType string
		severity  types.Severity
		recorded  bool
	}{
		{"oom", orchestrator.Event{Type: orchestrator.EventOOM}, "container_oom", types.SeverityCritical, true},
		{"clean exit", orchestrator.Event{Type: orchestrator.EventExited, ExitCode: 0}, "", "", false},
		{"crash exit", orchestrator.Event{Type: orchestrator.EventExited, ExitCode: 1}, "process_killed", types.SeverityWarning, true},
		{"sigkill exit code", orchestrator.Event{Type: orchestrator.EventExited, ExitCode: 137}, "process_killed", types.SeverityInfo, true},
		{"sigterm exit code", orchestrator.Event{Type: orchestrator.EventExited, ExitCode: 143}, "process_killed", types.SeverityInfo, true},
		{"killed by signal 9", orchestrator.Event{Type: orchestrator.EventKilled, Signal: "9"}, "process_killed", types.SeverityWarning, true},
		{"killed by SIGKILL name", orchestrator.Event{Type: orchestrator.EventKilled, Signal: "SIGKILL"}, "process_killed", types.SeverityWarning, true},
		{"killed by other signal", orchestrator.Event{Type: orchestrator.EventKilled, Signal: "15"}, "", "", false},
		{"started", orchestrator.Event{Type: orchestrator.EventStarted}, "container_started", types.SeverityInfo, true},
		{"stopped", orchestrator.Event{Type: orchestrator.EventStopped}, "container_stopped", types.SeverityInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			ev := tt.event
			ev.Username = "alice"
			ev.Workload = "student-alice"

			f.mon.handleEvent(context.Background(), ev)

			evs, err := f.store.ListSecurityEvents("alice", 10)
			require.NoError(t, err)
			if !tt.recorded {
				assert.Empty(t, evs)
				return
			}
			require.Len(t, evs, 1)
			assert.Equal(t, tt.eventType, evs[0].EventType)
			assert.Equal(t, tt.severity, evs[0].Severity)
		})
	}
}

func TestSecurityEventsAreCounted(t *testing.T) {
	f := newFixture(t, true)
	before := testutil.ToFloat64(metrics.SecurityEventsTotal.WithLabelValues("container_oom", string(types.SeverityCritical)))

	f.mon.handleEvent(context.Background(), orchestrator.Event{
		Type: orchestrator.EventOOM, Username: "alice", Workload: "student-alice",
	})

	assert.Equal(t, before+1,
		testutil.ToFloat64(metrics.SecurityEventsTotal.WithLabelValues("container_oom", string(types.SeverityCritical))))
}

func TestScanPausesMinerWhenEnforcing(t *testing.T) {
	f := newFixture(t, true)
	f.runningWorkload(t, "alice")
	f.orch.Processes["alice"] = []string{"bash", "xmrig -o pool.example.com"}

	f.mon.ScanOnce(context.Background())

	assert.True(t, f.orch.Paused["alice"])

	ev := f.lastEvent(t, "alice")
	assert.Equal(t, "mining_detected", ev.EventType)
	assert.Equal(t, types.SeverityCritical, ev.Severity)
	assert.Equal(t, types.ActionContainerPaused, ev.ActionTaken)
	assert.NotEmpty(t, ev.Metrics, "detected processes always land in metrics")
	assert.Contains(t, string(ev.Metrics), "detectedProcesses")
	assert.Contains(t, string(ev.Metrics), "xmrig")
}

func TestScanAlertsOnlyWithoutEnforcement(t *testing.T) {
	f := newFixture(t, false)
	f.runningWorkload(t, "alice")
	f.orch.Processes["alice"] = []string{"ethminer"}

	f.mon.ScanOnce(context.Background())

	assert.False(t, f.orch.Paused["alice"])
	ev := f.lastEvent(t, "alice")
	assert.Equal(t, types.ActionAlerted, ev.ActionTaken)
}

func TestScanSustainedHighCPU(t *testing.T) {
	f := newFixture(t, true)
	f.runningWorkload(t, "alice")
	f.orch.Stats["alice"] = &orchestrator.Stats{CPUPercent: 99, MemoryPercent: 10}

	for i := 0; i < cpuWindowSize; i++ {
		f.mon.ScanOnce(context.Background())
	}

	ev := f.lastEvent(t, "alice")
	assert.Equal(t, "sustained_high_cpu", ev.EventType)
	assert.Equal(t, types.SeverityCritical, ev.Severity)

	// A spike diluted across the window stays below every threshold.
	before, err := f.store.ListSecurityEvents("alice", 1000)
	require.NoError(t, err)
	f.mon.resetHistory("alice")
	f.orch.Stats["alice"] = &orchestrator.Stats{CPUPercent: 60, MemoryPercent: 10}
	f.mon.ScanOnce(context.Background())
	f.orch.Stats["alice"] = &orchestrator.Stats{CPUPercent: 99, MemoryPercent: 10}
	f.mon.ScanOnce(context.Background())
	after, err := f.store.ListSecurityEvents("alice", 1000)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestScanWarningCPUBand(t *testing.T) {
	f := newFixture(t, true)
	f.runningWorkload(t, "alice")
	f.orch.Stats["alice"] = &orchestrator.Stats{CPUPercent: 85, MemoryPercent: 10}

	f.mon.ScanOnce(context.Background())

	ev := f.lastEvent(t, "alice")
	assert.Equal(t, "high_cpu", ev.EventType)
	assert.Equal(t, types.SeverityWarning, ev.Severity)
}

func TestScanMemoryBands(t *testing.T) {
	f := newFixture(t, true)
	f.runningWorkload(t, "alice")
	f.orch.Stats["alice"] = &orchestrator.Stats{CPUPercent: 10, MemoryPercent: 96}

	f.mon.ScanOnce(context.Background())
	ev := f.lastEvent(t, "alice")
	assert.Equal(t, "high_memory", ev.EventType)
	assert.Equal(t, types.SeverityCritical, ev.Severity)

	f.orch.Stats["alice"] = &orchestrator.Stats{CPUPercent: 10, MemoryPercent: 90}
	f.mon.ScanOnce(context.Background())
	ev = f.lastEvent(t, "alice")
	assert.Equal(t, types.SeverityWarning, ev.Severity)
}

func TestScanIgnoresQuietWorkloads(t *testing.T) {
	f := newFixture(t, true)
	f.runningWorkload(t, "alice")
	f.orch.Stats["alice"] = &orchestrator.Stats{CPUPercent: 20, MemoryPercent: 30}
	f.orch.Processes["alice"] = []string{"python train.py"}

	f.mon.ScanOnce(context.Background())

	evs, err := f.store.ListSecurityEvents("alice", 10)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestRestartResetsCPUWindow(t *testing.T) {
	f := newFixture(t, true)
	f.runningWorkload(t, "alice")
	f.orch.Stats["alice"] = &orchestrator.Stats{CPUPercent: 99, MemoryPercent: 10}

	for i := 0; i < 3; i++ {
		f.mon.ScanOnce(context.Background())
	}
	f.mon.handleEvent(context.Background(), orchestrator.Event{
		Type: orchestrator.EventStarted, Username: "alice", Workload: "student-alice",
	})

	assert.Empty(t, f.mon.history["alice"], "a restart clears the rolling window")
}

func TestZeroIntervalDisablesScan(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	orch := orchestratortest.New()
	mon := New(st, orch, bus, &config.Config{StatsInterval: 0})
	assert.LessOrEqual(t, mon.every, time.Duration(0), "a zero interval is kept, not defaulted")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.Run(ctx)
		close(done)
	}()

	// The event consumer still runs without the periodic scan.
	orch.Emit(orchestrator.Event{
		Type: orchestrator.EventOOM, Username: "alice", Workload: "student-alice",
	})
	require.Eventually(t, func() bool {
		evs, err := st.ListSecurityEvents("alice", 1)
		return err == nil && len(evs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestEventStreamConsumption(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go f.mon.consumeEvents(ctx)

	f.orch.Emit(orchestrator.Event{
		Type: orchestrator.EventOOM, Username: "alice", Workload: "student-alice",
	})

	require.Eventually(t, func() bool {
		evs, err := f.store.ListSecurityEvents("alice", 1)
		return err == nil && len(evs) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

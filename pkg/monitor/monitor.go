package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hydralab/hydra/pkg/config"
	"github.com/hydralab/hydra/pkg/events"
	"github.com/hydralab/hydra/pkg/log"
	"github.com/hydralab/hydra/pkg/metrics"
	"github.com/hydralab/hydra/pkg/orchestrator"
	"github.com/hydralab/hydra/pkg/store"
	"github.com/hydralab/hydra/pkg/types"
)

const (
	reconnectBackoff = 5 * time.Second
	cpuWindowSize    = 5

	criticalCPU    = 95.0
	warningCPU     = 80.0
	criticalMemory = 95.0
	warningMemory  = 85.0
)

// miningBlocklist matches process names by case-insensitive substring.
var miningBlocklist = []string{
	"xmrig",
	"minerd",
	"cpuminer",
	"cgminer",
	"bfgminer",
	"ethminer",
	"phoenixminer",
	"nbminer",
	"t-rex",
	"lolminer",
	"nanominer",
	"xmr-stak",
	"kswapd0", // common miner disguise, not a real kernel thread in a container
	"stratum+tcp",
}

// Monitor watches student workloads: it consumes the orchestrator event
// stream and runs a periodic behavioral scan for mining and sustained
// resource abuse.
type Monitor struct {
	store   *store.Store
	orch    orchestrator.Orchestrator
	bus     *events.Broker
	enforce bool
	every   time.Duration

	mu      sync.Mutex
	history map[string][]float64
}

func New(st *store.Store, orch orchestrator.Orchestrator, bus *events.Broker, cfg *config.Config) *Monitor {
	return &Monitor{
		store:   st,
		orch:    orch,
		bus:     bus,
		enforce: cfg.MiningEnforcementEnabled,
		every:   cfg.StatsInterval,
		history: make(map[string][]float64),
	}
}

// Run drives the event consumer and the scan loop until the context
// ends. A non-positive interval disables the periodic scan; the event
// consumer keeps running.
func (m *Monitor) Run(ctx context.Context) {
	go m.consumeEvents(ctx)
	if m.every <= 0 {
		log.WithComponent("monitor").Info().Msg("periodic behavioral scan disabled")
		<-ctx.Done()
		return
	}
	m.scanLoop(ctx)
}

// consumeEvents subscribes to the workload event stream and reconnects
// with a fixed backoff when it drops.
func (m *Monitor) consumeEvents(ctx context.Context) {
	logger := log.WithComponent("monitor")
	for {
		if ctx.Err() != nil {
			return
		}
		eventCh, errCh := m.orch.StreamEvents(ctx)
		logger.Info().Msg("workload event stream connected")

	stream:
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-eventCh:
				if !ok {
					break stream
				}
				m.handleEvent(ctx, ev)
			case err := <-errCh:
				if err != nil {
					logger.Warn().Err(err).Msg("workload event stream dropped")
				}
				break stream
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (m *Monitor) handleEvent(ctx context.Context, ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventOOM:
		m.emit(ctx, &types.SecurityEvent{
			Username:      ev.Username,
			ContainerName: ev.Workload,
			EventType:     "container_oom",
			Severity:      types.SeverityCritical,
			Description:   "workload killed by the out-of-memory killer",
			ActionTaken:   types.ActionLogged,
		})
	case orchestrator.EventExited:
		if ev.ExitCode == 0 {
			return
		}
		severity := types.SeverityWarning
		if ev.ExitCode == 137 || ev.ExitCode == 143 {
			// SIGKILL / SIGTERM exits, normal during stop and migrate.
			severity = types.SeverityInfo
		}
		m.emit(ctx, &types.SecurityEvent{
			Username:      ev.Username,
			ContainerName: ev.Workload,
			EventType:     "process_killed",
			Severity:      severity,
			Description:   fmt.Sprintf("workload exited with code %d", ev.ExitCode),
			ActionTaken:   types.ActionLogged,
		})
	case orchestrator.EventKilled:
		if ev.Signal != "9" && !strings.EqualFold(ev.Signal, "SIGKILL") {
			return
		}
		m.emit(ctx, &types.SecurityEvent{
			Username:      ev.Username,
			ContainerName: ev.Workload,
			EventType:     "process_killed",
			Severity:      types.SeverityWarning,
			Description:   "workload received SIGKILL",
			ActionTaken:   types.ActionLogged,
		})
	case orchestrator.EventStarted, orchestrator.EventStopped:
		m.resetHistory(ev.Username)
		m.emit(ctx, &types.SecurityEvent{
			Username:      ev.Username,
			ContainerName: ev.Workload,
			EventType:     "container_" + string(ev.Type),
			Severity:      types.SeverityInfo,
			Description:   fmt.Sprintf("workload %s on %s", ev.Type, ev.Node),
			ActionTaken:   types.ActionLogged,
		})
	}
}

func (m *Monitor) scanLoop(ctx context.Context) {
	logger := log.WithComponent("monitor")
	logger.Info().Dur("interval", m.every).Bool("enforcement", m.enforce).Msg("behavioral scan started")

	ticker := time.NewTicker(m.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ScanOnce(ctx)
		}
	}
}

// ScanOnce inspects every running student workload. A failure on one
// workload does not abort the cycle.
func (m *Monitor) ScanOnce(ctx context.Context) {
	logger := log.WithComponent("monitor")

	workloads, err := m.orch.ListWorkloads(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list workloads for scan")
		return
	}
	for _, w := range workloads {
		if !w.Running {
			continue
		}
		if err := m.scanWorkload(ctx, w); err != nil {
			logger.Warn().Err(err).Str("workload", w.Name).Msg("workload scan failed")
		}
	}
}

func (m *Monitor) scanWorkload(ctx context.Context, w *orchestrator.WorkloadStatus) error {
	stats, err := m.orch.WorkloadStats(ctx, w.Username)
	if err != nil {
		return err
	}
	cpuAvg := m.pushSample(w.Username, stats.CPUPercent)

	procs, err := m.orch.WorkloadProcesses(ctx, w.Username)
	if err != nil {
		return err
	}
	if detected := matchMiners(procs); len(detected) > 0 {
		m.handleMining(ctx, w, detected)
		return nil
	}

	if cpuAvg >= criticalCPU {
		m.emitUsage(ctx, w, "sustained_high_cpu", types.SeverityCritical,
			fmt.Sprintf("CPU averaged %.1f%% of allocation over %d samples", cpuAvg, cpuWindowSize), stats, cpuAvg)
	} else if cpuAvg >= warningCPU {
		m.emitUsage(ctx, w, "high_cpu", types.SeverityWarning,
			fmt.Sprintf("CPU averaged %.1f%% of allocation over %d samples", cpuAvg, cpuWindowSize), stats, cpuAvg)
	}

	if stats.MemoryPercent >= criticalMemory {
		m.emitUsage(ctx, w, "high_memory", types.SeverityCritical,
			fmt.Sprintf("memory at %.1f%% of allocation", stats.MemoryPercent), stats, cpuAvg)
	} else if stats.MemoryPercent >= warningMemory {
		m.emitUsage(ctx, w, "high_memory", types.SeverityWarning,
			fmt.Sprintf("memory at %.1f%% of allocation", stats.MemoryPercent), stats, cpuAvg)
	}
	return nil
}

func (m *Monitor) handleMining(ctx context.Context, w *orchestrator.WorkloadStatus, detected []string) {
	action := types.ActionAlerted
	if m.enforce {
		if err := m.orch.PauseWorkload(ctx, w.Username); err != nil {
			log.WithUsername(w.Username).Error().Err(err).Msg("failed to pause workload after mining detection")
			action = types.ActionPauseFailed
		} else {
			action = types.ActionContainerPaused
		}
	}
	metrics, _ := json.Marshal(map[string]any{"detectedProcesses": detected})
	m.emit(ctx, &types.SecurityEvent{
		Username:      w.Username,
		ContainerName: w.Name,
		EventType:     "mining_detected",
		Severity:      types.SeverityCritical,
		Description:   "mining software detected: " + strings.Join(detected, ", "),
		Metrics:       metrics,
		ActionTaken:   action,
	})
}

func (m *Monitor) emitUsage(ctx context.Context, w *orchestrator.WorkloadStatus, eventType string, severity types.Severity, desc string, stats *orchestrator.Stats, cpuAvg float64) {
	metrics, _ := json.Marshal(map[string]any{
		"cpu_percent":        stats.CPUPercent,
		"cpu_window_average": cpuAvg,
		"memory_percent":     stats.MemoryPercent,
	})
	m.emit(ctx, &types.SecurityEvent{
		Username:      w.Username,
		ContainerName: w.Name,
		EventType:     eventType,
		Severity:      severity,
		Description:   desc,
		Metrics:       metrics,
		ActionTaken:   types.ActionLogged,
	})
}

// emit persists the event and broadcasts it to subscribers.
func (m *Monitor) emit(ctx context.Context, ev *types.SecurityEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := m.store.InsertSecurityEvent(ev); err != nil {
		log.WithComponent("monitor").Error().Err(err).
			Str("event_type", ev.EventType).
			Msg("failed to record security event")
	}
	metrics.SecurityEventsTotal.WithLabelValues(ev.EventType, string(ev.Severity)).Inc()

	busType := events.EventInfo
	switch ev.Severity {
	case types.SeverityCritical:
		busType = events.EventError
	case types.SeverityWarning:
		busType = events.EventWarning
	}
	m.bus.Publish(&events.Event{
		Type:     busType,
		Username: ev.Username,
		Message:  ev.Description,
		Data: map[string]string{
			"event_type":   ev.EventType,
			"severity":     string(ev.Severity),
			"action_taken": string(ev.ActionTaken),
		},
	})
}

// pushSample appends a CPU sample to the user's rolling window and
// returns the window average.
func (m *Monitor) pushSample(username string, cpu float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	window := append(m.history[username], cpu)
	if len(window) > cpuWindowSize {
		window = window[len(window)-cpuWindowSize:]
	}
	m.history[username] = window

	var sum float64
	for _, v := range window {
		sum += v
	}
	return sum / float64(len(window))
}

func (m *Monitor) resetHistory(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, username)
}

func matchMiners(procs []string) []string {
	var detected []string
	for _, p := range procs {
		lower := strings.ToLower(p)
		for _, bad := range miningBlocklist {
			if strings.Contains(lower, bad) {
				detected = append(detected, p)
				break
			}
		}
	}
	return detected
}

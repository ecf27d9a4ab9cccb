package dockerhost

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/docker/docker/api/types/container"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/orchestrator"
	"github.com/hydralab/hydra/pkg/types"
)

// WorkloadStats samples CPU and memory usage relative to the workload's
// own limits, so 100 means the allocation is exhausted.
func (h *Host) WorkloadStats(ctx context.Context, username string) (*orchestrator.Stats, error) {
	_, cli, insp, found, err := h.findWorkload(ctx, username)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.Precondition("workload_not_found", "no workload for %s", username)
	}

	resp, err := cli.ContainerStats(ctx, orchestrator.WorkloadName(username), false)
	if err != nil {
		return nil, classify("workload_stats", "failed to read workload stats", err)
	}
	defer resp.Body.Close()

	var s container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, apperr.Operation("workload_stats", "failed to decode stats", err)
	}

	out := &orchestrator.Stats{}

	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		online := float64(s.CPUStats.OnlineCPUs)
		if online == 0 {
			online = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
		}
		coresUsed := cpuDelta / sysDelta * online
		limitCores := float64(insp.HostConfig.NanoCPUs) / 1e9
		if limitCores <= 0 {
			limitCores = online
		}
		out.CPUPercent = coresUsed / limitCores * 100
	}

	if s.MemoryStats.Limit > 0 {
		usage := s.MemoryStats.Usage
		if inactive, ok := s.MemoryStats.Stats["inactive_file"]; ok && inactive < usage {
			usage -= inactive
		}
		out.MemoryPercent = float64(usage) / float64(s.MemoryStats.Limit) * 100
	}
	return out, nil
}

// WorkloadProcesses lists the command lines of the workload's processes.
func (h *Host) WorkloadProcesses(ctx context.Context, username string) ([]string, error) {
	_, cli, _, found, err := h.findWorkload(ctx, username)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.Precondition("workload_not_found", "no workload for %s", username)
	}
	top, err := cli.ContainerTop(ctx, orchestrator.WorkloadName(username), nil)
	if err != nil {
		return nil, classify("workload_top", "failed to list workload processes", err)
	}

	cmdIdx := len(top.Titles) - 1
	for i, t := range top.Titles {
		if t == "CMD" || t == "COMMAND" {
			cmdIdx = i
			break
		}
	}
	procs := make([]string, 0, len(top.Processes))
	for _, row := range top.Processes {
		if cmdIdx < len(row) {
			procs = append(procs, strings.TrimSpace(row[cmdIdx]))
		}
	}
	return procs, nil
}

// NodeHealth pings the node's engine and inspects its capabilities.
func (h *Host) NodeHealth(ctx context.Context, node string) (*types.NodeHealth, error) {
	desc, ok := h.catalog.Node(node)
	if !ok {
		return nil, apperr.Input("unknown_node", "unknown node %s", node)
	}
	health := &types.NodeHealth{Name: node, Labels: map[string]string{}}

	cli, err := h.clientFor(node)
	if err != nil {
		return health, nil
	}
	if _, err := cli.Ping(ctx); err != nil {
		return health, nil
	}
	health.Reachable = true

	info, err := cli.Info(ctx)
	if err != nil {
		return health, nil
	}
	health.Ready = true
	for _, l := range info.Labels {
		if k, v, ok := strings.Cut(l, "="); ok {
			health.Labels[k] = v
		}
	}
	_, hasNvidia := info.Runtimes["nvidia"]
	health.GPUAvailable = desc.GPUEnabled && hasNvidia
	return health, nil
}

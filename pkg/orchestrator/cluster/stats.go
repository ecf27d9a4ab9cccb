package cluster

import (
	"context"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/orchestrator"
	"github.com/hydralab/hydra/pkg/types"
)

var podMetricsGVR = schema.GroupVersionResource{Group: "metrics.k8s.io", Version: "v1beta1", Resource: "pods"}

// WorkloadStats reads the metrics API sample for the pod and scales it
// against the workspace container's limits, so 100 means the allocation
// is exhausted.
func (h *Cluster) WorkloadStats(ctx context.Context, username string) (*orchestrator.Stats, error) {
	name := orchestrator.WorkloadName(username)

	pod, err := h.kube.CoreV1().Pods(h.studentNS).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, apperr.Precondition("workload_not_found", "no workload for %s", username)
	}
	if err != nil {
		return nil, classify("workload_get", "failed to get workload pod", err)
	}
	var limits corev1.ResourceList
	for _, c := range pod.Spec.Containers {
		if c.Name == workspaceContainer {
			limits = c.Resources.Limits
		}
	}

	m, err := h.dyn.Resource(podMetricsGVR).Namespace(h.studentNS).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, classify("workload_stats", "failed to read pod metrics", err)
	}
	cpuUsed, memUsed := usageFromPodMetrics(m)

	out := &orchestrator.Stats{}
	if limitCPU, ok := limits[corev1.ResourceCPU]; ok && limitCPU.MilliValue() > 0 {
		out.CPUPercent = float64(cpuUsed.MilliValue()) / float64(limitCPU.MilliValue()) * 100
	}
	if limitMem, ok := limits[corev1.ResourceMemory]; ok && limitMem.Value() > 0 {
		out.MemoryPercent = float64(memUsed.Value()) / float64(limitMem.Value()) * 100
	}
	return out, nil
}

func usageFromPodMetrics(m *unstructured.Unstructured) (cpu, mem resource.Quantity) {
	containers, _, _ := unstructured.NestedSlice(m.Object, "containers")
	for _, c := range containers {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		usage, _, _ := unstructured.NestedStringMap(cm, "usage")
		if q, err := resource.ParseQuantity(usage["cpu"]); err == nil {
			cpu.Add(q)
		}
		if q, err := resource.ParseQuantity(usage["memory"]); err == nil {
			mem.Add(q)
		}
	}
	return cpu, mem
}

// WorkloadProcesses lists the command lines of the workspace processes.
func (h *Cluster) WorkloadProcesses(ctx context.Context, username string) ([]string, error) {
	out, err := h.ExecWorkload(ctx, username, []string{"ps", "-eo", "args="})
	if err != nil {
		return nil, err
	}
	var procs []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			procs = append(procs, line)
		}
	}
	return procs, nil
}

// NodeHealth reads the node object's conditions and GPU allocatable.
func (h *Cluster) NodeHealth(ctx context.Context, nodeName string) (*types.NodeHealth, error) {
	health := &types.NodeHealth{Name: nodeName, Labels: map[string]string{}}

	node, err := h.kube.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return health, nil
	}
	if err != nil {
		return nil, classify("node_get", "failed to get node", err)
	}
	health.Reachable = true
	health.Labels = node.Labels
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady && cond.Status == corev1.ConditionTrue {
			health.Ready = true
		}
	}
	if gpus, ok := node.Status.Allocatable["nvidia.com/gpu"]; ok && gpus.Value() > 0 {
		health.GPUAvailable = true
	}
	return health, nil
}

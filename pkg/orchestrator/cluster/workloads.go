package cluster

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/log"
	"github.com/hydralab/hydra/pkg/orchestrator"
)

// CreateWorkload creates the user's workspace pod pinned to the target
// node. An existing pod makes this a no-op; stopped workspaces have no
// pod at all, so start is the same call as create.
func (h *Cluster) CreateWorkload(ctx context.Context, spec *orchestrator.WorkloadSpec) error {
	name := orchestrator.WorkloadName(spec.Username)

	_, err := h.kube.CoreV1().Pods(h.studentNS).Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return classify("workload_get", "failed to get workload pod", err)
	}

	limits := corev1.ResourceList{
		corev1.ResourceMemory: *resource.NewQuantity(int64(spec.MemoryGB)<<30, resource.BinarySI),
		corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(spec.CPUs)*1000, resource.DecimalSI),
	}
	if spec.GPUCount > 0 {
		limits["nvidia.com/gpu"] = *resource.NewQuantity(int64(spec.GPUCount), resource.DecimalSI)
	}

	env := []corev1.EnvVar{
		{Name: "HYDRA_USERNAME", Value: spec.Username},
		{Name: "HYDRA_SSH_PUBLIC_KEY", Value: spec.PublicKey},
	}
	for _, kv := range spec.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env = append(env, corev1.EnvVar{Name: k, Value: v})
		}
	}

	desc, ok := h.catalog.Node(spec.Node)
	if !ok {
		return apperr.Input("unknown_node", "unknown node %s", spec.Node)
	}

	labels := ownerLabels(spec.Username)
	labels[LabelNode] = spec.Node

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: labels,
		},
		Spec: corev1.PodSpec{
			NodeSelector:  h.nodeSelector(desc),
			Tolerations:   gpuTolerations(spec.GPUCount),
			RestartPolicy: corev1.RestartPolicyAlways,
			Containers: []corev1.Container{{
				Name:  workspaceContainer,
				Image: spec.Image,
				Env:   env,
				Resources: corev1.ResourceRequirements{
					Limits:   limits,
					Requests: limits,
				},
				VolumeMounts: []corev1.VolumeMount{{
					Name:      "home",
					MountPath: "/home/student",
				}},
				Ports: []corev1.ContainerPort{
					{Name: "ssh", ContainerPort: 22},
				},
			}},
			Volumes: []corev1.Volume{{
				Name: "home",
				VolumeSource: corev1.VolumeSource{
					PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
						ClaimName: spec.VolumeName,
					},
				},
			}},
		},
	}

	if _, err := h.kube.CoreV1().Pods(h.studentNS).Create(ctx, pod, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return classify("workload_create", "failed to create workload pod", err)
	}
	log.WithComponent("cluster").Info().
		Str("username", spec.Username).
		Str("node", spec.Node).
		Str("image", spec.Image).
		Msg("workload pod created")
	return nil
}

// GetWorkload reads the user's pod. A missing pod is reported with
// Exists false, not an error.
func (h *Cluster) GetWorkload(ctx context.Context, username string) (*orchestrator.WorkloadStatus, error) {
	name := orchestrator.WorkloadName(username)
	pod, err := h.kube.CoreV1().Pods(h.studentNS).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return &orchestrator.WorkloadStatus{Name: name, Username: username, Exists: false}, nil
	}
	if err != nil {
		return nil, classify("workload_get", "failed to get workload pod", err)
	}
	return statusFromPod(username, pod), nil
}

// DeleteWorkload removes the user's pod; the claim and secret survive.
// Deleting an absent workload is success.
func (h *Cluster) DeleteWorkload(ctx context.Context, username string) error {
	name := orchestrator.WorkloadName(username)
	err := h.kube.CoreV1().Pods(h.studentNS).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return classify("workload_delete", "failed to delete workload pod", err)
	}
	return nil
}

// WaitWorkloadReady polls until the pod reports Ready.
func (h *Cluster) WaitWorkloadReady(ctx context.Context, username string, timeout time.Duration) error {
	return h.pollWorkload(ctx, username, timeout, "workload_ready", func(st *orchestrator.WorkloadStatus) bool {
		return st.Exists && st.Ready
	})
}

// WaitWorkloadGone polls until the pod is fully removed.
func (h *Cluster) WaitWorkloadGone(ctx context.Context, username string, timeout time.Duration) error {
	return h.pollWorkload(ctx, username, timeout, "workload_gone", func(st *orchestrator.WorkloadStatus) bool {
		return !st.Exists
	})
}

func (h *Cluster) pollWorkload(ctx context.Context, username string, timeout time.Duration, code string, done func(*orchestrator.WorkloadStatus) bool) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		st, err := h.GetWorkload(ctx, username)
		if err == nil && done(st) {
			return nil
		}
		if time.Now().After(deadline) {
			return apperr.Operation(code, fmt.Sprintf("workload %s did not reach desired state within %s", username, timeout), err)
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindOperation, code, "wait cancelled", ctx.Err())
		case <-ticker.C:
		}
	}
}

// WorkloadLogs returns the last tailLines of the workspace container.
func (h *Cluster) WorkloadLogs(ctx context.Context, username string, tailLines int) ([]string, error) {
	name := orchestrator.WorkloadName(username)
	tail := int64(tailLines)
	req := h.kube.CoreV1().Pods(h.studentNS).GetLogs(name, &corev1.PodLogOptions{
		Container: workspaceContainer,
		TailLines: &tail,
	})
	rc, err := req.Stream(ctx)
	if err != nil {
		return nil, classify("workload_logs", "failed to stream workload logs", err)
	}
	defer rc.Close()

	var lines []string
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

// ListWorkloads returns every student pod in the namespace.
func (h *Cluster) ListWorkloads(ctx context.Context) ([]*orchestrator.WorkloadStatus, error) {
	pods, err := h.kube.CoreV1().Pods(h.studentNS).List(ctx, metav1.ListOptions{
		LabelSelector: LabelManaged + "=true",
	})
	if err != nil {
		return nil, classify("workload_list", "failed to list workload pods", err)
	}
	out := make([]*orchestrator.WorkloadStatus, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		username := pod.Labels[LabelOwner]
		if username == "" {
			continue
		}
		out = append(out, statusFromPod(username, pod))
	}
	return out, nil
}

// PauseWorkload freezes the workspace by stopping every process in the
// container. The scheduler has no native pause, so this reaches inside.
func (h *Cluster) PauseWorkload(ctx context.Context, username string) error {
	_, err := h.ExecWorkload(ctx, username, []string{
		"sh", "-c", "kill -STOP $(ps -eo pid= | awk '$1 != 1')",
	})
	return err
}

// ExecWorkload runs a command in the workspace container and returns
// its combined output.
func (h *Cluster) ExecWorkload(ctx context.Context, username string, cmd []string) (string, error) {
	name := orchestrator.WorkloadName(username)

	req := h.kube.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(h.studentNS).
		Name(name).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: workspaceContainer,
			Command:   cmd,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(h.restCfg, "POST", req.URL())
	if err != nil {
		return "", apperr.Operation("workload_exec", "failed to build executor", err)
	}
	var buf bytes.Buffer
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{Stdout: &buf, Stderr: &buf})
	if err != nil {
		return buf.String(), apperr.Wrap(apperr.KindOperation, "workload_exec",
			fmt.Sprintf("command %q failed", strings.Join(cmd, " ")), err)
	}
	return buf.String(), nil
}

func statusFromPod(username string, pod *corev1.Pod) *orchestrator.WorkloadStatus {
	st := &orchestrator.WorkloadStatus{
		Name:     pod.Name,
		Username: username,
		Node:     pod.Labels[LabelNode],
		Exists:   true,
		Running:  pod.Status.Phase == corev1.PodRunning,
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			st.Ready = true
		}
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name != workspaceContainer {
			continue
		}
		st.RestartCount = int(cs.RestartCount)
		if cs.State.Running != nil {
			t := cs.State.Running.StartedAt.Time
			st.StartedAt = &t
		}
	}
	return st
}

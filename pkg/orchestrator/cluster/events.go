package cluster

import (
	"context"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/hydralab/hydra/pkg/orchestrator"
)

// StreamEvents watches student pods and translates their container
// state transitions. The watch ending closes the channels; the consumer
// owns reconnects.
func (h *Cluster) StreamEvents(ctx context.Context) (<-chan orchestrator.Event, <-chan error) {
	out := make(chan orchestrator.Event, 64)
	errOut := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errOut)

		w, err := h.kube.CoreV1().Pods(h.studentNS).Watch(ctx, metav1.ListOptions{
			LabelSelector: LabelManaged + "=true",
		})
		if err != nil {
			errOut <- classify("event_watch", "failed to watch workload pods", err)
			return
		}
		defer w.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case we, ok := <-w.ResultChan():
				if !ok {
					return
				}
				pod, isPod := we.Object.(*corev1.Pod)
				if !isPod {
					continue
				}
				for _, ev := range translatePodEvent(we.Type, pod) {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, errOut
}

func translatePodEvent(action watch.EventType, pod *corev1.Pod) []orchestrator.Event {
	username := pod.Labels[LabelOwner]
	if username == "" {
		return nil
	}
	base := orchestrator.Event{
		Workload:  pod.Name,
		Username:  username,
		Node:      pod.Spec.NodeName,
		Timestamp: time.Now(),
	}

	if action == watch.Deleted {
		base.Type = orchestrator.EventStopped
		return []orchestrator.Event{base}
	}

	var events []orchestrator.Event
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name != workspaceContainer {
			continue
		}
		switch {
		case cs.State.Running != nil && action == watch.Added:
			ev := base
			ev.Type = orchestrator.EventStarted
			ev.Timestamp = cs.State.Running.StartedAt.Time
			events = append(events, ev)
		case cs.State.Terminated != nil:
			ev := base
			ev.ExitCode = int(cs.State.Terminated.ExitCode)
			ev.Timestamp = cs.State.Terminated.FinishedAt.Time
			if cs.State.Terminated.Reason == "OOMKilled" {
				ev.Type = orchestrator.EventOOM
			} else if cs.State.Terminated.Signal != 0 {
				ev.Type = orchestrator.EventKilled
				ev.Signal = strconv.Itoa(int(cs.State.Terminated.Signal))
			} else {
				ev.Type = orchestrator.EventExited
			}
			events = append(events, ev)
		}
	}
	return events
}

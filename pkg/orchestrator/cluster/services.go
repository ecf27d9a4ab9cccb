package cluster

import (
	"context"
	"sort"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/hydralab/hydra/pkg/orchestrator"
)

// CreateEndpoints publishes the user's named ports as a service
// selecting the workspace pod. The node argument is unused; the service
// follows the pod wherever it runs.
func (h *Cluster) CreateEndpoints(ctx context.Context, username, node string, ports map[string]int) error {
	names := make([]string, 0, len(ports))
	for name := range ports {
		names = append(names, name)
	}
	sort.Strings(names)

	svcPorts := make([]corev1.ServicePort, 0, len(names))
	for _, name := range names {
		svcPorts = append(svcPorts, corev1.ServicePort{
			Name:       name,
			Port:       int32(ports[name]),
			TargetPort: intstr.FromInt(ports[name]),
		})
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:   orchestrator.ServiceName(username),
			Labels: ownerLabels(username),
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{LabelOwner: username},
			Ports:    svcPorts,
		},
	}

	existing, err := h.kube.CoreV1().Services(h.studentNS).Get(ctx, svc.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = h.kube.CoreV1().Services(h.studentNS).Create(ctx, svc, metav1.CreateOptions{})
		if err != nil && !apierrors.IsAlreadyExists(err) {
			return classify("service_create", "failed to create endpoint service", err)
		}
		return nil
	}
	if err != nil {
		return classify("service_get", "failed to get endpoint service", err)
	}

	existing.Spec.Ports = svcPorts
	existing.Spec.Selector = svc.Spec.Selector
	if _, err := h.kube.CoreV1().Services(h.studentNS).Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return classify("service_update", "failed to update endpoint service", err)
	}
	return nil
}

// DeleteEndpoints removes the user's service. Deleting an absent
// service is success.
func (h *Cluster) DeleteEndpoints(ctx context.Context, username string) error {
	err := h.kube.CoreV1().Services(h.studentNS).Delete(ctx, orchestrator.ServiceName(username), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return classify("service_delete", "failed to delete endpoint service", err)
	}
	return nil
}

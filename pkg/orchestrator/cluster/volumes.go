package cluster

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/hydralab/hydra/pkg/catalog"
	"github.com/hydralab/hydra/pkg/log"
	"github.com/hydralab/hydra/pkg/orchestrator"
)

// CreateVolume provisions a claim on the node's storage class. The
// node field picks the class; the scheduler binds the claim when the
// pod lands.
func (h *Cluster) CreateVolume(ctx context.Context, spec *orchestrator.VolumeSpec) error {
	_, err := h.kube.CoreV1().PersistentVolumeClaims(h.studentNS).Get(ctx, spec.Name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return classify("volume_get", "failed to get claim", err)
	}

	class := spec.StorageClass
	accessMode := corev1.ReadWriteOnce
	if class == catalog.StorageClassNFS {
		accessMode = corev1.ReadWriteMany
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:        spec.Name,
			Labels:      ownerLabels(spec.Annotations[LabelOwner]),
			Annotations: spec.Annotations,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			StorageClassName: &class,
			AccessModes:      []corev1.PersistentVolumeAccessMode{accessMode},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: *resource.NewQuantity(int64(spec.SizeGB)<<30, resource.BinarySI),
				},
			},
		},
	}
	if _, err := h.kube.CoreV1().PersistentVolumeClaims(h.studentNS).Create(ctx, pvc, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return classify("volume_create", "failed to create claim", err)
	}
	log.WithComponent("cluster").Info().
		Str("volume", spec.Name).
		Str("class", class).
		Msg("claim created")
	return nil
}

// GetVolume reads a claim. Absence is reported with Exists false. The
// node argument is unused here; claims are namespace scoped.
func (h *Cluster) GetVolume(ctx context.Context, node, name string) (*orchestrator.VolumeInfo, error) {
	pvc, err := h.kube.CoreV1().PersistentVolumeClaims(h.studentNS).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return &orchestrator.VolumeInfo{Name: name, Node: node, Exists: false}, nil
	}
	if err != nil {
		return nil, classify("volume_get", "failed to get claim", err)
	}
	info := &orchestrator.VolumeInfo{Name: name, Node: node, Exists: true}
	if pvc.Spec.StorageClassName != nil {
		info.StorageClass = *pvc.Spec.StorageClassName
	}
	return info, nil
}

// DeleteVolume removes a claim; the class's reclaim policy disposes of
// the data. Deleting an absent claim is success.
func (h *Cluster) DeleteVolume(ctx context.Context, node, name string) error {
	err := h.kube.CoreV1().PersistentVolumeClaims(h.studentNS).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return classify("volume_delete", "failed to delete claim", err)
	}
	return nil
}

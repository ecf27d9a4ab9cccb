package cluster

import (
	"context"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/log"
	"github.com/hydralab/hydra/pkg/orchestrator"
)

// RunCopyJob copies the user's home data between claims through a
// one-shot job pinned to the target node and waits for it to finish.
func (h *Cluster) RunCopyJob(ctx context.Context, username, sourceNode, sourceVolume, targetNode, targetVolume string, timeout time.Duration) error {
	name := orchestrator.CopyJobName(username)
	jobs := h.kube.BatchV1().Jobs(h.studentNS)

	// A leftover job from an earlier attempt is replaced.
	if err := h.deleteJob(ctx, name); err != nil {
		return err
	}

	backoff := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: ownerLabels(username),
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{LabelManaged: "true"}},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					NodeSelector:  h.copyNodeSelector(targetNode),
					Containers: []corev1.Container{{
						Name:    "copy",
						Image:   helperImage,
						Command: []string{"sh", "-c", "cp -a /from/. /to/ && sync"},
						VolumeMounts: []corev1.VolumeMount{
							{Name: "from", MountPath: "/from", ReadOnly: true},
							{Name: "to", MountPath: "/to"},
						},
					}},
					Volumes: []corev1.Volume{
						{Name: "from", VolumeSource: corev1.VolumeSource{
							PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: sourceVolume, ReadOnly: true},
						}},
						{Name: "to", VolumeSource: corev1.VolumeSource{
							PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: targetVolume},
						}},
					},
				},
			},
		},
	}
	if _, err := jobs.Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return classify("copy_job_create", "failed to create copy job", err)
	}
	log.WithComponent("cluster").Info().
		Str("username", username).
		Str("source", sourceVolume).
		Str("target", targetVolume).
		Msg("copy job started")

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		cur, err := jobs.Get(ctx, name, metav1.GetOptions{})
		if err == nil {
			if cur.Status.Succeeded > 0 {
				return h.deleteJob(ctx, name)
			}
			if cur.Status.Failed > 0 {
				_ = h.deleteJob(ctx, name)
				return apperr.New(apperr.KindOperation, "copy_job", "data copy failed")
			}
		}
		if time.Now().After(deadline) {
			_ = h.deleteJob(ctx, name)
			return apperr.Wrap(apperr.KindOperation, "copy_job", "data copy did not finish in time", err)
		}
		select {
		case <-ctx.Done():
			_ = h.deleteJob(context.WithoutCancel(ctx), name)
			return apperr.Wrap(apperr.KindOperation, "copy_job", "data copy cancelled", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (h *Cluster) copyNodeSelector(targetNode string) map[string]string {
	desc, ok := h.catalog.Node(targetNode)
	if !ok {
		return nil
	}
	return h.nodeSelector(desc)
}

func (h *Cluster) deleteJob(ctx context.Context, name string) error {
	policy := metav1.DeletePropagationForeground
	err := h.kube.BatchV1().Jobs(h.studentNS).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return classify("copy_job_delete", "failed to delete copy job", err)
	}
	return nil
}

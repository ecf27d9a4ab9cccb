package cluster

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/hydralab/hydra/pkg/orchestrator"
)

// CreateCredentialSecret stores or replaces the user's credential
// material.
func (h *Cluster) CreateCredentialSecret(ctx context.Context, username string, data map[string][]byte) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:   orchestrator.SecretName(username),
			Labels: ownerLabels(username),
		},
		Type: corev1.SecretTypeOpaque,
		Data: data,
	}
	_, err := h.kube.CoreV1().Secrets(h.studentNS).Create(ctx, secret, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = h.kube.CoreV1().Secrets(h.studentNS).Update(ctx, secret, metav1.UpdateOptions{})
	}
	if err != nil {
		return classify("secret_write", "failed to write credential secret", err)
	}
	return nil
}

// GetCredentialSecret loads the user's credential material.
func (h *Cluster) GetCredentialSecret(ctx context.Context, username string) (map[string][]byte, error) {
	secret, err := h.kube.CoreV1().Secrets(h.studentNS).Get(ctx, orchestrator.SecretName(username), metav1.GetOptions{})
	if err != nil {
		return nil, classify("credentials", "failed to get credential secret", err)
	}
	return secret.Data, nil
}

// DeleteCredentialSecret removes the user's credential material.
// Deleting an absent secret is success.
func (h *Cluster) DeleteCredentialSecret(ctx context.Context, username string) error {
	err := h.kube.CoreV1().Secrets(h.studentNS).Delete(ctx, orchestrator.SecretName(username), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return classify("secret_delete", "failed to delete credential secret", err)
	}
	return nil
}

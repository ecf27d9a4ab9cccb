package cluster

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/catalog"
	"github.com/hydralab/hydra/pkg/config"
	"github.com/hydralab/hydra/pkg/types"
)

const (
	// LabelOwner marks every object the control plane creates with the
	// owning username.
	LabelOwner = "hydra.owner"
	// LabelManaged distinguishes control-plane objects from everything
	// else in the namespace.
	LabelManaged = "hydra.managed"
	// LabelNode records the catalog node a pod was placed for. Worker
	// nodes carry LabelNodeRole and LabelGPUEnabled; placement selects
	// on role rather than hostname.
	LabelNode       = "hydra.node"
	LabelNodeRole   = "hydra.node-role"
	LabelGPUEnabled = "hydra.gpu-enabled"

	// workspaceContainer is the single container name in every
	// workspace pod.
	workspaceContainer = "workspace"

	helperImage = "docker.io/library/alpine:3.20"
)

// Cluster implements the orchestrator contract on a scheduler API.
// Workspaces are pods, storage is claims, credentials are secrets,
// endpoints are services, and routes are proxy custom resources.
type Cluster struct {
	kube      kubernetes.Interface
	dyn       dynamic.Interface
	restCfg   *rest.Config
	catalog   *catalog.Catalog
	studentNS string
	systemNS  string
	verifyURL string
}

// New builds the client pair from the configured kubeconfig, falling
// back to in-cluster credentials, and ensures the namespaces and the
// shared auth middleware exist.
func New(ctx context.Context, cfg *config.Config, cat *catalog.Catalog) (*Cluster, error) {
	restCfg, err := buildRestConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}
	kube, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster client: %w", err)
	}
	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	c := &Cluster{
		kube:      kube,
		dyn:       dyn,
		restCfg:   restCfg,
		catalog:   cat,
		studentNS: cfg.StudentNamespace,
		systemNS:  cfg.SystemNamespace,
		verifyURL: cfg.PublicBaseURL + "/auth/verify",
	}
	if err := c.ensureNamespace(ctx, c.studentNS); err != nil {
		return nil, err
	}
	if err := c.ensureAuthMiddleware(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func buildRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		restCfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
		return restCfg, nil
	}
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("no kubeconfig and no in-cluster credentials: %w", err)
	}
	return restCfg, nil
}

func (h *Cluster) ensureNamespace(ctx context.Context, name string) error {
	_, err := h.kube.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return classify("namespace_get", "failed to get namespace", err)
	}
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
	_, err = h.kube.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return classify("namespace_create", "failed to create namespace", err)
	}
	return nil
}

// classify maps API server errors onto the control plane's error kinds.
func classify(code, msg string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case apierrors.IsNotFound(err):
		return apperr.Wrap(apperr.KindPrecondition, code+"_not_found", msg, err)
	case apierrors.IsConflict(err),
		apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err),
		apierrors.IsTooManyRequests(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err):
		return apperr.Transient(code, msg, err)
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return apperr.Wrap(apperr.KindInput, code, msg, err)
	default:
		return apperr.Operation(code, msg, err)
	}
}

func (h *Cluster) nodeSelector(desc types.NodeDescriptor) map[string]string {
	sel := map[string]string{LabelNodeRole: string(desc.Role)}
	if desc.GPUEnabled {
		sel[LabelGPUEnabled] = "true"
	}
	return sel
}

func gpuTolerations(gpuCount int) []corev1.Toleration {
	if gpuCount == 0 {
		return nil
	}
	return []corev1.Toleration{{
		Key:      "nvidia.com/gpu",
		Operator: corev1.TolerationOpExists,
		Effect:   corev1.TaintEffectNoSchedule,
	}}
}

func ownerLabels(username string) map[string]string {
	return map[string]string{
		LabelOwner:   username,
		LabelManaged: "true",
	}
}

func ownerSelector(username string) metav1.ListOptions {
	return metav1.ListOptions{LabelSelector: LabelOwner + "=" + username}
}

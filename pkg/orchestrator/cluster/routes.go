package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/orchestrator"
	"github.com/hydralab/hydra/pkg/proxycfg"
)

// Route rules are proxy custom resources; the proxy watches them the
// same way it watches the file provider on the host backend.

var (
	ingressRouteGVR = schema.GroupVersionResource{Group: "traefik.io", Version: "v1alpha1", Resource: "ingressroutes"}
	middlewareGVR   = schema.GroupVersionResource{Group: "traefik.io", Version: "v1alpha1", Resource: "middlewares"}
)

// routesAnnotation carries the applied route set verbatim so GetRoutes
// does not have to parse match rules back apart.
const routesAnnotation = "hydra.routes"

func (h *Cluster) ensureAuthMiddleware(ctx context.Context) error {
	mw := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "traefik.io/v1alpha1",
		"kind":       "Middleware",
		"metadata": map[string]any{
			"name":      proxycfg.AuthMiddlewareName,
			"namespace": h.systemNS,
		},
		"spec": map[string]any{
			"forwardAuth": map[string]any{
				"address":            h.verifyURL,
				"trustForwardHeader": true,
			},
		},
	}}
	return h.upsert(ctx, middlewareGVR, h.systemNS, mw)
}

// ApplyRoutes writes the user's route rule and its strip middlewares.
// An empty ServiceHost defaults to the user's endpoint service.
func (h *Cluster) ApplyRoutes(ctx context.Context, rs *proxycfg.RouteSet) error {
	if rs.ServiceHost == "" {
		rs.ServiceHost = orchestrator.ServiceName(rs.Username)
	}

	var rules []any
	for _, r := range rs.Routes {
		mws := []any{
			map[string]any{"name": proxycfg.AuthMiddlewareName, "namespace": h.systemNS},
		}
		if r.StripPrefix {
			stripName := rs.RouterName(r.Endpoint) + "-strip"
			strip := &unstructured.Unstructured{Object: map[string]any{
				"apiVersion": "traefik.io/v1alpha1",
				"kind":       "Middleware",
				"metadata": map[string]any{
					"name":      stripName,
					"namespace": h.studentNS,
					"labels":    toAnyMap(ownerLabels(rs.Username)),
				},
				"spec": map[string]any{
					"stripPrefix": map[string]any{
						"prefixes": []any{rs.PathPrefix(r.Endpoint)},
					},
				},
			}}
			if err := h.upsert(ctx, middlewareGVR, h.studentNS, strip); err != nil {
				return err
			}
			mws = append(mws, map[string]any{"name": stripName, "namespace": h.studentNS})
		}
		rules = append(rules, map[string]any{
			"kind":        "Rule",
			"match":       fmt.Sprintf("PathPrefix(`%s`)", rs.PathPrefix(r.Endpoint)),
			"middlewares": mws,
			"services": []any{
				map[string]any{"name": rs.ServiceHost, "port": int64(r.Port)},
			},
		})
	}

	applied, err := json.Marshal(rs)
	if err != nil {
		return apperr.Operation("routes_apply", "failed to encode route set", err)
	}

	ir := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "traefik.io/v1alpha1",
		"kind":       "IngressRoute",
		"metadata": map[string]any{
			"name":        orchestrator.WorkloadName(rs.Username),
			"namespace":   h.studentNS,
			"labels":      toAnyMap(ownerLabels(rs.Username)),
			"annotations": map[string]any{routesAnnotation: string(applied)},
		},
		"spec": map[string]any{
			"entryPoints": []any{"web"},
			"routes":      rules,
		},
	}}
	return h.upsert(ctx, ingressRouteGVR, h.studentNS, ir)
}

// GetRoutes returns the user's applied route set, or nil when none is
// applied.
func (h *Cluster) GetRoutes(ctx context.Context, username string) (*proxycfg.RouteSet, error) {
	obj, err := h.dyn.Resource(ingressRouteGVR).Namespace(h.studentNS).Get(ctx, orchestrator.WorkloadName(username), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("routes_get", "failed to get route rule", err)
	}
	raw := obj.GetAnnotations()[routesAnnotation]
	if raw == "" {
		return nil, apperr.Operation("routes_get", "route rule missing applied annotation", nil)
	}
	var rs proxycfg.RouteSet
	if err := json.Unmarshal([]byte(raw), &rs); err != nil {
		return nil, apperr.Operation("routes_get", "failed to decode applied route set", err)
	}
	return &rs, nil
}

// DeleteRoutes removes the user's route rule and strip middlewares.
func (h *Cluster) DeleteRoutes(ctx context.Context, username string) error {
	err := h.dyn.Resource(ingressRouteGVR).Namespace(h.studentNS).Delete(ctx, orchestrator.WorkloadName(username), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return classify("routes_delete", "failed to delete route rule", err)
	}
	err = h.dyn.Resource(middlewareGVR).Namespace(h.studentNS).DeleteCollection(ctx, metav1.DeleteOptions{}, ownerSelector(username))
	if err != nil && !apierrors.IsNotFound(err) {
		return classify("routes_delete", "failed to delete strip middlewares", err)
	}
	return nil
}

func (h *Cluster) upsert(ctx context.Context, gvr schema.GroupVersionResource, ns string, obj *unstructured.Unstructured) error {
	_, err := h.dyn.Resource(gvr).Namespace(ns).Create(ctx, obj, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return classify("route_object_create", "failed to create "+obj.GetKind(), err)
	}
	existing, err := h.dyn.Resource(gvr).Namespace(ns).Get(ctx, obj.GetName(), metav1.GetOptions{})
	if err != nil {
		return classify("route_object_get", "failed to get "+obj.GetKind(), err)
	}
	obj.SetResourceVersion(existing.GetResourceVersion())
	if _, err := h.dyn.Resource(gvr).Namespace(ns).Update(ctx, obj, metav1.UpdateOptions{}); err != nil {
		return classify("route_object_update", "failed to update "+obj.GetKind(), err)
	}
	return nil
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

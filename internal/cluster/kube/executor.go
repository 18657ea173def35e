package kube

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8stypes "k8s.io/apimachinery/pkg/types"

	"github.com/opsmend/opsmend/internal/cluster"
)

const (
	restartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"
	revisionAnnotation    = "deployment.kubernetes.io/revision"
)

// Executor applies remediations to deployments.
type Executor struct {
	client *Client
}

// NewExecutor creates an executor using the given client.
func NewExecutor(client *Client) *Executor {
	return &Executor{client: client}
}

// Restart triggers a rolling restart by stamping the pod template with a
// restartedAt annotation, the same mechanism kubectl rollout restart uses.
func (e *Executor) Restart(ctx context.Context, namespace, deployment string) (string, error) {
	if err := e.client.wait(ctx); err != nil {
		return "", err
	}

	patch, err := json.Marshal(map[string]any{
		"spec": map[string]any{
			"template": map[string]any{
				"metadata": map[string]any{
					"annotations": map[string]string{
						restartedAtAnnotation: time.Now().UTC().Format(time.RFC3339),
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal restart patch: %w", err)
	}

	_, err = e.client.kube.AppsV1().Deployments(namespace).
		Patch(ctx, deployment, k8stypes.StrategicMergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return "", fmt.Errorf("restart deployment %s/%s: %w", namespace, deployment, err)
	}

	return fmt.Sprintf("rollout restart initiated for deployment %s/%s", namespace, deployment), nil
}

// Rollback reverts the deployment to its previous ReplicaSet revision by
// patching the pod template back, mirroring kubectl rollout undo.
func (e *Executor) Rollback(ctx context.Context, namespace, deployment string) (string, error) {
	if err := e.client.wait(ctx); err != nil {
		return "", err
	}

	deploy, err := e.client.kube.AppsV1().Deployments(namespace).Get(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get deployment %s/%s: %w", namespace, deployment, err)
	}

	currentRev, err := strconv.ParseInt(deploy.Annotations[revisionAnnotation], 10, 64)
	if err != nil {
		return "", fmt.Errorf("deployment %s/%s has no parseable revision: %w", namespace, deployment, cluster.ErrNoPreviousRevision)
	}

	selector, err := metav1.LabelSelectorAsSelector(deploy.Spec.Selector)
	if err != nil {
		return "", fmt.Errorf("deployment selector: %w", err)
	}

	rsList, err := e.client.kube.AppsV1().ReplicaSets(namespace).
		List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return "", fmt.Errorf("list replicasets for %s/%s: %w", namespace, deployment, err)
	}

	var target *appsv1.ReplicaSet
	var targetRev int64
	for idx := range rsList.Items {
		rs := &rsList.Items[idx]
		if !metav1.IsControlledBy(rs, deploy) {
			continue
		}
		rev, parseErr := strconv.ParseInt(rs.Annotations[revisionAnnotation], 10, 64)
		if parseErr != nil {
			continue
		}
		if rev < currentRev && rev > targetRev {
			target = rs
			targetRev = rev
		}
	}
	if target == nil {
		return "", fmt.Errorf("rollback deployment %s/%s: %w", namespace, deployment, cluster.ErrNoPreviousRevision)
	}

	template := target.Spec.Template.DeepCopy()
	delete(template.Labels, appsv1.DefaultDeploymentUniqueLabelKey)

	patch, err := json.Marshal(map[string]any{
		"spec": map[string]any{"template": template},
	})
	if err != nil {
		return "", fmt.Errorf("marshal rollback patch: %w", err)
	}

	_, err = e.client.kube.AppsV1().Deployments(namespace).
		Patch(ctx, deployment, k8stypes.StrategicMergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return "", fmt.Errorf("rollback deployment %s/%s: %w", namespace, deployment, err)
	}

	return fmt.Sprintf("rolled back deployment %s/%s to revision %d", namespace, deployment, targetRev), nil
}

// Scale sets the deployment replica count. Targets outside
// [MinReplicas, MaxReplicas] are rejected.
func (e *Executor) Scale(ctx context.Context, namespace, deployment string, replicas int32) (string, error) {
	if replicas < cluster.MinReplicas || replicas > cluster.MaxReplicas {
		return "", fmt.Errorf("scale deployment %s/%s to %d: %w (allowed %d-%d)",
			namespace, deployment, replicas, cluster.ErrReplicasOutOfRange, cluster.MinReplicas, cluster.MaxReplicas)
	}

	if err := e.client.wait(ctx); err != nil {
		return "", err
	}

	deploy, err := e.client.kube.AppsV1().Deployments(namespace).Get(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get deployment %s/%s: %w", namespace, deployment, err)
	}

	previous := int32(1)
	if deploy.Spec.Replicas != nil {
		previous = *deploy.Spec.Replicas
	}
	deploy.Spec.Replicas = &replicas

	_, err = e.client.kube.AppsV1().Deployments(namespace).Update(ctx, deploy, metav1.UpdateOptions{})
	if err != nil {
		return "", fmt.Errorf("scale deployment %s/%s: %w", namespace, deployment, err)
	}

	return fmt.Sprintf("scaled deployment %s/%s from %d to %d replicas", namespace, deployment, previous, replicas), nil
}

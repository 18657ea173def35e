//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/opsmend/opsmend/internal/ingest"
	"github.com/opsmend/opsmend/internal/testutil"
)

const revisionAnnotation = "deployment.kubernetes.io/revision"

func int32Ptr(i int32) *int32 { return &i }
func boolPtr(b bool) *bool    { return &b }

// seedDeployment creates a deployment at revision 2 in the fake cluster,
// together with both revisions' ReplicaSets and one running pod, so every fix
// action has something to act on. previousImage is what a rollback reverts to.
func seedDeployment(t *testing.T, namespace, name, image, previousImage string) {
	t.Helper()
	ctx := context.Background()

	deploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   namespace,
			UID:         types.UID(name + "-uid"),
			Annotations: map[string]string{revisionAnnotation: "2"},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(2),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"app": name},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"app": name},
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: "app", Image: image}},
				},
			},
		},
	}
	_, err := testClientset.AppsV1().Deployments(namespace).Create(ctx, deploy, metav1.CreateOptions{})
	require.NoError(t, err)

	for rev, img := range map[string]string{"1": previousImage, "2": image} {
		rs := &appsv1.ReplicaSet{
			ObjectMeta: metav1.ObjectMeta{
				Name:        fmt.Sprintf("%s-rs%s", name, rev),
				Namespace:   namespace,
				Annotations: map[string]string{revisionAnnotation: rev},
				Labels: map[string]string{
					"app":                                 name,
					appsv1.DefaultDeploymentUniqueLabelKey: fmt.Sprintf("%s-rs%s", name, rev),
				},
				OwnerReferences: []metav1.OwnerReference{{
					APIVersion: "apps/v1",
					Kind:       "Deployment",
					Name:       name,
					UID:        types.UID(name + "-uid"),
					Controller: boolPtr(true),
				}},
			},
			Spec: appsv1.ReplicaSetSpec{
				Selector: &metav1.LabelSelector{
					MatchLabels: map[string]string{"app": name},
				},
				Template: corev1.PodTemplateSpec{
					ObjectMeta: metav1.ObjectMeta{
						Labels: map[string]string{"app": name},
					},
					Spec: corev1.PodSpec{
						Containers: []corev1.Container{{Name: "app", Image: img}},
					},
				},
			},
		}
		_, err := testClientset.AppsV1().ReplicaSets(namespace).Create(ctx, rs, metav1.CreateOptions{})
		require.NoError(t, err)
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name + "-pod-1",
			Namespace: namespace,
			Labels:    map[string]string{"app": name},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:         "app",
				Ready:        true,
				RestartCount: 4,
			}},
		},
	}
	_, err = testClientset.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{})
	require.NoError(t, err)
}

// seedBareDeployment creates a first-revision deployment with no ReplicaSet
// history, so a rollback against it fails.
func seedBareDeployment(t *testing.T, namespace, name, image string) {
	t.Helper()

	deploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   namespace,
			UID:         types.UID(name + "-uid"),
			Annotations: map[string]string{revisionAnnotation: "1"},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(2),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"app": name},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"app": name},
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: "app", Image: image}},
				},
			},
		},
	}
	_, err := testClientset.AppsV1().Deployments(namespace).Create(context.Background(), deploy, metav1.CreateOptions{})
	require.NoError(t, err)
}

// getDeployment reads a deployment back from the fake cluster.
func getDeployment(t *testing.T, namespace, name string) *appsv1.Deployment {
	t.Helper()
	deploy, err := testClientset.AppsV1().Deployments(namespace).Get(context.Background(), name, metav1.GetOptions{})
	require.NoError(t, err)
	return deploy
}

// issuePayload builds a direct issue submission for the given service.
func issuePayload(service, namespace, title string) map[string]interface{} {
	return map[string]interface{}{
		"title":        title,
		"description":  "integration test issue",
		"severity":     "critical",
		"service_name": service,
		"namespace":    namespace,
	}
}

// submitIssue posts an issue and returns the accepted run handle.
func submitIssue(t *testing.T, client *testutil.Client, payload map[string]interface{}) ingest.RunHandle {
	t.Helper()

	resp, err := client.POST("/api/v1/issues", payload)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var result struct {
		Data ingest.RunHandle `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	require.NotEmpty(t, result.Data.RunID)
	return result.Data
}

// getRun fetches one run by ID.
func getRun(t *testing.T, client *testutil.Client, runID string) ingest.RunDetail {
	t.Helper()

	resp, err := client.GET("/api/v1/runs/" + runID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data ingest.RunDetail `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}

// waitForTerminalRun polls the run until it leaves in_progress and returns
// the final detail. Stub-backed runs finish in milliseconds; the deadline
// only bounds a genuinely stuck workflow.
func waitForTerminalRun(t *testing.T, client *testutil.Client, runID string) ingest.RunDetail {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		detail := getRun(t, client, runID)
		if detail.Phase != ingest.PhaseInProgress {
			return detail
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish in time", runID)
	return ingest.RunDetail{}
}

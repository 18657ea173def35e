package kube

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/opsmend/opsmend/internal/cluster"
)

func testPod(name string, ready bool, restarts int32, waitingReason string) *corev1.Pod {
	cs := corev1.ContainerStatus{
		Name:         "app",
		Ready:        ready,
		RestartCount: restarts,
	}
	if waitingReason != "" {
		cs.State = corev1.ContainerState{
			Waiting: &corev1.ContainerStateWaiting{Reason: waitingReason},
		}
	}
	phase := corev1.PodRunning
	if waitingReason != "" {
		phase = corev1.PodPending
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "prod",
			Labels:    map[string]string{"app": "checkout"},
		},
		Status: corev1.PodStatus{
			Phase:             phase,
			ContainerStatuses: []corev1.ContainerStatus{cs},
		},
	}
}

func testEvent(name, objectName string, lastSeen time.Time, reason string) *corev1.Event {
	return &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "prod"},
		Type:       corev1.EventTypeWarning,
		Reason:     reason,
		Message:    reason + " observed",
		Count:      1,
		InvolvedObject: corev1.ObjectReference{
			Kind:      "Pod",
			Name:      objectName,
			Namespace: "prod",
		},
		LastTimestamp: metav1.NewTime(lastSeen),
	}
}

func TestInspectorSnapshot(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	clientset := fake.NewSimpleClientset(
		testPod("checkout-b", false, 7, "CrashLoopBackOff"),
		testPod("checkout-a", true, 0, ""),
		testEvent("ev-old", "checkout-b", base.Add(-time.Hour), "BackOff"),
		testEvent("ev-new", "checkout-a", base, "Unhealthy"),
	)

	inspector := NewInspector(NewClientForTest(clientset))
	snap, err := inspector.Snapshot(context.Background(), "prod", "checkout")
	require.NoError(t, err)

	require.Len(t, snap.Pods, 2)
	assert.Equal(t, "checkout-a", snap.Pods[0].Name)
	assert.Equal(t, "checkout-b", snap.Pods[1].Name)
	assert.Equal(t, "CrashLoopBackOff", snap.Pods[1].Reason)
	assert.Equal(t, int32(7), snap.Pods[1].Restarts)
	assert.Equal(t, 1, snap.Pods[0].ReadyContainers)
	assert.Equal(t, 0, snap.Pods[1].ReadyContainers)

	require.Len(t, snap.Events, 2)
	assert.Equal(t, "Unhealthy", snap.Events[0].Reason)
	assert.Equal(t, "BackOff", snap.Events[1].Reason)
	assert.Empty(t, snap.Notes)
}

func TestInspectorSnapshotEventOrdering(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	objs := []runtime.Object{}
	// 12 events: two newest share a timestamp, the rest trail off minute by minute.
	objs = append(objs,
		testEvent("ev-tie-z", "pod-z", base, "TieZ"),
		testEvent("ev-tie-a", "pod-a", base, "TieA"),
	)
	for i := 1; i <= 10; i++ {
		objs = append(objs, testEvent(
			timestampedName("ev", i),
			timestampedName("pod", i),
			base.Add(-time.Duration(i)*time.Minute),
			"Older",
		))
	}

	inspector := NewInspector(NewClientForTest(fake.NewSimpleClientset(objs...)))
	snap, err := inspector.Snapshot(context.Background(), "prod", "checkout")
	require.NoError(t, err)

	require.Len(t, snap.Events, cluster.MaxRecentEvents)
	// Tied newest events ordered by object name.
	assert.Equal(t, "pod-a", snap.Events[0].ObjectName)
	assert.Equal(t, "pod-z", snap.Events[1].ObjectName)
	// Remaining slots hold the next most recent events.
	for i := 2; i < cluster.MaxRecentEvents; i++ {
		assert.True(t, snap.Events[i].LastSeenAt.Before(snap.Events[i-1].LastSeenAt) ||
			snap.Events[i].LastSeenAt.Equal(snap.Events[i-1].LastSeenAt))
	}

	// Determinism: a second snapshot of the same cluster state is identical.
	again, err := inspector.Snapshot(context.Background(), "prod", "checkout")
	require.NoError(t, err)
	assert.Equal(t, snap.Events, again.Events)
}

func timestampedName(prefix string, i int) string {
	return prefix + "-" + string(rune('a'+i))
}

func TestInspectorSnapshotPartialFailure(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		testEvent("ev-1", "checkout-a", time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), "BackOff"),
	)
	clientset.PrependReactor("list", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("pods unavailable")
	})

	inspector := NewInspector(NewClientForTest(clientset))
	snap, err := inspector.Snapshot(context.Background(), "prod", "checkout")
	require.NoError(t, err)

	assert.Empty(t, snap.Pods)
	require.Len(t, snap.Events, 1)
	require.Len(t, snap.Notes, 1)
	assert.Contains(t, snap.Notes[0], "pod listing failed")
}

func TestInspectorSnapshotTotalFailure(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	clientset.PrependReactor("list", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("pods unavailable")
	})
	clientset.PrependReactor("list", "events", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("events unavailable")
	})

	inspector := NewInspector(NewClientForTest(clientset))
	snap, err := inspector.Snapshot(context.Background(), "prod", "checkout")
	require.Error(t, err)
	assert.Nil(t, snap)
}

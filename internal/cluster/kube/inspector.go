package kube

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/opsmend/opsmend/internal/cluster"
)

// Inspector collects workload state for diagnosis.
type Inspector struct {
	client *Client
}

// NewInspector creates an inspector using the given client.
func NewInspector(client *Client) *Inspector {
	return &Inspector{client: client}
}

// Snapshot gathers pod statuses for the service and recent namespace events.
// Pods and events are fetched independently; a failure on one side is
// recorded as a note and the other side is still returned. Only when both
// fail is the snapshot itself an error.
func (i *Inspector) Snapshot(ctx context.Context, namespace, serviceName string) (*cluster.Snapshot, error) {
	snap := &cluster.Snapshot{
		Namespace:   namespace,
		ServiceName: serviceName,
	}

	podsErr := i.collectPods(ctx, snap)
	if podsErr != nil {
		snap.Notes = append(snap.Notes, fmt.Sprintf("pod listing failed: %v", podsErr))
	}

	eventsErr := i.collectEvents(ctx, snap)
	if eventsErr != nil {
		snap.Notes = append(snap.Notes, fmt.Sprintf("event listing failed: %v", eventsErr))
	}

	if podsErr != nil && eventsErr != nil {
		return nil, fmt.Errorf("inspect %s/%s: %w", namespace, serviceName, errors.Join(podsErr, eventsErr))
	}
	return snap, nil
}

func (i *Inspector) collectPods(ctx context.Context, snap *cluster.Snapshot) error {
	if err := i.client.wait(ctx); err != nil {
		return err
	}

	selector := fmt.Sprintf("app=%s", snap.ServiceName)
	pods, err := i.client.kube.CoreV1().Pods(snap.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return fmt.Errorf("list pods %q: %w", selector, err)
	}

	statuses := make([]cluster.PodStatus, 0, len(pods.Items))
	for idx := range pods.Items {
		statuses = append(statuses, podStatus(&pods.Items[idx]))
	}
	sort.Slice(statuses, func(a, b int) bool { return statuses[a].Name < statuses[b].Name })

	snap.Pods = statuses
	return nil
}

func (i *Inspector) collectEvents(ctx context.Context, snap *cluster.Snapshot) error {
	if err := i.client.wait(ctx); err != nil {
		return err
	}

	events, err := i.client.kube.CoreV1().Events(snap.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	collected := make([]cluster.Event, 0, len(events.Items))
	for idx := range events.Items {
		ev := &events.Items[idx]
		collected = append(collected, cluster.Event{
			Type:       ev.Type,
			Reason:     ev.Reason,
			ObjectKind: ev.InvolvedObject.Kind,
			ObjectName: ev.InvolvedObject.Name,
			Message:    ev.Message,
			Count:      ev.Count,
			LastSeenAt: eventTime(ev),
		})
	}

	// Newest first; same timestamp ordered by object name so the snapshot is
	// deterministic for a fixed event set.
	sort.SliceStable(collected, func(a, b int) bool {
		if !collected[a].LastSeenAt.Equal(collected[b].LastSeenAt) {
			return collected[a].LastSeenAt.After(collected[b].LastSeenAt)
		}
		return collected[a].ObjectName < collected[b].ObjectName
	})
	if len(collected) > cluster.MaxRecentEvents {
		collected = collected[:cluster.MaxRecentEvents]
	}

	snap.Events = collected
	return nil
}

func podStatus(pod *corev1.Pod) cluster.PodStatus {
	status := cluster.PodStatus{
		Name:  pod.Name,
		Phase: string(pod.Status.Phase),
	}

	for _, cs := range pod.Status.ContainerStatuses {
		status.TotalContainers++
		if cs.Ready {
			status.ReadyContainers++
		}
		status.Restarts += cs.RestartCount

		if status.Reason == "" {
			if cs.State.Waiting != nil && cs.State.Waiting.Reason != "" {
				status.Reason = cs.State.Waiting.Reason
			} else if cs.LastTerminationState.Terminated != nil && cs.LastTerminationState.Terminated.Reason != "" {
				status.Reason = cs.LastTerminationState.Terminated.Reason
			}
		}
	}

	if status.Reason == "" && pod.Status.Reason != "" {
		status.Reason = pod.Status.Reason
	}
	return status
}

// eventTime picks the most recent timestamp an event carries. Modern API
// servers populate EventTime, older ones LastTimestamp.
func eventTime(ev *corev1.Event) time.Time {
	if !ev.LastTimestamp.IsZero() {
		return ev.LastTimestamp.Time
	}
	if !ev.EventTime.IsZero() {
		return ev.EventTime.Time
	}
	return ev.CreationTimestamp.Time
}

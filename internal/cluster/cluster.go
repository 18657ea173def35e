// Package cluster defines the read and write surfaces the workflow engine
// uses to observe and remediate workloads. Implementations live in
// subpackages; the engine only sees these interfaces.
package cluster

import (
	"context"
	"errors"
	"time"
)

// Replica bounds enforced by Executor implementations. Scale requests
// outside this range must be rejected, not clamped.
const (
	MinReplicas int32 = 1
	MaxReplicas int32 = 10
)

// MaxRecentEvents caps how many cluster events a snapshot carries.
const MaxRecentEvents = 10

// Sentinel errors.
var (
	// ErrReplicasOutOfRange is returned by Scale for targets outside [MinReplicas, MaxReplicas].
	ErrReplicasOutOfRange = errors.New("replica count out of range")

	// ErrNoPreviousRevision is returned by Rollback when the deployment has no earlier revision.
	ErrNoPreviousRevision = errors.New("no previous revision to roll back to")
)

// PodStatus summarizes one pod of the affected workload.
type PodStatus struct {
	Name            string `json:"name"`
	Phase           string `json:"phase"`
	ReadyContainers int    `json:"ready_containers"`
	TotalContainers int    `json:"total_containers"`
	Restarts        int32  `json:"restarts"`
	Reason          string `json:"reason,omitempty"`
}

// Event is one cluster event relevant to diagnosis.
type Event struct {
	Type       string    `json:"type"`
	Reason     string    `json:"reason"`
	ObjectKind string    `json:"object_kind"`
	ObjectName string    `json:"object_name"`
	Message    string    `json:"message"`
	Count      int32     `json:"count"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Snapshot is the point-in-time cluster state handed to diagnosis.
// Events are newest first, ties broken by object name, at most
// MaxRecentEvents entries. Notes record partial collection failures;
// a snapshot with notes is still usable.
type Snapshot struct {
	Namespace   string      `json:"namespace"`
	ServiceName string      `json:"service_name"`
	Pods        []PodStatus `json:"pods"`
	Events      []Event     `json:"events"`
	Notes       []string    `json:"notes,omitempty"`
}

// Inspector observes the state of a workload and its surroundings.
type Inspector interface {
	Snapshot(ctx context.Context, namespace, serviceName string) (*Snapshot, error)
}

// Executor applies remediations. Each call returns a human-readable detail
// string for the run's audit trail, or an error when the remediation could
// not be applied.
type Executor interface {
	Restart(ctx context.Context, namespace, deployment string) (string, error)
	Rollback(ctx context.Context, namespace, deployment string) (string, error)
	Scale(ctx context.Context, namespace, deployment string, replicas int32) (string, error)
}

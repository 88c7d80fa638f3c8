// Package jobs enqueues workflow continuation work for the external worker
// fleet. The gateway is only a producer: after an async dispatch completes,
// a remote.apply job carries the result back into the workflow engine. Jobs
// are deduplicated by a deterministic id so redelivered bus frames cannot
// enqueue the same continuation twice.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// TypeRemoteApply is the job type the workflow worker dispatches on.
const TypeRemoteApply = "remote.apply"

// ContinuationJob resumes a workflow run with the result of an async
// dispatch.
type ContinuationJob struct {
	Type           string               `json:"type"`
	OrganizationID string               `json:"organizationId"`
	WorkflowID     string               `json:"workflowId"`
	RunID          string               `json:"runId"`
	RequestID      string               `json:"requestId"`
	AttemptCount   int                  `json:"attemptCount"`
	Result         *v1.DispatchResponse `json:"result"`
}

// ContinuationJobID derives the dedup id for a request. The hash keeps the
// id fixed-length and opaque; the prefix keys operator tooling.
func ContinuationJobID(requestID string) string {
	sum := sha256.Sum256([]byte(requestID))
	return "apply-" + hex.EncodeToString(sum[:])
}

// Queue is a dedup-guarded work queue producer.
type Queue interface {
	// Enqueue pushes a payload under jobID. It reports false without
	// pushing when the id was already enqueued within the dedup window.
	Enqueue(ctx context.Context, jobID string, payload []byte) (bool, error)
}

// EnqueueContinuation marshals and enqueues one continuation job.
func EnqueueContinuation(ctx context.Context, q Queue, job *ContinuationJob) (bool, error) {
	if job.Type == "" {
		job.Type = TypeRemoteApply
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal continuation %s: %w", job.RequestID, err)
	}
	return q.Enqueue(ctx, ContinuationJobID(job.RequestID), payload)
}

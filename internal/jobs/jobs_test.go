package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

func TestContinuationJobIDStableAndPrefixed(t *testing.T) {
	a := ContinuationJobID("run-1:node-1:1")
	b := ContinuationJobID("run-1:node-1:1")
	c := ContinuationJobID("run-1:node-1:2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "apply-"))
	assert.Len(t, a, len("apply-")+64)
}

func TestEnqueueContinuationDeduplicates(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	job := &ContinuationJob{
		OrganizationID: "org-1",
		WorkflowID:     "wf-1",
		RunID:          "run-1",
		RequestID:      "run-1:node-1:1",
		AttemptCount:   1,
		Result:         &v1.DispatchResponse{Status: v1.StatusSucceeded},
	}

	enqueued, err := EnqueueContinuation(ctx, q, job)
	require.NoError(t, err)
	assert.True(t, enqueued)

	enqueued, err = EnqueueContinuation(ctx, q, job)
	require.NoError(t, err)
	assert.False(t, enqueued, "same requestId must be a no-op")

	jobs := q.Jobs()
	require.Len(t, jobs, 1)

	var decoded ContinuationJob
	require.NoError(t, json.Unmarshal(jobs[0], &decoded))
	assert.Equal(t, TypeRemoteApply, decoded.Type)
	assert.Equal(t, "run-1:node-1:1", decoded.RequestID)
	assert.Equal(t, v1.StatusSucceeded, decoded.Result.Status)
}

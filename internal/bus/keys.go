package bus

// Stream and key names shared by the edge and brain tiers. Key shapes are a
// wire contract: operators inspect them during incidents and external
// consumers (the workflow continuation worker) read the queue keys.

const (
	// StreamToBrain carries control frames from every edge to the brain tier.
	StreamToBrain = "gateway:bus:to_brain"

	// GroupBrain is the consumer group brains read StreamToBrain with.
	GroupBrain = "brain"

	// GroupEdge is the consumer group an edge reads its own stream with.
	GroupEdge = "edge"
)

// StreamToEdge names the per-edge stream for frames addressed to sockets
// homed on that edge.
func StreamToEdge(edgeID string) string {
	return "gateway:bus:to_edge:" + edgeID
}

// ReplyKey names the first-write-wins envelope for one request id.
func ReplyKey(requestID string) string {
	return "reply:" + requestID
}

// ResultKey names the cached dispatch response used for idempotent retries.
func ResultKey(requestID string) string {
	return "results:" + requestID
}

// RouteKey names an executor's route advertisement. The key's TTL doubles as
// the liveness signal: expired route means stale executor.
func RouteKey(executorID string) string {
	return "executor:route:" + executorID
}

// ExecutorInFlightKey names the per-executor reservation set.
func ExecutorInFlightKey(executorID string) string {
	return "executor:inflight:" + executorID
}

// OrgInFlightKey names the per-organization reservation set.
func OrgInFlightKey(organizationID string) string {
	return "org:inflight:" + organizationID
}

// ExecutorLastUsedKey names the least-recently-used tiebreak timestamp.
func ExecutorLastUsedKey(executorID string) string {
	return "executor:lastused:" + executorID
}

// OrgQuotaKey names the cached per-organization in-flight quota.
func OrgQuotaKey(organizationID string) string {
	return "org:quota:" + organizationID
}

// SessionEdgesKey names the set of edge ids with sockets joined to a session.
func SessionEdgesKey(sessionID string) string {
	return "session:edges:" + sessionID
}

// SessionBrainLockKey names the short lease serializing turns for a session.
func SessionBrainLockKey(sessionID string) string {
	return "session:brain:" + sessionID
}

// WorkspaceLockKey names the advisory lock guarding workspace snapshots.
func WorkspaceLockKey(workspaceID string) string {
	return "workspace:lock:" + workspaceID
}

// QueueKey names the list backing a work queue.
func QueueKey(name string) string {
	return "queue:" + name
}

// QueueJobKey names the dedup marker for one job on a queue.
func QueueJobKey(name, jobID string) string {
	return "queue:" + name + ":jobs:" + jobID
}

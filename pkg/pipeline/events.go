package pipeline

import "time"

// Event type discriminators on the wire.
const (
	TypeStatusUpdate   = "TaskStatusUpdateEvent"
	TypeArtifactUpdate = "TaskArtifactUpdateEvent"
)

// Artifact types.
const (
	ArtifactContextPack = "context_pack"
	ArtifactPlan        = "plan"
	ArtifactStepResult  = "step_result"
	ArtifactFinal       = "final"
)

func timestamp(ts time.Time) string {
	return ts.UTC().Format("2006-01-02T15:04:05Z")
}

// StatusPayload builds a TaskStatusUpdateEvent body. The store stamps
// "_seq" at persist time.
func StatusPayload(ts time.Time, taskID, runID, state, message string, meta map[string]any) map[string]any {
	if meta == nil {
		meta = map[string]any{}
	}
	return map[string]any{
		"type":    TypeStatusUpdate,
		"ts":      timestamp(ts),
		"task_id": taskID,
		"run_id":  runID,
		"state":   state,
		"message": message,
		"meta":    meta,
	}
}

// ArtifactPayload builds a TaskArtifactUpdateEvent body.
func ArtifactPayload(ts time.Time, taskID, runID, artifactType string, artifact any) map[string]any {
	return map[string]any{
		"type":          TypeArtifactUpdate,
		"ts":            timestamp(ts),
		"task_id":       taskID,
		"run_id":        runID,
		"artifact_type": artifactType,
		"artifact":      artifact,
	}
}

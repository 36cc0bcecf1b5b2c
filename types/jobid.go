package types

import "strings"

// SafeSeparator replaces colons in job ids before queue submission.
// Colons are reserved by the queue implementation's key layout.
const SafeSeparator = "__"

// ToSafeJobID substitutes reserved colons in a job id with SafeSeparator.
// The function is a fixed point: applying it twice yields the same result.
func ToSafeJobID(id string) string {
	return strings.ReplaceAll(id, ":", SafeSeparator)
}

// StageJobID builds the canonical job id for a pipeline stage.
// Callers pass it through ToSafeJobID before queue submission.
func StageJobID(stage, projectID, auditRunID string) string {
	return stage + ":" + projectID + ":" + auditRunID
}

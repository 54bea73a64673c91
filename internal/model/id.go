package model

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new UUID string for use as an execution identifier.
func NewID() string {
	return uuid.NewString()
}

// ParseID validates that s is a well-formed execution identifier and returns
// its canonical (lowercase, hyphenated) form.
func ParseID(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", &ValidationError{Field: "id", Message: "malformed execution id"}
	}
	return id.String(), nil
}

// NewTransitionID generates a ULID for a status transition row. ULIDs sort by
// creation time, which keeps the audit trail ordered even across restarts.
func NewTransitionID() string {
	return ulid.Make().String()
}

// firstSegment returns the part of id before the first hyphen.
func firstSegment(id string) string {
	if i := strings.IndexByte(id, '-'); i >= 0 {
		return id[:i]
	}
	return id
}

// JobID returns the orchestrator-level identity of the job backing an
// execution. It is a pure function of the execution id, so every job
// operation can be repeated safely with the same derived identity.
func JobID(prefix, executionID string) string {
	return prefix + "-" + executionID
}

// ExecutionIDFromJobID reverses JobID. It reports false for jobs that do not
// carry the given prefix or whose remainder is not an execution id.
func ExecutionIDFromJobID(prefix, jobID string) (string, bool) {
	rest, ok := strings.CutPrefix(jobID, prefix+"-")
	if !ok {
		return "", false
	}
	id, err := ParseID(rest)
	if err != nil {
		return "", false
	}
	return id, true
}

// ShortJobName returns the human-facing job name stored on the execution.
func ShortJobName(prefix, executionID string) string {
	return prefix + "-" + firstSegment(executionID)
}

package model

import (
	"strings"
	"time"
)

// Status is the lifecycle state of an execution.
type Status string

// Execution status constants.
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// CancellableStatuses are the statuses from which an execution may be cancelled.
var CancellableStatuses = []Status{StatusPending, StatusRunning}

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entry.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// AllowedTransitions returns the statuses reachable from s in lifecycle order.
func AllowedTransitions(s Status) []Status {
	var out []Status
	for _, to := range AllStatuses {
		if ValidTransition(s, to) {
			out = append(out, to)
		}
	}
	return out
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// ParseStatus converts a case-insensitive status name.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Message: "unknown status " + s}
	}
	return st, nil
}

// Resources carries optional compute hints for the backing job.
type Resources struct {
	CPU      int `json:"cpu,omitempty"`      // MHz
	MemoryMB int `json:"memoryMb,omitempty"` // MiB
}

// Execution is one request to run an agent task, tracked from PENDING to a
// terminal status.
type Execution struct {
	ID string `json:"id"`

	Prompt         string            `json:"prompt"`
	Model          string            `json:"model"`
	MaxTokens      int               `json:"maxTokens"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	TimeoutSeconds *int              `json:"timeoutSeconds,omitempty"`
	CallbackURL    string            `json:"callbackUrl,omitempty"`
	Resources      *Resources        `json:"resources,omitempty"`

	Status  Status `json:"status"`
	JobName string `json:"jobName"`
	PodName string `json:"podName,omitempty"`
	Version int    `json:"version"`

	Output        string         `json:"output,omitempty"`
	InputTokens   *int           `json:"inputTokens,omitempty"`
	OutputTokens  *int           `json:"outputTokens,omitempty"`
	TotalTokens   *int           `json:"totalTokens,omitempty"`
	EstimatedCost *float64       `json:"estimatedCost,omitempty"`
	ErrorCode     string         `json:"errorCode,omitempty"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
	ErrorDetails  map[string]any `json:"errorDetails,omitempty"`

	RetainUntil *time.Time `json:"retainUntil,omitempty"`
	IsPermanent bool       `json:"isPermanent"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMS  *int64     `json:"durationMs,omitempty"`

	Transitions []StatusTransition `json:"transitions,omitempty"`
	Artifacts   []Artifact         `json:"artifacts,omitempty"`
}

// ExecutionSummary is the list-view projection of an execution.
type ExecutionSummary struct {
	ID            string     `json:"id"`
	Status        Status     `json:"status"`
	Model         string     `json:"model"`
	PromptPreview string     `json:"promptPreview"`
	JobName       string     `json:"jobName"`
	TotalTokens   *int       `json:"totalTokens,omitempty"`
	EstimatedCost *float64   `json:"estimatedCost,omitempty"`
	ErrorCode     string     `json:"errorCode,omitempty"`
	HasArtifacts  bool       `json:"hasArtifacts"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// PromptPreviewLen is the number of runes of the prompt kept in summaries.
const PromptPreviewLen = 200

// PromptPreview truncates a prompt for list views.
func PromptPreview(prompt string) string {
	r := []rune(prompt)
	if len(r) <= PromptPreviewLen {
		return prompt
	}
	return string(r[:PromptPreviewLen]) + "..."
}

// StatusTransition is one row of the append-only audit trail of an execution.
// FromStatus is nil only for the initial PENDING transition.
type StatusTransition struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"executionId"`
	FromStatus  *Status   `json:"fromStatus"`
	ToStatus    Status    `json:"toStatus"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TransitionUpdate carries the optional fields merged into an execution when a
// transition is applied. Nil fields are left untouched.
type TransitionUpdate struct {
	PodName       *string
	Output        *string
	InputTokens   *int
	OutputTokens  *int
	EstimatedCost *float64
	ErrorCode     *string
	ErrorMessage  *string
	ErrorDetails  map[string]any
}

// HasResult reports whether u carries any result or error field.
func (u TransitionUpdate) HasResult() bool {
	return u.Output != nil || u.InputTokens != nil || u.OutputTokens != nil ||
		u.EstimatedCost != nil || u.ErrorCode != nil || u.ErrorMessage != nil ||
		u.ErrorDetails != nil
}

// Apply merges the update into e. Total tokens are recomputed whenever either
// count is known.
func (u TransitionUpdate) Apply(e *Execution) {
	if u.PodName != nil && e.PodName == "" {
		e.PodName = *u.PodName
	}
	if u.Output != nil {
		e.Output = *u.Output
	}
	if u.InputTokens != nil {
		e.InputTokens = u.InputTokens
	}
	if u.OutputTokens != nil {
		e.OutputTokens = u.OutputTokens
	}
	if e.InputTokens != nil || e.OutputTokens != nil {
		total := 0
		if e.InputTokens != nil {
			total += *e.InputTokens
		}
		if e.OutputTokens != nil {
			total += *e.OutputTokens
		}
		e.TotalTokens = &total
	}
	if u.EstimatedCost != nil {
		e.EstimatedCost = u.EstimatedCost
	}
	if u.ErrorCode != nil {
		e.ErrorCode = *u.ErrorCode
	}
	if u.ErrorMessage != nil {
		e.ErrorMessage = *u.ErrorMessage
	}
	if u.ErrorDetails != nil {
		e.ErrorDetails = u.ErrorDetails
	}
}

// Artifact is a file produced by an execution and kept in object storage.
type Artifact struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"executionId"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	StorageKey  string    `json:"storageKey"`
	CreatedAt   time.Time `json:"createdAt"`
}

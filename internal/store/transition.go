package store

import (
	"errors"
	"time"

	"github.com/seantiz/agentrun/internal/model"
)

// errVersionConflict signals that the row changed between read and write.
var errVersionConflict = errors.New("version conflict")

// initialReason is recorded on the nil -> PENDING transition.
const initialReason = "Execution created"

// prepareCreate fills the derived fields of a new execution and returns its
// initial transition.
func prepareCreate(e *model.Execution, jobPrefix string, now time.Time) model.StatusTransition {
	if e.ID == "" {
		e.ID = model.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.CreatedAt
	e.Status = model.StatusPending
	e.JobName = model.ShortJobName(jobPrefix, e.ID)
	e.Version = 1
	e.StartedAt = nil
	e.CompletedAt = nil
	e.DurationMS = nil

	return model.StatusTransition{
		ID:          model.NewTransitionID(),
		ExecutionID: e.ID,
		FromStatus:  nil,
		ToStatus:    model.StatusPending,
		Reason:      initialReason,
		CreatedAt:   e.CreatedAt,
	}
}

// prepareTransition validates the move from e.Status to `to` and mutates e in
// place: status, merged fields, timestamps and version. It returns the
// transition row to append.
func prepareTransition(e *model.Execution, to model.Status, upd model.TransitionUpdate, reason string, now time.Time) (model.StatusTransition, error) {
	from := e.Status
	if !model.ValidTransition(from, to) {
		return model.StatusTransition{}, &model.TransitionError{
			ExecutionID: e.ID,
			Current:     from,
			Attempted:   to,
		}
	}

	now = now.UTC()
	e.Status = to
	upd.Apply(e)

	if to == model.StatusRunning && e.StartedAt == nil {
		started := now
		e.StartedAt = &started
	}
	if to.IsTerminal() && e.CompletedAt == nil {
		completed := now
		e.CompletedAt = &completed
		if e.StartedAt != nil {
			d := completed.Sub(*e.StartedAt).Milliseconds()
			e.DurationMS = &d
		}
	}
	e.UpdatedAt = now
	e.Version++

	fromCopy := from
	return model.StatusTransition{
		ID:          model.NewTransitionID(),
		ExecutionID: e.ID,
		FromStatus:  &fromCopy,
		ToStatus:    to,
		Reason:      reason,
		CreatedAt:   now,
	}, nil
}

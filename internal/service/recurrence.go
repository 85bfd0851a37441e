package service

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/avolkhin/taskcore/internal/model"
	"github.com/avolkhin/taskcore/internal/repository"
)

// maybeSpawnNext inserts the next occurrence of a recurring task after its
// status changed to done. The duplicate probe and the insert are not one
// transaction: under concurrent retries of the same completion this is
// at-most-once best-effort only.
func (s *TaskService) maybeSpawnNext(ctx context.Context, state *model.TaskState, d model.Delta, actorID uuid.UUID) error {
	if !fieldChanged(d, model.FieldStatus) || d.Patch.Status.Value() != model.StatusDone {
		return nil
	}

	merged := state.Task
	model.CopyFields(&merged, &d.Patch)
	if !merged.RecurrenceRule.Present() {
		return nil
	}

	start, end, ok, err := s.recur.NextOccurrence(ctx, merged)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	next := merged
	next.ObjectID = uuid.Nil // fresh identity assigned on create
	next.UID.Clear()         // the unique id is never inherited
	next.Status.Set(model.StatusNotStarted)
	next.PercentComplete.Set(0)
	next.CompletedAt.Clear()
	next.StartDate.Set(start)
	next.EndDate.Set(end)

	exists, err := s.repo.OccurrenceExists(ctx, merged.ContextID, repository.OccurrenceProbe{
		FolderID:        merged.FolderID.Value(),
		Title:           next.Title.Value(),
		CreatedBy:       merged.CreatedBy,
		StartDate:       start,
		PercentComplete: next.PercentComplete.Value(),
	})
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = s.Create(ctx, next, state.Participants, actorID)
	return err
}

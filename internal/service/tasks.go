// Package service wires the concurrency check, reconciliation and the
// retried mutation executor into the task store's public operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/avolkhin/taskcore/internal/errs"
	"github.com/avolkhin/taskcore/internal/model"
	"github.com/avolkhin/taskcore/internal/ports"
	"github.com/avolkhin/taskcore/internal/repository"
	"github.com/avolkhin/taskcore/internal/stream"
)

// DeltaComputer is the reconciliation engine contract the service depends on.
type DeltaComputer interface {
	// Compute builds the Delta for applying upd to old.
	Compute(ctx context.Context, old *model.TaskState, upd model.TaskUpdate) (model.Delta, error)
	// ExpandParticipants validates a submitted list and expands groups.
	ExpandParticipants(ctx context.Context, ps []model.Participant) (*model.ParticipantSet, error)
}

// Deps collects the service's collaborators.
type Deps struct {
	Repo       repository.TaskRepository
	Engine     DeltaComputer
	Perms      ports.PermissionOracle
	Recurrence ports.RecurrenceCalculator
	Notify     ports.NotificationSink
	Reminders  ports.ReminderStore
	Resolver   ports.IdentityResolver
	Logger     *zap.Logger
}

// TaskService implements the produced contract: create/update/delete/get/list
// with optimistic concurrency and post-commit side effects.
type TaskService struct {
	repo      repository.TaskRepository
	engine    DeltaComputer
	perms     ports.PermissionOracle
	recur     ports.RecurrenceCalculator
	notify    ports.NotificationSink
	reminders ports.ReminderStore
	resolver  ports.IdentityResolver
	log       *zap.Logger
	now       func() time.Time
	newID     func() uuid.UUID
}

// NewTaskService constructs a TaskService. Recurrence and Notify are
// optional; nil means recurring tasks do not respawn and no notifications
// are emitted.
func NewTaskService(d Deps) *TaskService {
	if d.Recurrence == nil {
		d.Recurrence = nopRecurrence{}
	}
	if d.Notify == nil {
		d.Notify = nopNotify{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &TaskService{
		repo:      d.Repo,
		engine:    d.Engine,
		perms:     d.Perms,
		recur:     d.Recurrence,
		notify:    d.Notify,
		reminders: d.Reminders,
		resolver:  d.Resolver,
		log:       d.Logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() uuid.UUID { return uuid.Must(uuid.NewV4()) },
	}
}

type nopRecurrence struct{}

func (nopRecurrence) NextOccurrence(context.Context, model.Task) (time.Time, time.Time, bool, error) {
	return time.Time{}, time.Time{}, false, nil
}

type nopNotify struct{}

func (nopNotify) OnCreate(context.Context, model.Task)              {}
func (nopNotify) OnModify(context.Context, model.Task, model.Delta) {}
func (nopNotify) OnDelete(context.Context, model.Task)              {}

// checkFreshness is the fail-fast half of the optimistic concurrency
// control; the conditional update inside the write transaction is the
// authoritative guard.
func checkFreshness(state *model.TaskState, lastRead int64) error {
	if state.Task.LastModified > lastRead {
		return fmt.Errorf("task modified at %d, caller read %d: %w",
			state.Task.LastModified, lastRead, errs.ErrConflict)
	}
	return nil
}

// Create inserts a new Active task with its participants and folder mappings.
func (s *TaskService) Create(ctx context.Context, t model.Task, participants []model.Participant, actorID uuid.UUID) (uuid.UUID, error) {
	folderID, ok := t.FolderID.Get()
	if !ok {
		return uuid.Nil, fmt.Errorf("task without folder: %w", errs.ErrValidation)
	}
	if actorID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("empty actor: %w", errs.ErrValidation)
	}
	allowed, err := s.perms.CanCreate(ctx, actorID, folderID)
	if err != nil {
		return uuid.Nil, err
	}
	if !allowed {
		return uuid.Nil, fmt.Errorf("create in folder %s: %w", folderID, errs.ErrPermissionDenied)
	}

	set, err := s.engine.ExpandParticipants(ctx, participants)
	if err != nil {
		return uuid.Nil, err
	}
	if priv, ok := t.Private.Get(); ok && priv && set.Len() > 0 {
		return uuid.Nil, fmt.Errorf("private task cannot have participants: %w", errs.ErrInvalidState)
	}

	folders, err := s.initialFolders(ctx, folderID, actorID, set)
	if err != nil {
		return uuid.Nil, err
	}

	if t.ObjectID == uuid.Nil {
		t.ObjectID = s.newID()
	}
	t.LastModified = s.now().UnixMilli()
	if t.CreatedBy == uuid.Nil {
		t.CreatedBy = actorID
	}
	t.ModifiedBy = actorID

	if err := s.createWithRetry(ctx, t, set.List(), folders); err != nil {
		return uuid.Nil, err
	}

	if at, ok := t.AlarmAt.Get(); ok && !at.IsZero() {
		if err := s.reminders.Upsert(ctx, t.ContextID, t.ObjectID, actorID, at); err != nil {
			s.log.Warn("reminder upsert after create", zap.Stringer("object_id", t.ObjectID), zap.Error(err))
		}
	}
	s.notify.OnCreate(ctx, t)
	return t.ObjectID, nil
}

// initialFolders computes the mappings a freshly created task starts with: a
// public folder needs none, otherwise the actor plus every internal
// participant gets one.
func (s *TaskService) initialFolders(ctx context.Context, folderID, actorID uuid.UUID, set *model.ParticipantSet) ([]model.FolderMapping, error) {
	folder, err := s.resolver.Folder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	if folder.Type == model.FolderPublic {
		return nil, nil
	}
	folders := []model.FolderMapping{{FolderID: folderID, UserID: actorID}}
	mapped := map[uuid.UUID]bool{actorID: true}
	for _, p := range set.List() {
		ip, ok := p.(model.InternalParticipant)
		if !ok || mapped[ip.UserID] {
			continue
		}
		fid, ok := ip.PersonalFolderID.Get()
		if !ok {
			if fid, err = s.resolver.DefaultFolder(ctx, ip.UserID); err != nil {
				return nil, err
			}
		}
		folders = append(folders, model.FolderMapping{FolderID: fid, UserID: ip.UserID})
		mapped[ip.UserID] = true
	}
	return folders, nil
}

// Update applies a partial mutation with optimistic concurrency. Each retry
// attempt reloads fresh state and recomputes the delta; no partial state is
// observable between attempts.
func (s *TaskService) Update(ctx context.Context, contextID, objectID uuid.UUID, upd model.TaskUpdate) (int64, error) {
	if upd.ActorID == uuid.Nil || upd.ScopeFolderID == uuid.Nil {
		return 0, fmt.Errorf("empty actor/scope folder: %w", errs.ErrValidation)
	}
	if upd.LastRead < 0 {
		return 0, fmt.Errorf("negative lastRead: %w", errs.ErrValidation)
	}
	allowed, err := s.perms.CanWrite(ctx, upd.ActorID, upd.ScopeFolderID)
	if err != nil {
		return 0, err
	}
	if !allowed {
		return 0, fmt.Errorf("write in folder %s: %w", upd.ScopeFolderID, errs.ErrPermissionDenied)
	}

	var (
		state  *model.TaskState
		delta  model.Delta
		newMod int64
	)
	err = s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		if state, err = s.repo.LoadState(ctx, contextID, objectID); err != nil {
			return err
		}
		if err = checkFreshness(state, upd.LastRead); err != nil {
			return err
		}
		if delta, err = s.engine.Compute(ctx, state, upd); err != nil {
			return err
		}
		if delta.Empty() {
			newMod = state.Task.LastModified
			return nil
		}
		newMod, err = s.repo.ApplyDelta(ctx, state, delta, upd.LastRead, upd.ActorID)
		return err
	})
	if err != nil {
		return 0, err
	}
	if delta.Empty() {
		return newMod, nil
	}

	s.runUpdateSideEffects(ctx, state, delta, upd, newMod)
	return newMod, nil
}

// runUpdateSideEffects performs post-commit work: reminder fix-up,
// recurrence spawning and notification. Failures are logged, never
// propagated; the mutation already committed.
func (s *TaskService) runUpdateSideEffects(ctx context.Context, state *model.TaskState, delta model.Delta, upd model.TaskUpdate, newMod int64) {
	var effects error

	if fieldChanged(delta, model.FieldAlarmAt) {
		at := delta.Patch.AlarmAt.Value()
		var err error
		if at.IsZero() {
			err = s.reminders.Delete(ctx, state.Task.ContextID, state.Task.ObjectID)
		} else {
			err = s.reminders.Upsert(ctx, state.Task.ContextID, state.Task.ObjectID, upd.ActorID, at)
		}
		if err != nil {
			effects = multierr.Append(effects, fmt.Errorf("reminder fix-up: %w", err))
		}
	}

	if err := s.maybeSpawnNext(ctx, state, delta, upd.ActorID); err != nil {
		effects = multierr.Append(effects, fmt.Errorf("recurrence spawn: %w", err))
	}

	updated := state.Task
	model.CopyFields(&updated, &delta.Patch)
	updated.LastModified = newMod
	updated.ModifiedBy = upd.ActorID
	s.notify.OnModify(ctx, updated, delta)

	if effects != nil {
		s.log.Warn("update side effects incomplete",
			zap.Stringer("object_id", state.Task.ObjectID),
			zap.Error(effects),
		)
	}
}

// Delete tombstones the task. Notification happens only after the
// transaction committed.
func (s *TaskService) Delete(ctx context.Context, contextID, objectID uuid.UUID, lastRead int64, actorID uuid.UUID) error {
	if actorID == uuid.Nil {
		return fmt.Errorf("empty actor: %w", errs.ErrValidation)
	}

	var state *model.TaskState
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		if state, err = s.repo.LoadState(ctx, contextID, objectID); err != nil {
			return err
		}
		if err = checkFreshness(state, lastRead); err != nil {
			return err
		}
		allowed, err := s.perms.CanDelete(ctx, actorID, state.Task.FolderID.Value())
		if err != nil {
			return err
		}
		if !allowed {
			return fmt.Errorf("delete from folder %s: %w", state.Task.FolderID.Value(), errs.ErrPermissionDenied)
		}
		_, err = s.repo.DeleteTask(ctx, state, lastRead, actorID)
		return err
	})
	if err != nil {
		return err
	}

	s.notify.OnDelete(ctx, state.Task)
	return nil
}

// Get returns the task with its Active participants and folder mappings.
func (s *TaskService) Get(ctx context.Context, contextID, objectID, actorID uuid.UUID) (*model.TaskState, error) {
	state, err := s.repo.LoadState(ctx, contextID, objectID)
	if err != nil {
		return nil, err
	}
	allowed, err := s.perms.CanRead(ctx, actorID, state.Task.FolderID.Value())
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("read folder %s: %w", state.Task.FolderID.Value(), errs.ErrPermissionDenied)
	}
	return state, nil
}

// Columns selects the per-row enrichment a List caller wants.
type Columns struct {
	Participants bool
	Reminders    bool
	Attachments  bool
}

// List streams tasks changed in folderID strictly after since, tombstones
// included, through the prefetching read pipeline. The returned iterator is
// already started; the caller owns Close.
func (s *TaskService) List(ctx context.Context, folderID uuid.UUID, since int64, actorID uuid.UUID, cols Columns) (*stream.Iterator, error) {
	allowed, err := s.perms.CanRead(ctx, actorID, folderID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("read folder %s: %w", folderID, errs.ErrPermissionDenied)
	}

	source := func(ctx context.Context, emit func(*stream.Record) error) error {
		return s.repo.ChangedSince(ctx, folderID, since, func(row repository.ChangedRow) error {
			return emit(&stream.Record{Task: row.Task, Tombstone: row.Class == model.ClassDeleted})
		})
	}

	it := stream.New(source, s.enrichers(cols, actorID), s.log)
	it.Start(ctx)
	return it, nil
}

func fieldChanged(d model.Delta, id model.FieldID) bool {
	for _, f := range d.Fields {
		if f == id {
			return true
		}
	}
	return false
}

// IsConflict reports whether err is an optimistic concurrency failure.
func IsConflict(err error) bool { return errors.Is(err, errs.ErrConflict) }

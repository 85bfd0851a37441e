package service

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/avolkhin/taskcore/internal/model"
	"github.com/avolkhin/taskcore/internal/repository"
)

type fakeRepo struct {
	state   *model.TaskState
	loadErr error

	applyErrs  []error
	applyCalls int
	newMod     int64

	created   []model.Task
	createdPs [][]model.Participant
	createErr error

	deleteCalls int
	deleteErr   error

	rows []repository.ChangedRow

	occurrenceExists bool
	probes           []repository.OccurrenceProbe
}

var _ repository.TaskRepository = (*fakeRepo)(nil)

func (f *fakeRepo) GetTask(context.Context, model.StorageClass, uuid.UUID, uuid.UUID) (*model.Task, error) {
	if f.state == nil {
		return nil, f.loadErr
	}
	t := f.state.Task
	return &t, nil
}

func (f *fakeRepo) LoadState(context.Context, uuid.UUID, uuid.UUID) (*model.TaskState, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	st := *f.state
	return &st, nil
}

func (f *fakeRepo) CreateTask(_ context.Context, t model.Task, ps []model.Participant, _ []model.FolderMapping) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, t)
	f.createdPs = append(f.createdPs, ps)
	return nil
}

func (f *fakeRepo) ApplyDelta(context.Context, *model.TaskState, model.Delta, int64, uuid.UUID) (int64, error) {
	f.applyCalls++
	if len(f.applyErrs) > 0 {
		err := f.applyErrs[0]
		f.applyErrs = f.applyErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	return f.newMod, nil
}

func (f *fakeRepo) DeleteTask(context.Context, *model.TaskState, int64, uuid.UUID) (int64, error) {
	f.deleteCalls++
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	return f.newMod, nil
}

func (f *fakeRepo) ChangedSince(_ context.Context, _ uuid.UUID, _ int64, emit func(repository.ChangedRow) error) error {
	for _, row := range f.rows {
		if err := emit(row); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeRepo) ParticipantsFor(context.Context, uuid.UUID, []uuid.UUID) (map[uuid.UUID][]model.Participant, error) {
	return map[uuid.UUID][]model.Participant{}, nil
}

func (f *fakeRepo) NewestAttachmentFor(context.Context, uuid.UUID, []uuid.UUID) (map[uuid.UUID]time.Time, error) {
	return map[uuid.UUID]time.Time{}, nil
}

func (f *fakeRepo) OccurrenceExists(_ context.Context, _ uuid.UUID, probe repository.OccurrenceProbe) (bool, error) {
	f.probes = append(f.probes, probe)
	return f.occurrenceExists, nil
}

type fakeEngine struct {
	delta model.Delta
	err   error
}

func (f *fakeEngine) Compute(context.Context, *model.TaskState, model.TaskUpdate) (model.Delta, error) {
	return f.delta, f.err
}

func (f *fakeEngine) ExpandParticipants(_ context.Context, ps []model.Participant) (*model.ParticipantSet, error) {
	return model.NewParticipantSet(ps...), nil
}

type fakePerms struct {
	denyRead, denyWrite, denyCreate, denyDelete bool
}

func (f *fakePerms) CanRead(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return !f.denyRead, nil
}
func (f *fakePerms) CanWrite(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return !f.denyWrite, nil
}
func (f *fakePerms) CanCreate(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return !f.denyCreate, nil
}
func (f *fakePerms) CanDelete(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return !f.denyDelete, nil
}

type fakeRecur struct {
	start, end time.Time
	ok         bool
	err        error
}

func (f *fakeRecur) NextOccurrence(context.Context, model.Task) (time.Time, time.Time, bool, error) {
	return f.start, f.end, f.ok, f.err
}

type fakeNotify struct {
	creates, modifies, deletes int
}

func (f *fakeNotify) OnCreate(context.Context, model.Task)              { f.creates++ }
func (f *fakeNotify) OnModify(context.Context, model.Task, model.Delta) { f.modifies++ }
func (f *fakeNotify) OnDelete(context.Context, model.Task)              { f.deletes++ }

type reminderCall struct {
	objectID uuid.UUID
	userID   uuid.UUID
	at       time.Time
}

type fakeReminders struct {
	upserts []reminderCall
	deletes int
}

func (f *fakeReminders) Upsert(_ context.Context, _, objectID, userID uuid.UUID, at time.Time) error {
	f.upserts = append(f.upserts, reminderCall{objectID: objectID, userID: userID, at: at})
	return nil
}

func (f *fakeReminders) Delete(context.Context, uuid.UUID, uuid.UUID) error {
	f.deletes++
	return nil
}

func (f *fakeReminders) Exists(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) (bool, error) {
	return false, nil
}

func (f *fakeReminders) ExistingFor(context.Context, uuid.UUID, []uuid.UUID, uuid.UUID) (map[uuid.UUID]bool, error) {
	return map[uuid.UUID]bool{}, nil
}

type fakeResolver struct {
	folderType model.FolderType
}

func (f *fakeResolver) GroupMembers(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeResolver) DefaultFolder(context.Context, uuid.UUID) (uuid.UUID, error) {
	return uuid.Must(uuid.NewV4()), nil
}

func (f *fakeResolver) Folder(_ context.Context, id uuid.UUID) (model.Folder, error) {
	return model.Folder{ID: id, Type: f.folderType}, nil
}

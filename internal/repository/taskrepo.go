// Package repository declares storage ports over the tri-class task store.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/avolkhin/taskcore/internal/model"
)

// ChangedRow is one row of an incremental-sync query: either a live task or
// a tombstone scoped to the queried folder.
type ChangedRow struct {
	Task  model.Task
	Class model.StorageClass // ClassActive or ClassDeleted
}

// OccurrenceProbe identifies a spawned recurrence occurrence for duplicate
// detection: same title, creator, start date and percent-complete in the
// destination folder.
type OccurrenceProbe struct {
	FolderID        uuid.UUID
	Title           string
	CreatedBy       uuid.UUID
	StartDate       time.Time
	PercentComplete int
}

// TaskRepository provides class-aware access to tasks, participants and
// folder mappings. Every mutating call is one transaction; retry policy
// lives above.
type TaskRepository interface {
	// GetTask loads a single task row of the given storage class.
	GetTask(ctx context.Context, class model.StorageClass, contextID, objectID uuid.UUID) (*model.Task, error)

	// LoadState loads the Active task with its Active participants and
	// folder mappings plus quarantined (Removed-class) participant rows.
	LoadState(ctx context.Context, contextID, objectID uuid.UUID) (*model.TaskState, error)

	// CreateTask inserts a task with its participants and folder mappings
	// into the Active class.
	CreateTask(ctx context.Context, t model.Task, participants []model.Participant, folders []model.FolderMapping) error

	// ApplyDelta applies a computed delta in one transaction. The scalar
	// update carries the conditional last_modified <= lastRead guard; zero
	// affected rows yields errs.ErrConflict. Returns the new lastModified.
	ApplyDelta(ctx context.Context, state *model.TaskState, d model.Delta, lastRead int64, actorID uuid.UUID) (int64, error)

	// DeleteTask tombstones the task: a trimmed Deleted-class task record,
	// participant and folder rows moved to the Deleted class, the Active row
	// removed and pending reminders dropped, all in one guarded transaction.
	DeleteTask(ctx context.Context, state *model.TaskState, lastRead int64, actorID uuid.UUID) (int64, error)

	// ChangedSince streams tasks modified in folderID strictly after since,
	// including Deleted-class tombstones scoped to the folder. The callback
	// is invoked in query order; a callback error stops the scan.
	ChangedSince(ctx context.Context, folderID uuid.UUID, since int64, emit func(ChangedRow) error) error

	// ParticipantsFor loads Active participants for a batch of object ids,
	// grouped by object id.
	ParticipantsFor(ctx context.Context, contextID uuid.UUID, objectIDs []uuid.UUID) (map[uuid.UUID][]model.Participant, error)

	// NewestAttachmentFor returns the newest attachment timestamp per object
	// id, for ids that have attachments.
	NewestAttachmentFor(ctx context.Context, contextID uuid.UUID, objectIDs []uuid.UUID) (map[uuid.UUID]time.Time, error)

	// OccurrenceExists reports whether an equivalent occurrence already
	// exists (recurrence duplicate probe, best-effort).
	OccurrenceExists(ctx context.Context, contextID uuid.UUID, probe OccurrenceProbe) (bool, error)
}

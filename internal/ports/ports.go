// Package ports declares the external collaborator contracts the core
// depends on. Implementations are constructor-injected; the core never
// reaches for a process-wide singleton.
package ports

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/avolkhin/taskcore/internal/model"
)

// PermissionOracle answers pass/fail authorization questions. The rules
// behind the answers are outside the core.
type PermissionOracle interface {
	// CanRead reports whether principal may read tasks in folder.
	CanRead(ctx context.Context, principal, folder uuid.UUID) (bool, error)
	// CanWrite reports whether principal may modify tasks in folder.
	CanWrite(ctx context.Context, principal, folder uuid.UUID) (bool, error)
	// CanCreate reports whether principal may create tasks in folder.
	CanCreate(ctx context.Context, principal, folder uuid.UUID) (bool, error)
	// CanDelete reports whether principal may delete tasks in folder.
	CanDelete(ctx context.Context, principal, folder uuid.UUID) (bool, error)
}

// RecurrenceCalculator computes the next occurrence of a recurring task.
type RecurrenceCalculator interface {
	// NextOccurrence returns the next start/end pair, or ok=false when the
	// recurrence is exhausted.
	NextOccurrence(ctx context.Context, t model.Task) (start, end time.Time, ok bool, err error)
}

// NotificationSink receives post-commit change notifications. Calls are
// fire-and-forget: errors are logged, never propagated to the mutation.
type NotificationSink interface {
	OnCreate(ctx context.Context, t model.Task)
	OnModify(ctx context.Context, t model.Task, d model.Delta)
	OnDelete(ctx context.Context, t model.Task)
}

// ReminderStore manages per-user task reminders.
type ReminderStore interface {
	Upsert(ctx context.Context, contextID, objectID, userID uuid.UUID, at time.Time) error
	Delete(ctx context.Context, contextID, objectID uuid.UUID) error
	Exists(ctx context.Context, contextID, objectID, userID uuid.UUID) (bool, error)
	// ExistingFor reports which of the given tasks carry a reminder for
	// userID; the batch form backs read-pipeline enrichment.
	ExistingFor(ctx context.Context, contextID uuid.UUID, objectIDs []uuid.UUID, userID uuid.UUID) (map[uuid.UUID]bool, error)
}

// IdentityResolver resolves groups, default folders and folder metadata.
type IdentityResolver interface {
	// GroupMembers expands a group to its member user ids.
	GroupMembers(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error)
	// DefaultFolder returns the user's standard task folder.
	DefaultFolder(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
	// Folder returns folder metadata (owner, sharing type).
	Folder(ctx context.Context, folderID uuid.UUID) (model.Folder, error)
}

package postgres

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/avolkhin/taskcore/internal/ports"
)

// ReminderRepo implements ports.ReminderStore on the shared pool. Task
// deletion clears reminders inside its own transaction; this repo serves the
// alarm fix-up and enrichment paths.
type ReminderRepo struct{ db *DB }

// NewReminderRepo constructs a reminder store.
func NewReminderRepo(db *DB) *ReminderRepo { return &ReminderRepo{db: db} }

var _ ports.ReminderStore = (*ReminderRepo)(nil)

// Upsert creates or replaces the reminder for (task, user).
func (r *ReminderRepo) Upsert(ctx context.Context, contextID, objectID, userID uuid.UUID, at time.Time) error {
	const q = `
INSERT INTO task_reminders (context_id, object_id, user_id, alarm_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (context_id, object_id, user_id) DO UPDATE SET alarm_at = EXCLUDED.alarm_at`
	_, err := r.db.Pool.Exec(ctx, q, contextID, objectID, userID, at)
	return err
}

// Delete removes all reminders for the task.
func (r *ReminderRepo) Delete(ctx context.Context, contextID, objectID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, deleteRemindersSQL, contextID, objectID)
	return err
}

// ExistingFor reports which of the given tasks carry a reminder for userID.
func (r *ReminderRepo) ExistingFor(ctx context.Context, contextID uuid.UUID, objectIDs []uuid.UUID, userID uuid.UUID) (map[uuid.UUID]bool, error) {
	if len(objectIDs) == 0 {
		return map[uuid.UUID]bool{}, nil
	}
	const q = `SELECT object_id FROM task_reminders WHERE context_id=$1 AND object_id = ANY($2) AND user_id=$3`
	rows, err := r.db.Pool.Query(ctx, q, contextID, objectIDs, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// Exists reports whether a reminder is set for (task, user).
func (r *ReminderRepo) Exists(ctx context.Context, contextID, objectID, userID uuid.UUID) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM task_reminders WHERE context_id=$1 AND object_id=$2 AND user_id=$3)`
	var exists bool
	err := r.db.Pool.QueryRow(ctx, q, contextID, objectID, userID).Scan(&exists)
	return exists, err
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/avolkhin/taskcore/internal/errs"
	"github.com/avolkhin/taskcore/internal/model"
	"github.com/avolkhin/taskcore/internal/repository"
)

// TaskRepo implements repository.TaskRepository using PostgreSQL.
type TaskRepo struct {
	db  *DB
	log *zap.Logger
	now func() time.Time
}

// NewTaskRepo constructs a task repository.
func NewTaskRepo(db *DB, log *zap.Logger) *TaskRepo {
	return &TaskRepo{db: db, log: log, now: time.Now}
}

var _ repository.TaskRepository = (*TaskRepo)(nil)

// taskFieldColumns lists sparse attribute columns in model.Fields order; the
// scan and argument helpers below must stay in the same order.
var taskFieldColumns = func() string {
	cols := make([]string, len(model.Fields))
	for i, f := range model.Fields {
		cols[i] = f.Column
	}
	return strings.Join(cols, ", ")
}()

var taskColumns = "context_id, object_id, storage_class, last_modified, created_by, modified_by, " + taskFieldColumns

var insertTaskSQL = func() string {
	n := 6 + len(model.Fields)
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	return "INSERT INTO tasks (" + taskColumns + ") VALUES (" + strings.Join(ph, ",") + ")"
}()

const participantColumns = "identity, kind, user_id, group_id, personal_folder_id, confirmation, confirm_message, email, display_name"

const (
	kindInternal int16 = 0
	kindExternal int16 = 1
)

const insertParticipantSQL = `
INSERT INTO task_participants (context_id, object_id, storage_class, ` + participantColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

const deleteParticipantSQL = `
DELETE FROM task_participants WHERE context_id=$1 AND object_id=$2 AND storage_class=$3 AND identity=$4`

const quarantineParticipantSQL = `
UPDATE task_participants SET storage_class=$4 WHERE context_id=$1 AND object_id=$2 AND storage_class=$3 AND identity=$5`

const updateGroupParticipantSQL = `
UPDATE task_participants SET group_id=$4, confirmation=$5, confirm_message=$6
WHERE context_id=$1 AND object_id=$2 AND storage_class=$3 AND identity=$7`

const insertFolderSQL = `
INSERT INTO task_folders (context_id, object_id, storage_class, folder_id, user_id) VALUES ($1,$2,$3,$4,$5)`

const deleteFolderSQL = `
DELETE FROM task_folders WHERE context_id=$1 AND object_id=$2 AND storage_class=$3 AND folder_id=$4 AND user_id=$5`

const reclassFoldersSQL = `
UPDATE task_folders SET storage_class=$4 WHERE context_id=$1 AND object_id=$2 AND storage_class=$3`

const reclassParticipantsSQL = `
UPDATE task_participants SET storage_class=$4 WHERE context_id=$1 AND object_id=$2 AND storage_class=$3`

const purgeParticipantsSQL = `
DELETE FROM task_participants WHERE context_id=$1 AND object_id=$2 AND storage_class=$3`

const deleteTombstoneForFolderSQL = `
DELETE FROM tasks WHERE context_id=$1 AND object_id=$2 AND storage_class=$3 AND folder_id=$4`

const deleteActiveTaskSQL = `
DELETE FROM tasks WHERE context_id=$1 AND object_id=$2 AND storage_class=$3`

const deleteRemindersSQL = `
DELETE FROM task_reminders WHERE context_id=$1 AND object_id=$2`

// fieldArg returns the SQL argument for one attribute, nil when absent.
func fieldArg(f model.FieldDesc, t *model.Task) any {
	if !f.Present(t) {
		return nil
	}
	return f.Arg(t)
}

// taskArgs produces insert arguments in taskColumns order.
func taskArgs(t *model.Task, class model.StorageClass) []any {
	args := make([]any, 0, 6+len(model.Fields))
	args = append(args, t.ContextID, t.ObjectID, int16(class), t.LastModified, t.CreatedBy, t.ModifiedBy)
	for i := range model.Fields {
		args = append(args, fieldArg(model.Fields[i], t))
	}
	return args
}

func setOpt[T any](o *model.Opt[T], v *T) {
	if v != nil {
		o.Set(*v)
	}
}

// scanTask reads one taskColumns row.
func scanTask(row pgx.Row) (model.Task, model.StorageClass, error) {
	var (
		t     model.Task
		class int16

		title, description, note                *string
		status                                  *int16
		percent, priority                       *int
		startDate, endDate                      *time.Time
		completedAt, alarmAt                    *time.Time
		recurrenceRule                          *string
		recurrenceStart                         *time.Time
		categories                              *string
		color                                   *int
		durationMinutes                         *int64
		fullTime, private                       *bool
		folderID                                *uuid.UUID
		actualCost, targetCost                  *float64
		currency, billingInfo                   *string
		companies, tripMeter                    *string
		attachmentCount                         *int
		taskUID, organizer                      *string
		sequenceNumber                          *int
		timezone, taskURL                       *string
	)
	err := row.Scan(
		&t.ContextID, &t.ObjectID, &class, &t.LastModified, &t.CreatedBy, &t.ModifiedBy,
		&title, &description, &note, &status, &percent, &priority,
		&startDate, &endDate, &completedAt, &alarmAt,
		&recurrenceRule, &recurrenceStart, &categories, &color, &durationMinutes,
		&fullTime, &private, &folderID, &actualCost, &targetCost,
		&currency, &billingInfo, &companies, &tripMeter, &attachmentCount,
		&taskUID, &organizer, &sequenceNumber, &timezone, &taskURL,
	)
	if err != nil {
		return model.Task{}, 0, err
	}
	setOpt(&t.Title, title)
	setOpt(&t.Description, description)
	setOpt(&t.Note, note)
	if status != nil {
		t.Status.Set(model.Status(*status))
	}
	setOpt(&t.PercentComplete, percent)
	setOpt(&t.Priority, priority)
	setOpt(&t.StartDate, startDate)
	setOpt(&t.EndDate, endDate)
	setOpt(&t.CompletedAt, completedAt)
	setOpt(&t.AlarmAt, alarmAt)
	setOpt(&t.RecurrenceRule, recurrenceRule)
	setOpt(&t.RecurrenceStart, recurrenceStart)
	setOpt(&t.Categories, categories)
	setOpt(&t.Color, color)
	setOpt(&t.DurationMinutes, durationMinutes)
	setOpt(&t.FullTime, fullTime)
	setOpt(&t.Private, private)
	setOpt(&t.FolderID, folderID)
	setOpt(&t.ActualCost, actualCost)
	setOpt(&t.TargetCost, targetCost)
	setOpt(&t.Currency, currency)
	setOpt(&t.BillingInfo, billingInfo)
	setOpt(&t.Companies, companies)
	setOpt(&t.TripMeter, tripMeter)
	setOpt(&t.AttachmentCount, attachmentCount)
	setOpt(&t.UID, taskUID)
	setOpt(&t.Organizer, organizer)
	setOpt(&t.SequenceNumber, sequenceNumber)
	setOpt(&t.Timezone, timezone)
	setOpt(&t.URL, taskURL)
	return t, model.StorageClass(class), nil
}

// participantArgs produces insert arguments in participantColumns order,
// after context/object/class.
func participantArgs(p model.Participant) []any {
	switch v := p.(type) {
	case model.InternalParticipant:
		var groupID, personalFolder any
		if g, ok := v.GroupID.Get(); ok {
			groupID = g
		}
		if f, ok := v.PersonalFolderID.Get(); ok {
			personalFolder = f
		}
		return []any{p.Identity(), kindInternal, v.UserID, groupID, personalFolder, int16(v.Confirmation), v.ConfirmMessage, nil, nil}
	case model.ExternalParticipant:
		return []any{p.Identity(), kindExternal, nil, nil, nil, int16(model.ConfirmNone), "", v.EmailAddress, v.DisplayName}
	default:
		return []any{p.Identity(), int16(-1), nil, nil, nil, int16(0), "", nil, nil}
	}
}

// GetTask loads a single task row of the given storage class.
func (r *TaskRepo) GetTask(ctx context.Context, class model.StorageClass, contextID, objectID uuid.UUID) (*model.Task, error) {
	q := "SELECT " + taskColumns + " FROM tasks WHERE context_id=$1 AND object_id=$2 AND storage_class=$3"
	t, _, err := scanTask(r.db.Pool.QueryRow(ctx, q, contextID, objectID, int16(class)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// LoadState loads the Active task with participants, folder mappings and
// quarantined participant rows.
func (r *TaskRepo) LoadState(ctx context.Context, contextID, objectID uuid.UUID) (*model.TaskState, error) {
	t, err := r.GetTask(ctx, model.ClassActive, contextID, objectID)
	if err != nil {
		return nil, err
	}
	st := &model.TaskState{Task: *t}

	q := "SELECT " + participantColumns + ", storage_class FROM task_participants WHERE context_id=$1 AND object_id=$2 AND storage_class = ANY($3) ORDER BY identity"
	rows, err := r.db.Pool.Query(ctx, q, contextID, objectID, []int16{int16(model.ClassActive), int16(model.ClassRemoved)})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		p, class, err := scanParticipantWithClass(rows)
		if err != nil {
			return nil, err
		}
		if class == model.ClassRemoved {
			st.Quarantined = append(st.Quarantined, p)
		} else {
			st.Participants = append(st.Participants, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	fq := "SELECT folder_id, user_id FROM task_folders WHERE context_id=$1 AND object_id=$2 AND storage_class=$3 ORDER BY user_id"
	frows, err := r.db.Pool.Query(ctx, fq, contextID, objectID, int16(model.ClassActive))
	if err != nil {
		return nil, err
	}
	defer frows.Close()
	for frows.Next() {
		var m model.FolderMapping
		if err := frows.Scan(&m.FolderID, &m.UserID); err != nil {
			return nil, err
		}
		st.Folders = append(st.Folders, m)
	}
	return st, frows.Err()
}

func scanParticipantWithClass(rows pgx.Rows) (model.Participant, model.StorageClass, error) {
	var (
		identity       string
		kind           int16
		userID         *uuid.UUID
		groupID        *uuid.UUID
		personalFolder *uuid.UUID
		confirmation   int16
		confirmMessage string
		email          *string
		displayName    *string
		class          int16
	)
	if err := rows.Scan(&identity, &kind, &userID, &groupID, &personalFolder, &confirmation, &confirmMessage, &email, &displayName, &class); err != nil {
		return nil, 0, err
	}
	if kind == kindExternal {
		p := model.ExternalParticipant{}
		if email != nil {
			p.EmailAddress = *email
		}
		if displayName != nil {
			p.DisplayName = *displayName
		}
		return p, model.StorageClass(class), nil
	}
	p := model.InternalParticipant{
		Confirmation:   model.ConfirmStatus(confirmation),
		ConfirmMessage: confirmMessage,
	}
	if userID != nil {
		p.UserID = *userID
	}
	setOpt(&p.GroupID, groupID)
	setOpt(&p.PersonalFolderID, personalFolder)
	return p, model.StorageClass(class), nil
}

// CreateTask inserts the task with its participants and folder mappings into
// the Active class in one transaction.
func (r *TaskRepo) CreateTask(ctx context.Context, t model.Task, participants []model.Participant, folders []model.FolderMapping) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	if _, err = tx.Exec(ctx, insertTaskSQL, taskArgs(&t, model.ClassActive)...); err != nil {
		return err
	}
	for _, p := range participants {
		args := append([]any{t.ContextID, t.ObjectID, int16(model.ClassActive)}, participantArgs(p)...)
		if _, err = tx.Exec(ctx, insertParticipantSQL, args...); err != nil {
			return err
		}
	}
	for _, m := range folders {
		if _, err = tx.Exec(ctx, insertFolderSQL, t.ContextID, t.ObjectID, int16(model.ClassActive), m.FolderID, m.UserID); err != nil {
			return err
		}
	}
	return nil
}

// ApplyDelta applies a computed delta in one transaction. The scalar update
// re-validates last_modified inside its WHERE clause; that guard, not the
// service-level pre-check, is authoritative.
func (r *TaskRepo) ApplyDelta(ctx context.Context, state *model.TaskState, d model.Delta, lastRead int64, actorID uuid.UUID) (newMod int64, err error) {
	t := state.Task
	newMod = r.now().UnixMilli()
	if newMod <= t.LastModified {
		newMod = t.LastModified + 1
	}

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	set := []string{"last_modified=$3", "modified_by=$4"}
	args := []any{t.ContextID, t.ObjectID, newMod, actorID}
	for _, id := range d.Fields {
		f, ok := model.FieldByID(id)
		if !ok {
			return 0, fmt.Errorf("unknown field id %d: %w", id, errs.ErrValidation)
		}
		args = append(args, fieldArg(f, &d.Patch))
		set = append(set, fmt.Sprintf("%s=$%d", f.Column, len(args)))
	}
	args = append(args, lastRead)
	q := fmt.Sprintf(
		"UPDATE tasks SET %s WHERE context_id=$1 AND object_id=$2 AND storage_class=%d AND last_modified<=$%d",
		strings.Join(set, ", "), model.ClassActive, len(args),
	)
	tag, err := tx.Exec(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		err = errs.ErrConflict
		return 0, err
	}

	// Participants: resurrect quarantined rows being re-added, insert added,
	// carry group-designation changes, quarantine removed.
	for _, id := range d.Resurrected {
		if _, err = tx.Exec(ctx, deleteParticipantSQL, t.ContextID, t.ObjectID, int16(model.ClassRemoved), id); err != nil {
			return 0, err
		}
	}
	for _, p := range d.AddedParticipants {
		pargs := append([]any{t.ContextID, t.ObjectID, int16(model.ClassActive)}, participantArgs(p)...)
		if _, err = tx.Exec(ctx, insertParticipantSQL, pargs...); err != nil {
			return 0, err
		}
	}
	for _, p := range d.GroupChanged {
		var groupID any
		if g, ok := p.GroupID.Get(); ok {
			groupID = g
		}
		if _, err = tx.Exec(ctx, updateGroupParticipantSQL,
			t.ContextID, t.ObjectID, int16(model.ClassActive),
			groupID, int16(p.Confirmation), p.ConfirmMessage, p.Identity()); err != nil {
			return 0, err
		}
	}
	for _, p := range d.RemovedParticipants {
		// drop any stale quarantined row with the same identity first so the
		// reclassification cannot collide
		if _, err = tx.Exec(ctx, deleteParticipantSQL, t.ContextID, t.ObjectID, int16(model.ClassRemoved), p.Identity()); err != nil {
			return 0, err
		}
		if _, err = tx.Exec(ctx, quarantineParticipantSQL,
			t.ContextID, t.ObjectID, int16(model.ClassActive), int16(model.ClassRemoved), p.Identity()); err != nil {
			return 0, err
		}
	}

	// Folder mappings.
	var removedRows int64
	for _, m := range d.RemovedFolders {
		tag, err = tx.Exec(ctx, deleteFolderSQL, t.ContextID, t.ObjectID, int16(model.ClassActive), m.FolderID, m.UserID)
		if err != nil {
			return 0, err
		}
		removedRows += tag.RowsAffected()
	}
	if want := int64(len(d.RemovedFolders)); removedRows != want {
		r.log.Warn("folder mapping delete count mismatch",
			zap.Stringer("object_id", t.ObjectID),
			zap.Int64("want", want),
			zap.Int64("got", removedRows),
			zap.Error(errs.ErrConsistency),
		)
	}
	for _, m := range d.AddedFolders {
		if _, err = tx.Exec(ctx, insertFolderSQL, t.ContextID, t.ObjectID, int16(model.ClassActive), m.FolderID, m.UserID); err != nil {
			return 0, err
		}
	}

	// Move: a tombstone scoped to the source folder so its sync stream sees a
	// deletion, and no stale tombstone left for the destination.
	if d.Move != nil {
		if _, err = tx.Exec(ctx, deleteTombstoneForFolderSQL, t.ContextID, t.ObjectID, int16(model.ClassDeleted), d.Move.DestID); err != nil {
			return 0, err
		}
		if _, err = tx.Exec(ctx, deleteTombstoneForFolderSQL, t.ContextID, t.ObjectID, int16(model.ClassDeleted), d.Move.SourceID); err != nil {
			return 0, err
		}
		ts := model.Tombstone(t, d.Move.SourceID)
		ts.LastModified = newMod
		ts.ModifiedBy = actorID
		if _, err = tx.Exec(ctx, insertTaskSQL, taskArgs(&ts, model.ClassDeleted)...); err != nil {
			return 0, err
		}
	}
	return newMod, nil
}

// DeleteTask tombstones the task and purges its Active rows in one guarded
// transaction.
func (r *TaskRepo) DeleteTask(ctx context.Context, state *model.TaskState, lastRead int64, actorID uuid.UUID) (newMod int64, err error) {
	t := state.Task
	newMod = r.now().UnixMilli()
	if newMod <= t.LastModified {
		newMod = t.LastModified + 1
	}

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	// Freshness guard doubles as the existence check.
	guard := fmt.Sprintf(
		"UPDATE tasks SET last_modified=$3, modified_by=$4 WHERE context_id=$1 AND object_id=$2 AND storage_class=%d AND last_modified<=$5",
		model.ClassActive,
	)
	tag, err := tx.Exec(ctx, guard, t.ContextID, t.ObjectID, newMod, actorID, lastRead)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		err = errs.ErrConflict
		return 0, err
	}

	ts := model.Tombstone(t, t.FolderID.Value())
	ts.LastModified = newMod
	ts.ModifiedBy = actorID
	if _, err = tx.Exec(ctx, deleteTombstoneForFolderSQL, t.ContextID, t.ObjectID, int16(model.ClassDeleted), t.FolderID.Value()); err != nil {
		return 0, err
	}
	if _, err = tx.Exec(ctx, insertTaskSQL, taskArgs(&ts, model.ClassDeleted)...); err != nil {
		return 0, err
	}

	// Participants: quarantined rows are purged, Active rows move to Deleted
	// for audit.
	if _, err = tx.Exec(ctx, purgeParticipantsSQL, t.ContextID, t.ObjectID, int16(model.ClassRemoved)); err != nil {
		return 0, err
	}
	if _, err = tx.Exec(ctx, reclassParticipantsSQL, t.ContextID, t.ObjectID, int16(model.ClassActive), int16(model.ClassDeleted)); err != nil {
		return 0, err
	}

	tag, err = tx.Exec(ctx, reclassFoldersSQL, t.ContextID, t.ObjectID, int16(model.ClassActive), int16(model.ClassDeleted))
	if err != nil {
		return 0, err
	}
	if got, want := tag.RowsAffected(), int64(len(state.Folders)); got != want {
		r.log.Warn("folder mapping reclass count mismatch on delete",
			zap.Stringer("object_id", t.ObjectID),
			zap.Int64("want", want),
			zap.Int64("got", got),
			zap.Error(errs.ErrConsistency),
		)
	}

	if _, err = tx.Exec(ctx, deleteActiveTaskSQL, t.ContextID, t.ObjectID, int16(model.ClassActive)); err != nil {
		return 0, err
	}
	if _, err = tx.Exec(ctx, deleteRemindersSQL, t.ContextID, t.ObjectID); err != nil {
		return 0, err
	}
	return newMod, nil
}

// ChangedSince streams tasks changed in folderID after since, tombstones
// included. The folder join can fan out; deduplication happens in the read
// pipeline.
func (r *TaskRepo) ChangedSince(ctx context.Context, folderID uuid.UUID, since int64, emit func(repository.ChangedRow) error) error {
	q := "SELECT t." + strings.ReplaceAll(taskColumns, ", ", ", t.") + ` FROM tasks t
LEFT JOIN task_folders tf
  ON tf.context_id = t.context_id AND tf.object_id = t.object_id AND tf.storage_class = t.storage_class
WHERE (t.folder_id = $1 OR tf.folder_id = $1) AND t.last_modified > $2 AND t.storage_class = ANY($3)
ORDER BY t.last_modified ASC`
	rows, err := r.db.Pool.Query(ctx, q, folderID, since, []int16{int16(model.ClassActive), int16(model.ClassDeleted)})
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		t, class, err := scanTask(rows)
		if err != nil {
			return err
		}
		if err := emit(repository.ChangedRow{Task: t, Class: class}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ParticipantsFor loads Active participants for a batch of object ids.
func (r *TaskRepo) ParticipantsFor(ctx context.Context, contextID uuid.UUID, objectIDs []uuid.UUID) (map[uuid.UUID][]model.Participant, error) {
	if len(objectIDs) == 0 {
		return map[uuid.UUID][]model.Participant{}, nil
	}
	q := "SELECT object_id, " + participantColumns + " FROM task_participants WHERE context_id=$1 AND object_id = ANY($2) AND storage_class=$3 ORDER BY object_id, identity"
	rows, err := r.db.Pool.Query(ctx, q, contextID, objectIDs, int16(model.ClassActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID][]model.Participant)
	for rows.Next() {
		var objectID uuid.UUID
		p, err := scanObjectParticipant(rows, &objectID)
		if err != nil {
			return nil, err
		}
		out[objectID] = append(out[objectID], p)
	}
	return out, rows.Err()
}

func scanObjectParticipant(rows pgx.Rows, objectID *uuid.UUID) (model.Participant, error) {
	var (
		identity       string
		kind           int16
		userID         *uuid.UUID
		groupID        *uuid.UUID
		personalFolder *uuid.UUID
		confirmation   int16
		confirmMessage string
		email          *string
		displayName    *string
	)
	if err := rows.Scan(objectID, &identity, &kind, &userID, &groupID, &personalFolder, &confirmation, &confirmMessage, &email, &displayName); err != nil {
		return nil, err
	}
	if kind == kindExternal {
		p := model.ExternalParticipant{}
		if email != nil {
			p.EmailAddress = *email
		}
		if displayName != nil {
			p.DisplayName = *displayName
		}
		return p, nil
	}
	p := model.InternalParticipant{
		Confirmation:   model.ConfirmStatus(confirmation),
		ConfirmMessage: confirmMessage,
	}
	if userID != nil {
		p.UserID = *userID
	}
	setOpt(&p.GroupID, groupID)
	setOpt(&p.PersonalFolderID, personalFolder)
	return p, nil
}

// NewestAttachmentFor returns the newest attachment timestamp per object id.
func (r *TaskRepo) NewestAttachmentFor(ctx context.Context, contextID uuid.UUID, objectIDs []uuid.UUID) (map[uuid.UUID]time.Time, error) {
	if len(objectIDs) == 0 {
		return map[uuid.UUID]time.Time{}, nil
	}
	const q = `
SELECT object_id, MAX(created_at) FROM task_attachments
WHERE context_id=$1 AND object_id = ANY($2)
GROUP BY object_id`
	rows, err := r.db.Pool.Query(ctx, q, contextID, objectIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]time.Time)
	for rows.Next() {
		var id uuid.UUID
		var ts time.Time
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, err
		}
		out[id] = ts
	}
	return out, rows.Err()
}

// OccurrenceExists is the best-effort duplicate probe before spawning the
// next occurrence of a recurring task.
func (r *TaskRepo) OccurrenceExists(ctx context.Context, contextID uuid.UUID, probe repository.OccurrenceProbe) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM tasks
  WHERE context_id=$1 AND storage_class=$2 AND folder_id=$3
    AND title=$4 AND created_by=$5 AND start_date=$6 AND percent_complete=$7
)`
	var exists bool
	err := r.db.Pool.QueryRow(ctx, q,
		contextID, int16(model.ClassActive), probe.FolderID,
		probe.Title, probe.CreatedBy, probe.StartDate, probe.PercentComplete,
	).Scan(&exists)
	return exists, err
}

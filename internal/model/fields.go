package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// FieldID identifies one sparse task attribute in deltas and in the column
// mapping table.
type FieldID int

const (
	FieldTitle FieldID = iota + 1
	FieldDescription
	FieldNote
	FieldStatus
	FieldPercentComplete
	FieldPriority
	FieldStartDate
	FieldEndDate
	FieldCompletedAt
	FieldAlarmAt
	FieldRecurrenceRule
	FieldRecurrenceStart
	FieldCategories
	FieldColor
	FieldDurationMinutes
	FieldFullTime
	FieldPrivate
	FieldFolderID
	FieldActualCost
	FieldTargetCost
	FieldCurrency
	FieldBillingInfo
	FieldCompanies
	FieldTripMeter
	FieldAttachmentCount
	FieldUID
	FieldOrganizer
	FieldSequenceNumber
	FieldTimezone
	FieldURL
)

// FieldDesc is a statically-typed accessor for one task attribute. The table
// replaces reflection-driven field mapping: delta computation, partial
// updates and tombstone trimming all walk Fields instead of inspecting
// struct tags at runtime.
type FieldDesc struct {
	ID     FieldID
	Column string

	// Present reports whether the attribute is set on t.
	Present func(t *Task) bool
	// Equal compares the attribute across two tasks, absence included.
	Equal func(a, b *Task) bool
	// Copy transfers the attribute from src to dst when present on src.
	Copy func(dst, src *Task)
	// Arg extracts the attribute value for use as a SQL argument.
	Arg func(t *Task) any
}

func field[T comparable](id FieldID, column string, get func(*Task) *Opt[T]) FieldDesc {
	return FieldDesc{
		ID:     id,
		Column: column,
		Present: func(t *Task) bool {
			return get(t).Present()
		},
		Equal: func(a, b *Task) bool {
			av, aok := get(a).Get()
			bv, bok := get(b).Get()
			return aok == bok && av == bv
		},
		Copy: func(dst, src *Task) {
			if v, ok := get(src).Get(); ok {
				get(dst).Set(v)
			}
		},
		Arg: func(t *Task) any {
			return get(t).Value()
		},
	}
}

// Fields is the full attribute table, ordered by FieldID.
var Fields = []FieldDesc{
	field(FieldTitle, "title", func(t *Task) *Opt[string] { return &t.Title }),
	field(FieldDescription, "description", func(t *Task) *Opt[string] { return &t.Description }),
	field(FieldNote, "note", func(t *Task) *Opt[string] { return &t.Note }),
	field(FieldStatus, "status", func(t *Task) *Opt[Status] { return &t.Status }),
	field(FieldPercentComplete, "percent_complete", func(t *Task) *Opt[int] { return &t.PercentComplete }),
	field(FieldPriority, "priority", func(t *Task) *Opt[int] { return &t.Priority }),
	field(FieldStartDate, "start_date", func(t *Task) *Opt[time.Time] { return &t.StartDate }),
	field(FieldEndDate, "end_date", func(t *Task) *Opt[time.Time] { return &t.EndDate }),
	field(FieldCompletedAt, "completed_at", func(t *Task) *Opt[time.Time] { return &t.CompletedAt }),
	field(FieldAlarmAt, "alarm_at", func(t *Task) *Opt[time.Time] { return &t.AlarmAt }),
	field(FieldRecurrenceRule, "recurrence_rule", func(t *Task) *Opt[string] { return &t.RecurrenceRule }),
	field(FieldRecurrenceStart, "recurrence_start", func(t *Task) *Opt[time.Time] { return &t.RecurrenceStart }),
	field(FieldCategories, "categories", func(t *Task) *Opt[string] { return &t.Categories }),
	field(FieldColor, "color", func(t *Task) *Opt[int] { return &t.Color }),
	field(FieldDurationMinutes, "duration_minutes", func(t *Task) *Opt[int64] { return &t.DurationMinutes }),
	field(FieldFullTime, "full_time", func(t *Task) *Opt[bool] { return &t.FullTime }),
	field(FieldPrivate, "private", func(t *Task) *Opt[bool] { return &t.Private }),
	field(FieldFolderID, "folder_id", func(t *Task) *Opt[uuid.UUID] { return &t.FolderID }),
	field(FieldActualCost, "actual_cost", func(t *Task) *Opt[float64] { return &t.ActualCost }),
	field(FieldTargetCost, "target_cost", func(t *Task) *Opt[float64] { return &t.TargetCost }),
	field(FieldCurrency, "currency", func(t *Task) *Opt[string] { return &t.Currency }),
	field(FieldBillingInfo, "billing_info", func(t *Task) *Opt[string] { return &t.BillingInfo }),
	field(FieldCompanies, "companies", func(t *Task) *Opt[string] { return &t.Companies }),
	field(FieldTripMeter, "trip_meter", func(t *Task) *Opt[string] { return &t.TripMeter }),
	field(FieldAttachmentCount, "attachment_count", func(t *Task) *Opt[int] { return &t.AttachmentCount }),
	field(FieldUID, "uid", func(t *Task) *Opt[string] { return &t.UID }),
	field(FieldOrganizer, "organizer", func(t *Task) *Opt[string] { return &t.Organizer }),
	field(FieldSequenceNumber, "sequence_number", func(t *Task) *Opt[int] { return &t.SequenceNumber }),
	field(FieldTimezone, "timezone", func(t *Task) *Opt[string] { return &t.Timezone }),
	field(FieldURL, "url", func(t *Task) *Opt[string] { return &t.URL }),
}

// FieldByID returns the descriptor for id.
func FieldByID(id FieldID) (FieldDesc, bool) {
	for _, f := range Fields {
		if f.ID == id {
			return f, true
		}
	}
	return FieldDesc{}, false
}

// CopyFields applies every attribute present on src to dst. Identity and
// version metadata are not touched.
func CopyFields(dst, src *Task) {
	for _, f := range Fields {
		f.Copy(dst, src)
	}
}

// ChangedFields returns the ids of attributes present on new and either
// absent on old or holding a different value, in FieldID order.
func ChangedFields(oldTask, newTask *Task) []FieldID {
	var out []FieldID
	for _, f := range Fields {
		if !f.Present(newTask) {
			continue
		}
		if !f.Present(oldTask) || !f.Equal(oldTask, newTask) {
			out = append(out, f.ID)
		}
	}
	return out
}

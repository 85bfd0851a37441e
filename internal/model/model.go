// Package model defines domain entities used by the reconciliation engine,
// repositories and services.
package model

import (
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Opt is a presence-aware scalar. A partial task carries only the attributes
// the caller intends to change; absence is observable and distinct from the
// zero value.
type Opt[T any] struct {
	value   T
	present bool
}

// NewOpt returns a present Opt holding v.
func NewOpt[T any](v T) Opt[T] {
	return Opt[T]{value: v, present: true}
}

// Set stores v and marks the attribute present.
func (o *Opt[T]) Set(v T) {
	o.value = v
	o.present = true
}

// Get returns the value and whether it is present.
func (o Opt[T]) Get() (T, bool) { return o.value, o.present }

// Present reports whether the attribute carries a value.
func (o Opt[T]) Present() bool { return o.present }

// Value returns the value, or the zero value when absent.
func (o Opt[T]) Value() T { return o.value }

// Clear marks the attribute absent.
func (o *Opt[T]) Clear() {
	var zero T
	o.value = zero
	o.present = false
}

// Status is the task progress state.
type Status int16

const (
	StatusNotStarted Status = iota
	StatusInProgress
	StatusDone
	StatusWaiting
	StatusDeferred
)

// StorageClass is the tri-state location of a record: Active rows are current
// and mutable, Removed rows are participant/folder sub-entities quarantined
// for later reconciliation, Deleted rows are tombstones kept so incremental
// sync can report deletions and moves.
type StorageClass int8

const (
	ClassActive StorageClass = iota
	ClassRemoved
	ClassDeleted
)

func (c StorageClass) String() string {
	switch c {
	case ClassActive:
		return "active"
	case ClassRemoved:
		return "removed"
	case ClassDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Task is a mutable record identified by (ContextID, ObjectID). All scalar
// attributes are sparse: a partial task carries only what the caller set.
type Task struct {
	ContextID uuid.UUID
	ObjectID  uuid.UUID

	// LastModified is a monotonically increasing per-mutation timestamp in
	// milliseconds. It is the optimistic concurrency token.
	LastModified int64
	CreatedBy    uuid.UUID
	ModifiedBy   uuid.UUID

	Title           Opt[string]
	Description     Opt[string]
	Note            Opt[string]
	Status          Opt[Status]
	PercentComplete Opt[int]
	Priority        Opt[int]
	StartDate       Opt[time.Time]
	EndDate         Opt[time.Time]
	CompletedAt     Opt[time.Time]
	AlarmAt         Opt[time.Time]
	RecurrenceRule  Opt[string]
	RecurrenceStart Opt[time.Time]
	Categories      Opt[string]
	Color           Opt[int]
	DurationMinutes Opt[int64]
	FullTime        Opt[bool]
	Private         Opt[bool]
	FolderID        Opt[uuid.UUID]
	ActualCost      Opt[float64]
	TargetCost      Opt[float64]
	Currency        Opt[string]
	BillingInfo     Opt[string]
	Companies       Opt[string]
	TripMeter       Opt[string]
	AttachmentCount Opt[int]
	UID             Opt[string]
	Organizer       Opt[string]
	SequenceNumber  Opt[int]
	Timezone        Opt[string]
	URL             Opt[string]
}

// Tombstone returns the minimal Deleted-class form of t: identity and
// mandatory fields only, scoped to folderID.
func Tombstone(t Task, folderID uuid.UUID) Task {
	ts := Task{
		ContextID:    t.ContextID,
		ObjectID:     t.ObjectID,
		LastModified: t.LastModified,
		CreatedBy:    t.CreatedBy,
		ModifiedBy:   t.ModifiedBy,
	}
	ts.FolderID.Set(folderID)
	if v, ok := t.UID.Get(); ok {
		ts.UID.Set(v)
	}
	if v, ok := t.Private.Get(); ok {
		ts.Private.Set(v)
	}
	return ts
}

// ConfirmStatus is an internal participant's reply to the invitation.
type ConfirmStatus int16

const (
	ConfirmNone ConfirmStatus = iota
	ConfirmAccepted
	ConfirmDeclined
	ConfirmTentative
)

// Participant is a task attendee, either a known system user or an
// email-only invitee. Identity keys the participant set: no two participants
// of a task share an identity.
type Participant interface {
	Identity() string
}

// InternalParticipant is a known system user, possibly present via a group.
type InternalParticipant struct {
	UserID           uuid.UUID
	GroupID          Opt[uuid.UUID]
	PersonalFolderID Opt[uuid.UUID]
	Confirmation     ConfirmStatus
	ConfirmMessage   string
}

func (p InternalParticipant) Identity() string { return "u:" + p.UserID.String() }

// ExternalParticipant is an email-only invitee.
type ExternalParticipant struct {
	EmailAddress string
	DisplayName  string
}

func (p ExternalParticipant) Identity() string {
	return "m:" + strings.ToLower(p.EmailAddress)
}

// ParticipantSet is an identity-keyed set preserving insertion order.
type ParticipantSet struct {
	byID  map[string]Participant
	order []string
}

// NewParticipantSet builds a set from ps, later duplicates win.
func NewParticipantSet(ps ...Participant) *ParticipantSet {
	s := &ParticipantSet{byID: make(map[string]Participant, len(ps))}
	for _, p := range ps {
		s.Add(p)
	}
	return s
}

// Add inserts or replaces p by identity.
func (s *ParticipantSet) Add(p Participant) {
	id := p.Identity()
	if _, ok := s.byID[id]; !ok {
		s.order = append(s.order, id)
	}
	s.byID[id] = p
}

// Get returns the participant with the given identity.
func (s *ParticipantSet) Get(identity string) (Participant, bool) {
	p, ok := s.byID[identity]
	return p, ok
}

// Has reports membership by identity.
func (s *ParticipantSet) Has(identity string) bool {
	_, ok := s.byID[identity]
	return ok
}

// List returns participants in insertion order.
func (s *ParticipantSet) List() []Participant {
	out := make([]Participant, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Len returns the set size.
func (s *ParticipantSet) Len() int { return len(s.order) }

// FolderMapping records that the task is visible to UserID through FolderID.
type FolderMapping struct {
	FolderID uuid.UUID
	UserID   uuid.UUID
}

// FolderType is the sharing mode of a folder.
type FolderType int8

const (
	FolderPrivate FolderType = iota
	FolderPublic
	FolderShared
)

// Folder is the resolved metadata of a folder, provided by the identity
// resolver collaborator.
type Folder struct {
	ID      uuid.UUID
	OwnerID uuid.UUID
	Type    FolderType
}

// FolderMove is an explicit relocation of the task's primary folder.
type FolderMove struct {
	SourceID uuid.UUID
	DestID   uuid.UUID
}

// Delta is the minimal set of changes turning the old task state into the
// requested new one.
type Delta struct {
	Fields []FieldID
	// Patch holds the new values backing Fields (the caller's partial task).
	Patch Task

	AddedParticipants   []Participant
	RemovedParticipants []Participant
	// GroupChanged holds internal participants whose group-membership
	// designation flipped (individual vs via-group); confirmation state is
	// carried forward instead of remove+add.
	GroupChanged []InternalParticipant
	// Resurrected holds identities of added participants matching a
	// quarantined (Removed-class) row whose confirmation metadata was
	// restored; the executor drops the quarantined row.
	Resurrected []string

	AddedFolders   []FolderMapping
	RemovedFolders []FolderMapping

	Move *FolderMove
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return len(d.Fields) == 0 &&
		len(d.AddedParticipants) == 0 && len(d.RemovedParticipants) == 0 &&
		len(d.GroupChanged) == 0 &&
		len(d.AddedFolders) == 0 && len(d.RemovedFolders) == 0 &&
		d.Move == nil
}

// TaskState is the fully loaded authoritative state of a task: the Active
// task row, its Active participants and folder mappings, and any quarantined
// participant rows awaiting resurrection.
type TaskState struct {
	Task         Task
	Participants []Participant
	Folders      []FolderMapping
	Quarantined  []Participant
}

// TaskUpdate is a partial client-submitted mutation.
type TaskUpdate struct {
	// Task carries only the attributes the caller intends to change.
	Task Task
	// Participants, when non-nil, is a full replacement participant list.
	// nil leaves participants untouched.
	Participants []Participant
	// ActorID is the acting user.
	ActorID uuid.UUID
	// ScopeFolderID is the folder the mutation is addressed through. A
	// present Task.FolderID differing from it is a move.
	ScopeFolderID uuid.UUID
	// LastRead is the lastModified the caller last observed.
	LastRead int64
}

package service

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/avolkhin/taskcore/internal/stream"
)

// enrichers builds the batch enrichment chain for a List call. Order is
// fixed: participants before reminders, both before attachments.
func (s *TaskService) enrichers(cols Columns, actorID uuid.UUID) []stream.Enricher {
	var out []stream.Enricher
	if cols.Participants {
		out = append(out, stream.Enricher{Name: "participants", Apply: s.enrichParticipants})
	}
	if cols.Reminders {
		out = append(out, stream.Enricher{Name: "reminders", Apply: func(ctx context.Context, batch []*stream.Record) error {
			return s.enrichReminders(ctx, batch, actorID)
		}})
	}
	if cols.Attachments {
		out = append(out, stream.Enricher{Name: "attachments", Apply: s.enrichAttachments})
	}
	return out
}

// liveByContext groups non-tombstone records by context id.
func liveByContext(batch []*stream.Record) map[uuid.UUID][]*stream.Record {
	out := make(map[uuid.UUID][]*stream.Record)
	for _, rec := range batch {
		if rec.Tombstone {
			continue
		}
		out[rec.Task.ContextID] = append(out[rec.Task.ContextID], rec)
	}
	return out
}

func objectIDs(recs []*stream.Record) []uuid.UUID {
	ids := make([]uuid.UUID, len(recs))
	for i, rec := range recs {
		ids[i] = rec.Task.ObjectID
	}
	return ids
}

func (s *TaskService) enrichParticipants(ctx context.Context, batch []*stream.Record) error {
	for contextID, recs := range liveByContext(batch) {
		parts, err := s.repo.ParticipantsFor(ctx, contextID, objectIDs(recs))
		if err != nil {
			return err
		}
		for _, rec := range recs {
			rec.Participants = parts[rec.Task.ObjectID]
		}
	}
	return nil
}

func (s *TaskService) enrichReminders(ctx context.Context, batch []*stream.Record, actorID uuid.UUID) error {
	for contextID, recs := range liveByContext(batch) {
		set, err := s.reminders.ExistingFor(ctx, contextID, objectIDs(recs), actorID)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			rec.ReminderSet = set[rec.Task.ObjectID]
		}
	}
	return nil
}

func (s *TaskService) enrichAttachments(ctx context.Context, batch []*stream.Record) error {
	for contextID, recs := range liveByContext(batch) {
		newest, err := s.repo.NewestAttachmentFor(ctx, contextID, objectIDs(recs))
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if ts, ok := newest[rec.Task.ObjectID]; ok {
				rec.NewestAttachment = ts
			}
		}
	}
	return nil
}

// Package reconcile computes the minimal participant and folder-mapping
// delta between a task's authoritative state and a partial client update.
package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/gofrs/uuid/v5"

	"github.com/avolkhin/taskcore/internal/errs"
	"github.com/avolkhin/taskcore/internal/model"
	"github.com/avolkhin/taskcore/internal/ports"
)

// Engine turns (old state, partial update) pairs into Deltas. It is
// stateless; all I/O goes through the injected collaborators.
type Engine struct {
	resolver ports.IdentityResolver
	perms    ports.PermissionOracle
}

// New constructs an Engine.
func New(resolver ports.IdentityResolver, perms ports.PermissionOracle) *Engine {
	return &Engine{resolver: resolver, perms: perms}
}

// Compute builds the Delta for applying upd to old. It performs no writes;
// validation and permission failures abort before any transaction opens.
func (e *Engine) Compute(ctx context.Context, old *model.TaskState, upd model.TaskUpdate) (model.Delta, error) {
	var d model.Delta

	d.Fields = model.ChangedFields(&old.Task, &upd.Task)
	d.Patch = upd.Task

	move, err := e.detectMove(ctx, upd)
	if err != nil {
		return model.Delta{}, err
	}
	d.Move = move

	oldSet := model.NewParticipantSet(old.Participants...)
	effective := oldSet
	if upd.Participants != nil {
		newSet, err := e.ExpandParticipants(ctx, upd.Participants)
		if err != nil {
			return model.Delta{}, err
		}
		effective = newSet
		e.participantDelta(&d, oldSet, newSet, old.Quarantined)
	}

	if priv, ok := upd.Task.Private.Get(); ok && priv && effective.Len() > 0 {
		return model.Delta{}, fmt.Errorf("private task cannot have participants: %w", errs.ErrInvalidState)
	}

	if err := e.folderDelta(ctx, &d, old, upd, effective); err != nil {
		return model.Delta{}, err
	}
	return d, nil
}

// detectMove reports an explicit primary-folder change and checks the caller
// may create in the destination and write in the source.
func (e *Engine) detectMove(ctx context.Context, upd model.TaskUpdate) (*model.FolderMove, error) {
	dest, ok := upd.Task.FolderID.Get()
	if !ok || dest == upd.ScopeFolderID {
		return nil, nil
	}
	allowed, err := e.perms.CanCreate(ctx, upd.ActorID, dest)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("move into folder %s: %w", dest, errs.ErrPermissionDenied)
	}
	allowed, err = e.perms.CanWrite(ctx, upd.ActorID, upd.ScopeFolderID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("move out of folder %s: %w", upd.ScopeFolderID, errs.ErrPermissionDenied)
	}
	return &model.FolderMove{SourceID: upd.ScopeFolderID, DestID: dest}, nil
}

// ExpandParticipants validates the submitted list and expands group entries
// into per-member internal participants. Duplicate identities collapse.
func (e *Engine) ExpandParticipants(ctx context.Context, ps []model.Participant) (*model.ParticipantSet, error) {
	out := model.NewParticipantSet()
	for _, p := range ps {
		switch v := p.(type) {
		case model.ExternalParticipant:
			if v.EmailAddress == "" {
				return nil, fmt.Errorf("external participant without address: %w", errs.ErrValidation)
			}
			out.Add(v)
		case model.InternalParticipant:
			gid, hasGroup := v.GroupID.Get()
			if !hasGroup || v.UserID != uuid.Nil {
				out.Add(v)
				continue
			}
			members, err := e.resolver.GroupMembers(ctx, gid)
			if err != nil {
				return nil, err
			}
			if len(members) == 0 {
				return nil, fmt.Errorf("group %s has no members: %w", gid, errs.ErrValidation)
			}
			for _, m := range members {
				mp := v
				mp.UserID = m
				out.Add(mp)
			}
		default:
			return nil, fmt.Errorf("unknown participant kind %T: %w", p, errs.ErrValidation)
		}
	}
	return out, nil
}

// participantDelta fills added/removed/group-changed participants, restoring
// confirmation metadata from quarantined rows where identities match.
func (e *Engine) participantDelta(d *model.Delta, oldSet, newSet *model.ParticipantSet, quarantined []model.Participant) {
	quar := model.NewParticipantSet(quarantined...)

	for _, p := range newSet.List() {
		id := p.Identity()
		oldP, existed := oldSet.Get(id)
		if existed {
			// Same identity on both sides: the only observable change is a
			// flipped group-membership designation. Carry confirmation
			// forward instead of remove+add.
			ni, niOK := p.(model.InternalParticipant)
			oi, oiOK := oldP.(model.InternalParticipant)
			if niOK && oiOK && ni.GroupID != oi.GroupID {
				ni.Confirmation = oi.Confirmation
				ni.ConfirmMessage = oi.ConfirmMessage
				d.GroupChanged = append(d.GroupChanged, ni)
			}
			continue
		}
		if q, ok := quar.Get(id); ok {
			if qi, qiOK := q.(model.InternalParticipant); qiOK {
				if ni, niOK := p.(model.InternalParticipant); niOK {
					ni.Confirmation = qi.Confirmation
					ni.ConfirmMessage = qi.ConfirmMessage
					p = ni
				}
			}
			d.Resurrected = append(d.Resurrected, id)
		}
		d.AddedParticipants = append(d.AddedParticipants, p)
	}
	for _, p := range oldSet.List() {
		if !newSet.Has(p.Identity()) {
			d.RemovedParticipants = append(d.RemovedParticipants, p)
		}
	}
}

// folderAcc accumulates folder-mapping changes, enforcing one mapping per
// user. A pre-existing mapping wins over a freshly computed one unless it is
// in the removed set.
type folderAcc struct {
	current map[uuid.UUID]model.FolderMapping
	added   map[uuid.UUID]model.FolderMapping
	removed map[uuid.UUID]model.FolderMapping
	order   []uuid.UUID
}

func newFolderAcc(current []model.FolderMapping) *folderAcc {
	a := &folderAcc{
		current: make(map[uuid.UUID]model.FolderMapping, len(current)),
		added:   make(map[uuid.UUID]model.FolderMapping),
		removed: make(map[uuid.UUID]model.FolderMapping),
	}
	for _, m := range current {
		a.current[m.UserID] = m
	}
	return a
}

func (a *folderAcc) remove(userID uuid.UUID) {
	if m, ok := a.current[userID]; ok {
		a.removed[userID] = m
	}
	delete(a.added, userID)
}

func (a *folderAcc) add(m model.FolderMapping) {
	if cur, ok := a.current[m.UserID]; ok {
		if _, gone := a.removed[m.UserID]; !gone {
			return // pre-existing mapping wins
		}
		if cur.FolderID == m.FolderID {
			// re-adding the exact removed mapping cancels the removal
			delete(a.removed, m.UserID)
			return
		}
	}
	if _, ok := a.added[m.UserID]; ok {
		return
	}
	a.added[m.UserID] = m
	// remove() keeps order entries, so a removed-then-re-added user may
	// already be listed; appending again would emit the mapping twice.
	for _, u := range a.order {
		if u == m.UserID {
			return
		}
	}
	a.order = append(a.order, m.UserID)
}

// resultLen is the mapping count after applying removals and additions.
func (a *folderAcc) resultLen() int {
	n := len(a.added)
	for u := range a.current {
		if _, gone := a.removed[u]; !gone {
			if _, re := a.added[u]; !re {
				n++
			}
		}
	}
	return n
}

func (a *folderAcc) has(userID uuid.UUID) bool {
	if _, ok := a.added[userID]; ok {
		return true
	}
	if _, ok := a.current[userID]; ok {
		_, gone := a.removed[userID]
		return !gone
	}
	return false
}

// folderDelta derives folder-mapping changes from the participant delta, an
// explicit move, and folder-type transitions.
func (e *Engine) folderDelta(ctx context.Context, d *model.Delta, old *model.TaskState, upd model.TaskUpdate, effective *model.ParticipantSet) error {
	source, err := e.resolver.Folder(ctx, upd.ScopeFolderID)
	if err != nil {
		return err
	}
	dest := source
	if d.Move != nil {
		if dest, err = e.resolver.Folder(ctx, d.Move.DestID); err != nil {
			return err
		}
	}

	acc := newFolderAcc(old.Folders)

	if dest.Type == model.FolderPublic {
		// A public folder grants visibility to all; per-user mappings go away.
		for u := range acc.current {
			acc.remove(u)
		}
		d.AddedFolders, d.RemovedFolders = acc.flatten()
		return nil
	}

	if d.Move != nil {
		acc.remove(upd.ActorID)
		acc.add(model.FolderMapping{FolderID: dest.ID, UserID: upd.ActorID})
	}

	switch {
	case source.Type == model.FolderPublic:
		// public -> non-public: every internal participant needs a personal
		// folder mapping.
		for _, p := range effective.List() {
			ip, ok := p.(model.InternalParticipant)
			if !ok {
				continue
			}
			fid, err := e.personalFolder(ctx, ip)
			if err != nil {
				return err
			}
			acc.add(model.FolderMapping{FolderID: fid, UserID: ip.UserID})
		}
	default:
		// type unchanged, non-public: map newly added participants, drop
		// removed participants' mappings.
		for _, p := range d.AddedParticipants {
			ip, ok := p.(model.InternalParticipant)
			if !ok {
				continue
			}
			fid, err := e.personalFolder(ctx, ip)
			if err != nil {
				return err
			}
			acc.add(model.FolderMapping{FolderID: fid, UserID: ip.UserID})
		}
		for _, p := range d.RemovedParticipants {
			if ip, ok := p.(model.InternalParticipant); ok {
				acc.remove(ip.UserID)
			}
		}
	}

	// Orphaned-delegator guard: the creator keeps a mapping when they are not
	// a participant and the delta would strip theirs.
	creator := old.Task.CreatedBy
	if creator != uuid.Nil && !effective.Has(model.InternalParticipant{UserID: creator}.Identity()) && !acc.has(creator) {
		if _, lost := acc.removed[creator]; lost {
			fid := dest.ID
			if d.Move == nil || upd.ActorID != creator {
				if fid, err = e.resolver.DefaultFolder(ctx, creator); err != nil {
					return err
				}
			}
			acc.add(model.FolderMapping{FolderID: fid, UserID: creator})
		}
	}

	// Empty-result guard: a task must never become invisible to everyone
	// holding it.
	if acc.resultLen() == 0 {
		fid := dest.ID
		if d.Move == nil {
			if fid, err = e.resolver.DefaultFolder(ctx, upd.ActorID); err != nil {
				return err
			}
		}
		acc.add(model.FolderMapping{FolderID: fid, UserID: upd.ActorID})
	}

	d.AddedFolders, d.RemovedFolders = acc.flatten()
	return nil
}

// personalFolder resolves the folder an internal participant sees the task
// through: their declared personal folder, else their default task folder.
func (e *Engine) personalFolder(ctx context.Context, p model.InternalParticipant) (uuid.UUID, error) {
	if fid, ok := p.PersonalFolderID.Get(); ok {
		return fid, nil
	}
	return e.resolver.DefaultFolder(ctx, p.UserID)
}

// flatten returns deterministic added/removed slices sorted by user id.
func (a *folderAcc) flatten() (added, removed []model.FolderMapping) {
	for _, u := range a.order {
		if m, ok := a.added[u]; ok {
			added = append(added, m)
		}
	}
	for _, m := range a.removed {
		removed = append(removed, m)
	}
	sort.Slice(removed, func(i, j int) bool {
		return removed[i].UserID.String() < removed[j].UserID.String()
	})
	return added, removed
}

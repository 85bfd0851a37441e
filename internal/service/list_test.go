package service

import (
	"context"
	"errors"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/avolkhin/taskcore/internal/errs"
	"github.com/avolkhin/taskcore/internal/model"
	"github.com/avolkhin/taskcore/internal/repository"
	"github.com/avolkhin/taskcore/internal/stream"
)

func changedRow(mod int64, class model.StorageClass) repository.ChangedRow {
	var row repository.ChangedRow
	row.Task.ContextID = uuid.Must(uuid.NewV4())
	row.Task.ObjectID = uuid.Must(uuid.NewV4())
	row.Task.LastModified = mod
	row.Class = class
	return row
}

func TestList_StreamsRowsInOrder(t *testing.T) {
	h := newHarness(t)
	h.repo.rows = []repository.ChangedRow{
		changedRow(10, model.ClassActive),
		changedRow(20, model.ClassDeleted),
		changedRow(30, model.ClassActive),
	}

	it, err := h.svc.List(context.Background(), uuid.Must(uuid.NewV4()), 5, uuid.Must(uuid.NewV4()), Columns{})
	require.NoError(t, err)
	defer it.Close()

	var got []*stream.Record
	for it.HasNext() {
		rec, err := it.Next(context.Background())
		if errors.Is(err, stream.ErrExhausted) {
			break
		}
		require.NoError(t, err)
		got = append(got, rec)
	}

	require.Len(t, got, 3)
	require.Equal(t, int64(10), got[0].Task.LastModified)
	require.False(t, got[0].Tombstone)
	require.True(t, got[1].Tombstone, "deleted rows surface as tombstones")
	require.Equal(t, int64(30), got[2].Task.LastModified)
}

func TestList_DeniedWithoutRead(t *testing.T) {
	h := newHarness(t)
	h.perms.denyRead = true

	_, err := h.svc.List(context.Background(), uuid.Must(uuid.NewV4()), 0, uuid.Must(uuid.NewV4()), Columns{})
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
}

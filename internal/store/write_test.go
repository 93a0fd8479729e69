package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/annosync/internal/live"
	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
)

func TestCreate_AssignsServerID(t *testing.T) {
	s := setupTestStore(t)

	a := mustCreate(t, s, record.Fields{"text": "a", "id": "client-chosen"})
	b := mustCreate(t, s, record.Fields{"text": "b"})

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, "client-chosen", a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotContains(t, a.Fields, record.IDField)
}

func TestCreate_AppendsChange(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := mustCreate(t, s, record.Fields{"text": "a"})

	changes, err := s.Changes(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, live.Created, changes[0].Event.Op)
	assert.Equal(t, rec.ID, changes[0].Event.Record.ID)
	assert.Equal(t, int64(1), changes[0].Seq)
}

func TestUpdate_MergesPatch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	rec := mustCreate(t, s, record.Fields{"text": "a", "projectId": "p1"})

	got, err := s.Update(ctx, rec.ID, record.Fields{"text": "b", "id": "ignored"})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "b", got.String("text"))
	assert.Equal(t, "p1", got.String("projectId"))

	stored, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, record.Equal(got, stored))
}

func TestUpdate_Missing(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.Update(context.Background(), "nope", record.Fields{"text": "x"})
	require.Error(t, err)
	assert.True(t, remote.IsKind(err, remote.KindNotFound), "got %v", err)

	changes, err := s.Changes(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, changes, "a failed write must not append a change")
}

func TestDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	rec := mustCreate(t, s, record.Fields{"text": "a"})

	require.NoError(t, s.Delete(ctx, rec.ID))

	_, err := s.Get(ctx, rec.ID)
	assert.True(t, remote.IsKind(err, remote.KindNotFound))

	err = s.Delete(ctx, rec.ID)
	assert.True(t, remote.IsKind(err, remote.KindNotFound), "second delete: %v", err)

	changes, err := s.Changes(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, live.Deleted, changes[1].Event.Op)
	assert.Equal(t, "a", changes[1].Event.Record.String("text"), "delete carries the last state")
}

func TestImport_Idempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	recs := []record.Record{
		record.New("r1", record.Fields{"text": "one"}),
		record.New("r2", record.Fields{"text": "two"}),
	}

	n, err := s.Import(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Import(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "unchanged records must be skipped")

	recs[1] = record.New("r2", record.Fields{"text": "TWO"})
	n, err = s.Import(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	changes, err := s.Changes(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, live.Updated, changes[2].Event.Op)

	got, err := s.Get(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, "TWO", got.String("text"))
}

func TestImport_RejectsMissingID(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.Import(context.Background(), []record.Record{
		record.New("r1", record.Fields{"text": "one"}),
		{Fields: record.Fields{"text": "no id"}},
	})
	require.Error(t, err)
	assert.True(t, remote.IsKind(err, remote.KindValidation))

	_, err = s.Get(context.Background(), "r1")
	assert.True(t, remote.IsKind(err, remote.KindNotFound), "import must be atomic")
}

func TestWrite_CancelledContext(t *testing.T) {
	s := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Create(ctx, record.Fields{"text": "a"})
	require.Error(t, err)
	var re *remote.Error
	assert.ErrorAs(t, err, &re)
}

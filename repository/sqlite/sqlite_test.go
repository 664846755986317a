package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convoloop/core"
	"github.com/hupe1980/convoloop/repository"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_MissingPath(t *testing.T) {
	_, err := Open("   ")
	require.Error(t, err)
}

func TestCreateAndFind_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "messages", core.Record{
		"conversation_id": "c1",
		"content":         "hello",
		"sequence":        1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.String("id"))

	got, err := s.Find(ctx, "messages", core.Query{Filter: map[string]any{"conversation_id": "c1"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].String("content"))
	assert.Equal(t, 1, got[0].Int("sequence"))
	assert.Equal(t, created.String("id"), got[0].String("id"))
}

// Filter and sort field names come from model-issued tool calls, so anything
// outside a plain identifier is rejected before it reaches SQL.
func TestFind_RejectsNonIdentifierFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "records", core.Record{"name": "alpha", "owner_id": "u1"})
	require.NoError(t, err)

	var verr *core.ValidationError
	_, err = s.Find(ctx, "records", core.Query{
		Filter: map[string]any{"name') OR 1=1 --": "x"},
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "filter", verr.Field)

	_, err = s.Find(ctx, "records", core.Query{
		Filter: map[string]any{"id'); DROP TABLE records; --": "x"},
	})
	require.ErrorAs(t, err, &verr)

	_, err = s.Find(ctx, "records", core.Query{Sort: "-name') OR ('1'='1"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "sort", verr.Field)

	// Underscored identifiers, greater-than suffixes and descending sorts
	// still pass.
	got, err := s.Find(ctx, "records", core.Query{
		Filter: map[string]any{"owner_id": "u1"},
		Sort:   "-owner_id",
	})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCreate_DuplicateID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "configs", core.Record{"id": "fixed"})
	require.NoError(t, err)
	_, err = s.Create(ctx, "configs", core.Record{"id": "fixed"})
	require.Error(t, err)
}

func TestFind_GreaterThanCutoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := s.Create(ctx, "messages", core.Record{
			"conversation_id": "c1",
			"sequence":        i + 1,
			"created_at":      base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	// Cutoff filters are strictly-greater; time values normalize to the
	// fixed-width format on both sides so string comparison is correct.
	got, err := s.Find(ctx, "messages", core.Query{
		Filter: map[string]any{
			"conversation_id": "c1",
			"created_at>":     base.Add(1 * time.Second),
		},
		Sort: "sequence",
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 3, got[0].Int("sequence"))
	assert.Equal(t, 5, got[2].Int("sequence"))
}

func TestFind_SortDescendingWithLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_, err := s.Create(ctx, "messages", core.Record{"conversation_id": "c1", "sequence": i})
		require.NoError(t, err)
	}

	got, err := s.Find(ctx, "messages", core.Query{Sort: "-sequence", Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 4, got[0].Int("sequence"))
	assert.Equal(t, 3, got[1].Int("sequence"))
}

func TestFind_IncludeRelation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv, err := s.Create(ctx, "conversations", core.Record{"title": "test"})
	require.NoError(t, err)
	_, err = s.Create(ctx, "messages", core.Record{"conversation_id": conv.String("id"), "content": "hi"})
	require.NoError(t, err)

	s.DefineRelation("conversations", repository.Relation{
		Name: "messages", Collection: "messages",
		LocalField: "id", ForeignField: "conversation_id",
	})

	got, err := s.Find(ctx, "conversations", core.Query{Include: []string{"messages"}})
	require.NoError(t, err)
	require.Len(t, got, 1)

	children, ok := got[0]["messages"].([]core.Record)
	require.True(t, ok)
	require.Len(t, children, 1)
	assert.Equal(t, "hi", children[0].String("content"))
}

func TestUpdate_MergesIntoDocument(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "conversations", core.Record{"title": "old", "message_count": 2})
	require.NoError(t, err)

	updated, err := s.Update(ctx, "conversations", created.String("id"), core.Record{"title": "new"})
	require.NoError(t, err)
	assert.Equal(t, "new", updated.String("title"))
	assert.Equal(t, 2, updated.Int("message_count"), "untouched fields survive the merge")

	var nferr *core.NotFoundError
	_, err = s.Update(ctx, "conversations", "missing", core.Record{"title": "x"})
	require.ErrorAs(t, err, &nferr)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "messages", core.Record{"content": "bye"})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "messages", created.String("id")))

	var nferr *core.NotFoundError
	require.ErrorAs(t, s.Delete(ctx, "messages", created.String("id")), &nferr)
}

func TestLease_AcquireHoldExpire(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ok, err := s.Acquire(ctx, "config-reload", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Acquire(ctx, "config-reload", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lease is not re-granted")

	require.NoError(t, s.Release(ctx, "config-reload"))
	ok, err = s.Acquire(ctx, "config-reload", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok, "released lease is free")

	time.Sleep(20 * time.Millisecond)
	ok, err = s.Acquire(ctx, "config-reload", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is reclaimable")
}

func TestOpen_ReopensExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.db")
	ctx := context.Background()

	first, err := Open(path)
	require.NoError(t, err)
	created, err := first.Create(ctx, "conversations", core.Record{"title": "durable"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.Find(ctx, "conversations", core.Query{Filter: map[string]any{"id": created.String("id")}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "durable", got[0].String("title"))
}

package tool

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convoloop/core"
	"github.com/hupe1980/convoloop/repository"
)

// denyWrites allows reads and rejects everything else, recording what it saw.
type denyWrites struct {
	seen []string
}

func (d *denyWrites) Allow(_ context.Context, userID, action, collection string) error {
	d.seen = append(d.seen, fmt.Sprintf("%s:%s:%s", userID, action, collection))
	if action != "read" {
		return errors.New("write access denied")
	}
	return nil
}

func testContext() *Context {
	return NewContext(context.Background(), "conv-1", "user-1", "call-1", nil)
}

func recordToolSet(t *testing.T, checker core.AccessChecker) (*repository.InMemory, *Registry) {
	t.Helper()
	repo := repository.NewInMemory()
	return repo, NewRegistry(RecordTools(repo, checker)...)
}

func TestRecordTools_CreateFindUpdateDelete(t *testing.T) {
	repo, reg := recordToolSet(t, nil)
	ctx := testContext()

	create, ok := reg.Get("create_record")
	require.True(t, ok)
	out, err := create.Call(ctx, map[string]any{
		"collection": "projects",
		"record":     map[string]any{"name": "atlas", "owner": "user-1"},
	})
	require.NoError(t, err)
	created := out.(map[string]any)["record"].(core.Record)
	id := created.String("id")
	require.NotEmpty(t, id)

	find, _ := reg.Get("find_records")
	out, err = find.Call(ctx, map[string]any{
		"collection": "projects",
		"filter":     map[string]any{"owner": "user-1"},
	})
	require.NoError(t, err)
	found := out.(map[string]any)
	assert.Equal(t, 1, found["count"])

	update, _ := reg.Get("update_record")
	out, err = update.Call(ctx, map[string]any{
		"collection": "projects",
		"id":         id,
		"changes":    map[string]any{"name": "atlas-v2"},
	})
	require.NoError(t, err)
	updated := out.(map[string]any)["record"].(core.Record)
	assert.Equal(t, "atlas-v2", updated.String("name"))
	assert.Equal(t, "user-1", updated.String("owner"), "unmentioned fields survive")

	del, _ := reg.Get("delete_record")
	out, err = del.Call(ctx, map[string]any{"collection": "projects", "id": id})
	require.NoError(t, err)
	assert.Equal(t, id, out.(map[string]any)["deleted"])

	left, err := repo.Find(context.Background(), "projects", core.Query{Filter: map[string]any{"id": id}})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRecordTools_FindSortLimitInclude(t *testing.T) {
	repo, reg := recordToolSet(t, nil)
	ctx := testContext()
	bg := context.Background()

	owner, err := repo.Create(bg, "customers", core.Record{"name": "acme"})
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := repo.Create(bg, "orders", core.Record{
			"customer_id": owner.String("id"),
			"amount":      i * 10,
		})
		require.NoError(t, err)
	}
	repo.DefineRelation("orders", repository.Relation{
		Name: "customer", Collection: "customers", LocalField: "customer_id", ForeignField: "id",
	})

	find, _ := reg.Get("find_records")
	out, err := find.Call(ctx, map[string]any{
		"collection": "orders",
		"sort":       "-amount",
		"limit":      float64(2), // JSON numbers decode as float64
		"include":    []any{"customer"},
	})
	require.NoError(t, err)

	found := out.(map[string]any)
	records := found["records"].([]core.Record)
	require.Len(t, records, 2)
	assert.Equal(t, 30, records[0]["amount"])

	joined, ok := records[0]["customer"].([]core.Record)
	require.True(t, ok)
	require.Len(t, joined, 1)
	assert.Equal(t, "acme", joined[0].String("name"))
}

func TestRecordTools_CheckerConsultedBeforeRepository(t *testing.T) {
	checker := &denyWrites{}
	repo, reg := recordToolSet(t, checker)
	ctx := testContext()

	create, _ := reg.Get("create_record")
	_, err := create.Call(ctx, map[string]any{
		"collection": "projects",
		"record":     map[string]any{"name": "atlas"},
	})
	require.Error(t, err)
	var terr *ToolError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Message, "write access denied")

	// The denial happened before any repository write.
	got, err := repo.Find(context.Background(), "projects", core.Query{})
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.Equal(t, []string{"user-1:create:projects"}, checker.seen)
}

func TestRecordTools_MissingRequiredArgument(t *testing.T) {
	_, reg := recordToolSet(t, nil)

	find, _ := reg.Get("find_records")
	_, err := find.Call(testContext(), map[string]any{"filter": map[string]any{}})

	var terr *ToolError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "VALIDATION_ERROR", terr.Code)
	assert.Contains(t, terr.Message, "collection")
}

func TestFunctionTool_ErrorCodes(t *testing.T) {
	plain := NewFunctionTool("plain", "always fails", map[string]any{"type": "object"},
		func(*Context, map[string]any) (any, error) {
			return nil, errors.New("backend unavailable")
		})
	_, err := plain.Call(testContext(), map[string]any{})
	var terr *ToolError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "EXECUTION_ERROR", terr.Code)

	custom := NewFunctionTool("custom", "fails with its own code", map[string]any{"type": "object"},
		func(*Context, map[string]any) (any, error) {
			return nil, NewToolError("custom", "quota exceeded", "RATE_LIMITED")
		})
	_, err = custom.Call(testContext(), map[string]any{})
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "RATE_LIMITED", terr.Code, "custom codes pass through untouched")
}

func TestRegistry_OrderAndReplace(t *testing.T) {
	mk := func(name string) Tool {
		return NewFunctionTool(name, name, map[string]any{"type": "object"},
			func(*Context, map[string]any) (any, error) { return name, nil })
	}

	reg := NewRegistry(mk("b"), mk("a"), mk("c"))
	var names []string
	for _, tl := range reg.All() {
		names = append(names, tl.Name())
	}
	assert.Equal(t, []string{"b", "a", "c"}, names, "registration order is preserved")

	reg.Add(mk("a"))
	names = names[:0]
	for _, tl := range reg.All() {
		names = append(names, tl.Name())
	}
	assert.Equal(t, []string{"b", "a", "c"}, names, "replacement keeps the original slot")
}

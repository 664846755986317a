package convoloop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convoloop/core"
	"github.com/hupe1980/convoloop/engine"
	"github.com/hupe1980/convoloop/model"
	"github.com/hupe1980/convoloop/repository"
	"github.com/hupe1980/convoloop/store"
)

func TestFacade_TurnWithDefaults(t *testing.T) {
	ctx := context.Background()

	repo := repository.NewInMemory()
	_, err := repo.Create(ctx, store.ConfigCollection, store.ConfigToRecord(core.AgentConfig{
		ID:                      "cfg-1",
		Provider:                "mock",
		Model:                   "mock-1",
		Enabled:                 true,
		MaxConversationMessages: 20,
	}))
	require.NoError(t, err)

	mock := model.NewMockModel()
	mock.Enqueue(model.MockTurn{Text: "done"})
	resolver := engine.ModelResolverFunc(func(core.AgentConfig) (model.Model, error) {
		return mock, nil
	})

	cl, err := New(resolver, model.NewMockModel(), func(o *Options) {
		o.Repository = repo
	})
	require.NoError(t, err)
	defer cl.Close()

	res, err := cl.Turn(ctx, engine.TurnRequest{ConfigID: "cfg-1", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Assistant.Content)

	convs, err := cl.Store().ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	assert.False(t, cl.Cancel(ctx, convs[0].ID), "no stream in flight")
}

func TestFacade_DefaultToolsManipulateRecords(t *testing.T) {
	ctx := context.Background()

	repo := repository.NewInMemory()
	_, err := repo.Create(ctx, store.ConfigCollection, store.ConfigToRecord(core.AgentConfig{
		ID: "cfg-1", Provider: "mock", Model: "mock-1", Enabled: true,
		MaxConversationMessages: 20,
	}))
	require.NoError(t, err)

	mock := model.NewMockModel()
	mock.Enqueue(
		model.MockTurn{ToolCalls: []model.ToolCall{{
			ID:        "c1",
			Name:      "create_record",
			Arguments: `{"collection":"notes","record":{"text":"remember this"}}`,
		}}},
		model.MockTurn{Text: "saved"},
	)
	resolver := engine.ModelResolverFunc(func(core.AgentConfig) (model.Model, error) {
		return mock, nil
	})

	cl, err := New(resolver, model.NewMockModel(), func(o *Options) {
		o.Repository = repo
	})
	require.NoError(t, err)
	defer cl.Close()

	res, err := cl.Turn(ctx, engine.TurnRequest{ConfigID: "cfg-1", Message: "save a note"})
	require.NoError(t, err)
	assert.Equal(t, "saved", res.Assistant.Content)

	notes, err := repo.Find(ctx, "notes", core.Query{})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "remember this", notes[0].String("text"))
}

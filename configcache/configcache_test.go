package configcache

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convoloop/broadcast"
	"github.com/hupe1980/convoloop/core"
	"github.com/hupe1980/convoloop/repository"
	"github.com/hupe1980/convoloop/store"
)

func seedConfigs(t *testing.T, repo *repository.InMemory, cfgs ...core.AgentConfig) {
	t.Helper()
	for _, cfg := range cfgs {
		_, err := repo.Create(context.Background(), store.ConfigCollection, store.ConfigToRecord(cfg))
		require.NoError(t, err)
	}
}

func TestGet_ReloadsOnFirstMiss(t *testing.T) {
	repo := repository.NewInMemory()
	seedConfigs(t, repo, core.AgentConfig{ID: "cfg-1", Provider: "anthropic", Enabled: true, MaxConversationMessages: 20})

	cache := New(repo, repository.NewMemoryLocker(), broadcast.NewInMemoryBus(), "inst-a")

	cfg, err := cache.Get(context.Background(), "cfg-1")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, 20, cfg.MaxConversationMessages)
	assert.Equal(t, 1, repo.Finds())

	// Unknown ids resolve to nil without another repository read.
	cfg, err = cache.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, cfg)
	assert.Equal(t, 1, repo.Finds())
}

// Once primed, any number of concurrent readers is served from memory.
func TestGet_ConcurrentReadersSingleRepositoryRead(t *testing.T) {
	repo := repository.NewInMemory()
	seedConfigs(t, repo, core.AgentConfig{ID: "cfg-1", Enabled: true})

	cache := New(repo, repository.NewMemoryLocker(), broadcast.NewInMemoryBus(), "inst-a")
	_, err := cache.Get(context.Background(), "cfg-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg, err := cache.Get(context.Background(), "cfg-1")
			assert.NoError(t, err)
			assert.NotNil(t, cfg)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, repo.Finds())
}

// A reload on one process primes every peer through the broadcast channel;
// peers never touch the repository themselves.
func TestReload_BroadcastConvergesPeers(t *testing.T) {
	repo := repository.NewInMemory()
	seedConfigs(t, repo,
		core.AgentConfig{ID: "cfg-1", Provider: "anthropic", Enabled: true},
		core.AgentConfig{ID: "cfg-2", Provider: "openai", Enabled: false},
	)

	bus := broadcast.NewInMemoryBus()
	locker := repository.NewMemoryLocker()

	a := New(repo, locker, bus, "inst-a")
	b := New(repo, locker, bus, "inst-b")

	ctx := context.Background()
	stopA, err := a.Start(ctx)
	require.NoError(t, err)
	defer stopA()
	stopB, err := b.Start(ctx)
	require.NoError(t, err)
	defer stopB()

	require.NoError(t, a.Reload(ctx))

	assert.Equal(t, 2, a.Size())
	assert.Equal(t, 2, b.Size(), "peer installed the broadcast set")
	assert.Equal(t, a.Snapshot(), b.Snapshot())
	assert.Equal(t, 1, repo.Finds(), "only the reloading process touched storage")

	cfg, err := b.Get(ctx, "cfg-2")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.False(t, cfg.Enabled)
}

// The reloading process must not reinstall its own broadcast on top of a
// newer local state.
func TestOnBroadcast_IgnoresOwnEcho(t *testing.T) {
	repo := repository.NewInMemory()
	cache := New(repo, repository.NewMemoryLocker(), broadcast.NewInMemoryBus(), "inst-a")

	raw, err := json.Marshal(syncPayload{
		InstanceID: "inst-a",
		Configs:    []configPair{{ID: "cfg-x", Config: core.AgentConfig{ID: "cfg-x"}}},
		Timestamp:  time.Now().UTC(),
	})
	require.NoError(t, err)

	cache.onBroadcast(raw)
	assert.Equal(t, 0, cache.Size(), "own echo must be dropped")

	raw, err = json.Marshal(syncPayload{
		InstanceID: "inst-b",
		Configs:    []configPair{{ID: "cfg-x", Config: core.AgentConfig{ID: "cfg-x", Enabled: true}}},
		Timestamp:  time.Now().UTC(),
	})
	require.NoError(t, err)

	cache.onBroadcast(raw)
	assert.Equal(t, 1, cache.Size())
}

func TestReload_LeaseHeldElsewhere(t *testing.T) {
	repo := repository.NewInMemory()
	seedConfigs(t, repo, core.AgentConfig{ID: "cfg-1"})

	locker := repository.NewMemoryLocker()
	held, err := locker.Acquire(context.Background(), lockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	cache := New(repo, locker, broadcast.NewInMemoryBus(), "inst-a")
	require.NoError(t, cache.Reload(context.Background()))
	assert.Equal(t, 0, repo.Finds(), "losing the lease skips the repository read")
}

// Wire shape: configs serialize as [id, config] pairs so peers on any runtime
// can decode positionally.
func TestSyncPayload_PairEncoding(t *testing.T) {
	raw, err := json.Marshal(configPair{ID: "cfg-1", Config: core.AgentConfig{ID: "cfg-1", Provider: "openai"}})
	require.NoError(t, err)
	assert.True(t, json.Valid(raw))
	assert.Equal(t, byte('['), raw[0])

	var pair configPair
	require.NoError(t, json.Unmarshal(raw, &pair))
	assert.Equal(t, "cfg-1", pair.ID)
	assert.Equal(t, "openai", pair.Config.Provider)
}

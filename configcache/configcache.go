// Package configcache is a distributed read-through cache of agent
// configuration. One process per cluster performs the Repository read under a
// short-TTL lease; the materialized set is broadcast to every peer, so caches
// converge without each process hitting storage.
package configcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/convoloop/core"
	"github.com/hupe1980/convoloop/logging"
	"github.com/hupe1980/convoloop/store"
)

// Channel is the broadcast channel carrying materialized config sets.
const Channel = "config-sync"

// lockKey guards the cluster-wide reload.
const lockKey = "configcache:reload"

// syncPayload is the cross-process wire shape:
// {instanceId, configs:[[id,config],...], timestamp}.
type syncPayload struct {
	InstanceID string       `json:"instanceId"`
	Configs    []configPair `json:"configs"`
	Timestamp  time.Time    `json:"timestamp"`
}

// configPair serializes as a two-element [id, config] array.
type configPair struct {
	ID     string
	Config core.AgentConfig
}

// MarshalJSON implements json.Marshaler.
func (p configPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.ID, p.Config})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *configPair) UnmarshalJSON(data []byte) error {
	var arr [2]json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if err := json.Unmarshal(arr[0], &p.ID); err != nil {
		return err
	}
	return json.Unmarshal(arr[1], &p.Config)
}

// Options configures a Cache.
type Options struct {
	// LockTTL bounds how long a crashed reloader can stall peers.
	LockTTL time.Duration
	Logger  logging.Logger
}

// Cache is the per-process configuration cache. Get transparently triggers a
// reload when the cache has never been primed. Map replacement is an atomic
// swap under the mutex; no lock is held across a suspension point except the
// distributed reload lease.
type Cache struct {
	repo       core.Repository
	locker     core.LeaseLocker
	bus        core.Broadcaster
	instanceID string
	lockTTL    time.Duration
	logger     logging.Logger

	mu      sync.RWMutex
	configs map[string]core.AgentConfig
	primed  bool
}

// New creates a Cache. Call Start to subscribe to peer broadcasts.
func New(repo core.Repository, locker core.LeaseLocker, bus core.Broadcaster, instanceID string, optFns ...func(o *Options)) *Cache {
	opts := Options{LockTTL: 10 * time.Second}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Cache{
		repo:       repo,
		locker:     locker,
		bus:        bus,
		instanceID: instanceID,
		lockTTL:    opts.LockTTL,
		logger:     logging.OrNoOp(opts.Logger),
		configs:    make(map[string]core.AgentConfig),
	}
}

// Start subscribes to the config-sync channel. The returned func tears the
// subscription down.
func (c *Cache) Start(ctx context.Context) (func(), error) {
	return c.bus.Subscribe(ctx, Channel, c.onBroadcast)
}

// Get returns the configuration for id, or nil when unknown. A never-primed
// cache reloads first.
func (c *Cache) Get(ctx context.Context, id string) (*core.AgentConfig, error) {
	c.mu.RLock()
	primed := c.primed
	c.mu.RUnlock()

	if !primed {
		if err := c.Reload(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if cfg, ok := c.configs[id]; ok {
		out := cfg
		return &out, nil
	}
	return nil, nil
}

// Reload refreshes the whole configuration set. If another process holds the
// reload lease, this returns immediately and relies on the impending
// broadcast; otherwise it reads the Repository once, broadcasts the
// materialized set, installs it locally and releases the lease in a
// guaranteed-cleanup step.
func (c *Cache) Reload(ctx context.Context) error {
	acquired, err := c.locker.Acquire(ctx, lockKey, c.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire reload lease: %w", err)
	}
	if !acquired {
		c.logger.Debug("config reload already in progress elsewhere", "instance_id", c.instanceID)
		return nil
	}
	defer func() {
		if err := c.locker.Release(ctx, lockKey); err != nil {
			c.logger.Warn("release reload lease failed", "error", err)
		}
	}()

	recs, err := c.repo.Find(ctx, store.ConfigCollection, core.Query{})
	if err != nil {
		return fmt.Errorf("load agent configs: %w", err)
	}

	configs := make(map[string]core.AgentConfig, len(recs))
	payload := syncPayload{InstanceID: c.instanceID, Timestamp: time.Now().UTC()}
	for _, rec := range recs {
		cfg := store.RecordToConfig(rec)
		configs[cfg.ID] = cfg
		payload.Configs = append(payload.Configs, configPair{ID: cfg.ID, Config: cfg})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode config sync payload: %w", err)
	}
	if err := c.bus.Publish(ctx, Channel, raw); err != nil {
		c.logger.Warn("config sync broadcast failed", "error", err)
	}

	c.install(configs)
	c.logger.Info("config cache reloaded", "configs", len(configs), "instance_id", c.instanceID)
	return nil
}

// Size returns the number of cached configurations.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.configs)
}

// Snapshot returns a copy of the cached set, for tests and introspection.
func (c *Cache) Snapshot() map[string]core.AgentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]core.AgentConfig, len(c.configs))
	for k, v := range c.configs {
		out[k] = v
	}
	return out
}

func (c *Cache) onBroadcast(payload []byte) {
	var msg syncPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn("bad config sync payload", "error", err)
		return
	}
	if msg.InstanceID == c.instanceID {
		return // own echo
	}
	configs := make(map[string]core.AgentConfig, len(msg.Configs))
	for _, pair := range msg.Configs {
		configs[pair.ID] = pair.Config
	}
	c.install(configs)
	c.logger.Debug("config cache replaced from broadcast", "origin", msg.InstanceID, "configs", len(configs))
}

func (c *Cache) install(configs map[string]core.AgentConfig) {
	c.mu.Lock()
	c.configs = configs
	c.primed = true
	c.mu.Unlock()
}

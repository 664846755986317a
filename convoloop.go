// Package convoloop provides a high-level façade over the conversation
// engine and its capability providers (repository, broadcast bus, lease
// locker, tools & logging). Most applications interact with this package by:
//  1. Creating a Convoloop via New() with a model resolver and a summarizer
//     (optionally overriding the default in-memory providers)
//  2. Running turns synchronously (Turn) or streamed (StreamTurn)
//  3. Cancelling in-flight turns from any process (Cancel)
//
// The façade delegates orchestration to engine.Engine while keeping setup
// ergonomics concise. All defaults are safe for local development and testing;
// production deployments supply the sqlite repository, the MQTT broadcaster
// and a structured logger, the way cmd/convoloop does.
package convoloop

import (
	"context"

	"github.com/hupe1980/convoloop/broadcast"
	"github.com/hupe1980/convoloop/compact"
	"github.com/hupe1980/convoloop/configcache"
	"github.com/hupe1980/convoloop/core"
	"github.com/hupe1980/convoloop/engine"
	"github.com/hupe1980/convoloop/logging"
	"github.com/hupe1980/convoloop/model"
	"github.com/hupe1980/convoloop/repository"
	"github.com/hupe1980/convoloop/store"
	"github.com/hupe1980/convoloop/stream"
	"github.com/hupe1980/convoloop/task"
	"github.com/hupe1980/convoloop/tool"
)

// Options configures the Convoloop instance.
type Options struct {
	// InstanceID identifies this process on the broadcast bus. Defaults to a
	// fresh id per instance.
	InstanceID string

	// Capability providers (default to in-memory implementations if not
	// provided).
	Repository core.Repository
	Locker     core.LeaseLocker
	Bus        core.Broadcaster

	// Tools is the tool set bound to every turn. Defaults to the
	// repository-backed record tools over Repository.
	Tools *tool.Registry

	// Engine tuning, passed through to engine.New.
	SystemPrompt  string
	MaxIterations int

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Convoloop is the high-level façade aggregating the engine and its
// collaborators.
type Convoloop struct {
	engine *engine.Engine
	store  *store.Store
	stop   func()
}

// New creates a Convoloop instance with optional overrides. Any unset
// capability is initialized with an in-memory implementation. resolver maps an
// agent config to its model; summarizer drives conversation compaction.
func New(resolver engine.ModelResolver, summarizer model.Model, optFns ...func(o *Options)) (*Convoloop, error) {
	opts := Options{
		InstanceID: core.NewID(),
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Repository == nil {
		opts.Repository = repository.NewInMemory()
	}
	if opts.Locker == nil {
		opts.Locker = repository.NewMemoryLocker()
	}
	if opts.Bus == nil {
		opts.Bus = broadcast.NewInMemoryBus()
	}
	if opts.Tools == nil {
		opts.Tools = tool.NewRegistry(tool.RecordTools(opts.Repository, core.AllowAll{})...)
	}

	st := store.New(opts.Repository, func(o *store.Options) {
		o.Logger = opts.Logger
	})

	configs := configcache.New(opts.Repository, opts.Locker, opts.Bus, opts.InstanceID, func(o *configcache.Options) {
		o.Logger = opts.Logger
	})
	coordinator := stream.New(opts.Bus, opts.InstanceID, func(o *stream.Options) {
		o.Logger = opts.Logger
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopConfigs, err := configs.Start(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	stopStreams, err := coordinator.Start(ctx)
	if err != nil {
		stopConfigs()
		cancel()
		return nil, err
	}

	compactor, err := compact.New(summarizer, st, func(o *compact.Options) {
		o.Logger = opts.Logger
	})
	if err != nil {
		stopStreams()
		stopConfigs()
		cancel()
		return nil, err
	}

	eng := engine.New(st, configs, coordinator, compactor, task.New(st), resolver, opts.Tools, func(o *engine.Options) {
		if opts.SystemPrompt != "" {
			o.SystemPrompt = opts.SystemPrompt
		}
		if opts.MaxIterations > 0 {
			o.MaxIterations = opts.MaxIterations
		}
		o.Logger = opts.Logger
	})

	return &Convoloop{
		engine: eng,
		store:  st,
		stop: func() {
			stopStreams()
			stopConfigs()
			cancel()
		},
	}, nil
}

// Turn runs one non-streaming turn.
func (c *Convoloop) Turn(ctx context.Context, req engine.TurnRequest) (*engine.TurnResult, error) {
	return c.engine.Turn(ctx, req)
}

// StreamTurn runs one streaming turn, forwarding events to sink.
func (c *Convoloop) StreamTurn(ctx context.Context, req engine.TurnRequest, sink core.EventSink) (*engine.TurnResult, error) {
	return c.engine.StreamTurn(ctx, req, sink)
}

// Cancel aborts the in-flight turn for the conversation, locally and across
// the cluster.
func (c *Convoloop) Cancel(ctx context.Context, conversationID string) bool {
	return c.engine.Streams().Cancel(ctx, conversationID)
}

// Engine exposes the underlying engine for advanced wiring.
func (c *Convoloop) Engine() *engine.Engine { return c.engine }

// Store exposes the conversation store.
func (c *Convoloop) Store() *store.Store { return c.store }

// Close drains active streams through their partial-save path and tears down
// broadcast subscriptions.
func (c *Convoloop) Close() {
	c.engine.Streams().DrainAll()
	c.stop()
}

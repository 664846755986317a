// Package engine ties the convoloop components together per turn: it
// resolves the conversation, validates configuration, assembles the bounded
// message window (compacting first when full), runs the agentic loop, and
// persists the outcome. Every terminal path — success, provider error,
// cancellation, idle timeout — converges on one finalize routine, so exactly
// one outcome is recorded per turn even under a race between client cancel
// and natural completion.
package engine

import (
	"time"

	"github.com/hupe1980/convoloop/compact"
	"github.com/hupe1980/convoloop/configcache"
	"github.com/hupe1980/convoloop/core"
	"github.com/hupe1980/convoloop/logging"
	"github.com/hupe1980/convoloop/model"
	"github.com/hupe1980/convoloop/store"
	"github.com/hupe1980/convoloop/stream"
	"github.com/hupe1980/convoloop/task"
	"github.com/hupe1980/convoloop/tool"
)

// defaultSystemPrompt instructs the agent when no prompt is configured.
const defaultSystemPrompt = `You are a data assistant. You manage records for the user through the available tools. Use tools to read or change data; answer directly when no data access is needed. When a tool returns an error, adapt and try a different approach.`

// ModelResolver maps an agent configuration to a concrete model invoker.
type ModelResolver interface {
	Resolve(cfg core.AgentConfig) (model.Model, error)
}

// ModelResolverFunc adapts a function to ModelResolver.
type ModelResolverFunc func(cfg core.AgentConfig) (model.Model, error)

// Resolve implements ModelResolver.
func (f ModelResolverFunc) Resolve(cfg core.AgentConfig) (model.Model, error) { return f(cfg) }

// Options configures an Engine.
type Options struct {
	// SystemPrompt overrides the built-in agent instructions.
	SystemPrompt string
	// MaxIterations caps model calls per turn.
	MaxIterations int
	// TitleLength caps generated conversation titles, in runes.
	TitleLength int
	// IdleTimeout ends a streaming turn that produced no events for this
	// long. Zero disables the watchdog.
	IdleTimeout time.Duration
	Logger      logging.Logger
}

// Engine orchestrates turns. It is safe for concurrent use across
// conversations; two turns racing on the same conversation from different
// processes are not serialized (an accepted gap, see package doc of stream
// for what is coordinated cluster-wide).
type Engine struct {
	store       *store.Store
	configs     *configcache.Cache
	coordinator *stream.Coordinator
	compactor   *compact.Compactor
	tracker     *task.Tracker
	resolver    ModelResolver
	tools       *tool.Registry

	systemPrompt  string
	maxIterations int
	titleLength   int
	idleTimeout   time.Duration
	logger        logging.Logger
}

// New creates an Engine.
func New(
	s *store.Store,
	configs *configcache.Cache,
	coordinator *stream.Coordinator,
	compactor *compact.Compactor,
	tracker *task.Tracker,
	resolver ModelResolver,
	tools *tool.Registry,
	optFns ...func(o *Options),
) *Engine {
	opts := Options{
		SystemPrompt:  defaultSystemPrompt,
		MaxIterations: 10,
		TitleLength:   60,
		IdleTimeout:   2 * time.Minute,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 10
	}
	if opts.TitleLength <= 0 {
		opts.TitleLength = 60
	}
	if tools != nil && tracker != nil {
		tools.Add(task.NewTool(tracker))
	}
	return &Engine{
		store:         s,
		configs:       configs,
		coordinator:   coordinator,
		compactor:     compactor,
		tracker:       tracker,
		resolver:      resolver,
		tools:         tools,
		systemPrompt:  opts.SystemPrompt,
		maxIterations: opts.MaxIterations,
		titleLength:   opts.TitleLength,
		idleTimeout:   opts.IdleTimeout,
		logger:        logging.OrNoOp(opts.Logger),
	}
}

// Tasks exposes the task tracker for transport handlers.
func (e *Engine) Tasks() *task.Tracker { return e.tracker }

// Streams exposes the stream coordinator for transport handlers.
func (e *Engine) Streams() *stream.Coordinator { return e.coordinator }

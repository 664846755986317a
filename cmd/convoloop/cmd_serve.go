package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"

	"github.com/hupe1980/convoloop/broadcast"
	"github.com/hupe1980/convoloop/broadcast/mqtt"
	"github.com/hupe1980/convoloop/compact"
	"github.com/hupe1980/convoloop/config"
	"github.com/hupe1980/convoloop/configcache"
	"github.com/hupe1980/convoloop/core"
	"github.com/hupe1980/convoloop/engine"
	"github.com/hupe1980/convoloop/model"
	"github.com/hupe1980/convoloop/model/anthropic"
	"github.com/hupe1980/convoloop/model/openai"
	"github.com/hupe1980/convoloop/repository"
	"github.com/hupe1980/convoloop/repository/sqlite"
	"github.com/hupe1980/convoloop/server"
	"github.com/hupe1980/convoloop/store"
	"github.com/hupe1980/convoloop/stream"
	"github.com/hupe1980/convoloop/task"
	"github.com/hupe1980/convoloop/tool"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the convoloop server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence: sqlite when a path is configured, volatile otherwise.
	var (
		repo   core.Repository
		locker core.LeaseLocker
	)
	if cfg.Store.Path != "" {
		db, err := sqlite.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()
		repo, locker = db, db
		logger.Info("using sqlite store", "path", cfg.Store.Path)
	} else {
		repo = repository.NewInMemory()
		locker = repository.NewMemoryLocker()
		logger.Warn("no store path configured, data is volatile")
	}

	// Broadcast: MQTT joins the cluster channels, in-memory runs standalone.
	var bus core.Broadcaster
	if cfg.MQTT.Broker != "" {
		mq, err := mqtt.New(ctx, func(o *mqtt.Options) {
			o.Broker = cfg.MQTT.Broker
			o.TopicPrefix = cfg.MQTT.TopicPrefix
			o.ClientID = "convoloop-" + cfg.InstanceID
			o.Username = cfg.MQTT.Username
			o.Password = cfg.MQTT.Password
			o.Logger = logger
		})
		if err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mq.Close(closeCtx)
		}()
		bus = mq
		logger.Info("joined mqtt cluster", "broker", cfg.MQTT.Broker)
	} else {
		bus = broadcast.NewInMemoryBus()
		logger.Warn("no mqtt broker configured, running standalone")
	}

	configs := configcache.New(repo, locker, bus, cfg.InstanceID, func(o *configcache.Options) {
		o.Logger = logger
	})
	unsubscribeConfigs, err := configs.Start(ctx)
	if err != nil {
		return fmt.Errorf("start config cache: %w", err)
	}
	defer unsubscribeConfigs()

	coordinator := stream.New(bus, cfg.InstanceID, func(o *stream.Options) {
		o.Logger = logger
	})
	unsubscribeCancel, err := coordinator.Start(ctx)
	if err != nil {
		return fmt.Errorf("start stream coordinator: %w", err)
	}
	defer unsubscribeCancel()

	st := store.New(repo)
	tracker := task.New(st)
	registry := tool.NewRegistry(tool.RecordTools(repo, core.AllowAll{})...)

	resolver := newResolver(cfg)

	summarizer, err := resolver.Resolve(core.AgentConfig{Provider: defaultProvider(cfg)})
	if err != nil {
		return err
	}
	compactor, err := compact.New(summarizer, st, func(o *compact.Options) {
		o.Logger = logger
	})
	if err != nil {
		return fmt.Errorf("create compactor: %w", err)
	}

	eng := engine.New(st, configs, coordinator, compactor, tracker, resolver, registry, func(o *engine.Options) {
		if cfg.Engine.SystemPrompt != "" {
			o.SystemPrompt = cfg.Engine.SystemPrompt
		}
		o.MaxIterations = cfg.Engine.MaxIterations
		o.IdleTimeout = cfg.Engine.IdleTimeout
		o.Logger = logger
	})

	if cfg.Engine.SweepInterval > 0 {
		go compactor.RunSweeper(ctx, configs, cfg.Engine.SweepInterval, compact.SweepOptions{
			MinAge: cfg.Engine.SweepMinAge,
		})
	}

	srv := server.New(eng, st, func(o *server.Options) {
		o.Addr = cfg.Listen.Addr
		o.KeepAliveInterval = cfg.Listen.KeepAliveInterval
		o.WriteDeadline = cfg.Listen.WriteDeadline
		o.Logger = logger
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("convoloop started",
		"instance_id", cfg.InstanceID,
		"addr", cfg.Listen.Addr,
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down, draining active streams")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newResolver maps agent configurations to provider adapters. Clients are
// built once; the per-config model name is bound at resolve time.
func newResolver(cfg *config.Config) engine.ModelResolver {
	return engine.ModelResolverFunc(func(ac core.AgentConfig) (model.Model, error) {
		switch ac.Provider {
		case "anthropic":
			return anthropic.NewModel(func(o *anthropic.Options) {
				if ac.Model != "" {
					o.Model = anthropicsdk.Model(ac.Model)
				}
				o.APIKey = cfg.Anthropic.APIKey
			}), nil
		case "openai":
			return openai.NewModel(func(o *openai.Options) {
				if ac.Model != "" {
					o.Model = ac.Model
				}
				o.APIKey = cfg.OpenAI.APIKey
			}), nil
		default:
			return nil, fmt.Errorf("unknown provider %q", ac.Provider)
		}
	})
}

// defaultProvider picks the provider used for summarization digests.
func defaultProvider(cfg *config.Config) string {
	if cfg.Anthropic.APIKey != "" {
		return "anthropic"
	}
	return "openai"
}

package compact

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/convoloop/core"
)

// ConfigSource resolves agent configuration for a conversation; satisfied by
// the config cache.
type ConfigSource interface {
	Get(ctx context.Context, id string) (*core.AgentConfig, error)
}

// SweepOptions configures the batch compaction sweep.
type SweepOptions struct {
	// MinAge is the minimum wall-clock time since the last summarization
	// before a conversation is considered again.
	MinAge time.Duration
	// Concurrency bounds parallel digest generations per sweep.
	Concurrency int
}

// Sweep is the non-streaming batch variant of compaction: every conversation
// whose stored message count exceeds its config's summary threshold, and
// whose last summarization is older than MinAge, gets compacted. Failures on
// one conversation do not stop the sweep; the first error is reported after
// all work finishes.
func (c *Compactor) Sweep(ctx context.Context, configs ConfigSource, opts SweepOptions) error {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}

	convs, err := c.store.ListConversations(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for _, conv := range convs {
		cfg, err := configs.Get(ctx, conv.ConfigID)
		if err != nil || cfg == nil || cfg.SummaryThreshold <= 0 {
			continue
		}
		if conv.MessageCount <= cfg.SummaryThreshold {
			continue
		}
		if conv.LastSummaryAt != nil && now.Sub(*conv.LastSummaryAt) < opts.MinAge {
			continue
		}

		conv := conv
		window := cfg.MaxConversationMessages
		g.Go(func() error {
			msgs, err := c.store.RecentWindow(ctx, conv, window)
			if err != nil {
				c.logger.Warn("sweep window load failed", "conversation_id", conv.ID, "error", err)
				return err
			}
			if _, err := c.Compact(ctx, conv, msgs, nil); err != nil {
				c.logger.Warn("sweep compaction failed", "conversation_id", conv.ID, "error", err)
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

// RunSweeper runs Sweep on a fixed interval until ctx is cancelled.
func (c *Compactor) RunSweeper(ctx context.Context, configs ConfigSource, interval time.Duration, opts SweepOptions) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sweep(ctx, configs, opts); err != nil && ctx.Err() == nil {
				c.logger.Warn("compaction sweep finished with errors", "error", err)
			}
		}
	}
}

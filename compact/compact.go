// Package compact keeps growing conversations inside a fixed context window.
// When the live message window is full, the transcript is rendered into a
// token-budgeted digest prompt (tool traffic collapsed to short annotations,
// never raw payloads), the model produces a compact structured summary, and
// the conversation's summary cutoff moves forward. Older messages stay stored
// for audit but drop out of the live context.
package compact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/hupe1980/convoloop/core"
	"github.com/hupe1980/convoloop/logging"
	"github.com/hupe1980/convoloop/model"
	"github.com/hupe1980/convoloop/store"
)

// summaryInstructions is the summarization-specific system prompt. The model
// is invoked with no tools bound.
const summaryInstructions = `You summarize a conversation between a user and a data assistant into one compact digest. Cover, in order:
1. Goal and progress so far.
2. Schema or data mutations, with record/collection identifiers.
3. Errors encountered and how they were resolved.
4. Pending next steps.
Be terse. Keep identifiers exact. Do not invent details.`

// Options configures a Compactor.
type Options struct {
	// MaxSummaryLength clips the stored digest, in runes.
	MaxSummaryLength int
	// TokenBudget caps the rendered transcript fed to the digest prompt;
	// oldest lines are dropped first when over budget.
	TokenBudget int
	// TokenizerModel selects the tiktoken encoding (falls back to
	// cl100k_base for unknown models).
	TokenizerModel string
	Logger         logging.Logger
}

// Compactor produces and stores conversation digests.
type Compactor struct {
	invoker          model.Model
	store            *store.Store
	countTokens      func(text string) int
	maxSummaryLength int
	tokenBudget      int
	logger           logging.Logger
}

// loadTokenizer is a seam for tests: tiktoken fetches BPE dictionaries over
// the network the first time an encoding is requested.
var loadTokenizer = func(model string) (*tiktoken.Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return tiktoken.GetEncoding("cl100k_base")
	}
	return enc, nil
}

// New creates a Compactor. When no tokenizer encoding can be loaded (offline
// environments), token counting degrades to a rune-based approximation
// instead of failing construction.
func New(invoker model.Model, s *store.Store, optFns ...func(o *Options)) (*Compactor, error) {
	opts := Options{
		MaxSummaryLength: 2000,
		TokenBudget:      6000,
		TokenizerModel:   "gpt-4",
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := logging.OrNoOp(opts.Logger)

	countTokens := approxTokens
	if enc, err := loadTokenizer(opts.TokenizerModel); err == nil {
		countTokens = func(text string) int { return len(enc.Encode(text, nil, nil)) }
	} else {
		logger.Warn("tokenizer unavailable, approximating token counts", "error", err)
	}

	return &Compactor{
		invoker:          invoker,
		store:            s,
		countTokens:      countTokens,
		maxSummaryLength: opts.MaxSummaryLength,
		tokenBudget:      opts.TokenBudget,
		logger:           logger,
	}, nil
}

// approxTokens estimates token counts at roughly four runes per token.
func approxTokens(text string) int {
	return utf8.RuneCountInString(text)/4 + 1
}

// Compact summarizes the window, stores the digest as the conversation's
// summary (replacing, never appending) and stamps lastSummaryAt. When a
// trigger message was in flight it is recreated with its sequence preserved
// so it lands after the new cutoff and appears in the next window load.
func (c *Compactor) Compact(ctx context.Context, conv *core.Conversation, window []*core.Message, trigger *core.Message) (*core.Conversation, error) {
	if len(window) == 0 {
		return conv, nil
	}

	digest, err := c.summarize(ctx, conv, window)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	updated, err := c.store.SetSummary(ctx, conv.ID, digest, now)
	if err != nil {
		return nil, err
	}

	if trigger != nil {
		if err := c.store.RecreateMessage(ctx, trigger); err != nil {
			return nil, fmt.Errorf("recreate trigger message: %w", err)
		}
	}

	c.logger.Info("conversation compacted",
		"conversation_id", conv.ID, "window", len(window), "digest_len", len(digest))
	return updated, nil
}

func (c *Compactor) summarize(ctx context.Context, conv *core.Conversation, window []*core.Message) (string, error) {
	transcript := c.renderTranscript(conv, window)

	req := model.Request{
		Instructions: summaryInstructions,
		Messages: []core.Message{
			*core.NewMessage(conv.ID, core.RoleUser, transcript),
		},
	}

	respCh, errCh := c.invoker.Generate(ctx, req)
	var text string
	for resp := range respCh {
		if !resp.Partial {
			text = resp.Text
		}
	}
	if err := <-errCh; err != nil {
		return "", &core.ProviderError{Provider: c.invoker.Info().Provider, Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return "", &core.ProviderError{Provider: c.invoker.Info().Provider, Err: errors.New("empty digest")}
	}
	return clip(text, c.maxSummaryLength), nil
}

// renderTranscript flattens the window into prompt lines. Tool calls and
// results collapse into short annotations; large structured payloads never
// reach the digest prompt.
func (c *Compactor) renderTranscript(conv *core.Conversation, window []*core.Message) string {
	var lines []string
	if conv.Summary != "" {
		lines = append(lines, "Previous summary: "+conv.Summary, "")
	}
	for _, msg := range window {
		switch msg.Role {
		case core.RoleTool:
			for _, tr := range msg.ToolResults {
				lines = append(lines, fmt.Sprintf("[tool %s -> %s]", tr.Name, annotateResult(tr.Result)))
			}
		default:
			line := fmt.Sprintf("%s: %s", msg.Role, msg.Content)
			for _, tc := range msg.ToolCalls {
				line += fmt.Sprintf(" [called %s]", tc.Name)
			}
			lines = append(lines, line)
		}
	}
	return c.fitBudget(lines)
}

// fitBudget drops the oldest lines until the transcript fits the token
// budget.
func (c *Compactor) fitBudget(lines []string) string {
	for start := 0; start < len(lines); start++ {
		text := strings.Join(lines[start:], "\n")
		if c.countTokens(text) <= c.tokenBudget {
			return text
		}
	}
	return ""
}

// annotateResult reduces a tool result to a one-line human-readable note.
func annotateResult(result any) string {
	switch v := result.(type) {
	case nil:
		return "ok"
	case string:
		return clip(v, 120)
	case map[string]any:
		if msg, ok := v["error"].(string); ok {
			return "error: " + clip(msg, 120)
		}
		if n, ok := v["count"]; ok {
			return fmt.Sprintf("%v records", n)
		}
		if rec, ok := v["record"].(core.Record); ok {
			return "record " + rec.String("id")
		}
		if rec, ok := v["record"].(map[string]any); ok {
			return "record " + core.Record(rec).String("id")
		}
		return fmt.Sprintf("ok (%d fields)", len(v))
	default:
		return clip(fmt.Sprintf("%v", v), 120)
	}
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// Package store is the persistence boundary for conversations, messages and
// tasks. It owns the mapping between the domain types in core and the generic
// records exchanged with the Repository capability; no other package touches
// the conversation or message collections directly.
package store

import (
	"context"
	"time"

	"github.com/hupe1980/convoloop/core"
	"github.com/hupe1980/convoloop/logging"
)

// Collection names used on the Repository.
const (
	ConversationCollection = "conversations"
	MessageCollection      = "messages"
	ConfigCollection       = "agent_configs"
)

// Options configures a Store.
type Options struct {
	Logger logging.Logger
}

// Store persists conversations and messages through a core.Repository.
type Store struct {
	repo   core.Repository
	logger logging.Logger
}

// New creates a Store over the given repository.
func New(repo core.Repository, optFns ...func(o *Options)) *Store {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{repo: repo, logger: logging.OrNoOp(opts.Logger)}
}

// CreateConversation persists a new conversation with a zero message count.
func (s *Store) CreateConversation(ctx context.Context, userID, configID, title string) (*core.Conversation, error) {
	if title == "" {
		return nil, core.NewValidationError("title", "generated title is empty")
	}
	now := time.Now().UTC()
	conv := &core.Conversation{
		ID:        core.NewID(),
		UserID:    userID,
		ConfigID:  configID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.repo.Create(ctx, ConversationCollection, conversationToRecord(conv)); err != nil {
		return nil, err
	}
	s.logger.Debug("conversation created", "conversation_id", conv.ID, "config_id", configID)
	return conv, nil
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*core.Conversation, error) {
	recs, err := s.repo.Find(ctx, ConversationCollection, core.Query{
		Filter: map[string]any{"id": id},
		Limit:  1,
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, core.NewNotFoundError("conversation", id)
	}
	return recordToConversation(recs[0]), nil
}

// AppendMessage assigns the next sequence number and persists the message.
// The caller must be the single writer for the conversation; sequence numbers
// are strictly increasing with no gaps under that assumption.
func (s *Store) AppendMessage(ctx context.Context, msg *core.Message) (*core.Message, error) {
	last, err := s.LastSequence(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	msg.Sequence = last + 1
	if _, err := s.repo.Create(ctx, MessageCollection, messageToRecord(msg)); err != nil {
		return nil, err
	}
	return msg, nil
}

// LastSequence returns the highest sequence number in the conversation, or 0
// when it has no messages.
func (s *Store) LastSequence(ctx context.Context, conversationID string) (int, error) {
	recs, err := s.repo.Find(ctx, MessageCollection, core.Query{
		Filter: map[string]any{"conversation_id": conversationID},
		Sort:   "-sequence",
		Limit:  1,
	})
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	return recs[0].Int("sequence"), nil
}

// RecentWindow loads the conversation's live context: the newest messages up
// to limit, anchored no earlier than lastSummaryAt, returned in chronological
// order. Messages older than the summary cutoff stay stored for audit but are
// excluded from the window.
func (s *Store) RecentWindow(ctx context.Context, conv *core.Conversation, limit int) ([]*core.Message, error) {
	filter := map[string]any{"conversation_id": conv.ID}
	if conv.LastSummaryAt != nil {
		filter["created_at>"] = core.FormatTime(*conv.LastSummaryAt)
	}
	recs, err := s.repo.Find(ctx, MessageCollection, core.Query{
		Filter: filter,
		Sort:   "-sequence",
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*core.Message, len(recs))
	for i, rec := range recs {
		out[len(recs)-1-i] = recordToMessage(rec)
	}
	return out, nil
}

// SetSummary replaces the conversation summary and stamps lastSummaryAt.
func (s *Store) SetSummary(ctx context.Context, conversationID, summary string, at time.Time) (*core.Conversation, error) {
	rec, err := s.repo.Update(ctx, ConversationCollection, conversationID, core.Record{
		"summary":         summary,
		"last_summary_at": core.FormatTime(at),
		"updated_at":      core.FormatTime(time.Now().UTC()),
	})
	if err != nil {
		return nil, err
	}
	return recordToConversation(rec), nil
}

// RecreateMessage deletes and re-inserts a message with its sequence number
// preserved and a fresh creation time, so a turn's trigger message lands
// after a new summary cutoff and appears in the next window load.
func (s *Store) RecreateMessage(ctx context.Context, msg *core.Message) error {
	if err := s.repo.Delete(ctx, MessageCollection, msg.ID); err != nil {
		return err
	}
	msg.CreatedAt = time.Now().UTC()
	_, err := s.repo.Create(ctx, MessageCollection, messageToRecord(msg))
	return err
}

// TouchActivity bumps the denormalized message count and activity timestamp
// after a completed turn.
func (s *Store) TouchActivity(ctx context.Context, conversationID string, messageCount int, at time.Time) (*core.Conversation, error) {
	rec, err := s.repo.Update(ctx, ConversationCollection, conversationID, core.Record{
		"message_count":    messageCount,
		"last_activity_at": core.FormatTime(at),
		"updated_at":       core.FormatTime(time.Now().UTC()),
	})
	if err != nil {
		return nil, err
	}
	return recordToConversation(rec), nil
}

// SaveTask writes the conversation's task slot.
func (s *Store) SaveTask(ctx context.Context, conversationID string, task *core.Task) (*core.Conversation, error) {
	rec, err := s.repo.Update(ctx, ConversationCollection, conversationID, core.Record{
		"task":       taskToValue(task),
		"updated_at": core.FormatTime(time.Now().UTC()),
	})
	if err != nil {
		return nil, err
	}
	return recordToConversation(rec), nil
}

// MessageCount returns the number of stored messages in the conversation,
// regardless of any summary cutoff.
func (s *Store) MessageCount(ctx context.Context, conversationID string) (int, error) {
	recs, err := s.repo.Find(ctx, MessageCollection, core.Query{
		Filter: map[string]any{"conversation_id": conversationID},
	})
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// ListConversations returns every conversation, newest activity first.
func (s *Store) ListConversations(ctx context.Context) ([]*core.Conversation, error) {
	recs, err := s.repo.Find(ctx, ConversationCollection, core.Query{Sort: "-updated_at"})
	if err != nil {
		return nil, err
	}
	out := make([]*core.Conversation, len(recs))
	for i, rec := range recs {
		out[i] = recordToConversation(rec)
	}
	return out, nil
}
